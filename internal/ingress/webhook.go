package ingress

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/channel"
	"github.com/kandev/dispatch/internal/store"
)

// Webhook handles POST /api/channel/:type/webhook per §4.6/§6.3: look
// up the channel by type, verify, translate, create the task, and
// dispatch asynchronously so the 202 response is never blocked on
// task execution.
func (s *Service) Webhook(c *gin.Context) {
	channelType := c.Param("type")

	ch, ok := s.channels.Get(channelType)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "unknown channel type"}})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "BAD_REQUEST", "message": "failed to read body"}})
		return
	}

	if ch.Verify != nil && !ch.Verify(c.Request, body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "VERIFICATION_FAILED", "message": "verification failed"}})
		return
	}

	if ch.Translate == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": true})
		return
	}

	req, err := ch.Translate(c.Request, body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "BAD_REQUEST", "message": err.Error()}})
		return
	}
	if req == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true, "skipped": true})
		return
	}

	ch.MergeDefaults(req)

	ctx := c.Request.Context()
	sess, err := s.store.CreateSession(ctx, req.SessionID, channelType)
	if err != nil {
		s.logger.Error("webhook: create session failed", zap.Error(err))
		writeError(c, err)
		return
	}

	task := &store.Task{
		SessionID:     sess.ID,
		ChannelType:   req.ChannelType,
		ChannelMeta:   req.ChannelMeta,
		Message:       req.Message,
		Skills:        req.Skills,
		BridgeConfigs: req.BridgeConfigs,
		Push:          req.Push,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		s.logger.Error("webhook: create task failed", zap.Error(err))
		writeError(c, err)
		return
	}

	go s.dispatcher.Run(context.Background(), task, ch, nil)

	c.JSON(http.StatusAccepted, gin.H{"taskId": task.ID})
}
