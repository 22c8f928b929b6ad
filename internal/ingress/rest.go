package ingress

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/common/apperr"
	"github.com/kandev/dispatch/internal/events/bus"
	"github.com/kandev/dispatch/internal/store"
)

const version = "0.1.0"

// Health handles GET /api/health.
func (s *Service) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
}

// sessionResponse is the wire shape for a session, camelCase per the
// teacher's DTO convention (internal/task/api response structs).
type sessionResponse struct {
	ID           string `json:"id"`
	ChannelType  string `json:"channelType"`
	Title        string `json:"title"`
	CreatedAt    string `json:"createdAt"`
	LastActiveAt string `json:"lastActiveAt"`
}

func toSessionResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		ChannelType:  s.ChannelType,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt.Format(rfc3339),
		LastActiveAt: s.LastActiveAt.Format(rfc3339),
	}
}

const rfc3339 = "2006-01-02T15:04:05.999999999Z"

// ListSessions handles GET /api/sessions.
func (s *Service) ListSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

type createSessionRequest struct {
	ChannelType string `json:"channelType"`
}

// CreateSession handles POST /api/sessions.
func (s *Service) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.BadRequest(err.Error()))
		return
	}
	if req.ChannelType == "" {
		req.ChannelType = "duplex"
	}

	sess, err := s.store.CreateSession(c.Request.Context(), "", req.ChannelType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// GetSession handles GET /api/sessions/:id.
func (s *Service) GetSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.store.GetSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, apperr.NotFound("session", id))
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

type patchSessionRequest struct {
	Title string `json:"title"`
}

// PatchSession handles PATCH /api/sessions/:id.
func (s *Service) PatchSession(c *gin.Context) {
	id := c.Param("id")
	var req patchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := s.store.UpdateSessionTitle(c.Request.Context(), id, req.Title); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteSession handles DELETE /api/sessions/:id, cascading to the
// session's tasks and logs per §6.4.
func (s *Service) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteSession(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SessionMessages handles GET /api/sessions/:id/messages by reading
// messages.json through the worker's workspace-read endpoint.
func (s *Service) SessionMessages(c *gin.Context) {
	id := c.Param("id")
	ep, err := s.driver.Acquire(c.Request.Context(), id)
	if err != nil {
		writeError(c, apperr.WorkerUnavailable("acquire worker for session", err))
		return
	}
	data, err := s.worker.WorkspaceGet(c.Request.Context(), ep.BaseURL, "messages.json")
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// taskResponse is the task projection of §6.4.
type taskResponse struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	ChannelType string `json:"channelType"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

func toTaskResponse(t *store.Task) taskResponse {
	return taskResponse{
		ID:          t.ID,
		SessionID:   t.SessionID,
		ChannelType: t.ChannelType,
		Status:      string(t.Status),
		Message:     t.Message,
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt.Format(rfc3339),
	}
}

// GetTask handles GET /api/tasks/:id.
func (s *Service) GetTask(c *gin.Context) {
	id := c.Param("id")
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		writeError(c, apperr.NotFound("task", id))
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task))
}

const maxLogLimit = 500

// TaskLogs handles GET /api/tasks/:id/logs?after=&limit=.
func (s *Service) TaskLogs(c *gin.Context) {
	id := c.Param("id")
	after := parseIntDefault(c.Query("after"), 0)
	limit := parseIntDefault(c.Query("limit"), maxLogLimit)
	if limit > maxLogLimit || limit <= 0 {
		limit = maxLogLimit
	}

	logs, err := s.store.ReadLogs(c.Request.Context(), id, after, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	total, err := s.store.CountLogs(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	// seq is dense and 0-indexed; ReadLogs returns entries with
	// Seq > after, so after+1+len(logs) is how many of total have been
	// consumed through this page.
	hasMore := after+1+len(logs) < total

	c.JSON(http.StatusOK, gin.H{"logs": logs, "hasMore": hasMore})
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// cancelableStatuses is the set of task states §4.7 allows
// POST /tasks/{id}/cancel to act on.
var cancelableStatuses = map[store.TaskStatus]bool{
	store.TaskPending:       true,
	store.TaskRunning:       true,
	store.TaskInputRequired: true,
}

// CancelTask handles POST /api/tasks/:id/cancel per §4.7.
func (s *Service) CancelTask(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		writeError(c, apperr.NotFound("task", id))
		return
	}
	if !cancelableStatuses[task.Status] {
		writeError(c, apperr.Conflict("task is not in a cancelable state"))
		return
	}

	if task.WorkerID != "" {
		if err := s.worker.Cancel(ctx, task.WorkerID, task.SessionID); err != nil {
			s.logger.Warn("best-effort worker cancel failed", zap.String("task_id", id), zap.Error(err))
		}
	}

	finishedAt := time.Now().UTC()
	canceled := store.TaskCanceled
	if err := s.store.UpdateTask(ctx, id, store.TaskUpdate{
		Status:     &canceled,
		FinishedAt: &finishedAt,
	}); err != nil {
		writeError(c, err)
		return
	}

	s.bus.Publish(bus.NewEvent(bus.SourceIngress, "task.canceled", map[string]any{"task_id": id}))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// WorkspaceGetFile handles GET /api/workspace/{file}, proxied to the
// worker bound to the session in the query string.
func (s *Service) WorkspaceGetFile(c *gin.Context) {
	file := c.Param("file")
	sessionID := c.Query("sessionId")

	ep, err := s.driver.Acquire(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, apperr.WorkerUnavailable("acquire worker for workspace read", err))
		return
	}
	content, err := s.worker.WorkspaceGet(c.Request.Context(), ep.BaseURL, file)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": file, "content": string(content)})
}

type workspacePutRequest struct {
	SessionID string `json:"sessionId"`
}

// WorkspacePutFile handles PUT /api/workspace/{file}.
func (s *Service) WorkspacePutFile(c *gin.Context) {
	file := c.Param("file")
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		sessionID = c.GetHeader("X-Session-Id")
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, apperr.BadRequest("failed to read request body"))
		return
	}

	ep, err := s.driver.Acquire(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, apperr.WorkerUnavailable("acquire worker for workspace write", err))
		return
	}
	if err := s.worker.WorkspacePut(c.Request.Context(), ep.BaseURL, file, body); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
