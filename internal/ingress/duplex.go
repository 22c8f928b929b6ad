package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/channel"
	"github.com/kandev/dispatch/internal/common/logger"
	"github.com/kandev/dispatch/internal/dispatcher"
	"github.com/kandev/dispatch/internal/store"
)

// Wire timing constants, grounded on the teacher's
// internal/orchestrator/streaming/client.go ReadPump/WritePump pair.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundFrame is the duplex inbound wire shape of §6.2.
type inboundFrame struct {
	Type          string   `json:"type"`
	SessionID     string   `json:"session_id,omitempty"`
	Message       string   `json:"message,omitempty"`
	Skills        []string `json:"skills,omitempty"`
	BridgeConfigs []string `json:"bridge_configs,omitempty"`
}

// outboundFrame is the duplex outbound wire shape of §6.2/§4.6.
type outboundFrame struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// duplexClient is one browser connection. It is simultaneously the
// websocket client and the dispatcher.Subscriber for whatever task is
// currently running against it: unlike the teacher's per-task
// pub/sub Hub, a duplex connection belongs to exactly one session at
// a time, so no task-id routing table is needed.
type duplexClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	logger  *logger.Logger
	svc     *Service

	mu     sync.Mutex
	closed bool
}

var _ dispatcher.Subscriber = (*duplexClient)(nil)

func newDuplexClient(conn *websocket.Conn, svc *Service, log *logger.Logger) *duplexClient {
	id := uuid.New().String()
	return &duplexClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
		svc:    svc,
	}
}

// IsOpen implements dispatcher.Subscriber.
func (c *duplexClient) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Forward implements dispatcher.Subscriber: OutboundMessage maps
// directly onto the duplex outbound frame.
func (c *duplexClient) Forward(msg dispatcher.OutboundMessage) {
	c.writeJSON(outboundFrame{
		Type:      msg.Type,
		Content:   msg.Content,
		SessionID: msg.SessionID,
		Metadata:  msg.Metadata,
	})
}

func (c *duplexClient) writeJSON(frame outboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal outbound frame", zap.Error(err))
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("duplex send buffer full, dropping frame")
	}
}

func (c *duplexClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

// StreamDuplex upgrades GET /api/duplex to a websocket connection and
// runs its read/write pumps until the peer disconnects.
func (s *Service) StreamDuplex(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("duplex upgrade failed", zap.Error(err))
		return
	}

	client := newDuplexClient(conn, s, s.logger)
	s.logger.Info("duplex connection established", zap.String("client_id", client.id))

	go client.writePump()
	client.readPump()
}

func (c *duplexClient) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("duplex read error", zap.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("invalid inbound frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "ping":
			c.writeJSON(outboundFrame{Type: "pong"})
		case "chat":
			c.handleChat(frame)
		default:
			c.logger.Warn("unknown inbound frame type", zap.String("type", frame.Type))
		}
	}
}

func (c *duplexClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleChat implements §4.6's duplex chat path: mint-or-resolve
// session, translate + merge defaults, create the task, run the
// Dispatcher with this connection as the live subscriber.
func (c *duplexClient) handleChat(frame inboundFrame) {
	ctx := context.Background()

	ch, ok := c.svc.channels.Get(channel.DuplexChannelType)
	if !ok {
		c.logger.Error("duplex channel not registered")
		return
	}

	sess, isNew, err := c.svc.resolveSession(ctx, frame.SessionID)
	if err != nil {
		c.logger.Error("resolve session failed", zap.Error(err))
		c.writeJSON(outboundFrame{Type: "error", Content: "failed to resolve session"})
		return
	}

	if isNew {
		c.writeJSON(outboundFrame{Type: "session_created", SessionID: sess.ID})
		go c.svc.titlegen.generate(sess.ID, frame.Message, func(title string) {
			_ = c.svc.store.UpdateSessionTitle(context.Background(), sess.ID, title)
			c.writeJSON(outboundFrame{Type: "session_title", SessionID: sess.ID, Content: title})
		})
	}

	req := &channel.TaskRequest{
		SessionID:     sess.ID,
		ChannelType:   channel.DuplexChannelType,
		Message:       frame.Message,
		Skills:        frame.Skills,
		BridgeConfigs: frame.BridgeConfigs,
	}
	ch.MergeDefaults(req)

	task := &store.Task{
		SessionID:     req.SessionID,
		ChannelType:   req.ChannelType,
		ChannelMeta:   req.ChannelMeta,
		Message:       req.Message,
		Skills:        req.Skills,
		BridgeConfigs: req.BridgeConfigs,
		Push:          req.Push,
	}
	if err := c.svc.store.CreateTask(ctx, task); err != nil {
		c.logger.Error("create task failed", zap.Error(err))
		c.writeJSON(outboundFrame{Type: "error", Content: "failed to create task"})
		return
	}

	runCtx := context.Background()
	c.svc.dispatcher.Run(runCtx, task, ch, c)
	_ = c.svc.store.TouchSession(runCtx, sess.ID)
}

// resolveSession mints a session when sessionID is empty, otherwise
// reads the existing one.
func (s *Service) resolveSession(ctx context.Context, sessionID string) (*store.Session, bool, error) {
	if sessionID == "" {
		sess, err := s.store.CreateSession(ctx, "", channel.DuplexChannelType)
		return sess, true, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return sess, false, nil
}
