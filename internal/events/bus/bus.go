// Package bus provides a NATS-backed event bus used to publish
// operational task lifecycle events (task running/failed/completed/
// canceled, from the Dispatcher and Ingress) to any interested
// subscriber, independent of the request/response paths that drive
// the control plane itself. The Driver does not publish on it.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/common/config"
	"github.com/kandev/dispatch/internal/common/logger"
)

// Event is a single published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(source, eventType string, data map[string]any) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		Source:    source,
		Type:      eventType,
		Data:      data,
	}
}

// Source constants identify which control-plane component published
// an event.
const (
	SourceDriver     = "driver"
	SourceDispatcher = "dispatcher"
	SourceIngress    = "ingress"
)

// EventBus publishes events to a subject namespace. Safe for
// concurrent use. Calling any method on a nil *EventBus is a no-op, so
// components do not need guard checks when no bus is configured.
type EventBus struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
}

// NewNATSEventBus connects to NATS using cfg.URL. The subject prefix
// "dispatch.events" namespaces this service's events from any other
// NATS traffic sharing the cluster.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*EventBus, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("dispatch-control-plane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	return &EventBus{
		conn:    conn,
		subject: "dispatch.events",
		log:     log.WithFields(zap.String("component", "event-bus")),
	}, nil
}

// Publish sends an event on this bus's subject. Publish failures are
// logged and swallowed: event delivery is best-effort observability,
// never load-bearing for task correctness.
func (b *EventBus) Publish(event Event) {
	if b == nil || b.conn == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.log.Warn("failed to marshal event", zap.Error(err))
		return
	}

	if err := b.conn.Publish(b.subject, payload); err != nil {
		b.log.Warn("failed to publish event",
			zap.String("type", event.Type),
			zap.Error(err))
	}
}

// Subscribe registers a handler invoked for every published event.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler func(Event)) (func(), error) {
	if b == nil || b.conn == nil {
		return func() {}, nil
	}

	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Warn("failed to unmarshal event", zap.Error(err))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.subject, err)
	}

	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains and closes the underlying NATS connection.
func (b *EventBus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
