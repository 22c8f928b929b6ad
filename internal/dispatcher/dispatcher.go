// Package dispatcher runs the acquire-prepare-chat-fanout-deliver-push
// algorithm that turns one persisted pending Task into a finished
// task, streaming progress to an optional live subscriber as it goes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kandev/dispatch/internal/channel"
	"github.com/kandev/dispatch/internal/common/logger"
	"github.com/kandev/dispatch/internal/common/tracing"
	"github.com/kandev/dispatch/internal/driver"
	"github.com/kandev/dispatch/internal/events/bus"
	"github.com/kandev/dispatch/internal/store"
	"github.com/kandev/dispatch/internal/worker"
)

var tracer = tracing.Tracer("dispatcher")

// OutboundMessage is the shape forwarded to a live subscriber, mirroring
// the duplex outbound frame of §4.6/§6.2.
type OutboundMessage struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Subscriber is a live connection interested in one task's events. A
// closed subscriber is expected to report itself via IsOpen and is
// silently dropped by the Dispatcher — persistence continues
// regardless.
type Subscriber interface {
	IsOpen() bool
	Forward(msg OutboundMessage)
}

// Dispatcher runs the task-execution algorithm of §4.5.
type Dispatcher struct {
	store    store.Store
	driver   driver.Driver
	worker   *worker.Client
	bus      *bus.EventBus
	logger   *logger.Logger
	pushHTTP pushSender
}

func New(st store.Store, drv driver.Driver, wk *worker.Client, eventBus *bus.EventBus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		driver:   drv,
		worker:   wk,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "dispatcher")),
		pushHTTP: newHTTPPushSender(),
	}
}

// Run executes task to completion (or failure), per §4.5. sub may be
// nil when there is no live browser connection (e.g. webhook-originated
// tasks).
func (d *Dispatcher) Run(ctx context.Context, task *store.Task, ch *channel.Channel, sub Subscriber) {
	ctx, span := tracer.Start(ctx, "dispatcher.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("session.id", task.SessionID),
	)

	log := d.logger.WithFields(zap.String("task_id", task.ID), zap.String("session_id", task.SessionID))

	if err := d.run(ctx, task, sub); err != nil {
		log.Error("task failed", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		d.failTask(ctx, task, sub, err)
		return
	}

	d.deliverAndPush(ctx, task, ch)
}

func (d *Dispatcher) run(ctx context.Context, task *store.Task, sub Subscriber) error {
	// 1. Acquire.
	ep, err := d.driver.Acquire(ctx, task.SessionID)
	if err != nil {
		return fmt.Errorf("acquire worker endpoint: %w", err)
	}

	// 2. Transition to running.
	now := time.Now().UTC()
	running := store.TaskRunning
	if err := d.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:    &running,
		WorkerID:  &ep.BaseURL,
		StartedAt: &now,
	}); err != nil {
		return fmt.Errorf("transition task to running: %w", err)
	}
	task.Status = store.TaskRunning
	task.WorkerID = ep.BaseURL
	task.StartedAt = &now
	d.publish(bus.SourceDispatcher, "task.running", task.ID)

	// 3. Prepare, if the task carries skills or bridge configs.
	if len(task.Skills) > 0 || len(task.BridgeConfigs) > 0 {
		if err := d.worker.Prepare(ctx, ep.BaseURL, worker.PrepareRequest{
			TaskID:        task.ID,
			Skills:        task.Skills,
			BridgeConfigs: task.BridgeConfigs,
		}); err != nil {
			return fmt.Errorf("prepare worker: %w", err)
		}
	}

	// 4. Chat.
	stream, err := d.worker.Chat(ctx, ep.BaseURL, worker.ChatRequest{
		SessionID: task.SessionID,
		Message:   task.Message,
	})
	if err != nil {
		return fmt.Errorf("open chat stream: %w", err)
	}
	defer stream.Close()

	// 5. Fan out.
	accumulated, terminal, err := d.fanOut(ctx, task, sub, stream)
	if err != nil {
		return err
	}

	// 6. Stream-end fallback: no explicit terminal event seen.
	if !terminal {
		finishedAt := time.Now().UTC()
		completed := store.TaskCompleted
		result := accumulated
		if err := d.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
			Status:     &completed,
			Result:     &result,
			FinishedAt: &finishedAt,
		}); err != nil {
			return fmt.Errorf("apply stream-end fallback: %w", err)
		}
		task.Status = store.TaskCompleted
		task.Result = result
		task.HasResult = true
		task.FinishedAt = &finishedAt
	}

	return nil
}

// fanOut persists and forwards each frame in order, per §4.5 step 5.
// It returns the accumulated text buffer and whether an explicit
// terminal event (done/error) was observed.
func (d *Dispatcher) fanOut(ctx context.Context, task *store.Task, sub Subscriber, stream *worker.EventStream) (accumulated string, terminal bool, err error) {
	for {
		frame, readErr := stream.Next()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return accumulated, terminal, nil
			}
			return accumulated, terminal, fmt.Errorf("read chat stream: %w", readErr)
		}

		// a. Persist.
		if _, logErr := d.store.AppendLog(ctx, task.ID, string(frame.Type), frame.Content, frame.Metadata); logErr != nil {
			return accumulated, terminal, fmt.Errorf("persist log entry: %w", logErr)
		}

		// b. Forward to a live subscriber, if open.
		if sub != nil && sub.IsOpen() {
			sub.Forward(OutboundMessage{
				Type:      string(frame.Type),
				Content:   frame.Content,
				SessionID: task.SessionID,
				Metadata:  frame.Metadata,
			})
		}

		// c. Accumulate text.
		if frame.Type == worker.EventText {
			accumulated += frame.Content
		}

		// d. Apply terminal status updates.
		switch frame.Type {
		case worker.EventDone:
			finishedAt := time.Now().UTC()
			completed := store.TaskCompleted
			result := accumulated
			if err := d.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
				Status:     &completed,
				Result:     &result,
				FinishedAt: &finishedAt,
			}); err != nil {
				return accumulated, terminal, fmt.Errorf("apply done status: %w", err)
			}
			task.Status = store.TaskCompleted
			task.Result = result
			task.HasResult = true
			task.FinishedAt = &finishedAt
			return accumulated, true, nil

		case worker.EventError:
			finishedAt := time.Now().UTC()
			failed := store.TaskFailed
			errMsg := frame.Content
			if err := d.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
				Status:     &failed,
				Error:      &errMsg,
				FinishedAt: &finishedAt,
			}); err != nil {
				return accumulated, terminal, fmt.Errorf("apply error status: %w", err)
			}
			task.Status = store.TaskFailed
			task.Error = errMsg
			task.FinishedAt = &finishedAt
			return accumulated, true, nil
		}
	}
}

// failTask implements the exception path of §4.5: fail the task,
// notify the subscriber with synthetic error+done framing, skip
// delivery and push.
func (d *Dispatcher) failTask(ctx context.Context, task *store.Task, sub Subscriber, cause error) {
	finishedAt := time.Now().UTC()
	failed := store.TaskFailed
	msg := cause.Error()

	if err := d.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:     &failed,
		Error:      &msg,
		FinishedAt: &finishedAt,
	}); err != nil {
		d.logger.Error("failed to persist task failure", zap.Error(err), zap.String("task_id", task.ID))
	}

	if sub != nil && sub.IsOpen() {
		sub.Forward(OutboundMessage{Type: "error", Content: msg, SessionID: task.SessionID})
		sub.Forward(OutboundMessage{Type: "done", SessionID: task.SessionID})
	}

	d.publish(bus.SourceDispatcher, "task.failed", task.ID)
}

// deliverAndPush implements §4.5 steps 7-8 / §4.7.
func (d *Dispatcher) deliverAndPush(ctx context.Context, task *store.Task, ch *channel.Channel) {
	current, err := d.store.GetTask(ctx, task.ID)
	if err != nil {
		d.logger.Error("re-read task before delivery failed", zap.Error(err), zap.String("task_id", task.ID))
		return
	}

	if current.Status == store.TaskCompleted && ch != nil && ch.Deliver != nil {
		if err := ch.Deliver(channel.DeliveryInput{
			Status:      current.Status,
			Result:      current.Result,
			ChannelMeta: current.ChannelMeta,
		}); err != nil {
			d.logger.Warn("channel delivery failed", zap.Error(err), zap.String("task_id", task.ID))
		}
	}

	if current.Push != nil {
		d.pushHTTP.send(ctx, *current.Push, pushPayload{
			TaskID:    current.ID,
			SessionID: current.SessionID,
			Status:    string(current.Status),
			Result:    current.Result,
			Error:     current.Error,
		}, d.logger)
	}

	d.publish(bus.SourceDispatcher, "task."+string(current.Status), task.ID)
}

func (d *Dispatcher) publish(source, eventType, taskID string) {
	d.bus.Publish(bus.NewEvent(source, eventType, map[string]any{"task_id": taskID}))
}
