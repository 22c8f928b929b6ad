package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kandev/dispatch/internal/channel"
	"github.com/kandev/dispatch/internal/common/logger"
	"github.com/kandev/dispatch/internal/driver"
	"github.com/kandev/dispatch/internal/store"
	"github.com/kandev/dispatch/internal/worker"
)

type fakeDriver struct {
	baseURL string
}

func (f *fakeDriver) Acquire(ctx context.Context, sessionID string) (*driver.Endpoint, error) {
	return &driver.Endpoint{SessionID: sessionID, BaseURL: f.baseURL}, nil
}
func (f *fakeDriver) Release(ctx context.Context, sessionID string) error   { return nil }
func (f *fakeDriver) Health(ctx context.Context, ep *driver.Endpoint) bool { return true }
func (f *fakeDriver) Close() error                                        { return nil }

type fakeSubscriber struct {
	open     bool
	messages []OutboundMessage
}

func (f *fakeSubscriber) IsOpen() bool { return f.open }
func (f *fakeSubscriber) Forward(msg OutboundMessage) {
	f.messages = append(f.messages, msg)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return log
}

func TestDispatcherHappyPathEmitsDoneAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat":
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "event: text\ndata: {\"content\":\"hello \"}\n\n")
			io.WriteString(w, "event: text\ndata: {\"content\":\"world\"}\n\n")
			io.WriteString(w, "event: done\ndata: {\"content\":\"\"}\n\n")
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.CreateSession(ctx, "sess-1", "duplex")
	task := &store.Task{SessionID: sess.ID, ChannelType: "duplex", Message: "hi"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	d := New(st, &fakeDriver{baseURL: srv.URL}, worker.NewClient(), nil, newTestLogger(t))
	sub := &fakeSubscriber{open: true}

	d.Run(ctx, task, nil, sub)

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != store.TaskCompleted {
		t.Errorf("expected completed status, got %s", got.Status)
	}
	if got.Result != "hello world" {
		t.Errorf("expected accumulated result 'hello world', got %q", got.Result)
	}

	logs, _ := st.ReadLogs(ctx, task.ID, -1, 10)
	if len(logs) != 3 {
		t.Fatalf("expected 3 persisted log entries, got %d", len(logs))
	}

	if len(sub.messages) != 3 {
		t.Fatalf("expected 3 forwarded messages, got %d", len(sub.messages))
	}
	if sub.messages[2].Type != "done" {
		t.Errorf("expected last forwarded message to be done, got %s", sub.messages[2].Type)
	}
}

func TestDispatcherWorkerErrorFailsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "event: error\ndata: {\"content\":\"boom\"}\n\n")
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.CreateSession(ctx, "sess-1", "duplex")
	task := &store.Task{SessionID: sess.ID, ChannelType: "duplex", Message: "hi"}
	_ = st.CreateTask(ctx, task)

	d := New(st, &fakeDriver{baseURL: srv.URL}, worker.NewClient(), nil, newTestLogger(t))
	sub := &fakeSubscriber{open: true}

	d.Run(ctx, task, nil, sub)

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != store.TaskFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
	if got.Error != "boom" {
		t.Errorf("expected error message 'boom', got %q", got.Error)
	}
}

func TestDispatcherAcquireFailureSynthesizesErrorAndDone(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.CreateSession(ctx, "sess-1", "duplex")
	task := &store.Task{SessionID: sess.ID, ChannelType: "duplex", Message: "hi"}
	_ = st.CreateTask(ctx, task)

	d := New(st, &failingDriver{}, worker.NewClient(), nil, newTestLogger(t))
	sub := &fakeSubscriber{open: true}

	d.Run(ctx, task, nil, sub)

	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
	if len(sub.messages) != 2 {
		t.Fatalf("expected synthetic error+done messages, got %d", len(sub.messages))
	}
	if sub.messages[0].Type != "error" || sub.messages[1].Type != "done" {
		t.Errorf("expected error then done, got %+v", sub.messages)
	}
}

type failingDriver struct{}

func (f *failingDriver) Acquire(ctx context.Context, sessionID string) (*driver.Endpoint, error) {
	return nil, context.DeadlineExceeded
}
func (f *failingDriver) Release(ctx context.Context, sessionID string) error   { return nil }
func (f *failingDriver) Health(ctx context.Context, ep *driver.Endpoint) bool { return false }
func (f *failingDriver) Close() error                                        { return nil }

func TestChannelDeliverInvokedAtMostOnceOnCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "event: done\ndata: {\"content\":\"\"}\n\n")
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.CreateSession(ctx, "sess-1", "duplex")
	task := &store.Task{SessionID: sess.ID, ChannelType: "duplex", Message: "hi"}
	_ = st.CreateTask(ctx, task)

	deliverCount := 0
	ch := &channel.Channel{
		Type: "duplex",
		Deliver: func(input channel.DeliveryInput) error {
			deliverCount++
			return nil
		},
	}

	d := New(st, &fakeDriver{baseURL: srv.URL}, worker.NewClient(), nil, newTestLogger(t))
	d.Run(ctx, task, ch, nil)

	if deliverCount != 1 {
		t.Errorf("expected Deliver invoked exactly once, got %d", deliverCount)
	}
}
