package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPrepareSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prepare" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient()
	err := c.Prepare(context.Background(), srv.URL, PrepareRequest{TaskID: "t1", Skills: []string{"a"}})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
}

func TestPrepareNonSuccessIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient()
	if err := c.Prepare(context.Background(), srv.URL, PrepareRequest{TaskID: "t1"}); err == nil {
		t.Error("expected error on non-2xx prepare response")
	}
}

func TestHealthChecksStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient()
	if c.Health(context.Background(), srv.URL) {
		t.Error("expected Health to be false on 503")
	}
}

func TestCancelBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cancel" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient()
	if err := c.Cancel(context.Background(), srv.URL, "sess-1"); err != nil {
		t.Errorf("Cancel failed: %v", err)
	}
}

func TestChatStreamDecodesFramesInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "event: text\ndata: {\"content\":\"hello\"}\n\n")
		io.WriteString(w, "event: done\ndata: {\"content\":\"\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient()
	stream, err := c.Chat(context.Background(), srv.URL, ChatRequest{SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	defer stream.Close()

	frame1, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame1.Type != EventText || frame1.Content != "hello" {
		t.Errorf("unexpected frame1: %+v", frame1)
	}

	frame2, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame2.Type != EventDone {
		t.Errorf("unexpected frame2: %+v", frame2)
	}

	if _, err := stream.Next(); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestChatStreamTreatsUnknownEventTypeVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "event: custom_future_type\ndata: {\"content\":\"x\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient()
	stream, err := c.Chat(context.Background(), srv.URL, ChatRequest{SessionID: "s1", Message: "hi"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	defer stream.Close()

	frame, err := stream.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame.Type != "custom_future_type" || frame.Content != "x" {
		t.Errorf("expected unknown type to pass through verbatim, got %+v", frame)
	}
}
