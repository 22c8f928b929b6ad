package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kandev/dispatch/internal/store"
)

func TestHealthEndpoint(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, "")
	r := svc.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSessionCRUD(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(t, st, "")
	r := svc.NewRouter()

	// Create.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"channelType":"duplex"}`))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created session failed: %v", err)
	}

	// Get.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.ID, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	// Patch (title).
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPatch, "/api/sessions/"+created.ID, strings.NewReader(`{"title":"new title"}`))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d", w.Code)
	}

	// List.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var listResp struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list failed: %v", err)
	}
	if len(listResp.Sessions) != 1 || listResp.Sessions[0].Title != "new title" {
		t.Errorf("expected 1 session titled 'new title', got %+v", listResp.Sessions)
	}

	// Delete.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/"+created.ID, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}

	if _, err := st.GetSession(context.Background(), created.ID); err == nil {
		t.Errorf("expected session to be gone after delete")
	}
}

func TestTaskLogsPaginationAndCap(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.CreateSession(ctx, "", "duplex")
	task := &store.Task{SessionID: sess.ID, ChannelType: "duplex", Message: "hi"}
	_ = st.CreateTask(ctx, task)
	for i := 0; i < 3; i++ {
		_, _ = st.AppendLog(ctx, task.ID, "text", "chunk", nil)
	}

	svc := newTestService(t, st, "")
	r := svc.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+task.ID+"/logs?after=1&limit=1000", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Logs    []*store.TaskLog `json:"logs"`
		HasMore bool              `json:"hasMore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(resp.Logs) != 1 {
		t.Errorf("expected 1 log after seq 1 (seq is 0-indexed: 0,1,2), got %d", len(resp.Logs))
	}
	if resp.HasMore {
		t.Errorf("expected hasMore=false, got true")
	}
}

func TestCancelTaskRejectsTerminalStatus(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.CreateSession(ctx, "", "duplex")
	task := &store.Task{SessionID: sess.ID, ChannelType: "duplex", Message: "hi"}
	_ = st.CreateTask(ctx, task)
	completed := store.TaskCompleted
	_ = st.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &completed})

	svc := newTestService(t, st, "")
	r := svc.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCancelTaskMarksCanceled(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	sess, _ := st.CreateSession(ctx, "", "duplex")
	task := &store.Task{SessionID: sess.ID, ChannelType: "duplex", Message: "hi"}
	_ = st.CreateTask(ctx, task)

	svc := newTestService(t, st, "")
	r := svc.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.TaskCanceled {
		t.Errorf("expected canceled status, got %s", got.Status)
	}
}
