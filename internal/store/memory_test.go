package store

import (
	"context"
	"testing"
)

func TestCreateSessionIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sess1, err := s.CreateSession(ctx, "sess-1", "duplex")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sess2, err := s.CreateSession(ctx, "sess-1", "duplex")
	if err != nil {
		t.Fatalf("CreateSession (second call) failed: %v", err)
	}
	if sess1.CreatedAt != sess2.CreatedAt {
		t.Error("expected idempotent CreateSession to return the original session")
	}

	sessions, _ := s.ListSessions(ctx)
	if len(sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(sessions))
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "duplex"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	task := &Task{SessionID: "sess-1", ChannelType: "duplex", Message: "hi"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := s.AppendLog(ctx, task.ID, "text", "hello", nil); err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if _, err := s.GetTask(ctx, task.ID); err == nil {
		t.Error("expected task to be gone after session delete")
	}
	count, _ := s.CountLogs(ctx, task.ID)
	if count != 0 {
		t.Errorf("expected 0 logs after cascade delete, got %d", count)
	}
}

func TestAppendLogSeqIsDenseAndOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{SessionID: "sess-1", ChannelType: "duplex"}
	_ = s.CreateTask(ctx, task)

	for i := 0; i < 5; i++ {
		seq, err := s.AppendLog(ctx, task.ID, "text", "chunk", nil)
		if err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
		if seq != i {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}

	logs, err := s.ReadLogs(ctx, task.ID, 0, 50)
	if err != nil {
		t.Fatalf("ReadLogs failed: %v", err)
	}
	if len(logs) != 4 {
		t.Fatalf("expected 4 logs after seq 0, got %d", len(logs))
	}
	for i, entry := range logs {
		if entry.Seq != i+1 {
			t.Errorf("expected seq %d, got %d", i+1, entry.Seq)
		}
	}
}

func TestUpdateTaskRejectedAfterTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{SessionID: "sess-1", ChannelType: "duplex"}
	_ = s.CreateTask(ctx, task)

	completed := TaskCompleted
	if err := s.UpdateTask(ctx, task.ID, TaskUpdate{Status: &completed}); err != nil {
		t.Fatalf("first UpdateTask failed: %v", err)
	}

	result := "late write"
	if err := s.UpdateTask(ctx, task.ID, TaskUpdate{Result: &result}); err == nil {
		t.Error("expected UpdateTask on a terminal task to be rejected")
	}
}

func TestListTasksBySessionOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := &Task{SessionID: "sess-1", ChannelType: "duplex"}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	tasks, err := s.ListTasksBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListTasksBySession failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].CreatedAt.Before(tasks[i-1].CreatedAt) {
			t.Error("expected tasks ordered by created_at asc")
		}
	}
}
