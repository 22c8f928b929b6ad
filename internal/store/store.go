package store

import "context"

// Store is the durable-state contract required by the control plane.
// Two backends implement it: sqlite (default) and postgres. Schema
// storage format is otherwise unconstrained — callers only depend on
// this interface.
type Store interface {
	// CreateSession performs an idempotent insert: if a session with
	// this id already exists, it is a no-op.
	CreateSession(ctx context.Context, id, channelType string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns sessions ordered by last_active desc.
	ListSessions(ctx context.Context) ([]*Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) error
	TouchSession(ctx context.Context, id string) error
	// DeleteSession cascades to the session's tasks and logs atomically.
	DeleteSession(ctx context.Context, id string) error

	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, delta TaskUpdate) error
	// ListTasksBySession returns tasks ordered by created_at asc.
	ListTasksBySession(ctx context.Context, sessionID string) ([]*Task, error)

	// AppendLog assigns seq = (max seq for task_id) + 1 atomically and
	// returns it.
	AppendLog(ctx context.Context, taskID, logType, content string, metadata map[string]any) (int, error)
	// ReadLogs returns entries with seq > afterSeq, ordered by seq asc,
	// capped at limit.
	ReadLogs(ctx context.Context, taskID string, afterSeq, limit int) ([]*TaskLog, error)
	CountLogs(ctx context.Context, taskID string) (int, error)

	Close() error
}
