// Package store provides durable state for sessions, tasks, and
// task-log entries: the control plane's only source of truth.
package store

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskRunning       TaskStatus = "running"
	TaskInputRequired TaskStatus = "input_required"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCanceled      TaskStatus = "canceled"
)

// Terminal reports whether a status is one of the terminal states.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// Session is an execution environment shared by multiple tasks,
// mapping to exactly one worker instance at the Driver level.
type Session struct {
	ID          string
	ChannelType string
	Title       string
	CreatedAt   time.Time
	LastActiveAt time.Time
}

// PushNotification is an optional outbound callback descriptor
// attached to a task at creation time.
type PushNotification struct {
	URL        string
	AuthHeader string
	EventFilter string
}

// ExecStats carries worker-reported execution statistics.
type ExecStats struct {
	CostUSD  float64
	Turns    int
	Duration time.Duration
}

// Task is one request-response execution.
type Task struct {
	ID            string
	SessionID     string
	ChannelType   string
	ChannelMeta   map[string]any
	Status        TaskStatus
	Message       string
	Skills        []string
	BridgeConfigs []string
	Push          *PushNotification

	Result    string
	HasResult bool
	Structured map[string]any
	Error     string

	Stats ExecStats

	WorkerID string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// TaskUpdate is a partial update applied to a Task by UpdateTask. Nil
// fields are left unchanged.
type TaskUpdate struct {
	Status     *TaskStatus
	Result     *string
	Structured map[string]any
	Error      *string
	Stats      *ExecStats
	WorkerID   *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// TaskLog is a single streamed event for a task.
type TaskLog struct {
	TaskID    string
	Seq       int
	Type      string
	Content   string
	Metadata  map[string]any
	Timestamp time.Time
}
