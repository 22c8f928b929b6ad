package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory reference implementation of Store with
// no durability across process restarts. Open never selects it; it is
// constructed directly, as the tests do.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	tasks    map[string]*Task
	logs     map[string][]*TaskLog
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		tasks:    make(map[string]*Task),
		logs:     make(map[string][]*TaskLog),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateSession(ctx context.Context, id, channelType string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = uuid.New().String()
	}
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}

	now := time.Now().UTC()
	sess := &Session{ID: id, ChannelType: channelType, CreatedAt: now, LastActiveAt: now}
	m.sessions[id] = sess
	return sess, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	cp := *sess
	return &cp, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

func (m *MemoryStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.Title = title
	return nil
}

func (m *MemoryStore) TouchSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	sess.LastActiveAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	delete(m.sessions, id)

	for taskID, task := range m.tasks {
		if task.SessionID == id {
			delete(m.tasks, taskID)
			delete(m.logs, taskID)
		}
	}
	return nil
}

func (m *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	task.CreatedAt = time.Now().UTC()

	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	cp := *task
	return &cp, nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, id string, delta TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task not found: %s", id)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s is in terminal state %s: non-log updates rejected", id, task.Status)
	}

	if delta.Status != nil {
		task.Status = *delta.Status
	}
	if delta.Result != nil {
		task.Result = *delta.Result
		task.HasResult = true
	}
	if delta.Structured != nil {
		task.Structured = delta.Structured
	}
	if delta.Error != nil {
		task.Error = *delta.Error
	}
	if delta.Stats != nil {
		task.Stats = *delta.Stats
	}
	if delta.WorkerID != nil {
		task.WorkerID = *delta.WorkerID
	}
	if delta.StartedAt != nil {
		task.StartedAt = delta.StartedAt
	}
	if delta.FinishedAt != nil {
		task.FinishedAt = delta.FinishedAt
	}
	return nil
}

func (m *MemoryStore) ListTasksBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, task := range m.tasks {
		if task.SessionID == sessionID {
			cp := *task
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendLog(ctx context.Context, taskID, logType, content string, metadata map[string]any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.logs[taskID]
	seq := len(existing)
	entry := &TaskLog{
		TaskID:    taskID,
		Seq:       seq,
		Type:      logType,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
	m.logs[taskID] = append(existing, entry)
	return seq, nil
}

func (m *MemoryStore) ReadLogs(ctx context.Context, taskID string, afterSeq, limit int) ([]*TaskLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.logs[taskID]
	var out []*TaskLog
	for _, entry := range entries {
		if entry.Seq > afterSeq {
			cp := *entry
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) CountLogs(ctx context.Context, taskID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.logs[taskID]), nil
}
