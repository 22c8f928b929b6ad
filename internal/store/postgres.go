package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the alternative durable backend, selected via
// STORE_DRIVER=postgres. It implements the same Store contract as
// SQLiteStore with the same schema shape, translated to pgx/v5's
// connection-pool API and $N placeholders.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		channel_type TEXT NOT NULL,
		title TEXT DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_active_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		channel_type TEXT NOT NULL,
		channel_meta JSONB DEFAULT '{}',
		status TEXT NOT NULL,
		message TEXT DEFAULT '',
		skills JSONB DEFAULT '[]',
		bridge_configs JSONB DEFAULT '[]',
		push_url TEXT DEFAULT '',
		push_auth_header TEXT DEFAULT '',
		push_event_filter TEXT DEFAULT '',
		result TEXT DEFAULT '',
		has_result BOOLEAN DEFAULT FALSE,
		structured JSONB DEFAULT '{}',
		error TEXT DEFAULT '',
		cost_usd DOUBLE PRECISION DEFAULT 0,
		turns INTEGER DEFAULT 0,
		duration_ms BIGINT DEFAULT 0,
		worker_id TEXT DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS task_logs (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		content TEXT DEFAULT '',
		metadata JSONB DEFAULT '{}',
		timestamp TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (task_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, id, channelType string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	if existing, err := s.GetSession(ctx, id); err == nil {
		return existing, nil
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, channel_type, title, created_at, last_active_at)
		VALUES ($1, $2, '', $3, $3)
	`, id, channelType, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &Session{ID: id, ChannelType: channelType, CreatedAt: now, LastActiveAt: now}, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, channel_type, title, created_at, last_active_at FROM sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.ChannelType, &sess.Title, &sess.CreatedAt, &sess.LastActiveAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return sess, err
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel_type, title, created_at, last_active_at
		FROM sessions ORDER BY last_active_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.ChannelType, &sess.Title, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET last_active_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	task.CreatedAt = time.Now().UTC()

	channelMeta, _ := json.Marshal(task.ChannelMeta)
	skills, _ := json.Marshal(task.Skills)
	bridgeConfigs, _ := json.Marshal(task.BridgeConfigs)
	structured, _ := json.Marshal(task.Structured)

	var pushURL, pushAuth, pushFilter string
	if task.Push != nil {
		pushURL, pushAuth, pushFilter = task.Push.URL, task.Push.AuthHeader, task.Push.EventFilter
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, session_id, channel_type, channel_meta, status, message, skills, bridge_configs,
			push_url, push_auth_header, push_event_filter, result, has_result, structured, error,
			cost_usd, turns, duration_ms, worker_id, created_at, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, task.ID, task.SessionID, task.ChannelType, channelMeta, string(task.Status), task.Message,
		skills, bridgeConfigs, pushURL, pushAuth, pushFilter,
		task.Result, task.HasResult, structured, task.Error,
		task.Stats.CostUSD, task.Stats.Turns, task.Stats.Duration.Milliseconds(), task.WorkerID,
		task.CreatedAt, task.StartedAt, task.FinishedAt)
	return err
}

func (s *PostgresStore) scanTaskRow(row pgx.Row) (*Task, error) {
	task := &Task{}
	var channelMeta, skills, bridgeConfigs, structured []byte
	var status string
	var pushURL, pushAuth, pushFilter string
	var durationMS int64

	err := row.Scan(&task.ID, &task.SessionID, &task.ChannelType, &channelMeta, &status,
		&task.Message, &skills, &bridgeConfigs, &pushURL, &pushAuth, &pushFilter,
		&task.Result, &task.HasResult, &structured, &task.Error,
		&task.Stats.CostUSD, &task.Stats.Turns, &durationMS, &task.WorkerID,
		&task.CreatedAt, &task.StartedAt, &task.FinishedAt)
	if err != nil {
		return nil, err
	}

	task.Status = TaskStatus(status)
	_ = json.Unmarshal(channelMeta, &task.ChannelMeta)
	_ = json.Unmarshal(skills, &task.Skills)
	_ = json.Unmarshal(bridgeConfigs, &task.BridgeConfigs)
	_ = json.Unmarshal(structured, &task.Structured)
	task.Stats.Duration = time.Duration(durationMS) * time.Millisecond
	if pushURL != "" {
		task.Push = &PushNotification{URL: pushURL, AuthHeader: pushAuth, EventFilter: pushFilter}
	}
	return task, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, channel_type, channel_meta, status, message, skills, bridge_configs,
			push_url, push_auth_header, push_event_filter, result, has_result, structured, error,
			cost_usd, turns, duration_ms, worker_id, created_at, started_at, finished_at
		FROM tasks WHERE id = $1
	`, id)
	task, err := s.scanTaskRow(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, err
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, delta TaskUpdate) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
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

	structured, _ := json.Marshal(task.Structured)
	var pushURL, pushAuth, pushFilter string
	if task.Push != nil {
		pushURL, pushAuth, pushFilter = task.Push.URL, task.Push.AuthHeader, task.Push.EventFilter
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, result = $2, has_result = $3, structured = $4, error = $5,
			cost_usd = $6, turns = $7, duration_ms = $8, worker_id = $9, started_at = $10, finished_at = $11,
			push_url = $12, push_auth_header = $13, push_event_filter = $14
		WHERE id = $15
	`, string(task.Status), task.Result, task.HasResult, structured, task.Error,
		task.Stats.CostUSD, task.Stats.Turns, task.Stats.Duration.Milliseconds(), task.WorkerID,
		task.StartedAt, task.FinishedAt, pushURL, pushAuth, pushFilter, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListTasksBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, channel_type, channel_meta, status, message, skills, bridge_configs,
			push_url, push_auth_header, push_event_filter, result, has_result, structured, error,
			cost_usd, turns, duration_ms, worker_id, created_at, started_at, finished_at
		FROM tasks WHERE session_id = $1 ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task, err := s.scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// AppendLog takes a transaction-scoped Postgres advisory lock keyed on
// the task id so concurrent appenders to the same task serialize their
// seq assignment without needing a pre-existing counter row.
func (s *PostgresStore) AppendLog(ctx context.Context, taskID, logType, content string, metadata map[string]any) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, taskID); err != nil {
		return 0, fmt.Errorf("acquire seq lock: %w", err)
	}

	var maxSeq *int
	if err := tx.QueryRow(ctx, `SELECT MAX(seq) FROM task_logs WHERE task_id = $1`, taskID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	nextSeq := 0
	if maxSeq != nil {
		nextSeq = *maxSeq + 1
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO task_logs (task_id, seq, type, content, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, taskID, nextSeq, logType, content, metaJSON, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return nextSeq, nil
}

func (s *PostgresStore) ReadLogs(ctx context.Context, taskID string, afterSeq, limit int) ([]*TaskLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, seq, type, content, metadata, timestamp
		FROM task_logs WHERE task_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3
	`, taskID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskLog
	for rows.Next() {
		entry := &TaskLog{}
		var metaJSON []byte
		if err := rows.Scan(&entry.TaskID, &entry.Seq, &entry.Type, &entry.Content, &metaJSON, &entry.Timestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(metaJSON, &entry.Metadata)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountLogs(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_logs WHERE task_id = $1`, taskID).Scan(&count)
	return count, err
}
