package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the default durable backend: a single WAL-mode
// sqlite file, one writer connection, transactional multi-row writes.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and migrates) the sqlite file at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// sqlite only supports one writer; serializing through a single
	// connection also gives AppendLog's seq assignment its atomicity
	// without row-level locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		channel_type TEXT NOT NULL,
		title TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		last_active_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		channel_type TEXT NOT NULL,
		channel_meta TEXT DEFAULT '{}',
		status TEXT NOT NULL,
		message TEXT DEFAULT '',
		skills TEXT DEFAULT '[]',
		bridge_configs TEXT DEFAULT '[]',
		push_url TEXT DEFAULT '',
		push_auth_header TEXT DEFAULT '',
		push_event_filter TEXT DEFAULT '',
		result TEXT DEFAULT '',
		has_result INTEGER DEFAULT 0,
		structured TEXT DEFAULT '{}',
		error TEXT DEFAULT '',
		cost_usd REAL DEFAULT 0,
		turns INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		worker_id TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_logs (
		task_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		content TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		timestamp DATETIME NOT NULL,
		PRIMARY KEY (task_id, seq),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, id, channelType string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	existing, err := s.GetSession(ctx, id)
	if err == nil {
		return existing, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, channel_type, title, created_at, last_active_at)
		VALUES (?, ?, '', ?, ?)
	`, id, channelType, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &Session{ID: id, ChannelType: channelType, CreatedAt: now, LastActiveAt: now}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel_type, title, created_at, last_active_at FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.ChannelType, &sess.Title, &sess.CreatedAt, &sess.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
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

func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM task_logs WHERE task_id IN (SELECT id FROM tasks WHERE session_id = ?)
	`, id); err != nil {
		return fmt.Errorf("delete task logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("session not found: %s", id)
	}
	return tx.Commit()
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, session_id, channel_type, channel_meta, status, message, skills, bridge_configs,
			push_url, push_auth_header, push_event_filter, result, has_result, structured, error,
			cost_usd, turns, duration_ms, worker_id, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.SessionID, task.ChannelType, string(channelMeta), task.Status, task.Message,
		string(skills), string(bridgeConfigs), pushURL, pushAuth, pushFilter,
		task.Result, boolToInt(task.HasResult), string(structured), task.Error,
		task.Stats.CostUSD, task.Stats.Turns, task.Stats.Duration.Milliseconds(), task.WorkerID,
		task.CreatedAt, task.StartedAt, task.FinishedAt)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, channel_type, channel_meta, status, message, skills, bridge_configs,
			push_url, push_auth_header, push_event_filter, result, has_result, structured, error,
			cost_usd, turns, duration_ms, worker_id, created_at, started_at, finished_at
		FROM tasks WHERE id = ?
	`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, err
}

func scanTask(row *sql.Row) (*Task, error) {
	task := &Task{}
	var channelMeta, skills, bridgeConfigs, structured string
	var pushURL, pushAuth, pushFilter string
	var hasResult int
	var durationMS int64
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&task.ID, &task.SessionID, &task.ChannelType, &channelMeta, &task.Status,
		&task.Message, &skills, &bridgeConfigs, &pushURL, &pushAuth, &pushFilter,
		&task.Result, &hasResult, &structured, &task.Error,
		&task.Stats.CostUSD, &task.Stats.Turns, &durationMS, &task.WorkerID,
		&task.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(channelMeta), &task.ChannelMeta)
	_ = json.Unmarshal([]byte(skills), &task.Skills)
	_ = json.Unmarshal([]byte(bridgeConfigs), &task.BridgeConfigs)
	_ = json.Unmarshal([]byte(structured), &task.Structured)
	task.HasResult = hasResult != 0
	task.Stats.Duration = time.Duration(durationMS) * time.Millisecond
	if pushURL != "" {
		task.Push = &PushNotification{URL: pushURL, AuthHeader: pushAuth, EventFilter: pushFilter}
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	return task, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, delta TaskUpdate) error {
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

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, has_result = ?, structured = ?, error = ?,
			cost_usd = ?, turns = ?, duration_ms = ?, worker_id = ?, started_at = ?, finished_at = ?,
			push_url = ?, push_auth_header = ?, push_event_filter = ?
		WHERE id = ?
	`, task.Status, task.Result, boolToInt(task.HasResult), string(structured), task.Error,
		task.Stats.CostUSD, task.Stats.Turns, task.Stats.Duration.Milliseconds(), task.WorkerID,
		task.StartedAt, task.FinishedAt, pushURL, pushAuth, pushFilter, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) ListTasksBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, channel_type, channel_meta, status, message, skills, bridge_configs,
			push_url, push_auth_header, push_event_filter, result, has_result, structured, error,
			cost_usd, turns, duration_ms, worker_id, created_at, started_at, finished_at
		FROM tasks WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		task := &Task{}
		var channelMeta, skills, bridgeConfigs, structured string
		var pushURL, pushAuth, pushFilter string
		var hasResult int
		var durationMS int64
		var startedAt, finishedAt sql.NullTime

		if err := rows.Scan(&task.ID, &task.SessionID, &task.ChannelType, &channelMeta, &task.Status,
			&task.Message, &skills, &bridgeConfigs, &pushURL, &pushAuth, &pushFilter,
			&task.Result, &hasResult, &structured, &task.Error,
			&task.Stats.CostUSD, &task.Stats.Turns, &durationMS, &task.WorkerID,
			&task.CreatedAt, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(channelMeta), &task.ChannelMeta)
		_ = json.Unmarshal([]byte(skills), &task.Skills)
		_ = json.Unmarshal([]byte(bridgeConfigs), &task.BridgeConfigs)
		_ = json.Unmarshal([]byte(structured), &task.Structured)
		task.HasResult = hasResult != 0
		task.Stats.Duration = time.Duration(durationMS) * time.Millisecond
		if pushURL != "" {
			task.Push = &PushNotification{URL: pushURL, AuthHeader: pushAuth, EventFilter: pushFilter}
		}
		if startedAt.Valid {
			t := startedAt.Time
			task.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			task.FinishedAt = &t
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// --- Task logs ---

func (s *SQLiteStore) AppendLog(ctx context.Context, taskID, logType, content string, metadata map[string]any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM task_logs WHERE task_id = ?`, taskID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	nextSeq := 0
	if maxSeq.Valid {
		nextSeq = int(maxSeq.Int64) + 1
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, seq, type, content, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, nextSeq, logType, content, string(metaJSON), time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return nextSeq, nil
}

func (s *SQLiteStore) ReadLogs(ctx context.Context, taskID string, afterSeq, limit int) ([]*TaskLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, type, content, metadata, timestamp
		FROM task_logs WHERE task_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?
	`, taskID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskLog
	for rows.Next() {
		entry := &TaskLog{}
		var metaJSON string
		if err := rows.Scan(&entry.TaskID, &entry.Seq, &entry.Type, &entry.Content, &metaJSON, &entry.Timestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaJSON), &entry.Metadata)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountLogs(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_logs WHERE task_id = ?`, taskID).Scan(&count)
	return count, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
