// Package checkpoint projects task lifecycle events into sqlite so a later
// process can recover a task from its last completed stage.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/config"
	"github.com/goliatone/go-rollout/task"
)

const ErrCodeStore = "CHECKPOINT_STORE_FAILED"

var ErrStore = errors.New("checkpoint store failure", errors.CategoryExternal).
	WithTextCode(ErrCodeStore)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id              TEXT PRIMARY KEY,
	plan_id              TEXT NOT NULL DEFAULT '',
	tenant_id            TEXT NOT NULL,
	status               TEXT NOT NULL,
	last_completed_stage TEXT NOT NULL DEFAULT '',
	completed_stages     INTEGER NOT NULL DEFAULT 0,
	total_stages         INTEGER NOT NULL DEFAULT 0,
	retry_count          INTEGER NOT NULL DEFAULT 0,
	sequence_id          INTEGER NOT NULL DEFAULT 0,
	failure_type         TEXT NOT NULL DEFAULT '',
	failure_message      TEXT NOT NULL DEFAULT '',
	updated_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id, updated_at);
CREATE TABLE IF NOT EXISTS task_events (
	task_id     TEXT NOT NULL,
	sequence_id INTEGER NOT NULL,
	type        TEXT NOT NULL,
	status      TEXT NOT NULL,
	stage_name  TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	PRIMARY KEY (task_id, sequence_id)
);
CREATE TABLE IF NOT EXISTS tenant_configs (
	tenant_id  TEXT NOT NULL,
	version    TEXT NOT NULL,
	body       TEXT NOT NULL,
	applied_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, version)
);`

// Record is the projected checkpoint of one task.
type Record struct {
	TaskID             string      `json:"task_id"`
	PlanID             string      `json:"plan_id,omitempty"`
	TenantID           string      `json:"tenant_id"`
	Status             task.Status `json:"status"`
	LastCompletedStage string      `json:"last_completed_stage,omitempty"`
	CompletedStages    int         `json:"completed_stages"`
	TotalStages        int         `json:"total_stages"`
	RetryCount         int         `json:"retry_count"`
	SequenceID         int64       `json:"sequence_id"`
	FailureType        string      `json:"failure_type,omitempty"`
	FailureMessage     string      `json:"failure_message,omitempty"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Store is a sqlite backed event sink and checkpoint reader.
type Store struct {
	db      *sql.DB
	logger  rollout.Logger
	timeout time.Duration
}

// Option customizes a Store.
type Option func(*Store)

func WithLogger(logger rollout.Logger) Option {
	return func(s *Store) { s.logger = rollout.NormalizeLogger(logger) }
}

// WithTimeout bounds every statement.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Open creates the database file and its parent directory when missing and
// applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, rollout.CloneError(rollout.ErrInvalidConfig, "checkpoint path is required", nil, nil)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, storeError("create checkpoint directory", err, map[string]any{"path": path})
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storeError("open checkpoint database", err, map[string]any{"path": path})
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: rollout.NopLogger{}, timeout: 3 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storeError("ping checkpoint database", err, map[string]any{"path": path})
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, storeError("apply checkpoint schema", err, map[string]any{"path": path})
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Publish records evt and folds it into the task checkpoint. Events older
// than the stored sequence id do not move the checkpoint back.
func (s *Store) Publish(ctx context.Context, evt task.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return storeError("encode event", err, map[string]any{"task_id": evt.TaskID})
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin checkpoint transaction", err, map[string]any{"task_id": evt.TaskID})
	}
	defer func() { _ = tx.Rollback() }()

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if evt.Type != task.EventProgress {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_events(task_id, sequence_id, type, status, stage_name, payload, ts) VALUES(?,?,?,?,?,?,?)`,
			evt.TaskID, evt.SequenceID, string(evt.Type), string(evt.Status), evt.StageName, string(payload), ts.UnixMilli(),
		); err != nil {
			return storeError("insert event", err, map[string]any{"task_id": evt.TaskID, "sequence_id": evt.SequenceID})
		}
	}

	var stageName string
	if evt.Type == task.EventStageCompleted {
		stageName = evt.StageName
	}
	var failureType, failureMessage string
	if evt.Failure != nil {
		failureType = string(evt.Failure.Type)
		failureMessage = evt.Failure.Message
	}

	upsert := upsertTask
	sequenceID := evt.SequenceID
	if evt.Type == task.EventProgress {
		upsert = touchTask
		sequenceID = 0
	}
	if _, err := tx.ExecContext(ctx, upsert,
		evt.TaskID, evt.PlanID, evt.TenantID, string(evt.Status), stageName, evt.CompletedStages,
		evt.TotalStages, evt.RetryCount, sequenceID, failureType, failureMessage, ts.UnixMilli(),
	); err != nil {
		return storeError("upsert checkpoint", err, map[string]any{"task_id": evt.TaskID, "sequence_id": evt.SequenceID})
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit checkpoint", err, map[string]any{"task_id": evt.TaskID})
	}
	s.logger.Debug("checkpoint updated", "task_id", evt.TaskID, "event", string(evt.Type), "sequence_id", evt.SequenceID)
	return nil
}

const insertTask = `
INSERT INTO tasks(task_id, plan_id, tenant_id, status, last_completed_stage, completed_stages, total_stages, retry_count, sequence_id, failure_type, failure_message, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
`

// upsertTask moves the checkpoint only forward in sequence order.
const upsertTask = insertTask + `ON CONFLICT(task_id) DO UPDATE SET
	status = excluded.status,
	last_completed_stage = CASE WHEN excluded.last_completed_stage != '' THEN excluded.last_completed_stage ELSE tasks.last_completed_stage END,
	completed_stages = excluded.completed_stages,
	total_stages = excluded.total_stages,
	retry_count = excluded.retry_count,
	sequence_id = excluded.sequence_id,
	failure_type = CASE WHEN excluded.failure_type != '' THEN excluded.failure_type ELSE tasks.failure_type END,
	failure_message = CASE WHEN excluded.failure_message != '' THEN excluded.failure_message ELSE tasks.failure_message END,
	updated_at = excluded.updated_at
WHERE excluded.sequence_id > tasks.sequence_id`

// touchTask records a heartbeat. It creates the row when missing but never
// moves an existing checkpoint or its sequence fence.
const touchTask = insertTask + `ON CONFLICT(task_id) DO UPDATE SET updated_at = excluded.updated_at`

const selectRecord = `SELECT task_id, plan_id, tenant_id, status, last_completed_stage, completed_stages, total_stages, retry_count, sequence_id, failure_type, failure_message, updated_at FROM tasks`

// Load returns the checkpoint of taskID.
func (s *Store) Load(ctx context.Context, taskID string) (Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE task_id = ?`, taskID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return Record{}, rollout.CloneError(rollout.ErrTaskNotFound, fmt.Sprintf("no checkpoint for task %s", taskID), nil,
			map[string]any{"task_id": taskID})
	}
	if err != nil {
		return Record{}, storeError("load checkpoint", err, map[string]any{"task_id": taskID})
	}
	return rec, nil
}

// Latest returns the most recently updated checkpoint of a tenant.
func (s *Store) Latest(ctx context.Context, tenantID string) (Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		selectRecord+` WHERE tenant_id = ? ORDER BY updated_at DESC, sequence_id DESC LIMIT 1`, tenantID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return Record{}, rollout.CloneError(rollout.ErrTaskNotFound, fmt.Sprintf("no checkpoint for tenant %s", tenantID), nil,
			map[string]any{"tenant_id": tenantID})
	}
	if err != nil {
		return Record{}, storeError("load tenant checkpoint", err, map[string]any{"tenant_id": tenantID})
	}
	return rec, nil
}

// List returns every checkpoint, newest first. An empty tenantID lists all
// tenants.
func (s *Store) List(ctx context.Context, tenantID string) ([]Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := selectRecord + ` ORDER BY updated_at DESC`
	args := []any{}
	if tenantID != "" {
		query = selectRecord + ` WHERE tenant_id = ? ORDER BY updated_at DESC`
		args = append(args, tenantID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list checkpoints", err, nil)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeError("scan checkpoint", err, nil)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list checkpoints", err, nil)
	}
	return out, nil
}

// Events returns the recorded lifecycle events of taskID in sequence order.
// Heartbeat progress events are not recorded.
func (s *Store) Events(ctx context.Context, taskID string) ([]task.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM task_events WHERE task_id = ? ORDER BY sequence_id`, taskID)
	if err != nil {
		return nil, storeError("list events", err, map[string]any{"task_id": taskID})
	}
	defer rows.Close()

	var out []task.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeError("scan event", err, map[string]any{"task_id": taskID})
		}
		var evt task.Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, storeError("decode event", err, map[string]any{"task_id": taskID})
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// SaveConfig records cfg as applied for its tenant.
func (s *Store) SaveConfig(ctx context.Context, cfg *config.TenantConfig) error {
	if cfg == nil {
		return rollout.CloneError(rollout.ErrInvalidConfig, "tenant config is required", nil, nil)
	}
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return storeError("encode tenant config", err, map[string]any{"tenant_id": cfg.TenantID})
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO tenant_configs(tenant_id, version, body, applied_at) VALUES(?,?,?,?)
ON CONFLICT(tenant_id, version) DO UPDATE SET body = excluded.body, applied_at = excluded.applied_at`,
		cfg.TenantID, cfg.Version, string(body), time.Now().UTC().UnixNano(),
	); err != nil {
		return storeError("save tenant config", err, map[string]any{"tenant_id": cfg.TenantID, "version": cfg.Version})
	}
	return nil
}

// PreviousConfig returns the most recently applied config of the tenant
// whose version differs from currentVersion.
func (s *Store) PreviousConfig(ctx context.Context, tenantID, currentVersion string) (*config.TenantConfig, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM tenant_configs WHERE tenant_id = ? AND version != ? ORDER BY applied_at DESC LIMIT 1`,
		tenantID, currentVersion).Scan(&body)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, rollout.CloneError(rollout.ErrInvalidCheckpoint, fmt.Sprintf("no config before %s for tenant %s", currentVersion, tenantID), nil,
			map[string]any{"tenant_id": tenantID, "version": currentVersion})
	}
	if err != nil {
		return nil, storeError("load previous config", err, map[string]any{"tenant_id": tenantID})
	}
	return config.ParseTenantConfig([]byte(body))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		status    string
		updatedAt int64
	)
	if err := row.Scan(&rec.TaskID, &rec.PlanID, &rec.TenantID, &status, &rec.LastCompletedStage,
		&rec.CompletedStages, &rec.TotalStages, &rec.RetryCount, &rec.SequenceID,
		&rec.FailureType, &rec.FailureMessage, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.Status = task.Status(status)
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func storeError(msg string, err error, meta map[string]any) error {
	return rollout.CloneError(ErrStore, msg, err, meta)
}
