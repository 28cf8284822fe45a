// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIFlow/internal/task"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

const taskColumns = "id, owner_id, task_type, priority, status, model, fallback_models, request, result, error, retry_count, max_retries, estimated_cost, created_at, started_at, completed_at"

// SQLRepository stores tasks in a SQL database.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLRepository wraps an open database handle.
func NewSQLRepository(db *sql.DB, d Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: d}
}

// OpenSQLite opens (creating if needed) a SQLite database file and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	repo := NewSQLRepository(db, SQLite)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("task store: sqlite database at %s", path)
	return repo, nil
}

// OpenPostgres connects to PostgreSQL through pgx and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLRepository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	repo := NewSQLRepository(db, Postgres)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("task store: postgres connected")
	return repo, nil
}

// Close releases the database handle.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Migrate creates the tasks table when missing.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.schema()); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *SQLRepository) schema() string {
	jsonType, blobType, tsType := "TEXT", "BLOB", "TIMESTAMP"
	if r.dialect == Postgres {
		jsonType, blobType, tsType = "JSONB", "BYTEA", "TIMESTAMPTZ"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	task_type TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	model TEXT NOT NULL,
	fallback_models %[1]s NOT NULL,
	request %[2]s,
	result %[2]s,
	error TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at %[3]s NOT NULL,
	started_at %[3]s,
	completed_at %[3]s
)`, jsonType, blobType, tsType)
}

// rebind rewrites ? placeholders into the dialect's form.
func (r *SQLRepository) rebind(query string) string {
	if r.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// Create inserts t.
func (r *SQLRepository) Create(ctx context.Context, t *task.Task) error {
	fallbacks, err := encodeFallbacks(t.FallbackModels)
	if err != nil {
		return err
	}
	query := r.rebind("INSERT INTO tasks (" + taskColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.OwnerID, string(t.Type), string(t.Priority), string(t.Status), t.Model, fallbacks,
		nullBytes(t.Request), nullBytes(t.Result), t.Error, t.RetryCount, t.MaxRetries, t.EstimatedCost,
		t.CreatedAt.UTC(), nullTime(t.StartedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// Update writes the mutable fields of t. Rows already in a terminal status are left untouched.
func (r *SQLRepository) Update(ctx context.Context, t *task.Task) error {
	fallbacks, err := encodeFallbacks(t.FallbackModels)
	if err != nil {
		return err
	}
	from := sourceStatuses(t.Status)
	if len(from) == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.ID, t.Status)
	}
	args := []any{string(t.Status), t.Model, fallbacks, nullBytes(t.Result), t.Error, t.RetryCount, t.EstimatedCost,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), t.ID}
	for _, s := range from {
		args = append(args, string(s))
	}
	query := r.rebind(`UPDATE tasks SET status = ?, model = ?, fallback_models = ?, result = ?, error = ?, retry_count = ?, estimated_cost = ?, started_at = ?, completed_at = ? WHERE id = ? AND status IN (?` +
		strings.Repeat(", ?", len(from)-1) + `)`)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	if affected == 0 {
		cur, errFind := r.FindByID(ctx, t.ID)
		if errFind != nil {
			return errFind
		}
		if cur.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrTaskTerminal, t.ID)
		}
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.ID, cur.Status, t.Status)
	}
	return nil
}

// sourceStatuses lists the stored statuses from which a task may be saved
// with status next.
func sourceStatuses(next task.Status) []task.Status {
	var out []task.Status
	for _, s := range task.Statuses {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// FindByID loads one task.
func (r *SQLRepository) FindByID(ctx context.Context, id string) (*task.Task, error) {
	query := r.rebind("SELECT " + taskColumns + " FROM tasks WHERE id = ?")
	row := r.db.QueryRowContext(ctx, query, id)

	var (
		t                          task.Task
		taskType, priority, status string
		fallbacks                  []byte
		request, result            []byte
		createdAt                  time.Time
		startedAt, completedAt     sql.NullTime
	)
	err := row.Scan(&t.ID, &t.OwnerID, &taskType, &priority, &status, &t.Model, &fallbacks,
		&request, &result, &t.Error, &t.RetryCount, &t.MaxRetries, &t.EstimatedCost,
		&createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}

	t.Type = task.TaskType(taskType)
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	if len(fallbacks) > 0 {
		if err := json.Unmarshal(fallbacks, &t.FallbackModels); err != nil {
			return nil, fmt.Errorf("failed to decode fallback models of %s: %w", id, err)
		}
	}
	if len(request) > 0 {
		t.Request = request
	}
	if len(result) > 0 {
		t.Result = result
	}
	t.CreatedAt = createdAt
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return &t, nil
}

func encodeFallbacks(models []string) (string, error) {
	if models == nil {
		models = []string{}
	}
	b, err := json.Marshal(models)
	if err != nil {
		return "", fmt.Errorf("failed to encode fallback models: %w", err)
	}
	return string(b), nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
