// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/traylinx/switchAIFlow/internal/task"
)

func sampleTask(id string) *task.Task {
	return &task.Task{
		ID:             id,
		OwnerID:        "owner-1",
		Type:           task.TypeImage,
		Priority:       task.PriorityHigh,
		Status:         task.StatusPending,
		Model:          "a",
		FallbackModels: []string{"b", "c"},
		Request:        []byte(`{"prompt":"cat","width":512}`),
		MaxRetries:     2,
		EstimatedCost:  0.04,
		CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

// exerciseRepository runs the lifecycle shared by every implementation.
func exerciseRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	in := sampleTask("t-1")
	if err := repo.Create(ctx, in); err != nil {
		t.Fatalf("Create: %v", err)
	}
	in.Model = "mutated-after-create"

	got, err := repo.FindByID(ctx, "t-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Model != "a" || len(got.FallbackModels) != 2 || got.FallbackModels[1] != "c" {
		t.Errorf("unexpected task after create: %+v", got)
	}
	if string(got.Request) != `{"prompt":"cat","width":512}` {
		t.Errorf("request payload = %s", got.Request)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, in.CreatedAt)
	}

	started := time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC)
	got.Status = task.StatusRunning
	got.StartedAt = &started
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update running: %v", err)
	}

	regressed := *got
	regressed.Status = task.StatusPending
	if err := repo.Update(ctx, &regressed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for running -> pending, got %v", err)
	}
	if cur, _ := repo.FindByID(ctx, "t-1"); cur == nil || cur.Status != task.StatusRunning {
		t.Errorf("rejected update must not be stored: %+v", cur)
	}

	completed := started.Add(time.Second)
	got.Status = task.StatusSuccess
	got.Model = "c"
	got.RetryCount = 2
	got.Result = []byte(`{"url":"https://x/1.png"}`)
	got.CompletedAt = &completed
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update success: %v", err)
	}

	final, err := repo.FindByID(ctx, "t-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if final.Status != task.StatusSuccess || final.Model != "c" || final.RetryCount != 2 {
		t.Errorf("unexpected final task: %+v", final)
	}
	if final.StartedAt == nil || !final.StartedAt.Equal(started) || final.CompletedAt == nil {
		t.Errorf("timestamps not persisted: %v %v", final.StartedAt, final.CompletedAt)
	}
	if string(final.Result) != `{"url":"https://x/1.png"}` {
		t.Errorf("result = %s", final.Result)
	}

	final.Status = task.StatusFailed
	if err := repo.Update(ctx, final); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("expected ErrTaskTerminal, got %v", err)
	}

	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if err := repo.Update(ctx, sampleTask("missing")); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound on update, got %v", err)
	}
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemoryRepository()
	exerciseRepository(t, repo)

	if err := repo.Create(context.Background(), sampleTask("t-1")); err == nil {
		t.Error("expected duplicate create to fail")
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "tasks.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer repo.Close()

	exerciseRepository(t, repo)
}

func TestPostgresRepository_Rebind(t *testing.T) {
	repo := NewSQLRepository(nil, Postgres)
	got := repo.rebind("SELECT a FROM t WHERE id = ? AND b = ?")
	if got != "SELECT a FROM t WHERE id = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	if NewSQLRepository(nil, SQLite).rebind("id = ?") != "id = ?" {
		t.Error("sqlite queries must keep ? placeholders")
	}
}

func TestPostgresRepository_CreateAndFind(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()
	repo := NewSQLRepository(db, Postgres)

	in := sampleTask("t-pg")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tasks (" + taskColumns + ") VALUES ($1, $2")).
		WithArgs("t-pg", "owner-1", "image", "high", "pending", "a", `["b","c"]`,
			sqlmock.AnyArg(), nil, "", 0, 2, 0.04, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := sqlmock.NewRows([]string{"id", "owner_id", "task_type", "priority", "status", "model", "fallback_models",
		"request", "result", "error", "retry_count", "max_retries", "estimated_cost", "created_at", "started_at", "completed_at"}).
		AddRow("t-pg", "owner-1", "image", "high", "pending", "a", []byte(`["b","c"]`),
			[]byte(`{"prompt":"cat"}`), nil, "", 0, 2, 0.04, in.CreatedAt, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id = $1")).WithArgs("t-pg").WillReturnRows(rows)

	if err := repo.Create(context.Background(), in); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := repo.FindByID(context.Background(), "t-pg")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Type != task.TypeImage || len(got.FallbackModels) != 2 || got.StartedAt != nil {
		t.Errorf("unexpected task: %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPostgresRepository_UpdateTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()
	repo := NewSQLRepository(db, Postgres)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id", "owner_id", "task_type", "priority", "status", "model", "fallback_models",
		"request", "result", "error", "retry_count", "max_retries", "estimated_cost", "created_at", "started_at", "completed_at"}).
		AddRow("t-pg", "owner-1", "text", "normal", "success", "a", []byte(`[]`),
			nil, []byte(`{}`), "", 0, 0, 0.0, time.Now(), nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).WithArgs("t-pg").WillReturnRows(rows)

	tk := sampleTask("t-pg")
	tk.Status = task.StatusFailed
	if err := repo.Update(context.Background(), tk); !errors.Is(err, ErrTaskTerminal) {
		t.Errorf("expected ErrTaskTerminal, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPostgresRepository_UpdateGuardsStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()
	repo := NewSQLRepository(db, Postgres)

	tk := sampleTask("t-pg")
	tk.Status = task.StatusSuccess
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $10 AND status IN ($11)")).
		WithArgs("success", "a", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "t-pg", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Update(context.Background(), tk); err != nil {
		t.Errorf("Update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSourceStatuses(t *testing.T) {
	tests := []struct {
		next task.Status
		want []task.Status
	}{
		{task.StatusPending, []task.Status{task.StatusPending}},
		{task.StatusRunning, []task.Status{task.StatusPending, task.StatusRunning}},
		{task.StatusSuccess, []task.Status{task.StatusRunning}},
		{task.StatusFailed, []task.Status{task.StatusPending, task.StatusRunning}},
	}
	for _, tt := range tests {
		got := sourceStatuses(tt.next)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("sourceStatuses(%s) = %v, want %v", tt.next, got, tt.want)
		}
	}
}
