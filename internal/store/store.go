// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store persists Task records behind a small repository interface with
// in-memory, SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/traylinx/switchAIFlow/internal/task"
)

// ErrTaskTerminal is returned when updating a task that already reached a terminal status.
var ErrTaskTerminal = errors.New("task is terminal")

// ErrInvalidTransition is returned when an update would move a task's status
// backwards, e.g. from running to pending.
var ErrInvalidTransition = errors.New("invalid status transition")

// Repository reads and writes Task records.
type Repository interface {
	Create(ctx context.Context, t *task.Task) error
	Update(ctx context.Context, t *task.Task) error
	FindByID(ctx context.Context, id string) (*task.Task, error)
}

// MemoryRepository keeps tasks in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*task.Task)}
}

// Create stores a copy of t.
func (r *MemoryRepository) Create(_ context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

// Update replaces the stored task. Terminal tasks are immutable.
func (r *MemoryRepository) Update(_ context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, t.ID)
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTaskTerminal, t.ID)
	}
	if !cur.Status.CanTransition(t.Status) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.ID, cur.Status, t.Status)
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

// FindByID returns a copy of the stored task.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}
