// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package task defines the records that flow through the orchestration core:
// tasks, queue jobs, and multi-step chains, together with their enumerations
// and the error taxonomy shared by every component.
package task

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskType is the category of generative work a request asks for.
type TaskType string

const (
	TypeText      TaskType = "text"
	TypeImage     TaskType = "image"
	TypeVideo     TaskType = "video"
	TypeAudio     TaskType = "audio"
	TypeDocument  TaskType = "document"
	TypeCode      TaskType = "code"
	TypeComposite TaskType = "composite"
)

var allTaskTypes = []TaskType{TypeText, TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeCode, TypeComposite}

// AllTaskTypes returns every known task type in declaration order.
func AllTaskTypes() []TaskType {
	out := make([]TaskType, len(allTaskTypes))
	copy(out, allTaskTypes)
	return out
}

// ParseTaskType normalizes s and reports whether it names a known task type.
func ParseTaskType(s string) (TaskType, bool) {
	candidate := TaskType(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range allTaskTypes {
		if t == candidate {
			return t, true
		}
	}
	return "", false
}

// Priority is the caller-facing urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority normalizes s; unknown or empty values yield PriorityNormal and false.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow, true
	case PriorityNormal:
		return PriorityNormal, true
	case PriorityHigh:
		return PriorityHigh, true
	case PriorityUrgent:
		return PriorityUrgent, true
	}
	return PriorityNormal, false
}

// Value maps the priority onto the numeric queue priority.
func (p Priority) Value() int {
	switch p {
	case PriorityUrgent:
		return 10
	case PriorityHigh:
		return 7
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// Budget expresses how much the caller is willing to spend on a task.
type Budget string

const (
	BudgetLow       Budget = "low"
	BudgetMedium    Budget = "medium"
	BudgetHigh      Budget = "high"
	BudgetUnlimited Budget = "unlimited"
)

// ParseBudget normalizes s; unknown or empty values yield BudgetMedium and false.
func ParseBudget(s string) (Budget, bool) {
	switch Budget(strings.ToLower(strings.TrimSpace(s))) {
	case BudgetLow:
		return BudgetLow, true
	case BudgetMedium:
		return BudgetMedium, true
	case BudgetHigh:
		return BudgetHigh, true
	case BudgetUnlimited:
		return BudgetUnlimited, true
	}
	return BudgetMedium, false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusRunning, StatusSuccess, StatusFailed}

// CanTransition reports whether a task in status s may be saved with status
// next. The lifecycle only moves forward; a non-terminal status may be saved
// again unchanged.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusRunning || next == StatusSuccess || next == StatusFailed
	}
	return false
}

// Task is one unit of work submitted to a single model backend.
type Task struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Type           TaskType        `json:"type"`
	Priority       Priority        `json:"priority"`
	Status         Status          `json:"status"`
	Model          string          `json:"model"`
	FallbackModels []string        `json:"fallback_models"`
	Request        json.RawMessage `json:"request,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	EstimatedCost  float64         `json:"estimated_cost"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices with a repository.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.FallbackModels = append([]string(nil), t.FallbackModels...)
	c.Request = cloneRaw(t.Request)
	c.Result = cloneRaw(t.Result)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// AttemptList returns the ordered candidates a worker tries: the primary model
// followed by the fallback list.
func (t *Task) AttemptList() []string {
	out := make([]string, 0, 1+len(t.FallbackModels))
	out = append(out, t.Model)
	return append(out, t.FallbackModels...)
}

// Job is the queue payload that carries a task to a worker.
type Job struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	OwnerID        string          `json:"owner_id"`
	Type           TaskType        `json:"task_type"`
	Request        json.RawMessage `json:"request"`
	Model          string          `json:"model"`
	FallbackModels []string        `json:"fallback_models"`
	Priority       int             `json:"priority"`
	Queue          string          `json:"queue"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	LastError      string          `json:"last_error,omitempty"`
}

// AttemptList mirrors Task.AttemptList for the job copy of the routing decision.
func (j *Job) AttemptList() []string {
	out := make([]string, 0, 1+len(j.FallbackModels))
	out = append(out, j.Model)
	return append(out, j.FallbackModels...)
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
