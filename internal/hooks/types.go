// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hooks distributes task lifecycle events and runs declarative YAML
// hooks against them.
package hooks

import (
	"time"
)

// HookEvent defines the type of event that can trigger a hook.
type HookEvent string

const (
	EventTaskCreated        HookEvent = "task_created"
	EventTaskStarted        HookEvent = "task_started"
	EventAttemptFailed      HookEvent = "attempt_failed"
	EventTaskSucceeded      HookEvent = "task_succeeded"
	EventTaskFailed         HookEvent = "task_failed"
	EventCredentialBlocked  HookEvent = "credential_blocked"
	EventChainStepCompleted HookEvent = "chain_step_completed"
	EventChainFailed        HookEvent = "chain_failed"
	EventPlanFallback       HookEvent = "plan_fallback"
)

// AllEvents lists every event the system publishes.
func AllEvents() []HookEvent {
	return []HookEvent{
		EventTaskCreated, EventTaskStarted, EventAttemptFailed,
		EventTaskSucceeded, EventTaskFailed, EventCredentialBlocked,
		EventChainStepCompleted, EventChainFailed, EventPlanFallback,
	}
}

// HookAction defines the action to be performed when a hook is triggered.
type HookAction string

const (
	ActionNotifyWebhook HookAction = "notify_webhook"
	ActionLogWarning    HookAction = "log_warning"
)

// Hook represents a single automation rule.
type Hook struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Event       HookEvent      `yaml:"event" json:"event"`
	Condition   string         `yaml:"condition" json:"condition"`
	Action      HookAction     `yaml:"action" json:"action"`
	Params      map[string]any `yaml:"params" json:"params"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`

	// FilePath is the source file (not in YAML)
	FilePath string `yaml:"-" json:"-"`
}

// EventContext describes one published event.
type EventContext struct {
	Event        HookEvent      `json:"event"`
	Timestamp    time.Time      `json:"timestamp"`
	TaskID       string         `json:"task_id,omitempty"`
	ChainID      string         `json:"chain_id,omitempty"`
	TaskType     string         `json:"task_type,omitempty"`
	Model        string         `json:"model,omitempty"`
	Data         map[string]any `json:"data"`
	Error        error          `json:"-"`
	ErrorMessage string         `json:"error,omitempty"`
}

// NewEvent returns an event stamped with the current time.
func NewEvent(event HookEvent) *EventContext {
	return &EventContext{Event: event, Timestamp: time.Now(), Data: make(map[string]any)}
}

// WithError attaches err to the event.
func (c *EventContext) WithError(err error) *EventContext {
	if err != nil {
		c.Error = err
		c.ErrorMessage = err.Error()
	}
	return c
}

// ActionHandler is a function that executes a hook action.
type ActionHandler func(hook *Hook, ctx *EventContext) error
