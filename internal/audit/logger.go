// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package audit records autonomous routing decisions (fallback advances,
// exhausted cascades and credential blocks) as JSON lines in a dedicated,
// rotating log file.
package audit

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Action types.
const (
	ActionFallback          = "fallback"
	ActionExhausted         = "models_exhausted"
	ActionCredentialBlocked = "credential_blocked"
	ActionDeadLettered      = "dead_lettered"
)

// Entry records a single autonomous action. Each entry is one JSON line.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	TaskID     string         `json:"task_id,omitempty"`
	ActionType string         `json:"action_type"`
	Model      string         `json:"model,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Outcome    string         `json:"outcome"`
}

// Config holds configuration for the audit logger.
type Config struct {
	Enabled bool
	LogPath string
	// MaxSizeMB is the size in megabytes before rotation. Default: 100.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to retain. Default: 10.
	MaxBackups int
	// MaxAgeDays is the number of days to retain rotated files. Default: 30.
	MaxAgeDays int
	Compress   bool
}

// Logger writes audit entries. A disabled or nil Logger is a no-op.
type Logger struct {
	mu       sync.Mutex
	encoder  *json.Encoder
	file     *lumberjack.Logger
	enabled  bool
	fallback *log.Logger
}

// NewLogger creates an audit logger. A disabled configuration yields a no-op
// logger.
func NewLogger(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{fallback: log.New()}, nil
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err != nil {
		return nil, err
	}

	fileLogger := &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Logger{
		encoder:  json.NewEncoder(fileLogger),
		file:     fileLogger,
		enabled:  true,
		fallback: log.New(),
	}, nil
}

// LogAction writes one entry. It is safe for concurrent use.
func (l *Logger) LogAction(entry Entry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.encoder.Encode(entry); err != nil {
		l.fallback.WithFields(log.Fields{
			"action_type": entry.ActionType,
			"task_id":     entry.TaskID,
			"error":       err,
		}).Error("failed to write audit entry")
	}
}

// LogFallback records an advance from a failed model to the next candidate.
func (l *Logger) LogFallback(taskID, fromModel, toModel string, attempt int, reason string) {
	l.LogAction(Entry{
		TaskID:     taskID,
		ActionType: ActionFallback,
		Model:      fromModel,
		Details: map[string]any{
			"next_model": toModel,
			"attempt":    attempt,
			"reason":     reason,
		},
		Outcome: "advanced",
	})
}

// LogExhausted records a task whose every candidate model failed.
func (l *Logger) LogExhausted(taskID string, models []string, lastErr string) {
	l.LogAction(Entry{
		TaskID:     taskID,
		ActionType: ActionExhausted,
		Details: map[string]any{
			"models":     models,
			"last_error": lastErr,
		},
		Outcome: "failed",
	})
}

// LogCredentialBlocked records a credential block. maskedKey must already be
// masked.
func (l *Logger) LogCredentialBlocked(model, maskedKey string, until time.Time) {
	l.LogAction(Entry{
		ActionType: ActionCredentialBlocked,
		Model:      model,
		Details: map[string]any{
			"credential":    maskedKey,
			"blocked_until": until.UTC().Format(time.RFC3339),
		},
		Outcome: "blocked",
	})
}

// LogDeadLettered records a job moved to the dead-letter list.
func (l *Logger) LogDeadLettered(taskID, queue string, attempts int, lastErr string) {
	l.LogAction(Entry{
		TaskID:     taskID,
		ActionType: ActionDeadLettered,
		Details: map[string]any{
			"queue":      queue,
			"attempts":   attempts,
			"last_error": lastErr,
		},
		Outcome: "dead_lettered",
	})
}

// Close flushes and closes the audit file.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Rotate triggers a log file rotation.
func (l *Logger) Rotate() error {
	if l == nil || !l.enabled || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Rotate()
}
