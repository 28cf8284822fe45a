package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("invalid JSON line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.LogFallback("t", "a", "b", 1, "boom")
	if err := logger.Close(); err != nil {
		t.Errorf("Close on disabled logger: %v", err)
	}

	var nilLogger *Logger
	nilLogger.LogExhausted("t", nil, "")
	if err := nilLogger.Close(); err != nil {
		t.Errorf("Close on nil logger: %v", err)
	}
}

func TestLogger_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	logger, err := NewLogger(Config{Enabled: true, LogPath: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	until := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	logger.LogFallback("task-1", "a", "b", 1, "status 500")
	logger.LogExhausted("task-1", []string{"a", "b", "c"}, "timeout")
	logger.LogCredentialBlocked("a", "sk-1...abcd", until)
	logger.LogDeadLettered("task-2", "video", 3, "redis down")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}

	if e := entries[0]; e.ActionType != ActionFallback || e.Model != "a" || e.Details["next_model"] != "b" || e.Outcome != "advanced" {
		t.Errorf("unexpected fallback entry: %+v", e)
	}
	if e := entries[1]; e.ActionType != ActionExhausted || e.Details["last_error"] != "timeout" {
		t.Errorf("unexpected exhausted entry: %+v", e)
	}
	if e := entries[2]; e.Details["credential"] != "sk-1...abcd" || e.Details["blocked_until"] != "2026-03-01T11:00:00Z" {
		t.Errorf("unexpected block entry: %+v", e)
	}
	if e := entries[3]; e.ActionType != ActionDeadLettered || e.Details["queue"] != "video" {
		t.Errorf("unexpected dead-letter entry: %+v", e)
	}
	for _, e := range entries {
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	}
}
