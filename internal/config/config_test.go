// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Chain.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Chain.PollInterval)
	}
	if cfg.Chain.StepTimeout != 5*time.Minute {
		t.Errorf("StepTimeout = %v, want 5m", cfg.Chain.StepTimeout)
	}
	if cfg.Credentials.FailureThreshold != 3 || cfg.Credentials.BlockDuration != time.Hour {
		t.Errorf("credential policy = %+v, want 3 failures / 1h", cfg.Credentials)
	}
	if cfg.Queues.Video.Concurrency >= cfg.Queues.General.Concurrency {
		t.Errorf("video concurrency %d should be lower than general %d", cfg.Queues.Video.Concurrency, cfg.Queues.General.Concurrency)
	}
	if cfg.Store.Type != "memory" || cfg.QueueBackend.Type != "memory" {
		t.Errorf("expected memory store and queue by default, got %q / %q", cfg.Store.Type, cfg.QueueBackend.Type)
	}
}

func TestLoadConfig_Models(t *testing.T) {
	path := writeConfig(t, `
port: 9000
chain:
  poll-interval: 250ms
models:
  - id: " gpt-4o "
    provider: OpenAI
    task-types: [Text, code, text]
    credentials: ["k1", " ", "k1", "k2"]
    fallbacks: [claude]
    performance:
      quality: 14
  - id: ""
    provider: ignored
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.Chain.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Chain.PollInterval)
	}
	if len(cfg.Models) != 1 {
		t.Fatalf("expected 1 model after sanitize, got %d", len(cfg.Models))
	}
	m := cfg.Models[0]
	if m.ID != "gpt-4o" || m.Provider != "openai" || m.Adapter != "openai-compat" {
		t.Errorf("unexpected model identity: %+v", m)
	}
	if len(m.TaskTypes) != 2 || m.TaskTypes[0] != "text" || m.TaskTypes[1] != "code" {
		t.Errorf("TaskTypes = %v", m.TaskTypes)
	}
	if len(m.Credentials) != 2 {
		t.Errorf("Credentials = %v, want deduplicated pair", m.Credentials)
	}
	if m.Performance.Quality != 10 || m.Performance.Speed != 5 {
		t.Errorf("Performance = %+v, want quality clamped to 10 and speed defaulted to 5", m.Performance)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true); err != nil || cfg == nil {
		t.Errorf("optional missing config should return defaults, got %v", err)
	}
	if _, err := LoadConfig(writeConfig(t, "models: [")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadConfig(writeConfig(t, "models:\n  - id: a\n  - id: a\n")); err == nil {
		t.Error("expected duplicate id error")
	}
	if _, err := LoadConfig(writeConfig(t, "store:\n  type: mongo\n")); err == nil {
		t.Error("expected unknown store error")
	}
}

func TestResolveCredentials(t *testing.T) {
	env := map[string]string{
		"STABILITY_AI_API_KEYS": "s1, s2,,s1",
		"CUSTOM_KEYS":           "c1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	m := ModelConfig{ID: "sdxl", Provider: "stability-ai", Credentials: []string{"inline"}}
	got := m.ResolveCredentials(lookup)
	want := []string{"inline", "s1", "s2"}
	if len(got) != len(want) {
		t.Fatalf("ResolveCredentials = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("credential[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	m = ModelConfig{ID: "x", CredentialEnv: "CUSTOM_KEYS"}
	if got := m.ResolveCredentials(lookup); len(got) != 1 || got[0] != "c1" {
		t.Errorf("explicit credential-env not honored: %v", got)
	}

	m = ModelConfig{ID: "nokeys", Provider: "none"}
	if got := m.ResolveCredentials(lookup); len(got) != 0 {
		t.Errorf("expected no credentials, got %v", got)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("SWITCHAIFLOW_PORT", "9100")
	t.Setenv("SWITCHAIFLOW_DEBUG", "true")
	t.Setenv("SWITCHAIFLOW_REDIS_ADDR", "redis:6379")
	t.Setenv("SWITCHAIFLOW_QUEUE", "redis")

	overrides, err := ParseEnv()
	if err != nil {
		t.Fatalf("ParseEnv: %v", err)
	}
	cfg := Default()
	cfg.ApplyEnv(overrides)

	if cfg.Port != 9100 || !cfg.Debug {
		t.Errorf("port/debug not applied: %d %v", cfg.Port, cfg.Debug)
	}
	if cfg.QueueBackend.Type != "redis" || cfg.QueueBackend.RedisAddr != "redis:6379" {
		t.Errorf("queue backend not applied: %+v", cfg.QueueBackend)
	}
}

func TestParseEnvInvalid(t *testing.T) {
	t.Setenv("SWITCHAIFLOW_PORT", "not-a-number")
	if _, err := ParseEnv(); err == nil {
		t.Error("expected error for invalid port")
	}
}
