// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the switchAIFlow server.
// It handles loading and parsing YAML configuration files and provides structured
// access to the model catalogue, queue, storage, planner and observability settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort             = 8400
	DefaultPollInterval     = time.Second
	DefaultStepTimeout      = 5 * time.Minute
	DefaultAttemptTimeout   = 2 * time.Minute
	DefaultFailureThreshold = 3
	DefaultBlockDuration    = time.Hour
	DefaultMaxAttempts      = 3
	DefaultBackoffBase      = 2 * time.Second
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces.
	Host string `yaml:"host" json:"-"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"-"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether application logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory used when LoggingToFile is set.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// Models is the static model catalogue.
	Models []ModelConfig `yaml:"models" json:"models"`

	// Credentials controls credential blocking.
	Credentials CredentialPolicy `yaml:"credentials" json:"credentials"`

	// Queues configures the general and video worker queues.
	Queues QueuesConfig `yaml:"queues" json:"queues"`

	// QueueBackend selects where jobs are persisted.
	QueueBackend QueueBackendConfig `yaml:"queue-backend" json:"queue-backend"`

	// Store selects the task repository.
	Store StoreConfig `yaml:"store" json:"store"`

	// Worker holds per-attempt execution settings.
	Worker WorkerConfig `yaml:"worker" json:"worker"`

	// Chain holds chain execution polling settings.
	Chain ChainConfig `yaml:"chain" json:"chain"`

	// Planner configures LLM planning and heuristic model tiers.
	Planner PlannerConfig `yaml:"planner" json:"planner"`

	// Hooks configures declarative lifecycle hooks.
	Hooks HooksConfig `yaml:"hooks" json:"hooks"`

	// Audit configures the decision audit log.
	Audit AuditConfig `yaml:"audit" json:"audit"`

	// Artifacts configures object storage offload for binary results.
	Artifacts ArtifactConfig `yaml:"artifacts" json:"artifacts"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`

	// Tokens selects the token estimator used for cost estimates.
	Tokens TokensConfig `yaml:"tokens" json:"tokens"`
}

// ModelConfig describes one model backend.
type ModelConfig struct {
	// ID is the model identifier used for routing, e.g. "gpt-image-1".
	ID string `yaml:"id" json:"id"`
	// Provider names the credential family; it selects the <PROVIDER>_API_KEYS variable.
	Provider string `yaml:"provider" json:"provider"`
	// Adapter selects the execution adapter: "openai-compat" (default) or "lua".
	Adapter string `yaml:"adapter" json:"adapter"`
	// BaseURL is the endpoint used by HTTP adapters.
	BaseURL string `yaml:"base-url" json:"base-url"`
	// Script is the Lua file used by the lua adapter.
	Script string `yaml:"script" json:"script"`
	// TaskTypes lists the supported task types.
	TaskTypes []string `yaml:"task-types" json:"task-types"`
	// Credentials are inline API keys.
	Credentials []string `yaml:"credentials" json:"-"`
	// CredentialEnv overrides the environment variable holding comma-separated keys.
	CredentialEnv string `yaml:"credential-env" json:"credential-env"`
	// Fallbacks is the statically declared fallback list.
	Fallbacks []string `yaml:"fallbacks" json:"fallbacks"`
	// Cost is the unit cost vector.
	Cost CostConfig `yaml:"cost" json:"cost"`
	// Performance is the 1-10 performance vector.
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	// Disabled removes the model from routing regardless of credentials.
	Disabled bool `yaml:"disabled" json:"disabled"`
}

// CostConfig is the unit cost vector of a model.
type CostConfig struct {
	// InputUnit and OutputUnit are prices per 1K tokens.
	InputUnit      float64 `yaml:"input-unit" json:"input-unit"`
	OutputUnit     float64 `yaml:"output-unit" json:"output-unit"`
	PerImage       float64 `yaml:"per-image" json:"per-image"`
	PerVideoSecond float64 `yaml:"per-video-second" json:"per-video-second"`
}

// PerformanceConfig scores a model on a 1-10 scale.
type PerformanceConfig struct {
	Speed       int `yaml:"speed" json:"speed"`
	Quality     int `yaml:"quality" json:"quality"`
	Reliability int `yaml:"reliability" json:"reliability"`
}

// CredentialPolicy controls when a failing credential is blocked.
type CredentialPolicy struct {
	FailureThreshold int           `yaml:"failure-threshold" json:"failure-threshold"`
	BlockDuration    time.Duration `yaml:"block-duration" json:"block-duration"`
}

// QueuesConfig holds one QueueConfig per worker queue.
type QueuesConfig struct {
	General QueueConfig `yaml:"general" json:"general"`
	Video   QueueConfig `yaml:"video" json:"video"`
}

// QueueConfig bounds concurrency and start rate of one queue.
type QueueConfig struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// RateLimit is the maximum number of job starts per RatePer.
	RateLimit   int           `yaml:"rate-limit" json:"rate-limit"`
	RatePer     time.Duration `yaml:"rate-per" json:"rate-per"`
	MaxAttempts int           `yaml:"max-attempts" json:"max-attempts"`
	BackoffBase time.Duration `yaml:"backoff-base" json:"backoff-base"`
}

// QueueBackendConfig selects the job queue implementation.
type QueueBackendConfig struct {
	// Type is "memory" or "redis".
	Type          string `yaml:"type" json:"type"`
	RedisAddr     string `yaml:"redis-addr" json:"redis-addr"`
	RedisPassword string `yaml:"redis-password" json:"-"`
	RedisDB       int    `yaml:"redis-db" json:"redis-db"`
	KeyPrefix     string `yaml:"key-prefix" json:"key-prefix"`
	// Lease is how long a delivered job may stay unacknowledged before it is
	// redelivered. Zero derives it from worker.attempt-timeout and the model count.
	Lease time.Duration `yaml:"lease" json:"lease"`
}

// StoreConfig selects the task repository.
type StoreConfig struct {
	// Type is "memory", "sqlite" or "postgres".
	Type string `yaml:"type" json:"type"`
	DSN  string `yaml:"dsn" json:"-"`
}

// WorkerConfig holds per-attempt settings.
type WorkerConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt-timeout" json:"attempt-timeout"`
}

// ChainConfig holds chain polling settings.
type ChainConfig struct {
	PollInterval time.Duration `yaml:"poll-interval" json:"poll-interval"`
	StepTimeout  time.Duration `yaml:"step-timeout" json:"step-timeout"`
}

// PlannerConfig configures the planner.
type PlannerConfig struct {
	// Enabled turns on the LLM planning call.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Model is the text model used for planning completions.
	Model string `yaml:"model" json:"model"`
	// Timeout bounds one planning completion.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// ImageTiers lists candidate image models per use case, best first.
	ImageTiers ImageTiers `yaml:"image-tiers" json:"image-tiers"`
}

// ImageTiers groups image models by the use case they are suggested for.
type ImageTiers struct {
	HighFidelity []string `yaml:"high-fidelity" json:"high-fidelity"`
	Creative     []string `yaml:"creative" json:"creative"`
	General      []string `yaml:"general" json:"general"`
}

// HooksConfig configures declarative hooks.
type HooksConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
	Watch   bool   `yaml:"watch" json:"watch"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	LogPath    string `yaml:"log-path" json:"log-path"`
	MaxSizeMB  int    `yaml:"max-size-mb" json:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups" json:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days" json:"max-age-days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// ArtifactConfig configures the object storage used for binary results.
type ArtifactConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	UseSSL    bool   `yaml:"use-ssl" json:"use-ssl"`
	// PublicBaseURL, when set, is used to build artifact URLs instead of presigning.
	PublicBaseURL string `yaml:"public-base-url" json:"public-base-url"`
}

// TracingConfig configures OTLP export. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service-name" json:"service-name"`
}

// TokensConfig selects the token estimator.
type TokensConfig struct {
	// Method is "simple" or "tiktoken".
	Method string `yaml:"method" json:"method"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	cfg.Sanitize()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	cfg.Host = "" // bind all interfaces
	cfg.Port = DefaultPort
	cfg.LogDir = "logs"
	cfg.Credentials.FailureThreshold = DefaultFailureThreshold
	cfg.Credentials.BlockDuration = DefaultBlockDuration
	cfg.Queues.General = QueueConfig{Concurrency: 8, RateLimit: 50, RatePer: time.Second, MaxAttempts: DefaultMaxAttempts, BackoffBase: DefaultBackoffBase}
	cfg.Queues.Video = QueueConfig{Concurrency: 2, RateLimit: 5, RatePer: time.Second, MaxAttempts: DefaultMaxAttempts, BackoffBase: DefaultBackoffBase}
	cfg.QueueBackend.Type = "memory"
	cfg.QueueBackend.KeyPrefix = "switchaiflow"
	cfg.Store.Type = "memory"
	cfg.Worker.AttemptTimeout = DefaultAttemptTimeout
	cfg.Chain.PollInterval = DefaultPollInterval
	cfg.Chain.StepTimeout = DefaultStepTimeout
	cfg.Planner.Timeout = 30 * time.Second
	cfg.Hooks.Dir = "hooks"
	cfg.Audit.LogPath = "./logs/audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true
	cfg.Tracing.ServiceName = "switchaiflow"
	cfg.Tokens.Method = "tiktoken"
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, applies defaults, and returns it.
//
// Parameters:
//   - configFile: The path to the YAML configuration file
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the configuration could not be loaded
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing, it returns the default Config.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes. Absent keys keep their defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	// Set defaults before unmarshal so that absent keys keep defaults.
	cfg.applyDefaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sanitize normalizes identifiers and replaces invalid numeric settings with defaults.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Credentials.FailureThreshold <= 0 {
		cfg.Credentials.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Credentials.BlockDuration <= 0 {
		cfg.Credentials.BlockDuration = DefaultBlockDuration
	}
	sanitizeQueue(&cfg.Queues.General, 8)
	sanitizeQueue(&cfg.Queues.Video, 2)
	if cfg.Worker.AttemptTimeout < 0 {
		cfg.Worker.AttemptTimeout = 0
	}
	if cfg.Chain.PollInterval <= 0 {
		cfg.Chain.PollInterval = DefaultPollInterval
	}
	if cfg.Chain.StepTimeout <= 0 {
		cfg.Chain.StepTimeout = DefaultStepTimeout
	}
	cfg.QueueBackend.Type = strings.ToLower(strings.TrimSpace(cfg.QueueBackend.Type))
	if cfg.QueueBackend.Type == "" {
		cfg.QueueBackend.Type = "memory"
	}
	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	if cfg.Store.Type == "" {
		cfg.Store.Type = "memory"
	}
	cfg.Tokens.Method = strings.ToLower(strings.TrimSpace(cfg.Tokens.Method))

	out := make([]ModelConfig, 0, len(cfg.Models))
	for i := range cfg.Models {
		m := cfg.Models[i]
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			// Skip entries with no id; treated as removed
			continue
		}
		m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
		m.Adapter = strings.ToLower(strings.TrimSpace(m.Adapter))
		if m.Adapter == "" {
			m.Adapter = "openai-compat"
		}
		m.BaseURL = strings.TrimRight(strings.TrimSpace(m.BaseURL), "/")
		m.TaskTypes = normalizeList(m.TaskTypes, true)
		m.Credentials = normalizeList(m.Credentials, false)
		m.Fallbacks = normalizeList(m.Fallbacks, false)
		m.Performance.Speed = clampScore(m.Performance.Speed)
		m.Performance.Quality = clampScore(m.Performance.Quality)
		m.Performance.Reliability = clampScore(m.Performance.Reliability)
		out = append(out, m)
	}
	cfg.Models = out
}

// Validate reports configuration errors that cannot be sanitized away.
func (cfg *Config) Validate() error {
	seen := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("config: duplicate model id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	switch cfg.QueueBackend.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown queue-backend type %q", cfg.QueueBackend.Type)
	}
	switch cfg.Store.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store type %q", cfg.Store.Type)
	}
	return nil
}

func sanitizeQueue(q *QueueConfig, concurrency int) {
	if q.Concurrency <= 0 {
		q.Concurrency = concurrency
	}
	if q.RatePer <= 0 {
		q.RatePer = time.Second
	}
	if q.RateLimit < 0 {
		q.RateLimit = 0
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = DefaultMaxAttempts
	}
	if q.BackoffBase <= 0 {
		q.BackoffBase = DefaultBackoffBase
	}
}

// clampScore keeps a performance score within 1-10; zero means unset and becomes 5.
func clampScore(v int) int {
	switch {
	case v == 0:
		return 5
	case v < 1:
		return 1
	case v > 10:
		return 10
	}
	return v
}

func normalizeList(values []string, lower bool) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if lower {
			trimmed = strings.ToLower(trimmed)
		}
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
