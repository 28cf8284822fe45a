// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides holds settings that environment variables may override after the
// YAML file is loaded.
type EnvOverrides struct {
	Host            string `env:"SWITCHAIFLOW_HOST"`
	Port            int    `env:"SWITCHAIFLOW_PORT"`
	Debug           *bool  `env:"SWITCHAIFLOW_DEBUG"`
	StoreType       string `env:"SWITCHAIFLOW_STORE"`
	StoreDSN        string `env:"SWITCHAIFLOW_STORE_DSN"`
	QueueBackend    string `env:"SWITCHAIFLOW_QUEUE"`
	RedisAddr       string `env:"SWITCHAIFLOW_REDIS_ADDR"`
	RedisPassword   string `env:"SWITCHAIFLOW_REDIS_PASSWORD"`
	TracingEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// ParseEnv loads overrides from environment variables.
func ParseEnv() (EnvOverrides, error) {
	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return overrides, fmt.Errorf("parse env: %w", err)
	}
	return overrides, nil
}

// ApplyEnv copies every set override into cfg and re-sanitizes it.
func (cfg *Config) ApplyEnv(o EnvOverrides) {
	if o.Host != "" {
		cfg.Host = o.Host
	}
	if o.Port > 0 {
		cfg.Port = o.Port
	}
	if o.Debug != nil {
		cfg.Debug = *o.Debug
	}
	if o.StoreType != "" {
		cfg.Store.Type = o.StoreType
	}
	if o.StoreDSN != "" {
		cfg.Store.DSN = o.StoreDSN
	}
	if o.QueueBackend != "" {
		cfg.QueueBackend.Type = o.QueueBackend
	}
	if o.RedisAddr != "" {
		cfg.QueueBackend.RedisAddr = o.RedisAddr
	}
	if o.RedisPassword != "" {
		cfg.QueueBackend.RedisPassword = o.RedisPassword
	}
	if o.TracingEndpoint != "" {
		cfg.Tracing.Endpoint = o.TracingEndpoint
	}
	cfg.Sanitize()
}

// CredentialEnvName returns the variable holding comma-separated keys for m.
func (m ModelConfig) CredentialEnvName() string {
	if name := strings.TrimSpace(m.CredentialEnv); name != "" {
		return name
	}
	provider := m.Provider
	if provider == "" {
		provider = m.ID
	}
	replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return strings.ToUpper(replacer.Replace(provider)) + "_API_KEYS"
}

// ResolveCredentials returns the inline credentials followed by the keys found in
// the model's credential environment variable, deduplicated in order. lookup
// defaults to os.LookupEnv.
func (m ModelConfig) ResolveCredentials(lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	keys := append([]string(nil), m.Credentials...)
	if raw, ok := lookup(m.CredentialEnvName()); ok {
		keys = append(keys, strings.Split(raw, ",")...)
	}
	return normalizeList(keys, false)
}
