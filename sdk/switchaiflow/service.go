// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package switchaiflow wires the orchestration components from configuration
// so external programs can embed the server.
package switchaiflow

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/adapter"
	"github.com/traylinx/switchAIFlow/internal/api"
	"github.com/traylinx/switchAIFlow/internal/artifact"
	"github.com/traylinx/switchAIFlow/internal/audit"
	"github.com/traylinx/switchAIFlow/internal/chain"
	"github.com/traylinx/switchAIFlow/internal/config"
	"github.com/traylinx/switchAIFlow/internal/credential"
	"github.com/traylinx/switchAIFlow/internal/hooks"
	"github.com/traylinx/switchAIFlow/internal/metrics"
	"github.com/traylinx/switchAIFlow/internal/orchestrator"
	"github.com/traylinx/switchAIFlow/internal/planner"
	"github.com/traylinx/switchAIFlow/internal/queue"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/store"
	"github.com/traylinx/switchAIFlow/internal/worker"
)

// Service owns every component built from one configuration.
type Service struct {
	cfg *config.Config

	// lookupEnv resolves credential variables; nil means os.LookupEnv.
	lookupEnv func(string) (string, bool)
	// extraAdapters are registered before the model registry is built.
	extraAdapters map[string]adapter.Adapter

	metrics     *metrics.Metrics
	audit       *audit.Logger
	bus         *hooks.EventBus
	hookManager *hooks.HookManager

	adapters     *adapter.Registry
	registry     *registry.ModelRegistry
	credentials  *credential.Pool
	repo         store.Repository
	queue        queue.Queue
	orchestrator *orchestrator.Orchestrator
	workers      *worker.Pool
	chains       *chain.Executor
	planner      *planner.Planner
	server       *api.Server

	// closers run in reverse order on shutdown.
	closers []func() error

	shutdownOnce sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithLookupEnv overrides how credential environment variables are read.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(s *Service) { s.lookupEnv = lookup }
}

// WithAdapter registers an extra execution adapter kind.
func WithAdapter(kind string, a adapter.Adapter) Option {
	return func(s *Service) {
		if s.extraAdapters == nil {
			s.extraAdapters = make(map[string]adapter.Adapter)
		}
		s.extraAdapters[kind] = a
	}
}

// New builds every component described by cfg. Nothing runs until Run or
// ExecuteChain is called. On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (svc *Service, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("switchaiflow: config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if err := s.setupObservability(ctx); err != nil {
		return nil, err
	}
	if err := s.setupModels(); err != nil {
		return nil, err
	}
	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupExecution(ctx); err != nil {
		return nil, err
	}

	s.server = api.NewServer(cfg, api.Deps{
		Orchestrator: s.orchestrator,
		Planner:      s.planner,
		Chains:       s.chains,
		Registry:     s.registry,
		Credentials:  s.credentials,
		Queue:        s.queue,
		Metrics:      s.metrics,
	})
	return s, nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Orchestrator returns the task router.
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orchestrator }

// Planner returns the chain planner.
func (s *Service) Planner() *planner.Planner { return s.planner }

// Chains returns the chain executor.
func (s *Service) Chains() *chain.Executor { return s.chains }

// Registry returns the model registry.
func (s *Service) Registry() *registry.ModelRegistry { return s.registry }

// EventBus returns the lifecycle event bus.
func (s *Service) EventBus() *hooks.EventBus { return s.bus }

// Metrics returns the metrics collector.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

func (s *Service) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warnf("switchaiflow: close: %v", err)
		}
	}
	s.closers = nil
}

// queueConfigs maps configuration onto worker queue settings.
func queueConfigs(cfg *config.Config) []worker.QueueConfig {
	return []worker.QueueConfig{
		{Name: queue.General, Concurrency: cfg.Queues.General.Concurrency, RateLimit: cfg.Queues.General.RateLimit, RatePer: cfg.Queues.General.RatePer},
		{Name: queue.Video, Concurrency: cfg.Queues.Video.Concurrency, RateLimit: cfg.Queues.Video.RateLimit, RatePer: cfg.Queues.Video.RatePer},
	}
}

func queuePolicies(cfg *config.Config) map[string]queue.Policy {
	return map[string]queue.Policy{
		queue.General: {MaxAttempts: cfg.Queues.General.MaxAttempts, BackoffBase: cfg.Queues.General.BackoffBase},
		queue.Video:   {MaxAttempts: cfg.Queues.Video.MaxAttempts, BackoffBase: cfg.Queues.Video.BackoffBase},
	}
}

func minioConfig(a config.ArtifactConfig) artifact.MinioConfig {
	return artifact.MinioConfig{
		Endpoint:      a.Endpoint,
		Bucket:        a.Bucket,
		AccessKey:     a.AccessKey,
		SecretKey:     a.SecretKey,
		UseSSL:        a.UseSSL,
		PublicBaseURL: a.PublicBaseURL,
	}
}
