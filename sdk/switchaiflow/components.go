// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package switchaiflow

import (
	"context"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/adapter"
	"github.com/traylinx/switchAIFlow/internal/artifact"
	"github.com/traylinx/switchAIFlow/internal/audit"
	"github.com/traylinx/switchAIFlow/internal/chain"
	"github.com/traylinx/switchAIFlow/internal/credential"
	"github.com/traylinx/switchAIFlow/internal/hooks"
	"github.com/traylinx/switchAIFlow/internal/metrics"
	"github.com/traylinx/switchAIFlow/internal/orchestrator"
	"github.com/traylinx/switchAIFlow/internal/planner"
	"github.com/traylinx/switchAIFlow/internal/queue"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/store"
	"github.com/traylinx/switchAIFlow/internal/task"
	"github.com/traylinx/switchAIFlow/internal/tokens"
	"github.com/traylinx/switchAIFlow/internal/tracing"
	"github.com/traylinx/switchAIFlow/internal/worker"
)

const metricsSamples = 1000

func (s *Service) setupObservability(ctx context.Context) error {
	shutdown, err := tracing.Setup(ctx, s.cfg.Tracing.Endpoint, s.cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	s.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	s.metrics = metrics.New(metricsSamples)

	a := s.cfg.Audit
	s.audit, err = audit.NewLogger(audit.Config{
		Enabled:    a.Enabled,
		LogPath:    a.LogPath,
		MaxSizeMB:  a.MaxSizeMB,
		MaxBackups: a.MaxBackups,
		MaxAgeDays: a.MaxAgeDays,
		Compress:   a.Compress,
	})
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	s.onClose(s.audit.Close)

	s.bus = hooks.NewEventBus()
	s.onClose(func() error {
		s.bus.Shutdown()
		return nil
	})

	if s.cfg.Hooks.Enabled {
		m, err := hooks.NewHookManager(s.cfg.Hooks.Dir, s.bus)
		if err != nil {
			return err
		}
		if err := m.LoadHooks(); err != nil {
			log.Warnf("hooks: %v", err)
		}
		m.SubscribeToAllEvents()
		s.hookManager = m
		s.onClose(func() error {
			m.StopWatcher()
			m.Wait()
			return nil
		})
	}
	return nil
}

// setupModels registers adapters, then builds the registry so models whose
// adapter is missing come up disabled.
func (s *Service) setupModels() error {
	s.adapters = adapter.NewRegistry()
	s.adapters.Register(adapter.KindOpenAICompat, adapter.NewHTTPAdapter(nil))

	lua := adapter.NewLuaAdapter()
	s.adapters.Register(adapter.KindLua, lua)
	broken := make(map[string]string)
	for _, m := range s.cfg.Models {
		if m.Adapter != adapter.KindLua || m.Disabled {
			continue
		}
		if m.Script == "" {
			broken[m.ID] = "lua adapter requires a script"
			continue
		}
		if err := lua.Load(m.Script); err != nil {
			broken[m.ID] = err.Error()
		}
	}
	for kind, a := range s.extraAdapters {
		s.adapters.Register(kind, a)
	}

	s.registry = registry.FromConfig(s.cfg.Models, registry.Options{
		LookupEnv:        s.lookupEnv,
		AdapterAvailable: s.adapters.Has,
		Unavailable:      broken,
	})

	s.credentials = credential.NewPool(
		credential.WithPolicy(s.cfg.Credentials.FailureThreshold, s.cfg.Credentials.BlockDuration),
		credential.WithBlockHandler(s.credentialBlocked),
	)
	for _, m := range s.registry.All() {
		s.credentials.Register(m.ID, m.Credentials)
	}
	return nil
}

func (s *Service) credentialBlocked(model string, cred credential.Credential, until time.Time) {
	s.audit.LogCredentialBlocked(model, cred.Masked(), until)
	s.metrics.RecordCredentialBlocked(model)
	evt := hooks.NewEvent(hooks.EventCredentialBlocked)
	evt.Model = model
	evt.Data["key"] = cred.Masked()
	evt.Data["blocked_until"] = until
	s.bus.PublishAsync(evt)
}

func (s *Service) setupStorage(ctx context.Context) error {
	switch s.cfg.Store.Type {
	case "sqlite":
		repo, err := store.OpenSQLite(ctx, s.cfg.Store.DSN)
		if err != nil {
			return err
		}
		s.repo = repo
	case "postgres":
		repo, err := store.OpenPostgres(ctx, s.cfg.Store.DSN)
		if err != nil {
			return err
		}
		s.repo = repo
	default:
		s.repo = store.NewMemoryRepository()
	}
	if c, ok := s.repo.(io.Closer); ok {
		s.onClose(c.Close)
	}

	policies := queuePolicies(s.cfg)
	switch s.cfg.QueueBackend.Type {
	case "redis":
		b := s.cfg.QueueBackend
		q, err := queue.NewRedisQueue(queue.RedisConfig{
			Addr:     b.RedisAddr,
			Password: b.RedisPassword,
			DB:       b.RedisDB,
			Prefix:   b.KeyPrefix,
			Lease:    s.queueLease(),
		}, policies)
		if err != nil {
			return err
		}
		s.queue = q
	default:
		s.queue = queue.NewMemoryQueue(policies)
	}
	s.onClose(s.queue.Close)
	log.Infof("task store: %s, queue backend: %s", s.cfg.Store.Type, s.cfg.QueueBackend.Type)
	return nil
}

// queueLease covers a job that tries every configured model up to the attempt
// timeout, plus a minute of slack.
func (s *Service) queueLease() time.Duration {
	if s.cfg.QueueBackend.Lease > 0 {
		return s.cfg.QueueBackend.Lease
	}
	return s.cfg.Worker.AttemptTimeout*time.Duration(len(s.cfg.Models)) + time.Minute
}

func (s *Service) setupExecution(ctx context.Context) error {
	s.orchestrator = orchestrator.New(s.registry, s.repo, s.queue,
		orchestrator.WithQueuePolicies(queuePolicies(s.cfg)),
		orchestrator.WithEstimator(tokens.NewEstimator(s.cfg.Tokens.Method)),
		orchestrator.WithEventBus(s.bus),
		orchestrator.WithMetrics(s.metrics),
	)

	workerOpts := []worker.Option{
		worker.WithQueues(queueConfigs(s.cfg)...),
		worker.WithAttemptTimeout(s.cfg.Worker.AttemptTimeout),
		worker.WithAuditLogger(s.audit),
		worker.WithEventBus(s.bus),
		worker.WithMetrics(s.metrics),
	}
	if s.cfg.Artifacts.Enabled {
		objects, err := artifact.NewMinioStore(ctx, minioConfig(s.cfg.Artifacts))
		if err != nil {
			return fmt.Errorf("artifacts: %w", err)
		}
		workerOpts = append(workerOpts, worker.WithArtifactStore(objects))
	}
	s.workers = worker.NewPool(s.queue, s.repo, s.registry, s.credentials, s.adapters, workerOpts...)

	s.chains = chain.New(s.orchestrator, s.orchestrator,
		chain.WithPolling(s.cfg.Chain.PollInterval, s.cfg.Chain.StepTimeout),
		chain.WithEventBus(s.bus),
		chain.WithMetrics(s.metrics),
	)

	plannerOpts := []planner.Option{
		planner.WithImageTiers(s.cfg.Planner.ImageTiers),
		planner.WithEventBus(s.bus),
		planner.WithMetrics(s.metrics),
	}
	if s.cfg.Planner.Enabled {
		if m, ok := s.registry.Get(s.cfg.Planner.Model); ok && s.registry.IsEnabledFor(m.ID, task.TypeText) {
			plannerOpts = append(plannerOpts, planner.WithCompleter(adapter.NewCompleter(s.adapters, m, s.credentials), s.cfg.Planner.Timeout))
		} else {
			log.Warnf("planner: model %q is not an enabled text model; using heuristic planning only", s.cfg.Planner.Model)
		}
	}
	s.planner = planner.New(s.registry, plannerOpts...)
	return nil
}
