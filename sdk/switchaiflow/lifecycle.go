// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package switchaiflow

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/chain"
	"github.com/traylinx/switchAIFlow/internal/task"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Run starts the worker pool and the HTTP server and blocks until ctx is
// cancelled or one of them fails. Everything is shut down before it returns.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("switchaiflow: service is nil")
	}

	if s.hookManager != nil && s.cfg.Hooks.Watch {
		if err := s.hookManager.StartWatcher(); err != nil {
			log.Warnf("hooks: watcher disabled: %v", err)
		}
	}

	workersDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(workersDone)
		return s.workers.Run(gctx)
	})
	g.Go(s.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// In-flight jobs hand themselves back to the queue, so it must
		// outlive the workers.
		select {
		case <-workersDone:
		case <-shutdownCtx.Done():
			log.Warn("workers did not stop before the shutdown deadline")
		}
		return s.Shutdown(shutdownCtx)
	})

	log.Infof("switchaiflow running: %d model(s) enabled", s.enabledModels())
	return g.Wait()
}

// ExecuteChain runs c with workers started for the duration of the call. It
// serves one-shot runs without the HTTP server.
func (s *Service) ExecuteChain(ctx context.Context, ownerID string, c *task.Chain) ([]chain.StepResult, error) {
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.workers.Run(wctx) }()

	results, err := s.chains.Execute(ctx, ownerID, c)
	cancel()
	if werr := <-done; werr != nil {
		log.Warnf("workers stopped: %v", werr)
	}
	return results, err
}

// Shutdown stops the server and closes every component. It is safe to call
// more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if s.server != nil {
			if err := s.server.Stop(ctx); err != nil {
				log.Errorf("error stopping API server: %v", err)
				shutdownErr = err
			}
		}
		s.close()
	})
	return shutdownErr
}

func (s *Service) enabledModels() int {
	n := 0
	for _, m := range s.registry.All() {
		if m.Enabled {
			n++
		}
	}
	return n
}
