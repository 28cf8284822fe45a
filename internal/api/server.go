// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the orchestration core over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/chain"
	"github.com/traylinx/switchAIFlow/internal/config"
	"github.com/traylinx/switchAIFlow/internal/credential"
	"github.com/traylinx/switchAIFlow/internal/logging"
	"github.com/traylinx/switchAIFlow/internal/metrics"
	"github.com/traylinx/switchAIFlow/internal/orchestrator"
	"github.com/traylinx/switchAIFlow/internal/planner"
	"github.com/traylinx/switchAIFlow/internal/queue"
	"github.com/traylinx/switchAIFlow/internal/registry"
)

// Deps are the components served by the API.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Planner      *planner.Planner
	Chains       *chain.Executor
	Registry     *registry.ModelRegistry
	Credentials  *credential.Pool
	Queue        queue.Queue
	Metrics      *metrics.Metrics
}

// Server is the HTTP front end.
type Server struct {
	engine *gin.Engine
	server *http.Server
	deps   Deps
}

// NewServer builds the gin engine and registers every route.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), logging.RequestLogger())

	s := &Server{engine: engine, deps: deps}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks/:id", s.getTask)
		v1.POST("/plans", s.createPlan)
		v1.POST("/chains", s.runChain)
		v1.GET("/models", s.listModels)
		v1.GET("/models/:id/credentials", s.modelCredentials)
		v1.GET("/stats", s.stats)
	}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	return s.server.Shutdown(ctx)
}
