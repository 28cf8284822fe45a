// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/traylinx/switchAIFlow/internal/buildinfo"
	"github.com/traylinx/switchAIFlow/internal/queue"
)

// HealthStatus represents the server health for API responses.
type HealthStatus struct {
	Status        string                 `json:"status"` // "ok", "warning", "error"
	Build         buildinfo.Info         `json:"build"`
	EnabledModels int                    `json:"enabled_models"`
	Queues        map[string]QueueStatus `json:"queues"`
	Warnings      []string               `json:"warnings,omitempty"`
	Errors        []string               `json:"errors,omitempty"`
}

// QueueStatus represents the backlog of one queue.
type QueueStatus struct {
	Ready       int `json:"ready"`
	InFlight    int `json:"in_flight"`
	DeadLetters int `json:"dead_letters"`
}

// health reports queue backlogs and model availability. It answers 503 only
// when the queue backend cannot be reached.
func (s *Server) health(c *gin.Context) {
	status := &HealthStatus{
		Status:   "ok",
		Build:    buildinfo.Current(),
		Queues:   make(map[string]QueueStatus),
		Warnings: []string{},
		Errors:   []string{},
	}

	for _, m := range s.deps.Registry.All() {
		if m.Enabled {
			status.EnabledModels++
		}
	}
	if status.EnabledModels == 0 {
		status.Warnings = append(status.Warnings, "no model is enabled; every task will be rejected")
	}

	if s.deps.Queue != nil {
		ctx := c.Request.Context()
		for _, name := range []string{queue.General, queue.Video} {
			ready, err := s.deps.Queue.Len(ctx, name)
			if err != nil {
				status.Errors = append(status.Errors, fmt.Sprintf("queue %s: %v", name, err))
				continue
			}
			inFlight, err := s.deps.Queue.InFlight(ctx, name)
			if err != nil {
				status.Errors = append(status.Errors, fmt.Sprintf("queue %s in flight: %v", name, err))
				continue
			}
			dead, err := s.deps.Queue.DeadLetters(ctx, name)
			if err != nil {
				status.Errors = append(status.Errors, fmt.Sprintf("queue %s dead letters: %v", name, err))
				continue
			}
			status.Queues[name] = QueueStatus{Ready: ready, InFlight: inFlight, DeadLetters: len(dead)}
			if len(dead) > 0 {
				status.Warnings = append(status.Warnings, fmt.Sprintf("queue %s has %d dead-lettered job(s)", name, len(dead)))
			}
		}
	}

	code := http.StatusOK
	switch {
	case len(status.Errors) > 0:
		status.Status = "error"
		code = http.StatusServiceUnavailable
	case len(status.Warnings) > 0:
		status.Status = "warning"
	}
	c.JSON(code, status)
}
