// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/traylinx/switchAIFlow/internal/logging"
	"github.com/traylinx/switchAIFlow/internal/orchestrator"
	"github.com/traylinx/switchAIFlow/internal/planner"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// OwnerHeader identifies the caller when the body does not.
const OwnerHeader = "X-Owner-ID"

type createTaskRequest struct {
	OwnerID  string          `json:"owner_id"`
	Priority string          `json:"priority"`
	Budget   string          `json:"budget"`
	Model    string          `json:"model"`
	Request  json.RawMessage `json:"request"`
}

func (s *Server) createTask(c *gin.Context) {
	var body createTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if len(body.Request) == 0 || string(body.Request) == "null" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request is required"})
		return
	}

	opts := orchestrator.Options{Model: strings.TrimSpace(body.Model)}
	if body.Priority != "" {
		p, ok := task.ParsePriority(body.Priority)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown priority " + body.Priority})
			return
		}
		opts.Priority = p
	}
	if body.Budget != "" {
		b, ok := task.ParseBudget(body.Budget)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown budget " + body.Budget})
			return
		}
		opts.Budget = b
	}

	t, err := s.deps.Orchestrator.RouteTask(c.Request.Context(), owner(c, body.OwnerID), body.Request, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, t)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.deps.Orchestrator.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) createPlan(c *gin.Context) {
	var req planner.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "goal is required"})
		return
	}
	if c.Query("mode") == planner.SourceHeuristic {
		c.JSON(http.StatusOK, s.deps.Planner.Heuristic(req))
		return
	}
	c.JSON(http.StatusOK, s.deps.Planner.Plan(c.Request.Context(), req))
}

type runChainRequest struct {
	OwnerID string `json:"owner_id"`
	// Chain is executed as given. When absent, Plan is planned first.
	Chain *task.Chain      `json:"chain"`
	Plan  *planner.Request `json:"plan"`
}

// runChain executes a chain synchronously and returns every step result.
func (s *Server) runChain(c *gin.Context) {
	var body runChainRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	ch := body.Chain
	switch {
	case ch != nil:
	case body.Plan != nil && strings.TrimSpace(body.Plan.Goal) != "":
		ch = s.deps.Planner.Plan(c.Request.Context(), *body.Plan)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "chain or plan.goal is required"})
		return
	}

	results, err := s.deps.Chains.Execute(c.Request.Context(), owner(c, body.OwnerID), ch)
	if err != nil {
		logging.FromContext(c).WithField("chain_id", ch.ID).Warnf("chain failed: %v", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain": ch, "results": results})
}

type modelView struct {
	*registry.Model
	AvailableCredentials int `json:"available_credentials"`
}

func (s *Server) listModels(c *gin.Context) {
	models := s.deps.Registry.All()
	data := make([]modelView, 0, len(models))
	for _, m := range models {
		data = append(data, modelView{Model: m, AvailableCredentials: s.deps.Credentials.Available(m.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) modelCredentials(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.deps.Registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown model " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": id, "credentials": s.deps.Credentials.Stats(id)})
}

// stats returns the metrics snapshot enriched with calculated rates.
func (s *Server) stats(c *gin.Context) {
	if s.deps.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics disabled"})
		return
	}
	snapshot := s.deps.Metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"stats":                snapshot,
		"success_rate_percent": snapshot.SuccessRate(),
	})
}

func owner(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := c.GetHeader(OwnerHeader); h != "" {
		return h
	}
	return "anonymous"
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var stepErr *task.StepError
	switch {
	case errors.As(err, &stepErr):
		body := gin.H{"error": err.Error(), "step": stepErr.Index}
		if stepErr.TaskID != "" {
			body["task_id"] = stepErr.TaskID
		}
		status := http.StatusUnprocessableEntity
		if errors.Is(err, task.ErrStepTimeout) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, body)
	case errors.Is(err, task.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrInvalidChain):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrNoAvailableModel):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		logging.FromContext(c).Errorf("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
