// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package orchestrator turns inbound requests into persisted tasks and queued
// jobs: it classifies the request, selects a model and its fallback cascade,
// estimates the cost and enqueues the job on the queue serving the task type.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/traylinx/switchAIFlow/internal/classifier"
	"github.com/traylinx/switchAIFlow/internal/hooks"
	"github.com/traylinx/switchAIFlow/internal/metrics"
	"github.com/traylinx/switchAIFlow/internal/queue"
	"github.com/traylinx/switchAIFlow/internal/recommender"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/store"
	"github.com/traylinx/switchAIFlow/internal/task"
	"github.com/traylinx/switchAIFlow/internal/tokens"
	"github.com/traylinx/switchAIFlow/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Options are the per-request routing knobs.
type Options struct {
	// Priority defaults to normal.
	Priority task.Priority
	// Budget defaults to medium.
	Budget task.Budget
	// Model pins a model. When empty, the request's "model" field is used.
	// A pin naming a model that is not enabled for the task type is ignored.
	Model string
}

// Orchestrator routes requests. It is safe for concurrent use.
type Orchestrator struct {
	registry  *registry.ModelRegistry
	repo      store.Repository
	queue     queue.Queue
	policies  map[string]queue.Policy
	estimator *tokens.Estimator
	bus       *hooks.EventBus
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithQueuePolicies sets the retry policy copied onto jobs of each queue.
func WithQueuePolicies(p map[string]queue.Policy) Option {
	return func(o *Orchestrator) { o.policies = p }
}

// WithEstimator sets the token estimator used for cost estimates.
func WithEstimator(e *tokens.Estimator) Option {
	return func(o *Orchestrator) { o.estimator = e }
}

// WithEventBus publishes task_created events on bus.
func WithEventBus(bus *hooks.EventBus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithMetrics records routed tasks on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides the task id generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// New creates an Orchestrator over its collaborators.
func New(reg *registry.ModelRegistry, repo store.Repository, q queue.Queue, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		repo:      repo,
		queue:     q,
		estimator: tokens.NewEstimator(tokens.MethodSimple),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RouteTask classifies request, selects its model and fallback list, persists a
// pending Task and enqueues its Job. It fails with task.ErrNoAvailableModel when
// no enabled model supports the task type.
func (o *Orchestrator) RouteTask(ctx context.Context, ownerID string, request []byte, opts Options) (t *task.Task, err error) {
	taskType := classifier.Classify(request)
	ctx, span := tracing.Start(ctx, "orchestrator.RouteTask", attribute.String("task_type", string(taskType)))
	defer func() { tracing.End(span, err) }()

	priority := opts.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}
	budget := opts.Budget
	if budget == "" {
		budget = task.BudgetMedium
	}

	primary, fallbacks, err := o.selectModels(taskType, priority, budget, o.modelHint(request, opts))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("model", primary.ID))

	t = &task.Task{
		ID:             o.newID(),
		OwnerID:        ownerID,
		Type:           taskType,
		Priority:       priority,
		Status:         task.StatusPending,
		Model:          primary.ID,
		FallbackModels: fallbacks,
		Request:        append(json.RawMessage(nil), request...),
		MaxRetries:     len(fallbacks),
		EstimatedCost:  o.estimateCost(primary, taskType, request),
		CreatedAt:      o.now().UTC(),
	}
	if err := o.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	job := &task.Job{
		ID:             o.newID(),
		TaskID:         t.ID,
		OwnerID:        ownerID,
		Type:           taskType,
		Request:        t.Request,
		Model:          t.Model,
		FallbackModels: t.FallbackModels,
		Priority:       priority.Value(),
		Queue:          queue.ForTaskType(taskType),
		MaxAttempts:    o.policies[queue.ForTaskType(taskType)].MaxAttempts,
		EnqueuedAt:     t.CreatedAt,
	}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		o.abandon(ctx, t, err)
		return nil, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}

	log.WithFields(log.Fields{
		"task_id": t.ID,
		"model":   t.Model,
		"queue":   job.Queue,
	}).Debugf("routed %s task (fallbacks=%v, est. cost=%.4f)", taskType, fallbacks, t.EstimatedCost)

	o.metrics.RecordTaskCreated(string(taskType))
	evt := hooks.NewEvent(hooks.EventTaskCreated)
	evt.TaskID = t.ID
	evt.TaskType = string(taskType)
	evt.Model = t.Model
	evt.Data["owner_id"] = ownerID
	evt.Data["priority"] = string(priority)
	evt.Data["queue"] = job.Queue
	evt.Data["estimated_cost"] = t.EstimatedCost
	o.bus.PublishAsync(evt)

	return t.Clone(), nil
}

// Task returns the current state of a task.
func (o *Orchestrator) Task(ctx context.Context, id string) (*task.Task, error) {
	return o.repo.FindByID(ctx, id)
}

func (o *Orchestrator) modelHint(request []byte, opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	if gjson.ValidBytes(request) {
		if v := gjson.GetBytes(request, "model"); v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func (o *Orchestrator) selectModels(t task.TaskType, p task.Priority, b task.Budget, hint string) (*registry.Model, []string, error) {
	candidates := o.registry.EnabledFor(t)
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w for task type %s", task.ErrNoAvailableModel, t)
	}

	if hint != "" {
		if o.registry.IsEnabledFor(hint, t) {
			m, _ := o.registry.Get(hint)
			return m, recommender.FallbackList(m, t, candidates), nil
		}
		log.Debugf("orchestrator: model hint %q not enabled for %s, recommending instead", hint, t)
	}

	rec, err := recommender.Recommend(t, p, b, candidates)
	if err != nil {
		return nil, nil, err
	}
	return rec.Primary, rec.Fallbacks, nil
}

// abandon marks a task whose job could not be enqueued as failed so it does
// not stay pending forever.
func (o *Orchestrator) abandon(ctx context.Context, t *task.Task, cause error) {
	now := o.now().UTC()
	failed := t.Clone()
	failed.Status = task.StatusFailed
	failed.Error = "enqueue failed: " + cause.Error()
	failed.CompletedAt = &now
	if err := o.repo.Update(ctx, failed); err != nil {
		log.WithField("task_id", t.ID).Errorf("orchestrator: mark unqueued task failed: %v", err)
	}
}
