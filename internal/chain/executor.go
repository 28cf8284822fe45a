// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package chain executes multi-step chains. Steps run strictly in order; a
// step that depends on an earlier one receives that step's result merged into
// its input, and each step's task is polled until it reaches a terminal state.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/traylinx/switchAIFlow/internal/hooks"
	"github.com/traylinx/switchAIFlow/internal/metrics"
	"github.com/traylinx/switchAIFlow/internal/orchestrator"
	"github.com/traylinx/switchAIFlow/internal/task"
	"github.com/traylinx/switchAIFlow/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultPollInterval = time.Second
	DefaultStepTimeout  = 5 * time.Minute
)

// Router submits one step as a task.
type Router interface {
	RouteTask(ctx context.Context, ownerID string, request []byte, opts orchestrator.Options) (*task.Task, error)
}

// TaskReader reads the current state of a task.
type TaskReader interface {
	Task(ctx context.Context, id string) (*task.Task, error)
}

// StepResult is the outcome of one successful step.
type StepResult struct {
	Index  int             `json:"index"`
	TaskID string          `json:"task_id"`
	Type   task.TaskType   `json:"type"`
	Model  string          `json:"model"`
	Result json.RawMessage `json:"result"`
}

// Executor runs chains against the orchestrator.
type Executor struct {
	router       Router
	tasks        TaskReader
	pollInterval time.Duration
	stepTimeout  time.Duration
	bus          *hooks.EventBus
	metrics      *metrics.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolling overrides the poll interval and the per-step timeout.
func WithPolling(interval, timeout time.Duration) Option {
	return func(e *Executor) {
		if interval > 0 {
			e.pollInterval = interval
		}
		if timeout > 0 {
			e.stepTimeout = timeout
		}
	}
}

// WithEventBus publishes chain_step_completed and chain_failed events.
func WithEventBus(bus *hooks.EventBus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithMetrics counts chain outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor. The orchestrator satisfies both Router and TaskReader.
func New(router Router, tasks TaskReader, opts ...Option) *Executor {
	e := &Executor{
		router:       router,
		tasks:        tasks,
		pollInterval: DefaultPollInterval,
		stepTimeout:  DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every step of c in order and returns their results in step
// order. The first failing step aborts the chain; the error is a
// *task.StepError carrying its index.
func (e *Executor) Execute(ctx context.Context, ownerID string, c *task.Chain) (results []StepResult, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	ctx, span := tracing.Start(ctx, "chain.Execute",
		attribute.String("chain_id", c.ID), attribute.Int("steps", len(c.Steps)))
	defer func() { tracing.End(span, err) }()

	entry := log.WithField("chain_id", c.ID)
	entry.Infof("executing chain of %d step(s) (source=%s)", len(c.Steps), c.Source)

	results = make([]StepResult, 0, len(c.Steps))
	for i, step := range c.Steps {
		res, err := e.runStep(ctx, ownerID, c, i, step, results)
		if err != nil {
			e.metrics.RecordChain(false)
			entry.WithField("step", i).Warnf("chain aborted: %v", err)
			evt := hooks.NewEvent(hooks.EventChainFailed).WithError(err)
			evt.ChainID = c.ID
			evt.Data["step"] = i
			evt.Data["steps"] = len(c.Steps)
			var stepErr *task.StepError
			if errors.As(err, &stepErr) {
				evt.TaskID = stepErr.TaskID
			}
			e.bus.PublishAsync(evt)
			return nil, err
		}
		results = append(results, *res)

		evt := hooks.NewEvent(hooks.EventChainStepCompleted)
		evt.ChainID = c.ID
		evt.TaskID = res.TaskID
		evt.TaskType = string(res.Type)
		evt.Model = res.Model
		evt.Data["step"] = i
		evt.Data["steps"] = len(c.Steps)
		e.bus.PublishAsync(evt)
	}
	e.metrics.RecordChain(true)
	entry.Info("chain completed")
	return results, nil
}

func (e *Executor) runStep(ctx context.Context, ownerID string, c *task.Chain, i int, step task.Step, done []StepResult) (*StepResult, error) {
	var previous json.RawMessage
	if step.DependsOn != nil {
		k := *step.DependsOn
		if k >= len(done) {
			return nil, &task.StepError{Index: i, Err: fmt.Errorf("%w: dependency %d has no successful result", task.ErrInvalidChain, k)}
		}
		previous = done[k].Result
	}
	request, err := BuildRequest(step, previous)
	if err != nil {
		return nil, &task.StepError{Index: i, Err: err}
	}

	ctx, span := tracing.Start(ctx, "chain.step", attribute.Int("step", i), attribute.String("task_type", string(step.Type)))
	defer span.End()

	t, err := e.router.RouteTask(ctx, ownerID, request, orchestrator.Options{
		Priority: c.Priority,
		Budget:   c.Budget,
		Model:    step.Model,
	})
	if err != nil {
		return nil, &task.StepError{Index: i, Err: err}
	}
	log.WithFields(log.Fields{"chain_id": c.ID, "step": i, "task_id": t.ID, "model": t.Model}).Debug("step dispatched")

	final, err := e.await(ctx, t.ID)
	if err != nil {
		return nil, &task.StepError{Index: i, TaskID: t.ID, Err: err}
	}
	if final.Status != task.StatusSuccess {
		return nil, &task.StepError{Index: i, TaskID: t.ID, Err: errors.New(final.Error)}
	}
	return &StepResult{Index: i, TaskID: final.ID, Type: final.Type, Model: final.Model, Result: final.Result}, nil
}

// await polls task id until it is terminal or the step timeout elapses.
func (e *Executor) await(ctx context.Context, id string) (*task.Task, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(e.stepTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s", task.ErrStepTimeout, e.stepTimeout)
		case <-ticker.C:
		}
		t, err := e.tasks.Task(ctx, id)
		if errors.Is(err, task.ErrTaskNotFound) {
			return nil, err
		}
		if err != nil {
			log.WithField("task_id", id).Warnf("chain: poll task: %v", err)
			continue
		}
		if t.Status.IsTerminal() {
			return t, nil
		}
	}
}

// textPaths locate the text output of a dependency result.
var textPaths = []string{"content", "text", "output", "choices.0.message.content", "choices.0.text"}

func resultText(result json.RawMessage) string {
	for _, path := range textPaths {
		if v := gjson.GetBytes(result, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// BuildRequest turns a step into the request routed for it. Object inputs are
// kept as-is, a string input becomes the prompt and any other value is kept
// under "input". The dependency result, when present, is stored whole under
// "previousResult" and a missing prompt is taken from its text output. The
// step's type is written as "taskType" and replaces any "type" in the input;
// the model hint is written as "model".
func BuildRequest(step task.Step, previous json.RawMessage) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	input := gjson.ParseBytes(step.Input)
	switch {
	case len(step.Input) == 0 || input.Type == gjson.Null:
	case input.IsObject():
		if err := gojson.Unmarshal(step.Input, &fields); err != nil {
			return nil, fmt.Errorf("decode step input: %w", err)
		}
	case input.Type == gjson.String:
		fields["prompt"] = json.RawMessage(input.Raw)
	default:
		if !gjson.ValidBytes(step.Input) {
			return nil, fmt.Errorf("step input is not valid JSON")
		}
		fields["input"] = json.RawMessage(input.Raw)
	}

	if len(previous) > 0 && gjson.ValidBytes(previous) {
		if _, set := fields["prompt"]; !set {
			if text := resultText(previous); text != "" {
				fields["prompt"], _ = gojson.Marshal(text)
			}
		}
		fields["previousResult"] = previous
	}

	delete(fields, "type")
	typ, _ := gojson.Marshal(string(step.Type))
	fields["taskType"] = typ
	if step.Model != "" {
		model, _ := gojson.Marshal(step.Model)
		fields["model"] = model
	}
	return gojson.Marshal(fields)
}
