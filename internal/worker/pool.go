// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package worker consumes queued jobs and executes each task against its
// attempt list: the primary model first, then every fallback in order, until
// one succeeds or the list is exhausted.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/traylinx/switchAIFlow/internal/adapter"
	"github.com/traylinx/switchAIFlow/internal/artifact"
	"github.com/traylinx/switchAIFlow/internal/audit"
	"github.com/traylinx/switchAIFlow/internal/credential"
	"github.com/traylinx/switchAIFlow/internal/hooks"
	"github.com/traylinx/switchAIFlow/internal/metrics"
	"github.com/traylinx/switchAIFlow/internal/queue"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/store"
	"github.com/traylinx/switchAIFlow/internal/task"
	"github.com/traylinx/switchAIFlow/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultAttemptTimeout bounds one adapter call when none is configured.
const DefaultAttemptTimeout = 2 * time.Minute

// QueueConfig sizes the consumers of one queue.
type QueueConfig struct {
	Name        string
	Concurrency int
	// RateLimit is the maximum number of job starts per RatePer. Zero means
	// unlimited.
	RateLimit int
	RatePer   time.Duration
}

// Pool runs the consumers of every configured queue.
type Pool struct {
	queue          queue.Queue
	repo           store.Repository
	registry       *registry.ModelRegistry
	creds          *credential.Pool
	adapters       *adapter.Registry
	queues         []QueueConfig
	attemptTimeout time.Duration
	artifacts      artifact.Store
	audit          *audit.Logger
	bus            *hooks.EventBus
	metrics        *metrics.Metrics
	now            func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithQueues sets the consumed queues. By default one consumer serves each of
// the general and video queues.
func WithQueues(qs ...QueueConfig) Option {
	return func(p *Pool) { p.queues = qs }
}

// WithAttemptTimeout bounds each adapter call.
func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.attemptTimeout = d
		}
	}
}

// WithArtifactStore offloads inline binary results to s.
func WithArtifactStore(s artifact.Store) Option {
	return func(p *Pool) { p.artifacts = s }
}

// WithAuditLogger records fallback and exhaustion decisions.
func WithAuditLogger(l *audit.Logger) Option {
	return func(p *Pool) { p.audit = l }
}

// WithEventBus publishes task lifecycle events.
func WithEventBus(bus *hooks.EventBus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithMetrics records attempts and task outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool creates a worker pool over its collaborators.
func NewPool(q queue.Queue, repo store.Repository, reg *registry.ModelRegistry, creds *credential.Pool, adapters *adapter.Registry, opts ...Option) *Pool {
	p := &Pool{
		queue:    q,
		repo:     repo,
		registry: reg,
		creds:    creds,
		adapters: adapters,
		queues: []QueueConfig{
			{Name: queue.General, Concurrency: 1},
			{Name: queue.Video, Concurrency: 1},
		},
		attemptTimeout: DefaultAttemptTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts Concurrency consumers per queue and blocks until ctx is cancelled
// or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, qc := range p.queues {
		qc := qc
		limiter := newLimiter(qc)
		n := qc.Concurrency
		if n < 1 {
			n = 1
		}
		log.Infof("worker: starting %d consumer(s) on queue %s", n, qc.Name)
		for i := 0; i < n; i++ {
			id := i
			g.Go(func() error { return p.consume(ctx, qc.Name, id, limiter) })
		}
	}
	return g.Wait()
}

func newLimiter(qc QueueConfig) *rate.Limiter {
	if qc.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	per := qc.RatePer
	if per <= 0 {
		per = time.Second
	}
	return rate.NewLimiter(rate.Every(per/time.Duration(qc.RateLimit)), qc.RateLimit)
}

func (p *Pool) consume(ctx context.Context, name string, id int, limiter *rate.Limiter) error {
	entry := log.WithFields(log.Fields{"queue": name, "consumer": id})
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		job, err := p.queue.Dequeue(ctx, name)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				entry.Debug("consumer stopped")
				return nil
			}
			entry.Warnf("dequeue failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		p.Process(ctx, job)
	}
}

// Process executes one delivered job. It always settles the job: acked once
// the task reaches a terminal status (or already had one), retried on
// repository errors and panics.
func (p *Pool) Process(ctx context.Context, job *task.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("task_id", job.TaskID).Errorf("worker: panic processing job %s: %v\n%s", job.ID, r, debug.Stack())
			p.retry(ctx, job, fmt.Errorf("panic: %v", r))
		}
	}()

	entry := log.WithFields(log.Fields{"task_id": job.TaskID, "job_id": job.ID, "delivery": job.Attempt})

	t, err := p.repo.FindByID(ctx, job.TaskID)
	if errors.Is(err, task.ErrTaskNotFound) {
		entry.Warn("worker: dropping job of unknown task")
		p.ack(ctx, job)
		return
	}
	if err != nil {
		p.retry(ctx, job, fmt.Errorf("load task: %w", err))
		return
	}
	if t.Status.IsTerminal() {
		entry.Debugf("worker: task already %s, skipping redelivery", t.Status)
		p.ack(ctx, job)
		return
	}

	startedAt := p.now()
	if t.Status == task.StatusPending {
		t.Status = task.StatusRunning
		started := startedAt.UTC()
		t.StartedAt = &started
		if err := p.repo.Update(ctx, t); err != nil {
			p.settleUpdateError(ctx, job, err)
			return
		}
	}
	p.metrics.RecordTaskStarted()
	defer p.metrics.RecordTaskReleased()
	evt := p.event(hooks.EventTaskStarted, t)
	evt.Data["delivery"] = job.Attempt
	p.bus.PublishAsync(evt)

	ctx, span := tracing.Start(ctx, "worker.Process",
		attribute.String("task_id", t.ID), attribute.String("task_type", string(t.Type)))
	defer span.End()

	attempts := t.AttemptList()
	var lastErr error
	for i := t.RetryCount; i < len(attempts); i++ {
		modelID := attempts[i]
		t.RetryCount = i

		result, err := p.attempt(ctx, t, modelID)
		if err == nil {
			p.succeed(ctx, job, t, modelID, result, startedAt)
			return
		}
		if ctx.Err() != nil {
			// Shutting down: leave the task running so redelivery resumes here.
			p.retry(context.WithoutCancel(ctx), job, ctx.Err())
			return
		}

		lastErr = err
		p.metrics.RecordAttempt(modelID, false)
		entry.WithField("model", modelID).Warnf("worker: attempt %d/%d failed: %v", i+1, len(attempts), err)
		failed := p.event(hooks.EventAttemptFailed, t).WithError(err)
		failed.Model = modelID
		failed.Data["attempt"] = i + 1
		failed.Data["remaining"] = len(attempts) - i - 1
		p.bus.PublishAsync(failed)

		if i+1 < len(attempts) {
			next := attempts[i+1]
			p.audit.LogFallback(t.ID, modelID, next, i+1, err.Error())
			p.metrics.RecordFallback()
			t.RetryCount = i + 1
			if err := p.repo.Update(ctx, t); err != nil {
				entry.Warnf("worker: persist retry count: %v", err)
			}
		}
	}

	p.fail(ctx, job, t, attempts, lastErr, startedAt)
}

// attempt runs one candidate model and returns its JSON result.
func (p *Pool) attempt(ctx context.Context, t *task.Task, modelID string) (out []byte, err error) {
	m, ok := p.registry.Get(modelID)
	if !ok || !m.Enabled {
		return nil, fmt.Errorf("%s: %w: model not enabled", modelID, task.ErrModelExecution)
	}
	cred, ok := p.creds.Next(modelID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", modelID, task.ErrNoAvailableCredential)
	}
	a, err := p.adapters.Resolve(m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", modelID, task.ErrModelExecution, err)
	}

	actx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()
	actx, span := tracing.Start(actx, "worker.attempt",
		attribute.String("model", modelID), attribute.Int("credential", cred.Index))
	defer func() { tracing.End(span, err) }()

	out, err = a.Execute(actx, adapter.Call{
		Model:      m,
		TaskType:   t.Type,
		Request:    t.Request,
		Credential: cred,
	})
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("attempt timed out after %s: %w", p.attemptTimeout, err)
		}
		p.creds.RecordFailure(cred)
		return nil, fmt.Errorf("%s: %w: %w", modelID, task.ErrModelExecution, err)
	}
	p.creds.RecordSuccess(cred)
	return normalizeResult(out), nil
}

func normalizeResult(out []byte) []byte {
	if gjson.ValidBytes(out) {
		return out
	}
	wrapped, err := sjson.SetBytes([]byte(`{}`), "content", strings.TrimSpace(string(out)))
	if err != nil {
		return []byte(`{}`)
	}
	return wrapped
}

func (p *Pool) succeed(ctx context.Context, job *task.Job, t *task.Task, modelID string, result []byte, startedAt time.Time) {
	if p.artifacts != nil {
		offloaded, err := artifact.Offload(ctx, p.artifacts, t.ID, result)
		if err != nil {
			log.WithField("task_id", t.ID).Warnf("worker: artifact offload failed, keeping inline data: %v", err)
		} else {
			result = offloaded
		}
	}

	completed := p.now().UTC()
	t.Status = task.StatusSuccess
	t.Model = modelID
	t.Result = result
	t.Error = ""
	t.CompletedAt = &completed
	if err := p.repo.Update(ctx, t); err != nil {
		p.settleUpdateError(ctx, job, err)
		return
	}
	p.ack(ctx, job)

	elapsed := p.now().Sub(startedAt)
	p.metrics.RecordAttempt(modelID, true)
	p.metrics.RecordTaskFinished(string(t.Type), true, elapsed)
	log.WithFields(log.Fields{"task_id": t.ID, "model": modelID, "retry_count": t.RetryCount}).
		Infof("task succeeded in %s", elapsed.Round(time.Millisecond))

	evt := p.event(hooks.EventTaskSucceeded, t)
	evt.Data["retry_count"] = t.RetryCount
	evt.Data["duration_ms"] = elapsed.Milliseconds()
	p.bus.PublishAsync(evt)
}

func (p *Pool) fail(ctx context.Context, job *task.Job, t *task.Task, attempts []string, lastErr error, startedAt time.Time) {
	if lastErr == nil {
		lastErr = errors.New("no attempt was made")
	}
	completed := p.now().UTC()
	t.Status = task.StatusFailed
	t.Error = fmt.Sprintf("%v: %v", lastErr, task.ErrAllModelsExhausted)
	t.CompletedAt = &completed
	if err := p.repo.Update(ctx, t); err != nil {
		p.settleUpdateError(ctx, job, err)
		return
	}
	p.ack(ctx, job)

	p.audit.LogExhausted(t.ID, attempts, lastErr.Error())
	p.metrics.RecordTaskFinished(string(t.Type), false, p.now().Sub(startedAt))
	log.WithFields(log.Fields{"task_id": t.ID, "retry_count": t.RetryCount}).Errorf("task failed: %s", t.Error)

	evt := p.event(hooks.EventTaskFailed, t).WithError(fmt.Errorf("%w: %w", lastErr, task.ErrAllModelsExhausted))
	evt.Data["attempts"] = attempts
	p.bus.PublishAsync(evt)
}

// settleUpdateError acks jobs whose task was finished elsewhere and retries
// the rest.
func (p *Pool) settleUpdateError(ctx context.Context, job *task.Job, err error) {
	if errors.Is(err, store.ErrTaskTerminal) {
		log.WithField("task_id", job.TaskID).Debug("worker: task finished concurrently")
		p.ack(ctx, job)
		return
	}
	p.retry(ctx, job, fmt.Errorf("update task: %w", err))
}

func (p *Pool) ack(ctx context.Context, job *task.Job) {
	if err := p.queue.Ack(ctx, job); err != nil {
		log.WithField("task_id", job.TaskID).Warnf("worker: ack job %s: %v", job.ID, err)
	}
}

// retry hands the job back to the queue. A dead-lettered job marks its task
// failed so pollers do not wait forever.
func (p *Pool) retry(ctx context.Context, job *task.Job, cause error) {
	dead, err := p.queue.Retry(ctx, job, cause)
	if err != nil {
		log.WithField("task_id", job.TaskID).Errorf("worker: requeue job %s: %v", job.ID, err)
		return
	}
	if !dead {
		return
	}
	p.audit.LogDeadLettered(job.TaskID, job.Queue, job.Attempt, cause.Error())

	t, err := p.repo.FindByID(ctx, job.TaskID)
	if err != nil || t.Status.IsTerminal() {
		return
	}
	completed := p.now().UTC()
	t.Status = task.StatusFailed
	t.Error = "dead-lettered: " + cause.Error()
	t.CompletedAt = &completed
	if err := p.repo.Update(ctx, t); err != nil {
		log.WithField("task_id", t.ID).Warnf("worker: mark dead-lettered task failed: %v", err)
		return
	}
	p.bus.PublishAsync(p.event(hooks.EventTaskFailed, t).WithError(cause))
}

func (p *Pool) event(name hooks.HookEvent, t *task.Task) *hooks.EventContext {
	evt := hooks.NewEvent(name)
	evt.TaskID = t.ID
	evt.TaskType = string(t.Type)
	evt.Model = t.Model
	evt.Data["owner_id"] = t.OwnerID
	return evt
}
