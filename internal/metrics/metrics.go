// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics tracks task routing, fallback and chain outcomes. Every
// recording updates both in-process counters, served as a JSON snapshot, and
// Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks orchestration activity. A nil *Metrics ignores every call.
type Metrics struct {
	tasksCreated     atomic.Int64
	tasksSucceeded   atomic.Int64
	tasksFailed      atomic.Int64
	attemptsTotal    atomic.Int64
	attemptFailures  atomic.Int64
	fallbacks        atomic.Int64
	credentialBlocks atomic.Int64
	chainsSucceeded  atomic.Int64
	chainsFailed     atomic.Int64
	planFallbacks    atomic.Int64
	activeTasks      atomic.Int64

	byModelMu sync.RWMutex
	byModel   map[string]*ModelCounts

	latencyMu      sync.RWMutex
	latencySamples []int64
	maxSamples     int

	startTime time.Time

	registry *prometheus.Registry
	prom     promCollectors
}

type promCollectors struct {
	tasksCreated     *prometheus.CounterVec
	tasksCompleted   *prometheus.CounterVec
	attempts         *prometheus.CounterVec
	fallbacks        prometheus.Counter
	credentialBlocks *prometheus.CounterVec
	chains           *prometheus.CounterVec
	planFallbacks    prometheus.Counter
	activeTasks      prometheus.Gauge
	taskLatency      *prometheus.HistogramVec
}

// ModelCounts holds per-model attempt outcomes.
type ModelCounts struct {
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Blocks    int64 `json:"credential_blocks"`
}

// New creates a Metrics instance keeping the last maxSamples task latencies.
func New(maxSamples int) *Metrics {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		byModel:        make(map[string]*ModelCounts),
		latencySamples: make([]int64, 0, maxSamples),
		maxSamples:     maxSamples,
		startTime:      time.Now(),
		registry:       reg,
		prom: promCollectors{
			tasksCreated: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "switchaiflow",
				Name:      "tasks_created_total",
				Help:      "Tasks routed, by task type.",
			}, []string{"task_type"}),
			tasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "switchaiflow",
				Name:      "tasks_completed_total",
				Help:      "Tasks reaching a terminal status.",
			}, []string{"task_type", "status"}),
			attempts: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "switchaiflow",
				Name:      "attempts_total",
				Help:      "Model attempts by model and outcome.",
			}, []string{"model", "outcome"}),
			fallbacks: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "switchaiflow",
				Name:      "fallbacks_total",
				Help:      "Advances from a failed model to the next candidate.",
			}),
			credentialBlocks: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "switchaiflow",
				Name:      "credential_blocks_total",
				Help:      "Credentials blocked after repeated failures.",
			}, []string{"model"}),
			chains: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "switchaiflow",
				Name:      "chains_total",
				Help:      "Executed chains by outcome.",
			}, []string{"outcome"}),
			planFallbacks: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "switchaiflow",
				Name:      "plan_fallbacks_total",
				Help:      "Plans produced by the heuristic planner after an LLM planning failure.",
			}),
			activeTasks: factory.NewGauge(prometheus.GaugeOpts{
				Namespace: "switchaiflow",
				Name:      "tasks_active",
				Help:      "Tasks currently being executed by workers.",
			}),
			taskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "switchaiflow",
				Name:      "task_duration_seconds",
				Help:      "Worker execution time per task, across all attempts.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, []string{"task_type"}),
		},
	}
}

// RecordTaskCreated counts a routed task.
func (m *Metrics) RecordTaskCreated(taskType string) {
	if m == nil {
		return
	}
	m.tasksCreated.Add(1)
	m.prom.tasksCreated.WithLabelValues(taskType).Inc()
}

// RecordTaskStarted marks a task as being executed.
func (m *Metrics) RecordTaskStarted() {
	if m == nil {
		return
	}
	m.activeTasks.Add(1)
	m.prom.activeTasks.Inc()
}

// RecordTaskReleased ends a RecordTaskStarted, whatever became of the delivery.
func (m *Metrics) RecordTaskReleased() {
	if m == nil {
		return
	}
	m.activeTasks.Add(-1)
	m.prom.activeTasks.Dec()
}

// RecordTaskFinished records the terminal status of a task.
func (m *Metrics) RecordTaskFinished(taskType string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if success {
		m.tasksSucceeded.Add(1)
	} else {
		m.tasksFailed.Add(1)
		status = "failed"
	}
	m.prom.tasksCompleted.WithLabelValues(taskType, status).Inc()
	m.prom.taskLatency.WithLabelValues(taskType).Observe(elapsed.Seconds())
	m.recordLatency(elapsed.Milliseconds())
}

// RecordAttempt counts one model attempt.
func (m *Metrics) RecordAttempt(model string, success bool) {
	if m == nil {
		return
	}
	m.attemptsTotal.Add(1)
	outcome := "success"
	if !success {
		m.attemptFailures.Add(1)
		outcome = "failure"
	}
	m.prom.attempts.WithLabelValues(model, outcome).Inc()

	m.byModelMu.Lock()
	c := m.model(model)
	if success {
		c.Successes++
	} else {
		c.Failures++
	}
	m.byModelMu.Unlock()
}

// RecordFallback counts an advance to the next candidate model.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Add(1)
	m.prom.fallbacks.Inc()
}

// RecordCredentialBlocked counts a credential block on model.
func (m *Metrics) RecordCredentialBlocked(model string) {
	if m == nil {
		return
	}
	m.credentialBlocks.Add(1)
	m.prom.credentialBlocks.WithLabelValues(model).Inc()
	m.byModelMu.Lock()
	m.model(model).Blocks++
	m.byModelMu.Unlock()
}

// RecordChain counts a finished chain.
func (m *Metrics) RecordChain(success bool) {
	if m == nil {
		return
	}
	if success {
		m.chainsSucceeded.Add(1)
		m.prom.chains.WithLabelValues("success").Inc()
		return
	}
	m.chainsFailed.Add(1)
	m.prom.chains.WithLabelValues("failed").Inc()
}

// RecordPlanFallback counts a heuristic plan produced after an LLM failure.
func (m *Metrics) RecordPlanFallback() {
	if m == nil {
		return
	}
	m.planFallbacks.Add(1)
	m.prom.planFallbacks.Inc()
}

// model returns the counters of id. Caller holds byModelMu.
func (m *Metrics) model(id string) *ModelCounts {
	c, ok := m.byModel[id]
	if !ok {
		c = &ModelCounts{}
		m.byModel[id] = c
	}
	return c
}

func (m *Metrics) recordLatency(latencyMs int64) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	m.latencySamples = append(m.latencySamples, latencyMs)
	if len(m.latencySamples) > m.maxSamples {
		m.latencySamples = m.latencySamples[len(m.latencySamples)-m.maxSamples:]
	}
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() *Snapshot {
	m.byModelMu.RLock()
	byModel := make(map[string]ModelCounts, len(m.byModel))
	for k, v := range m.byModel {
		byModel[k] = *v
	}
	m.byModelMu.RUnlock()

	m.latencyMu.RLock()
	latency := m.calculateLatencyStats()
	m.latencyMu.RUnlock()

	return &Snapshot{
		TasksCreated:     m.tasksCreated.Load(),
		TasksSucceeded:   m.tasksSucceeded.Load(),
		TasksFailed:      m.tasksFailed.Load(),
		ActiveTasks:      m.activeTasks.Load(),
		Attempts:         m.attemptsTotal.Load(),
		AttemptFailures:  m.attemptFailures.Load(),
		Fallbacks:        m.fallbacks.Load(),
		CredentialBlocks: m.credentialBlocks.Load(),
		ChainsSucceeded:  m.chainsSucceeded.Load(),
		ChainsFailed:     m.chainsFailed.Load(),
		PlanFallbacks:    m.planFallbacks.Load(),
		ByModel:          byModel,
		LatencyStats:     latency,
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		Timestamp:        time.Now(),
	}
}

// calculateLatencyStats must be called with latencyMu held.
func (m *Metrics) calculateLatencyStats() LatencyStats {
	if len(m.latencySamples) == 0 {
		return LatencyStats{}
	}
	var sum int64
	lo, hi := m.latencySamples[0], m.latencySamples[0]
	for _, s := range m.latencySamples {
		sum += s
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return LatencyStats{
		AverageMs: sum / int64(len(m.latencySamples)),
		MinMs:     lo,
		MaxMs:     hi,
		Samples:   int64(len(m.latencySamples)),
	}
}

// Snapshot is a serializable view of Metrics.
type Snapshot struct {
	TasksCreated     int64                  `json:"tasks_created"`
	TasksSucceeded   int64                  `json:"tasks_succeeded"`
	TasksFailed      int64                  `json:"tasks_failed"`
	ActiveTasks      int64                  `json:"active_tasks"`
	Attempts         int64                  `json:"attempts"`
	AttemptFailures  int64                  `json:"attempt_failures"`
	Fallbacks        int64                  `json:"fallbacks"`
	CredentialBlocks int64                  `json:"credential_blocks"`
	ChainsSucceeded  int64                  `json:"chains_succeeded"`
	ChainsFailed     int64                  `json:"chains_failed"`
	PlanFallbacks    int64                  `json:"plan_fallbacks"`
	ByModel          map[string]ModelCounts `json:"by_model"`
	LatencyStats     LatencyStats           `json:"latency_stats"`
	UptimeSeconds    int64                  `json:"uptime_seconds"`
	Timestamp        time.Time              `json:"timestamp"`
}

// LatencyStats summarizes task execution latencies.
type LatencyStats struct {
	AverageMs int64 `json:"average_ms"`
	MinMs     int64 `json:"min_ms"`
	MaxMs     int64 `json:"max_ms"`
	Samples   int64 `json:"samples"`
}

// SuccessRate returns the share of finished tasks that succeeded, 0-100.
func (s *Snapshot) SuccessRate() float64 {
	done := s.TasksSucceeded + s.TasksFailed
	if done == 0 {
		return 0.0
	}
	return float64(s.TasksSucceeded) / float64(done) * 100.0
}
