// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package queue provides the persistent priority job queue consumed by the
// worker pool. Jobs of higher numeric priority are served first; jobs of equal
// priority are served in enqueue order. Failed deliveries are retried with
// exponential backoff and dead-lettered once their attempts are exhausted.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/traylinx/switchAIFlow/internal/task"
)

// Queue names.
const (
	General = "tasks"
	Video   = "video"
)

// MaxPriority is the highest numeric job priority.
const MaxPriority = 10

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// ForTaskType selects the queue serving t: video jobs run on their own,
// lower-concurrency queue.
func ForTaskType(t task.TaskType) string {
	if t == task.TypeVideo {
		return Video
	}
	return General
}

// Policy controls retry behavior of one queue.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultPolicy retries three times starting at two seconds.
var DefaultPolicy = Policy{MaxAttempts: 3, BackoffBase: 2 * time.Second}

// Backoff returns the delay before the given attempt is redelivered:
// base·2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// Queue is the job queue used by the orchestrator and the worker pool.
type Queue interface {
	// Enqueue adds job to the queue named by job.Queue.
	Enqueue(ctx context.Context, job *task.Job) error
	// Dequeue blocks until a job of queue name is ready or ctx is done. The
	// returned job's Attempt counts deliveries, starting at 1.
	Dequeue(ctx context.Context, name string) (*task.Job, error)
	// Ack removes a delivered job for good.
	Ack(ctx context.Context, job *task.Job) error
	// Retry schedules a delivered job again after backoff, or moves it to the
	// dead-letter list when its attempts are exhausted. It reports whether the
	// job was dead-lettered.
	Retry(ctx context.Context, job *task.Job, cause error) (bool, error)
	// DeadLetters lists dead-lettered jobs of queue name.
	DeadLetters(ctx context.Context, name string) ([]*task.Job, error)
	// Len returns the number of ready jobs of queue name.
	Len(ctx context.Context, name string) (int, error)
	// InFlight returns the number of delivered jobs of queue name that were
	// neither acked nor retried yet.
	InFlight(ctx context.Context, name string) (int, error)
	Close() error
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

func maxAttempts(job *task.Job, policy Policy) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	if policy.MaxAttempts > 0 {
		return policy.MaxAttempts
	}
	return DefaultPolicy.MaxAttempts
}

func backoffBase(policy Policy) time.Duration {
	if policy.BackoffBase > 0 {
		return policy.BackoffBase
	}
	return DefaultPolicy.BackoffBase
}
