// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/task"
)

type item struct {
	job     *task.Job
	seq     uint64
	readyAt time.Time
}

// jobHeap orders ready jobs by descending priority, then enqueue sequence.
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type memQueue struct {
	ready    jobHeap
	delayed  []*item
	dead     []*task.Job
	inflight map[string]*task.Job
	notify   chan struct{}
}

// MemoryQueue is an in-process Queue. It does not survive restarts.
type MemoryQueue struct {
	mu       sync.Mutex
	queues   map[string]*memQueue
	policies map[string]Policy
	seq      uint64
	closed   bool
	done     chan struct{}
	now      func() time.Time
}

// NewMemoryQueue creates an in-memory queue with per-queue retry policies.
func NewMemoryQueue(policies map[string]Policy) *MemoryQueue {
	p := make(map[string]Policy, len(policies))
	for k, v := range policies {
		p[k] = v
	}
	return &MemoryQueue{
		queues:   make(map[string]*memQueue),
		policies: p,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (q *MemoryQueue) get(name string) *memQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memQueue{inflight: make(map[string]*task.Job), notify: make(chan struct{}, 1)}
		q.queues[name] = mq
	}
	return mq
}

func (mq *memQueue) signal() {
	select {
	case mq.notify <- struct{}{}:
	default:
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, job *task.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	mq := q.get(job.Queue)
	q.seq++
	j := *job
	j.Priority = clampPriority(j.Priority)
	heap.Push(&mq.ready, &item{job: &j, seq: q.seq})
	mq.signal()
	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context, name string) (*task.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		mq := q.get(name)
		wait := q.promote(mq)
		if mq.ready.Len() > 0 {
			it := heap.Pop(&mq.ready).(*item)
			it.job.Attempt++
			mq.inflight[it.job.ID] = it.job
			if mq.ready.Len() > 0 {
				mq.signal()
			}
			q.mu.Unlock()
			j := *it.job
			return &j, nil
		}
		notify := mq.notify
		q.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-q.done:
			err = ErrClosed
		case <-notify:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// promote moves due delayed jobs to the ready heap and returns the wait until
// the next delayed job, or 0 when none is pending. Caller holds q.mu.
func (q *MemoryQueue) promote(mq *memQueue) time.Duration {
	now := q.now()
	var next time.Duration
	kept := mq.delayed[:0]
	for _, it := range mq.delayed {
		if !now.Before(it.readyAt) {
			q.seq++
			it.seq = q.seq
			heap.Push(&mq.ready, it)
			continue
		}
		if d := it.readyAt.Sub(now); next == 0 || d < next {
			next = d
		}
		kept = append(kept, it)
	}
	mq.delayed = kept
	return next
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, job *task.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.get(job.Queue).inflight, job.ID)
	return nil
}

// Retry implements Queue.
func (q *MemoryQueue) Retry(_ context.Context, job *task.Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	mq := q.get(job.Queue)
	delete(mq.inflight, job.ID)

	j := *job
	if cause != nil {
		j.LastError = cause.Error()
	}
	policy := q.policies[job.Queue]
	if j.Attempt >= maxAttempts(&j, policy) {
		mq.dead = append(mq.dead, &j)
		log.Warnf("queue %s: job %s dead-lettered after %d attempts: %s", job.Queue, job.ID, j.Attempt, j.LastError)
		return true, nil
	}
	delay := Backoff(backoffBase(policy), j.Attempt)
	mq.delayed = append(mq.delayed, &item{job: &j, readyAt: q.now().Add(delay)})
	mq.signal()
	log.Debugf("queue %s: job %s retry in %s", job.Queue, job.ID, delay)
	return false, nil
}

// DeadLetters implements Queue.
func (q *MemoryQueue) DeadLetters(_ context.Context, name string) ([]*task.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq := q.get(name)
	out := make([]*task.Job, 0, len(mq.dead))
	for _, j := range mq.dead {
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

// Len implements Queue.
func (q *MemoryQueue) Len(_ context.Context, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(name).ready.Len(), nil
}

// InFlight implements Queue.
func (q *MemoryQueue) InFlight(_ context.Context, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.get(name).inflight), nil
}

// Close wakes every blocked consumer with ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
