package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/switchAIFlow/internal/task"
)

func newJob(id string, priority int) *task.Job {
	return &task.Job{ID: id, TaskID: id, Queue: General, Type: task.TypeText, Priority: priority, Model: "m"}
}

func TestForTaskType(t *testing.T) {
	assert.Equal(t, Video, ForTaskType(task.TypeVideo))
	for _, tt := range []task.TaskType{task.TypeText, task.TypeImage, task.TypeAudio, task.TypeComposite} {
		assert.Equal(t, General, ForTaskType(tt))
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 1))
	assert.Equal(t, 2*time.Second, Backoff(time.Second, 2))
	assert.Equal(t, 4*time.Second, Backoff(time.Second, 3))
	assert.Equal(t, time.Second, Backoff(time.Second, 0))
}

// exerciseOrdering checks priority order with FIFO among equal priorities.
func exerciseOrdering(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := uuid.NewString()[:8]
	jobs := []*task.Job{
		newJob(prefix+"-low", 1),
		newJob(prefix+"-normal-1", 5),
		newJob(prefix+"-urgent", 10),
		newJob(prefix+"-normal-2", 5),
		newJob(prefix+"-high", 7),
	}
	for _, j := range jobs {
		require.NoError(t, q.Enqueue(ctx, j))
	}
	n, err := q.Len(ctx, General)
	require.NoError(t, err)
	assert.Equal(t, len(jobs), n)

	want := []string{"-urgent", "-high", "-normal-1", "-normal-2", "-low"}
	for _, suffix := range want {
		j, err := q.Dequeue(ctx, General)
		require.NoError(t, err)
		assert.Equal(t, prefix+suffix, j.ID)
		assert.Equal(t, 1, j.Attempt)
		inFlight, err := q.InFlight(ctx, General)
		require.NoError(t, err)
		assert.Equal(t, 1, inFlight)
		require.NoError(t, q.Ack(ctx, j))
	}
	inFlight, err := q.InFlight(ctx, General)
	require.NoError(t, err)
	assert.Equal(t, 0, inFlight)
}

// exerciseRetry checks backoff redelivery and dead-lettering.
func exerciseRetry(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job := newJob(uuid.NewString(), 5)
	job.MaxAttempts = 3
	require.NoError(t, q.Enqueue(ctx, job))

	for attempt := 1; attempt <= 3; attempt++ {
		got, err := q.Dequeue(ctx, General)
		require.NoError(t, err)
		require.Equal(t, job.ID, got.ID)
		require.Equal(t, attempt, got.Attempt)
		dead, err := q.Retry(ctx, got, fmt.Errorf("transient %d", attempt))
		require.NoError(t, err)
		assert.Equal(t, attempt == 3, dead)
	}

	dead, err := q.DeadLetters(ctx, General)
	require.NoError(t, err)
	var found *task.Job
	for _, d := range dead {
		if d.ID == job.ID {
			found = d
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "transient 3", found.LastError)
}

func TestMemoryQueue_Ordering(t *testing.T) {
	exerciseOrdering(t, NewMemoryQueue(nil))
}

func TestMemoryQueue_Retry(t *testing.T) {
	q := NewMemoryQueue(map[string]Policy{General: {MaxAttempts: 3, BackoffBase: 5 * time.Millisecond}})
	exerciseRetry(t, q)
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue(nil)
	got := make(chan *task.Job, 1)
	go func() {
		j, err := q.Dequeue(context.Background(), Video)
		if err == nil {
			got <- j
		}
	}()

	time.Sleep(20 * time.Millisecond)
	j := newJob("v1", 5)
	j.Queue = Video
	require.NoError(t, q.Enqueue(context.Background(), j))

	select {
	case d := <-got:
		assert.Equal(t, "v1", d.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not woken by enqueue")
	}
}

func TestMemoryQueue_DequeueHonorsContextAndClose(t *testing.T) {
	q := NewMemoryQueue(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx, General)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), General)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake consumer")
	}
	assert.ErrorIs(t, q.Enqueue(context.Background(), newJob("x", 1)), ErrClosed)
}

// setupRedisQueue connects to the Redis named by SWITCHAIFLOW_TEST_REDIS_ADDR,
// or to an in-process miniredis when it is unset.
func setupRedisQueue(t *testing.T, lease time.Duration) *RedisQueue {
	addr := os.Getenv("SWITCHAIFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	q, err := NewRedisQueue(RedisConfig{
		Addr:        addr,
		Prefix:      "switchaiflow-test-" + uuid.NewString()[:8],
		PollTimeout: 100 * time.Millisecond,
		Lease:       lease,
	}, map[string]Policy{General: {MaxAttempts: 3, BackoffBase: 10 * time.Millisecond}})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return q
}

func TestRedisQueue_Ordering(t *testing.T) {
	q := setupRedisQueue(t, 0)
	defer q.Close()
	exerciseOrdering(t, q)
}

func TestRedisQueue_Retry(t *testing.T) {
	q := setupRedisQueue(t, 0)
	defer q.Close()
	exerciseRetry(t, q)
}

func TestRedisQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	q := setupRedisQueue(t, 50*time.Millisecond)
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, newJob("crashed", 5)))
	first, err := q.Dequeue(ctx, General)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempt)

	// The consumer never acks, as if the process died mid-job.
	time.Sleep(100 * time.Millisecond)
	again, err := q.Dequeue(ctx, General)
	require.NoError(t, err)
	assert.Equal(t, "crashed", again.ID)
	assert.Equal(t, 2, again.Attempt)

	require.NoError(t, q.Ack(ctx, again))
	n, err := q.Reclaim(ctx, General)
	require.NoError(t, err)
	assert.Zero(t, n)
	inFlight, err := q.InFlight(ctx, General)
	require.NoError(t, err)
	assert.Zero(t, inFlight)
}

func TestRedisQueue_AckedJobIsNotReclaimed(t *testing.T) {
	q := setupRedisQueue(t, 50*time.Millisecond)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("done", 5)))
	j, err := q.Dequeue(ctx, General)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, j))

	time.Sleep(100 * time.Millisecond)
	n, err := q.Reclaim(ctx, General)
	require.NoError(t, err)
	assert.Zero(t, n)
	ready, err := q.Len(ctx, General)
	require.NoError(t, err)
	assert.Zero(t, ready)
}
