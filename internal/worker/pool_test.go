package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/traylinx/switchAIFlow/internal/adapter"
	"github.com/traylinx/switchAIFlow/internal/artifact"
	"github.com/traylinx/switchAIFlow/internal/credential"
	"github.com/traylinx/switchAIFlow/internal/hooks"
	"github.com/traylinx/switchAIFlow/internal/metrics"
	"github.com/traylinx/switchAIFlow/internal/queue"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/store"
	"github.com/traylinx/switchAIFlow/internal/task"
)

// fixture wires a pool over three text models a, b and c whose behavior is
// scripted per test.
type fixture struct {
	repo    *store.MemoryRepository
	queue   *queue.MemoryQueue
	creds   *credential.Pool
	adapter *adapter.Registry
	pool    *Pool

	mu    sync.Mutex
	calls []string
}

func newFixture(t *testing.T, behavior map[string]adapter.Func, opts ...Option) *fixture {
	t.Helper()
	var models []*registry.Model
	for _, id := range []string{"a", "b", "c"} {
		models = append(models, &registry.Model{
			ID:          id,
			Adapter:     "scripted",
			TaskTypes:   []task.TaskType{task.TypeText},
			Credentials: []string{"key-" + id},
			Enabled:     true,
		})
	}
	reg := registry.New(models)

	f := &fixture{
		repo:    store.NewMemoryRepository(),
		queue:   queue.NewMemoryQueue(map[string]queue.Policy{queue.General: {MaxAttempts: 2, BackoffBase: time.Millisecond}}),
		creds:   credential.NewPool(),
		adapter: adapter.NewRegistry(),
	}
	for _, m := range models {
		f.creds.Register(m.ID, m.Credentials)
		id := m.ID
		run := behavior[id]
		f.adapter.RegisterModel(id, adapter.Func(func(ctx context.Context, call adapter.Call) ([]byte, error) {
			f.mu.Lock()
			f.calls = append(f.calls, id)
			f.mu.Unlock()
			if run == nil {
				return nil, errors.New("unscripted model " + id)
			}
			return run(ctx, call)
		}))
	}
	f.pool = NewPool(f.queue, f.repo, reg, f.creds, f.adapter, opts...)
	return f
}

func (f *fixture) submit(t *testing.T, id string) *task.Job {
	t.Helper()
	tk := &task.Task{
		ID:             id,
		OwnerID:        "owner",
		Type:           task.TypeText,
		Priority:       task.PriorityNormal,
		Status:         task.StatusPending,
		Model:          "a",
		FallbackModels: []string{"b", "c"},
		Request:        []byte(`{"prompt":"hello"}`),
		MaxRetries:     2,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.repo.Create(context.Background(), tk))
	job := &task.Job{
		ID:             "job-" + id,
		TaskID:         id,
		Type:           tk.Type,
		Request:        tk.Request,
		Model:          tk.Model,
		FallbackModels: tk.FallbackModels,
		Priority:       5,
		Queue:          queue.General,
	}
	require.NoError(t, f.queue.Enqueue(context.Background(), job))
	delivered, err := f.queue.Dequeue(context.Background(), queue.General)
	require.NoError(t, err)
	return delivered
}

func (f *fixture) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func fail(msg string) adapter.Func {
	return func(context.Context, adapter.Call) ([]byte, error) { return nil, errors.New(msg) }
}

func succeed(body string) adapter.Func {
	return func(context.Context, adapter.Call) ([]byte, error) { return []byte(body), nil }
}

func TestProcess_FallbackSucceedsOnLastModel(t *testing.T) {
	f := newFixture(t, map[string]adapter.Func{
		"a": fail("a down"),
		"b": fail("b down"),
		"c": succeed(`{"content":"hi"}`),
	})
	job := f.submit(t, "t1")
	f.pool.Process(context.Background(), job)

	got, err := f.repo.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	assert.Equal(t, "c", got.Model)
	assert.Equal(t, 2, got.RetryCount)
	assert.JSONEq(t, `{"content":"hi"}`, string(got.Result))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"a", "b", "c"}, f.called())
}

func TestProcess_AllModelsFail(t *testing.T) {
	f := newFixture(t, map[string]adapter.Func{
		"a": fail("a down"),
		"b": fail("b down"),
		"c": fail("c down"),
	})
	job := f.submit(t, "t1")
	f.pool.Process(context.Background(), job)

	got, err := f.repo.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount, "retry count equals the number of fallbacks")
	assert.Len(t, f.called(), 3)
	assert.Contains(t, got.Error, "c down")
	assert.Contains(t, got.Error, task.ErrAllModelsExhausted.Error())
	assert.Empty(t, got.Result)

	dead, err := f.queue.DeadLetters(context.Background(), queue.General)
	require.NoError(t, err)
	assert.Empty(t, dead, "exhausted tasks are settled, not dead-lettered")
}

func TestProcess_SkipsModelWithoutCredential(t *testing.T) {
	f := newFixture(t, map[string]adapter.Func{
		"a": fail("a down"),
		"b": succeed(`{}`),
		"c": succeed(`{"content":"from c"}`),
	})
	f.creds.Register("b", nil)
	job := f.submit(t, "t1")
	f.pool.Process(context.Background(), job)

	got, err := f.repo.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	assert.Equal(t, "c", got.Model)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, []string{"a", "c"}, f.called())
}

func TestProcess_AttemptTimeout(t *testing.T) {
	f := newFixture(t, map[string]adapter.Func{
		"a": func(ctx context.Context, _ adapter.Call) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"b": succeed(`{"content":"b"}`),
	}, WithAttemptTimeout(20*time.Millisecond))
	job := f.submit(t, "t1")

	start := time.Now()
	f.pool.Process(context.Background(), job)
	assert.Less(t, time.Since(start), 2*time.Second)

	got, err := f.repo.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)
	assert.Equal(t, "b", got.Model)
	assert.Equal(t, 1, got.RetryCount)
}

func TestProcess_TerminalTaskIsAckedWithoutRunning(t *testing.T) {
	f := newFixture(t, map[string]adapter.Func{"a": succeed(`{}`)})
	job := f.submit(t, "t1")
	f.pool.Process(context.Background(), job)
	require.Equal(t, []string{"a"}, f.called())

	// Redelivery of the same job.
	f.pool.Process(context.Background(), job)
	assert.Equal(t, []string{"a"}, f.called())
}

func TestProcess_FailureBlocksCredential(t *testing.T) {
	var blocked atomic.Int32
	f := newFixture(t, map[string]adapter.Func{
		"a": fail("unauthorized"),
		"b": succeed(`{}`),
	})
	f.creds = credential.NewPool(credential.WithPolicy(1, time.Hour), credential.WithBlockHandler(
		func(model string, _ credential.Credential, _ time.Time) {
			if model == "a" {
				blocked.Add(1)
			}
		}))
	f.creds.Register("a", []string{"key-a"})
	f.creds.Register("b", []string{"key-b"})
	f.pool.creds = f.creds

	f.pool.Process(context.Background(), f.submit(t, "t1"))
	assert.Equal(t, int32(1), blocked.Load())
	assert.Equal(t, 0, f.creds.Available("a"))

	// The blocked model is skipped without an adapter call.
	f.pool.Process(context.Background(), f.submit(t, "t2"))
	assert.Equal(t, []string{"a", "b", "b"}, f.called())
}

func TestProcess_OffloadsArtifacts(t *testing.T) {
	objects := artifact.NewMemoryStore("mem://bucket")
	f := newFixture(t, map[string]adapter.Func{
		"a": succeed(`{"data":[{"b64_data":"aGVsbG8="}]}`),
	}, WithArtifactStore(objects))
	f.pool.Process(context.Background(), f.submit(t, "t1"))

	got, err := f.repo.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	url := gjson.GetBytes(got.Result, "data.0.url").String()
	assert.Contains(t, url, "mem://bucket/t1/")
	assert.False(t, gjson.GetBytes(got.Result, "data.0.b64_data").Exists())
	assert.Len(t, objects.Objects, 1)
}

func TestProcess_WrapsPlainTextResults(t *testing.T) {
	f := newFixture(t, map[string]adapter.Func{"a": succeed("just text\n")})
	f.pool.Process(context.Background(), f.submit(t, "t1"))

	got, err := f.repo.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"just text"}`, string(got.Result))
}

func TestProcess_PublishesLifecycleEvents(t *testing.T) {
	bus := hooks.NewEventBus()
	defer bus.Shutdown()

	var mu sync.Mutex
	var seen []hooks.HookEvent
	record := func(ctx *hooks.EventContext) {
		mu.Lock()
		seen = append(seen, ctx.Event)
		mu.Unlock()
	}
	for _, e := range []hooks.HookEvent{hooks.EventTaskStarted, hooks.EventAttemptFailed, hooks.EventTaskSucceeded} {
		bus.Subscribe(e, record)
	}

	f := newFixture(t, map[string]adapter.Func{
		"a": fail("a down"),
		"b": succeed(`{}`),
	}, WithEventBus(bus))
	f.pool.Process(context.Background(), f.submit(t, "t1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []hooks.HookEvent{hooks.EventTaskStarted, hooks.EventAttemptFailed, hooks.EventTaskSucceeded}, seen)
}

// failingRepo fails every read so the job goes back to the queue.
type failingRepo struct{ store.Repository }

func (failingRepo) FindByID(context.Context, string) (*task.Task, error) {
	return nil, errors.New("database is locked")
}

func TestProcess_RepositoryErrorsRetryThenDeadLetter(t *testing.T) {
	f := newFixture(t, nil)
	job := f.submit(t, "t1")
	f.pool.repo = failingRepo{f.repo}

	f.pool.Process(context.Background(), job)
	redelivered, err := f.queue.Dequeue(context.Background(), queue.General)
	require.NoError(t, err)
	assert.Equal(t, 2, redelivered.Attempt)
	assert.Contains(t, redelivered.LastError, "database is locked")

	f.pool.Process(context.Background(), redelivered)
	dead, err := f.queue.DeadLetters(context.Background(), queue.General)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "t1", dead[0].TaskID)
	assert.Empty(t, f.called())
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	f := newFixture(t, map[string]adapter.Func{"a": succeed(`{"content":"ok"}`)},
		WithQueues(QueueConfig{Name: queue.General, Concurrency: 2, RateLimit: 100, RatePer: time.Second}))

	tk := &task.Task{
		ID: "t-run", Type: task.TypeText, Priority: task.PriorityNormal, Status: task.StatusPending,
		Model: "a", Request: []byte(`{"prompt":"x"}`), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.repo.Create(context.Background(), tk))
	require.NoError(t, f.queue.Enqueue(context.Background(), &task.Job{
		ID: "job-run", TaskID: tk.ID, Type: tk.Type, Model: "a", Priority: 5, Queue: queue.General,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.repo.FindByID(context.Background(), tk.ID)
		return err == nil && got.Status == task.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestProcess_ShutdownRequeuesAndReleasesTask(t *testing.T) {
	m := metrics.New(10)
	started := make(chan struct{})
	f := newFixture(t, map[string]adapter.Func{
		"a": func(ctx context.Context, _ adapter.Call) ([]byte, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, WithMetrics(m))
	job := f.submit(t, "t1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	f.pool.Process(ctx, job)

	assert.Equal(t, int64(0), m.Snapshot().ActiveTasks)
	assert.Equal(t, int64(0), m.Snapshot().TasksFailed)

	got, err := f.repo.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	redelivered, err := f.queue.Dequeue(context.Background(), queue.General)
	require.NoError(t, err)
	assert.Equal(t, job.ID, redelivered.ID)
	assert.Equal(t, 2, redelivered.Attempt)
}

func TestRun_RateLimitSpacesJobStarts(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	f := newFixture(t, map[string]adapter.Func{
		"a": func(context.Context, adapter.Call) ([]byte, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return []byte(`{"content":"ok"}`), nil
		},
	}, WithQueues(QueueConfig{Name: queue.General, Concurrency: 3, RateLimit: 2, RatePer: 200 * time.Millisecond}))

	const jobs = 5
	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("t-%d", i)
		require.NoError(t, f.repo.Create(context.Background(), &task.Task{
			ID: id, Type: task.TypeText, Priority: task.PriorityNormal, Status: task.StatusPending,
			Model: "a", Request: []byte(`{"prompt":"x"}`), CreatedAt: time.Now().UTC(),
		}))
		require.NoError(t, f.queue.Enqueue(context.Background(), &task.Job{
			ID: "job-" + id, TaskID: id, Type: task.TypeText, Model: "a", Priority: 5, Queue: queue.General,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) == jobs
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	// A burst of 2, then one start per 100ms: the fifth start comes ~300ms
	// after the first, and no 100ms span holds more than 3 starts.
	assert.GreaterOrEqual(t, starts[jobs-1].Sub(starts[0]), 250*time.Millisecond)
	for i := 3; i < jobs; i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-3]), 80*time.Millisecond, "start %d", i)
	}
}
