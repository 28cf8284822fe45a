package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/switchAIFlow/internal/hooks"
	"github.com/traylinx/switchAIFlow/internal/queue"
	"github.com/traylinx/switchAIFlow/internal/registry"
	"github.com/traylinx/switchAIFlow/internal/store"
	"github.com/traylinx/switchAIFlow/internal/task"
)

func testRegistry() *registry.ModelRegistry {
	perf := func(s, q, r int) registry.Performance {
		return registry.Performance{Speed: s, Quality: q, Reliability: r}
	}
	return registry.New([]*registry.Model{
		{ID: "chat-fast", TaskTypes: []task.TaskType{task.TypeText, task.TypeCode}, Enabled: true,
			Cost: registry.Cost{InputUnit: 0.5, OutputUnit: 1.5}, Performance: perf(9, 6, 7)},
		{ID: "chat-smart", TaskTypes: []task.TaskType{task.TypeText}, Enabled: true,
			Cost: registry.Cost{InputUnit: 5, OutputUnit: 15}, Performance: perf(5, 10, 9)},
		{ID: "img-hifi", TaskTypes: []task.TaskType{task.TypeImage}, Enabled: true, Fallbacks: []string{"img-cheap"},
			Cost: registry.Cost{PerImage: 0.08}, Performance: perf(5, 10, 8)},
		{ID: "img-cheap", TaskTypes: []task.TaskType{task.TypeImage}, Enabled: true,
			Cost: registry.Cost{PerImage: 0.02}, Performance: perf(8, 6, 7)},
		{ID: "img-off", TaskTypes: []task.TaskType{task.TypeImage}, Enabled: false,
			Cost: registry.Cost{PerImage: 0.01}, Performance: perf(10, 10, 10)},
		{ID: "vid", TaskTypes: []task.TaskType{task.TypeVideo}, Enabled: true,
			Cost: registry.Cost{PerVideoSecond: 0.1}, Performance: perf(3, 8, 6)},
	})
}

type fixture struct {
	orch  *Orchestrator
	repo  *store.MemoryRepository
	queue *queue.MemoryQueue
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	q := queue.NewMemoryQueue(nil)
	t.Cleanup(func() { _ = q.Close() })
	seq := 0
	base := []Option{
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("id-%d", seq) }),
		WithQueuePolicies(map[string]queue.Policy{queue.General: {MaxAttempts: 4}}),
	}
	return &fixture{orch: New(testRegistry(), repo, q, append(base, opts...)...), repo: repo, queue: q}
}

func (f *fixture) dequeue(t *testing.T, name string) *task.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.queue.Dequeue(ctx, name)
	require.NoError(t, err)
	return job
}

func TestRouteTask_ImageUsesRecommenderAndStaticFallbacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.orch.RouteTask(ctx, "owner-1", []byte(`{"prompt":"a cat","width":1024,"height":1024,"n":2}`),
		Options{Priority: task.PriorityHigh, Budget: task.BudgetHigh})
	require.NoError(t, err)

	assert.Equal(t, task.TypeImage, got.Type)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, "img-hifi", got.Model)
	assert.Equal(t, []string{"img-cheap"}, got.FallbackModels)
	assert.Equal(t, 1, got.MaxRetries)
	assert.InDelta(t, 0.16, got.EstimatedCost, 1e-9)

	stored, err := f.repo.FindByID(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Model, stored.Model)

	job := f.dequeue(t, queue.General)
	assert.Equal(t, got.ID, job.TaskID)
	assert.Equal(t, "owner-1", job.OwnerID)
	assert.Equal(t, 7, job.Priority)
	assert.Equal(t, 4, job.MaxAttempts)
	assert.Equal(t, []string{"img-hifi", "img-cheap"}, job.AttemptList())
	assert.JSONEq(t, `{"prompt":"a cat","width":1024,"height":1024,"n":2}`, string(job.Request))
}

func TestRouteTask_VideoGoesToVideoQueue(t *testing.T) {
	f := newFixture(t)
	got, err := f.orch.RouteTask(context.Background(), "o", []byte(`{"prompt":"waves","duration":8}`), Options{Priority: task.PriorityUrgent})
	require.NoError(t, err)
	assert.Equal(t, task.TypeVideo, got.Type)
	assert.Empty(t, got.FallbackModels)
	assert.InDelta(t, 0.8, got.EstimatedCost, 1e-9)

	job := f.dequeue(t, queue.Video)
	assert.Equal(t, 10, job.Priority)
	assert.Equal(t, queue.Video, job.Queue)
}

func TestRouteTask_ModelHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.orch.RouteTask(ctx, "o", []byte(`{"prompt":"hi","model":"chat-smart"}`), Options{Budget: task.BudgetLow})
	require.NoError(t, err)
	assert.Equal(t, "chat-smart", got.Model)
	assert.Equal(t, []string{"chat-fast"}, got.FallbackModels)

	got, err = f.orch.RouteTask(ctx, "o", []byte(`{"prompt":"hi"}`), Options{Model: "img-hifi"})
	require.NoError(t, err)
	assert.NotEqual(t, "img-hifi", got.Model, "a hint unsupported for the task type is ignored")

	got, err = f.orch.RouteTask(ctx, "o", []byte(`{"prompt":"p","width":5}`), Options{Model: "img-off"})
	require.NoError(t, err)
	assert.NotEqual(t, "img-off", got.Model, "a disabled hint is ignored")
	assert.NotContains(t, got.FallbackModels, "img-off")
}

func TestRouteTask_DefaultsAndTextCost(t *testing.T) {
	f := newFixture(t)
	got, err := f.orch.RouteTask(context.Background(), "o",
		[]byte(`{"messages":[{"role":"user","content":"one two three four five six seven eight nine ten"}]}`), Options{})
	require.NoError(t, err)
	assert.Equal(t, task.PriorityNormal, got.Priority)
	assert.Equal(t, task.TypeText, got.Type)

	m, _ := testRegistry().Get(got.Model)
	assert.InDelta(t, 13.0/1000*m.Cost.InputUnit, got.EstimatedCost, 1e-9)
	assert.Equal(t, 5, f.dequeue(t, queue.General).Priority)
}

func TestRouteTask_NoAvailableModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.RouteTask(context.Background(), "o", []byte(`{"audioFile":"a.mp3"}`), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrNoAvailableModel))

	n, _ := f.queue.Len(context.Background(), queue.General)
	assert.Zero(t, n)
}

type brokenQueue struct{ queue.Queue }

func (brokenQueue) Enqueue(context.Context, *task.Job) error { return errors.New("redis down") }

func TestRouteTask_EnqueueFailureFailsTask(t *testing.T) {
	repo := store.NewMemoryRepository()
	orch := New(testRegistry(), repo, brokenQueue{}, WithIDGenerator(func() string { return "t-x" }))

	_, err := orch.RouteTask(context.Background(), "o", []byte(`{"prompt":"hi"}`), Options{})
	require.ErrorContains(t, err, "redis down")

	stored, err := repo.FindByID(context.Background(), "t-x")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "enqueue failed")
}

func TestRouteTask_PublishesTaskCreated(t *testing.T) {
	bus := hooks.NewEventBus()
	defer bus.Shutdown()
	seen := make(chan *hooks.EventContext, 1)
	bus.Subscribe(hooks.EventTaskCreated, func(e *hooks.EventContext) { seen <- e })

	f := newFixture(t, WithEventBus(bus))
	got, err := f.orch.RouteTask(context.Background(), "o", []byte(`{"codeFile":"main.go"}`), Options{})
	require.NoError(t, err)

	select {
	case e := <-seen:
		assert.Equal(t, got.ID, e.TaskID)
		assert.Equal(t, "code", e.TaskType)
		assert.Equal(t, "chat-fast", e.Model)
	case <-time.After(time.Second):
		t.Fatal("task_created not published")
	}
}
