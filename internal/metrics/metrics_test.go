package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	return w.Body.String()
}

func TestCountersAndSnapshot(t *testing.T) {
	m := New(10)

	m.RecordTaskCreated("image")
	m.RecordTaskCreated("text")
	m.RecordTaskStarted()
	m.RecordAttempt("a", false)
	m.RecordFallback()
	m.RecordAttempt("b", false)
	m.RecordFallback()
	m.RecordAttempt("c", true)
	m.RecordTaskFinished("image", true, 150*time.Millisecond)
	m.RecordTaskReleased()
	m.RecordCredentialBlocked("a")
	m.RecordChain(true)
	m.RecordChain(false)
	m.RecordPlanFallback()

	s := m.Snapshot()
	if s.TasksCreated != 2 || s.TasksSucceeded != 1 || s.TasksFailed != 0 || s.ActiveTasks != 0 {
		t.Errorf("task counters wrong: %+v", s)
	}
	if s.Attempts != 3 || s.AttemptFailures != 2 || s.Fallbacks != 2 {
		t.Errorf("attempt counters wrong: %+v", s)
	}
	if s.ByModel["a"].Failures != 1 || s.ByModel["a"].Blocks != 1 || s.ByModel["c"].Successes != 1 {
		t.Errorf("per-model counters wrong: %+v", s.ByModel)
	}
	if s.ChainsSucceeded != 1 || s.ChainsFailed != 1 || s.PlanFallbacks != 1 {
		t.Errorf("chain counters wrong: %+v", s)
	}
	if s.LatencyStats.Samples != 1 || s.LatencyStats.AverageMs != 150 {
		t.Errorf("latency stats wrong: %+v", s.LatencyStats)
	}
	if s.SuccessRate() != 100 {
		t.Errorf("SuccessRate = %v", s.SuccessRate())
	}

	body := scrape(t, m)
	for _, want := range []string{
		"switchaiflow_fallbacks_total 2",
		`switchaiflow_attempts_total{model="a",outcome="failure"} 1`,
		`switchaiflow_credential_blocks_total{model="a"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestLatencyWindow(t *testing.T) {
	m := New(3)
	for _, ms := range []int64{10, 20, 30, 40} {
		m.RecordTaskStarted()
		m.RecordTaskFinished("text", false, time.Duration(ms)*time.Millisecond)
		m.RecordTaskReleased()
	}
	stats := m.Snapshot().LatencyStats
	if stats.Samples != 3 || stats.MinMs != 20 || stats.MaxMs != 40 || stats.AverageMs != 30 {
		t.Errorf("unexpected window: %+v", stats)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTaskCreated("text")
	m.RecordAttempt("a", true)
	m.RecordFallback()
	m.RecordChain(true)
}

func TestHandler(t *testing.T) {
	m := New(0)
	m.RecordTaskCreated("video")

	body := scrape(t, m)
	if !strings.Contains(body, `switchaiflow_tasks_created_total{task_type="video"} 1`) {
		t.Errorf("exposition missing counter:\n%s", body)
	}
}

func TestConcurrency(t *testing.T) {
	m := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.RecordAttempt("shared", j%2 == 0)
			}
		}()
	}
	wg.Wait()
	if got := m.Snapshot().ByModel["shared"]; got.Successes+got.Failures != 1000 {
		t.Errorf("lost updates: %+v", got)
	}
}
