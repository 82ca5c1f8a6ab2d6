package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/agentdesk/internal/db/dbtest"
	"github.com/zulandar/agentdesk/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T) (*Queue, *Worker, *clock) {
	t.Helper()
	gdb := dbtest.Open(t)
	q, err := New(Opts{DB: gdb, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	q.SetClock(c.now)
	w, err := NewWorker(WorkerOpts{Queue: q, Concurrency: 4})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return q, w, c
}

func TestNew_RequiresDB(t *testing.T) {
	_, err := New(Opts{})
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("New() error = %v, want db is required", err)
	}
	if _, err := NewWorker(WorkerOpts{}); err == nil {
		t.Error("NewWorker() without queue should fail")
	}
}

func TestEnqueue_DelayedUntilDue(t *testing.T) {
	q, w, c := setup(t)
	ctx := context.Background()

	var calls int
	w.Register("ping", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		calls++
		return map[string]string{"status": "ok"}, nil
	})

	task, err := q.Enqueue(ctx, "ping", map[string]int{"n": 1}, 30*time.Second)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n, err := w.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("RunOnce before due = %d, %v; want 0, nil", n, err)
	}

	c.advance(30 * time.Second)
	n, err = w.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce after due = %d, %v; want 1, nil", n, err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	got, _ := q.Get(ctx, task.ID)
	if got.Status != models.TaskDone {
		t.Errorf("Status = %q, want %q", got.Status, models.TaskDone)
	}
	if !strings.Contains(string(got.Result), `"ok"`) {
		t.Errorf("Result = %s, want status ok", got.Result)
	}
}

func TestWorker_PassesPayload(t *testing.T) {
	q, w, _ := setup(t)
	ctx := context.Background()

	var got struct {
		AgentID string `json:"agent_id"`
	}
	w.Register("run", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return nil, json.Unmarshal(payload, &got)
	})
	q.Enqueue(ctx, "run", map[string]string{"agent_id": "a1"}, 0)
	w.RunOnce(ctx)

	if got.AgentID != "a1" {
		t.Errorf("AgentID = %q, want a1", got.AgentID)
	}
}

func TestWorker_RecordsOutcomeAfterCancel(t *testing.T) {
	q, w, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Register("slow", func(context.Context, json.RawMessage) (interface{}, error) {
		cancel()
		return map[string]string{"status": "ok"}, nil
	})
	w.Register("broken", func(context.Context, json.RawMessage) (interface{}, error) {
		cancel()
		return nil, errors.New("upstream 502")
	})
	done, _ := q.Enqueue(context.Background(), "slow", nil, 0)
	failed, _ := q.Enqueue(context.Background(), "broken", nil, 0)

	if n, _ := w.RunOnce(ctx); n != 2 {
		t.Fatalf("RunOnce = %d, want 2", n)
	}
	got, _ := q.Get(context.Background(), done.ID)
	if got.Status != models.TaskDone {
		t.Errorf("slow Status = %q, want %q", got.Status, models.TaskDone)
	}
	got, _ = q.Get(context.Background(), failed.ID)
	if got.Status != models.TaskPending || got.LastError != "upstream 502" {
		t.Errorf("broken = %q / %q, want pending retry", got.Status, got.LastError)
	}
}

func TestWorker_RetriesThenFails(t *testing.T) {
	q, w, c := setup(t)
	ctx := context.Background()

	w.Register("flaky", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	})
	task, _ := q.Enqueue(ctx, "flaky", nil, 0)

	for attempt := 1; attempt <= 3; attempt++ {
		if n, _ := w.RunOnce(ctx); n != 1 {
			t.Fatalf("attempt %d: RunOnce = %d, want 1", attempt, n)
		}
		got, _ := q.Get(ctx, task.ID)
		if got.Attempts != attempt {
			t.Errorf("Attempts = %d, want %d", got.Attempts, attempt)
		}
		if got.LastError != "boom" {
			t.Errorf("LastError = %q, want boom", got.LastError)
		}
		c.advance(10 * time.Minute)
	}

	got, _ := q.Get(ctx, task.ID)
	if got.Status != models.TaskFailed {
		t.Errorf("Status = %q, want %q", got.Status, models.TaskFailed)
	}
	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Errorf("failed task ran again")
	}
}

func TestWorker_RetryWaitsForBackoff(t *testing.T) {
	q, w, c := setup(t)
	ctx := context.Background()

	w.Register("flaky", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	})
	q.Enqueue(ctx, "flaky", nil, 0)
	w.RunOnce(ctx)

	if n, _ := w.RunOnce(ctx); n != 0 {
		t.Error("retry ran before backoff elapsed")
	}
	c.advance(Backoff(1))
	if n, _ := w.RunOnce(ctx); n != 1 {
		t.Error("retry did not run after backoff")
	}
}

func TestWorker_UnknownKindFailsImmediately(t *testing.T) {
	q, w, _ := setup(t)
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "mystery", nil, 0)
	w.RunOnce(ctx)

	got, _ := q.Get(ctx, task.ID)
	if got.Status != models.TaskFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "unknown task kind") {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestWorker_PanicBecomesError(t *testing.T) {
	q, w, _ := setup(t)
	ctx := context.Background()

	w.Register("explode", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		panic("kaboom")
	})
	task, _ := q.Enqueue(ctx, "explode", nil, 0)
	w.RunOnce(ctx)

	got, _ := q.Get(ctx, task.ID)
	if !strings.Contains(got.LastError, "kaboom") {
		t.Errorf("LastError = %q, want panic message", got.LastError)
	}
	if got.Status != models.TaskPending {
		t.Errorf("Status = %q, want pending retry", got.Status)
	}
}

func TestClaim_SkipsAlreadyClaimed(t *testing.T) {
	q, _, _ := setup(t)
	ctx := context.Background()

	q.Enqueue(ctx, "a", nil, 0)
	first, err := q.claim(ctx, 10)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %d, %v", len(first), err)
	}
	second, err := q.claim(ctx, 10)
	if err != nil || len(second) != 0 {
		t.Errorf("second claim = %d, %v; want 0", len(second), err)
	}
}

func TestReclaimStale(t *testing.T) {
	q, _, c := setup(t)
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "slow", nil, 0)
	q.claim(ctx, 1)

	if n, _ := q.ReclaimStale(ctx, 5*time.Minute); n != 0 {
		t.Errorf("reclaimed fresh task")
	}
	c.advance(6 * time.Minute)
	n, err := q.ReclaimStale(ctx, 5*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("ReclaimStale = %d, %v; want 1", n, err)
	}
	got, _ := q.Get(ctx, task.ID)
	if got.Status != models.TaskPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestList_FiltersByStatus(t *testing.T) {
	q, w, _ := setup(t)
	ctx := context.Background()
	w.Register("ok", func(ctx context.Context, payload json.RawMessage) (interface{}, error) { return nil, nil })

	q.Enqueue(ctx, "ok", nil, 0)
	q.Enqueue(ctx, "ok", nil, time.Hour)
	w.RunOnce(ctx)

	done, _ := q.List(ctx, models.TaskDone, 10)
	pending, _ := q.List(ctx, models.TaskPending, 10)
	all, _ := q.List(ctx, "", 10)
	if len(done) != 1 || len(pending) != 1 || len(all) != 2 {
		t.Errorf("done=%d pending=%d all=%d, want 1 1 2", len(done), len(pending), len(all))
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	_, w, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}
