package jobs

import (
	"context"
	"testing"
	"time"
)

type fakeReclaimer struct{ calls int }

func (f *fakeReclaimer) ReclaimStale(context.Context, time.Duration) (int64, error) {
	f.calls++
	return 1, nil
}

func TestNewSweeper(t *testing.T) {
	if _, err := NewSweeper(SweeperOpts{Templates: &fakeTemplates{}, TemplateSyncCron: "not a cron"}); err == nil {
		t.Error("invalid schedule accepted")
	}
	s, err := NewSweeper(SweeperOpts{})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("sweeps = %d, want 0", s.Len())
	}
	if err := s.Run(context.Background()); err != nil {
		t.Errorf("Run with no sweeps = %v", err)
	}
}

func TestSweeper_Schedules(t *testing.T) {
	s, err := NewSweeper(SweeperOpts{
		Templates:        &fakeTemplates{},
		TemplateSyncCron: "0 */6 * * *",
		Queue:            &fakeReclaimer{},
		StaleAfter:       10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	at := time.Date(2026, 3, 10, 5, 58, 0, 0, time.UTC)
	due := []time.Time{s.sweeps[0].sched.Next(at), s.sweeps[1].sched.Next(at)}
	if i := first(due); s.sweeps[i].name != "template_sync" || !due[i].Equal(at.Add(2*time.Minute)) {
		t.Errorf("first = %s at %v, want template_sync at 06:00", s.sweeps[i].name, due[i])
	}
	due[0] = s.sweeps[0].sched.Next(due[0])
	if i := first(due); s.sweeps[i].name != "reclaim" || !due[i].Equal(at.Add(5*time.Minute)) {
		t.Errorf("first = %s at %v, want reclaim at 06:03", s.sweeps[i].name, due[i])
	}
}

func TestSweeper_RunFires(t *testing.T) {
	r := &fakeReclaimer{}
	s, err := NewSweeper(SweeperOpts{Templates: &fakeTemplates{}, TemplateSyncCron: "@every 1s", Queue: r, StaleAfter: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.calls == 0 {
		t.Error("reclaim never ran")
	}
}
