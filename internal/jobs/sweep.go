package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field expressions and descriptors such as "@every 5m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Reclaimer returns tasks whose worker died to the queue.
type Reclaimer interface {
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// sweep is one periodic job.
type sweep struct {
	name  string
	sched cron.Schedule
	run   func(ctx context.Context)
}

// Sweeper runs periodic maintenance on cron schedules.
type Sweeper struct {
	sweeps []sweep
	now    func() time.Time
}

// SweeperOpts configures a Sweeper. Empty schedules disable their sweep.
type SweeperOpts struct {
	Templates        TemplateSyncer
	TemplateSyncCron string
	Queue            Reclaimer
	StaleAfter       time.Duration
}

// NewSweeper parses the schedules and returns a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	s := &Sweeper{now: time.Now}
	if opts.Templates != nil && opts.TemplateSyncCron != "" {
		sched, err := cronParser.Parse(opts.TemplateSyncCron)
		if err != nil {
			return nil, fmt.Errorf("jobs: template sync schedule %q: %w", opts.TemplateSyncCron, err)
		}
		syncer := opts.Templates
		s.sweeps = append(s.sweeps, sweep{name: "template_sync", sched: sched, run: func(ctx context.Context) {
			results, err := syncer.SyncAll(ctx)
			if err != nil {
				log.Printf("jobs: template sync: %v", err)
				return
			}
			log.Printf("jobs: template sync: %d workspaces", len(results))
		}})
	}
	if opts.Queue != nil && opts.StaleAfter > 0 {
		queue, staleAfter := opts.Queue, opts.StaleAfter
		s.sweeps = append(s.sweeps, sweep{name: "reclaim", sched: cron.Every(staleAfter / 2), run: func(ctx context.Context) {
			n, err := queue.ReclaimStale(ctx, staleAfter)
			if err != nil {
				log.Printf("jobs: reclaim stale tasks: %v", err)
				return
			}
			if n > 0 {
				log.Printf("jobs: reclaimed %d stale tasks", n)
			}
		}})
	}
	return s, nil
}

// Len returns the number of enabled sweeps.
func (s *Sweeper) Len() int { return len(s.sweeps) }

// first returns the index of the earliest due time.
func first(due []time.Time) int {
	best := 0
	for i := range due {
		if due[i].Before(due[best]) {
			best = i
		}
	}
	return best
}

// Run fires sweeps until ctx is cancelled. With no sweeps it returns at once.
func (s *Sweeper) Run(ctx context.Context) error {
	if len(s.sweeps) == 0 {
		return nil
	}
	due := make([]time.Time, len(s.sweeps))
	for i, sw := range s.sweeps {
		due[i] = sw.sched.Next(s.now())
	}
	for {
		i := first(due)
		wait := due[i].Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.sweeps[i].run(ctx)
			due[i] = s.sweeps[i].sched.Next(s.now())
		}
	}
}
