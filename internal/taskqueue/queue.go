// Package taskqueue is a durable delayed-task queue stored in the relational
// database. Workers claim due tasks with an optimistic status flip so any
// number of worker processes can share one table.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/agentdesk/internal/models"
	"gorm.io/gorm"
)

// DefaultMaxAttempts is used when Opts.MaxAttempts is zero.
const DefaultMaxAttempts = 5

// ErrUnknownKind is recorded on tasks no handler is registered for.
var ErrUnknownKind = errors.New("taskqueue: unknown task kind")

// Opts configures a Queue.
type Opts struct {
	DB          *gorm.DB
	MaxAttempts int
}

// Queue enqueues and inspects tasks.
type Queue struct {
	db          *gorm.DB
	maxAttempts int
	now         func() time.Time
}

// New validates opts and returns a Queue.
func New(opts Opts) (*Queue, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("taskqueue: db is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Queue{db: opts.DB, maxAttempts: opts.MaxAttempts, now: time.Now}, nil
}

// SetClock replaces the queue clock.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Enqueue stores a task of kind that becomes due after delay.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}, delay time.Duration) (*models.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: marshal %s payload: %w", kind, err)
	}
	task := &models.Task{
		Kind:        kind,
		Payload:     data,
		RunAt:       q.now().Add(delay),
		Status:      models.TaskPending,
		MaxAttempts: q.maxAttempts,
	}
	if err := q.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("taskqueue: enqueue %s: %w", kind, err)
	}
	return task, nil
}

// Get loads a task by id.
func (q *Queue) Get(ctx context.Context, id uint) (*models.Task, error) {
	var task models.Task
	if err := q.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return nil, fmt.Errorf("taskqueue: get %d: %w", id, err)
	}
	return &task, nil
}

// List returns the most recent tasks, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := q.db.WithContext(ctx).Order("id desc").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var tasks []models.Task
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("taskqueue: list: %w", err)
	}
	return tasks, nil
}

// claim flips due pending tasks to running, at most limit of them. A task
// another worker flipped first is skipped.
func (q *Queue) claim(ctx context.Context, limit int) ([]models.Task, error) {
	now := q.now()
	var due []models.Task
	if err := q.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", models.TaskPending, now).
		Order("run_at asc, id asc").
		Limit(limit).
		Find(&due).Error; err != nil {
		return nil, fmt.Errorf("taskqueue: query due: %w", err)
	}

	claimed := due[:0]
	for _, t := range due {
		res := q.db.WithContext(ctx).Model(&models.Task{}).
			Where("id = ? AND status = ?", t.ID, models.TaskPending).
			Updates(map[string]interface{}{
				"status":    models.TaskRunning,
				"locked_at": now,
				"attempts":  gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("taskqueue: claim %d: %w", t.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		t.Status = models.TaskRunning
		t.Attempts++
		t.LockedAt = &now
		claimed = append(claimed, t)
	}
	return claimed, nil
}

// complete marks a claimed task done and stores its result.
func (q *Queue) complete(ctx context.Context, t models.Task, result interface{}) error {
	updates := map[string]interface{}{
		"status":     models.TaskDone,
		"last_error": "",
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("taskqueue: marshal result of %d: %w", t.ID, err)
		}
		updates["result"] = data
	}
	if err := q.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", t.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("taskqueue: complete %d: %w", t.ID, err)
	}
	return nil
}

// fail schedules a retry with exponential backoff, or marks the task failed
// once its attempts are used up.
func (q *Queue) fail(ctx context.Context, t models.Task, cause error) error {
	updates := map[string]interface{}{"last_error": cause.Error()}
	max := t.MaxAttempts
	if max <= 0 {
		max = q.maxAttempts
	}
	if t.Attempts >= max || errors.Is(cause, ErrUnknownKind) {
		updates["status"] = models.TaskFailed
	} else {
		updates["status"] = models.TaskPending
		updates["run_at"] = q.now().Add(Backoff(t.Attempts))
	}
	if err := q.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", t.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("taskqueue: fail %d: %w", t.ID, err)
	}
	return nil
}

// ReclaimStale returns running tasks locked before now-staleAfter to the
// pending state so a crashed worker's tasks are picked up again.
func (q *Queue) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := q.now().Add(-staleAfter)
	res := q.db.WithContext(ctx).Model(&models.Task{}).
		Where("status = ? AND locked_at < ?", models.TaskRunning, cutoff).
		Updates(map[string]interface{}{
			"status":    models.TaskPending,
			"locked_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("taskqueue: reclaim stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Backoff is the retry delay after the given number of attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > 5*time.Minute || d <= 0 {
		d = 5 * time.Minute
	}
	return d
}
