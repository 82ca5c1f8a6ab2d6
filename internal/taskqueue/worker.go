package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/agentdesk/internal/models"
)

// Handler executes one task. The returned value is stored as the task result.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// WorkerOpts configures a Worker.
type WorkerOpts struct {
	Queue        *Queue
	PollInterval time.Duration
	Concurrency  int
}

// Worker pulls due tasks and dispatches them to registered handlers.
type Worker struct {
	queue        *Queue
	pollInterval time.Duration
	concurrency  int

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker validates opts and returns a Worker.
func NewWorker(opts WorkerOpts) (*Worker, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("taskqueue: queue is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Worker{
		queue:        opts.Queue,
		pollInterval: opts.PollInterval,
		concurrency:  opts.Concurrency,
		handlers:     make(map[string]Handler),
	}, nil
}

// Register binds a handler to a task kind, replacing any previous one.
func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Kinds returns the number of registered task kinds.
func (w *Worker) Kinds() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.handlers)
}

func (w *Worker) handler(kind string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[kind]
	return h, ok
}

// RunOnce claims up to Concurrency due tasks and runs them one after the
// other. It returns the number of tasks executed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	tasks, err := w.queue.claim(ctx, w.concurrency)
	for _, t := range tasks {
		w.execute(ctx, t)
	}
	return len(tasks), err
}

// Run polls until ctx is cancelled, running up to Concurrency tasks at once.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
		}

		free := w.concurrency - len(sem)
		if free <= 0 {
			continue
		}
		tasks, err := w.queue.claim(ctx, free)
		if err != nil {
			log.Printf("taskqueue: %v", err)
		}
		for _, t := range tasks {
			sem <- struct{}{}
			wg.Add(1)
			go func(t models.Task) {
				defer wg.Done()
				defer func() { <-sem }()
				w.execute(ctx, t)
			}(t)
		}
	}
}

func (w *Worker) execute(ctx context.Context, t models.Task) {
	h, ok := w.handler(t.Kind)
	if !ok {
		if err := w.queue.fail(ctx, t, fmt.Errorf("%w: %s", ErrUnknownKind, t.Kind)); err != nil {
			log.Printf("taskqueue: %v", err)
		}
		return
	}

	result, err := safeCall(ctx, h, json.RawMessage(t.Payload))
	// Record the outcome even when shutdown cancelled ctx mid-task, or the
	// task stays running until the stale sweep re-queues it.
	done := context.WithoutCancel(ctx)
	if err != nil {
		log.Printf("taskqueue: task %d (%s) attempt %d failed: %v", t.ID, t.Kind, t.Attempts, err)
		if ferr := w.queue.fail(done, t, err); ferr != nil {
			log.Printf("taskqueue: %v", ferr)
		}
		return
	}
	if err := w.queue.complete(done, t, result); err != nil {
		log.Printf("taskqueue: %v", err)
	}
}

// safeCall turns a handler panic into an error so one bad task cannot take
// the worker down.
func safeCall(ctx context.Context, h Handler, payload json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
