package pipeline

import (
	"context"
	"log/slog"
	"sync"
)

// Queue is a bounded, supervised work queue of session ids. The dispatcher
// and upload path hand sessions to it instead of spawning detached
// goroutines, so pipeline failures are logged and remain visible to the
// recovery sweep's stuck-session query rather than vanishing.
type Queue struct {
	jobs    chan string
	workers int
	logger  *slog.Logger
	run     func(ctx context.Context, sessionID string) error

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue creates a queue with the given worker count and buffer size.
func NewQueue(workers, buffer int, logger *slog.Logger, run func(ctx context.Context, sessionID string) error) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{
		jobs:    make(chan string, buffer),
		workers: workers,
		logger:  logger,
		run:     run,
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled or
// the queue is closed.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-q.jobs:
			if !ok {
				return
			}
			if err := q.run(ctx, id); err != nil {
				q.logger.Error("pipeline run failed", "session_id", id, "error", err)
			}
		}
	}
}

// Enqueue hands a session to the pool without blocking the caller. A full
// or stopped queue drops the job and reports false; the recovery sweep will
// pick the session up later.
func (q *Queue) Enqueue(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("pipeline queue stopped, deferring to recovery sweep", "session_id", sessionID)
		return false
	}
	select {
	case q.jobs <- sessionID:
		return true
	default:
		q.logger.Warn("pipeline queue full, deferring to recovery sweep", "session_id", sessionID)
		return false
	}
}

// Stop rejects further jobs and waits for queued and in-flight work to
// finish. Handlers racing a shutdown see their Enqueue refused rather than
// a send on a closed channel; the sweep picks those sessions up on restart.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
