package replica

import (
	"context"

	"go.uber.org/zap"

	appErrors "mindmesh-backend/pkg/errors"
)

// writeQueue serializes post-write syncs. Callers block until their sync
// completes, but the work itself runs on a single worker so concurrent
// writers never produce overlapping syncs. The queue is bounded; a full
// queue is reported as transient contention rather than blocking the write
// path indefinitely.
type writeQueue struct {
	jobs   chan *syncJob
	stop   chan struct{}
	done   chan struct{}
	run    func(context.Context) error
	logger *zap.Logger
}

type syncJob struct {
	ctx    context.Context
	result chan error
}

func newWriteQueue(size int, run func(context.Context) error, logger *zap.Logger) *writeQueue {
	q := &writeQueue{
		jobs:   make(chan *syncJob, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		run:    run,
		logger: logger,
	}
	go q.loop()
	return q
}

func (q *writeQueue) loop() {
	defer close(q.done)
	for {
		select {
		case job := <-q.jobs:
			job.result <- q.run(job.ctx)
		case <-q.stop:
			// Drain so no enqueuer is left blocked on its result.
			for {
				select {
				case job := <-q.jobs:
					job.result <- appErrors.NewTransient("sync queue shutting down", nil)
				default:
					return
				}
			}
		}
	}
}

// enqueue schedules one sync and waits for it to finish.
func (q *writeQueue) enqueue(ctx context.Context) error {
	job := &syncJob{ctx: ctx, result: make(chan error, 1)}
	select {
	case q.jobs <- job:
	default:
		q.logger.Warn("sync queue full, rejecting post-write sync")
		return appErrors.NewTransient("sync queue full", nil)
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the worker and waits for it to exit.
func (q *writeQueue) close() {
	close(q.stop)
	<-q.done
}
