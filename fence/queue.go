package fence

import (
	"context"

	"golang.org/x/exp/slog"
)

type submitJob struct {
	batch *Batch
	// done receives the submission result; nil when nobody waits on it
	done chan error
}

// submitQueue submits batches from a single goroutine, in the order they were pushed
type submitQueue struct {
	tracker  *Tracker
	logger   *slog.Logger
	jobs     chan submitJob
	finished chan struct{}
}

func newSubmitQueue(tracker *Tracker, logger *slog.Logger, depth int) *submitQueue {
	q := &submitQueue{
		tracker:  tracker,
		logger:   logger,
		jobs:     make(chan submitJob, depth),
		finished: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *submitQueue) run() {
	defer close(q.finished)

	for job := range q.jobs {
		err := q.tracker.submit(job.batch.token, job.batch.commandBuffers())
		if job.done != nil {
			job.done <- err
		} else if err != nil {
			q.logger.LogAttrs(context.Background(), slog.LevelError, "asynchronous batch submission failed",
				slog.Any("error", err))
		}
	}
}

func (q *submitQueue) push(job submitJob) {
	q.jobs <- job
}

// close stops accepting work and blocks until every pushed batch has been submitted
func (q *submitQueue) close() {
	close(q.jobs)
	<-q.finished
}
