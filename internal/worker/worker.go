// Package worker runs background jobs taken from the Redis queues.
package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orgforge/backend/pkg/queue"
)

// Processor executes one job. A returned error re-enqueues the job until
// queue.MaxRetries is reached.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// Worker dispatches dequeued jobs to the processor registered for their type.
type Worker struct {
	queue      *queue.Queue
	processors map[queue.JobType]Processor
	logger     *zap.Logger
	backoff    time.Duration
}

// New creates a worker over q.
func New(q *queue.Queue, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:      q,
		processors: make(map[queue.JobType]Processor),
		logger:     logger,
		backoff:    queue.RetryBackoff,
	}
}

// Handle registers p for jobs of type t.
func (w *Worker) Handle(t queue.JobType, p Processor) {
	w.processors[t] = p
}

func (w *Worker) keys() []string {
	keys := make([]string, 0, len(w.processors))
	for t := range w.processors {
		keys = append(keys, queue.KeyFor(t))
	}
	sort.Strings(keys)
	return keys
}

// Process runs a single job through its processor.
func (w *Worker) Process(ctx context.Context, job *queue.Job) error {
	p, ok := w.processors[job.Type]
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	return p.Process(ctx, job)
}

// Run starts the worker loop: dequeue, process, retry on error.
func (w *Worker) Run(ctx context.Context) {
	keys := w.keys()
	w.logger.Info("worker started", zap.Strings("queues", keys))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		default:
		}

		job, _, err := w.queue.Dequeue(ctx, queue.DequeueTimeout, keys...)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Warn("dequeue error", zap.Error(err))
			sleep(ctx, w.backoff)
			continue
		}
		if job == nil {
			continue
		}

		w.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := w.Process(ctx, job); err != nil {
			if ctx.Err() != nil {
				// Interrupted by shutdown; resumable work is recovered on restart.
				w.logger.Info("job interrupted", zap.String("job_id", job.ID))
				continue
			}
			w.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := w.queue.Retry(ctx, job); reErr != nil {
				w.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			sleep(ctx, w.backoff)
			continue
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
