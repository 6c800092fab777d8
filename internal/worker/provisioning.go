package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/provisioning"
	"github.com/orgforge/backend/pkg/queue"
	"github.com/orgforge/backend/pkg/redis"
)

// DefaultLeaseTTL is used when the processor is created with a zero TTL.
const DefaultLeaseTTL = 10 * time.Minute

// SagaExecutor runs a saga to a terminal or suspended state.
type SagaExecutor interface {
	Execute(ctx context.Context, sagaID uuid.UUID) (*provisioning.Saga, error)
}

// ProvisioningProcessor executes provisioning sagas under a per-saga lease so
// two workers never run the same saga at once.
type ProvisioningProcessor struct {
	exec     SagaExecutor
	store    provisioning.Store
	queue    provisioning.Enqueuer
	locker   *redis.Locker
	leaseTTL time.Duration
	logger   *zap.Logger
}

// NewProvisioningProcessor creates a provisioning saga processor.
func NewProvisioningProcessor(exec SagaExecutor, store provisioning.Store, q provisioning.Enqueuer, locker *redis.Locker, leaseTTL time.Duration, logger *zap.Logger) *ProvisioningProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &ProvisioningProcessor{exec: exec, store: store, queue: q, locker: locker, leaseTTL: leaseTTL, logger: logger}
}

// Process executes one provisioning job. A job for a saga leased by another
// worker is dropped; that worker finishes the saga.
func (p *ProvisioningProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeProvisionSaga {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SagaPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	log := p.logger.With(zap.String("saga_id", payload.SagaID.String()), zap.String("job_id", job.ID))

	lease, err := p.locker.Acquire(ctx, payload.SagaID.String(), p.leaseTTL)
	if errors.Is(err, redis.ErrLeaseHeld) {
		log.Info("saga leased by another worker, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release saga lease", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var lost atomic.Bool
	go p.keepAlive(runCtx, lease, func() {
		lost.Store(true)
		cancel()
	}, log)

	saga, err := p.exec.Execute(runCtx, payload.SagaID)
	if errors.Is(err, provisioning.ErrSagaNotFound) {
		log.Warn("saga not found, dropping job")
		return nil
	}
	if lost.Load() && ctx.Err() == nil {
		// Suspended at a step boundary. Whoever holds the lease now skips
		// the job; otherwise the next worker resumes the saga.
		log.Warn("saga lease lost, saga suspended")
		if qerr := p.queue.EnqueueSaga(context.WithoutCancel(ctx), payload.SagaID); qerr != nil {
			return fmt.Errorf("re-enqueue saga after lease loss: %w", qerr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("execute saga: %w", err)
	}
	log.Info("saga processed", zap.String("status", string(saga.Status)), zap.Int("attempt", saga.Attempt))
	return nil
}

// keepAlive extends the lease until ctx is done. onLost runs once when the
// lease expired or was taken over; other extend errors are retried on the
// next tick.
func (p *ProvisioningProcessor) keepAlive(ctx context.Context, lease *redis.Lease, onLost func(), log *zap.Logger) {
	t := time.NewTicker(p.leaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := lease.Extend(ctx, p.leaseTTL)
			switch {
			case err == nil || ctx.Err() != nil:
			case errors.Is(err, redis.ErrLeaseLost):
				log.Error("saga lease lost, stopping execution", zap.Error(err))
				onLost()
				return
			default:
				log.Warn("extend saga lease", zap.Error(err))
			}
		}
	}
}

// Recover re-enqueues every saga left unfinished by a crash or shutdown.
func (p *ProvisioningProcessor) Recover(ctx context.Context) (int, error) {
	sagas, err := p.store.ListResumable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resumable sagas: %w", err)
	}
	for _, s := range sagas {
		if err := p.queue.EnqueueSaga(ctx, s.ID); err != nil {
			return 0, err
		}
		p.logger.Info("resuming saga",
			zap.String("saga_id", s.ID.String()),
			zap.String("status", string(s.Status)),
			zap.Int("step_index", s.StepIndex),
		)
	}
	return len(sagas), nil
}
