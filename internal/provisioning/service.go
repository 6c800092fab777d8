package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/events"
)

// Enqueuer hands a saga to the workers.
type Enqueuer interface {
	EnqueueSaga(ctx context.Context, sagaID uuid.UUID) error
}

// Service is the entry point for provisioning requests.
type Service struct {
	store Store
	queue Enqueuer
	pub   StatusPublisher
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a provisioning service. pub may be nil.
func NewService(store Store, queue Enqueuer, pub StatusPublisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, queue: queue, pub: pub, log: logger, now: time.Now}
}

// Trigger starts provisioning for req, or attaches to the saga already
// registered under its idempotency key. started is true when a new saga or
// a new attempt was queued.
//
// A failed-and-compensated saga is retried as a new attempt with the new
// request. A saga whose compensation is incomplete is returned as is and
// needs an operator.
func (s *Service) Trigger(ctx context.Context, req Request) (saga *Saga, started bool, err error) {
	if err := req.Normalize(); err != nil {
		return nil, false, err
	}
	now := s.now().UTC()

	existing, err := s.store.GetSagaByKey(ctx, req.IdempotencyKey)
	switch {
	case errors.Is(err, ErrSagaNotFound):
		saga = newSaga(req, now)
		saga.Metadata = requestMetadata(ctx)
		if err := s.store.CreateSaga(ctx, saga); err != nil {
			if errors.Is(err, ErrSagaExists) {
				existing, gerr := s.store.GetSagaByKey(ctx, req.IdempotencyKey)
				if gerr != nil {
					return nil, false, gerr
				}
				return existing, false, nil
			}
			return nil, false, fmt.Errorf("create saga: %w", err)
		}
		s.log.Info("provisioning saga created",
			zap.String("saga_id", saga.ID.String()),
			zap.String("idempotency_key", saga.IdempotencyKey),
		)
	case err != nil:
		return nil, false, err
	case existing.Status == StatusFailedAndCompensated:
		saga = existing.nextAttempt(req, now)
		if md := requestMetadata(ctx); !md.IsZero() {
			saga.Metadata = md
		}
		if err := s.store.ResetSaga(ctx, saga, StatusFailedAndCompensated); err != nil {
			if errors.Is(err, ErrSagaConflict) {
				current, gerr := s.store.GetSaga(ctx, existing.ID)
				if gerr != nil {
					return nil, false, gerr
				}
				return current, false, nil
			}
			return nil, false, fmt.Errorf("reset saga: %w", err)
		}
		s.log.Info("provisioning saga restarted",
			zap.String("saga_id", saga.ID.String()),
			zap.Int("attempt", saga.Attempt),
		)
	case existing.Status == StatusPending:
		// The first enqueue may have been lost; workers skip duplicates.
		if err := s.queue.EnqueueSaga(ctx, existing.ID); err != nil {
			return existing, false, fmt.Errorf("enqueue saga: %w", err)
		}
		return existing, false, nil
	default:
		return existing, false, nil
	}

	publish(ctx, s.pub, s.log, saga)
	if err := s.queue.EnqueueSaga(ctx, saga.ID); err != nil {
		return saga, true, fmt.Errorf("enqueue saga: %w", err)
	}
	return saga, true, nil
}

// requestMetadata keeps who asked and under which correlation. Causation and
// reason are set per step by the orchestrator.
func requestMetadata(ctx context.Context) events.Metadata {
	md := events.MetadataFrom(ctx)
	md.CausationID, md.Reason = "", ""
	return md
}

// Get returns a saga by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Saga, error) {
	return s.store.GetSaga(ctx, id)
}

// GetByKey returns the saga registered for an idempotency key.
func (s *Service) GetByKey(ctx context.Context, key string) (*Saga, error) {
	return s.store.GetSagaByKey(ctx, key)
}

// Cancel requests cancellation. The running worker compensates at the next
// step boundary; a pending saga is compensated when a worker picks it up.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Saga, error) {
	saga, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return saga, err
	}
	s.log.Info("provisioning saga cancellation requested", zap.String("saga_id", id.String()))
	if saga.Status == StatusPending {
		if err := s.queue.EnqueueSaga(ctx, id); err != nil {
			return saga, fmt.Errorf("enqueue saga: %w", err)
		}
	}
	return saga, nil
}
