package provisioning

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrSagaNotFound = errors.New("saga not found")
	// ErrSagaExists is returned by CreateSaga when the idempotency key is taken.
	ErrSagaExists = errors.New("saga already exists for idempotency key")
	// ErrSagaConflict is returned by ResetSaga when the stored status no
	// longer matches the expected one.
	ErrSagaConflict = errors.New("saga changed concurrently")
	ErrSagaFinished = errors.New("saga already finished")
)

// Store persists saga records.
type Store interface {
	CreateSaga(ctx context.Context, saga *Saga) error
	GetSaga(ctx context.Context, id uuid.UUID) (*Saga, error)
	GetSagaByKey(ctx context.Context, key string) (*Saga, error)
	// SaveSaga writes the saga. A cancellation requested since the saga was
	// read is preserved.
	SaveSaga(ctx context.Context, saga *Saga) error
	// ResetSaga replaces the saga only if its stored status is expect. The
	// cancellation flag is cleared.
	ResetSaga(ctx context.Context, saga *Saga, expect Status) error
	// RequestCancel flags a non-terminal saga for cancellation.
	RequestCancel(ctx context.Context, id uuid.UUID) (*Saga, error)
	// ListResumable returns every saga that is not terminal.
	ListResumable(ctx context.Context) ([]*Saga, error)
}
