package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/projection"
	"github.com/orgforge/backend/internal/provisioning"
)

func (b *Backend) CreateSaga(_ context.Context, saga *provisioning.Saga) error {
	b.sagaMu.Lock()
	defer b.sagaMu.Unlock()
	if _, ok := b.sagaByKey[saga.IdempotencyKey]; ok {
		return provisioning.ErrSagaExists
	}
	if _, ok := b.sagas[saga.ID]; ok {
		return provisioning.ErrSagaExists
	}
	b.sagas[saga.ID] = *saga.Clone()
	b.sagaByKey[saga.IdempotencyKey] = saga.ID
	return nil
}

func (b *Backend) GetSaga(_ context.Context, id uuid.UUID) (*provisioning.Saga, error) {
	b.sagaMu.Lock()
	defer b.sagaMu.Unlock()
	s, ok := b.sagas[id]
	if !ok {
		return nil, provisioning.ErrSagaNotFound
	}
	return s.Clone(), nil
}

func (b *Backend) GetSagaByKey(_ context.Context, key string) (*provisioning.Saga, error) {
	b.sagaMu.Lock()
	defer b.sagaMu.Unlock()
	id, ok := b.sagaByKey[key]
	if !ok {
		return nil, provisioning.ErrSagaNotFound
	}
	s := b.sagas[id]
	return s.Clone(), nil
}

func (b *Backend) SaveSaga(_ context.Context, saga *provisioning.Saga) error {
	b.sagaMu.Lock()
	defer b.sagaMu.Unlock()
	stored, ok := b.sagas[saga.ID]
	if !ok {
		return provisioning.ErrSagaNotFound
	}
	next := *saga.Clone()
	next.CancelRequested = next.CancelRequested || stored.CancelRequested
	b.sagas[saga.ID] = next
	return nil
}

func (b *Backend) ResetSaga(_ context.Context, saga *provisioning.Saga, expect provisioning.Status) error {
	b.sagaMu.Lock()
	defer b.sagaMu.Unlock()
	stored, ok := b.sagas[saga.ID]
	if !ok {
		return provisioning.ErrSagaNotFound
	}
	if stored.Status != expect {
		return provisioning.ErrSagaConflict
	}
	next := *saga.Clone()
	next.CancelRequested = false
	b.sagas[saga.ID] = next
	b.sagaByKey[saga.IdempotencyKey] = saga.ID
	return nil
}

func (b *Backend) RequestCancel(_ context.Context, id uuid.UUID) (*provisioning.Saga, error) {
	b.sagaMu.Lock()
	defer b.sagaMu.Unlock()
	s, ok := b.sagas[id]
	if !ok {
		return nil, provisioning.ErrSagaNotFound
	}
	if s.Status.Terminal() {
		return s.Clone(), provisioning.ErrSagaFinished
	}
	s.CancelRequested = true
	b.sagas[id] = s
	return s.Clone(), nil
}

func (b *Backend) ListResumable(_ context.Context) ([]*provisioning.Saga, error) {
	b.sagaMu.Lock()
	defer b.sagaMu.Unlock()
	var out []*provisioning.Saga
	for _, s := range b.sagas {
		if !s.Status.Terminal() {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

var (
	_ eventstore.Backend = (*Backend)(nil)
	_ projection.Reader  = (*Backend)(nil)
	_ provisioning.Store = (*Backend)(nil)
)
