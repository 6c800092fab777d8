package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orgforge/backend/internal/provisioning"
)

// The saga is stored as one JSON document. Status, attempt and the cancel
// flag are also kept in columns so they can be updated and filtered on.
const sagaColumns = `state, cancel_requested`

func scanSaga(row pgx.Row) (*provisioning.Saga, error) {
	var (
		state     []byte
		cancelled bool
	)
	if err := row.Scan(&state, &cancelled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, provisioning.ErrSagaNotFound
		}
		return nil, err
	}
	var s provisioning.Saga
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("decode saga: %w", err)
	}
	s.CancelRequested = cancelled
	return &s, nil
}

func (b *Backend) CreateSaga(ctx context.Context, saga *provisioning.Saga) error {
	state, err := json.Marshal(saga)
	if err != nil {
		return fmt.Errorf("encode saga: %w", err)
	}
	const q = `INSERT INTO provisioning_sagas
		(id, idempotency_key, status, attempt, cancel_requested, state, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = b.pool.Exec(ctx, q, saga.ID, saga.IdempotencyKey, string(saga.Status), saga.Attempt, saga.CancelRequested,
		string(state), saga.CreatedAt, saga.UpdatedAt, saga.CompletedAt)
	if isUniqueViolation(err) {
		return provisioning.ErrSagaExists
	}
	return err
}

func (b *Backend) GetSaga(ctx context.Context, id uuid.UUID) (*provisioning.Saga, error) {
	return scanSaga(b.pool.QueryRow(ctx, `SELECT `+sagaColumns+` FROM provisioning_sagas WHERE id = $1`, id))
}

func (b *Backend) GetSagaByKey(ctx context.Context, key string) (*provisioning.Saga, error) {
	return scanSaga(b.pool.QueryRow(ctx, `SELECT `+sagaColumns+` FROM provisioning_sagas WHERE idempotency_key = $1`, key))
}

// SaveSaga keeps a cancellation requested since the saga was read.
func (b *Backend) SaveSaga(ctx context.Context, saga *provisioning.Saga) error {
	state, err := json.Marshal(saga)
	if err != nil {
		return fmt.Errorf("encode saga: %w", err)
	}
	const q = `UPDATE provisioning_sagas SET
			status = $2, attempt = $3, cancel_requested = cancel_requested OR $4, state = $5,
			updated_at = $6, completed_at = $7
		WHERE id = $1`
	tag, err := b.pool.Exec(ctx, q, saga.ID, string(saga.Status), saga.Attempt, saga.CancelRequested, string(state),
		saga.UpdatedAt, saga.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return provisioning.ErrSagaNotFound
	}
	return nil
}

func (b *Backend) ResetSaga(ctx context.Context, saga *provisioning.Saga, expect provisioning.Status) error {
	reset := saga.Clone()
	reset.CancelRequested = false
	state, err := json.Marshal(reset)
	if err != nil {
		return fmt.Errorf("encode saga: %w", err)
	}
	const q = `UPDATE provisioning_sagas SET
			status = $3, attempt = $4, cancel_requested = FALSE, state = $5, updated_at = $6, completed_at = NULL
		WHERE id = $1 AND status = $2`
	tag, err := b.pool.Exec(ctx, q, saga.ID, string(expect), string(reset.Status), reset.Attempt, string(state), reset.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := b.GetSaga(ctx, saga.ID); err != nil {
			return err
		}
		return provisioning.ErrSagaConflict
	}
	return nil
}

func (b *Backend) RequestCancel(ctx context.Context, id uuid.UUID) (*provisioning.Saga, error) {
	const q = `UPDATE provisioning_sagas SET cancel_requested = TRUE
		WHERE id = $1 AND status NOT IN ($2, $3, $4)
		RETURNING ` + sagaColumns
	saga, err := scanSaga(b.pool.QueryRow(ctx, q, id,
		string(provisioning.StatusCompleted),
		string(provisioning.StatusFailedAndCompensated),
		string(provisioning.StatusFailedCompensationIncomplete),
	))
	if !errors.Is(err, provisioning.ErrSagaNotFound) {
		return saga, err
	}
	existing, gerr := b.GetSaga(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return existing, provisioning.ErrSagaFinished
}

func (b *Backend) ListResumable(ctx context.Context) ([]*provisioning.Saga, error) {
	const q = `SELECT ` + sagaColumns + ` FROM provisioning_sagas
		WHERE status IN ($1, $2, $3) ORDER BY created_at`
	rows, err := b.pool.Query(ctx, q,
		string(provisioning.StatusPending),
		string(provisioning.StatusRunning),
		string(provisioning.StatusCompensating),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*provisioning.Saga
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
