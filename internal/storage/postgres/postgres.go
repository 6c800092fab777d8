// Package postgres stores the event log, the projection tables and the saga
// records in PostgreSQL. An append and the projection writes of its handlers
// share one pgx transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/projection"
	"github.com/orgforge/backend/internal/provisioning"
)

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ eventstore.Backend = (*Backend)(nil)
	_ projection.Reader  = (*Backend)(nil)
	_ provisioning.Store = (*Backend)(nil)
)

// Backend implements eventstore.Backend, projection.Reader and
// provisioning.Store on a pgx pool.
type Backend struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New creates a Postgres backend.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{pool: pool, log: logger}
}

// WithTx runs fn in a read committed transaction. The unique key on
// (stream_id, stream_type, stream_version) serializes concurrent appends.
func (b *Backend) WithTx(ctx context.Context, fn func(tx eventstore.Tx) error) (err error) {
	pgTx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := pgTx.Rollback(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
				b.log.Warn("rollback failed", zap.Error(rerr))
			}
		}
	}()
	if err = fn(&tx{q: pgTx}); err != nil {
		return err
	}
	if err = pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecordProcessingFailure stores a handler failure outside the rolled back
// append transaction.
func (b *Backend) RecordProcessingFailure(ctx context.Context, ev events.Event, cause string) error {
	const q = `INSERT INTO event_processing_failures
		(event_id, stream_id, stream_type, stream_version, event_type, event_data, cause)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := b.pool.Exec(ctx, q, ev.ID, ev.StreamID, string(ev.StreamType), ev.StreamVersion,
		string(ev.EventType), jsonb(ev.EventData), cause)
	return err
}

type tx struct {
	q querier
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func jsonb(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
