package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
)

const eventColumns = `id, stream_id, stream_type, stream_version, event_type, event_data, event_metadata,
	created_at, processed_at, processing_error`

func (t *tx) MaxVersion(ctx context.Context, streamID string, st events.StreamType) (int, error) {
	const q = `SELECT COALESCE(MAX(stream_version), 0) FROM domain_events WHERE stream_id = $1 AND stream_type = $2`
	var v int
	if err := t.q.QueryRow(ctx, q, streamID, string(st)).Scan(&v); err != nil {
		return 0, fmt.Errorf("max version: %w", err)
	}
	return v, nil
}

func (t *tx) GetEvent(ctx context.Context, streamID string, st events.StreamType, version int) (*events.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM domain_events
		WHERE stream_id = $1 AND stream_type = $2 AND stream_version = $3`
	ev, err := scanEvent(t.q.QueryRow(ctx, q, streamID, string(st), version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (t *tx) InsertEvent(ctx context.Context, ev events.Event) error {
	md, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	const q = `INSERT INTO domain_events
		(id, stream_id, stream_type, stream_version, event_type, event_data, event_metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = t.q.Exec(ctx, q, ev.ID, ev.StreamID, string(ev.StreamType), ev.StreamVersion,
		string(ev.EventType), jsonb(ev.EventData), string(md), ev.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s v%d", eventstore.ErrDuplicateVersion, ev.StreamType, ev.StreamID, ev.StreamVersion)
	}
	return err
}

func (t *tx) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time, diagnostic string) error {
	const q = `UPDATE domain_events SET processed_at = $2, processing_error = NULLIF($3, '') WHERE id = $1`
	tag, err := t.q.Exec(ctx, q, id, at, diagnostic)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s not found", id)
	}
	return nil
}

func (t *tx) ListStream(ctx context.Context, streamID string, st events.StreamType) ([]events.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM domain_events
		WHERE stream_id = $1 AND stream_type = $2 ORDER BY stream_version`
	rows, err := t.q.Query(ctx, q, streamID, string(st))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}

func scanEvent(row pgx.Row) (events.Event, error) {
	var (
		ev         events.Event
		streamType string
		eventType  string
		data, md   []byte
		procErr    *string
	)
	err := row.Scan(&ev.ID, &ev.StreamID, &streamType, &ev.StreamVersion, &eventType, &data, &md,
		&ev.CreatedAt, &ev.ProcessedAt, &procErr)
	if err != nil {
		return ev, err
	}
	ev.StreamType = events.StreamType(streamType)
	ev.EventType = events.Type(eventType)
	ev.EventData = json.RawMessage(data)
	ev.CreatedAt = ev.CreatedAt.UTC()
	if ev.ProcessedAt != nil {
		at := ev.ProcessedAt.UTC()
		ev.ProcessedAt = &at
	}
	if procErr != nil {
		ev.ProcessingError = *procErr
	}
	if len(md) > 0 {
		if err := json.Unmarshal(md, &ev.Metadata); err != nil {
			return ev, fmt.Errorf("decode metadata of %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}
