// Package eventstore is the append-only domain event log. Append stores an
// event and projects it through the router in one backend transaction.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/metrics"
	"github.com/orgforge/backend/internal/projection"
)

// appendNextAttempts bounds AppendNext retries on version conflicts.
const appendNextAttempts = 3

// Tx is one backend transaction: the event log plus the projection tables.
type Tx interface {
	projection.Tx

	MaxVersion(ctx context.Context, streamID string, st events.StreamType) (int, error)
	// GetEvent returns (nil, nil) when the version does not exist.
	GetEvent(ctx context.Context, streamID string, st events.StreamType, version int) (*events.Event, error)
	// InsertEvent returns ErrDuplicateVersion when the version is taken.
	InsertEvent(ctx context.Context, ev events.Event) error
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time, diagnostic string) error
	ListStream(ctx context.Context, streamID string, st events.StreamType) ([]events.Event, error)
}

// Backend runs transactions against the storage engine.
type Backend interface {
	// WithTx commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// RecordProcessingFailure stores a handler failure outside the rolled
	// back append transaction.
	RecordProcessingFailure(ctx context.Context, ev events.Event, cause string) error
}

// AppendResult describes the outcome of Append.
type AppendResult struct {
	Event           events.Event `json:"event"`
	StreamVersion   int          `json:"stream_version"`
	ProcessedAt     *time.Time   `json:"processed_at,omitempty"`
	ProcessingError string       `json:"processing_error,omitempty"`
	// Duplicate is set when the same fact already existed at this version.
	Duplicate bool `json:"duplicate"`
}

// Store appends, reads and replays event streams.
type Store struct {
	backend Backend
	router  *projection.Router
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the clock used for created_at and processed_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over backend that dispatches through router.
func New(backend Backend, router *projection.Router, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		router:  router,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.metrics = metrics.OrNew(s.metrics)
	return s
}

// Append stores ev at ev.StreamVersion and projects it in the same
// transaction. Re-appending an identical fact at an existing version is a
// no-op that returns the stored record with Duplicate set.
func (s *Store) Append(ctx context.Context, ev events.Event) (AppendResult, error) {
	if err := validate(ev); err != nil {
		s.metrics.Appends.WithLabelValues(ev.StreamType.String(), metrics.LabelInvalid).Inc()
		return AppendResult{}, err
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.Metadata = ev.Metadata.Merge(events.MetadataFrom(ctx))
	ev.ProcessedAt = nil
	ev.ProcessingError = ""

	res, err := s.append(ctx, ev)
	if errors.Is(err, ErrDuplicateVersion) {
		// Lost an insert race: evaluate again against the committed winner.
		res, err = s.append(ctx, ev)
	}
	if errors.Is(err, ErrDuplicateVersion) {
		err = fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}

	var perr *ProcessingError
	switch {
	case err == nil && res.Duplicate:
		s.metrics.Appends.WithLabelValues(ev.StreamType.String(), metrics.LabelDuplicate).Inc()
	case err == nil:
		s.metrics.Appends.WithLabelValues(ev.StreamType.String(), metrics.LabelAppended).Inc()
	case errors.As(err, &perr):
		s.metrics.Appends.WithLabelValues(ev.StreamType.String(), metrics.LabelHandlerErr).Inc()
		s.metrics.HandlerFailures.WithLabelValues(ev.EventType.String()).Inc()
		s.log.Error("event handler failed, append rolled back",
			zap.String("event_type", ev.EventType.String()),
			zap.String("stream_type", ev.StreamType.String()),
			zap.String("stream_id", ev.StreamID),
			zap.Int("stream_version", ev.StreamVersion),
			zap.Error(perr.Err),
		)
		if rerr := s.backend.RecordProcessingFailure(context.WithoutCancel(ctx), ev, perr.Err.Error()); rerr != nil {
			s.log.Warn("record processing failure", zap.Error(rerr))
		}
		return AppendResult{Event: ev, StreamVersion: ev.StreamVersion, ProcessingError: perr.Err.Error()}, perr
	case errors.Is(err, ErrConcurrentModification):
		s.metrics.Appends.WithLabelValues(ev.StreamType.String(), metrics.LabelConflict).Inc()
	}
	return res, err
}

func (s *Store) append(ctx context.Context, ev events.Event) (AppendResult, error) {
	var res AppendResult
	err := s.backend.WithTx(ctx, func(tx Tx) error {
		current, err := tx.MaxVersion(ctx, ev.StreamID, ev.StreamType)
		if err != nil {
			return fmt.Errorf("read stream version: %w", err)
		}
		if ev.StreamVersion <= current {
			existing, err := tx.GetEvent(ctx, ev.StreamID, ev.StreamType, ev.StreamVersion)
			if err != nil {
				return fmt.Errorf("read existing event: %w", err)
			}
			if existing != nil && events.SameFact(*existing, ev) {
				res = AppendResult{
					Event:           *existing,
					StreamVersion:   existing.StreamVersion,
					ProcessedAt:     existing.ProcessedAt,
					ProcessingError: existing.ProcessingError,
					Duplicate:       true,
				}
				return nil
			}
			return fmt.Errorf("%w: %s/%s version %d already holds a different fact",
				ErrConcurrentModification, ev.StreamType, ev.StreamID, ev.StreamVersion)
		}
		if ev.StreamVersion != current+1 {
			return fmt.Errorf("%w: %s/%s is at version %d, cannot append version %d",
				ErrConcurrentModification, ev.StreamType, ev.StreamID, current, ev.StreamVersion)
		}

		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}
		handled, err := s.router.Dispatch(ctx, tx, ev)
		if err != nil {
			return &ProcessingError{Event: ev, Err: err}
		}
		var diagnostic string
		if !handled {
			diagnostic = fmt.Sprintf("unhandled event type %q for stream type %q", ev.EventType, ev.StreamType)
			s.metrics.UnhandledEvents.WithLabelValues(ev.StreamType.String(), ev.EventType.String()).Inc()
			s.log.Warn("no handler matched event, marked processed",
				zap.String("event_type", ev.EventType.String()),
				zap.String("stream_type", ev.StreamType.String()),
				zap.String("stream_id", ev.StreamID),
			)
		}
		processedAt := s.now().UTC()
		if err := tx.MarkProcessed(ctx, ev.ID, processedAt, diagnostic); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		ev.ProcessedAt = &processedAt
		ev.ProcessingError = diagnostic
		res = AppendResult{
			Event:           ev,
			StreamVersion:   ev.StreamVersion,
			ProcessedAt:     &processedAt,
			ProcessingError: diagnostic,
		}
		return nil
	})
	return res, err
}

// AppendNext appends payload as the next version of the stream, re-reading
// the version and retrying a bounded number of times on conflicts.
func (s *Store) AppendNext(ctx context.Context, streamID string, t events.Type, payload any) (AppendResult, error) {
	var lastErr error
	for attempt := 0; attempt < appendNextAttempts; attempt++ {
		current, err := s.GetCurrentVersion(ctx, streamID, t.StreamType())
		if err != nil {
			return AppendResult{}, err
		}
		ev, err := events.NewEvent(streamID, t, current+1, payload)
		if err != nil {
			return AppendResult{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		res, err := s.Append(ctx, ev)
		if !errors.Is(err, ErrConcurrentModification) {
			return res, err
		}
		lastErr = err
	}
	return AppendResult{}, lastErr
}

// GetCurrentVersion returns the highest version of the stream, 0 when empty.
func (s *Store) GetCurrentVersion(ctx context.Context, streamID string, st events.StreamType) (int, error) {
	var v int
	err := s.backend.WithTx(ctx, func(tx Tx) error {
		var err error
		v, err = tx.MaxVersion(ctx, streamID, st)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("current version of %s/%s: %w", st, streamID, err)
	}
	return v, nil
}

// LoadStream returns the events of one stream in version order.
func (s *Store) LoadStream(ctx context.Context, streamID string, st events.StreamType) ([]events.Event, error) {
	var out []events.Event
	err := s.backend.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListStream(ctx, streamID, st)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", st, streamID, err)
	}
	return out, nil
}

// Rebuild drops the projection rows of one stream and folds every event of
// the stream through the router again, in version order, in one transaction.
// It returns the number of events folded.
func (s *Store) Rebuild(ctx context.Context, streamID string, st events.StreamType) (int, error) {
	if !st.Valid() {
		return 0, fmt.Errorf("%w: %q", events.ErrUnknownStreamType, st)
	}
	var n int
	err := s.backend.WithTx(ctx, func(tx Tx) error {
		stream, err := tx.ListStream(ctx, streamID, st)
		if err != nil {
			return err
		}
		if err := s.router.Reset(ctx, tx, st, streamID); err != nil {
			return err
		}
		for _, ev := range stream {
			if _, err := s.router.Dispatch(ctx, tx, ev); err != nil {
				return &ProcessingError{Event: ev, Err: err}
			}
		}
		n = len(stream)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild %s/%s: %w", st, streamID, err)
	}
	s.log.Info("stream projection rebuilt",
		zap.String("stream_type", st.String()),
		zap.String("stream_id", streamID),
		zap.Int("events", n),
	)
	return n, nil
}

func validate(ev events.Event) error {
	switch {
	case ev.StreamID == "":
		return fmt.Errorf("%w: stream_id is required", ErrInvalidEvent)
	case ev.StreamType == "":
		return fmt.Errorf("%w: stream_type is required", ErrInvalidEvent)
	case !ev.StreamType.Valid():
		return fmt.Errorf("%w: %w: %q", ErrInvalidEvent, events.ErrUnknownStreamType, ev.StreamType)
	case ev.StreamVersion < 1:
		return fmt.Errorf("%w: stream_version must be >= 1", ErrInvalidEvent)
	case ev.EventType == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	case len(ev.EventData) == 0:
		return fmt.Errorf("%w: event_data is required", ErrInvalidEvent)
	}
	// Unknown types are stored and reported as unhandled. A known type on the
	// wrong stream is a producer bug and is refused.
	if owner := ev.EventType.StreamType(); owner != "" && owner != ev.StreamType {
		return fmt.Errorf("%w: %s belongs to stream type %s, not %s", ErrInvalidEvent, ev.EventType, owner, ev.StreamType)
	}
	return nil
}
