package projection

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/metrics"
)

// HandlerFunc applies one event to the projection tables.
type HandlerFunc func(ctx context.Context, tx Tx, ev events.Event) error

// Router dispatches an event to the single handler registered for its
// stream type and event type.
type Router struct {
	routes map[events.StreamType]map[events.Type]HandlerFunc
	log    *zap.Logger
}

// NewRouter builds the router over the static handler registry and checks it
// against the event catalogue.
func NewRouter(logger *zap.Logger, m *metrics.Metrics) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{log: logger, metrics: metrics.OrNew(m)}
	r := &Router{routes: h.registry(), log: logger}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate reports every catalogue type without a handler and every handler
// registered for an unknown type or under the wrong stream type.
func (r *Router) Validate() error {
	var err error
	for _, t := range events.Catalog() {
		if _, ok := r.routes[t.StreamType()][t]; !ok {
			err = multierr.Append(err, fmt.Errorf("no handler for %s on stream %s", t, t.StreamType()))
		}
	}
	for st, byType := range r.routes {
		if !st.Valid() {
			err = multierr.Append(err, fmt.Errorf("router registered for unknown stream type %q", st))
			continue
		}
		for t, fn := range byType {
			switch {
			case fn == nil:
				err = multierr.Append(err, fmt.Errorf("nil handler for %s", t))
			case !t.Known():
				err = multierr.Append(err, fmt.Errorf("handler registered for unknown event type %q", t))
			case t.StreamType() != st:
				err = multierr.Append(err, fmt.Errorf("%s registered on stream %s, belongs to %s", t, st, t.StreamType()))
			}
		}
	}
	return err
}

// Dispatch runs the handler matching ev. handled is false when no case
// matches, which is not an error.
func (r *Router) Dispatch(ctx context.Context, tx Tx, ev events.Event) (handled bool, err error) {
	fn, ok := r.routes[ev.StreamType][ev.EventType]
	if !ok {
		return false, nil
	}
	if err := fn(ctx, tx, ev); err != nil {
		return true, fmt.Errorf("%s handler (stream %s v%d): %w", ev.EventType, ev.StreamID, ev.StreamVersion, err)
	}
	return true, nil
}

// Handles reports whether a handler is registered for t on stream st.
func (r *Router) Handles(st events.StreamType, t events.Type) bool {
	_, ok := r.routes[st][t]
	return ok
}

// Reset deletes every projection row owned by one stream so it can be folded
// again from version 1.
func (r *Router) Reset(ctx context.Context, tx Tx, st events.StreamType, streamID string) error {
	var err error
	switch st {
	case events.StreamOrganization:
		err = tx.DeleteOrganization(ctx, streamID)
	case events.StreamOrganizationUnit:
		err = tx.DeleteOrganizationUnit(ctx, streamID)
	case events.StreamRole:
		if err = tx.ClearRolePermissions(ctx, streamID); err == nil {
			err = tx.DeleteRole(ctx, streamID)
		}
	case events.StreamUser:
		if err = tx.ClearUserRoles(ctx, streamID); err == nil {
			err = tx.DeleteUser(ctx, streamID)
		}
	case events.StreamInvitation:
		err = tx.DeleteInvitation(ctx, streamID)
	case events.StreamPublicName:
		err = tx.DeletePublicName(ctx, streamID)
	default:
		return fmt.Errorf("%w: %q", events.ErrUnknownStreamType, st)
	}
	if err != nil {
		return fmt.Errorf("reset %s %s: %w", st, streamID, err)
	}
	return nil
}
