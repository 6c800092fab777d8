package projection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/metrics"
)

// bestEffort lists the event types whose handlers tolerate a missing target
// row. Their targets may legitimately be gone already (a role referenced by a
// deleted organization, a compensation running after a partial rollback).
var bestEffort = map[events.Type]bool{
	events.OrganizationDeleted:       true,
	events.OrganizationDomainRemoved: true,
	events.RolePermissionRevoked:     true,
	events.RoleDeleted:               true,
	events.UserRoleRevoked:           true,
	events.InvitationRevoked:         true,
}

// BestEffort reports whether the handler for t tolerates a missing row.
func BestEffort(t events.Type) bool { return bestEffort[t] }

type handlers struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func (h *handlers) registry() map[events.StreamType]map[events.Type]HandlerFunc {
	return map[events.StreamType]map[events.Type]HandlerFunc{
		events.StreamOrganization: {
			events.OrganizationCreated:          h.organizationCreated,
			events.OrganizationUpdated:          h.organizationUpdated,
			events.OrganizationActivated:        h.organizationActivated,
			events.OrganizationDeactivated:      h.organizationDeactivated,
			events.OrganizationDeleted:          h.organizationDeleted,
			events.OrganizationDomainConfigured: h.organizationDomainConfigured,
			events.OrganizationDomainRemoved:    h.organizationDomainRemoved,
		},
		events.StreamOrganizationUnit: {
			events.OrganizationUnitCreated:     h.unitCreated,
			events.OrganizationUnitUpdated:     h.unitUpdated,
			events.OrganizationUnitDeactivated: h.unitDeactivated,
		},
		events.StreamRole: {
			events.RoleCreated:           h.roleCreated,
			events.RolePermissionGranted: h.rolePermissionGranted,
			events.RolePermissionRevoked: h.rolePermissionRevoked,
			events.RoleDeleted:           h.roleDeleted,
		},
		events.StreamUser: {
			events.UserCreated:      h.userCreated,
			events.UserRoleAssigned: h.userRoleAssigned,
			events.UserRoleRevoked:  h.userRoleRevoked,
			events.UserDeactivated:  h.userDeactivated,
		},
		events.StreamInvitation: {
			events.InvitationCreated:   h.invitationCreated,
			events.InvitationEmailSent: h.invitationEmailSent,
			events.InvitationAccepted:  h.invitationAccepted,
			events.InvitationRevoked:   h.invitationRevoked,
		},
		events.StreamPublicName: {
			events.PublicNameClaimed:  h.publicNameClaimed,
			events.PublicNameReleased: h.publicNameReleased,
		},
	}
}

// load fetches the row an event applies to. It returns (nil, nil) when the
// handler has nothing to do: the row already reflects this version, or it is
// missing and the event type is best-effort.
func load[T any](ctx context.Context, h *handlers, ev events.Event, get func(context.Context, string) (*T, error), version func(*T) int) (*T, error) {
	row, err := get(ctx, ev.StreamID)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", ev.StreamType, ev.StreamID, err)
	}
	if row == nil {
		if bestEffort[ev.EventType] {
			h.metrics.ProjectionDiagnostics.WithLabelValues(ev.EventType.String(), "row_missing").Inc()
			h.log.Warn("projection row missing, event skipped",
				zap.String("event_type", ev.EventType.String()),
				zap.String("stream_id", ev.StreamID),
				zap.Int("stream_version", ev.StreamVersion),
			)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s %s", ErrProjectionRowMissing, ev.StreamType, ev.StreamID)
	}
	if version(row) >= ev.StreamVersion {
		return nil, nil
	}
	return row, nil
}

// fresh reports whether a creation event still needs to be applied.
func fresh[T any](ctx context.Context, ev events.Event, get func(context.Context, string) (*T, error), version func(*T) int) (bool, error) {
	row, err := get(ctx, ev.StreamID)
	if err != nil {
		return false, fmt.Errorf("load %s %s: %w", ev.StreamType, ev.StreamID, err)
	}
	return row == nil || version(row) < ev.StreamVersion, nil
}
