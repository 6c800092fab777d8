package provisioning

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/dns"
	"github.com/orgforge/backend/internal/events"
)

// compensationData records what an undo action targets. Every id is derived
// from the saga, so the data also exists for a step that failed midway.
type compensationData struct {
	OrganizationID string   `json:"organization_id,omitempty"`
	RoleID         string   `json:"role_id,omitempty"`
	FQDN           string   `json:"fqdn,omitempty"`
	InvitationIDs  []string `json:"invitation_ids,omitempty"`
}

func (a *Activities) compensationData(saga *Saga, action Compensation) compensationData {
	d := compensationData{OrganizationID: saga.OrganizationID()}
	switch action {
	case CompensateDeleteEntity:
		d.RoleID = saga.AdminRoleID()
	case CompensateRemovePublicName:
		if saga.Request.RequestedPublicName != "" {
			d.FQDN = a.fqdn(saga.Request.RequestedPublicName)
		}
	case CompensateRevokeInvitations:
		for _, admin := range saga.Request.Admins {
			d.InvitationIDs = append(d.InvitationIDs, saga.InvitationID(admin.Email))
		}
	}
	return d
}

// Compensate runs one undo action.
func (a *Activities) Compensate(ctx context.Context, saga *Saga, entry CompensationEntry, reason string) error {
	d := a.compensationData(saga, entry.Action)
	switch entry.Action {
	case CompensateDeleteEntity:
		return a.DeleteEntity(ctx, d.OrganizationID, d.RoleID, reason)
	case CompensateRemovePublicName:
		if d.FQDN == "" {
			return nil
		}
		_, err := a.RemovePublicName(ctx, d.OrganizationID, d.FQDN, reason)
		return err
	case CompensateRevokeInvitations:
		return a.RevokeInvitations(ctx, d.InvitationIDs, reason)
	case CompensateDeactivateEntity:
		return a.DeactivateEntity(ctx, d.OrganizationID, reason)
	case CompensateNoop:
		return nil
	}
	return fmt.Errorf("unknown compensation %q", entry.Action)
}

// DeleteEntity soft-deletes the administrator role and the organization.
// Entities that were never created are left alone.
func (a *Activities) DeleteEntity(ctx context.Context, orgID, roleID, reason string) error {
	var err error
	if roleID != "" {
		err = multierr.Append(err, a.ensureAfter(ctx, roleID, events.RoleCreated, events.RoleDeleted,
			events.RoleDeletedData{Reason: reason}))
	}
	err = multierr.Append(err, a.ensureAfter(ctx, orgID, events.OrganizationCreated, events.OrganizationDeleted,
		events.OrganizationDeletedData{Reason: reason}))
	return err
}

// RemovePublicName deletes the tenant's DNS record and releases its claim on
// the name. Nothing is deleted unless orgID holds the claim, and a missing
// zone or record means there is nothing to clean up. The attempt is always
// recorded as organization.domain.removed; an error is returned only when the
// provider failed.
func (a *Activities) RemovePublicName(ctx context.Context, orgID, fqdn, reason string) (string, error) {
	status := events.DomainRemovalNotFound
	var cause error
	stream, err := a.store.LoadStream(ctx, fqdn, events.StreamPublicName)
	var owner string
	if err == nil {
		owner, err = nameOwner(stream)
	}
	switch {
	case err != nil:
		status, cause = events.DomainRemovalError, fmt.Errorf("load public name claim: %w", err)
	case owner == orgID:
		status, cause = a.removeRecord(ctx, fqdn)
	default:
		a.log.Info("public name not held by organization, record left alone",
			zap.String("fqdn", fqdn),
			zap.String("organization_id", orgID),
			zap.String("owner", owner),
		)
	}

	removed := events.OrganizationDomainRemovedData{FQDN: fqdn, Status: status}
	if cause != nil {
		removed.Error = cause.Error()
	}
	var errs error
	if _, aerr := a.store.AppendNext(ctx, orgID, events.OrganizationDomainRemoved, removed); aerr != nil {
		errs = multierr.Append(errs, fmt.Errorf("record public name removal: %w", aerr))
	}
	if owner == orgID && status != events.DomainRemovalError {
		if _, aerr := a.store.AppendNext(ctx, fqdn, events.PublicNameReleased, events.PublicNameReleasedData{
			OrganizationID: orgID,
			Reason:         reason,
		}); aerr != nil {
			errs = multierr.Append(errs, fmt.Errorf("release public name: %w", aerr))
		}
	}
	if status == events.DomainRemovalError {
		a.log.Warn("public name removal failed",
			zap.String("fqdn", fqdn),
			zap.String("organization_id", orgID),
			zap.Error(cause),
		)
		errs = multierr.Append(errs, fmt.Errorf("remove public name %s: %w", fqdn, cause))
	}
	return status, errs
}

func (a *Activities) removeRecord(ctx context.Context, fqdn string) (string, error) {
	zone, err := a.zoneFor(ctx, fqdn)
	if err != nil {
		return events.DomainRemovalError, err
	}
	if zone == nil {
		return events.DomainRemovalNotFound, nil
	}
	recs, err := a.dns.ListRecords(ctx, zone.ID, dns.RecordFilter{Name: fqdn, Type: a.cfg.RecordType})
	if err != nil {
		return events.DomainRemovalError, fmt.Errorf("list records: %w", err)
	}
	// A record pointing elsewhere is not ours to delete.
	if len(recs) == 0 || dns.Normalize(recs[0].Value) != dns.Normalize(a.cfg.RecordTarget) {
		return events.DomainRemovalNotFound, nil
	}
	if err := a.dns.DeleteRecord(ctx, zone.ID, recs[0].ID); err != nil {
		if errors.Is(err, dns.ErrRecordNotFound) {
			return events.DomainRemovalNotFound, nil
		}
		return events.DomainRemovalError, err
	}
	return events.DomainRemovalDeleted, nil
}

// RevokeInvitations revokes every created invitation that was neither
// accepted nor revoked already. Failures do not stop the remaining revokes.
func (a *Activities) RevokeInvitations(ctx context.Context, ids []string, reason string) error {
	var err error
	for _, id := range ids {
		stream, lerr := a.store.LoadStream(ctx, id, events.StreamInvitation)
		if lerr != nil {
			err = multierr.Append(err, lerr)
			continue
		}
		if !hasType(stream, events.InvitationCreated) ||
			hasType(stream, events.InvitationAccepted) ||
			hasType(stream, events.InvitationRevoked) {
			continue
		}
		ev, nerr := events.NewEvent(id, events.InvitationRevoked, lastVersion(stream)+1, events.InvitationRevokedData{Reason: reason})
		if nerr != nil {
			err = multierr.Append(err, nerr)
			continue
		}
		if _, aerr := a.store.Append(ctx, ev); aerr != nil {
			err = multierr.Append(err, fmt.Errorf("revoke invitation %s: %w", id, aerr))
		}
	}
	return err
}

// DeactivateEntity undoes Activate when the organization is currently active.
func (a *Activities) DeactivateEntity(ctx context.Context, orgID, reason string) error {
	stream, err := a.store.LoadStream(ctx, orgID, events.StreamOrganization)
	if err != nil {
		return err
	}
	last := lastOfAny(stream, events.OrganizationActivated, events.OrganizationDeactivated)
	if last == nil || last.EventType != events.OrganizationActivated {
		return nil
	}
	ev, err := events.NewEvent(orgID, events.OrganizationDeactivated, lastVersion(stream)+1, events.OrganizationDeactivatedData{Reason: reason})
	if err != nil {
		return err
	}
	_, err = a.store.Append(ctx, ev)
	return err
}

// ensureAfter appends t when the stream holds requires and does not hold t.
func (a *Activities) ensureAfter(ctx context.Context, streamID string, requires, t events.Type, payload any) error {
	stream, err := a.store.LoadStream(ctx, streamID, t.StreamType())
	if err != nil {
		return err
	}
	if !hasType(stream, requires) || hasType(stream, t) {
		return nil
	}
	ev, err := events.NewEvent(streamID, t, lastVersion(stream)+1, payload)
	if err != nil {
		return err
	}
	_, err = a.store.Append(ctx, ev)
	return err
}

func lastOfAny(stream []events.Event, types ...events.Type) *events.Event {
	for i := len(stream) - 1; i >= 0; i-- {
		for _, t := range types {
			if stream[i].EventType == t {
				return &stream[i]
			}
		}
	}
	return nil
}
