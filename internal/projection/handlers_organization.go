package projection

import (
	"context"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/models"
)

func orgVersion(o *models.Organization) int { return o.LastVersion }

func unitVersion(u *models.OrganizationUnit) int { return u.LastVersion }

func (h *handlers) organizationCreated(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.OrganizationCreatedData](ev)
	if err != nil {
		return err
	}
	ok, err := fresh(ctx, ev, tx.GetOrganization, orgVersion)
	if err != nil || !ok {
		return err
	}
	at := ev.CreatedAt.UTC()
	org := &models.Organization{
		ID:          ev.StreamID,
		Name:        d.Name,
		Slug:        d.Slug,
		Type:        d.Type,
		ParentID:    d.ParentID,
		Subdomain:   d.Subdomain,
		Status:      models.OrgStatusActive,
		IsActive:    true,
		CreatedAt:   at,
		UpdatedAt:   at,
		LastVersion: ev.StreamVersion,
	}
	if org.Type == "" {
		org.Type = events.OrgTypeProvider
	}
	if d.Provisioning {
		org.Status = models.OrgStatusProvisioning
		org.IsActive = false
	}
	return tx.PutOrganization(ctx, org)
}

func (h *handlers) organizationUpdated(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.OrganizationUpdatedData](ev)
	if err != nil {
		return err
	}
	org, err := load(ctx, h, ev, tx.GetOrganization, orgVersion)
	if err != nil || org == nil {
		return err
	}
	if d.Name != nil {
		org.Name = *d.Name
	}
	if d.Subdomain != nil {
		org.Subdomain = *d.Subdomain
	}
	stampOrg(org, ev)
	return tx.PutOrganization(ctx, org)
}

func (h *handlers) organizationActivated(ctx context.Context, tx Tx, ev events.Event) error {
	if _, err := events.Decode[events.OrganizationActivatedData](ev); err != nil {
		return err
	}
	org, err := load(ctx, h, ev, tx.GetOrganization, orgVersion)
	if err != nil || org == nil {
		return err
	}
	org.Status = models.OrgStatusActive
	org.IsActive = true
	stampOrg(org, ev)
	return tx.PutOrganization(ctx, org)
}

func (h *handlers) organizationDeactivated(ctx context.Context, tx Tx, ev events.Event) error {
	if _, err := events.Decode[events.OrganizationDeactivatedData](ev); err != nil {
		return err
	}
	org, err := load(ctx, h, ev, tx.GetOrganization, orgVersion)
	if err != nil || org == nil {
		return err
	}
	org.Status = models.OrgStatusInactive
	org.IsActive = false
	stampOrg(org, ev)
	return tx.PutOrganization(ctx, org)
}

func (h *handlers) organizationDeleted(ctx context.Context, tx Tx, ev events.Event) error {
	if _, err := events.Decode[events.OrganizationDeletedData](ev); err != nil {
		return err
	}
	org, err := load(ctx, h, ev, tx.GetOrganization, orgVersion)
	if err != nil || org == nil {
		return err
	}
	at := ev.CreatedAt.UTC()
	org.Status = models.OrgStatusDeleted
	org.IsActive = false
	org.DeletedAt = &at
	stampOrg(org, ev)
	return tx.PutOrganization(ctx, org)
}

func (h *handlers) organizationDomainConfigured(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.OrganizationDomainConfiguredData](ev)
	if err != nil {
		return err
	}
	org, err := load(ctx, h, ev, tx.GetOrganization, orgVersion)
	if err != nil || org == nil {
		return err
	}
	org.DomainFQDN = d.FQDN
	org.DomainZoneID = d.ZoneID
	org.DomainRecord = d.RecordID
	org.DomainStatus = models.DomainStatusConfigured
	stampOrg(org, ev)
	return tx.PutOrganization(ctx, org)
}

func (h *handlers) organizationDomainRemoved(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.OrganizationDomainRemovedData](ev)
	if err != nil {
		return err
	}
	org, err := load(ctx, h, ev, tx.GetOrganization, orgVersion)
	if err != nil || org == nil {
		return err
	}
	switch d.Status {
	case events.DomainRemovalDeleted:
		org.DomainStatus = models.DomainStatusRemoved
		org.DomainZoneID, org.DomainRecord = "", ""
	case events.DomainRemovalNotFound:
		org.DomainStatus = models.DomainStatusNotFound
		org.DomainZoneID, org.DomainRecord = "", ""
	default:
		// the record may still exist at the provider, keep its coordinates
		org.DomainStatus = models.DomainStatusError
	}
	stampOrg(org, ev)
	return tx.PutOrganization(ctx, org)
}

func publicNameVersion(n *models.PublicName) int { return n.LastVersion }

func (h *handlers) publicNameClaimed(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.PublicNameClaimedData](ev)
	if err != nil {
		return err
	}
	ok, err := fresh(ctx, ev, tx.GetPublicName, publicNameVersion)
	if err != nil || !ok {
		return err
	}
	at := ev.CreatedAt.UTC()
	return tx.PutPublicName(ctx, &models.PublicName{
		FQDN:           ev.StreamID,
		OrganizationID: d.OrganizationID,
		SagaID:         d.SagaID,
		ClaimedAt:      &at,
		UpdatedAt:      at,
		LastVersion:    ev.StreamVersion,
	})
}

func (h *handlers) publicNameReleased(ctx context.Context, tx Tx, ev events.Event) error {
	if _, err := events.Decode[events.PublicNameReleasedData](ev); err != nil {
		return err
	}
	name, err := load(ctx, h, ev, tx.GetPublicName, publicNameVersion)
	if err != nil || name == nil {
		return err
	}
	at := ev.CreatedAt.UTC()
	name.OrganizationID = ""
	name.SagaID = ""
	name.ReleasedAt = &at
	name.UpdatedAt = at
	name.LastVersion = ev.StreamVersion
	return tx.PutPublicName(ctx, name)
}

func stampOrg(org *models.Organization, ev events.Event) {
	org.UpdatedAt = ev.CreatedAt.UTC()
	org.LastVersion = ev.StreamVersion
}

func (h *handlers) unitCreated(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.OrganizationUnitCreatedData](ev)
	if err != nil {
		return err
	}
	ok, err := fresh(ctx, ev, tx.GetOrganizationUnit, unitVersion)
	if err != nil || !ok {
		return err
	}
	at := ev.CreatedAt.UTC()
	return tx.PutOrganizationUnit(ctx, &models.OrganizationUnit{
		ID:             ev.StreamID,
		OrganizationID: d.OrganizationID,
		ParentUnitID:   d.ParentUnitID,
		Name:           d.Name,
		IsActive:       true,
		CreatedAt:      at,
		UpdatedAt:      at,
		LastVersion:    ev.StreamVersion,
	})
}

func (h *handlers) unitUpdated(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.OrganizationUnitUpdatedData](ev)
	if err != nil {
		return err
	}
	unit, err := load(ctx, h, ev, tx.GetOrganizationUnit, unitVersion)
	if err != nil || unit == nil {
		return err
	}
	if d.Name != nil {
		unit.Name = *d.Name
	}
	unit.UpdatedAt = ev.CreatedAt.UTC()
	unit.LastVersion = ev.StreamVersion
	return tx.PutOrganizationUnit(ctx, unit)
}

func (h *handlers) unitDeactivated(ctx context.Context, tx Tx, ev events.Event) error {
	if _, err := events.Decode[events.OrganizationUnitDeactivatedData](ev); err != nil {
		return err
	}
	unit, err := load(ctx, h, ev, tx.GetOrganizationUnit, unitVersion)
	if err != nil || unit == nil {
		return err
	}
	unit.IsActive = false
	unit.UpdatedAt = ev.CreatedAt.UTC()
	unit.LastVersion = ev.StreamVersion
	return tx.PutOrganizationUnit(ctx, unit)
}
