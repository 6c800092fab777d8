package provisioning_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgforge/backend/internal/dns"
	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/models"
	"github.com/orgforge/backend/internal/provisioning"
	"github.com/orgforge/backend/pkg/utils"
)

func pendingSaga(t *testing.T, h *harness) *provisioning.Saga {
	t.Helper()
	saga, _, err := h.svc.Trigger(context.Background(), acmeRequest())
	require.NoError(t, err)
	return saga
}

func TestCreateEntityIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saga := pendingSaga(t, h)

	first, err := h.act.CreateEntity(ctx, saga)
	require.NoError(t, err)
	before := h.backend.EventCount()

	second, err := h.act.CreateEntity(ctx, saga)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, before, h.backend.EventCount())

	v, err := h.events.GetCurrentVersion(ctx, first.AdminRoleID, events.StreamRole)
	require.NoError(t, err)
	assert.Equal(t, 1+len(provisioning.AdminPermissions), v)
}

func TestConfigurePublicNameAdoptsMatchingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saga := pendingSaga(t, h)
	_, err := h.act.CreateEntity(ctx, saga)
	require.NoError(t, err)

	first, err := h.act.ConfigurePublicName(ctx, saga)
	require.NoError(t, err)
	assert.Equal(t, "acme."+baseDomain, first.FQDN)

	second, err := h.act.ConfigurePublicName(ctx, saga)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	creates, _ := h.dns.Calls()
	assert.Equal(t, 1, creates)
}

func TestConfigurePublicNameRefusesNameClaimedByAnotherOrganization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saga := pendingSaga(t, h)
	_, err := h.act.CreateEntity(ctx, saga)
	require.NoError(t, err)

	fqdn := "acme." + baseDomain
	_, err = h.events.AppendNext(ctx, fqdn, events.PublicNameClaimed, events.PublicNameClaimedData{OrganizationID: "org-other"})
	require.NoError(t, err)
	zones, err := h.dns.ListZones(ctx, baseDomain)
	require.NoError(t, err)
	_, err = h.dns.CreateRecord(ctx, zones[0].ID, dns.Record{Name: fqdn, Type: "CNAME", Value: recordTarget})
	require.NoError(t, err)

	_, err = h.act.ConfigurePublicName(ctx, saga)
	assert.ErrorIs(t, err, provisioning.ErrPublicNameTaken)

	stream, err := h.events.LoadStream(ctx, saga.OrganizationID(), events.StreamOrganization)
	require.NoError(t, err)
	for _, ev := range stream {
		assert.NotEqual(t, events.OrganizationDomainConfigured, ev.EventType)
	}
	assert.Equal(t, 1, h.dns.RecordCount())
}

func TestConfigurePublicNameWithoutZone(t *testing.T) {
	h := newHarnessWithDNS(t, dns.NewMemoryProvider("other.example.org"))
	ctx := context.Background()
	saga := pendingSaga(t, h)

	_, err := h.act.ConfigurePublicName(ctx, saga)
	assert.ErrorIs(t, err, provisioning.ErrZoneNotFound)
}

func TestInvitationTokensAreReproducible(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saga := pendingSaga(t, h)
	_, err := h.act.CreateEntity(ctx, saga)
	require.NoError(t, err)

	res, err := h.act.GenerateInvitations(ctx, saga)
	require.NoError(t, err)
	require.Len(t, res.Invitations, 2)
	again, err := h.act.GenerateInvitations(ctx, saga)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	inv, err := h.backend.GetInvitation(ctx, res.Invitations[0].ID)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, models.InvitationPending, inv.Status)
	assert.True(t, utils.CheckToken(h.act.InvitationToken(inv.ID), inv.TokenHash))
	assert.False(t, utils.CheckToken("guess", inv.TokenHash))

	link, err := url.Parse(h.act.AcceptLink(inv.ID))
	require.NoError(t, err)
	assert.Equal(t, inv.ID, link.Query().Get("invitation"))
	assert.Equal(t, h.act.InvitationToken(inv.ID), link.Query().Get("token"))
}

func TestDispatchInvitationEmailsSendsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saga := pendingSaga(t, h)
	_, err := h.act.CreateEntity(ctx, saga)
	require.NoError(t, err)
	invs, err := h.act.GenerateInvitations(ctx, saga)
	require.NoError(t, err)
	raw, err := json.Marshal(invs)
	require.NoError(t, err)
	saga.StepResults[provisioning.StepGenerateInvitations] = raw

	first, err := h.act.DispatchInvitationEmails(ctx, saga)
	require.NoError(t, err)
	require.Len(t, first.Sent, 2)
	second, err := h.act.DispatchInvitationEmails(ctx, saga)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	sent := h.mail.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].BodyText, "token=")
	assert.Contains(t, sent[0].Subject, "Acme")
}

func TestDispatchInvitationEmailsNeedsInvitations(t *testing.T) {
	h := newHarness(t)
	saga := pendingSaga(t, h)
	_, err := h.act.DispatchInvitationEmails(context.Background(), saga)
	assert.ErrorIs(t, err, provisioning.ErrMissingStepInput)
}

func TestRemovePublicNameStatuses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.events.AppendNext(ctx, "org-1", events.OrganizationCreated, events.OrganizationCreatedData{Name: "Acme"})
	require.NoError(t, err)
	zones, err := h.dns.ListZones(ctx, baseDomain)
	require.NoError(t, err)
	zoneID := zones[0].ID
	fqdn := "acme." + baseDomain
	claim := func() {
		_, err := h.events.AppendNext(ctx, fqdn, events.PublicNameClaimed, events.PublicNameClaimedData{OrganizationID: "org-1"})
		require.NoError(t, err)
	}

	claim()
	_, err = h.dns.CreateRecord(ctx, zoneID, dns.Record{Name: fqdn, Type: "CNAME", Value: recordTarget + "."})
	require.NoError(t, err)
	status, err := h.act.RemovePublicName(ctx, "org-1", fqdn, "rollback")
	require.NoError(t, err)
	assert.Equal(t, events.DomainRemovalDeleted, status)

	name, err := h.backend.GetPublicName(ctx, fqdn)
	require.NoError(t, err)
	require.NotNil(t, name)
	assert.Empty(t, name.OrganizationID, "claim released")
	assert.NotNil(t, name.ReleasedAt)

	status, err = h.act.RemovePublicName(ctx, "org-1", fqdn, "rollback")
	require.NoError(t, err)
	assert.Equal(t, events.DomainRemovalNotFound, status)

	status, err = h.act.RemovePublicName(ctx, "org-1", "acme.elsewhere.org", "rollback")
	require.NoError(t, err)
	assert.Equal(t, events.DomainRemovalNotFound, status)

	claim()
	boom := errors.New("rate exceeded")
	h.dns.SetFailure("list_records", boom)
	status, err = h.act.RemovePublicName(ctx, "org-1", fqdn, "rollback")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, events.DomainRemovalError, status)

	name, err = h.backend.GetPublicName(ctx, fqdn)
	require.NoError(t, err)
	assert.Equal(t, "org-1", name.OrganizationID, "claim kept while the record may still exist")

	org, err := h.backend.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, models.DomainStatusError, org.DomainStatus)

	stream, err := h.events.LoadStream(ctx, "org-1", events.StreamOrganization)
	require.NoError(t, err)
	assert.Len(t, stream, 5)
}

func TestRemovePublicNameLeavesOtherOrganizationsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"org-1", "org-2"} {
		_, err := h.events.AppendNext(ctx, id, events.OrganizationCreated, events.OrganizationCreatedData{Name: id})
		require.NoError(t, err)
	}
	zones, err := h.dns.ListZones(ctx, baseDomain)
	require.NoError(t, err)
	fqdn := "acme." + baseDomain
	_, err = h.events.AppendNext(ctx, fqdn, events.PublicNameClaimed, events.PublicNameClaimedData{OrganizationID: "org-1"})
	require.NoError(t, err)
	_, err = h.dns.CreateRecord(ctx, zones[0].ID, dns.Record{Name: fqdn, Type: "CNAME", Value: recordTarget})
	require.NoError(t, err)

	status, err := h.act.RemovePublicName(ctx, "org-2", fqdn, "rollback")
	require.NoError(t, err)
	assert.Equal(t, events.DomainRemovalNotFound, status)
	assert.Equal(t, 1, h.dns.RecordCount())

	name, err := h.backend.GetPublicName(ctx, fqdn)
	require.NoError(t, err)
	assert.Equal(t, "org-1", name.OrganizationID)
}

func TestRevokeInvitationsSkipsSettled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saga := pendingSaga(t, h)
	_, err := h.act.CreateEntity(ctx, saga)
	require.NoError(t, err)
	invs, err := h.act.GenerateInvitations(ctx, saga)
	require.NoError(t, err)
	accepted := invs.Invitations[0].ID
	_, err = h.events.AppendNext(ctx, accepted, events.InvitationAccepted, events.InvitationAcceptedData{UserID: "user-1"})
	require.NoError(t, err)

	ids := []string{accepted, invs.Invitations[1].ID, "never-created"}
	require.NoError(t, h.act.RevokeInvitations(ctx, ids, "rollback"))
	require.NoError(t, h.act.RevokeInvitations(ctx, ids, "rollback"))

	inv, err := h.backend.GetInvitation(ctx, accepted)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationAccepted, inv.Status)
	inv, err = h.backend.GetInvitation(ctx, invs.Invitations[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationRevoked, inv.Status)

	v, err := h.events.GetCurrentVersion(ctx, invs.Invitations[1].ID, events.StreamInvitation)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestDeactivateEntityOnlyUndoesActivation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.events.AppendNext(ctx, "org-1", events.OrganizationCreated, events.OrganizationCreatedData{Name: "Acme", Provisioning: true})
	require.NoError(t, err)

	require.NoError(t, h.act.DeactivateEntity(ctx, "org-1", "rollback"))
	v, err := h.events.GetCurrentVersion(ctx, "org-1", events.StreamOrganization)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = h.events.AppendNext(ctx, "org-1", events.OrganizationActivated, events.OrganizationActivatedData{})
	require.NoError(t, err)
	require.NoError(t, h.act.DeactivateEntity(ctx, "org-1", "rollback"))
	org, err := h.backend.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrgStatusInactive, org.Status)
	assert.False(t, org.IsActive)
}
