package commands_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/orgforge/backend/internal/commands"
	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/models"
	"github.com/orgforge/backend/internal/projection"
	"github.com/orgforge/backend/internal/storage/memory"
	"github.com/orgforge/backend/pkg/utils"
)

const token = "s3cret-token"

type fixture struct {
	t       *testing.T
	backend *memory.Backend
	store   *eventstore.Store
	cmd     *commands.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	router, err := projection.NewRouter(nil, nil)
	require.NoError(t, err)
	backend := memory.New()
	store := eventstore.New(backend, router)
	f := &fixture{t: t, backend: backend, store: store, cmd: commands.NewHandler(store, backend, nil)}

	f.append("org-1", events.OrganizationCreated, events.OrganizationCreatedData{Name: "Acme"})
	f.append("org-2", events.OrganizationCreated, events.OrganizationCreatedData{Name: "Globex"})
	f.append("role-1", events.RoleCreated, events.RoleCreatedData{OrganizationID: "org-1", Name: "Administrator"})
	f.append("role-2", events.RoleCreated, events.RoleCreatedData{OrganizationID: "org-2", Name: "Administrator"})
	f.append("role-3", events.RoleCreated, events.RoleCreatedData{OrganizationID: "org-1", Name: "Viewer"})
	return f
}

func (f *fixture) append(streamID string, t events.Type, payload any) {
	f.t.Helper()
	_, err := f.store.AppendNext(context.Background(), streamID, t, payload)
	require.NoError(f.t, err)
}

func (f *fixture) invite(id string, expiresAt time.Time) {
	f.t.Helper()
	hash, err := utils.HashToken(token, bcrypt.MinCost)
	require.NoError(f.t, err)
	f.append(id, events.InvitationCreated, events.InvitationCreatedData{
		OrganizationID: "org-1",
		Email:          "ops@acme.io",
		Name:           "Ops",
		RoleID:         "role-1",
		TokenHash:      hash,
		ExpiresAt:      expiresAt,
	})
}

func (f *fixture) version(streamID string, st events.StreamType) int {
	f.t.Helper()
	v, err := f.store.GetCurrentVersion(context.Background(), streamID, st)
	require.NoError(f.t, err)
	return v
}

func TestAcceptInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite("inv-1", time.Now().Add(time.Hour))

	user, err := f.cmd.AcceptInvitation(ctx, "inv-1", token, "")
	require.NoError(t, err)
	assert.Equal(t, "ops@acme.io", user.Email)
	assert.Equal(t, "Ops", user.Name)
	assert.Equal(t, "org-1", user.OrganizationID)
	assert.True(t, user.IsActive)

	links, err := f.backend.ListUserRoles(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "role-1", links[0].RoleID)

	inv, err := f.backend.GetInvitation(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvitationAccepted, inv.Status)
	assert.Equal(t, user.ID, inv.AcceptedBy)

	// Accepting again returns the same user without new events.
	again, err := f.cmd.AcceptInvitation(ctx, "inv-1", token, "Other")
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
	assert.Equal(t, 2, f.version(user.ID, events.StreamUser))
	assert.Equal(t, 2, f.version("inv-1", events.StreamInvitation))
}

func TestAcceptInvitationUsesGivenName(t *testing.T) {
	f := newFixture(t)
	f.invite("inv-1", time.Now().Add(time.Hour))
	user, err := f.cmd.AcceptInvitation(context.Background(), "inv-1", token, "  Olivia  ")
	require.NoError(t, err)
	assert.Equal(t, "Olivia", user.Name)
}

func TestAcceptInvitationFailures(t *testing.T) {
	t.Run("unknown invitation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.cmd.AcceptInvitation(context.Background(), "inv-404", token, "")
		assert.ErrorIs(t, err, commands.ErrNotFound)
	})
	t.Run("wrong token", func(t *testing.T) {
		f := newFixture(t)
		f.invite("inv-1", time.Now().Add(time.Hour))
		_, err := f.cmd.AcceptInvitation(context.Background(), "inv-1", "guess", "")
		assert.ErrorIs(t, err, commands.ErrInvalidToken)
	})
	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		f.invite("inv-1", time.Now().Add(-time.Minute))
		_, err := f.cmd.AcceptInvitation(context.Background(), "inv-1", token, "")
		assert.ErrorIs(t, err, commands.ErrInvitationExpired)
	})
	t.Run("revoked", func(t *testing.T) {
		f := newFixture(t)
		f.invite("inv-1", time.Now().Add(time.Hour))
		_, err := f.cmd.RevokeInvitation(context.Background(), "inv-1", "typo")
		require.NoError(t, err)
		_, err = f.cmd.AcceptInvitation(context.Background(), "inv-1", token, "")
		assert.ErrorIs(t, err, commands.ErrInvitationClosed)
	})
	t.Run("organization deleted", func(t *testing.T) {
		f := newFixture(t)
		f.invite("inv-1", time.Now().Add(time.Hour))
		f.append("org-1", events.OrganizationDeleted, events.OrganizationDeletedData{Reason: "rollback"})
		_, err := f.cmd.AcceptInvitation(context.Background(), "inv-1", token, "")
		assert.ErrorIs(t, err, commands.ErrNotFound)
	})
}

func TestRevokeInvitation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite("inv-1", time.Now().Add(time.Hour))

	inv, err := f.cmd.RevokeInvitation(ctx, "inv-1", "typo")
	require.NoError(t, err)
	assert.Equal(t, models.InvitationRevoked, inv.Status)

	_, err = f.cmd.RevokeInvitation(ctx, "inv-1", "typo")
	require.NoError(t, err)
	assert.Equal(t, 2, f.version("inv-1", events.StreamInvitation))

	f.invite("inv-2", time.Now().Add(time.Hour))
	_, err = f.cmd.AcceptInvitation(ctx, "inv-2", token, "")
	require.NoError(t, err)
	_, err = f.cmd.RevokeInvitation(ctx, "inv-2", "late")
	assert.ErrorIs(t, err, commands.ErrInvitationClosed)
}

func TestAssignAndRevokeRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite("inv-1", time.Now().Add(time.Hour))
	user, err := f.cmd.AcceptInvitation(ctx, "inv-1", token, "")
	require.NoError(t, err)

	links, err := f.cmd.AssignRole(ctx, user.ID, "role-3")
	require.NoError(t, err)
	assert.Len(t, links, 2)

	_, err = f.cmd.AssignRole(ctx, user.ID, "role-3")
	require.NoError(t, err)
	v := f.version(user.ID, events.StreamUser)

	_, err = f.cmd.AssignRole(ctx, user.ID, "role-2")
	assert.ErrorIs(t, err, commands.ErrCrossOrganization)
	_, err = f.cmd.AssignRole(ctx, user.ID, "role-404")
	assert.ErrorIs(t, err, commands.ErrNotFound)
	assert.Equal(t, v, f.version(user.ID, events.StreamUser))

	links, err = f.cmd.RevokeRole(ctx, user.ID, "role-3")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "role-1", links[0].RoleID)

	_, err = f.cmd.RevokeRole(ctx, user.ID, "role-3")
	require.NoError(t, err)
	assert.Equal(t, v+1, f.version(user.ID, events.StreamUser))
}

func TestAssignRoleRejectsDeletedRoleAndInactiveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite("inv-1", time.Now().Add(time.Hour))
	user, err := f.cmd.AcceptInvitation(ctx, "inv-1", token, "")
	require.NoError(t, err)

	f.append("role-3", events.RoleDeleted, events.RoleDeletedData{Reason: "cleanup"})
	_, err = f.cmd.AssignRole(ctx, user.ID, "role-3")
	assert.ErrorIs(t, err, commands.ErrNotFound)

	f.append(user.ID, events.UserDeactivated, events.UserDeactivatedData{Reason: "left"})
	_, err = f.cmd.AssignRole(ctx, user.ID, "role-1")
	assert.ErrorIs(t, err, commands.ErrInactive)
}

func TestUpdateOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	name := "  Acme Corp "
	org, err := f.cmd.UpdateOrganization(ctx, "org-1", &name, nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", org.Name)

	blank := "  "
	_, err = f.cmd.UpdateOrganization(ctx, "org-1", &blank, nil)
	assert.ErrorIs(t, err, commands.ErrInvalidInput)
	_, err = f.cmd.UpdateOrganization(ctx, "org-1", nil, nil)
	assert.ErrorIs(t, err, commands.ErrInvalidInput)
	_, err = f.cmd.UpdateOrganization(ctx, "org-404", &name, nil)
	assert.ErrorIs(t, err, commands.ErrNotFound)
}

func TestUpdateOrganizationKeepsRegisteredSubdomain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append("org-1", events.OrganizationDomainConfigured, events.OrganizationDomainConfiguredData{
		FQDN:       "acme.tenants.example.com",
		ZoneID:     "ZTENANTS",
		RecordID:   "acme.tenants.example.com|CNAME",
		RecordType: "CNAME",
	})

	sub := "acme-corp"
	_, err := f.cmd.UpdateOrganization(ctx, "org-1", nil, &sub)
	assert.ErrorIs(t, err, commands.ErrPublicNameManaged)
	assert.Equal(t, 2, f.version("org-1", events.StreamOrganization), "nothing appended")

	name := "Acme Corp"
	org, err := f.cmd.UpdateOrganization(ctx, "org-1", &name, nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", org.Name)

	// Without a registered name the label is free to change.
	org, err = f.cmd.UpdateOrganization(ctx, "org-2", nil, &sub)
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", org.Subdomain)

	f.append("org-1", events.OrganizationDomainRemoved, events.OrganizationDomainRemovedData{
		FQDN:   "acme.tenants.example.com",
		Status: events.DomainRemovalDeleted,
	})
	org, err = f.cmd.UpdateOrganization(ctx, "org-1", nil, &sub)
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", org.Subdomain)
}

func TestDeactivateOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	org, err := f.cmd.DeactivateOrganization(ctx, "org-1", "contract ended")
	require.NoError(t, err)
	assert.False(t, org.IsActive)
	assert.Equal(t, models.OrgStatusInactive, org.Status)

	_, err = f.cmd.DeactivateOrganization(ctx, "org-1", "again")
	require.NoError(t, err)
	assert.Equal(t, 2, f.version("org-1", events.StreamOrganization))
}

func TestCreateUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.cmd.CreateUnit(ctx, "org-1", " Engineering ", "")
	require.NoError(t, err)
	assert.Equal(t, "Engineering", parent.Name)
	assert.True(t, parent.IsActive)

	child, err := f.cmd.CreateUnit(ctx, "org-1", "Platform", parent.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentUnitID)

	_, err = f.cmd.CreateUnit(ctx, "org-2", "Platform", parent.ID)
	assert.ErrorIs(t, err, commands.ErrNotFound)
	_, err = f.cmd.CreateUnit(ctx, "org-1", "", "")
	assert.ErrorIs(t, err, commands.ErrInvalidInput)

	units, err := f.backend.ListOrganizationUnits(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, units, 2)
}
