package projection

import (
	"context"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/models"
)

func roleVersion(r *models.Role) int { return r.LastVersion }

func userVersion(u *models.User) int { return u.LastVersion }

func invitationVersion(i *models.Invitation) int { return i.LastVersion }

func (h *handlers) roleCreated(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.RoleCreatedData](ev)
	if err != nil {
		return err
	}
	ok, err := fresh(ctx, ev, tx.GetRole, roleVersion)
	if err != nil || !ok {
		return err
	}
	at := ev.CreatedAt.UTC()
	return tx.PutRole(ctx, &models.Role{
		ID:             ev.StreamID,
		OrganizationID: d.OrganizationID,
		Name:           d.Name,
		Description:    d.Description,
		IsActive:       true,
		CreatedAt:      at,
		UpdatedAt:      at,
		LastVersion:    ev.StreamVersion,
	})
}

func (h *handlers) rolePermissionGranted(ctx context.Context, tx Tx, ev events.Event) error {
	return h.rolePermission(ctx, tx, ev, true)
}

func (h *handlers) rolePermissionRevoked(ctx context.Context, tx Tx, ev events.Event) error {
	return h.rolePermission(ctx, tx, ev, false)
}

func (h *handlers) rolePermission(ctx context.Context, tx Tx, ev events.Event, granted bool) error {
	d, err := events.Decode[events.RolePermissionData](ev)
	if err != nil {
		return err
	}
	role, err := load(ctx, h, ev, tx.GetRole, roleVersion)
	if err != nil || role == nil {
		return err
	}
	if err := tx.SetRolePermission(ctx, role.ID, d.Permission, granted); err != nil {
		return err
	}
	role.UpdatedAt = ev.CreatedAt.UTC()
	role.LastVersion = ev.StreamVersion
	return tx.PutRole(ctx, role)
}

func (h *handlers) roleDeleted(ctx context.Context, tx Tx, ev events.Event) error {
	if _, err := events.Decode[events.RoleDeletedData](ev); err != nil {
		return err
	}
	role, err := load(ctx, h, ev, tx.GetRole, roleVersion)
	if err != nil || role == nil {
		return err
	}
	at := ev.CreatedAt.UTC()
	role.IsActive = false
	role.DeletedAt = &at
	role.UpdatedAt = at
	role.LastVersion = ev.StreamVersion
	return tx.PutRole(ctx, role)
}

func (h *handlers) userCreated(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.UserCreatedData](ev)
	if err != nil {
		return err
	}
	ok, err := fresh(ctx, ev, tx.GetUser, userVersion)
	if err != nil || !ok {
		return err
	}
	at := ev.CreatedAt.UTC()
	return tx.PutUser(ctx, &models.User{
		ID:             ev.StreamID,
		Email:          d.Email,
		Name:           d.Name,
		OrganizationID: d.OrganizationID,
		IsActive:       true,
		CreatedAt:      at,
		UpdatedAt:      at,
		LastVersion:    ev.StreamVersion,
	})
}

func (h *handlers) userRoleAssigned(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.UserRoleAssignedData](ev)
	if err != nil {
		return err
	}
	user, err := load(ctx, h, ev, tx.GetUser, userVersion)
	if err != nil || user == nil {
		return err
	}
	at := ev.CreatedAt.UTC()
	if err := tx.SetUserRole(ctx, models.UserRole{
		UserID:         user.ID,
		RoleID:         d.RoleID,
		OrganizationID: d.OrganizationID,
		AssignedAt:     at,
	}); err != nil {
		return err
	}
	user.UpdatedAt = at
	user.LastVersion = ev.StreamVersion
	return tx.PutUser(ctx, user)
}

func (h *handlers) userRoleRevoked(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.UserRoleRevokedData](ev)
	if err != nil {
		return err
	}
	user, err := load(ctx, h, ev, tx.GetUser, userVersion)
	if err != nil || user == nil {
		return err
	}
	if err := tx.RemoveUserRole(ctx, user.ID, d.RoleID); err != nil {
		return err
	}
	user.UpdatedAt = ev.CreatedAt.UTC()
	user.LastVersion = ev.StreamVersion
	return tx.PutUser(ctx, user)
}

func (h *handlers) userDeactivated(ctx context.Context, tx Tx, ev events.Event) error {
	if _, err := events.Decode[events.UserDeactivatedData](ev); err != nil {
		return err
	}
	user, err := load(ctx, h, ev, tx.GetUser, userVersion)
	if err != nil || user == nil {
		return err
	}
	user.IsActive = false
	user.UpdatedAt = ev.CreatedAt.UTC()
	user.LastVersion = ev.StreamVersion
	return tx.PutUser(ctx, user)
}

func (h *handlers) invitationCreated(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.InvitationCreatedData](ev)
	if err != nil {
		return err
	}
	ok, err := fresh(ctx, ev, tx.GetInvitation, invitationVersion)
	if err != nil || !ok {
		return err
	}
	at := ev.CreatedAt.UTC()
	return tx.PutInvitation(ctx, &models.Invitation{
		ID:             ev.StreamID,
		OrganizationID: d.OrganizationID,
		Email:          d.Email,
		Name:           d.Name,
		RoleID:         d.RoleID,
		TokenHash:      d.TokenHash,
		Status:         models.InvitationPending,
		ExpiresAt:      d.ExpiresAt.UTC(),
		CreatedAt:      at,
		UpdatedAt:      at,
		LastVersion:    ev.StreamVersion,
	})
}

func (h *handlers) invitationEmailSent(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.InvitationEmailSentData](ev)
	if err != nil {
		return err
	}
	inv, err := load(ctx, h, ev, tx.GetInvitation, invitationVersion)
	if err != nil || inv == nil {
		return err
	}
	at := ev.CreatedAt.UTC()
	if inv.Status == models.InvitationPending {
		inv.Status = models.InvitationSent
	}
	inv.MessageID = d.MessageID
	inv.SentAt = &at
	inv.UpdatedAt = at
	inv.LastVersion = ev.StreamVersion
	return tx.PutInvitation(ctx, inv)
}

func (h *handlers) invitationAccepted(ctx context.Context, tx Tx, ev events.Event) error {
	d, err := events.Decode[events.InvitationAcceptedData](ev)
	if err != nil {
		return err
	}
	inv, err := load(ctx, h, ev, tx.GetInvitation, invitationVersion)
	if err != nil || inv == nil {
		return err
	}
	at := ev.CreatedAt.UTC()
	inv.Status = models.InvitationAccepted
	inv.AcceptedAt = &at
	inv.AcceptedBy = d.UserID
	inv.UpdatedAt = at
	inv.LastVersion = ev.StreamVersion
	return tx.PutInvitation(ctx, inv)
}

func (h *handlers) invitationRevoked(ctx context.Context, tx Tx, ev events.Event) error {
	if _, err := events.Decode[events.InvitationRevokedData](ev); err != nil {
		return err
	}
	inv, err := load(ctx, h, ev, tx.GetInvitation, invitationVersion)
	if err != nil || inv == nil {
		return err
	}
	at := ev.CreatedAt.UTC()
	inv.Status = models.InvitationRevoked
	inv.RevokedAt = &at
	inv.UpdatedAt = at
	inv.LastVersion = ev.StreamVersion
	return tx.PutInvitation(ctx, inv)
}
