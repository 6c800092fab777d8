package postgres

import (
	"context"

	"github.com/orgforge/backend/internal/models"
)

func (b *Backend) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	return getOrganization(ctx, b.pool, id)
}

func (b *Backend) ListOrganizations(ctx context.Context, includeDeleted bool) ([]models.Organization, error) {
	q := `SELECT ` + orgColumns + ` FROM organizations`
	if !includeDeleted {
		q += ` WHERE deleted_at IS NULL`
	}
	return many(ctx, b.pool, q+` ORDER BY created_at, id`, scanOrganization)
}

func (b *Backend) ListOrganizationUnits(ctx context.Context, organizationID string) ([]models.OrganizationUnit, error) {
	return many(ctx, b.pool, `SELECT `+unitColumns+` FROM organization_units WHERE organization_id = $1 ORDER BY name`,
		scanUnit, organizationID)
}

func (b *Backend) GetRole(ctx context.Context, id string) (*models.Role, error) {
	return getRole(ctx, b.pool, id)
}

func (b *Backend) ListRoles(ctx context.Context, organizationID string) ([]models.Role, error) {
	roles, err := many(ctx, b.pool, `SELECT `+roleColumns+` FROM roles WHERE organization_id = $1 ORDER BY name`,
		scanRole, organizationID)
	if err != nil {
		return nil, err
	}
	for i := range roles {
		if roles[i].Permissions, err = rolePermissions(ctx, b.pool, roles[i].ID); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

func (b *Backend) GetUser(ctx context.Context, id string) (*models.User, error) {
	return one(b.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id), scanUser)
}

func (b *Backend) ListUserRoles(ctx context.Context, userID string) ([]models.UserRole, error) {
	return many(ctx, b.pool, `SELECT `+userRoleColumns+` FROM user_roles WHERE user_id = $1 ORDER BY role_id`,
		scanUserRole, userID)
}

func (b *Backend) GetInvitation(ctx context.Context, id string) (*models.Invitation, error) {
	return one(b.pool.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = $1`, id), scanInvitation)
}

func (b *Backend) ListInvitations(ctx context.Context, organizationID string) ([]models.Invitation, error) {
	return many(ctx, b.pool, `SELECT `+invitationColumns+` FROM invitations WHERE organization_id = $1 ORDER BY email`,
		scanInvitation, organizationID)
}

func (b *Backend) GetPublicName(ctx context.Context, fqdn string) (*models.PublicName, error) {
	return getPublicName(ctx, b.pool, fqdn)
}
