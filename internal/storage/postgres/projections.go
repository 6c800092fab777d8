package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/orgforge/backend/internal/models"
)

const (
	orgColumns = `id, name, slug, type, parent_id, subdomain, status, domain_fqdn, domain_zone_id,
		domain_record, domain_status, is_active, deleted_at, created_at, updated_at, last_version`
	unitColumns       = `id, organization_id, parent_unit_id, name, is_active, created_at, updated_at, last_version`
	roleColumns       = `id, organization_id, name, description, is_active, deleted_at, created_at, updated_at, last_version`
	userColumns       = `id, email, name, organization_id, is_active, created_at, updated_at, last_version`
	userRoleColumns   = `user_id, role_id, organization_id, assigned_at`
	invitationColumns = `id, organization_id, email, name, role_id, token_hash, status, message_id, expires_at,
		sent_at, accepted_at, accepted_by, revoked_at, created_at, updated_at, last_version`
	publicNameColumns = `fqdn, organization_id, saga_id, claimed_at, released_at, updated_at, last_version`
)

// one returns (nil, nil) when the row does not exist.
func one[T any](row pgx.Row, scan func(pgx.Row) (T, error)) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func many[T any](ctx context.Context, q querier, sql string, scan func(pgx.Row) (T, error), args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

func scanOrganization(row pgx.Row) (models.Organization, error) {
	var o models.Organization
	err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.Type, &o.ParentID, &o.Subdomain, &o.Status, &o.DomainFQDN,
		&o.DomainZoneID, &o.DomainRecord, &o.DomainStatus, &o.IsActive, &o.DeletedAt, &o.CreatedAt, &o.UpdatedAt, &o.LastVersion)
	return o, err
}

func scanUnit(row pgx.Row) (models.OrganizationUnit, error) {
	var u models.OrganizationUnit
	err := row.Scan(&u.ID, &u.OrganizationID, &u.ParentUnitID, &u.Name, &u.IsActive, &u.CreatedAt, &u.UpdatedAt, &u.LastVersion)
	return u, err
}

func scanRole(row pgx.Row) (models.Role, error) {
	var r models.Role
	err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Description, &r.IsActive, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt, &r.LastVersion)
	return r, err
}

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.OrganizationID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt, &u.LastVersion)
	return u, err
}

func scanUserRole(row pgx.Row) (models.UserRole, error) {
	var l models.UserRole
	err := row.Scan(&l.UserID, &l.RoleID, &l.OrganizationID, &l.AssignedAt)
	return l, err
}

func scanInvitation(row pgx.Row) (models.Invitation, error) {
	var i models.Invitation
	err := row.Scan(&i.ID, &i.OrganizationID, &i.Email, &i.Name, &i.RoleID, &i.TokenHash, &i.Status, &i.MessageID,
		&i.ExpiresAt, &i.SentAt, &i.AcceptedAt, &i.AcceptedBy, &i.RevokedAt, &i.CreatedAt, &i.UpdatedAt, &i.LastVersion)
	return i, err
}

func scanPublicName(row pgx.Row) (models.PublicName, error) {
	var n models.PublicName
	err := row.Scan(&n.FQDN, &n.OrganizationID, &n.SagaID, &n.ClaimedAt, &n.ReleasedAt, &n.UpdatedAt, &n.LastVersion)
	return n, err
}

func getPublicName(ctx context.Context, q querier, fqdn string) (*models.PublicName, error) {
	return one(q.QueryRow(ctx, `SELECT `+publicNameColumns+` FROM public_names WHERE fqdn = $1`, fqdn), scanPublicName)
}

func getOrganization(ctx context.Context, q querier, id string) (*models.Organization, error) {
	return one(q.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id), scanOrganization)
}

// getRole loads the role with its permission set.
func getRole(ctx context.Context, q querier, id string) (*models.Role, error) {
	r, err := one(q.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id), scanRole)
	if err != nil || r == nil {
		return r, err
	}
	if r.Permissions, err = rolePermissions(ctx, q, id); err != nil {
		return nil, err
	}
	return r, nil
}

func rolePermissions(ctx context.Context, q querier, roleID string) ([]string, error) {
	return many(ctx, q, `SELECT permission FROM role_permissions WHERE role_id = $1 ORDER BY permission`,
		func(row pgx.Row) (string, error) {
			var p string
			err := row.Scan(&p)
			return p, err
		}, roleID)
}

func (t *tx) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	return getOrganization(ctx, t.q, id)
}

func (t *tx) PutOrganization(ctx context.Context, o *models.Organization) error {
	const q = `INSERT INTO organizations (` + orgColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, slug = EXCLUDED.slug, type = EXCLUDED.type, parent_id = EXCLUDED.parent_id,
			subdomain = EXCLUDED.subdomain, status = EXCLUDED.status, domain_fqdn = EXCLUDED.domain_fqdn,
			domain_zone_id = EXCLUDED.domain_zone_id, domain_record = EXCLUDED.domain_record,
			domain_status = EXCLUDED.domain_status, is_active = EXCLUDED.is_active, deleted_at = EXCLUDED.deleted_at,
			updated_at = EXCLUDED.updated_at, last_version = EXCLUDED.last_version`
	_, err := t.q.Exec(ctx, q, o.ID, o.Name, o.Slug, o.Type, o.ParentID, o.Subdomain, o.Status, o.DomainFQDN,
		o.DomainZoneID, o.DomainRecord, o.DomainStatus, o.IsActive, o.DeletedAt, o.CreatedAt, o.UpdatedAt, o.LastVersion)
	return err
}

func (t *tx) DeleteOrganization(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	return err
}

func (t *tx) GetOrganizationUnit(ctx context.Context, id string) (*models.OrganizationUnit, error) {
	return one(t.q.QueryRow(ctx, `SELECT `+unitColumns+` FROM organization_units WHERE id = $1`, id), scanUnit)
}

func (t *tx) PutOrganizationUnit(ctx context.Context, u *models.OrganizationUnit) error {
	const q = `INSERT INTO organization_units (` + unitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id, parent_unit_id = EXCLUDED.parent_unit_id, name = EXCLUDED.name,
			is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at, last_version = EXCLUDED.last_version`
	_, err := t.q.Exec(ctx, q, u.ID, u.OrganizationID, u.ParentUnitID, u.Name, u.IsActive, u.CreatedAt, u.UpdatedAt, u.LastVersion)
	return err
}

func (t *tx) DeleteOrganizationUnit(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM organization_units WHERE id = $1`, id)
	return err
}

func (t *tx) GetRole(ctx context.Context, id string) (*models.Role, error) {
	return getRole(ctx, t.q, id)
}

// PutRole writes the role row. Permissions are managed by SetRolePermission.
func (t *tx) PutRole(ctx context.Context, r *models.Role) error {
	const q = `INSERT INTO roles (` + roleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id, name = EXCLUDED.name, description = EXCLUDED.description,
			is_active = EXCLUDED.is_active, deleted_at = EXCLUDED.deleted_at,
			updated_at = EXCLUDED.updated_at, last_version = EXCLUDED.last_version`
	_, err := t.q.Exec(ctx, q, r.ID, r.OrganizationID, r.Name, r.Description, r.IsActive, r.DeletedAt, r.CreatedAt, r.UpdatedAt, r.LastVersion)
	return err
}

func (t *tx) DeleteRole(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	return err
}

func (t *tx) SetRolePermission(ctx context.Context, roleID, permission string, granted bool) error {
	var err error
	if granted {
		_, err = t.q.Exec(ctx, `INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2)
			ON CONFLICT (role_id, permission) DO NOTHING`, roleID, permission)
	} else {
		_, err = t.q.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission = $2`, roleID, permission)
	}
	return err
}

func (t *tx) ClearRolePermissions(ctx context.Context, roleID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID)
	return err
}

func (t *tx) GetUser(ctx context.Context, id string) (*models.User, error) {
	return one(t.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id), scanUser)
}

func (t *tx) PutUser(ctx context.Context, u *models.User) error {
	const q = `INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email, name = EXCLUDED.name, organization_id = EXCLUDED.organization_id,
			is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at, last_version = EXCLUDED.last_version`
	_, err := t.q.Exec(ctx, q, u.ID, u.Email, u.Name, u.OrganizationID, u.IsActive, u.CreatedAt, u.UpdatedAt, u.LastVersion)
	return err
}

func (t *tx) DeleteUser(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

func (t *tx) SetUserRole(ctx context.Context, l models.UserRole) error {
	const q = `INSERT INTO user_roles (` + userRoleColumns + `) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id) DO UPDATE SET organization_id = EXCLUDED.organization_id, assigned_at = EXCLUDED.assigned_at`
	_, err := t.q.Exec(ctx, q, l.UserID, l.RoleID, l.OrganizationID, l.AssignedAt)
	return err
}

func (t *tx) RemoveUserRole(ctx context.Context, userID, roleID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return err
}

func (t *tx) ClearUserRoles(ctx context.Context, userID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID)
	return err
}

func (t *tx) GetInvitation(ctx context.Context, id string) (*models.Invitation, error) {
	return one(t.q.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = $1`, id), scanInvitation)
}

func (t *tx) PutInvitation(ctx context.Context, i *models.Invitation) error {
	const q = `INSERT INTO invitations (` + invitationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id, email = EXCLUDED.email, name = EXCLUDED.name,
			role_id = EXCLUDED.role_id, token_hash = EXCLUDED.token_hash, status = EXCLUDED.status,
			message_id = EXCLUDED.message_id, expires_at = EXCLUDED.expires_at, sent_at = EXCLUDED.sent_at,
			accepted_at = EXCLUDED.accepted_at, accepted_by = EXCLUDED.accepted_by, revoked_at = EXCLUDED.revoked_at,
			updated_at = EXCLUDED.updated_at, last_version = EXCLUDED.last_version`
	_, err := t.q.Exec(ctx, q, i.ID, i.OrganizationID, i.Email, i.Name, i.RoleID, i.TokenHash, i.Status, i.MessageID,
		i.ExpiresAt, i.SentAt, i.AcceptedAt, i.AcceptedBy, i.RevokedAt, i.CreatedAt, i.UpdatedAt, i.LastVersion)
	return err
}

func (t *tx) DeleteInvitation(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM invitations WHERE id = $1`, id)
	return err
}

func (t *tx) GetPublicName(ctx context.Context, fqdn string) (*models.PublicName, error) {
	return getPublicName(ctx, t.q, fqdn)
}

func (t *tx) PutPublicName(ctx context.Context, n *models.PublicName) error {
	const q = `INSERT INTO public_names (` + publicNameColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fqdn) DO UPDATE SET
			organization_id = EXCLUDED.organization_id, saga_id = EXCLUDED.saga_id, claimed_at = EXCLUDED.claimed_at,
			released_at = EXCLUDED.released_at, updated_at = EXCLUDED.updated_at, last_version = EXCLUDED.last_version`
	_, err := t.q.Exec(ctx, q, n.FQDN, n.OrganizationID, n.SagaID, n.ClaimedAt, n.ReleasedAt, n.UpdatedAt, n.LastVersion)
	return err
}

func (t *tx) DeletePublicName(ctx context.Context, fqdn string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM public_names WHERE fqdn = $1`, fqdn)
	return err
}
