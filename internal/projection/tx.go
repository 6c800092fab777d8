// Package projection derives the current-state read model from domain events.
//
// Handlers registered in the Router are the only writers of projection rows.
// They run inside the append transaction of the event they project, use only
// the event payload and its CreatedAt, and are safe to re-invoke.
package projection

import (
	"context"
	"errors"

	"github.com/orgforge/backend/internal/models"
)

// ErrProjectionRowMissing is returned by strict handlers whose target row
// does not exist. It aborts the enclosing append.
var ErrProjectionRowMissing = errors.New("projection row missing")

// Tx is the projection write surface available inside an append transaction.
// Get methods return (nil, nil) when the row does not exist.
type Tx interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	PutOrganization(ctx context.Context, org *models.Organization) error
	DeleteOrganization(ctx context.Context, id string) error

	GetOrganizationUnit(ctx context.Context, id string) (*models.OrganizationUnit, error)
	PutOrganizationUnit(ctx context.Context, unit *models.OrganizationUnit) error
	DeleteOrganizationUnit(ctx context.Context, id string) error

	GetRole(ctx context.Context, id string) (*models.Role, error)
	PutRole(ctx context.Context, role *models.Role) error
	DeleteRole(ctx context.Context, id string) error
	SetRolePermission(ctx context.Context, roleID, permission string, granted bool) error
	ClearRolePermissions(ctx context.Context, roleID string) error

	GetUser(ctx context.Context, id string) (*models.User, error)
	PutUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id string) error
	SetUserRole(ctx context.Context, link models.UserRole) error
	RemoveUserRole(ctx context.Context, userID, roleID string) error
	ClearUserRoles(ctx context.Context, userID string) error

	GetInvitation(ctx context.Context, id string) (*models.Invitation, error)
	PutInvitation(ctx context.Context, inv *models.Invitation) error
	DeleteInvitation(ctx context.Context, id string) error

	GetPublicName(ctx context.Context, fqdn string) (*models.PublicName, error)
	PutPublicName(ctx context.Context, name *models.PublicName) error
	DeletePublicName(ctx context.Context, fqdn string) error
}

// Reader is the read side used by HTTP handlers and command validation.
type Reader interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	ListOrganizations(ctx context.Context, includeDeleted bool) ([]models.Organization, error)
	ListOrganizationUnits(ctx context.Context, organizationID string) ([]models.OrganizationUnit, error)
	GetRole(ctx context.Context, id string) (*models.Role, error)
	ListRoles(ctx context.Context, organizationID string) ([]models.Role, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUserRoles(ctx context.Context, userID string) ([]models.UserRole, error)
	GetInvitation(ctx context.Context, id string) (*models.Invitation, error)
	ListInvitations(ctx context.Context, organizationID string) ([]models.Invitation, error)
	GetPublicName(ctx context.Context, fqdn string) (*models.PublicName, error)
}
