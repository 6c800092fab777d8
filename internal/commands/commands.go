// Package commands implements write operations outside the provisioning saga.
// Commands validate against the read model and append events; they never
// write projection rows.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/models"
	"github.com/orgforge/backend/internal/projection"
	"github.com/orgforge/backend/pkg/utils"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidToken      = errors.New("invalid invitation token")
	ErrInvitationClosed  = errors.New("invitation is no longer open")
	ErrInvitationExpired = errors.New("invitation expired")
	ErrInactive          = errors.New("entity is not active")
	ErrCrossOrganization = errors.New("role belongs to another organization")
	ErrInvalidInput      = errors.New("invalid input")
	ErrPublicNameManaged = errors.New("subdomain is registered in DNS and managed by provisioning")
)

// userNamespace scopes user ids derived from accepted invitations.
var userNamespace = uuid.MustParse("0b7c6f0e-97a4-4f43-b1a1-6c4f1e5a8d10")

// EventStore is the write side used by commands.
type EventStore interface {
	AppendNext(ctx context.Context, streamID string, t events.Type, payload any) (eventstore.AppendResult, error)
	GetCurrentVersion(ctx context.Context, streamID string, st events.StreamType) (int, error)
}

// Handler executes commands.
type Handler struct {
	store  EventStore
	reader projection.Reader
	log    *zap.Logger
	now    func() time.Time
}

// NewHandler creates a command handler.
func NewHandler(store EventStore, reader projection.Reader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, reader: reader, log: logger, now: time.Now}
}

// UpdateOrganization renames an organization or changes its subdomain label.
// The label of an organization whose public name is registered in DNS cannot
// change here: the record and its claim would no longer match.
func (h *Handler) UpdateOrganization(ctx context.Context, orgID string, name, subdomain *string) (*models.Organization, error) {
	org, err := h.liveOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if subdomain != nil && *subdomain != org.Subdomain && publicNameRegistered(org) {
		return nil, fmt.Errorf("%w: %s", ErrPublicNameManaged, org.DomainFQDN)
	}
	if name != nil {
		n := strings.TrimSpace(*name)
		if n == "" {
			return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidInput)
		}
		name = &n
	}
	if name == nil && subdomain == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if _, err := h.store.AppendNext(ctx, orgID, events.OrganizationUpdated, events.OrganizationUpdatedData{
		Name:      name,
		Subdomain: subdomain,
	}); err != nil {
		return nil, err
	}
	return h.reader.GetOrganization(ctx, orgID)
}

// publicNameRegistered reports whether a DNS record may exist for org.
func publicNameRegistered(org *models.Organization) bool {
	if org.DomainFQDN == "" {
		return false
	}
	return org.DomainStatus == models.DomainStatusConfigured || org.DomainStatus == models.DomainStatusError
}

// DeactivateOrganization deactivates an active organization.
func (h *Handler) DeactivateOrganization(ctx context.Context, orgID, reason string) (*models.Organization, error) {
	org, err := h.liveOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return org, nil
	}
	if _, err := h.store.AppendNext(ctx, orgID, events.OrganizationDeactivated, events.OrganizationDeactivatedData{Reason: reason}); err != nil {
		return nil, err
	}
	return h.reader.GetOrganization(ctx, orgID)
}

// CreateUnit creates an organization unit, optionally below a parent unit.
func (h *Handler) CreateUnit(ctx context.Context, orgID, name, parentUnitID string) (*models.OrganizationUnit, error) {
	if _, err := h.liveOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if parentUnitID != "" {
		units, err := h.reader.ListOrganizationUnits(ctx, orgID)
		if err != nil {
			return nil, err
		}
		found := false
		for _, u := range units {
			if u.ID == parentUnitID && u.IsActive {
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: parent unit %s", ErrNotFound, parentUnitID)
		}
	}
	unitID := uuid.NewString()
	if _, err := h.store.AppendNext(ctx, unitID, events.OrganizationUnitCreated, events.OrganizationUnitCreatedData{
		OrganizationID: orgID,
		ParentUnitID:   parentUnitID,
		Name:           name,
	}); err != nil {
		return nil, err
	}
	units, err := h.reader.ListOrganizationUnits(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range units {
		if units[i].ID == unitID {
			return &units[i], nil
		}
	}
	return nil, fmt.Errorf("%w: unit %s", ErrNotFound, unitID)
}

// AcceptInvitation turns an open invitation into a user holding the invited
// role. The user id is derived from the invitation, so a retried accept
// continues where a failed one stopped.
func (h *Handler) AcceptInvitation(ctx context.Context, invitationID, token, name string) (*models.User, error) {
	inv, err := h.reader.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: invitation %s", ErrNotFound, invitationID)
	}
	if !utils.CheckToken(token, inv.TokenHash) {
		return nil, ErrInvalidToken
	}
	userID := uuid.NewSHA1(userNamespace, []byte("invitation/"+inv.ID)).String()
	if inv.Status == models.InvitationAccepted && inv.AcceptedBy == userID {
		return h.user(ctx, userID)
	}
	if inv.Status != models.InvitationPending && inv.Status != models.InvitationSent {
		return nil, fmt.Errorf("%w: status %s", ErrInvitationClosed, inv.Status)
	}
	if h.now().After(inv.ExpiresAt) {
		return nil, ErrInvitationExpired
	}
	if _, err := h.liveOrganization(ctx, inv.OrganizationID); err != nil {
		return nil, err
	}
	if name = strings.TrimSpace(name); name == "" {
		name = inv.Name
	}

	version, err := h.store.GetCurrentVersion(ctx, userID, events.StreamUser)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		if _, err := h.store.AppendNext(ctx, userID, events.UserCreated, events.UserCreatedData{
			Email:          inv.Email,
			Name:           name,
			OrganizationID: inv.OrganizationID,
		}); err != nil {
			return nil, err
		}
	}
	links, err := h.reader.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !hasRole(links, inv.RoleID) {
		if _, err := h.store.AppendNext(ctx, userID, events.UserRoleAssigned, events.UserRoleAssignedData{
			RoleID:         inv.RoleID,
			OrganizationID: inv.OrganizationID,
		}); err != nil {
			return nil, err
		}
	}
	if _, err := h.store.AppendNext(ctx, inv.ID, events.InvitationAccepted, events.InvitationAcceptedData{UserID: userID}); err != nil {
		return nil, err
	}
	h.log.Info("invitation accepted",
		zap.String("invitation_id", inv.ID),
		zap.String("user_id", userID),
		zap.String("organization_id", inv.OrganizationID),
	)
	return h.user(ctx, userID)
}

// RevokeInvitation revokes an invitation that was not accepted yet.
func (h *Handler) RevokeInvitation(ctx context.Context, invitationID, reason string) (*models.Invitation, error) {
	inv, err := h.reader.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, fmt.Errorf("%w: invitation %s", ErrNotFound, invitationID)
	}
	switch inv.Status {
	case models.InvitationRevoked:
		return inv, nil
	case models.InvitationAccepted:
		return nil, fmt.Errorf("%w: status %s", ErrInvitationClosed, inv.Status)
	}
	if _, err := h.store.AppendNext(ctx, invitationID, events.InvitationRevoked, events.InvitationRevokedData{Reason: reason}); err != nil {
		return nil, err
	}
	return h.reader.GetInvitation(ctx, invitationID)
}

// AssignRole grants a role of the user's organization to the user.
func (h *Handler) AssignRole(ctx context.Context, userID, roleID string) ([]models.UserRole, error) {
	u, err := h.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	role, err := h.reader.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role == nil || role.DeletedAt != nil {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	if role.OrganizationID != u.OrganizationID {
		return nil, ErrCrossOrganization
	}
	links, err := h.reader.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	if hasRole(links, roleID) {
		return links, nil
	}
	if _, err := h.store.AppendNext(ctx, userID, events.UserRoleAssigned, events.UserRoleAssignedData{
		RoleID:         roleID,
		OrganizationID: role.OrganizationID,
	}); err != nil {
		return nil, err
	}
	return h.reader.ListUserRoles(ctx, userID)
}

// RevokeRole removes a role from a user. Revoking a role the user does not
// hold is a no-op.
func (h *Handler) RevokeRole(ctx context.Context, userID, roleID string) ([]models.UserRole, error) {
	if _, err := h.user(ctx, userID); err != nil {
		return nil, err
	}
	links, err := h.reader.ListUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !hasRole(links, roleID) {
		return links, nil
	}
	if _, err := h.store.AppendNext(ctx, userID, events.UserRoleRevoked, events.UserRoleRevokedData{RoleID: roleID}); err != nil {
		return nil, err
	}
	return h.reader.ListUserRoles(ctx, userID)
}

func (h *Handler) liveOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	org, err := h.reader.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil || org.DeletedAt != nil {
		return nil, fmt.Errorf("%w: organization %s", ErrNotFound, orgID)
	}
	return org, nil
}

func (h *Handler) user(ctx context.Context, userID string) (*models.User, error) {
	u, err := h.reader.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return u, nil
}

func (h *Handler) activeUser(ctx context.Context, userID string) (*models.User, error) {
	u, err := h.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, fmt.Errorf("%w: user %s", ErrInactive, userID)
	}
	return u, nil
}

func hasRole(links []models.UserRole, roleID string) bool {
	for _, l := range links {
		if l.RoleID == roleID {
			return true
		}
	}
	return false
}
