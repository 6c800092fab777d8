// Package organizations serves the organization read model and the
// organization, invitation and user role commands over HTTP.
package organizations

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/commands"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/projection"
	"github.com/orgforge/backend/pkg/response"
)

// Handler handles organization HTTP endpoints.
type Handler struct {
	reader projection.Reader
	cmd    *commands.Handler
	log    *zap.Logger
}

// NewHandler creates an organizations handler.
func NewHandler(reader projection.Reader, cmd *commands.Handler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{reader: reader, cmd: cmd, log: logger}
}

// UpdateOrganizationRequest is the body for PATCH /organizations/:id.
type UpdateOrganizationRequest struct {
	Name      *string `json:"name"`
	Subdomain *string `json:"subdomain"`
}

// DeactivateRequest is the body for POST /organizations/:id/deactivate.
type DeactivateRequest struct {
	Reason string `json:"reason"`
}

// CreateUnitRequest is the body for POST /organizations/:id/units.
type CreateUnitRequest struct {
	Name         string `json:"name" binding:"required"`
	ParentUnitID string `json:"parent_unit_id"`
}

// AcceptInvitationRequest is the body for POST /invitations/:id/accept.
type AcceptInvitationRequest struct {
	Token string `json:"token" binding:"required"`
	Name  string `json:"name"`
}

// RevokeInvitationRequest is the body for POST /invitations/:id/revoke.
type RevokeInvitationRequest struct {
	Reason string `json:"reason"`
}

// AssignRoleRequest is the body for POST /users/:id/roles.
type AssignRoleRequest struct {
	RoleID string `json:"role_id" binding:"required"`
}

// List handles GET /organizations. ?include_deleted=true adds soft-deleted rows.
func (h *Handler) List(c *gin.Context) {
	includeDeleted, _ := strconv.ParseBool(c.Query("include_deleted"))
	orgs, err := h.reader.ListOrganizations(c.Request.Context(), includeDeleted)
	if err != nil {
		h.log.Error("list organizations", zap.Error(err))
		response.Internal(c, "failed to load organizations")
		return
	}
	response.OK(c, orgs)
}

// Get handles GET /organizations/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	org, err := h.reader.GetOrganization(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load organization")
		return
	}
	if org == nil {
		response.NotFound(c, "organization not found")
		return
	}
	response.OK(c, org)
}

// Update handles PATCH /organizations/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	var body UpdateOrganizationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	org, err := h.cmd.UpdateOrganization(c.Request.Context(), id, body.Name, body.Subdomain)
	if err != nil {
		h.fail(c, "update organization", err)
		return
	}
	response.OK(c, org)
}

// Deactivate handles POST /organizations/:id/deactivate.
func (h *Handler) Deactivate(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	var body DeactivateRequest
	// The body is optional.
	_ = c.ShouldBindJSON(&body)
	org, err := h.cmd.DeactivateOrganization(c.Request.Context(), id, body.Reason)
	if err != nil {
		h.fail(c, "deactivate organization", err)
		return
	}
	response.OK(c, org)
}

// ListUnits handles GET /organizations/:id/units.
func (h *Handler) ListUnits(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	units, err := h.reader.ListOrganizationUnits(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load units")
		return
	}
	response.OK(c, units)
}

// CreateUnit handles POST /organizations/:id/units.
func (h *Handler) CreateUnit(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	var body CreateUnitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name required")
		return
	}
	unit, err := h.cmd.CreateUnit(c.Request.Context(), id, body.Name, body.ParentUnitID)
	if err != nil {
		h.fail(c, "create unit", err)
		return
	}
	response.Created(c, unit)
}

// ListRoles handles GET /organizations/:id/roles.
func (h *Handler) ListRoles(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	roles, err := h.reader.ListRoles(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load roles")
		return
	}
	response.OK(c, roles)
}

// GetPublicName handles GET /public-names/:fqdn. A name that was never
// claimed is reported as 404.
func (h *Handler) GetPublicName(c *gin.Context) {
	fqdn := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(c.Param("fqdn"))), ".")
	if fqdn == "" {
		response.BadRequest(c, "fqdn required")
		return
	}
	name, err := h.reader.GetPublicName(c.Request.Context(), fqdn)
	if err != nil {
		h.log.Error("get public name", zap.String("fqdn", fqdn), zap.Error(err))
		response.Internal(c, "failed to load public name")
		return
	}
	if name == nil {
		response.NotFound(c, "public name not claimed")
		return
	}
	response.OK(c, name)
}

// ListInvitations handles GET /organizations/:id/invitations.
func (h *Handler) ListInvitations(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid organization id")
	if !ok {
		return
	}
	invs, err := h.reader.ListInvitations(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load invitations")
		return
	}
	response.OK(c, invs)
}

// AcceptInvitation handles POST /invitations/:id/accept. Public: the
// invitation token is the credential.
func (h *Handler) AcceptInvitation(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid invitation id")
	if !ok {
		return
	}
	var body AcceptInvitationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "token required")
		return
	}
	user, err := h.cmd.AcceptInvitation(c.Request.Context(), id, body.Token, body.Name)
	if err != nil {
		h.fail(c, "accept invitation", err)
		return
	}
	response.OK(c, user)
}

// RevokeInvitation handles POST /invitations/:id/revoke.
func (h *Handler) RevokeInvitation(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid invitation id")
	if !ok {
		return
	}
	var body RevokeInvitationRequest
	_ = c.ShouldBindJSON(&body)
	inv, err := h.cmd.RevokeInvitation(c.Request.Context(), id, body.Reason)
	if err != nil {
		h.fail(c, "revoke invitation", err)
		return
	}
	response.OK(c, inv)
}

// GetUser handles GET /users/:id.
func (h *Handler) GetUser(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid user id")
	if !ok {
		return
	}
	u, err := h.reader.GetUser(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load user")
		return
	}
	if u == nil {
		response.NotFound(c, "user not found")
		return
	}
	response.OK(c, u)
}

// ListUserRoles handles GET /users/:id/roles.
func (h *Handler) ListUserRoles(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid user id")
	if !ok {
		return
	}
	links, err := h.reader.ListUserRoles(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load user roles")
		return
	}
	response.OK(c, links)
}

// AssignRole handles POST /users/:id/roles.
func (h *Handler) AssignRole(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid user id")
	if !ok {
		return
	}
	var body AssignRoleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "role_id required")
		return
	}
	links, err := h.cmd.AssignRole(c.Request.Context(), id, body.RoleID)
	if err != nil {
		h.fail(c, "assign role", err)
		return
	}
	response.OK(c, links)
}

// RevokeRole handles DELETE /users/:id/roles/:roleId.
func (h *Handler) RevokeRole(c *gin.Context) {
	id, ok := idParam(c, "id", "invalid user id")
	if !ok {
		return
	}
	roleID, ok := idParam(c, "roleId", "invalid role id")
	if !ok {
		return
	}
	links, err := h.cmd.RevokeRole(c.Request.Context(), id, roleID)
	if err != nil {
		h.fail(c, "revoke role", err)
		return
	}
	response.OK(c, links)
}

// fail maps command and event store errors to responses.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	var perr *eventstore.ProcessingError
	switch {
	case errors.Is(err, commands.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, commands.ErrInvalidToken):
		response.Forbidden(c, err.Error())
	case errors.Is(err, commands.ErrInvitationClosed),
		errors.Is(err, commands.ErrInvitationExpired),
		errors.Is(err, commands.ErrInactive),
		errors.Is(err, commands.ErrPublicNameManaged),
		errors.Is(err, eventstore.ErrConcurrentModification):
		response.Conflict(c, err.Error())
	case errors.Is(err, commands.ErrInvalidInput),
		errors.Is(err, commands.ErrCrossOrganization),
		errors.Is(err, eventstore.ErrInvalidEvent):
		response.BadRequest(c, err.Error())
	case errors.As(err, &perr):
		h.log.Warn(op+": projection rejected event", zap.Error(err))
		response.UnprocessableEntity(c, err.Error())
	default:
		h.log.Error(op, zap.Error(err))
		response.Internal(c, "failed to "+op)
	}
}

// idParam reads a uuid path parameter and writes 400 when it is malformed.
func idParam(c *gin.Context, name, msg string) (string, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, msg)
		return "", false
	}
	return id.String(), true
}
