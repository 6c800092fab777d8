package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Organization types.
const (
	OrgTypeProvider        = "provider"
	OrgTypeProviderPartner = "provider_partner"
	OrgTypePlatformOwner   = "platform_owner"
)

// Public name removal outcomes recorded by organization.domain.removed.
const (
	DomainRemovalDeleted  = "deleted"
	DomainRemovalNotFound = "not_found"
	DomainRemovalError    = "error"
)

type OrganizationCreatedData struct {
	Name         string `json:"name" validate:"required,max=255"`
	Slug         string `json:"slug,omitempty" validate:"omitempty,max=63"`
	Type         string `json:"type,omitempty" validate:"omitempty,oneof=provider provider_partner platform_owner"`
	ParentID     string `json:"parent_id,omitempty"`
	Subdomain    string `json:"subdomain,omitempty"`
	Provisioning bool   `json:"provisioning,omitempty"`
}

type OrganizationUpdatedData struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Subdomain *string `json:"subdomain,omitempty"`
}

type OrganizationActivatedData struct {
	Reason string `json:"reason,omitempty"`
}

type OrganizationDeactivatedData struct {
	Reason string `json:"reason,omitempty"`
}

type OrganizationDeletedData struct {
	Reason string `json:"reason,omitempty"`
}

type OrganizationDomainConfiguredData struct {
	FQDN       string `json:"fqdn" validate:"required,fqdn"`
	ZoneID     string `json:"zone_id" validate:"required"`
	RecordID   string `json:"record_id" validate:"required"`
	RecordType string `json:"record_type" validate:"required"`
	Target     string `json:"target,omitempty"`
}

type OrganizationDomainRemovedData struct {
	FQDN   string `json:"fqdn" validate:"required"`
	Status string `json:"status" validate:"required,oneof=deleted not_found error"`
	Error  string `json:"error,omitempty"`
}

type OrganizationUnitCreatedData struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	ParentUnitID   string `json:"parent_unit_id,omitempty"`
	Name           string `json:"name" validate:"required,max=255"`
}

type OrganizationUnitUpdatedData struct {
	Name *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
}

type OrganizationUnitDeactivatedData struct {
	Reason string `json:"reason,omitempty"`
}

type RoleCreatedData struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	Name           string `json:"name" validate:"required,max=128"`
	Description    string `json:"description,omitempty"`
}

type RolePermissionData struct {
	Permission string `json:"permission" validate:"required"`
}

type RoleDeletedData struct {
	Reason string `json:"reason,omitempty"`
}

type UserCreatedData struct {
	Email          string `json:"email" validate:"required,email"`
	Name           string `json:"name,omitempty"`
	OrganizationID string `json:"organization_id" validate:"required"`
}

type UserRoleAssignedData struct {
	RoleID         string `json:"role_id" validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`
}

type UserRoleRevokedData struct {
	RoleID string `json:"role_id" validate:"required"`
}

type UserDeactivatedData struct {
	Reason string `json:"reason,omitempty"`
}

type InvitationCreatedData struct {
	OrganizationID string    `json:"organization_id" validate:"required"`
	Email          string    `json:"email" validate:"required,email"`
	Name           string    `json:"name,omitempty"`
	RoleID         string    `json:"role_id" validate:"required"`
	TokenHash      string    `json:"token_hash" validate:"required"`
	ExpiresAt      time.Time `json:"expires_at" validate:"required"`
}

type InvitationEmailSentData struct {
	MessageID string `json:"message_id" validate:"required"`
	Recipient string `json:"recipient" validate:"required,email"`
}

type InvitationAcceptedData struct {
	UserID string `json:"user_id" validate:"required"`
}

type InvitationRevokedData struct {
	Reason string `json:"reason,omitempty"`
}

// PublicNameClaimedData reserves an FQDN for one organization. The stream id
// is the normalized FQDN.
type PublicNameClaimedData struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	SagaID         string `json:"saga_id,omitempty"`
}

type PublicNameReleasedData struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	Reason         string `json:"reason,omitempty"`
}

// Decode unmarshals the payload of ev into T. Unknown fields are rejected and
// struct validation is applied, so a producer and a handler that disagree on
// a field name fail loudly instead of projecting zero values.
func Decode[T any](ev Event) (T, error) {
	var out T
	raw := bytes.TrimSpace(ev.EventData)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %s v%d: %v", ErrInvalidPayload, ev.EventType, ev.StreamVersion, err)
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %s v%d: %v", ErrInvalidPayload, ev.EventType, ev.StreamVersion, err)
	}
	return out, nil
}
