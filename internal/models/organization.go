package models

import (
	"time"
)

// Organization lifecycle states as projected from the organization stream.
const (
	OrgStatusProvisioning = "provisioning"
	OrgStatusActive       = "active"
	OrgStatusInactive     = "inactive"
	OrgStatusDeleted      = "deleted"
)

// Public name states.
const (
	DomainStatusConfigured = "configured"
	DomainStatusRemoved    = "removed"
	DomainStatusNotFound   = "not_found"
	DomainStatusError      = "error"
)

// Organization is the current-state row for one organization stream.
type Organization struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Slug         string     `json:"slug"`
	Type         string     `json:"type"`
	ParentID     string     `json:"parent_id,omitempty"`
	Subdomain    string     `json:"subdomain,omitempty"`
	Status       string     `json:"status"`
	DomainFQDN   string     `json:"domain_fqdn,omitempty"`
	DomainZoneID string     `json:"domain_zone_id,omitempty"`
	DomainRecord string     `json:"domain_record_id,omitempty"`
	DomainStatus string     `json:"domain_status,omitempty"`
	IsActive     bool       `json:"is_active"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastVersion  int        `json:"last_version"`
}

// OrganizationUnit is a sub-unit inside an organization.
type OrganizationUnit struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ParentUnitID   string    `json:"parent_unit_id,omitempty"`
	Name           string    `json:"name"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastVersion    int       `json:"last_version"`
}

// PublicName is the reservation of one FQDN. A released name keeps its row
// with an empty OrganizationID.
type PublicName struct {
	FQDN           string     `json:"fqdn"`
	OrganizationID string     `json:"organization_id,omitempty"`
	SagaID         string     `json:"saga_id,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastVersion    int        `json:"last_version"`
}
