package models

import (
	"time"
)

// Role is an organization-scoped role with a permission set.
type Role struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Permissions    []string   `json:"permissions"`
	IsActive       bool       `json:"is_active"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastVersion    int        `json:"last_version"`
}

// User represents a platform user.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name,omitempty"`
	OrganizationID string    `json:"organization_id"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastVersion    int       `json:"last_version"`
}

// UserRole links a user to a role inside an organization.
type UserRole struct {
	UserID         string    `json:"user_id"`
	RoleID         string    `json:"role_id"`
	OrganizationID string    `json:"organization_id"`
	AssignedAt     time.Time `json:"assigned_at"`
}

// Invitation states.
const (
	InvitationPending  = "pending"
	InvitationSent     = "sent"
	InvitationAccepted = "accepted"
	InvitationRevoked  = "revoked"
)

// Invitation is an outstanding or settled invitation to join an organization.
// Only the bcrypt hash of the token is ever stored.
type Invitation struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Email          string     `json:"email"`
	Name           string     `json:"name,omitempty"`
	RoleID         string     `json:"role_id"`
	TokenHash      string     `json:"-"`
	Status         string     `json:"status"`
	MessageID      string     `json:"message_id,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	AcceptedBy     string     `json:"accepted_by,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastVersion    int        `json:"last_version"`
}
