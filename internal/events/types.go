// Package events defines the closed catalogue of domain events: stream types,
// event types, their payloads and the event record itself.
//
// Event type strings are the wire contract between producers and the
// projection routers. They all follow one convention: "<stream>.<fact>" with
// further dot-separated segments for sub-facts ("organization.domain.removed").
package events

import (
	"fmt"
	"sort"
)

// StreamType is the kind of entity a stream belongs to.
type StreamType string

const (
	StreamOrganization     StreamType = "organization"
	StreamOrganizationUnit StreamType = "organization_unit"
	StreamRole             StreamType = "role"
	StreamUser             StreamType = "user"
	StreamInvitation       StreamType = "invitation"
	StreamPublicName       StreamType = "public_name"
)

// Type identifies the fact an event records.
type Type string

const (
	OrganizationCreated          Type = "organization.created"
	OrganizationUpdated          Type = "organization.updated"
	OrganizationActivated        Type = "organization.activated"
	OrganizationDeactivated      Type = "organization.deactivated"
	OrganizationDeleted          Type = "organization.deleted"
	OrganizationDomainConfigured Type = "organization.domain.configured"
	OrganizationDomainRemoved    Type = "organization.domain.removed"

	OrganizationUnitCreated     Type = "organization_unit.created"
	OrganizationUnitUpdated     Type = "organization_unit.updated"
	OrganizationUnitDeactivated Type = "organization_unit.deactivated"

	RoleCreated           Type = "role.created"
	RolePermissionGranted Type = "role.permission.granted"
	RolePermissionRevoked Type = "role.permission.revoked"
	RoleDeleted           Type = "role.deleted"

	UserCreated      Type = "user.created"
	UserRoleAssigned Type = "user.role.assigned"
	UserRoleRevoked  Type = "user.role.revoked"
	UserDeactivated  Type = "user.deactivated"

	InvitationCreated   Type = "invitation.created"
	InvitationEmailSent Type = "invitation.email.sent"
	InvitationAccepted  Type = "invitation.accepted"
	InvitationRevoked   Type = "invitation.revoked"

	PublicNameClaimed  Type = "public_name.claimed"
	PublicNameReleased Type = "public_name.released"
)

// catalog maps every known event type to the stream type that owns it.
var catalog = map[Type]StreamType{
	OrganizationCreated:          StreamOrganization,
	OrganizationUpdated:          StreamOrganization,
	OrganizationActivated:        StreamOrganization,
	OrganizationDeactivated:      StreamOrganization,
	OrganizationDeleted:          StreamOrganization,
	OrganizationDomainConfigured: StreamOrganization,
	OrganizationDomainRemoved:    StreamOrganization,

	OrganizationUnitCreated:     StreamOrganizationUnit,
	OrganizationUnitUpdated:     StreamOrganizationUnit,
	OrganizationUnitDeactivated: StreamOrganizationUnit,

	RoleCreated:           StreamRole,
	RolePermissionGranted: StreamRole,
	RolePermissionRevoked: StreamRole,
	RoleDeleted:           StreamRole,

	UserCreated:      StreamUser,
	UserRoleAssigned: StreamUser,
	UserRoleRevoked:  StreamUser,
	UserDeactivated:  StreamUser,

	InvitationCreated:   StreamInvitation,
	InvitationEmailSent: StreamInvitation,
	InvitationAccepted:  StreamInvitation,
	InvitationRevoked:   StreamInvitation,

	PublicNameClaimed:  StreamPublicName,
	PublicNameReleased: StreamPublicName,
}

var streamTypes = []StreamType{
	StreamOrganization,
	StreamOrganizationUnit,
	StreamRole,
	StreamUser,
	StreamInvitation,
	StreamPublicName,
}

// StreamType returns the stream type owning t, or "" when t is not in the catalogue.
func (t Type) StreamType() StreamType {
	return catalog[t]
}

// Known reports whether t is part of the catalogue.
func (t Type) Known() bool {
	_, ok := catalog[t]
	return ok
}

func (t Type) String() string { return string(t) }

// Valid reports whether st is a known stream type.
func (st StreamType) Valid() bool {
	for _, s := range streamTypes {
		if s == st {
			return true
		}
	}
	return false
}

func (st StreamType) String() string { return string(st) }

// ParseType converts a wire string into a catalogue type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// ParseStreamType converts a wire string into a stream type.
func ParseStreamType(s string) (StreamType, error) {
	st := StreamType(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStreamType, s)
	}
	return st, nil
}

// Catalog returns every known event type, sorted.
func Catalog() []Type {
	out := make([]Type, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StreamTypes returns every known stream type.
func StreamTypes() []StreamType {
	out := make([]StreamType, len(streamTypes))
	copy(out, streamTypes)
	return out
}
