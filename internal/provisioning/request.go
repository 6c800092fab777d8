package provisioning

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidRequest = errors.New("invalid provisioning request")

	validate = validator.New()

	// Public names are single DNS labels.
	publicNameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

// EntityData describes the organization to provision.
type EntityData struct {
	Name     string `json:"name" validate:"required,max=255"`
	Slug     string `json:"slug,omitempty" validate:"omitempty,max=63"`
	Type     string `json:"type,omitempty" validate:"omitempty,oneof=provider provider_partner platform_owner"`
	ParentID string `json:"parent_id,omitempty"`
}

// Admin is a person invited as administrator of the new organization.
type Admin struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name,omitempty" validate:"max=255"`
}

// Request is a tenant provisioning request.
type Request struct {
	IdempotencyKey      string     `json:"idempotency_key"`
	Organization        EntityData `json:"organization"`
	RequestedPublicName string     `json:"requested_public_name,omitempty"`
	Admins              []Admin    `json:"admins,omitempty" validate:"dive"`
}

// Normalize trims and lower-cases identifiers, derives the idempotency key
// when the caller left it empty, and validates the request.
func (r *Request) Normalize() error {
	r.Organization.Name = strings.TrimSpace(r.Organization.Name)
	r.Organization.Slug = strings.ToLower(strings.TrimSpace(r.Organization.Slug))
	r.RequestedPublicName = strings.ToLower(strings.TrimSpace(r.RequestedPublicName))
	r.IdempotencyKey = strings.ToLower(strings.TrimSpace(r.IdempotencyKey))
	if r.IdempotencyKey == "" {
		switch {
		case r.RequestedPublicName != "":
			r.IdempotencyKey = "public-name:" + r.RequestedPublicName
		case r.Organization.Slug != "":
			r.IdempotencyKey = "slug:" + r.Organization.Slug
		default:
			return fmt.Errorf("%w: idempotency_key, requested_public_name or organization.slug is required", ErrInvalidRequest)
		}
	}
	seen := make(map[string]bool, len(r.Admins))
	admins := r.Admins[:0]
	for _, a := range r.Admins {
		a.Email = strings.ToLower(strings.TrimSpace(a.Email))
		a.Name = strings.TrimSpace(a.Name)
		if seen[a.Email] {
			continue
		}
		seen[a.Email] = true
		admins = append(admins, a)
	}
	r.Admins = admins

	if r.RequestedPublicName != "" && !publicNameRegex.MatchString(r.RequestedPublicName) {
		return fmt.Errorf("%w: requested_public_name must be a single lowercase DNS label", ErrInvalidRequest)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (r Request) clone() Request {
	c := r
	c.Admins = append([]Admin(nil), r.Admins...)
	return c
}
