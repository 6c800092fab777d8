package memory

import (
	"context"
	"sort"

	"github.com/orgforge/backend/internal/models"
)

func (b *Backend) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return getRow(b.st.orgs, id), nil
}

func (b *Backend) ListOrganizations(_ context.Context, includeDeleted bool) ([]models.Organization, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Organization, 0, len(b.st.orgs))
	for _, o := range b.st.orgs {
		if o.DeletedAt != nil && !includeDeleted {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *Backend) ListOrganizationUnits(_ context.Context, organizationID string) ([]models.OrganizationUnit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.OrganizationUnit, 0)
	for _, u := range b.st.units {
		if u.OrganizationID == organizationID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) GetRole(_ context.Context, id string) (*models.Role, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.role(id), nil
}

func (b *Backend) ListRoles(_ context.Context, organizationID string) ([]models.Role, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Role, 0)
	for id, r := range b.st.roles {
		if r.OrganizationID == organizationID {
			out = append(out, *b.st.role(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) GetUser(_ context.Context, id string) (*models.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return getRow(b.st.users, id), nil
}

func (b *Backend) ListUserRoles(_ context.Context, userID string) ([]models.UserRole, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.UserRole, 0, len(b.st.userRoles[userID]))
	for _, link := range b.st.userRoles[userID] {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

func (b *Backend) GetInvitation(_ context.Context, id string) (*models.Invitation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return getRow(b.st.invitations, id), nil
}

func (b *Backend) ListInvitations(_ context.Context, organizationID string) ([]models.Invitation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Invitation, 0)
	for _, inv := range b.st.invitations {
		if inv.OrganizationID == organizationID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (b *Backend) GetPublicName(_ context.Context, fqdn string) (*models.PublicName, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return getRow(b.st.names, fqdn), nil
}
