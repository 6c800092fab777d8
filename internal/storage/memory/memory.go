// Package memory is an in-process storage backend for development and tests.
// Transactions work on a copy of the state that replaces the committed state
// only when the transaction function succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/models"
	"github.com/orgforge/backend/internal/provisioning"
)

type streamKey struct {
	id string
	st events.StreamType
}

type state struct {
	streams     map[streamKey][]events.Event
	orgs        map[string]models.Organization
	units       map[string]models.OrganizationUnit
	roles       map[string]models.Role
	permissions map[string]map[string]bool
	users       map[string]models.User
	userRoles   map[string]map[string]models.UserRole
	invitations map[string]models.Invitation
	names       map[string]models.PublicName
}

func newState() *state {
	return &state{
		streams:     make(map[streamKey][]events.Event),
		orgs:        make(map[string]models.Organization),
		units:       make(map[string]models.OrganizationUnit),
		roles:       make(map[string]models.Role),
		permissions: make(map[string]map[string]bool),
		users:       make(map[string]models.User),
		userRoles:   make(map[string]map[string]models.UserRole),
		invitations: make(map[string]models.Invitation),
		names:       make(map[string]models.PublicName),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.streams {
		c.streams[k] = append([]events.Event(nil), v...)
	}
	for k, v := range s.orgs {
		c.orgs[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.permissions {
		m := make(map[string]bool, len(v))
		for p := range v {
			m[p] = true
		}
		c.permissions[k] = m
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.userRoles {
		m := make(map[string]models.UserRole, len(v))
		for r, link := range v {
			m[r] = link
		}
		c.userRoles[k] = m
	}
	for k, v := range s.invitations {
		c.invitations[k] = v
	}
	for k, v := range s.names {
		c.names[k] = v
	}
	return c
}

// ProcessingFailure is a handler failure recorded outside the append.
type ProcessingFailure struct {
	Event    events.Event
	Cause    string
	FailedAt time.Time
}

// Backend implements eventstore.Backend, projection.Reader and
// provisioning.Store in memory.
type Backend struct {
	mu       sync.Mutex
	st       *state
	failures []ProcessingFailure

	sagaMu    sync.Mutex
	sagas     map[uuid.UUID]provisioning.Saga
	sagaByKey map[string]uuid.UUID
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		st:        newState(),
		sagas:     make(map[uuid.UUID]provisioning.Saga),
		sagaByKey: make(map[string]uuid.UUID),
	}
}

// WithTx runs fn on a private copy of the state and commits it when fn
// returns nil. Transactions are serialized.
func (b *Backend) WithTx(ctx context.Context, fn func(tx eventstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	work := b.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	b.st = work
	return nil
}

// RecordProcessingFailure keeps the failure for inspection.
func (b *Backend) RecordProcessingFailure(_ context.Context, ev events.Event, cause string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, ProcessingFailure{Event: ev, Cause: cause, FailedAt: time.Now().UTC()})
	return nil
}

// ProcessingFailures returns the recorded handler failures.
func (b *Backend) ProcessingFailures() []ProcessingFailure {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ProcessingFailure(nil), b.failures...)
}

// EventCount returns the number of stored events across all streams.
func (b *Backend) EventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.st.streams {
		n += len(s)
	}
	return n
}

type tx struct {
	st *state
}

func (t *tx) MaxVersion(_ context.Context, streamID string, st events.StreamType) (int, error) {
	stream := t.st.streams[streamKey{streamID, st}]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].StreamVersion, nil
}

func (t *tx) GetEvent(_ context.Context, streamID string, st events.StreamType, version int) (*events.Event, error) {
	for _, ev := range t.st.streams[streamKey{streamID, st}] {
		if ev.StreamVersion == version {
			ev := ev
			return &ev, nil
		}
	}
	return nil, nil
}

func (t *tx) InsertEvent(_ context.Context, ev events.Event) error {
	key := streamKey{ev.StreamID, ev.StreamType}
	stream := t.st.streams[key]
	for _, existing := range stream {
		if existing.StreamVersion == ev.StreamVersion {
			return fmt.Errorf("%w: %s/%s v%d", eventstore.ErrDuplicateVersion, ev.StreamType, ev.StreamID, ev.StreamVersion)
		}
	}
	stream = append(stream, ev)
	sort.Slice(stream, func(i, j int) bool { return stream[i].StreamVersion < stream[j].StreamVersion })
	t.st.streams[key] = stream
	return nil
}

func (t *tx) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time, diagnostic string) error {
	for key, stream := range t.st.streams {
		for i := range stream {
			if stream[i].ID == id {
				at := at
				stream[i].ProcessedAt = &at
				stream[i].ProcessingError = diagnostic
				t.st.streams[key] = stream
				return nil
			}
		}
	}
	return fmt.Errorf("event %s not found", id)
}

func (t *tx) ListStream(_ context.Context, streamID string, st events.StreamType) ([]events.Event, error) {
	return append([]events.Event(nil), t.st.streams[streamKey{streamID, st}]...), nil
}

func (t *tx) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	return getRow(t.st.orgs, id), nil
}

func (t *tx) PutOrganization(_ context.Context, org *models.Organization) error {
	t.st.orgs[org.ID] = *org
	return nil
}

func (t *tx) DeleteOrganization(_ context.Context, id string) error {
	delete(t.st.orgs, id)
	return nil
}

func (t *tx) GetOrganizationUnit(_ context.Context, id string) (*models.OrganizationUnit, error) {
	return getRow(t.st.units, id), nil
}

func (t *tx) PutOrganizationUnit(_ context.Context, unit *models.OrganizationUnit) error {
	t.st.units[unit.ID] = *unit
	return nil
}

func (t *tx) DeleteOrganizationUnit(_ context.Context, id string) error {
	delete(t.st.units, id)
	return nil
}

func (t *tx) GetRole(_ context.Context, id string) (*models.Role, error) {
	return t.st.role(id), nil
}

func (t *tx) PutRole(_ context.Context, role *models.Role) error {
	r := *role
	r.Permissions = nil
	t.st.roles[role.ID] = r
	return nil
}

func (t *tx) DeleteRole(_ context.Context, id string) error {
	delete(t.st.roles, id)
	return nil
}

func (t *tx) SetRolePermission(_ context.Context, roleID, permission string, granted bool) error {
	perms := t.st.permissions[roleID]
	if granted {
		if perms == nil {
			perms = make(map[string]bool)
			t.st.permissions[roleID] = perms
		}
		perms[permission] = true
		return nil
	}
	delete(perms, permission)
	return nil
}

func (t *tx) ClearRolePermissions(_ context.Context, roleID string) error {
	delete(t.st.permissions, roleID)
	return nil
}

func (t *tx) GetUser(_ context.Context, id string) (*models.User, error) {
	return getRow(t.st.users, id), nil
}

func (t *tx) PutUser(_ context.Context, user *models.User) error {
	t.st.users[user.ID] = *user
	return nil
}

func (t *tx) DeleteUser(_ context.Context, id string) error {
	delete(t.st.users, id)
	return nil
}

func (t *tx) SetUserRole(_ context.Context, link models.UserRole) error {
	links := t.st.userRoles[link.UserID]
	if links == nil {
		links = make(map[string]models.UserRole)
		t.st.userRoles[link.UserID] = links
	}
	links[link.RoleID] = link
	return nil
}

func (t *tx) RemoveUserRole(_ context.Context, userID, roleID string) error {
	delete(t.st.userRoles[userID], roleID)
	return nil
}

func (t *tx) ClearUserRoles(_ context.Context, userID string) error {
	delete(t.st.userRoles, userID)
	return nil
}

func (t *tx) GetInvitation(_ context.Context, id string) (*models.Invitation, error) {
	return getRow(t.st.invitations, id), nil
}

func (t *tx) PutInvitation(_ context.Context, inv *models.Invitation) error {
	t.st.invitations[inv.ID] = *inv
	return nil
}

func (t *tx) DeleteInvitation(_ context.Context, id string) error {
	delete(t.st.invitations, id)
	return nil
}

func (t *tx) GetPublicName(_ context.Context, fqdn string) (*models.PublicName, error) {
	return getRow(t.st.names, fqdn), nil
}

func (t *tx) PutPublicName(_ context.Context, name *models.PublicName) error {
	t.st.names[name.FQDN] = *name
	return nil
}

func (t *tx) DeletePublicName(_ context.Context, fqdn string) error {
	delete(t.st.names, fqdn)
	return nil
}

func getRow[T any](m map[string]T, id string) *T {
	v, ok := m[id]
	if !ok {
		return nil
	}
	return &v
}

func (s *state) role(id string) *models.Role {
	r, ok := s.roles[id]
	if !ok {
		return nil
	}
	r.Permissions = make([]string, 0, len(s.permissions[id]))
	for p := range s.permissions[id] {
		r.Permissions = append(r.Permissions, p)
	}
	sort.Strings(r.Permissions)
	return &r
}
