package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/dns"
	"github.com/orgforge/backend/internal/email"
	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/pkg/utils"
)

var (
	ErrZoneNotFound     = errors.New("no hosted zone for public name")
	ErrPublicNameTaken  = errors.New("public name already taken")
	ErrMissingStepInput = errors.New("missing result of an earlier step")
)

// AdminRoleName is the role granted to invited administrators.
const AdminRoleName = "Administrator"

// AdminPermissions are granted to the administrator role of a new tenant.
var AdminPermissions = []string{
	"organization.manage",
	"users.manage",
	"roles.manage",
	"invitations.manage",
}

// EventStore is the part of the event store the activities use. The saga
// reads its own effects back from streams, never from projections.
type EventStore interface {
	Append(ctx context.Context, ev events.Event) (eventstore.AppendResult, error)
	AppendNext(ctx context.Context, streamID string, t events.Type, payload any) (eventstore.AppendResult, error)
	LoadStream(ctx context.Context, streamID string, st events.StreamType) ([]events.Event, error)
}

// ActivityConfig configures the side effects of the provisioning steps.
type ActivityConfig struct {
	BaseDomain       string
	RecordType       string
	RecordTarget     string
	RecordTTL        int64
	InvitationTTL    time.Duration
	InvitationSecret string
	AcceptURL        string
	// BcryptCost for invitation token hashes, 0 means bcrypt.DefaultCost.
	BcryptCost int
}

// Activities implements the idempotent forward steps and their compensations.
type Activities struct {
	store EventStore
	dns   dns.Provider
	mail  email.Sender
	cfg   ActivityConfig
	log   *zap.Logger
	now   func() time.Time
}

// NewActivities wires the activities to their collaborators.
func NewActivities(store EventStore, provider dns.Provider, sender email.Sender, cfg ActivityConfig, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecordType == "" {
		cfg.RecordType = "CNAME"
	}
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = 7 * 24 * time.Hour
	}
	return &Activities{store: store, dns: provider, mail: sender, cfg: cfg, log: logger, now: time.Now}
}

// EntityResult is the result of CreateEntity.
type EntityResult struct {
	OrganizationID string `json:"organization_id"`
	AdminRoleID    string `json:"admin_role_id"`
}

// PublicNameResult is the result of ConfigurePublicName.
type PublicNameResult struct {
	FQDN     string `json:"fqdn,omitempty"`
	ZoneID   string `json:"zone_id,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// InvitationRef identifies one generated invitation.
type InvitationRef struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// InvitationsResult is the result of GenerateInvitations.
type InvitationsResult struct {
	Invitations []InvitationRef `json:"invitations"`
}

// SentEmail records one dispatched invitation mail.
type SentEmail struct {
	InvitationID string `json:"invitation_id"`
	Recipient    string `json:"recipient"`
	MessageID    string `json:"message_id"`
}

// EmailsResult is the result of DispatchInvitationEmails.
type EmailsResult struct {
	Sent []SentEmail `json:"sent"`
}

// ActivateResult is the result of Activate.
type ActivateResult struct {
	OrganizationID string `json:"organization_id"`
}

// CreateEntity creates the organization and its administrator role.
func (a *Activities) CreateEntity(ctx context.Context, saga *Saga) (EntityResult, error) {
	orgID, roleID := saga.OrganizationID(), saga.AdminRoleID()
	ent := saga.Request.Organization
	if err := a.ensureOnce(ctx, orgID, events.OrganizationCreated, events.OrganizationCreatedData{
		Name:         ent.Name,
		Slug:         ent.Slug,
		Type:         ent.Type,
		ParentID:     ent.ParentID,
		Subdomain:    saga.Request.RequestedPublicName,
		Provisioning: true,
	}); err != nil {
		return EntityResult{}, err
	}
	if err := a.ensureOnce(ctx, roleID, events.RoleCreated, events.RoleCreatedData{
		OrganizationID: orgID,
		Name:           AdminRoleName,
		Description:    "Full administration of " + ent.Name,
	}); err != nil {
		return EntityResult{}, err
	}
	for _, perm := range AdminPermissions {
		if err := a.ensureFact(ctx, roleID, events.RolePermissionGranted, events.RolePermissionData{Permission: perm}); err != nil {
			return EntityResult{}, err
		}
	}
	return EntityResult{OrganizationID: orgID, AdminRoleID: roleID}, nil
}

// ConfigurePublicName registers <name>.<base domain> for the tenant. The name
// is claimed on its public_name stream before DNS is touched, so only the
// claiming organization may adopt an existing record with the expected target.
func (a *Activities) ConfigurePublicName(ctx context.Context, saga *Saga) (PublicNameResult, error) {
	name := saga.Request.RequestedPublicName
	if name == "" {
		return PublicNameResult{Skipped: true}, nil
	}
	fqdn := a.fqdn(name)
	zone, err := a.zoneFor(ctx, fqdn)
	if err != nil {
		return PublicNameResult{}, err
	}
	if zone == nil {
		return PublicNameResult{}, fmt.Errorf("%w: %s", ErrZoneNotFound, fqdn)
	}
	if err := a.claimPublicName(ctx, fqdn, saga.OrganizationID(), saga.ID.String()); err != nil {
		return PublicNameResult{}, err
	}
	existing, err := a.dns.ListRecords(ctx, zone.ID, dns.RecordFilter{Name: fqdn, Type: a.cfg.RecordType})
	if err != nil {
		return PublicNameResult{}, fmt.Errorf("list records: %w", err)
	}
	var rec dns.Record
	if len(existing) > 0 {
		rec = existing[0]
		if dns.Normalize(rec.Value) != dns.Normalize(a.cfg.RecordTarget) {
			return PublicNameResult{}, fmt.Errorf("%w: %s -> %s", ErrPublicNameTaken, fqdn, rec.Value)
		}
	} else {
		rec, err = a.dns.CreateRecord(ctx, zone.ID, dns.Record{
			Name:  fqdn,
			Type:  a.cfg.RecordType,
			Value: a.cfg.RecordTarget,
			TTL:   a.cfg.RecordTTL,
		})
		if err != nil {
			return PublicNameResult{}, fmt.Errorf("create record: %w", err)
		}
	}
	if err := a.ensureOnce(ctx, saga.OrganizationID(), events.OrganizationDomainConfigured, events.OrganizationDomainConfiguredData{
		FQDN:       fqdn,
		ZoneID:     zone.ID,
		RecordID:   rec.ID,
		RecordType: rec.Type,
		Target:     rec.Value,
	}); err != nil {
		return PublicNameResult{}, err
	}
	return PublicNameResult{FQDN: fqdn, ZoneID: zone.ID, RecordID: rec.ID}, nil
}

// GenerateInvitations creates one invitation per administrator. Tokens are
// derived from the invitation id so a re-run reproduces them; only their
// bcrypt hash is recorded.
func (a *Activities) GenerateInvitations(ctx context.Context, saga *Saga) (InvitationsResult, error) {
	res := InvitationsResult{Invitations: make([]InvitationRef, 0, len(saga.Request.Admins))}
	for _, admin := range saga.Request.Admins {
		id := saga.InvitationID(admin.Email)
		stream, err := a.store.LoadStream(ctx, id, events.StreamInvitation)
		if err != nil {
			return res, err
		}
		if !hasType(stream, events.InvitationCreated) {
			hash, err := utils.HashToken(a.InvitationToken(id), a.cfg.BcryptCost)
			if err != nil {
				return res, fmt.Errorf("hash invitation token: %w", err)
			}
			ev, err := events.NewEvent(id, events.InvitationCreated, lastVersion(stream)+1, events.InvitationCreatedData{
				OrganizationID: saga.OrganizationID(),
				Email:          admin.Email,
				Name:           admin.Name,
				RoleID:         saga.AdminRoleID(),
				TokenHash:      hash,
				ExpiresAt:      a.now().Add(a.cfg.InvitationTTL).UTC(),
			})
			if err != nil {
				return res, err
			}
			if _, err := a.store.Append(ctx, ev); err != nil {
				return res, err
			}
		}
		res.Invitations = append(res.Invitations, InvitationRef{ID: id, Email: admin.Email, Name: admin.Name})
	}
	return res, nil
}

// DispatchInvitationEmails mails every invitation that has no
// invitation.email.sent fact yet. A crash between sending and recording the
// fact re-sends that one mail.
func (a *Activities) DispatchInvitationEmails(ctx context.Context, saga *Saga) (EmailsResult, error) {
	var invs InvitationsResult
	if err := saga.stepResult(StepGenerateInvitations, &invs); err != nil {
		return EmailsResult{}, err
	}
	res := EmailsResult{Sent: make([]SentEmail, 0, len(invs.Invitations))}
	for _, inv := range invs.Invitations {
		stream, err := a.store.LoadStream(ctx, inv.ID, events.StreamInvitation)
		if err != nil {
			return res, err
		}
		if sent := lastOfType(stream, events.InvitationEmailSent); sent != nil {
			d, err := events.Decode[events.InvitationEmailSentData](*sent)
			if err != nil {
				return res, err
			}
			res.Sent = append(res.Sent, SentEmail{InvitationID: inv.ID, Recipient: d.Recipient, MessageID: d.MessageID})
			continue
		}
		if hasType(stream, events.InvitationRevoked) || hasType(stream, events.InvitationAccepted) {
			continue
		}
		out, err := a.mail.Send(ctx, a.invitationMessage(saga, inv))
		if err != nil {
			return res, fmt.Errorf("send invitation to %s: %w", inv.Email, err)
		}
		if len(out.Accepted) == 0 {
			return res, fmt.Errorf("send invitation to %s: %w", inv.Email, email.ErrAllRejected)
		}
		if err := a.ensureOnce(ctx, inv.ID, events.InvitationEmailSent, events.InvitationEmailSentData{
			MessageID: out.MessageID,
			Recipient: inv.Email,
		}); err != nil {
			return res, err
		}
		res.Sent = append(res.Sent, SentEmail{InvitationID: inv.ID, Recipient: inv.Email, MessageID: out.MessageID})
	}
	return res, nil
}

// Activate marks the organization active.
func (a *Activities) Activate(ctx context.Context, saga *Saga) (ActivateResult, error) {
	orgID := saga.OrganizationID()
	if err := a.ensureOnce(ctx, orgID, events.OrganizationActivated, events.OrganizationActivatedData{}); err != nil {
		return ActivateResult{}, err
	}
	return ActivateResult{OrganizationID: orgID}, nil
}

// InvitationToken returns the plain token of an invitation.
func (a *Activities) InvitationToken(invitationID string) string {
	return utils.DeriveToken(a.cfg.InvitationSecret, invitationID)
}

// AcceptLink returns the link mailed to the invitee.
func (a *Activities) AcceptLink(invitationID string) string {
	q := url.Values{}
	q.Set("invitation", invitationID)
	q.Set("token", a.InvitationToken(invitationID))
	sep := "?"
	if strings.Contains(a.cfg.AcceptURL, "?") {
		sep = "&"
	}
	return a.cfg.AcceptURL + sep + q.Encode()
}

func (a *Activities) invitationMessage(saga *Saga, inv InvitationRef) email.Message {
	org := saga.Request.Organization.Name
	greeting := "Hello"
	if inv.Name != "" {
		greeting = "Hello " + inv.Name
	}
	body := fmt.Sprintf("%s,\n\nYou have been invited to administer %s.\nAccept the invitation: %s\n\nThe link expires in %s.\n",
		greeting, org, a.AcceptLink(inv.ID), a.cfg.InvitationTTL.Round(time.Hour))
	return email.Message{
		To:        []string{inv.Email},
		Subject:   "Invitation to administer " + org,
		BodyText:  body,
		Reference: inv.ID,
	}
}

// claimPublicName reserves fqdn for orgID. Two sagas racing for the same
// name conflict on the stream version; the loser sees the winner's claim on
// retry.
func (a *Activities) claimPublicName(ctx context.Context, fqdn, orgID, sagaID string) error {
	stream, err := a.store.LoadStream(ctx, fqdn, events.StreamPublicName)
	if err != nil {
		return err
	}
	owner, err := nameOwner(stream)
	if err != nil {
		return err
	}
	switch owner {
	case orgID:
		return nil
	case "":
	default:
		return fmt.Errorf("%w: %s is held by organization %s", ErrPublicNameTaken, fqdn, owner)
	}
	ev, err := events.NewEvent(fqdn, events.PublicNameClaimed, lastVersion(stream)+1, events.PublicNameClaimedData{
		OrganizationID: orgID,
		SagaID:         sagaID,
	})
	if err != nil {
		return err
	}
	_, err = a.store.Append(ctx, ev)
	return err
}

// nameOwner returns the organization currently holding a public name, or ""
// when it was never claimed or has been released.
func nameOwner(stream []events.Event) (string, error) {
	last := lastOfAny(stream, events.PublicNameClaimed, events.PublicNameReleased)
	if last == nil || last.EventType == events.PublicNameReleased {
		return "", nil
	}
	d, err := events.Decode[events.PublicNameClaimedData](*last)
	if err != nil {
		return "", err
	}
	return d.OrganizationID, nil
}

func (a *Activities) fqdn(name string) string {
	return dns.Normalize(name + "." + a.cfg.BaseDomain)
}

// zoneFor returns the most specific zone containing fqdn, or nil.
func (a *Activities) zoneFor(ctx context.Context, fqdn string) (*dns.Zone, error) {
	zones, err := a.dns.ListZones(ctx, a.cfg.BaseDomain)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	var best *dns.Zone
	for i := range zones {
		if !dns.InZone(fqdn, zones[i].Name) {
			continue
		}
		if best == nil || len(zones[i].Name) > len(best.Name) {
			best = &zones[i]
		}
	}
	return best, nil
}

// ensureOnce appends t unless the stream already holds an event of type t.
func (a *Activities) ensureOnce(ctx context.Context, streamID string, t events.Type, payload any) error {
	stream, err := a.store.LoadStream(ctx, streamID, t.StreamType())
	if err != nil {
		return err
	}
	if hasType(stream, t) {
		return nil
	}
	ev, err := events.NewEvent(streamID, t, lastVersion(stream)+1, payload)
	if err != nil {
		return err
	}
	_, err = a.store.Append(ctx, ev)
	return err
}

// ensureFact appends the fact unless the stream already holds an identical one.
func (a *Activities) ensureFact(ctx context.Context, streamID string, t events.Type, payload any) error {
	stream, err := a.store.LoadStream(ctx, streamID, t.StreamType())
	if err != nil {
		return err
	}
	ev, err := events.NewEvent(streamID, t, lastVersion(stream)+1, payload)
	if err != nil {
		return err
	}
	for _, existing := range stream {
		if events.SameFact(existing, ev) {
			return nil
		}
	}
	_, err = a.store.Append(ctx, ev)
	return err
}

func (s *Saga) stepResult(step Step, out any) error {
	raw, ok := s.StepResults[step]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingStepInput, step)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", step, err)
	}
	return nil
}

func hasType(stream []events.Event, t events.Type) bool {
	return lastOfType(stream, t) != nil
}

func lastOfType(stream []events.Event, t events.Type) *events.Event {
	for i := len(stream) - 1; i >= 0; i-- {
		if stream[i].EventType == t {
			return &stream[i]
		}
	}
	return nil
}

func lastVersion(stream []events.Event) int {
	if len(stream) == 0 {
		return 0
	}
	return stream[len(stream)-1].StreamVersion
}
