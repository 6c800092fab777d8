// Package provisioning drives tenant provisioning as a durable saga: an
// ordered list of idempotent steps, each pushing an undo action onto a
// compensation stack that is unwound in reverse when a step fails or the
// saga is cancelled.
package provisioning

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/orgforge/backend/internal/events"
)

// Status of a saga.
type Status string

const (
	StatusPending                      Status = "pending"
	StatusRunning                      Status = "running"
	StatusCompensating                 Status = "compensating"
	StatusCompleted                    Status = "completed"
	StatusFailedAndCompensated         Status = "failed-and-compensated"
	StatusFailedCompensationIncomplete Status = "failed-compensation-incomplete"
)

// Terminal reports whether no further work will happen for the saga.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailedAndCompensated, StatusFailedCompensationIncomplete:
		return true
	}
	return false
}

// Step is one forward step of the provisioning saga.
type Step string

const (
	StepCreateEntity             Step = "create_entity"
	StepConfigurePublicName      Step = "configure_public_name"
	StepGenerateInvitations      Step = "generate_invitations"
	StepDispatchInvitationEmails Step = "dispatch_invitation_emails"
	StepActivate                 Step = "activate"
)

// Steps lists the forward steps in execution order.
var Steps = []Step{
	StepCreateEntity,
	StepConfigurePublicName,
	StepGenerateInvitations,
	StepDispatchInvitationEmails,
	StepActivate,
}

// Compensation names an undo action.
type Compensation string

const (
	CompensateDeleteEntity      Compensation = "delete_entity"
	CompensateRemovePublicName  Compensation = "remove_public_name"
	CompensateRevokeInvitations Compensation = "revoke_invitations"
	CompensateDeactivateEntity  Compensation = "deactivate_entity"
	// CompensateNoop records a step whose effects cannot be undone.
	CompensateNoop Compensation = "noop"
)

// compensationFor maps each step to the undo action it pushes.
var compensationFor = map[Step]Compensation{
	StepCreateEntity:             CompensateDeleteEntity,
	StepConfigurePublicName:      CompensateRemovePublicName,
	StepGenerateInvitations:      CompensateRevokeInvitations,
	StepDispatchInvitationEmails: CompensateNoop,
	StepActivate:                 CompensateDeactivateEntity,
}

// CompensationEntry is one pending undo action on the stack.
type CompensationEntry struct {
	Action Compensation `json:"action"`
	Step   Step         `json:"step"`
	// Partial is set when the step failed midway and is undone best-effort.
	Partial bool            `json:"partial,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CompensationResult is the outcome of one executed undo action.
type CompensationResult struct {
	Action Compensation `json:"action"`
	Step   Step         `json:"step"`
	OK     bool         `json:"ok"`
	Error  string       `json:"error,omitempty"`
	At     time.Time    `json:"at"`
}

// Saga is the durable record of one provisioning execution.
type Saga struct {
	ID                  uuid.UUID                `json:"id"`
	IdempotencyKey      string                   `json:"idempotency_key"`
	Attempt             int                      `json:"attempt"`
	Status              Status                   `json:"status"`
	StepIndex           int                      `json:"step_index"`
	Request             Request                  `json:"request"`
	StepResults         map[Step]json.RawMessage `json:"step_results"`
	Compensations       []CompensationEntry      `json:"compensations"`
	CompensationResults []CompensationResult     `json:"compensation_results"`
	CancelRequested     bool                     `json:"cancel_requested"`
	LastError           string                   `json:"last_error,omitempty"`
	// Metadata is the causal context of the request that triggered the saga.
	Metadata            events.Metadata          `json:"metadata"`
	CreatedAt           time.Time                `json:"created_at"`
	UpdatedAt           time.Time                `json:"updated_at"`
	CompletedAt         *time.Time               `json:"completed_at,omitempty"`
}

// CurrentStep returns the step at StepIndex, or "" once all steps ran.
func (s *Saga) CurrentStep() Step {
	if s.StepIndex < 0 || s.StepIndex >= len(Steps) {
		return ""
	}
	return Steps[s.StepIndex]
}

// Clone returns a deep copy.
func (s *Saga) Clone() *Saga {
	c := *s
	c.Request = s.Request.clone()
	if s.StepResults != nil {
		c.StepResults = make(map[Step]json.RawMessage, len(s.StepResults))
		for k, v := range s.StepResults {
			c.StepResults[k] = append(json.RawMessage(nil), v...)
		}
	}
	c.Compensations = append([]CompensationEntry(nil), s.Compensations...)
	c.CompensationResults = append([]CompensationResult(nil), s.CompensationResults...)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// sagaNamespace scopes every id derived from an idempotency key.
var sagaNamespace = uuid.MustParse("6f1d8a52-3c3e-4b7a-9a0e-2f4f6c1b9d27")

// SagaID is the id of the saga for an idempotency key. It does not change
// across attempts.
func SagaID(key string) uuid.UUID {
	return uuid.NewSHA1(sagaNamespace, []byte("saga/"+key))
}

// newSaga builds the first attempt for req.
func newSaga(req Request, now time.Time) *Saga {
	return &Saga{
		ID:             SagaID(req.IdempotencyKey),
		IdempotencyKey: req.IdempotencyKey,
		Attempt:        1,
		Status:         StatusPending,
		Request:        req,
		StepResults:    make(map[Step]json.RawMessage),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// eventContext tags the events appended under ctx with the saga's causal
// context. reason names the step or undo action doing the append.
func (s *Saga) eventContext(ctx context.Context, reason string) context.Context {
	md := s.Metadata
	md.CausationID = s.ID.String()
	md.Reason = reason
	return events.WithMetadata(ctx, md)
}

// nextAttempt resets s to run again from a clean state. Ids derived for the
// new attempt differ from the previous one.
func (s *Saga) nextAttempt(req Request, now time.Time) *Saga {
	n := newSaga(req, now)
	n.Attempt = s.Attempt + 1
	n.Metadata = s.Metadata
	n.CreatedAt = s.CreatedAt
	return n
}

// entityID derives a stable id for an entity created by this attempt.
func (s *Saga) entityID(kind string, parts ...string) string {
	name := s.IdempotencyKey + "#" + strconv.Itoa(s.Attempt) + "/" + kind
	for _, p := range parts {
		name += "/" + p
	}
	return uuid.NewSHA1(sagaNamespace, []byte(name)).String()
}

// OrganizationID is the id of the organization this attempt provisions.
func (s *Saga) OrganizationID() string { return s.entityID("organization") }

// AdminRoleID is the id of the administrator role of the organization.
func (s *Saga) AdminRoleID() string { return s.entityID("role", "admin") }

// InvitationID is the id of the invitation sent to email.
func (s *Saga) InvitationID(email string) string { return s.entityID("invitation", email) }

