package provisioning_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgforge/backend/internal/dns"
	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/models"
	"github.com/orgforge/backend/internal/provisioning"
)

func TestExecuteProvisionsTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	saga := h.run(t, acmeRequest())
	assert.Equal(t, provisioning.StatusCompleted, saga.Status)
	assert.Equal(t, len(provisioning.Steps), saga.StepIndex)
	assert.NotNil(t, saga.CompletedAt)
	assert.Empty(t, saga.LastError)
	assert.Len(t, saga.Compensations, len(provisioning.Steps))

	org, err := h.backend.GetOrganization(ctx, saga.OrganizationID())
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, models.OrgStatusActive, org.Status)
	assert.True(t, org.IsActive)
	assert.Equal(t, models.DomainStatusConfigured, org.DomainStatus)

	role, err := h.backend.GetRole(ctx, saga.AdminRoleID())
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.ElementsMatch(t, provisioning.AdminPermissions, role.Permissions)

	invs, err := h.backend.ListInvitations(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	for _, inv := range invs {
		assert.Equal(t, models.InvitationSent, inv.Status)
		assert.Equal(t, role.ID, inv.RoleID)
	}
	assert.Len(t, h.mail.Sent(), 2)
	assert.Equal(t, 1, h.dns.RecordCount())

	statuses := h.pub.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, provisioning.StatusPending, statuses[0])
	assert.Equal(t, provisioning.StatusCompleted, statuses[len(statuses)-1])
}

func TestExecuteTerminalSagaIsNoop(t *testing.T) {
	h := newHarness(t)
	saga := h.run(t, acmeRequest())

	again, err := h.orch.Execute(context.Background(), saga.ID)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusCompleted, again.Status)
	assert.Len(t, h.mail.Sent(), 2)
	creates, _ := h.dns.Calls()
	assert.Equal(t, 1, creates)
}

func TestExecuteWithoutPublicNameSkipsDNS(t *testing.T) {
	h := newHarness(t)
	req := acmeRequest()
	req.RequestedPublicName = ""

	saga := h.run(t, req)
	assert.Equal(t, provisioning.StatusCompleted, saga.Status)
	assert.Equal(t, 0, h.dns.RecordCount())
	for _, c := range saga.Compensations {
		assert.NotEqual(t, provisioning.CompensateRemovePublicName, c.Action)
	}
}

func TestExecuteResumesAfterSuspension(t *testing.T) {
	h := newHarness(t)
	saga, _, err := h.svc.Trigger(context.Background(), acmeRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.pub.onUpdate = func(u provisioning.StatusUpdate) {
		if u.Status == provisioning.StatusRunning && u.StepIndex == 2 {
			cancel()
		}
	}
	_, err = h.orch.Execute(ctx, saga.ID)
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := h.backend.GetSaga(context.Background(), saga.ID)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusRunning, stored.Status)
	assert.Equal(t, 2, stored.StepIndex)
	assert.Empty(t, h.mail.Sent())

	h.pub.onUpdate = nil
	done, err := h.orch.Execute(context.Background(), saga.ID)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusCompleted, done.Status)
	creates, _ := h.dns.Calls()
	assert.Equal(t, 1, creates)
	assert.Len(t, h.mail.Sent(), 2)
}

func TestTransientStepFailureIsRetried(t *testing.T) {
	provider := &flakyDNS{MemoryProvider: dns.NewMemoryProvider(baseDomain), fails: 1, err: errors.New("throttled")}
	h := newHarnessWithDNS(t, provider)

	saga := h.run(t, acmeRequest())
	assert.Equal(t, provisioning.StatusCompleted, saga.Status)
	assert.Equal(t, 1, provider.RecordCount())
}

func TestConfigurePublicNameFailureCompensates(t *testing.T) {
	provider := &flakyDNS{MemoryProvider: dns.NewMemoryProvider(baseDomain), fails: 100, err: errors.New("throttled")}
	h := newHarnessWithDNS(t, provider)
	ctx := context.Background()

	saga := h.run(t, acmeRequest())
	assert.Equal(t, provisioning.StatusFailedAndCompensated, saga.Status)
	assert.Contains(t, saga.LastError, string(provisioning.StepConfigurePublicName))
	assert.Equal(t, []provisioning.Compensation{
		provisioning.CompensateRemovePublicName,
		provisioning.CompensateDeleteEntity,
	}, actions(saga.CompensationResults))
	assert.Empty(t, saga.Compensations)

	org, err := h.backend.GetOrganization(ctx, saga.OrganizationID())
	require.NoError(t, err)
	assert.Equal(t, models.OrgStatusDeleted, org.Status)
	assert.NotNil(t, org.DeletedAt)
	assert.Equal(t, models.DomainStatusNotFound, org.DomainStatus)

	role, err := h.backend.GetRole(ctx, saga.AdminRoleID())
	require.NoError(t, err)
	assert.NotNil(t, role.DeletedAt)
}

func TestPublicNameTakenFailsWithoutTouchingForeignRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	zones, err := h.dns.ListZones(ctx, baseDomain)
	require.NoError(t, err)
	require.Len(t, zones, 1)
	_, err = h.dns.CreateRecord(ctx, zones[0].ID, dns.Record{Name: "acme." + baseDomain, Type: "CNAME", Value: "elsewhere.example.net"})
	require.NoError(t, err)

	saga := h.run(t, acmeRequest())
	assert.Equal(t, provisioning.StatusFailedAndCompensated, saga.Status)
	assert.Contains(t, saga.LastError, provisioning.ErrPublicNameTaken.Error())
	assert.Equal(t, 1, h.dns.RecordCount())
	_, deletes := h.dns.Calls()
	assert.Equal(t, 0, deletes)
}

func TestGenerateInvitationsFailureCompensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.failAppend(events.InvitationCreated, errors.New("disk full"))

	saga := h.run(t, acmeRequest())
	assert.Equal(t, provisioning.StatusFailedAndCompensated, saga.Status)
	assert.Equal(t, []provisioning.Compensation{
		provisioning.CompensateRevokeInvitations,
		provisioning.CompensateRemovePublicName,
		provisioning.CompensateDeleteEntity,
	}, actions(saga.CompensationResults))
	assert.Equal(t, 0, h.dns.RecordCount())

	org, err := h.backend.GetOrganization(ctx, saga.OrganizationID())
	require.NoError(t, err)
	assert.Equal(t, models.DomainStatusRemoved, org.DomainStatus)
	assert.NotNil(t, org.DeletedAt)
}

func TestDispatchFailureRevokesInvitations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mail.Reject("cto@acme.io")

	saga := h.run(t, acmeRequest())
	assert.Equal(t, provisioning.StatusFailedAndCompensated, saga.Status)
	assert.Contains(t, saga.LastError, "all recipients rejected")
	// The failed dispatch step pushes nothing: sent mails cannot be recalled.
	assert.Equal(t, []provisioning.Compensation{
		provisioning.CompensateRevokeInvitations,
		provisioning.CompensateRemovePublicName,
		provisioning.CompensateDeleteEntity,
	}, actions(saga.CompensationResults))
	assert.Len(t, h.mail.Sent(), 1)

	invs, err := h.backend.ListInvitations(ctx, saga.OrganizationID())
	require.NoError(t, err)
	require.Len(t, invs, 2)
	for _, inv := range invs {
		assert.Equal(t, models.InvitationRevoked, inv.Status)
	}
}

func TestActivateFailureUnwindsWholeStack(t *testing.T) {
	h := newHarness(t)
	h.store.failAppend(events.OrganizationActivated, errors.New("boom"))

	saga := h.run(t, acmeRequest())
	assert.Equal(t, provisioning.StatusFailedAndCompensated, saga.Status)
	assert.Equal(t, []provisioning.Compensation{
		provisioning.CompensateDeactivateEntity,
		provisioning.CompensateNoop,
		provisioning.CompensateRevokeInvitations,
		provisioning.CompensateRemovePublicName,
		provisioning.CompensateDeleteEntity,
	}, actions(saga.CompensationResults))
	for _, r := range saga.CompensationResults {
		assert.True(t, r.OK, "compensation %s", r.Action)
	}
}

func TestFailedCompensationContinuesAndIsReported(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.failAppend(events.InvitationCreated, errors.New("disk full"))
	h.dns.SetFailure("delete", errors.New("access denied"))

	saga := h.run(t, acmeRequest())
	assert.Equal(t, provisioning.StatusFailedCompensationIncomplete, saga.Status)
	require.Len(t, saga.CompensationResults, 3)

	var failed []provisioning.Compensation
	for _, r := range saga.CompensationResults {
		if !r.OK {
			failed = append(failed, r.Action)
			assert.Contains(t, r.Error, "access denied")
		}
	}
	assert.Equal(t, []provisioning.Compensation{provisioning.CompensateRemovePublicName}, failed)
	assert.Equal(t, 1, h.dns.RecordCount())

	org, err := h.backend.GetOrganization(ctx, saga.OrganizationID())
	require.NoError(t, err)
	assert.NotNil(t, org.DeletedAt)
	assert.Equal(t, models.DomainStatusError, org.DomainStatus)
}

func TestCancelPendingSaga(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saga, _, err := h.svc.Trigger(ctx, acmeRequest())
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, saga.ID)
	require.NoError(t, err)
	assert.Len(t, h.queue.enqueued(), 2)

	out, err := h.orch.Execute(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusFailedAndCompensated, out.Status)
	assert.Equal(t, "cancelled by request", out.LastError)
	assert.Empty(t, out.CompensationResults)

	org, err := h.backend.GetOrganization(ctx, saga.OrganizationID())
	require.NoError(t, err)
	assert.Nil(t, org)
}

func TestCancelRunningSagaCompensatesAtStepBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saga, _, err := h.svc.Trigger(ctx, acmeRequest())
	require.NoError(t, err)

	var once sync.Once
	h.pub.onUpdate = func(u provisioning.StatusUpdate) {
		if u.Status == provisioning.StatusRunning && u.StepIndex == 2 {
			once.Do(func() {
				_, err := h.svc.Cancel(ctx, saga.ID)
				assert.NoError(t, err)
			})
		}
	}

	out, err := h.orch.Execute(ctx, saga.ID)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusFailedAndCompensated, out.Status)
	assert.Equal(t, "cancelled by request", out.LastError)
	assert.Equal(t, []provisioning.Compensation{
		provisioning.CompensateRemovePublicName,
		provisioning.CompensateDeleteEntity,
	}, actions(out.CompensationResults))
	assert.Equal(t, 0, h.dns.RecordCount())
	assert.Empty(t, h.mail.Sent())
}

func TestCancelFinishedSaga(t *testing.T) {
	h := newHarness(t)
	saga := h.run(t, acmeRequest())

	got, err := h.svc.Cancel(context.Background(), saga.ID)
	assert.ErrorIs(t, err, provisioning.ErrSagaFinished)
	assert.Equal(t, provisioning.StatusCompleted, got.Status)

	_, err = h.svc.Cancel(context.Background(), provisioning.SagaID("unknown"))
	assert.ErrorIs(t, err, provisioning.ErrSagaNotFound)
}

func TestSecondTenantCannotAdoptOrRemoveAnotherTenantsName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reqA := acmeRequest()
	reqA.IdempotencyKey = "tenant-a"
	a := h.run(t, reqA)
	require.Equal(t, provisioning.StatusCompleted, a.Status)
	require.Equal(t, 1, h.dns.RecordCount())

	// Even a failure late in the second saga must not unwind the first
	// tenant's record.
	h.store.failAppend(events.InvitationCreated, errors.New("disk full"))
	reqB := acmeRequest()
	reqB.IdempotencyKey = "tenant-b"
	b := h.run(t, reqB)
	assert.Equal(t, provisioning.StatusFailedAndCompensated, b.Status)
	assert.Contains(t, b.LastError, provisioning.ErrPublicNameTaken.Error())
	assert.NotEqual(t, a.OrganizationID(), b.OrganizationID())

	assert.Equal(t, 1, h.dns.RecordCount())
	_, deletes := h.dns.Calls()
	assert.Equal(t, 0, deletes)

	orgA, err := h.backend.GetOrganization(ctx, a.OrganizationID())
	require.NoError(t, err)
	assert.Equal(t, models.DomainStatusConfigured, orgA.DomainStatus)
	assert.Equal(t, models.OrgStatusActive, orgA.Status)

	name, err := h.backend.GetPublicName(ctx, "acme."+baseDomain)
	require.NoError(t, err)
	require.NotNil(t, name)
	assert.Equal(t, a.OrganizationID(), name.OrganizationID)
	assert.Equal(t, a.ID.String(), name.SagaID)
}

func TestReleasedPublicNameCanBeClaimedAgain(t *testing.T) {
	h := newHarness(t)

	h.store.failAppend(events.InvitationCreated, errors.New("disk full"))
	reqA := acmeRequest()
	reqA.IdempotencyKey = "tenant-a"
	a := h.run(t, reqA)
	require.Equal(t, provisioning.StatusFailedAndCompensated, a.Status)
	require.Equal(t, 0, h.dns.RecordCount())

	h.store.failAppend("", nil)
	reqB := acmeRequest()
	reqB.IdempotencyKey = "tenant-b"
	b := h.run(t, reqB)
	assert.Equal(t, provisioning.StatusCompleted, b.Status)
	assert.Equal(t, 1, h.dns.RecordCount())

	name, err := h.backend.GetPublicName(context.Background(), "acme."+baseDomain)
	require.NoError(t, err)
	assert.Equal(t, b.OrganizationID(), name.OrganizationID)
}

func TestSagaEventsCarryTriggerMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := events.WithMetadata(context.Background(), events.Metadata{ActorID: "op-1", CorrelationID: "req-42"})

	saga, started, err := h.svc.Trigger(ctx, acmeRequest())
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, "op-1", saga.Metadata.ActorID)

	// The worker runs without the request context.
	out, err := h.orch.Execute(context.Background(), saga.ID)
	require.NoError(t, err)
	require.Equal(t, provisioning.StatusCompleted, out.Status)

	stream, err := h.events.LoadStream(context.Background(), out.OrganizationID(), events.StreamOrganization)
	require.NoError(t, err)
	reasons := map[events.Type]string{}
	for _, ev := range stream {
		assert.Equal(t, "op-1", ev.Metadata.ActorID, ev.EventType)
		assert.Equal(t, "req-42", ev.Metadata.CorrelationID, ev.EventType)
		assert.Equal(t, out.ID.String(), ev.Metadata.CausationID, ev.EventType)
		reasons[ev.EventType] = ev.Metadata.Reason
	}
	assert.Equal(t, "provisioning step create_entity", reasons[events.OrganizationCreated])
	assert.Equal(t, "provisioning step configure_public_name", reasons[events.OrganizationDomainConfigured])
	assert.Equal(t, "provisioning step activate", reasons[events.OrganizationActivated])
}

func TestCompensationEventsCarryTriggerMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := events.WithMetadata(context.Background(), events.Metadata{ActorID: "op-1", CorrelationID: "req-42"})
	h.store.failAppend(events.InvitationCreated, errors.New("disk full"))

	saga, _, err := h.svc.Trigger(ctx, acmeRequest())
	require.NoError(t, err)
	out, err := h.orch.Execute(context.Background(), saga.ID)
	require.NoError(t, err)
	require.Equal(t, provisioning.StatusFailedAndCompensated, out.Status)

	stream, err := h.events.LoadStream(context.Background(), out.OrganizationID(), events.StreamOrganization)
	require.NoError(t, err)
	var deleted *events.Event
	for i := range stream {
		if stream[i].EventType == events.OrganizationDeleted {
			deleted = &stream[i]
		}
	}
	require.NotNil(t, deleted)
	assert.Equal(t, "op-1", deleted.Metadata.ActorID)
	assert.Equal(t, "req-42", deleted.Metadata.CorrelationID)
	assert.Equal(t, "compensation delete_entity", deleted.Metadata.Reason)
}
