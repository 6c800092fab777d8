package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/orgforge/backend/internal/metrics"
)

var errCancelled = errors.New("cancelled by request")

// StatusUpdate is published whenever a saga record changes.
type StatusUpdate struct {
	SagaID    uuid.UUID `json:"saga_id"`
	Status    Status    `json:"status"`
	Step      Step      `json:"step,omitempty"`
	StepIndex int       `json:"step_index"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`
	At        time.Time `json:"at"`
}

// StatusPublisher fans saga status changes out to subscribers.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, update StatusUpdate) error
}

// Orchestrator executes provisioning sagas step by step.
type Orchestrator struct {
	store   Store
	act     *Activities
	policy  RetryPolicy
	pub     StatusPublisher
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewOrchestrator creates an orchestrator. pub may be nil.
func NewOrchestrator(store Store, act *Activities, policy RetryPolicy, pub StatusPublisher, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:   store,
		act:     act,
		policy:  policy.withDefaults(),
		pub:     pub,
		log:     logger,
		metrics: metrics.OrNew(m),
		now:     time.Now,
	}
}

// Execute runs the saga from its current step. Completed steps are never
// re-run; a step interrupted by a crash re-runs idempotently. A saga that
// ends failed is not an error: inspect the returned status. Cancelling ctx
// suspends the saga between steps, a running compensation is finished first.
func (o *Orchestrator) Execute(ctx context.Context, id uuid.UUID) (*Saga, error) {
	saga, err := o.store.GetSaga(ctx, id)
	if err != nil {
		return nil, err
	}
	if saga.Status.Terminal() {
		return saga, nil
	}
	log := o.log.With(zap.String("saga_id", saga.ID.String()), zap.Int("attempt", saga.Attempt))
	if saga.Status == StatusCompensating {
		log.Info("resuming compensation")
		return saga, o.unwind(ctx, saga)
	}
	if saga.StepResults == nil {
		saga.StepResults = make(map[Step]json.RawMessage)
	}
	if saga.Status != StatusRunning {
		saga.Status = StatusRunning
		if err := o.save(ctx, saga); err != nil {
			return saga, err
		}
	}

	for saga.StepIndex < len(Steps) {
		if err := ctx.Err(); err != nil {
			log.Info("saga suspended", zap.Int("step_index", saga.StepIndex))
			return saga, err
		}
		cancelled, err := o.cancelRequested(ctx, saga)
		if err != nil {
			return saga, err
		}
		if cancelled {
			log.Info("saga cancellation requested, compensating")
			saga.LastError = errCancelled.Error()
			return saga, o.unwind(ctx, saga)
		}

		step := Steps[saga.StepIndex]
		result, err := o.runStep(ctx, saga, step)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("saga suspended during step", zap.String("step", string(step)))
				return saga, ctx.Err()
			}
			log.Warn("saga step failed, compensating", zap.String("step", string(step)), zap.Error(err))
			saga.LastError = fmt.Sprintf("%s: %v", step, err)
			o.push(saga, step, true)
			return saga, o.unwind(ctx, saga)
		}
		saga.StepResults[step] = result
		o.push(saga, step, false)
		saga.StepIndex++
		if err := o.save(ctx, saga); err != nil {
			return saga, err
		}
	}

	o.finish(ctx, saga, StatusCompleted)
	log.Info("saga completed", zap.String("organization_id", saga.OrganizationID()))
	return saga, nil
}

func (o *Orchestrator) runStep(ctx context.Context, saga *Saga, step Step) (json.RawMessage, error) {
	start := o.now()
	var result any
	err := o.policy.run(ctx, func(actx context.Context) error {
		var err error
		result, err = o.activity(saga.eventContext(actx, "provisioning step "+string(step)), saga, step)
		return err
	}, func(err error, next time.Duration) {
		o.log.Warn("saga step retry",
			zap.String("saga_id", saga.ID.String()),
			zap.String("step", string(step)),
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
	o.metrics.StepDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
	if err != nil {
		o.metrics.SagaSteps.WithLabelValues(string(step), "failed").Inc()
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", step, err)
	}
	o.metrics.SagaSteps.WithLabelValues(string(step), "ok").Inc()
	return raw, nil
}

func (o *Orchestrator) activity(ctx context.Context, saga *Saga, step Step) (any, error) {
	switch step {
	case StepCreateEntity:
		return o.act.CreateEntity(ctx, saga)
	case StepConfigurePublicName:
		return o.act.ConfigurePublicName(ctx, saga)
	case StepGenerateInvitations:
		return o.act.GenerateInvitations(ctx, saga)
	case StepDispatchInvitationEmails:
		return o.act.DispatchInvitationEmails(ctx, saga)
	case StepActivate:
		return o.act.Activate(ctx, saga)
	}
	return nil, fmt.Errorf("unknown step %q", step)
}

// push adds the undo action of step to the stack. A step that failed midway
// only pushes actions that can actually undo something.
func (o *Orchestrator) push(saga *Saga, step Step, partial bool) {
	action := compensationFor[step]
	if partial && action == CompensateNoop {
		return
	}
	if step == StepConfigurePublicName && saga.Request.RequestedPublicName == "" {
		return
	}
	data, _ := json.Marshal(o.act.compensationData(saga, action))
	saga.Compensations = append(saga.Compensations, CompensationEntry{
		Action:  action,
		Step:    step,
		Partial: partial,
		Data:    data,
	})
}

// unwind runs the compensation stack in reverse, skip-and-continue. Each undo
// is attempted once and recorded as a CompensationResult.
func (o *Orchestrator) unwind(ctx context.Context, saga *Saga) error {
	ctx = context.WithoutCancel(ctx)
	if saga.Status != StatusCompensating {
		saga.Status = StatusCompensating
		if err := o.save(ctx, saga); err != nil {
			return err
		}
	}
	reason := "provisioning rolled back"
	if saga.LastError != "" {
		reason += ": " + saga.LastError
	}

	var errs error
	for len(saga.Compensations) > 0 {
		entry := saga.Compensations[len(saga.Compensations)-1]
		cctx, cancel := context.WithTimeout(ctx, o.policy.StepTimeout)
		err := o.act.Compensate(saga.eventContext(cctx, "compensation "+string(entry.Action)), saga, entry, reason)
		cancel()

		res := CompensationResult{Action: entry.Action, Step: entry.Step, OK: err == nil, At: o.now().UTC()}
		if err != nil {
			res.Error = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", entry.Action, err))
			o.metrics.Compensations.WithLabelValues(string(entry.Action), "failed").Inc()
			o.log.Error("compensation failed, continuing",
				zap.String("saga_id", saga.ID.String()),
				zap.String("action", string(entry.Action)),
				zap.Error(err),
			)
		} else {
			o.metrics.Compensations.WithLabelValues(string(entry.Action), "ok").Inc()
		}
		saga.Compensations = saga.Compensations[:len(saga.Compensations)-1]
		saga.CompensationResults = append(saga.CompensationResults, res)
		if err := o.save(ctx, saga); err != nil {
			return err
		}
	}

	status := StatusFailedAndCompensated
	if errs != nil {
		status = StatusFailedCompensationIncomplete
	}
	for _, r := range saga.CompensationResults {
		if !r.OK {
			status = StatusFailedCompensationIncomplete
		}
	}
	o.finish(ctx, saga, status)
	o.log.Info("saga compensated",
		zap.String("saga_id", saga.ID.String()),
		zap.String("status", string(status)),
		zap.Int("compensations", len(saga.CompensationResults)),
	)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, saga *Saga, status Status) {
	at := o.now().UTC()
	saga.Status = status
	saga.CompletedAt = &at
	if err := o.save(ctx, saga); err != nil {
		o.log.Error("persist terminal saga status", zap.String("saga_id", saga.ID.String()), zap.Error(err))
		return
	}
	o.metrics.SagaTerminal.WithLabelValues(string(status)).Inc()
}

func (o *Orchestrator) cancelRequested(ctx context.Context, saga *Saga) (bool, error) {
	if saga.CancelRequested {
		return true, nil
	}
	stored, err := o.store.GetSaga(ctx, saga.ID)
	if err != nil {
		return false, err
	}
	saga.CancelRequested = stored.CancelRequested
	return saga.CancelRequested, nil
}

// save persists the saga and publishes its status. Saving is not cancelled
// with ctx so a finished step is never lost.
func (o *Orchestrator) save(ctx context.Context, saga *Saga) error {
	ctx = context.WithoutCancel(ctx)
	saga.UpdatedAt = o.now().UTC()
	if err := o.store.SaveSaga(ctx, saga); err != nil {
		return fmt.Errorf("save saga %s: %w", saga.ID, err)
	}
	publish(ctx, o.pub, o.log, saga)
	return nil
}

func publish(ctx context.Context, pub StatusPublisher, log *zap.Logger, saga *Saga) {
	if pub == nil {
		return
	}
	update := StatusUpdate{
		SagaID:    saga.ID,
		Status:    saga.Status,
		Step:      saga.CurrentStep(),
		StepIndex: saga.StepIndex,
		Attempt:   saga.Attempt,
		LastError: saga.LastError,
		At:        saga.UpdatedAt,
	}
	if err := pub.PublishStatus(ctx, update); err != nil {
		log.Warn("publish saga status", zap.String("saga_id", saga.ID.String()), zap.Error(err))
	}
}
