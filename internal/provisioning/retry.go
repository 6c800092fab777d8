package provisioning

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/orgforge/backend/internal/email"
	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
)

// RetryPolicy bounds how long and how often a step is retried.
type RetryPolicy struct {
	StepTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy is used for zero fields of a configured policy.
var DefaultRetryPolicy = RetryPolicy{
	StepTimeout:     30 * time.Second,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	MaxElapsed:      5 * time.Minute,
	MaxRetries:      5,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.StepTimeout <= 0 {
		p.StepTimeout = DefaultRetryPolicy.StepTimeout
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = DefaultRetryPolicy.MaxElapsed
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	var bo backoff.BackOff = b
	if p.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, p.MaxRetries)
	}
	return backoff.WithContext(bo, ctx)
}

// run calls fn with a per-attempt timeout until it succeeds, returns a
// permanent error, or the policy gives up.
func (p RetryPolicy) run(ctx context.Context, fn func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	op := func() error {
		actx, cancel := context.WithTimeout(ctx, p.StepTimeout)
		defer cancel()
		return classify(fn(actx))
	}
	return backoff.RetryNotify(op, p.backOff(ctx), notify)
}

// classify marks errors that retrying cannot fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var perr *eventstore.ProcessingError
	switch {
	case errors.As(err, &perr),
		errors.Is(err, eventstore.ErrInvalidEvent),
		errors.Is(err, events.ErrInvalidPayload),
		errors.Is(err, events.ErrUnknownEventType),
		errors.Is(err, ErrZoneNotFound),
		errors.Is(err, ErrPublicNameTaken),
		errors.Is(err, ErrMissingStepInput),
		errors.Is(err, email.ErrAllRejected):
		return backoff.Permanent(err)
	}
	return err
}
