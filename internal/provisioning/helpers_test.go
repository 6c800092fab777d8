package provisioning_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/orgforge/backend/internal/dns"
	"github.com/orgforge/backend/internal/email"
	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/eventstore"
	"github.com/orgforge/backend/internal/projection"
	"github.com/orgforge/backend/internal/provisioning"
	"github.com/orgforge/backend/internal/storage/memory"
)

const (
	baseDomain   = "tenants.example.com"
	recordTarget = "lb.example.com"
)

var fastRetry = provisioning.RetryPolicy{
	StepTimeout:     2 * time.Second,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	MaxElapsed:      200 * time.Millisecond,
	MaxRetries:      2,
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (q *fakeQueue) EnqueueSaga(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

func (q *fakeQueue) enqueued() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.ids...)
}

// hookPublisher records status updates and runs onUpdate for each.
type hookPublisher struct {
	mu       sync.Mutex
	updates  []provisioning.StatusUpdate
	onUpdate func(provisioning.StatusUpdate)
}

func (p *hookPublisher) PublishStatus(_ context.Context, u provisioning.StatusUpdate) error {
	p.mu.Lock()
	p.updates = append(p.updates, u)
	hook := p.onUpdate
	p.mu.Unlock()
	if hook != nil {
		hook(u)
	}
	return nil
}

func (p *hookPublisher) statuses() []provisioning.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provisioning.Status, 0, len(p.updates))
	for _, u := range p.updates {
		out = append(out, u.Status)
	}
	return out
}

// faultyStore fails appends of one event type.
type faultyStore struct {
	*eventstore.Store
	mu     sync.Mutex
	failOn events.Type
	err    error
}

func (s *faultyStore) failAppend(t events.Type, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn, s.err = t, err
}

func (s *faultyStore) check(t events.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && s.failOn == t {
		return s.err
	}
	return nil
}

func (s *faultyStore) Append(ctx context.Context, ev events.Event) (eventstore.AppendResult, error) {
	if err := s.check(ev.EventType); err != nil {
		return eventstore.AppendResult{}, err
	}
	return s.Store.Append(ctx, ev)
}

func (s *faultyStore) AppendNext(ctx context.Context, streamID string, t events.Type, payload any) (eventstore.AppendResult, error) {
	if err := s.check(t); err != nil {
		return eventstore.AppendResult{}, err
	}
	return s.Store.AppendNext(ctx, streamID, t, payload)
}

// flakyDNS fails the first n record creations.
type flakyDNS struct {
	*dns.MemoryProvider
	mu    sync.Mutex
	fails int
	err   error
}

func (f *flakyDNS) CreateRecord(ctx context.Context, zoneID string, rec dns.Record) (dns.Record, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return dns.Record{}, f.err
	}
	f.mu.Unlock()
	return f.MemoryProvider.CreateRecord(ctx, zoneID, rec)
}

type harness struct {
	backend *memory.Backend
	events  *eventstore.Store
	store   *faultyStore
	dns     *dns.MemoryProvider
	mail    *email.MemorySender
	queue   *fakeQueue
	pub     *hookPublisher
	act     *provisioning.Activities
	orch    *provisioning.Orchestrator
	svc     *provisioning.Service
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithDNS(t, nil)
}

// newHarnessWithDNS builds the harness; provider overrides the memory DNS
// provider when set.
func newHarnessWithDNS(t *testing.T, provider dns.Provider) *harness {
	t.Helper()
	router, err := projection.NewRouter(nil, nil)
	require.NoError(t, err)
	h := &harness{
		backend: memory.New(),
		dns:     dns.NewMemoryProvider(baseDomain),
		mail:    email.NewMemorySender(),
		queue:   &fakeQueue{},
		pub:     &hookPublisher{},
	}
	h.events = eventstore.New(h.backend, router)
	h.store = &faultyStore{Store: h.events}
	if provider == nil {
		provider = h.dns
	}
	h.act = provisioning.NewActivities(h.store, provider, h.mail, provisioning.ActivityConfig{
		BaseDomain:       baseDomain,
		RecordTarget:     recordTarget,
		RecordTTL:        300,
		InvitationTTL:    72 * time.Hour,
		InvitationSecret: "test-secret",
		AcceptURL:        "https://app.example.com/accept",
		BcryptCost:       bcrypt.MinCost,
	}, nil)
	h.orch = provisioning.NewOrchestrator(h.backend, h.act, fastRetry, h.pub, nil, nil)
	h.svc = provisioning.NewService(h.backend, h.queue, h.pub, nil)
	return h
}

func acmeRequest() provisioning.Request {
	return provisioning.Request{
		Organization:        provisioning.EntityData{Name: "Acme", Slug: "acme"},
		RequestedPublicName: "acme",
		Admins: []provisioning.Admin{
			{Email: "ops@acme.io", Name: "Ops"},
			{Email: "cto@acme.io"},
		},
	}
}

// run triggers req and executes the saga to its end.
func (h *harness) run(t *testing.T, req provisioning.Request) *provisioning.Saga {
	t.Helper()
	saga, started, err := h.svc.Trigger(context.Background(), req)
	require.NoError(t, err)
	require.True(t, started)
	out, err := h.orch.Execute(context.Background(), saga.ID)
	require.NoError(t, err)
	return out
}

func actions(results []provisioning.CompensationResult) []provisioning.Compensation {
	out := make([]provisioning.Compensation, 0, len(results))
	for _, r := range results {
		out = append(out, r.Action)
	}
	return out
}
