package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgforge/backend/internal/events"
	"github.com/orgforge/backend/internal/provisioning"
	"github.com/orgforge/backend/internal/storage/memory"
	"github.com/orgforge/backend/pkg/queue"
	"github.com/orgforge/backend/pkg/redis"
)

func newRedis(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func sagaJob(t *testing.T, id uuid.UUID) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.SagaPayload{SagaID: id})
	require.NoError(t, err)
	return &queue.Job{ID: uuid.NewString(), Type: queue.JobTypeProvisionSaga, Payload: payload}
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (e *fakeExecutor) Execute(_ context.Context, id uuid.UUID) (*provisioning.Saga, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, id)
	if e.err != nil {
		return nil, e.err
	}
	return &provisioning.Saga{ID: id, Status: provisioning.StatusCompleted, Attempt: 1}, nil
}

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeEnqueuer struct {
	ids []uuid.UUID
}

func (q *fakeEnqueuer) EnqueueSaga(_ context.Context, id uuid.UUID) error {
	q.ids = append(q.ids, id)
	return nil
}

func TestProvisioningProcessorRunsSagaUnderLease(t *testing.T) {
	client, mr := newRedis(t)
	exec := &fakeExecutor{}
	locker := redis.NewLocker(client, "lease:saga:")
	p := NewProvisioningProcessor(exec, memory.New(), &fakeEnqueuer{}, locker, time.Minute, nil)
	id := uuid.New()

	require.NoError(t, p.Process(context.Background(), sagaJob(t, id)))
	assert.Equal(t, 1, exec.count())
	assert.False(t, mr.Exists("lease:saga:"+id.String()), "lease must be released")
}

func TestProvisioningProcessorSkipsLeasedSaga(t *testing.T) {
	client, _ := newRedis(t)
	exec := &fakeExecutor{}
	locker := redis.NewLocker(client, "lease:saga:")
	p := NewProvisioningProcessor(exec, memory.New(), &fakeEnqueuer{}, locker, time.Minute, nil)
	id := uuid.New()

	held, err := locker.Acquire(context.Background(), id.String(), time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	require.NoError(t, p.Process(context.Background(), sagaJob(t, id)))
	assert.Equal(t, 0, exec.count())
}

// blockingExecutor runs until its context is cancelled.
type blockingExecutor struct {
	started chan struct{}
	err     error
}

func (e *blockingExecutor) Execute(ctx context.Context, id uuid.UUID) (*provisioning.Saga, error) {
	close(e.started)
	select {
	case <-ctx.Done():
		e.err = ctx.Err()
		return &provisioning.Saga{ID: id, Status: provisioning.StatusRunning, Attempt: 1}, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, errors.New("saga kept running without its lease")
	}
}

func TestProvisioningProcessorStopsWhenLeaseExpires(t *testing.T) {
	client, mr := newRedis(t)
	exec := &blockingExecutor{started: make(chan struct{})}
	q := &fakeEnqueuer{}
	locker := redis.NewLocker(client, "lease:saga:")
	p := NewProvisioningProcessor(exec, memory.New(), q, locker, 300*time.Millisecond, nil)
	id := uuid.New()

	done := make(chan error, 1)
	go func() { done <- p.Process(context.Background(), sagaJob(t, id)) }()

	<-exec.started
	mr.FastForward(time.Second)
	require.False(t, mr.Exists("lease:saga:"+id.String()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("processor did not stop after losing its lease")
	}
	assert.ErrorIs(t, exec.err, context.Canceled)
	assert.Equal(t, []uuid.UUID{id}, q.ids, "suspended saga is queued again")
}

func TestProvisioningProcessorErrors(t *testing.T) {
	client, _ := newRedis(t)
	locker := redis.NewLocker(client, "lease:saga:")

	t.Run("missing saga is dropped", func(t *testing.T) {
		p := NewProvisioningProcessor(&fakeExecutor{err: provisioning.ErrSagaNotFound}, memory.New(), &fakeEnqueuer{}, locker, time.Minute, nil)
		assert.NoError(t, p.Process(context.Background(), sagaJob(t, uuid.New())))
	})
	t.Run("execution error is returned", func(t *testing.T) {
		p := NewProvisioningProcessor(&fakeExecutor{err: errors.New("store down")}, memory.New(), &fakeEnqueuer{}, locker, time.Minute, nil)
		assert.ErrorContains(t, p.Process(context.Background(), sagaJob(t, uuid.New())), "store down")
	})
	t.Run("wrong job type", func(t *testing.T) {
		p := NewProvisioningProcessor(&fakeExecutor{}, memory.New(), &fakeEnqueuer{}, locker, time.Minute, nil)
		job := sagaJob(t, uuid.New())
		job.Type = queue.JobTypeArchiveStream
		assert.Error(t, p.Process(context.Background(), job))
	})
	t.Run("bad payload", func(t *testing.T) {
		p := NewProvisioningProcessor(&fakeExecutor{}, memory.New(), &fakeEnqueuer{}, locker, time.Minute, nil)
		job := sagaJob(t, uuid.New())
		job.Payload = json.RawMessage(`"nope"`)
		assert.Error(t, p.Process(context.Background(), job))
	})
}

func TestRecoverEnqueuesUnfinishedSagas(t *testing.T) {
	client, _ := newRedis(t)
	backend := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()
	for key, status := range map[string]provisioning.Status{
		"a": provisioning.StatusRunning,
		"b": provisioning.StatusCompensating,
		"c": provisioning.StatusCompleted,
	} {
		require.NoError(t, backend.CreateSaga(ctx, &provisioning.Saga{
			ID: provisioning.SagaID(key), IdempotencyKey: key, Attempt: 1, Status: status, CreatedAt: now, UpdatedAt: now,
		}))
	}
	q := &fakeEnqueuer{}
	p := NewProvisioningProcessor(&fakeExecutor{}, backend, q, redis.NewLocker(client, "lease:saga:"), 0, nil)

	n, err := p.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []uuid.UUID{provisioning.SagaID("a"), provisioning.SagaID("b")}, q.ids)
}

type fakeArchiver struct {
	key         string
	contentType string
	body        []byte
	err         error
}

func (a *fakeArchiver) Upload(_ context.Context, key, contentType string, body io.Reader, _ int64) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	a.key, a.contentType, a.body = key, contentType, b
	return "s3://audit/" + key, nil
}

type fakeStreams struct {
	stream []events.Event
}

func (s fakeStreams) LoadStream(_ context.Context, _ string, _ events.StreamType) ([]events.Event, error) {
	return s.stream, nil
}

func archiveJob(t *testing.T, streamType, streamID string) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.ArchivePayload{StreamType: streamType, StreamID: streamID, RequestedBy: "admin"})
	require.NoError(t, err)
	return &queue.Job{ID: uuid.NewString(), Type: queue.JobTypeArchiveStream, Payload: payload}
}

func testStream(t *testing.T) []events.Event {
	t.Helper()
	created, err := events.NewEvent("org-1", events.OrganizationCreated, 1, events.OrganizationCreatedData{Name: "Acme"})
	require.NoError(t, err)
	activated, err := events.NewEvent("org-1", events.OrganizationActivated, 2, events.OrganizationActivatedData{})
	require.NoError(t, err)
	return []events.Event{created, activated}
}

func TestEncodeNDJSON(t *testing.T) {
	body, err := EncodeNDJSON(testStream(t))
	require.NoError(t, err)

	sc := bufio.NewScanner(bytes.NewReader(body))
	var versions []int
	for sc.Scan() {
		var ev events.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		versions = append(versions, ev.StreamVersion)
	}
	assert.Equal(t, []int{1, 2}, versions)
}

func TestArchiveProcessorUploadsStream(t *testing.T) {
	archive := &fakeArchiver{}
	p := NewArchiveProcessor(fakeStreams{stream: testStream(t)}, archive, nil)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, p.Process(context.Background(), archiveJob(t, "organization", "org-1")))
	assert.Equal(t, "audit/organization/org-1/20260301T120000Z.ndjson", archive.key)
	assert.Equal(t, "application/x-ndjson", archive.contentType)
	assert.Equal(t, 2, strings.Count(string(archive.body), "\n"))
}

func TestArchiveProcessorFailures(t *testing.T) {
	p := NewArchiveProcessor(fakeStreams{}, &fakeArchiver{}, nil)
	assert.NoError(t, p.Process(context.Background(), archiveJob(t, "tenant", "x")), "unknown stream types are dropped")

	p = NewArchiveProcessor(fakeStreams{stream: testStream(t)}, &fakeArchiver{err: errors.New("denied")}, nil)
	assert.ErrorContains(t, p.Process(context.Background(), archiveJob(t, "organization", "org-1")), "denied")
}

type recordingProcessor struct {
	mu    sync.Mutex
	jobs  []*queue.Job
	fails int
}

func (p *recordingProcessor) Process(_ context.Context, job *queue.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	if p.fails > 0 {
		p.fails--
		return errors.New("transient")
	}
	return nil
}

func (p *recordingProcessor) attempts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Attempt)
	}
	return out
}

func TestWorkerProcessUnknownType(t *testing.T) {
	client, _ := newRedis(t)
	w := New(queue.NewQueue(client, nil), nil)
	assert.Error(t, w.Process(context.Background(), &queue.Job{Type: "resize_image"}))
}

func TestWorkerRunRetriesFailedJobs(t *testing.T) {
	client, _ := newRedis(t)
	q := queue.NewQueue(client, nil)
	proc := &recordingProcessor{fails: 1}
	w := New(q, nil)
	w.backoff = time.Millisecond
	w.Handle(queue.JobTypeProvisionSaga, proc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, q.EnqueueSaga(context.Background(), uuid.New()))
	require.Eventually(t, func() bool { return len(proc.attempts()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{0, 1}, proc.attempts())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * queue.DequeueTimeout):
		t.Fatal("worker did not stop")
	}
}
