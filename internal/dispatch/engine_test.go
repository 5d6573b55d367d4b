package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bhorvath-dev/wa-scheduler/internal/gateway"
	"github.com/bhorvath-dev/wa-scheduler/internal/model"
	"github.com/bhorvath-dev/wa-scheduler/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory JobStore with the same transition rules as the
// postgres backend.
type memStore struct {
	mu      sync.Mutex
	jobs    []model.ScheduledJob
	listErr error
}

var _ store.JobStore = (*memStore)(nil)

func (m *memStore) ListAll(ctx context.Context) ([]model.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]model.ScheduledJob, len(m.jobs))
	copy(out, m.jobs)
	return out, nil
}

func (m *memStore) ListByOwner(ctx context.Context, ownerID string) ([]model.ScheduledJob, error) {
	all, err := m.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.ScheduledJob
	for _, j := range all {
		if j.OwnerID == ownerID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memStore) Get(ctx context.Context, id string) (model.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return model.ScheduledJob{}, store.ErrNotFound
}

func (m *memStore) Create(ctx context.Context, job model.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.ID == job.ID {
			return store.ErrDuplicateID
		}
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *memStore) transition(id string, fn func(*model.ScheduledJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.jobs {
		if m.jobs[i].ID != id {
			continue
		}
		if m.jobs[i].Status != model.StatusPending {
			return store.ErrTerminalState
		}
		fn(&m.jobs[i])
		return nil
	}
	return store.ErrNotFound
}

func (m *memStore) MarkSent(ctx context.Context, id string, processedAt time.Time) error {
	return m.transition(id, func(j *model.ScheduledJob) {
		j.Status = model.StatusSent
		t := processedAt
		j.ProcessedAt = &t
		j.LastError = nil
	})
}

func (m *memStore) MarkFailed(ctx context.Context, id string, processedAt time.Time, reason string) error {
	return m.transition(id, func(j *model.ScheduledJob) {
		j.Status = model.StatusFailed
		t := processedAt
		j.ProcessedAt = &t
		r := reason
		j.LastError = &r
	})
}

func (m *memStore) RecordAttempt(ctx context.Context, id string, attemptedAt time.Time, reason string) error {
	return m.transition(id, func(j *model.ScheduledJob) {
		j.Retries++
		t := attemptedAt
		j.ProcessedAt = &t
		r := reason
		j.LastError = &r
	})
}

func (m *memStore) Cancel(ctx context.Context, id string) error {
	return m.transition(id, func(j *model.ScheduledJob) {
		j.Status = model.StatusCancelled
	})
}

func (m *memStore) get(t *testing.T, id string) model.ScheduledJob {
	t.Helper()

	j, err := m.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("job %q not in store: %v", id, err)
	}
	return j
}

// fakeSender records calls and answers with a per-recipient Result,
// defaulting to success.
type fakeSender struct {
	mu      sync.Mutex
	calls   []string // recipients, in order
	results map[string]gateway.Result
}

func (f *fakeSender) Send(ctx context.Context, cfg model.GatewayConfig, recipient, body string) gateway.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, recipient)
	if res, ok := f.results[recipient]; ok {
		return res
	}
	return gateway.Result{Success: true, StatusCode: 201, Kind: gateway.KindOK}
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func pendingJob(id string, scheduledAt time.Time) model.ScheduledJob {
	return model.ScheduledJob{
		ID:          id,
		Recipient:   "+36" + id,
		Body:        "hello",
		ScheduledAt: scheduledAt,
		Gateway: model.GatewayConfig{
			BaseURL:  "https://gw.example.com",
			Instance: "main",
			Token:    "secret",
		},
		Status:    model.StatusPending,
		CreatedAt: scheduledAt.Add(-time.Hour),
	}
}

func newTestEngine(t *testing.T, st store.JobStore, sender Sender, maxRetries int) *Engine {
	t.Helper()

	e, err := New(st, sender, Config{
		Interval:    time.Hour,
		SendTimeout: time.Second,
		MaxRetries:  maxRetries,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	e.now = func() time.Time { return testNow }
	return e
}

func TestNew_InvalidArgs(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	sender := &fakeSender{}
	valid := Config{Interval: time.Minute, SendTimeout: time.Second, MaxRetries: 1}

	cases := []struct {
		name   string
		st     store.JobStore
		sender Sender
		cfg    Config
	}{
		{"nil store", nil, sender, valid},
		{"nil sender", st, nil, valid},
		{"zero interval", st, sender, Config{SendTimeout: time.Second, MaxRetries: 1}},
		{"zero send timeout", st, sender, Config{Interval: time.Minute, MaxRetries: 1}},
		{"zero max retries", st, sender, Config{Interval: time.Minute, SendTimeout: time.Second}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e, err := New(tc.st, tc.sender, tc.cfg)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if e != nil {
				t.Fatalf("expected nil engine, got %#v", e)
			}
		})
	}
}

func TestSweep_SendsDuePendingJob(t *testing.T) {
	t.Parallel()

	st := &memStore{jobs: []model.ScheduledJob{
		pendingJob("due", testNow.Add(-time.Minute)),
	}}
	sender := &fakeSender{}
	e := newTestEngine(t, st, sender, 3)

	sum, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if sum.Processed != 1 || sum.Total != 1 {
		t.Fatalf("expected processed=1 total=1, got %+v", sum)
	}

	j := st.get(t, "due")
	if j.Status != model.StatusSent {
		t.Fatalf("expected status sent, got %q", j.Status)
	}
	if j.ProcessedAt == nil || !j.ProcessedAt.Equal(testNow) {
		t.Fatalf("expected processedAt=%v, got %v", testNow, j.ProcessedAt)
	}
	if sender.callCount() != 1 {
		t.Fatalf("expected 1 send, got %d", sender.callCount())
	}
}

func TestSweep_SkipsNotYetDue(t *testing.T) {
	t.Parallel()

	st := &memStore{jobs: []model.ScheduledJob{
		pendingJob("future", testNow.Add(time.Minute)),
	}}
	sender := &fakeSender{}
	e := newTestEngine(t, st, sender, 3)

	sum, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if sum.Processed != 0 || sum.Total != 1 {
		t.Fatalf("expected processed=0 total=1, got %+v", sum)
	}

	j := st.get(t, "future")
	if j.Status != model.StatusPending {
		t.Fatalf("expected status pending, got %q", j.Status)
	}
	if sender.callCount() != 0 {
		t.Fatalf("expected no sends, got %d", sender.callCount())
	}
}

func TestSweep_TerminalJobsNeverResent(t *testing.T) {
	t.Parallel()

	sent := pendingJob("a", testNow.Add(-time.Hour))
	sent.Status = model.StatusSent
	failed := pendingJob("b", testNow.Add(-time.Hour))
	failed.Status = model.StatusFailed
	cancelled := pendingJob("c", testNow.Add(-time.Hour))
	cancelled.Status = model.StatusCancelled

	st := &memStore{jobs: []model.ScheduledJob{sent, failed, cancelled}}
	sender := &fakeSender{}
	e := newTestEngine(t, st, sender, 3)

	for i := 0; i < 3; i++ {
		sum, err := e.Sweep(context.Background())
		if err != nil {
			t.Fatalf("sweep %d error: %v", i, err)
		}
		if sum.Processed != 0 {
			t.Fatalf("sweep %d: expected processed=0, got %d", i, sum.Processed)
		}
	}

	if sender.callCount() != 0 {
		t.Fatalf("expected no sends for terminal jobs, got %d", sender.callCount())
	}
}

func TestSweep_CancelledJobNeverSent(t *testing.T) {
	t.Parallel()

	st := &memStore{jobs: []model.ScheduledJob{
		pendingJob("x", testNow.Add(-time.Minute)),
	}}
	sender := &fakeSender{}
	e := newTestEngine(t, st, sender, 3)

	if err := st.Cancel(context.Background(), "x"); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	if _, err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	if sender.callCount() != 0 {
		t.Fatalf("expected no send for cancelled job, got %d", sender.callCount())
	}
	if got := st.get(t, "x").Status; got != model.StatusCancelled {
		t.Fatalf("expected status cancelled, got %q", got)
	}
}

func TestSweep_MissingConfigFailsWithoutSend(t *testing.T) {
	t.Parallel()

	j := pendingJob("noconf", testNow.Add(-time.Minute))
	j.Gateway.Token = ""

	st := &memStore{jobs: []model.ScheduledJob{j}}
	sender := &fakeSender{}
	e := newTestEngine(t, st, sender, 3)

	sum, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if sum.Processed != 1 {
		t.Fatalf("expected processed=1, got %d", sum.Processed)
	}

	got := st.get(t, "noconf")
	if got.Status != model.StatusFailed {
		t.Fatalf("expected status failed, got %q", got.Status)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "missing gateway configuration") {
		t.Fatalf("expected missing-configuration diagnostic, got %v", got.LastError)
	}
	if sender.callCount() != 0 {
		t.Fatalf("expected zero gateway invocations, got %d", sender.callCount())
	}
}

func TestSweep_PerJobFailureIsolation(t *testing.T) {
	t.Parallel()

	good := pendingJob("good", testNow.Add(-time.Minute))
	bad := pendingJob("bad", testNow.Add(-time.Minute))

	st := &memStore{jobs: []model.ScheduledJob{bad, good}}
	sender := &fakeSender{results: map[string]gateway.Result{
		bad.Recipient: {
			Success:    false,
			StatusCode: 401,
			Kind:       gateway.KindUnauthorized,
			Detail:     "gateway status 401",
		},
	}}
	e := newTestEngine(t, st, sender, 3)

	sum, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if sum.Processed != 2 {
		t.Fatalf("expected processed=2, got %d", sum.Processed)
	}

	if got := st.get(t, "bad").Status; got != model.StatusFailed {
		t.Fatalf("expected bad job failed, got %q", got)
	}
	if got := st.get(t, "good").Status; got != model.StatusSent {
		t.Fatalf("expected good job sent, got %q", got)
	}
}

func TestSweep_SecondSweepProcessesNothing(t *testing.T) {
	t.Parallel()

	st := &memStore{jobs: []model.ScheduledJob{
		pendingJob("one", testNow.Add(-time.Minute)),
		pendingJob("two", testNow.Add(-time.Minute)),
	}}
	sender := &fakeSender{}
	e := newTestEngine(t, st, sender, 3)

	first, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("first Sweep() error: %v", err)
	}
	if first.Processed != 2 {
		t.Fatalf("expected first sweep processed=2, got %d", first.Processed)
	}

	second, err := e.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep() error: %v", err)
	}
	if second.Processed != 0 {
		t.Fatalf("expected second sweep processed=0, got %d", second.Processed)
	}
	if sender.callCount() != 2 {
		t.Fatalf("expected 2 sends in total, got %d", sender.callCount())
	}
}

func TestSweep_TransientFailureRetriesUntilCap(t *testing.T) {
	t.Parallel()

	j := pendingJob("flaky", testNow.Add(-time.Minute))

	st := &memStore{jobs: []model.ScheduledJob{j}}
	sender := &fakeSender{results: map[string]gateway.Result{
		j.Recipient: {
			Success:    false,
			StatusCode: 502,
			Kind:       gateway.KindOther,
			Detail:     "gateway status 502",
		},
	}}
	e := newTestEngine(t, st, sender, 3)

	// Attempts 1 and 2 keep the job pending with an incremented counter.
	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := e.Sweep(context.Background()); err != nil {
			t.Fatalf("sweep %d error: %v", attempt, err)
		}

		got := st.get(t, "flaky")
		if got.Status != model.StatusPending {
			t.Fatalf("attempt %d: expected pending, got %q", attempt, got.Status)
		}
		if got.Retries != attempt {
			t.Fatalf("attempt %d: expected retries=%d, got %d", attempt, attempt, got.Retries)
		}
		if got.LastError == nil || !strings.Contains(*got.LastError, "502") {
			t.Fatalf("attempt %d: expected diagnostic, got %v", attempt, got.LastError)
		}
	}

	// Attempt 3 exhausts the cap.
	if _, err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("final sweep error: %v", err)
	}

	got := st.get(t, "flaky")
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed after retry cap, got %q", got.Status)
	}
	if sender.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.callCount())
	}

	// And nothing further happens.
	if _, err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("post-terminal sweep error: %v", err)
	}
	if sender.callCount() != 3 {
		t.Fatalf("expected no attempts after terminal failure, got %d", sender.callCount())
	}
}

func TestSweep_PermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()

	j := pendingJob("unauth", testNow.Add(-time.Minute))

	st := &memStore{jobs: []model.ScheduledJob{j}}
	sender := &fakeSender{results: map[string]gateway.Result{
		j.Recipient: {
			Success:    false,
			StatusCode: 401,
			Kind:       gateway.KindUnauthorized,
			Detail:     "gateway status 401",
		},
	}}
	e := newTestEngine(t, st, sender, 5)

	if _, err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	got := st.get(t, "unauth")
	if got.Status != model.StatusFailed {
		t.Fatalf("expected immediate failed on permanent rejection, got %q", got.Status)
	}
	if sender.callCount() != 1 {
		t.Fatalf("expected a single attempt, got %d", sender.callCount())
	}
}

func TestSweep_ListErrorAbortsCycle(t *testing.T) {
	t.Parallel()

	st := &memStore{listErr: errors.New("disk on fire")}
	sender := &fakeSender{}
	e := newTestEngine(t, st, sender, 3)

	_, err := e.Sweep(context.Background())
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("expected wrapped store error, got: %v", err)
	}
	if sender.callCount() != 0 {
		t.Fatalf("expected no sends on aborted cycle, got %d", sender.callCount())
	}
}

func TestSweep_SentHookInvoked(t *testing.T) {
	t.Parallel()

	st := &memStore{jobs: []model.ScheduledJob{
		pendingJob("hooked", testNow.Add(-time.Minute)),
	}}
	sender := &fakeSender{}
	e := newTestEngine(t, st, sender, 3)

	var (
		mu     sync.Mutex
		gotIDs []string
	)
	e.WithSentHook(func(ctx context.Context, job model.ScheduledJob, res gateway.Result) {
		mu.Lock()
		defer mu.Unlock()
		gotIDs = append(gotIDs, job.ID)
	})

	if _, err := e.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotIDs) != 1 || gotIDs[0] != "hooked" {
		t.Fatalf("expected sent hook for job hooked, got %+v", gotIDs)
	}
}

func TestEngine_StartStop_Basics(t *testing.T) {
	st := &memStore{}
	sender := &fakeSender{}

	e, err := New(st, sender, Config{
		Interval:    10 * time.Millisecond,
		SendTimeout: time.Second,
		MaxRetries:  1,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if e.IsRunning() {
		t.Fatalf("expected engine not running initially")
	}

	if ok := e.Start(); !ok {
		t.Fatalf("expected Start() true on first call")
	}
	if !e.IsRunning() {
		t.Fatalf("expected engine running after Start()")
	}
	if ok := e.Start(); ok {
		t.Fatalf("expected Start() false when already running")
	}

	if ok := e.Stop(); !ok {
		t.Fatalf("expected Stop() true on first call")
	}
	if e.IsRunning() {
		t.Fatalf("expected engine not running after Stop()")
	}
	if ok := e.Stop(); ok {
		t.Fatalf("expected Stop() false when already stopped")
	}
}

func TestEngine_ImmediateSweepOnStart(t *testing.T) {
	st := &memStore{jobs: []model.ScheduledJob{
		pendingJob("eager", time.Now().UTC().Add(-time.Minute)),
	}}
	sender := &fakeSender{}

	// Large interval: only the immediate sweep on Start can fire.
	e, err := New(st, sender, Config{
		Interval:    time.Hour,
		SendTimeout: time.Second,
		MaxRetries:  1,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if ok := e.Start(); !ok {
		t.Fatalf("expected Start() true")
	}
	defer e.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		if sender.callCount() >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for immediate sweep")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := st.get(t, "eager").Status; got != model.StatusSent {
		t.Fatalf("expected status sent, got %q", got)
	}
}

func TestEngine_StoreErrorDoesNotStopTicker(t *testing.T) {
	st := &memStore{listErr: errors.New("transient read failure")}
	sender := &fakeSender{}

	e, err := New(st, sender, Config{
		Interval:    10 * time.Millisecond,
		SendTimeout: time.Second,
		MaxRetries:  1,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if ok := e.Start(); !ok {
		t.Fatalf("expected Start() true")
	}
	defer e.Stop()

	// Let a few failing cycles pass, then heal the store and add a due job.
	time.Sleep(50 * time.Millisecond)

	st.mu.Lock()
	st.listErr = nil
	st.jobs = append(st.jobs, pendingJob("late", time.Now().UTC().Add(-time.Minute)))
	st.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for {
		if sender.callCount() >= 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("ticker appears dead after store read failures")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
