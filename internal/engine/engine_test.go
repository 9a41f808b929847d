package engine

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runner/internal/adapter/provider"
	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/faults"
	"github.com/xiaot623/gogo/runner/internal/logging"
	"github.com/xiaot623/gogo/runner/internal/metrics"
	"github.com/xiaot623/gogo/runner/internal/repository"
	"github.com/xiaot623/gogo/runner/internal/runmanager"
	"github.com/xiaot623/gogo/runner/tests/helpers"
)

const cost = 0.7

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t        *testing.T
	clock    *clock
	store    *repository.SQLiteStore
	ledger   *helpers.CountingLedger
	provider *helpers.ScriptedProvider
	manager  *runmanager.Manager
	engine   *Engine
}

func testConfig() Config {
	return Config{
		StreamInactivity:  150 * time.Millisecond,
		ResumeMaxAttempts: 2,
		ResumeBaseDelay:   time.Millisecond,
		ResumeMaxDelay:    5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		PollTimeout:       2 * time.Second,
		RequestTimeout:    time.Second,
		CleanupGrace:      time.Minute,
		OrphanThreshold:   time.Minute,
		SinkBufferSize:    64,
	}
}

func newHarness(t *testing.T, p *helpers.ScriptedProvider, tweak ...func(*Config)) *harness {
	t.Helper()
	c := &clock{now: time.Now()}
	store := helpers.NewTestSQLiteStore(t, repository.WithClock(c.Now), repository.WithRunStateTTL(time.Hour))
	h := &harness{t: t, clock: c, store: store, ledger: helpers.NewCountingLedger(store), provider: p}
	h.manager = h.newManager("inst-a")
	h.engine = h.newEngine(h.manager, tweak...)
	return h
}

func (h *harness) newManager(instanceID string) *runmanager.Manager {
	return runmanager.New(h.store, instanceID, logging.Discard())
}

func (h *harness) newEngine(manager *runmanager.Manager, tweak ...func(*Config)) *Engine {
	h.t.Helper()
	classifier, err := faults.NewClassifier(context.Background(), faults.DefaultPolicy, logging.Discard())
	require.NoError(h.t, err)
	cfg := testConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}
	return New(cfg, Deps{
		Manager:    manager,
		Ledger:     h.ledger,
		Jobs:       h.store,
		Provider:   h.provider,
		Classifier: classifier,
		Metrics:    metrics.NewUnregistered(),
		Logger:     logging.Discard(),
		Now:        h.clock.Now,
	}, &Research{Model: "test-model", Price: cost}, &Letter{Model: "test-model", Price: cost})
}

func (h *harness) balance(userID string) float64 {
	h.t.Helper()
	b, err := h.store.Balance(context.Background(), userID)
	require.NoError(h.t, err)
	return b
}

func (h *harness) job(jobID string) *domain.Job {
	h.t.Helper()
	job, err := h.store.GetJob(context.Background(), jobID)
	require.NoError(h.t, err)
	require.NotNil(h.t, job)
	return job
}

func (h *harness) state(kind domain.RunKind, runKey string) *domain.RunState {
	h.t.Helper()
	state, err := h.store.Get(context.Background(), kind, runKey)
	require.NoError(h.t, err)
	return state
}

// collect subscribes to run and returns every message up to the end of
// its feed.
func collect(t *testing.T, run *Run) []domain.ClientMessage {
	t.Helper()
	ch, cancel := run.SubscribeChan(64)
	defer cancel()

	var out []domain.ClientMessage
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("run %s did not finish; got %d messages", run.Key(), len(out))
		}
	}
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run %s task did not return", run.Key())
	}
}

func last(msgs []domain.ClientMessage) domain.ClientMessage {
	if len(msgs) == 0 {
		return domain.ClientMessage{}
	}
	return msgs[len(msgs)-1]
}

func statusEvents(msgs []domain.ClientMessage) []string {
	var out []string
	for _, m := range msgs {
		if m.Type == domain.MessageTypeStatus {
			out = append(out, m.Event)
		}
	}
	return out
}

func assertSeqIncreasing(t *testing.T, msgs []domain.ClientMessage) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Fatalf("seq not increasing at %d: %d after %d", i, msgs[i].Seq, msgs[i-1].Seq)
		}
	}
}

func TestResearchHappyPath(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{Events: []provider.Event{
		helpers.Created(1, "resp_1"),
		helpers.Reasoning(2, "thinking"),
		helpers.Delta(3, "Buses "),
		helpers.Delta(4, "matter."),
		helpers.Completed(5, "resp_1", ""),
	}})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)

	run, joined, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{
		UserID: "u1",
		Topic:  "bus routes",
	})
	require.NoError(t, err)
	assert.False(t, joined)

	msgs := collect(t, run)
	waitDone(t, run)
	assertSeqIncreasing(t, msgs)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, domain.StatusEventStarted, msgs[0].Event)
	require.NotNil(t, msgs[0].RemainingCredits)
	assert.InDelta(t, 9.3, *msgs[0].RemainingCredits, 1e-9)

	final := last(msgs)
	assert.Equal(t, domain.MessageTypeComplete, final.Type)
	assert.Equal(t, "Buses matter.", final.Content)
	assert.Equal(t, run.Key(), final.RunKey)

	for _, m := range msgs {
		assert.NotEqual(t, "thinking", m.Text, "reasoning must not reach subscribers")
	}

	assert.Equal(t, domain.RunStatusCompleted, run.Status())
	assert.Equal(t, 1, h.ledger.Deducts())
	assert.Equal(t, 0, h.ledger.Credits())
	assert.InDelta(t, 9.3, h.balance("u1"), 1e-9)

	job := h.job(run.JobID())
	assert.Equal(t, domain.JobStatusCompleted, job.ResearchStatus)
	assert.Equal(t, "Buses matter.", job.ResearchContent)
	assert.Equal(t, "resp_1", job.ResearchResponseID)
	assert.Nil(t, h.state(domain.RunKindResearch, run.Key()), "durable record is cleared on completion")

	params := p.Params()
	require.Len(t, params, 1)
	assert.Contains(t, params[0].Input, "bus routes")
}

func TestLateSubscriberGetsReplayAndTerminal(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{Events: []provider.Event{
		helpers.Created(1, "resp_1"),
		helpers.Delta(2, "done"),
		helpers.Completed(3, "resp_1", "done"),
	}})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 1)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)
	waitDone(t, run)

	found, err := h.engine.Lookup(context.Background(), domain.RunKindResearch, "u1", "")
	require.NoError(t, err)
	assert.Same(t, run, found)

	msgs := collect(t, found)
	assert.Equal(t, domain.MessageTypeComplete, last(msgs).Type)
	assertSeqIncreasing(t, msgs)
}

func TestStreamDropResumesFromCursor(t *testing.T) {
	p := helpers.NewScriptedProvider().
		OnOpen(helpers.Step{
			Events: []provider.Event{helpers.Created(1, "resp_1"), helpers.Delta(2, "Hello ")},
			End:    syscall.ECONNRESET,
		}).
		OnResume(helpers.Step{Events: []provider.Event{
			helpers.Delta(2, "Hello "),
			helpers.Delta(3, "world"),
			helpers.Completed(4, "resp_1", ""),
		}})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)

	msgs := collect(t, run)
	waitDone(t, run)
	assertSeqIncreasing(t, msgs)
	assert.Contains(t, statusEvents(msgs), domain.StatusEventResumeAttempt)
	assert.Equal(t, "Hello world", last(msgs).Content)
	assert.Equal(t, []int64{2}, p.Cursors())
	assert.Equal(t, 0, h.ledger.Credits())
	assert.InDelta(t, 9.3, h.balance("u1"), 1e-9)
}

func TestResumeExhaustionFallsBackToPolling(t *testing.T) {
	p := helpers.NewScriptedProvider().
		OnOpen(helpers.Step{Events: []provider.Event{helpers.Created(1, "resp_1")}, Hang: true}).
		OnResume(
			helpers.Step{Err: &provider.APIError{StatusCode: 502, Code: "server_error", Message: "bad gateway"}},
			helpers.Step{Err: &provider.APIError{StatusCode: 502, Code: "server_error", Message: "bad gateway"}},
		).
		OnRetrieve(
			helpers.Poll{Response: &provider.Response{ID: "resp_1", Status: provider.StatusInProgress}},
			helpers.Poll{Response: &provider.Response{ID: "resp_1", Status: provider.StatusCompleted, OutputText: "polled result"}},
		)
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)

	msgs := collect(t, run)
	waitDone(t, run)
	events := statusEvents(msgs)
	assert.Contains(t, events, domain.StatusEventResumeAttempt)
	assert.Contains(t, events, domain.StatusEventPolling)
	assert.Equal(t, domain.MessageTypeComplete, last(msgs).Type)
	assert.Equal(t, "polled result", last(msgs).Content)
	assert.Equal(t, 2, p.ResumeCalls())
	assert.GreaterOrEqual(t, p.RetrieveCalls(), 2)
	assert.Equal(t, 1, h.ledger.Deducts(), "falling back to polling never charges again")
	assert.Equal(t, 0, h.ledger.Credits())
}

func TestRateLimitWhilePollingKeepsPolling(t *testing.T) {
	p := helpers.NewScriptedProvider().WithoutResume().
		OnOpen(helpers.Step{Events: []provider.Event{helpers.Created(1, "resp_1")}, End: syscall.ECONNRESET}).
		OnRetrieve(
			helpers.Poll{Err: &provider.APIError{StatusCode: 429, Code: "rate_limit_exceeded", Message: "slow down"}},
			helpers.Poll{Response: &provider.Response{ID: "resp_1", Status: provider.StatusCompleted, OutputText: "after the limit"}},
		)
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)

	msgs := collect(t, run)
	waitDone(t, run)
	assert.Equal(t, domain.MessageTypeComplete, last(msgs).Type)
	assert.Equal(t, "after the limit", last(msgs).Content)
	assert.Equal(t, 2, p.RetrieveCalls())
	assert.Equal(t, 1, h.ledger.Deducts())
	assert.Zero(t, h.ledger.Credits())
	assert.InDelta(t, 9.3, h.balance("u1"), 1e-9)
}

func TestProviderWithoutResumePolls(t *testing.T) {
	p := helpers.NewScriptedProvider().WithoutResume().
		OnOpen(helpers.Step{Events: []provider.Event{helpers.Created(1, "resp_1")}, End: syscall.ECONNRESET}).
		OnRetrieve(helpers.Poll{Response: &provider.Response{ID: "resp_1", Status: provider.StatusCompleted, OutputText: "ok"}})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)

	msgs := collect(t, run)
	assert.Equal(t, "ok", last(msgs).Content)
	assert.Equal(t, 0, p.ResumeCalls())
	assert.NotContains(t, statusEvents(msgs), domain.StatusEventResumeAttempt)
}

func TestUnrecoverableFailureRefundsOnce(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{
		Err: &provider.APIError{StatusCode: 400, Code: "invalid_request", Message: "bad prompt"},
	})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)

	msgs := collect(t, run)
	waitDone(t, run)
	final := last(msgs)
	assert.Equal(t, domain.MessageTypeError, final.Type)
	assert.Contains(t, final.Error, "refunded")
	require.NotNil(t, final.RemainingCredits)
	assert.InDelta(t, 10, *final.RemainingCredits, 1e-9)

	assert.Equal(t, domain.RunStatusError, run.Status())
	assert.Equal(t, 1, h.ledger.Deducts())
	assert.Equal(t, 1, h.ledger.Credits())
	assert.InDelta(t, 10, h.balance("u1"), 1e-9)
	assert.Equal(t, domain.JobStatusError, h.job(run.JobID()).ResearchStatus)
	assert.Nil(t, h.state(domain.RunKindResearch, run.Key()))

	assert.False(t, h.engine.refund(run), "a second refund must be refused")
	assert.Equal(t, 1, h.ledger.Credits())
}

func TestFailedRefundStillEndsRun(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{
		Err: &provider.APIError{StatusCode: 400, Code: "invalid_request", Message: "bad prompt"},
	})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)
	h.ledger.FailCredits(errors.New("ledger offline"))

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)

	msgs := collect(t, run)
	waitDone(t, run)
	final := last(msgs)
	assert.Equal(t, domain.MessageTypeError, final.Type)
	assert.NotContains(t, final.Error, "refunded")
	require.NotNil(t, final.RemainingCredits)
	assert.InDelta(t, 9.3, *final.RemainingCredits, 1e-9)

	assert.Equal(t, domain.RunStatusError, run.Status())
	assert.Equal(t, 1, h.ledger.Credits())
	assert.InDelta(t, 9.3, h.balance("u1"), 1e-9)
	assert.Equal(t, domain.JobStatusError, h.job(run.JobID()).ResearchStatus)
}

func TestProviderFailedEventIsFatal(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{Events: []provider.Event{
		helpers.Created(1, "resp_1"),
		helpers.Failed(2, "resp_1", "model overloaded"),
	}})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)

	msgs := collect(t, run)
	assert.Equal(t, domain.MessageTypeError, last(msgs).Type)
	assert.Equal(t, 0, p.ResumeCalls())
	assert.Equal(t, 1, h.ledger.Credits())
}

func TestInsufficientCreditsCreatesNoRun(t *testing.T) {
	p := helpers.NewScriptedProvider()
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 0.5)

	_, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	assert.Equal(t, 0, p.OpenCalls())
	assert.Empty(t, h.engine.Runs())
	_, err = h.engine.Lookup(context.Background(), domain.RunKindResearch, "u1", "")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	states, err := h.store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.InDelta(t, 0.5, h.balance("u1"), 1e-9)
}

func TestValidationErrorsCreateNoRun(t *testing.T) {
	h := newHarness(t, helpers.NewScriptedProvider())
	helpers.Fund(t, h.store, "u1", 10)
	ctx := context.Background()

	_, _, err := h.engine.Start(ctx, domain.RunKindResearch, domain.StartRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = h.engine.Start(ctx, domain.RunKindResearch, domain.StartRequest{Topic: "t"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = h.engine.Start(ctx, domain.RunKind("podcast"), domain.StartRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrUnknownKind)

	_, _, err = h.engine.Start(ctx, domain.RunKindLetter, domain.StartRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrValidation, "a letter needs completed research")

	assert.Equal(t, 0, h.ledger.Deducts())
	assert.Empty(t, h.engine.Runs())
}

func TestStartWithUnknownJobIDIsRejected(t *testing.T) {
	p := helpers.NewScriptedProvider()
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)
	ctx := context.Background()

	for _, kind := range []domain.RunKind{domain.RunKindResearch, domain.RunKindLetter} {
		_, _, err := h.engine.Start(ctx, kind, domain.StartRequest{UserID: "u1", JobID: "job_missing", Topic: "t"})
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr, "kind %s", kind)
		assert.Equal(t, "job_id", verr.Field)
	}

	assert.Zero(t, p.OpenCalls())
	assert.Zero(t, h.ledger.Deducts())
	assert.Empty(t, h.engine.Runs())
	active, err := h.store.GetActive(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, active, "no job is created for an unknown id")
}

// failingRegister is a run state store whose Register always fails.
type failingRegister struct {
	repository.RunStateStore
}

func (failingRegister) Register(context.Context, *domain.RunState) (*domain.RunState, error) {
	return nil, errors.New("disk I/O error")
}

func TestRegisterFailureCreatesNoRun(t *testing.T) {
	p := helpers.NewScriptedProvider()
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)
	eng := h.newEngine(runmanager.New(failingRegister{h.store}, "inst-a", logging.Discard()))

	_, _, err := eng.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.ErrorIs(t, err, domain.ErrTemporarilyUnavailable)

	assert.Zero(t, h.ledger.Deducts())
	assert.Zero(t, p.OpenCalls())
	assert.Empty(t, eng.Runs())
	assert.InDelta(t, 10, h.balance("u1"), 1e-9)
}

func TestStartAfterDrainIsRejected(t *testing.T) {
	p := helpers.NewScriptedProvider()
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)
	ctx := context.Background()

	h.engine.Drain(ctx)
	_, _, err := h.engine.Start(ctx, domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.ErrorIs(t, err, domain.ErrTemporarilyUnavailable)

	assert.Zero(t, h.ledger.Deducts())
	assert.Zero(t, p.OpenCalls())
	assert.Empty(t, h.engine.Runs())
	states, err := h.store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestConcurrentStartsShareOneRun(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{Events: []provider.Event{
		helpers.Created(1, "resp_1"),
		helpers.Completed(2, "resp_1", "shared"),
	}})
	release := p.Gate()
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)
	job, err := h.store.Upsert(context.Background(), "u1", domain.JobPatch{Topic: domain.StrPtr("t")})
	require.NoError(t, err)

	const callers = 8
	runs := make([]*Run, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runs[i], _, errs[i] = h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", JobID: job.JobID})
		}(i)
	}
	wg.Wait()
	release()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, runs[0], runs[i])
	}
	msgs := collect(t, runs[0])
	assert.Equal(t, "shared", last(msgs).Content)
	assert.Equal(t, 1, h.ledger.Deducts())
	assert.Equal(t, 1, p.OpenCalls())
	assert.InDelta(t, 9.3, h.balance("u1"), 1e-9)
}

func TestStartAfterTerminalStartsFreshRun(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(
		helpers.Step{Events: []provider.Event{helpers.Created(1, "resp_1"), helpers.Completed(2, "resp_1", "one")}},
		helpers.Step{Events: []provider.Event{helpers.Created(1, "resp_2"), helpers.Completed(2, "resp_2", "two")}},
	)
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)

	first, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)
	collect(t, first)

	second, joined, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", JobID: first.JobID()})
	require.NoError(t, err)
	assert.False(t, joined)
	assert.NotSame(t, first, second)
	assert.Equal(t, "two", last(collect(t, second)).Content)
	assert.Equal(t, 2, h.ledger.Deducts())
}

func TestActiveElsewhereRejectsStart(t *testing.T) {
	h := newHarness(t, helpers.NewScriptedProvider())
	helpers.Fund(t, h.store, "u1", 10)
	ctx := context.Background()
	job, err := h.store.Upsert(ctx, "u1", domain.JobPatch{Topic: domain.StrPtr("t")})
	require.NoError(t, err)

	_, err = h.store.Register(ctx, &domain.RunState{
		Kind:            domain.RunKindResearch,
		RunKey:          domain.RunKey("u1", job.JobID),
		UserID:          "u1",
		JobID:           job.JobID,
		OwnerInstanceID: "inst-b",
	})
	require.NoError(t, err)

	_, _, err = h.engine.Start(ctx, domain.RunKindResearch, domain.StartRequest{UserID: "u1", JobID: job.JobID})
	require.ErrorIs(t, err, domain.ErrRunActiveElsewhere)
	assert.Equal(t, 0, h.ledger.Deducts())
	assert.Empty(t, h.engine.Runs())
}

func TestLetterCompletesWithSubject(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{Events: []provider.Event{
		helpers.Created(1, "resp_l"),
		helpers.Delta(2, "```json\n{\"subject\": \"Buses\", "),
		helpers.Delta(3, "\"body\": \"Dear MP\"}\n```"),
		helpers.Completed(4, "resp_l", ""),
	}})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)
	ctx := context.Background()
	job, err := h.store.Upsert(ctx, "u1", domain.JobPatch{
		Topic:           domain.StrPtr("t"),
		ResearchStatus:  domain.JobStatusPtr(domain.JobStatusCompleted),
		ResearchContent: domain.StrPtr("findings"),
	})
	require.NoError(t, err)

	run, _, err := h.engine.Start(ctx, domain.RunKindLetter, domain.StartRequest{UserID: "u1", MPName: "Jane Doe"})
	require.NoError(t, err)
	assert.Equal(t, job.JobID, run.JobID())

	final := last(collect(t, run))
	assert.Equal(t, domain.MessageTypeComplete, final.Type)
	assert.Equal(t, "Buses", final.Subject)
	assert.Equal(t, "Dear MP", final.Content)

	saved := h.job(job.JobID)
	assert.Equal(t, domain.JobStatusCompleted, saved.LetterStatus)
	assert.Equal(t, "Buses", saved.LetterSubject)
	assert.Equal(t, "findings", saved.ResearchContent, "letter must not touch research fields")
	assert.Equal(t, "Jane Doe", saved.MPName)
}

func TestLetterResumesAfterInactivityTimeout(t *testing.T) {
	p := helpers.NewScriptedProvider().
		OnOpen(helpers.Step{Events: []provider.Event{
			helpers.Created(1, "resp_l"),
			helpers.Delta(2, `{"subject": "Buses", `),
		}, Hang: true}).
		OnResume(helpers.Step{Events: []provider.Event{
			helpers.Delta(3, `"body": "Dear MP"}`),
			helpers.Completed(4, "resp_l", ""),
		}})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)
	ctx := context.Background()
	job, err := h.store.Upsert(ctx, "u1", domain.JobPatch{
		ResearchStatus:  domain.JobStatusPtr(domain.JobStatusCompleted),
		ResearchContent: domain.StrPtr("findings"),
	})
	require.NoError(t, err)

	run, _, err := h.engine.Start(ctx, domain.RunKindLetter, domain.StartRequest{UserID: "u1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state := h.state(domain.RunKindLetter, run.Key())
		return state != nil && state.ResponseID == "resp_l"
	}, 2*time.Second, 5*time.Millisecond)

	msgs := collect(t, run)
	waitDone(t, run)
	assertSeqIncreasing(t, msgs)
	assert.Equal(t, []string{domain.StatusEventStarted, domain.StatusEventResumeAttempt}, statusEvents(msgs))
	assert.Equal(t, 1, p.ResumeCalls())
	assert.Equal(t, []int64{2}, p.Cursors())

	final := last(msgs)
	assert.Equal(t, domain.MessageTypeComplete, final.Type)
	assert.Equal(t, "Dear MP", final.Content)
	assert.Equal(t, "Dear MP", h.job(job.JobID).LetterContent)
	assert.Nil(t, h.state(domain.RunKindLetter, run.Key()))
	assert.Equal(t, 1, h.ledger.Deducts())
}

func TestInvalidLetterRefunds(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{Events: []provider.Event{
		helpers.Created(1, "resp_l"),
		helpers.Completed(2, "resp_l", "not json"),
	}})
	h := newHarness(t, p)
	helpers.Fund(t, h.store, "u1", 10)
	_, err := h.store.Upsert(context.Background(), "u1", domain.JobPatch{
		ResearchStatus:  domain.JobStatusPtr(domain.JobStatusCompleted),
		ResearchContent: domain.StrPtr("findings"),
	})
	require.NoError(t, err)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindLetter, domain.StartRequest{UserID: "u1"})
	require.NoError(t, err)

	final := last(collect(t, run))
	assert.Equal(t, domain.MessageTypeError, final.Type)
	assert.Contains(t, final.Error, "unusable")
	assert.InDelta(t, 10, h.balance("u1"), 1e-9)
	assert.Equal(t, domain.JobStatusError, h.job(run.JobID()).LetterStatus)
}

func TestQuietPeriodEmitsReassurance(t *testing.T) {
	p := helpers.NewScriptedProvider().
		OnOpen(helpers.Step{Events: []provider.Event{helpers.Created(1, "resp_1")}, Hang: true}).
		OnResume(helpers.Step{Events: []provider.Event{helpers.Completed(2, "resp_1", "done")}})
	h := newHarness(t, p, func(c *Config) {
		c.QuietPeriod = 20 * time.Millisecond
		c.StreamInactivity = 200 * time.Millisecond
	})
	helpers.Fund(t, h.store, "u1", 10)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)

	msgs := collect(t, run)
	assert.Contains(t, statusEvents(msgs), domain.StatusEventQuiet)
	assert.Equal(t, domain.MessageTypeComplete, last(msgs).Type)
	assertSeqIncreasing(t, msgs)
}

func TestStatusCombinesLocalAndDurable(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{Events: []provider.Event{helpers.Created(1, "resp_1")}, Hang: true})
	h := newHarness(t, p, func(c *Config) { c.StreamInactivity = time.Minute })
	helpers.Fund(t, h.store, "u1", 10)
	ctx := context.Background()

	run, _, err := h.engine.Start(ctx, domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return run.ResponseID() == "resp_1" }, 2*time.Second, 5*time.Millisecond)

	view, err := h.engine.Status(ctx, domain.RunKindResearch, "u1", run.JobID())
	require.NoError(t, err)
	assert.True(t, view.Local)
	assert.Equal(t, domain.RunStatusRunning, view.Status)
	require.NotNil(t, view.Durable)
	assert.Equal(t, "inst-a", view.Durable.OwnerInstanceID)
	assert.True(t, view.Durable.Charged())

	_, err = h.engine.Status(ctx, domain.RunKindResearch, "u1", "job_missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	h.engine.Drain(ctx)
	waitDone(t, run)
}

func TestEngineWaitHonoursContext(t *testing.T) {
	p := helpers.NewScriptedProvider().OnOpen(helpers.Step{Events: []provider.Event{helpers.Created(1, "resp_1")}, Hang: true})
	h := newHarness(t, p, func(c *Config) { c.StreamInactivity = time.Minute })
	helpers.Fund(t, h.store, "u1", 10)

	run, _, err := h.engine.Start(context.Background(), domain.RunKindResearch, domain.StartRequest{UserID: "u1", Topic: "t"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(h.engine.Wait(ctx), context.DeadlineExceeded))

	h.engine.Drain(context.Background())
	require.NoError(t, h.engine.Wait(context.Background()))
	assert.Equal(t, domain.RunStatusCancelled, run.Status())
}
