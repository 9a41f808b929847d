// Package engine drives research and letter runs: it charges once, streams
// the provider response to subscribers, survives stream loss by resuming
// or polling, and refunds exactly once when a charged run fails.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/runner/internal/adapter/provider"
	"github.com/xiaot623/gogo/runner/internal/config"
	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/faults"
	"github.com/xiaot623/gogo/runner/internal/metrics"
	"github.com/xiaot623/gogo/runner/internal/registry"
	"github.com/xiaot623/gogo/runner/internal/repository"
	"github.com/xiaot623/gogo/runner/internal/runmanager"
)

// Run origins recorded in metrics.
const (
	originStart   = "start"
	originAdopted = "adopted"
)

// Config holds the engine timings.
type Config struct {
	StreamInactivity  time.Duration
	QuietPeriod       time.Duration
	ResumeMaxAttempts int
	ResumeBaseDelay   time.Duration
	ResumeMaxDelay    time.Duration
	PollInterval      time.Duration
	PollTimeout       time.Duration
	RequestTimeout    time.Duration
	CleanupGrace      time.Duration
	OrphanThreshold   time.Duration
	SinkBufferSize    int
}

// ConfigFrom extracts the engine settings from the process configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		StreamInactivity:  cfg.StreamInactivity,
		QuietPeriod:       cfg.QuietPeriod,
		ResumeMaxAttempts: cfg.ResumeMaxAttempts,
		ResumeBaseDelay:   cfg.ResumeBaseDelay,
		ResumeMaxDelay:    cfg.ResumeMaxDelay,
		PollInterval:      cfg.PollInterval,
		PollTimeout:       cfg.PollTimeout,
		RequestTimeout:    cfg.ProviderTimeout,
		CleanupGrace:      cfg.CleanupGrace,
		OrphanThreshold:   cfg.OrphanThreshold,
		SinkBufferSize:    cfg.SinkBufferSize,
	}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Manager    *runmanager.Manager
	Ledger     repository.Ledger
	Jobs       repository.JobStore
	Provider   provider.Provider
	Classifier *faults.Classifier
	Metrics    *metrics.Metrics
	Status     StatusSource
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Engine owns the in-memory runs of this process.
type Engine struct {
	cfg        Config
	kinds      map[domain.RunKind]Kind
	runs       *registry.Registry[runID, *Run]
	group      singleflight.Group
	tasks      sync.WaitGroup
	manager    *runmanager.Manager
	ledger     repository.Ledger
	jobs       repository.JobStore
	provider   provider.Provider
	classifier *faults.Classifier
	metrics    *metrics.Metrics
	status     StatusSource
	logger     *logrus.Logger
	log        *logrus.Entry
	now        func() time.Time

	// drainMu is held shared by every start and exclusively by Drain, so
	// no run registers after Drain has listed the records it hands over.
	drainMu  sync.RWMutex
	draining bool
}

// New creates an Engine serving the given kinds.
func New(cfg Config, deps Deps, kinds ...Kind) *Engine {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Status == nil {
		deps.Status = NewRotatingStatus()
	}
	e := &Engine{
		cfg:        cfg,
		kinds:      make(map[domain.RunKind]Kind, len(kinds)),
		runs:       registry.New[runID, *Run](),
		manager:    deps.Manager,
		ledger:     deps.Ledger,
		jobs:       deps.Jobs,
		provider:   deps.Provider,
		classifier: deps.Classifier,
		metrics:    deps.Metrics,
		status:     deps.Status,
		logger:     deps.Logger,
		log:        deps.Logger.WithField("component", "engine"),
		now:        deps.Now,
	}
	for _, k := range kinds {
		e.kinds[k.Kind()] = k
	}
	return e
}

type startResult struct {
	run    *Run
	joined bool
}

// Start starts a run of kind for req, or joins the live run of the same
// job. Concurrent calls for one job share a single start, so the user is
// charged at most once. Validation and credit errors create no run.
func (e *Engine) Start(ctx context.Context, kind domain.RunKind, req domain.StartRequest) (*Run, bool, error) {
	def, ok := e.kinds[kind]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, false, &domain.ValidationError{Field: "user_id", Reason: "required"}
	}

	key := string(kind) + "|" + req.UserID + "|" + req.JobID
	v, err, shared := e.group.Do(key, func() (interface{}, error) {
		return e.start(ctx, def, req)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(startResult)
	joined := res.joined || shared
	if joined {
		e.metrics.RunJoined(string(kind))
	}
	return res.run, joined, nil
}

func (e *Engine) start(ctx context.Context, def Kind, req domain.StartRequest) (startResult, error) {
	e.drainMu.RLock()
	defer e.drainMu.RUnlock()
	if e.draining {
		return startResult{}, fmt.Errorf("%w: shutting down", domain.ErrTemporarilyUnavailable)
	}
	kind := def.Kind()

	existing, err := resolveJob(ctx, e.jobs, req.UserID, req.JobID)
	if err != nil {
		return startResult{}, err
	}
	if existing != nil {
		if run, ok := e.runs.Get(runID{kind, req.UserID, existing.JobID}); ok && !run.Terminal() {
			return startResult{run: run, joined: true}, nil
		}
		req.JobID = existing.JobID
	}

	job, params, err := def.Prepare(ctx, e.jobs, req)
	if err != nil {
		return startResult{}, err
	}

	id := runID{kind, req.UserID, job.JobID}
	run, inserted := e.runs.InsertUnless(id, func(r *Run) bool { return !r.Terminal() }, func() *Run {
		return newRun(id, e.cfg.SinkBufferSize, e.now)
	})
	if !inserted {
		return startResult{run: run, joined: true}, nil
	}
	log := e.runLogger(run)

	state, err := e.manager.Get(ctx, kind, run.key)
	if err != nil {
		e.abandon(run, domain.ErrTemporarilyUnavailable)
		return startResult{}, fmt.Errorf("failed to read run state: %w: %v", domain.ErrTemporarilyUnavailable, err)
	}
	if state != nil && (state.Status == domain.RunStatusRunning || state.Status == domain.RunStatusCancelled) {
		if state.Status == domain.RunStatusRunning &&
			state.OwnerInstanceID != e.manager.InstanceID() &&
			e.now().Sub(state.LastActivityAt) < e.cfg.OrphanThreshold {
			e.abandon(run, domain.ErrRunActiveElsewhere)
			return startResult{}, domain.ErrRunActiveElsewhere
		}
		if state.ResponseID != "" {
			log.WithField("response_id", state.ResponseID).Info("adopting interrupted run")
			e.adopt(ctx, run, def, state)
			return startResult{run: run, joined: true}, nil
		}
		e.reconcile(ctx, def, state)
	}

	if _, err := e.manager.Register(ctx, &domain.RunState{
		Kind:   kind,
		RunKey: run.key,
		UserID: req.UserID,
		JobID:  job.JobID,
		Status: domain.RunStatusRunning,
		Meta:   domain.RunMeta{domain.MetaPhase: string(domain.PhaseCharging)},
	}); err != nil {
		e.abandon(run, err)
		return startResult{}, err
	}

	run.setPhase(domain.PhaseCharging)
	balance, err := e.ledger.Deduct(context.WithoutCancel(ctx), req.UserID, def.Cost())
	if err != nil {
		e.manager.Clear(ctx, kind, run.key)
		e.abandon(run, err)
		if errors.Is(err, domain.ErrInsufficientCredits) {
			e.metrics.Charge(string(kind), "insufficient")
			return startResult{}, err
		}
		e.metrics.Charge(string(kind), "failed")
		return startResult{}, fmt.Errorf("failed to charge credits: %w", err)
	}
	e.metrics.Charge(string(kind), "ok")
	run.setCharge(def.Cost(), &balance)
	e.manager.Touch(ctx, kind, run.key, domain.RunPatch{Meta: domain.RunMeta{
		domain.MetaCharged:          true,
		domain.MetaChargeAmount:     def.Cost(),
		domain.MetaRemainingCredits: balance,
		domain.MetaPhase:            string(domain.PhaseStreaming),
	}})
	e.writeJobBestEffort(run, def.RunningPatch(job.JobID))

	run.emit(domain.ClientMessage{
		Type:             domain.MessageTypeStatus,
		Event:            domain.StatusEventStarted,
		Message:          "Started",
		RemainingCredits: run.remainingCredits(),
	})
	e.metrics.Event(string(kind), string(domain.MessageTypeStatus))
	log.WithFields(logrus.Fields{"cost": def.Cost(), "remaining_credits": balance}).Info("run started")

	e.launch(run, def, params, originStart)
	return startResult{run: run}, nil
}

// adopt continues a run another process started, by response id, without
// charging again.
func (e *Engine) adopt(ctx context.Context, run *Run, def Kind, state *domain.RunState) {
	run.setResponseID(state.ResponseID)
	run.seedSeq(state.LastSeq())
	if state.Charged() {
		amount, ok := state.Meta.Float(domain.MetaChargeAmount)
		if !ok {
			amount = def.Cost()
		}
		var remaining *float64
		if v, ok := state.Meta.Float(domain.MetaRemainingCredits); ok {
			remaining = &v
		}
		run.setCharge(amount, remaining)
	}
	run.setPhase(domain.PhaseResuming)

	e.manager.Touch(ctx, def.Kind(), run.key, domain.RunPatch{
		Status:          domain.StatusPtr(domain.RunStatusRunning),
		OwnerInstanceID: domain.StrPtr(e.manager.InstanceID()),
		Meta:            domain.RunMeta{domain.MetaPhase: string(domain.PhaseResuming)},
	})
	run.emit(domain.ClientMessage{
		Type:             domain.MessageTypeStatus,
		Event:            domain.StatusEventRecovered,
		Message:          "Reconnecting to your job",
		RemainingCredits: run.remainingCredits(),
	})
	e.metrics.Event(string(def.Kind()), string(domain.MessageTypeStatus))
	e.metrics.Orphan(string(def.Kind()), "adopted")
	e.launch(run, def, nil, originAdopted)
}

// reconcile settles a record that cannot be resumed: it refunds a charge
// that was never refunded, marks the job failed and drops the record.
func (e *Engine) reconcile(ctx context.Context, def Kind, state *domain.RunState) {
	log := e.log.WithFields(logrus.Fields{
		"kind":     state.Kind,
		"run_key":  state.RunKey,
		"owner":    state.OwnerInstanceID,
		"status":   state.Status,
		"inactive": e.now().Sub(state.LastActivityAt).String(),
	})
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestTimeout)
	defer cancel()

	if state.Charged() && !state.Meta.Bool(domain.MetaRefunded) {
		amount, ok := state.Meta.Float(domain.MetaChargeAmount)
		if !ok {
			amount = def.Cost()
		}
		if _, err := e.ledger.Credit(ctx, state.UserID, amount); err != nil {
			e.metrics.Refund(string(state.Kind), "failed")
			log.WithError(err).WithField("amount", amount).Error("failed to refund orphaned run")
		} else {
			e.metrics.Refund(string(state.Kind), "ok")
			log.WithField("amount", amount).Info("refunded orphaned run")
		}
	}
	if err := writeJob(ctx, e.jobs, state.UserID, def.ErrorPatch(state.JobID)); err != nil {
		log.WithError(err).Warn("failed to mark orphaned job as failed")
	}
	e.manager.Clear(ctx, state.Kind, state.RunKey)
	e.metrics.Orphan(string(state.Kind), "reconciled")
	log.Info("reconciled orphaned run")
}

// abandon releases a reservation that never launched.
func (e *Engine) abandon(run *Run, cause error) {
	if run.finish(domain.RunStatusError, domain.PhaseError) {
		run.emit(domain.ClientMessage{Type: domain.MessageTypeError, Error: userMessage(cause, false)})
	}
	run.sink.Complete()
	run.cancel()
	close(run.done)
	e.runs.DeleteIf(run.id, func(r *Run) bool { return r == run })
}

func (e *Engine) launch(run *Run, def Kind, params *provider.Params, origin string) {
	e.metrics.RunStarted(string(def.Kind()), origin)
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		e.drive(run, def, params)
	}()
}

// scheduleCleanup drops the finished run from the registry after the grace
// period so late subscribers still receive its terminal message.
func (e *Engine) scheduleCleanup(run *Run) {
	run.setCleanup(time.AfterFunc(e.cfg.CleanupGrace, func() {
		e.runs.DeleteIf(run.id, func(r *Run) bool { return r == run })
		if run.Status() != domain.RunStatusCancelled && run.markCleared() {
			e.manager.Clear(context.Background(), run.Kind(), run.key)
		}
	}))
}

// evict drops a terminal run from the registry ahead of its cleanup timer.
func (e *Engine) evict(run *Run) {
	run.setCleanup(nil)
	e.runs.DeleteIf(run.id, func(r *Run) bool { return r == run })
}

func (e *Engine) writeJobBestEffort(run *Run, patch domain.JobPatch) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if err := writeJob(ctx, e.jobs, run.UserID(), patch); err != nil {
		e.runLogger(run).WithError(err).Warn("failed to update job")
	}
}

func (e *Engine) runLogger(run *Run) *logrus.Entry {
	return e.log.WithFields(logrus.Fields{
		"kind":    run.Kind(),
		"run_key": run.key,
	})
}

// Lookup returns the in-memory run for the job. An empty jobID selects the
// user's active job.
func (e *Engine) Lookup(ctx context.Context, kind domain.RunKind, userID, jobID string) (*Run, error) {
	jobID, err := e.resolveJobID(ctx, kind, userID, jobID)
	if err != nil {
		return nil, err
	}
	run, ok := e.runs.Get(runID{kind, userID, jobID})
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

// Status describes the run from the local registry and the durable store.
func (e *Engine) Status(ctx context.Context, kind domain.RunKind, userID, jobID string) (*domain.RunStatusView, error) {
	jobID, err := e.resolveJobID(ctx, kind, userID, jobID)
	if err != nil {
		return nil, err
	}
	runKey := domain.RunKey(userID, jobID)
	state, err := e.manager.Get(ctx, kind, runKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var view domain.RunStatusView
	if run, ok := e.runs.Get(runID{kind, userID, jobID}); ok {
		view = run.view()
	} else if state != nil {
		view = domain.RunStatusView{
			RunKey: state.RunKey,
			Kind:   state.Kind,
			Status: state.Status,
			Phase:  domain.Phase(state.Meta.String(domain.MetaPhase)),
		}
	} else {
		return nil, domain.ErrRunNotFound
	}
	view.Durable = state
	return &view, nil
}

func (e *Engine) resolveJobID(ctx context.Context, kind domain.RunKind, userID, jobID string) (string, error) {
	if _, ok := e.kinds[kind]; !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
	}
	if jobID != "" {
		return jobID, nil
	}
	job, err := e.jobs.GetActive(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load active job: %w", err)
	}
	if job == nil {
		return "", domain.ErrRunNotFound
	}
	return job.JobID, nil
}

// Runs lists the in-memory runs.
func (e *Engine) Runs() []*Run {
	return e.runs.List()
}

// InstanceID identifies this process as the owner of durable records.
func (e *Engine) InstanceID() string {
	return e.manager.InstanceID()
}

// Records lists the durable run records of every instance.
func (e *Engine) Records(ctx context.Context) ([]domain.RunState, error) {
	return e.manager.ListAll(ctx)
}

// Balance returns the user's credits.
func (e *Engine) Balance(ctx context.Context, userID string) (float64, error) {
	return e.ledger.Balance(ctx, userID)
}

// Wait blocks until every run task has returned or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
