package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/runner/internal/domain"
)

// sweepTimeout bounds one sweep.
const sweepTimeout = 30 * time.Second

// SweepReport summarises one orphan sweep.
type SweepReport struct {
	Purged     int
	Evicted    int
	Adopted    []*Run
	Reconciled int
	Skipped    int
}

// Sweep finds runs left behind by dead or restarted processes. Records
// with a response id are adopted and continue in the background; the rest
// are reconciled: refunded if charged, marked failed and removed.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	e.drainMu.RLock()
	defer e.drainMu.RUnlock()
	if e.draining {
		return &SweepReport{}, nil
	}
	report := &SweepReport{
		Purged:  e.manager.PurgeExpired(ctx),
		Evicted: e.evictFinished(),
	}

	stale, err := e.manager.FindStale(ctx, e.cfg.OrphanThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale runs: %w", err)
	}
	all, err := e.manager.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	candidates := stale
	for _, state := range all {
		if state.Status == domain.RunStatusCancelled {
			candidates = append(candidates, state)
		}
	}

	for i := range candidates {
		state := &candidates[i]
		log := e.log.WithFields(logrus.Fields{
			"kind":    state.Kind,
			"run_key": state.RunKey,
			"owner":   state.OwnerInstanceID,
			"status":  state.Status,
		})
		def, ok := e.kinds[state.Kind]
		if !ok {
			log.Warn("skipping run state of unknown kind")
			report.Skipped++
			continue
		}

		id := runID{state.Kind, state.UserID, state.JobID}
		if run, ok := e.runs.Get(id); ok {
			if !run.Terminal() {
				e.manager.Touch(ctx, state.Kind, state.RunKey, domain.RunPatch{})
				report.Skipped++
				continue
			}
			e.evict(run)
		}

		if state.ResponseID == "" {
			e.reconcile(ctx, def, state)
			report.Reconciled++
			continue
		}
		run, inserted := e.runs.InsertUnless(id, func(r *Run) bool { return !r.Terminal() }, func() *Run {
			return newRun(id, e.cfg.SinkBufferSize, e.now)
		})
		if !inserted {
			report.Skipped++
			continue
		}
		log.WithField("response_id", state.ResponseID).Info("adopting orphaned run")
		e.adopt(ctx, run, def, state)
		report.Adopted = append(report.Adopted, run)
	}
	return report, nil
}

// evictFinished drops runs that have been terminal for longer than the
// cleanup grace period.
func (e *Engine) evictFinished() int {
	evicted := 0
	for _, run := range e.runs.List() {
		at, ok := run.terminalSince()
		if !ok || e.now().Sub(at) < e.cfg.CleanupGrace {
			continue
		}
		e.evict(run)
		if run.Status() != domain.RunStatusCancelled && run.markCleared() {
			e.manager.Clear(context.Background(), run.Kind(), run.key)
		}
		evicted++
	}
	return evicted
}

// RunSweeper sweeps immediately and then on every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	e.log.WithField("interval", interval.String()).Info("starting orphan sweeper")
	e.sweepOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	report, err := e.Sweep(sweepCtx)
	if err != nil {
		e.log.WithError(err).Error("orphan sweep failed")
		return
	}
	if len(report.Adopted) > 0 || report.Reconciled > 0 || report.Purged > 0 || report.Evicted > 0 {
		e.log.WithFields(logrus.Fields{
			"evicted":    report.Evicted,
			"adopted":    len(report.Adopted),
			"reconciled": report.Reconciled,
			"skipped":    report.Skipped,
			"purged":     report.Purged,
		}).Info("orphan sweep finished")
	}
}

// Drain prepares for shutdown: durable records this instance owns are
// marked cancelled so a successor adopts them, and local runs are asked
// to stop. It returns the number of records marked and gives up when ctx
// is done.
func (e *Engine) Drain(ctx context.Context) int {
	e.drainMu.Lock()
	e.draining = true
	e.drainMu.Unlock()

	local := make(map[string]*Run)
	for _, run := range e.runs.List() {
		local[string(run.Kind())+"/"+run.key] = run
	}

	marked := 0
	states, err := e.manager.ListAll(ctx)
	if err != nil {
		e.log.WithError(err).Warn("failed to list run states for drain")
	}
	for _, state := range states {
		if ctx.Err() != nil {
			break
		}
		if state.OwnerInstanceID != e.manager.InstanceID() || state.Status != domain.RunStatusRunning {
			continue
		}
		meta := domain.RunMeta{domain.MetaPhase: string(domain.PhaseCancelled)}
		if run, ok := local[string(state.Kind)+"/"+state.RunKey]; ok {
			meta[domain.MetaLastSeq] = run.Sequence()
		}
		if e.manager.Touch(ctx, state.Kind, state.RunKey, domain.RunPatch{
			Status: domain.StatusPtr(domain.RunStatusCancelled),
			Meta:   meta,
		}) != nil {
			marked++
		}
	}

	stopped := 0
	for _, run := range local {
		if run.requestCancel() {
			stopped++
		}
	}
	e.log.WithFields(logrus.Fields{
		"marked":  marked,
		"stopped": stopped,
	}).Info("drained runs for shutdown")
	return marked
}
