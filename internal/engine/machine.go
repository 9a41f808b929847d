package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/runner/internal/adapter/provider"
	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/faults"
	"github.com/xiaot623/gogo/runner/internal/runmanager"
	"github.com/xiaot623/gogo/runner/internal/watchdog"
)

// machine is the background task of one run.
type machine struct {
	e      *Engine
	run    *Run
	def    Kind
	params *provider.Params
	hb     *runmanager.Heartbeat
	quiet  *quietTimer
	log    *logrus.Entry
	cursor int64
	text   strings.Builder
}

func (e *Engine) drive(run *Run, def Kind, params *provider.Params) {
	defer close(run.done)

	m := &machine{
		e:      e,
		run:    run,
		def:    def,
		params: params,
		hb:     e.manager.Heartbeat(def.Kind(), run.key),
		log:    e.runLogger(run),
	}
	m.quiet = startQuietTimer(e.cfg.QuietPeriod, m.reassure)
	defer m.quiet.Stop()

	resp, err := m.execute(run.ctx)
	switch {
	case err == nil:
		m.complete(resp)
	case run.cancelRequested():
		m.cancelled()
	default:
		m.fail(err)
	}
	e.scheduleCleanup(run)
}

// emit publishes msg and restarts the quiet period.
func (m *machine) emit(msg domain.ClientMessage) {
	m.run.emit(msg)
	m.e.metrics.Event(string(m.run.Kind()), string(msg.Type))
	if msg.Event != domain.StatusEventQuiet {
		m.quiet.Touch()
	}
}

func (m *machine) reassure() {
	if m.run.Terminal() {
		return
	}
	m.emit(domain.ClientMessage{
		Type:    domain.MessageTypeStatus,
		Event:   domain.StatusEventQuiet,
		Message: m.e.status.Next(m.run.Kind(), m.run.Phase()),
	})
}

func (m *machine) setPhase(ctx context.Context, phase domain.Phase) {
	m.run.setPhase(phase)
	m.hb.Patch(ctx, domain.RunPatch{Meta: domain.RunMeta{
		domain.MetaPhase:   string(phase),
		domain.MetaLastSeq: m.run.Sequence(),
	}})
}

// progress is the heartbeat patch carrying the last emitted seq, so an
// adopting instance continues numbering where this one stopped.
func (m *machine) progress() domain.RunPatch {
	return domain.RunPatch{Meta: domain.RunMeta{domain.MetaLastSeq: m.run.Sequence()}}
}

// execute runs the stream until the provider completes, then returns the
// final response. Interrupted streams are resumed by response id; when
// resuming is not possible or keeps failing it falls back to polling.
func (m *machine) execute(ctx context.Context) (*provider.Response, error) {
	var stream provider.Stream
	if m.run.ResponseID() == "" {
		m.run.setPhase(domain.PhaseStreaming)
		s, err := m.e.provider.Open(ctx, m.params)
		if err != nil {
			return nil, fmt.Errorf("failed to open stream: %w", err)
		}
		stream = s
	}

	attempts := 0
	for {
		if stream != nil {
			resp, progressed, err := m.consume(ctx, stream)
			if err == nil {
				return resp, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, domain.ErrProviderFailed) {
				return nil, err
			}
			if progressed {
				attempts = 0
			}
			phase := faults.PhaseStream
			if attempts > 0 {
				phase = faults.PhaseResume
			}
			switch m.classify(ctx, err, phase) {
			case faults.DecisionFatal:
				return nil, err
			case faults.DecisionPoll:
				return m.poll(ctx)
			}
			if m.run.ResponseID() == "" {
				return nil, fmt.Errorf("%w: %w", domain.ErrUnrecoverableStream, err)
			}
			m.log.WithError(err).WithField("cursor", m.cursor).Warn("provider stream interrupted")
			stream = nil
		}

		if !provider.SupportsResume(m.e.provider) {
			return m.poll(ctx)
		}
		attempts++
		if attempts > m.e.cfg.ResumeMaxAttempts {
			m.log.WithField("attempts", attempts-1).Warn("resume attempts exhausted")
			return m.poll(ctx)
		}

		m.setPhase(ctx, domain.PhaseResuming)
		m.emit(domain.ClientMessage{
			Type:    domain.MessageTypeStatus,
			Event:   domain.StatusEventResumeAttempt,
			Message: "Connection interrupted, reconnecting",
			Data:    map[string]any{"attempt": attempts, "max_attempts": m.e.cfg.ResumeMaxAttempts},
		})
		if err := sleep(ctx, backoffDelay(attempts, m.e.cfg.ResumeBaseDelay, m.e.cfg.ResumeMaxDelay)); err != nil {
			return nil, err
		}

		s, err := m.e.provider.Resume(ctx, m.run.ResponseID(), m.cursor)
		if err != nil {
			m.e.metrics.ResumeAttempt(string(m.run.Kind()), "failed")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			switch m.classify(ctx, err, faults.PhaseResume) {
			case faults.DecisionFatal:
				return nil, err
			case faults.DecisionPoll:
				return m.poll(ctx)
			}
			m.log.WithError(err).WithField("attempt", attempts).Warn("failed to resume stream")
			continue
		}
		m.e.metrics.ResumeAttempt(string(m.run.Kind()), "ok")
		m.setPhase(ctx, domain.PhaseStreaming)
		stream = s
	}
}

// consume reads stream under the inactivity watchdog until a terminal
// event. progressed reports whether any new event arrived.
func (m *machine) consume(ctx context.Context, stream provider.Stream) (resp *provider.Response, progressed bool, err error) {
	wd := watchdog.Watch[provider.Event](stream, m.e.cfg.StreamInactivity, func() {
		m.e.metrics.WatchdogTimeout(string(m.run.Kind()))
		m.log.WithField("timeout", m.e.cfg.StreamInactivity.String()).Warn("provider stream inactive, abandoning it")
	})
	defer wd.Close()

	for {
		evt, err := wd.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: %w", domain.ErrUnrecoverableStream, err)
			}
			return nil, progressed, err
		}
		if evt.SequenceNumber > 0 {
			if evt.SequenceNumber <= m.cursor {
				continue
			}
			m.cursor = evt.SequenceNumber
		}
		progressed = true
		m.hb.Beat(ctx, m.progress())
		if resp, done, err := m.handle(ctx, evt); done {
			return resp, progressed, err
		}
	}
}

// handle applies one event. done is set on a terminal event.
func (m *machine) handle(ctx context.Context, evt provider.Event) (resp *provider.Response, done bool, err error) {
	if id := evt.ResponseID(); id != "" && m.run.setResponseID(id) {
		m.hb.Patch(ctx, domain.RunPatch{ResponseID: &id})
		m.e.writeJobBestEffort(m.run, m.def.ResponsePatch(m.run.JobID(), id))
		m.log.WithField("response_id", id).Info("provider response created")
	}

	switch evt.Type {
	case provider.EventCreated, provider.EventInProgress:
		m.emit(domain.ClientMessage{Type: domain.MessageTypeEvent, Event: string(evt.Type)})
	case provider.EventOutputTextDelta:
		m.text.WriteString(evt.Delta)
		m.emit(domain.ClientMessage{Type: domain.MessageTypeDelta, Text: evt.Delta})
	case provider.EventReasoningDelta:
		m.log.WithField("seq", evt.SequenceNumber).Debug("reasoning delta")
	case provider.EventToolCall:
		m.emit(domain.ClientMessage{
			Type:  domain.MessageTypeEvent,
			Event: string(evt.Type),
			Data:  map[string]any{"tool": evt.Tool, "status": evt.Status},
		})
	case provider.EventCompleted:
		resp = evt.Response
		if resp == nil {
			resp = &provider.Response{ID: m.run.ResponseID(), Status: provider.StatusCompleted}
		}
		return resp, true, nil
	case provider.EventFailed, provider.EventIncomplete:
		reason := string(evt.Type)
		if evt.Response != nil {
			reason = evt.Response.FailureReason()
		}
		return nil, true, fmt.Errorf("%w: %s", domain.ErrProviderFailed, reason)
	}
	return nil, false, nil
}

// poll waits for the provider to finish the response in the background.
func (m *machine) poll(ctx context.Context) (*provider.Response, error) {
	id := m.run.ResponseID()
	if id == "" {
		return nil, fmt.Errorf("%w: no response id to poll", domain.ErrUnrecoverableStream)
	}
	m.setPhase(ctx, domain.PhaseBackgroundPolling)
	m.emit(domain.ClientMessage{
		Type:    domain.MessageTypeStatus,
		Event:   domain.StatusEventPolling,
		Message: "Still working in the background, we'll pick up the result when it is ready",
	})
	m.log.WithField("response_id", id).Info("falling back to background polling")

	deadline := time.NewTimer(m.e.cfg.PollTimeout)
	defer deadline.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, m.e.cfg.RequestTimeout)
		resp, err := m.e.provider.Retrieve(rctx, id)
		cancel()
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if m.classify(ctx, err, faults.PhasePoll) == faults.DecisionFatal {
				return nil, err
			}
			m.log.WithError(err).Warn("failed to poll response")
		case resp.Status == provider.StatusCompleted:
			return resp, nil
		case resp.Status.IsTerminal():
			return nil, fmt.Errorf("%w: %s", domain.ErrProviderFailed, resp.FailureReason())
		default:
			m.hb.Beat(ctx, m.progress())
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s", domain.ErrPollTimeout, m.e.cfg.PollTimeout)
		case <-time.After(m.e.cfg.PollInterval):
		}
	}
}

func (m *machine) classify(ctx context.Context, err error, phase faults.Phase) faults.Decision {
	code, msg := faults.Describe(err)
	d := m.e.classifier.Classify(ctx, faults.Fault{
		Code:          code,
		Message:       msg,
		Phase:         phase,
		HasResponseID: m.run.ResponseID() != "",
	})
	m.log.WithFields(logrus.Fields{
		"code":     code,
		"phase":    phase,
		"decision": d,
	}).Debug("classified stream fault")
	return d
}

func (m *machine) complete(resp *provider.Response) {
	m.run.setPhase(domain.PhaseFinalizing)
	text := resp.OutputText
	if text == "" {
		text = m.text.String()
	}
	res, err := m.def.ParseResult(text)
	if err != nil {
		m.fail(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.e.cfg.RequestTimeout)
	defer cancel()
	if err := writeJob(ctx, m.e.jobs, m.run.UserID(), m.def.CompletedPatch(m.run.JobID(), res)); err != nil {
		m.fail(fmt.Errorf("failed to save result: %w", err))
		return
	}
	if !m.run.finish(domain.RunStatusCompleted, domain.PhaseCompleted) {
		return
	}

	m.emit(domain.ClientMessage{
		Type:             domain.MessageTypeComplete,
		Content:          res.Content,
		Subject:          res.Subject,
		RemainingCredits: m.run.remainingCredits(),
	})
	m.run.sink.Complete()
	if m.run.markCleared() {
		m.e.manager.Clear(ctx, m.run.Kind(), m.run.key)
	}
	m.e.metrics.RunFinished(string(m.run.Kind()), string(domain.RunStatusCompleted))
	m.log.WithFields(logrus.Fields{
		"duration":    m.e.now().Sub(m.run.startedAt).String(),
		"response_id": m.run.ResponseID(),
		"chars":       len(res.Content),
	}).Info("run completed")
}

func (m *machine) fail(cause error) {
	if !m.run.finish(domain.RunStatusError, domain.PhaseError) {
		return
	}
	refunded := m.e.refund(m.run)

	ctx, cancel := context.WithTimeout(context.Background(), m.e.cfg.RequestTimeout)
	defer cancel()
	if err := writeJob(ctx, m.e.jobs, m.run.UserID(), m.def.ErrorPatch(m.run.JobID())); err != nil {
		m.log.WithError(err).Warn("failed to mark job as failed")
	}

	m.emit(domain.ClientMessage{
		Type:             domain.MessageTypeError,
		Error:            userMessage(cause, refunded),
		RemainingCredits: m.run.remainingCredits(),
	})
	m.run.sink.Complete()
	if m.run.markCleared() {
		m.e.manager.Clear(ctx, m.run.Kind(), m.run.key)
	}
	m.e.metrics.RunFinished(string(m.run.Kind()), string(domain.RunStatusError))
	m.log.WithError(cause).WithFields(logrus.Fields{
		"duration":    m.e.now().Sub(m.run.startedAt).String(),
		"response_id": m.run.ResponseID(),
		"cursor":      m.cursor,
		"refunded":    refunded,
	}).Error("run failed")
}

// cancelled ends a run stopped by shutdown. The durable record stays so
// another instance can adopt the run; nothing is refunded.
func (m *machine) cancelled() {
	if !m.run.finish(domain.RunStatusCancelled, domain.PhaseCancelled) {
		return
	}
	m.emit(domain.ClientMessage{
		Type:    domain.MessageTypeStatus,
		Event:   domain.StatusEventCancelled,
		Message: "The service is restarting, your job will continue automatically",
	})
	m.run.sink.Complete()

	ctx, cancel := context.WithTimeout(context.Background(), m.e.cfg.RequestTimeout)
	defer cancel()
	m.hb.Patch(ctx, m.progress())
	m.e.metrics.RunFinished(string(m.run.Kind()), string(domain.RunStatusCancelled))
	m.log.WithField("response_id", m.run.ResponseID()).Info("run cancelled for shutdown")
}

// refund returns the charge of a failed run at most once.
func (e *Engine) refund(run *Run) bool {
	amount, ok := run.takeRefund()
	if !ok {
		return false
	}
	log := e.runLogger(run).WithField("amount", amount)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	balance, err := e.ledger.Credit(ctx, run.UserID(), amount)
	if err != nil {
		e.metrics.Refund(string(run.Kind()), "failed")
		log.WithError(err).Error("failed to refund credits")
		return false
	}
	run.setRemaining(balance)
	e.manager.Touch(ctx, run.Kind(), run.key, domain.RunPatch{Meta: domain.RunMeta{
		domain.MetaRefunded:         true,
		domain.MetaRemainingCredits: balance,
	}})
	e.metrics.Refund(string(run.Kind()), "ok")
	log.WithField("remaining_credits", balance).Info("refunded credits")
	return true
}

// userMessage is the short text shown to the user for a failure.
func userMessage(err error, refunded bool) string {
	var msg string
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "You don't have enough credits for this."
	case errors.Is(err, domain.ErrRunActiveElsewhere):
		return "This job is already running, please try again shortly."
	case errors.Is(err, domain.ErrTemporarilyUnavailable):
		return "The service is temporarily unavailable, please try again."
	case errors.Is(err, domain.ErrProviderFailed):
		msg = "The generator could not finish this job."
	case errors.Is(err, domain.ErrResultInvalid):
		msg = "The generated result was unusable."
	case errors.Is(err, domain.ErrPollTimeout):
		msg = "The job took too long to finish."
	default:
		msg = "The connection to the generator was lost."
	}
	if refunded {
		msg += " Your credits have been refunded."
	}
	return msg + " Please try again."
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
