package engine

import (
	"context"
	"sync"
	"time"

	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/sink"
)

// runID is the registry key of an in-memory run.
type runID struct {
	kind   domain.RunKind
	userID string
	jobID  string
}

// Run is one execution of a job driven by this process. It is the handle
// returned to callers: subscribers attach to it and it outlives its
// subscribers until a grace period after reaching a terminal status.
type Run struct {
	id        runID
	key       string
	startedAt time.Time
	sink      *sink.Sink[domain.ClientMessage]
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	status       domain.RunStatus
	phase        domain.Phase
	responseID   string
	seq          int64
	charged      bool
	chargeAmount float64
	remaining    *float64
	refunded     bool
	cleared      bool
	cancelled    bool
	finishedAt   time.Time
	cleanup      *time.Timer
}

func newRun(id runID, capacity int, now func() time.Time) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		id:        id,
		key:       domain.RunKey(id.userID, id.jobID),
		startedAt: now(),
		sink:      sink.New[domain.ClientMessage](capacity),
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    domain.RunStatusRunning,
		phase:     domain.PhaseInitializing,
	}
}

func (r *Run) Kind() domain.RunKind { return r.id.kind }
func (r *Run) Key() string { return r.key }
func (r *Run) UserID() string { return r.id.userID }
func (r *Run) JobID() string { return r.id.jobID }
func (r *Run) StartedAt() time.Time { return r.startedAt }

// Done is closed when the run's background task has returned.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) Status() domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) Phase() domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Sequence returns the seq of the last emitted message.
func (r *Run) Sequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

func (r *Run) ResponseID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responseID
}

// Terminal reports whether the run reached completed, error or cancelled.
func (r *Run) Terminal() bool {
	return r.Status().IsTerminal()
}

// Subscribe replays buffered messages and then follows the live feed.
// Cancelling the subscription never affects the run.
func (r *Run) Subscribe(onEvent func(domain.ClientMessage), onComplete func()) func() {
	return r.sink.Subscribe(onEvent, onComplete)
}

// SubscribeChan is Subscribe over a channel closed at the end of the feed.
func (r *Run) SubscribeChan(buffer int) (<-chan domain.ClientMessage, func()) {
	return r.sink.SubscribeChan(buffer)
}

// History returns the buffered messages.
func (r *Run) History() []domain.ClientMessage {
	return r.sink.History()
}

// emit stamps msg with the next seq and publishes it. Stamping and
// publishing happen under one lock so subscribers observe seq order.
func (r *Run) emit(msg domain.ClientMessage) domain.ClientMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink.Completed() {
		return msg
	}
	r.seq++
	msg.Seq = r.seq
	msg.Ts = r.now().UnixMilli()
	msg.RunKey = r.key
	r.sink.Publish(msg)
	return msg
}

// seedSeq continues numbering after a seq persisted by a previous owner.
func (r *Run) seedSeq(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.seq {
		r.seq = n
	}
}

func (r *Run) setPhase(p domain.Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *Run) setResponseID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" || id == r.responseID {
		return false
	}
	r.responseID = id
	return true
}

func (r *Run) setCharge(amount float64, remaining *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charged = true
	r.chargeAmount = amount
	r.remaining = remaining
}

func (r *Run) remainingCredits() *float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remaining == nil {
		return nil
	}
	v := *r.remaining
	return &v
}

func (r *Run) setRemaining(balance float64) {
	r.mu.Lock()
	r.remaining = &balance
	r.mu.Unlock()
}

// takeRefund returns the amount to refund the first time it is called on a
// charged run, and false afterwards.
func (r *Run) takeRefund() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.charged || r.refunded {
		return 0, false
	}
	r.refunded = true
	return r.chargeAmount, true
}

// requestCancel marks the run cancelled and stops its task cooperatively.
// It returns false if the run already finished.
func (r *Run) requestCancel() bool {
	r.mu.Lock()
	if r.status.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
	return true
}

func (r *Run) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// finish moves the run to a terminal status exactly once.
func (r *Run) finish(status domain.RunStatus, phase domain.Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return false
	}
	r.status = status
	r.phase = phase
	r.finishedAt = r.now()
	return true
}

// terminalSince reports when the run finished; ok is false while it runs.
func (r *Run) terminalSince() (at time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt, r.status.IsTerminal()
}

func (r *Run) markCleared() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.cleared
	r.cleared = true
	return !was
}

func (r *Run) setCleanup(t *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cleanup != nil {
		r.cleanup.Stop()
	}
	r.cleanup = t
}

// view summarises the run for status queries.
func (r *Run) view() domain.RunStatusView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.RunStatusView{
		RunKey:   r.key,
		Kind:     r.id.kind,
		Status:   r.status,
		Phase:    r.phase,
		Sequence: r.seq,
		Local:    true,
	}
}
