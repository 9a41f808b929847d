// Package runmanager wraps the durable run state store with the runner's
// resilience policy: register failures are fatal to the caller, while
// touch and clear failures are logged and never abort a live run.
package runmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/metrics"
	"github.com/xiaot623/gogo/runner/internal/repository"
)

// DefaultHeartbeatInterval is the minimum spacing of throttled touches.
const DefaultHeartbeatInterval = time.Second

// storeTimeout bounds every best-effort store call.
const storeTimeout = 5 * time.Second

// Manager is the Run Manager.
type Manager struct {
	store      repository.RunStateStore
	instanceID string
	interval   time.Duration
	log        *logrus.Entry
	metrics    *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeartbeatInterval sets the heartbeat throttle interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMetrics records store failures.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a Manager owning records as instanceID.
func New(store repository.RunStateStore, instanceID string, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		instanceID: instanceID,
		interval:   DefaultHeartbeatInterval,
		log:        logger.WithField("component", "runmanager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InstanceID returns the owner id written on records registered here.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Register creates the durable record. Any failure is returned wrapped in
// domain.ErrTemporarilyUnavailable: the caller must not proceed without it.
func (m *Manager) Register(ctx context.Context, state *domain.RunState) (*domain.RunState, error) {
	if state.OwnerInstanceID == "" {
		state.OwnerInstanceID = m.instanceID
	}
	out, err := m.store.Register(ctx, state)
	if err != nil {
		m.metrics.StoreError("register")
		m.log.WithError(err).WithFields(logrus.Fields{
			"kind":    state.Kind,
			"run_key": state.RunKey,
		}).Error("failed to register run state")
		return nil, fmt.Errorf("failed to register run state: %w: %v", domain.ErrTemporarilyUnavailable, err)
	}
	return out, nil
}

// Touch merges patch and refreshes liveness. Failures are logged and
// swallowed; a nil result means the record is absent or the write failed.
func (m *Manager) Touch(ctx context.Context, kind domain.RunKind, runKey string, patch domain.RunPatch) *domain.RunState {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	out, err := m.store.Update(ctx, kind, runKey, patch)
	if err != nil {
		m.metrics.StoreError("touch")
		m.log.WithError(err).WithFields(logrus.Fields{
			"kind":    kind,
			"run_key": runKey,
		}).Warn("failed to touch run state")
		return nil
	}
	return out
}

// Clear removes the durable record, best effort.
func (m *Manager) Clear(ctx context.Context, kind domain.RunKind, runKey string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := m.store.Remove(ctx, kind, runKey); err != nil {
		m.metrics.StoreError("clear")
		m.log.WithError(err).WithFields(logrus.Fields{
			"kind":    kind,
			"run_key": runKey,
		}).Warn("failed to clear run state")
	}
}

func (m *Manager) Get(ctx context.Context, kind domain.RunKind, runKey string) (*domain.RunState, error) {
	return m.store.Get(ctx, kind, runKey)
}

// FindStale returns running records whose liveness is older than maxAge.
func (m *Manager) FindStale(ctx context.Context, maxAge time.Duration) ([]domain.RunState, error) {
	return m.store.FindStale(ctx, maxAge)
}

func (m *Manager) ListAll(ctx context.Context) ([]domain.RunState, error) {
	return m.store.ListAll(ctx)
}

// PurgeExpired drops records past their TTL, best effort.
func (m *Manager) PurgeExpired(ctx context.Context) int {
	n, err := m.store.PurgeExpired(ctx)
	if err != nil {
		m.metrics.StoreError("purge")
		m.log.WithError(err).Warn("failed to purge expired run states")
		return 0
	}
	if n > 0 {
		m.log.WithField("count", n).Info("purged expired run states")
	}
	return n
}

// Heartbeat returns the heartbeat for one run.
func (m *Manager) Heartbeat(kind domain.RunKind, runKey string) *Heartbeat {
	return &Heartbeat{
		manager: m,
		kind:    kind,
		runKey:  runKey,
		limiter: rate.Sometimes{Interval: m.interval},
	}
}

// Heartbeat keeps one run's durable record fresh.
type Heartbeat struct {
	manager *Manager
	kind    domain.RunKind
	runKey  string
	limiter rate.Sometimes
}

// Beat touches the record at most once per interval. The patch is only
// written when the touch fires.
func (h *Heartbeat) Beat(ctx context.Context, patch domain.RunPatch) {
	h.limiter.Do(func() {
		h.manager.Touch(ctx, h.kind, h.runKey, patch)
	})
}

// Patch writes a state-significant update immediately, bypassing the throttle.
func (h *Heartbeat) Patch(ctx context.Context, patch domain.RunPatch) *domain.RunState {
	return h.manager.Touch(ctx, h.kind, h.runKey, patch)
}
