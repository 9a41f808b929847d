// Package repository defines the storage interfaces and their implementations.
package repository

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/runner/internal/domain"
)

// errCorruptRecord marks a stored run record that cannot be decoded.
// Listing operations skip such records instead of failing.
var errCorruptRecord = errors.New("corrupt run record")

// RunStateStore persists run records keyed by (kind, run key).
// Records carry a TTL; expired records are invisible to every read.
type RunStateStore interface {
	// Register creates or replaces the record for (state.Kind, state.RunKey).
	Register(ctx context.Context, state *domain.RunState) (*domain.RunState, error)
	// Update merges patch into the record and refreshes its liveness.
	// It returns nil, nil when no record exists.
	Update(ctx context.Context, kind domain.RunKind, runKey string, patch domain.RunPatch) (*domain.RunState, error)
	// Remove deletes the record. Removing a missing record is not an error.
	Remove(ctx context.Context, kind domain.RunKind, runKey string) error
	Get(ctx context.Context, kind domain.RunKind, runKey string) (*domain.RunState, error)
	// FindStale returns running records whose liveness is older than maxAge.
	FindStale(ctx context.Context, maxAge time.Duration) ([]domain.RunState, error)
	ListAll(ctx context.Context) ([]domain.RunState, error)
	// PurgeExpired deletes records past their TTL and returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}

// Ledger holds user credit balances.
type Ledger interface {
	// Deduct atomically subtracts amount, failing with
	// domain.ErrInsufficientCredits when the balance is too low.
	Deduct(ctx context.Context, userID string, amount float64) (float64, error)
	Credit(ctx context.Context, userID string, amount float64) (float64, error)
	Balance(ctx context.Context, userID string) (float64, error)
}

// JobStore persists the jobs runs write their results into.
type JobStore interface {
	GetActive(ctx context.Context, userID string) (*domain.Job, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	Upsert(ctx context.Context, userID string, patch domain.JobPatch) (*domain.Job, error)
}

// Options configures store constructors.
type Options struct {
	RunStateTTL time.Duration
	Now         func() time.Time
	Logger      *logrus.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithRunStateTTL sets how long a run record survives without a touch.
func WithRunStateTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.RunStateTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// WithLogger sets the logger used to report skipped records.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// DefaultRunStateTTL is used when no TTL is configured.
const DefaultRunStateTTL = 6 * time.Hour

func buildOptions(opts []Option) Options {
	o := Options{RunStateTTL: DefaultRunStateTTL, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	return o
}

// applyPatch merges patch into state in place and refreshes liveness.
func applyPatch(state *domain.RunState, patch domain.RunPatch, now time.Time, ttl time.Duration) {
	if patch.Status != nil {
		state.Status = *patch.Status
	}
	if patch.ResponseID != nil {
		state.ResponseID = *patch.ResponseID
	}
	if patch.OwnerInstanceID != nil {
		state.OwnerInstanceID = *patch.OwnerInstanceID
	}
	if len(patch.Meta) > 0 {
		state.Meta = state.Meta.Merge(patch.Meta)
	}
	state.LastActivityAt = now
	state.ExpiresAt = now.Add(ttl)
}
