// Package metrics defines the prometheus collectors exported by the runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "runner"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RunsStarted      *prometheus.CounterVec
	RunsJoined       *prometheus.CounterVec
	RunsFinished     *prometheus.CounterVec
	ActiveRuns       *prometheus.GaugeVec
	ResumeAttempts   *prometheus.CounterVec
	WatchdogTimeouts *prometheus.CounterVec
	Charges          *prometheus.CounterVec
	Refunds          *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	Orphans          *prometheus.CounterVec
	Events           *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_started_total",
			Help: "Runs started locally, by kind and origin (fresh, adopted).",
		}, []string{"kind", "origin"}),
		RunsJoined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_joined_total",
			Help: "Start requests that joined an existing run.",
		}, []string{"kind"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_finished_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"kind", "status"}),
		ActiveRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_runs",
			Help: "Runs currently driven by this process.",
		}, []string{"kind"}),
		ResumeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resume_attempts_total",
			Help: "Stream resume attempts, by outcome.",
		}, []string{"kind", "outcome"}),
		WatchdogTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "watchdog_timeouts_total",
			Help: "Provider streams abandoned for inactivity.",
		}, []string{"kind"}),
		Charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "charges_total",
			Help: "Ledger deductions, by outcome.",
		}, []string{"kind", "outcome"}),
		Refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refunds_total",
			Help: "Ledger refunds, by outcome.",
		}, []string{"kind", "outcome"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "run_state_store_errors_total",
			Help: "Durable run state operations that failed.",
		}, []string{"op"}),
		Orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orphans_total",
			Help: "Orphaned runs handled by the sweeper, by action.",
		}, []string{"kind", "action"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_events_total",
			Help: "Messages emitted to run subscribers.",
		}, []string{"kind", "type"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RunsStarted, m.RunsJoined, m.RunsFinished, m.ActiveRuns,
			m.ResumeAttempts, m.WatchdogTimeouts, m.Charges, m.Refunds,
			m.StoreErrors, m.Orphans, m.Events,
		)
	}
	return m
}

// NewUnregistered returns collectors that are not exported anywhere.
func NewUnregistered() *Metrics {
	return New(nil)
}

func (m *Metrics) RunStarted(kind, origin string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(kind, origin).Inc()
	m.ActiveRuns.WithLabelValues(kind).Inc()
}

func (m *Metrics) RunJoined(kind string) {
	if m == nil {
		return
	}
	m.RunsJoined.WithLabelValues(kind).Inc()
}

func (m *Metrics) RunFinished(kind, status string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(kind, status).Inc()
	m.ActiveRuns.WithLabelValues(kind).Dec()
}

func (m *Metrics) ResumeAttempt(kind, outcome string) {
	if m == nil {
		return
	}
	m.ResumeAttempts.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) WatchdogTimeout(kind string) {
	if m == nil {
		return
	}
	m.WatchdogTimeouts.WithLabelValues(kind).Inc()
}

func (m *Metrics) Charge(kind, outcome string) {
	if m == nil {
		return
	}
	m.Charges.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Refund(kind, outcome string) {
	if m == nil {
		return
	}
	m.Refunds.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Orphan(kind, action string) {
	if m == nil {
		return
	}
	m.Orphans.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) Event(kind, msgType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind, msgType).Inc()
}
