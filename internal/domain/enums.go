// Package domain defines the core domain models for the runner.
package domain

// RunKind identifies which execution engine drives a run.
type RunKind string

const (
	RunKindResearch RunKind = "research"
	RunKindLetter   RunKind = "letter"
)

// Valid reports whether k is a known run kind.
func (k RunKind) Valid() bool {
	return k == RunKindResearch || k == RunKindLetter
}

// RunStatus represents the durable status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusError, RunStatusCancelled:
		return true
	}
	return false
}

// Phase is the engine state of an in-memory run.
type Phase string

const (
	PhaseInitializing      Phase = "initializing"
	PhaseCharging          Phase = "charging"
	PhaseStreaming         Phase = "streaming"
	PhaseResuming          Phase = "resuming"
	PhaseBackgroundPolling Phase = "background_polling"
	PhaseFinalizing        Phase = "finalizing"
	PhaseCompleted         Phase = "completed"
	PhaseError             Phase = "error"
	PhaseCancelled         Phase = "cancelled"
)

// JobStatus is the per-kind status recorded on a job.
type JobStatus string

const (
	JobStatusIdle      JobStatus = "idle"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
)

// MessageType is the type of a message on the client event channel.
type MessageType string

const (
	MessageTypeStatus   MessageType = "status"
	MessageTypeDelta    MessageType = "delta"
	MessageTypeEvent    MessageType = "event"
	MessageTypeComplete MessageType = "complete"
	MessageTypeError    MessageType = "error"
)
