package domain

import (
	"strings"
	"time"
)

// Well-known keys of RunState.Meta.
const (
	MetaCharged          = "charged"
	MetaChargeAmount     = "charge_amount"
	MetaRemainingCredits = "remaining_credits"
	MetaPhase            = "phase"
	MetaRefunded         = "refunded"
	MetaLastSeq          = "last_seq"
)

// RunState is the durable, cross-process record of a run.
type RunState struct {
	Kind            RunKind   `json:"kind"`
	RunKey          string    `json:"run_key"`
	UserID          string    `json:"user_id"`
	JobID           string    `json:"job_id"`
	Status          RunStatus `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	ResponseID      string    `json:"response_id,omitempty"`
	OwnerInstanceID string    `json:"owner_instance_id"`
	Meta            RunMeta   `json:"meta,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Charged reports whether the ledger was charged for this run.
func (s *RunState) Charged() bool {
	return s.Meta.Bool(MetaCharged)
}

// LastSeq returns the last event sequence number the owner persisted.
func (s *RunState) LastSeq() int64 {
	v, _ := s.Meta.Float(MetaLastSeq)
	return int64(v)
}

// RunPatch is a merge patch applied by touch/update.
// Nil fields are left untouched; Meta keys are merged over existing ones.
type RunPatch struct {
	Status          *RunStatus
	ResponseID      *string
	OwnerInstanceID *string
	Meta            RunMeta
}

// IsEmpty reports whether the patch only refreshes liveness.
func (p RunPatch) IsEmpty() bool {
	return p.Status == nil && p.ResponseID == nil && p.OwnerInstanceID == nil && len(p.Meta) == 0
}

// RunMeta is the open key-value bag stored with a run state.
type RunMeta map[string]any

// Bool returns the boolean stored under key.
func (m RunMeta) Bool(key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}

// Float returns the numeric value stored under key.
// Values read back from JSON are float64; values set in-process may be ints.
func (m RunMeta) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// String returns the string stored under key.
func (m RunMeta) String(key string) string {
	v, _ := m[key].(string)
	return v
}

// Merge returns a copy of m with patch applied over it.
func (m RunMeta) Merge(patch RunMeta) RunMeta {
	out := make(RunMeta, len(m)+len(patch))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// RunKey builds the stable run identity used on the wire.
func RunKey(userID, jobID string) string {
	return userID + ":" + jobID
}

// SplitRunKey reverses RunKey.
func SplitRunKey(runKey string) (userID, jobID string, ok bool) {
	userID, jobID, ok = strings.Cut(runKey, ":")
	if !ok || userID == "" || jobID == "" {
		return "", "", false
	}
	return userID, jobID, true
}

// StatusPtr returns a pointer to s.
func StatusPtr(s RunStatus) *RunStatus {
	return &s
}
