package domain

import "time"

// Job is the user-facing job that research and letter runs write into.
type Job struct {
	JobID              string    `json:"job_id"`
	UserID             string    `json:"user_id"`
	Active             bool      `json:"active"`
	Topic              string    `json:"topic,omitempty"`
	MPName             string    `json:"mp_name,omitempty"`
	Constituency       string    `json:"constituency,omitempty"`
	ResearchStatus     JobStatus `json:"research_status"`
	ResearchContent    string    `json:"research_content,omitempty"`
	ResearchResponseID string    `json:"research_response_id,omitempty"`
	LetterStatus       JobStatus `json:"letter_status"`
	LetterSubject      string    `json:"letter_subject,omitempty"`
	LetterContent      string    `json:"letter_content,omitempty"`
	LetterResponseID   string    `json:"letter_response_id,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// JobPatch carries the fields a flow owns. Nil fields are not written.
// An empty JobID targets the user's active job, creating one if needed.
type JobPatch struct {
	JobID              string
	Topic              *string
	MPName             *string
	Constituency       *string
	ResearchStatus     *JobStatus
	ResearchContent    *string
	ResearchResponseID *string
	LetterStatus       *JobStatus
	LetterSubject      *string
	LetterContent      *string
	LetterResponseID   *string
}

// StartRequest is the request to start or join a run.
type StartRequest struct {
	UserID       string `json:"user_id"`
	JobID        string `json:"job_id,omitempty"`
	Topic        string `json:"topic,omitempty"`
	MPName       string `json:"mp_name,omitempty"`
	Constituency string `json:"constituency,omitempty"`
	Tone         string `json:"tone,omitempty"`
}

// StartResponse is returned when a run is started or joined.
type StartResponse struct {
	RunKey string    `json:"run_key"`
	Kind   RunKind   `json:"kind"`
	UserID string    `json:"user_id"`
	JobID  string    `json:"job_id"`
	Status RunStatus `json:"status"`
	Phase  Phase     `json:"phase"`
	Joined bool      `json:"joined"`
}

// RunStatusView describes a run for status queries.
type RunStatusView struct {
	RunKey   string    `json:"run_key"`
	Kind     RunKind   `json:"kind"`
	Status   RunStatus `json:"status"`
	Phase    Phase     `json:"phase,omitempty"`
	Sequence int64     `json:"seq"`
	Local    bool      `json:"local"`
	Durable  *RunState `json:"durable,omitempty"`
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string {
	return &s
}

// JobStatusPtr returns a pointer to s.
func JobStatusPtr(s JobStatus) *JobStatus {
	return &s
}
