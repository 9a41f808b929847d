package domain

// ClientMessage is one message on the client event channel.
// Seq is strictly increasing within a run.
type ClientMessage struct {
	Type             MessageType    `json:"type"`
	Seq              int64          `json:"seq"`
	Ts               int64          `json:"ts"` // Unix milliseconds
	RunKey           string         `json:"run_key"`
	Message          string         `json:"message,omitempty"`
	Text             string         `json:"text,omitempty"`
	Event            string         `json:"event,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	Content          string         `json:"content,omitempty"`
	Subject          string         `json:"subject,omitempty"`
	RemainingCredits *float64       `json:"remaining_credits,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Status event names carried in ClientMessage.Event for status messages.
const (
	StatusEventStarted       = "started"
	StatusEventRecovered     = "recovered"
	StatusEventResumeAttempt = "resume_attempt"
	StatusEventPolling       = "background_polling"
	StatusEventQuiet         = "quiet"
	StatusEventCancelled     = "cancelled"
)
