package provider

import "fmt"

// EventType discriminates stream events.
type EventType string

const (
	EventCreated         EventType = "response.created"
	EventInProgress      EventType = "response.in_progress"
	EventOutputTextDelta EventType = "response.output_text.delta"
	EventReasoningDelta  EventType = "response.reasoning.delta"
	EventToolCall        EventType = "response.tool_call"
	EventCompleted       EventType = "response.completed"
	EventFailed          EventType = "response.failed"
	EventIncomplete      EventType = "response.incomplete"
	EventError           EventType = "error"
)

// IsTerminal reports whether the event ends the generation.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventIncomplete:
		return true
	}
	return false
}

// ResponseStatus is the lifecycle status of a generation.
type ResponseStatus string

const (
	StatusQueued     ResponseStatus = "queued"
	StatusInProgress ResponseStatus = "in_progress"
	StatusCompleted  ResponseStatus = "completed"
	StatusFailed     ResponseStatus = "failed"
	StatusIncomplete ResponseStatus = "incomplete"
	StatusCancelled  ResponseStatus = "cancelled"
)

// IsTerminal reports whether no further output will be produced.
func (s ResponseStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusIncomplete, StatusCancelled:
		return true
	}
	return false
}

// Event is one stream event.
type Event struct {
	Type           EventType `json:"type"`
	SequenceNumber int64     `json:"sequence_number"`
	Delta          string    `json:"delta,omitempty"`
	Tool           string    `json:"tool,omitempty"`
	Status         string    `json:"status,omitempty"`
	Response       *Response `json:"response,omitempty"`
	Code           string    `json:"code,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// ResponseID returns the generation id carried by the event, if any.
func (e Event) ResponseID() string {
	if e.Response != nil {
		return e.Response.ID
	}
	return ""
}

// Response is a generation as returned by Retrieve or carried on
// created/terminal events.
type Response struct {
	ID                string             `json:"id"`
	Status            ResponseStatus     `json:"status"`
	OutputText        string             `json:"output_text,omitempty"`
	Error             *ResponseError     `json:"error,omitempty"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
}

// ResponseError describes why a generation failed.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IncompleteDetails describes why a generation stopped early.
type IncompleteDetails struct {
	Reason string `json:"reason"`
}

// FailureReason summarises a failed or incomplete response.
func (r *Response) FailureReason() string {
	switch {
	case r.Error != nil:
		return fmt.Sprintf("%s: %s", r.Error.Code, r.Error.Message)
	case r.IncompleteDetails != nil:
		return "incomplete: " + r.IncompleteDetails.Reason
	default:
		return string(r.Status)
	}
}

// Params is the request to start a generation.
type Params struct {
	Model        string            `json:"model"`
	Instructions string            `json:"instructions,omitempty"`
	Input        string            `json:"input"`
	Tools        []Tool            `json:"tools,omitempty"`
	Text         *TextOptions      `json:"text,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Background   bool              `json:"background"`
	Stream       bool              `json:"stream"`
}

// Tool enables a provider-side tool such as web search.
type Tool struct {
	Type string `json:"type"`
}

// TextOptions selects the output format.
type TextOptions struct {
	Format TextFormat `json:"format"`
}

// TextFormat is "text" or "json_object".
type TextFormat struct {
	Type string `json:"type"`
}

// APIError is a non-2xx reply from the provider.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// StreamError is an "error" event received on a stream.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error %s: %s", e.Code, e.Message)
}
