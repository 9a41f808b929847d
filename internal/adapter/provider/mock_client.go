package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// MockClient is a deterministic in-process Provider used in MOCK mode.
type MockClient struct {
	mu        sync.Mutex
	nextID    int
	responses map[string][]Event
	// Delay between streamed events.
	Delay time.Duration
}

// NewMockClient creates a new mock provider.
func NewMockClient() *MockClient {
	return &MockClient{
		responses: make(map[string][]Event),
		Delay:     50 * time.Millisecond,
	}
}

// Ensure MockClient implements Provider interface.
var _ Provider = (*MockClient)(nil)

// Open builds a scripted generation from the request and streams it.
func (m *MockClient) Open(ctx context.Context, params *Params) (Stream, error) {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("mock_resp_%d", m.nextID)
	events := m.script(id, params)
	m.responses[id] = events
	m.mu.Unlock()

	return &sliceStream{events: events, delay: m.Delay}, nil
}

// Resume replays the scripted events after cursor.
func (m *MockClient) Resume(ctx context.Context, responseID string, cursor int64) (Stream, error) {
	m.mu.Lock()
	events, ok := m.responses[responseID]
	m.mu.Unlock()
	if !ok {
		return nil, &APIError{StatusCode: 404, Code: "not_found", Message: "unknown response " + responseID}
	}

	var rest []Event
	for _, evt := range events {
		if evt.SequenceNumber > cursor {
			rest = append(rest, evt)
		}
	}
	return &sliceStream{events: rest, delay: m.Delay}, nil
}

// Retrieve returns the terminal response of a scripted generation.
func (m *MockClient) Retrieve(ctx context.Context, responseID string) (*Response, error) {
	m.mu.Lock()
	events, ok := m.responses[responseID]
	m.mu.Unlock()
	if !ok {
		return nil, &APIError{StatusCode: 404, Code: "not_found", Message: "unknown response " + responseID}
	}
	last := events[len(events)-1]
	return last.Response, nil
}

// script generates the event sequence for one generation.
func (m *MockClient) script(id string, params *Params) []Event {
	text := mockOutput(params)
	seq := int64(0)
	next := func(evt Event) Event {
		seq++
		evt.SequenceNumber = seq
		return evt
	}

	events := []Event{
		next(Event{Type: EventCreated, Response: &Response{ID: id, Status: StatusQueued}}),
		next(Event{Type: EventInProgress, Response: &Response{ID: id, Status: StatusInProgress}}),
		next(Event{Type: EventReasoningDelta, Delta: "[MOCK] Planning the response."}),
	}
	if len(params.Tools) > 0 {
		events = append(events, next(Event{Type: EventToolCall, Tool: params.Tools[0].Type, Status: "completed"}))
	}
	for _, chunk := range splitIntoChunks(text, 24) {
		events = append(events, next(Event{Type: EventOutputTextDelta, Delta: chunk}))
	}
	events = append(events, next(Event{
		Type:     EventCompleted,
		Response: &Response{ID: id, Status: StatusCompleted, OutputText: text},
	}))
	return events
}

func mockOutput(params *Params) string {
	input := truncate(strings.TrimSpace(params.Input), 100)
	if params.Text != nil && params.Text.Format.Type == "json_object" {
		out, _ := json.Marshal(map[string]string{
			"subject": "[MOCK] Letter subject",
			"body":    fmt.Sprintf("[MOCK] Dear representative, regarding %q.", input),
		})
		return string(out)
	}
	return fmt.Sprintf("[MOCK] Research findings for %q. This is a mock response.", input)
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}

	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// sliceStream streams a fixed list of events.
type sliceStream struct {
	mu     sync.Mutex
	events []Event
	pos    int
	delay  time.Duration
	closed chan struct{}
	once   sync.Once
}

func (s *sliceStream) done() chan struct{} {
	s.once.Do(func() { s.closed = make(chan struct{}) })
	return s.closed
}

func (s *sliceStream) Next(ctx context.Context) (Event, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.done():
			return Event{}, io.ErrClosedPipe
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done():
		return Event{}, io.ErrClosedPipe
	default:
	}
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	evt := s.events[s.pos]
	s.pos++
	return evt, nil
}

func (s *sliceStream) Close() error {
	ch := s.done()
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}
