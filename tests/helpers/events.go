package helpers

import "github.com/xiaot623/gogo/runner/internal/adapter/provider"

func Created(seq int64, responseID string) provider.Event {
	return provider.Event{
		Type:           provider.EventCreated,
		SequenceNumber: seq,
		Response:       &provider.Response{ID: responseID, Status: provider.StatusInProgress},
	}
}

func Delta(seq int64, text string) provider.Event {
	return provider.Event{Type: provider.EventOutputTextDelta, SequenceNumber: seq, Delta: text}
}

func Reasoning(seq int64, text string) provider.Event {
	return provider.Event{Type: provider.EventReasoningDelta, SequenceNumber: seq, Delta: text}
}

// Completed ends a stream; an empty text leaves the output to the deltas.
func Completed(seq int64, responseID, text string) provider.Event {
	return provider.Event{
		Type:           provider.EventCompleted,
		SequenceNumber: seq,
		Response:       &provider.Response{ID: responseID, Status: provider.StatusCompleted, OutputText: text},
	}
}

func Failed(seq int64, responseID, message string) provider.Event {
	return provider.Event{
		Type:           provider.EventFailed,
		SequenceNumber: seq,
		Response: &provider.Response{
			ID:     responseID,
			Status: provider.StatusFailed,
			Error:  &provider.ResponseError{Code: "server_error", Message: message},
		},
	}
}
