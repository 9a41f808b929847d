package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSSE(t *testing.T, w http.ResponseWriter, events ...Event) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, evt := range events {
		data, err := json.Marshal(evt)
		require.NoError(t, err)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func drain(t *testing.T, s Stream) ([]Event, error) {
	t.Helper()
	var out []Event
	for {
		evt, err := s.Next(context.Background())
		if err != nil {
			return out, err
		}
		out = append(out, evt)
	}
}

func TestClientOpenStreamsEvents(t *testing.T) {
	var got Params
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		writeSSE(t, w,
			Event{Type: EventCreated, SequenceNumber: 1, Response: &Response{ID: "resp_1", Status: StatusQueued}},
			Event{Type: EventOutputTextDelta, SequenceNumber: 2, Delta: "Hel"},
			Event{Type: EventOutputTextDelta, SequenceNumber: 3, Delta: "lo"},
			Event{Type: EventCompleted, SequenceNumber: 4, Response: &Response{ID: "resp_1", Status: StatusCompleted, OutputText: "Hello"}},
		)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "sk-test", time.Second)
	stream, err := client.Open(context.Background(), &Params{Model: "m", Input: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	events, err := drain(t, stream)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 4)
	assert.Equal(t, "resp_1", events[0].ResponseID())
	assert.Equal(t, "lo", events[2].Delta)
	assert.Equal(t, "Hello", events[3].Response.OutputText)
	assert.True(t, got.Stream)
	assert.True(t, got.Background)
}

func TestClientResumeSendsCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/responses/resp_9", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("stream"))
		assert.Equal(t, "41", r.URL.Query().Get("starting_after"))
		writeSSE(t, w, Event{Type: EventOutputTextDelta, SequenceNumber: 42, Delta: "x"})
	}))
	defer server.Close()

	stream, err := NewClient(server.URL, "", time.Second).Resume(context.Background(), "resp_9", 41)
	require.NoError(t, err)
	defer stream.Close()

	evt, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), evt.SequenceNumber)
}

func TestClientStreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, Event{Type: EventError, SequenceNumber: 1, Code: "server_error", Message: "upstream overloaded"})
	}))
	defer server.Close()

	stream, err := NewClient(server.URL, "", time.Second).Open(context.Background(), &Params{})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	var streamErr *StreamError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, "server_error", streamErr.Code)
}

func TestClientRetrieveAndAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/responses/resp_ok":
			_ = json.NewEncoder(w).Encode(Response{ID: "resp_ok", Status: StatusCompleted, OutputText: "X"})
		case "/v1/responses/resp_busy":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"code":"upstream_down","message":"try later"}}`))
		}
	}))
	defer server.Close()
	client := NewClient(server.URL, "", time.Second)
	ctx := context.Background()

	resp, err := client.Retrieve(ctx, "resp_ok")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "X", resp.OutputText)

	_, err = client.Retrieve(ctx, "resp_busy")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "rate_limit_exceeded", apiErr.Code)

	_, err = client.Retrieve(ctx, "resp_other")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream_down", apiErr.Code)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestClientCloseAbortsBlockedStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, Event{Type: EventCreated, SequenceNumber: 1, Response: &Response{ID: "resp_1"}})
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	stream, err := NewClient(server.URL, "", time.Second).Open(context.Background(), &Params{})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := stream.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, stream.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestMockClientRoundTrip(t *testing.T) {
	mock := NewMockClient()
	mock.Delay = 0
	ctx := context.Background()

	stream, err := mock.Open(ctx, &Params{Input: "bus routes", Tools: []Tool{{Type: "web_search_preview"}}})
	require.NoError(t, err)
	events, err := drain(t, stream)
	assert.ErrorIs(t, err, io.EOF)
	require.NotEmpty(t, events)

	id := events[0].ResponseID()
	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Type)

	resumed, err := mock.Resume(ctx, id, last.SequenceNumber-1)
	require.NoError(t, err)
	rest, _ := drain(t, resumed)
	require.Len(t, rest, 1)
	assert.Equal(t, last.SequenceNumber, rest[0].SequenceNumber)

	resp, err := mock.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Contains(t, resp.OutputText, "bus routes")
}

func TestMockClientLetterIsJSON(t *testing.T) {
	mock := NewMockClient()
	mock.Delay = 0
	stream, err := mock.Open(context.Background(), &Params{Input: "x", Text: &TextOptions{Format: TextFormat{Type: "json_object"}}})
	require.NoError(t, err)
	events, _ := drain(t, stream)

	var letter map[string]string
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].Response.OutputText), &letter))
	assert.NotEmpty(t, letter["subject"])
	assert.NotEmpty(t, letter["body"])
}
