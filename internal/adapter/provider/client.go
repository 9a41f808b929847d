package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is the HTTP client for the provider's Responses API.
type Client struct {
	baseURL string
	apiKey  string
	// httpClient serves bounded request/response calls; streamClient has no
	// overall timeout because streams are policed by the inactivity watchdog.
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a new provider client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// Open sends POST /v1/responses with stream and background set.
func (c *Client) Open(ctx context.Context, params *Params) (Stream, error) {
	req := *params
	req.Stream = true
	req.Background = true

	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.stream(httpReq)
}

// Resume sends GET /v1/responses/{id}?stream=true&starting_after={cursor}.
func (c *Client) Resume(ctx context.Context, responseID string, cursor int64) (Stream, error) {
	q := url.Values{}
	q.Set("stream", "true")
	q.Set("starting_after", strconv.FormatInt(cursor, 10))
	endpoint := c.baseURL + "/v1/responses/" + url.PathEscape(responseID) + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.stream(httpReq)
}

// Retrieve sends GET /v1/responses/{id}.
func (c *Client) Retrieve(ctx context.Context, responseID string) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/responses/"+url.PathEscape(responseID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) stream(req *http.Request) (Stream, error) {
	c.setAuth(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return newSSEStream(resp.Body), nil
}

func readAPIError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}

	var envelope struct {
		Error *ResponseError `json:"error"`
	}
	if json.Unmarshal(bodyBytes, &envelope) == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Code == "" {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			apiErr.Code = "rate_limit_exceeded"
		case resp.StatusCode >= 500:
			apiErr.Code = "server_error"
		case resp.StatusCode == http.StatusNotFound:
			apiErr.Code = "not_found"
		default:
			apiErr.Code = "invalid_request"
		}
	}
	return apiErr
}

// sseEvent represents a parsed SSE event.
type sseEvent struct {
	Event string
	Data  string
}

// sseStream decodes provider events from a text/event-stream body.
type sseStream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	closeOnce sync.Once
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	return &sseStream{body: body, scanner: scanner}
}

// Next returns the next decoded event. A clean end of stream is io.EOF.
func (s *sseStream) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		raw, err := s.readEvent()
		if err != nil {
			return Event{}, err
		}
		if raw.Data == "[DONE]" {
			return Event{}, io.EOF
		}

		var evt Event
		if err := json.Unmarshal([]byte(raw.Data), &evt); err != nil {
			return Event{}, fmt.Errorf("failed to parse stream event: %w", err)
		}
		if evt.Type == "" {
			evt.Type = EventType(raw.Event)
		}
		if evt.Type == "" {
			continue
		}
		if evt.Type == EventError {
			return evt, &StreamError{Code: evt.Code, Message: evt.Message}
		}
		return evt, nil
	}
}

// readEvent reads lines up to the next blank line.
func (s *sseStream) readEvent() (sseEvent, error) {
	var event sseEvent
	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				return event, nil
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	if err := s.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if event.Event != "" || event.Data != "" {
		return event, nil
	}
	return sseEvent{}, io.EOF
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
