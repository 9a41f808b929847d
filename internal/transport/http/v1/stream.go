package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runner/internal/domain"
	"github.com/xiaot623/gogo/runner/internal/engine"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 512
)

// lookupRun resolves the run addressed by the :kind param and the user_id
// and job_id query params.
func (h *Handler) lookupRun(c echo.Context) (*engine.Run, error) {
	userID := strings.TrimSpace(c.QueryParam("user_id"))
	if userID == "" {
		return nil, &domain.ValidationError{Field: "user_id", Reason: "required"}
	}
	return h.engine.Lookup(c.Request().Context(), domain.RunKind(c.Param("kind")), userID, c.QueryParam("job_id"))
}

// resumeAfter returns the last seq the client has seen, from Last-Event-ID
// or the after_seq query param.
func resumeAfter(c echo.Context) int64 {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("after_seq")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// StreamRun streams a run's client messages via SSE: buffered history
// first, then live messages until the run's feed ends.
// GET /v1/:kind/stream?user_id=&job_id=
func (h *Handler) StreamRun(c echo.Context) error {
	run, err := h.lookupRun(c)
	if err != nil {
		return h.respondError(c, err)
	}
	after := resumeAfter(c)
	ctx := c.Request().Context()

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flush(c)

	ch, cancel := run.SubscribeChan(subscriberBuffer)
	defer cancel()
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Seq <= after {
				continue
			}
			if err := sendSSEEvent(c, msg); err != nil {
				h.log.WithError(err).WithField("run_key", run.Key()).Warn("failed to send SSE event")
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response().Writer, ": keep-alive\n\n"); err != nil {
				return nil
			}
			flush(c)
		}
	}
}

// sendSSEEvent sends a single message in SSE format.
func sendSSEEvent(c echo.Context, msg domain.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := fmt.Fprintf(c.Response().Writer, "id: %d\nevent: %s\ndata: %s\n\n", msg.Seq, msg.Type, data); err != nil {
		return err
	}
	flush(c)
	return nil
}

func flush(c echo.Context) {
	if flusher, ok := c.Response().Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

// StreamRunWS streams the same feed over a websocket. Each text frame is
// one JSON client message; the server closes normally when the feed ends.
// GET /v1/:kind/ws?user_id=&job_id=
func (h *Handler) StreamRunWS(c echo.Context) error {
	run, err := h.lookupRun(c)
	if err != nil {
		return h.respondError(c, err)
	}
	after := resumeAfter(c)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.WithError(err).Warn("failed to upgrade websocket")
		return nil
	}
	defer conn.Close()

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	ch, cancel := run.SubscribeChan(subscriberBuffer)
	defer cancel()
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return nil
		case msg, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return nil
			}
			if msg.Seq <= after {
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.log.WithError(err).WithField("run_key", run.Key()).Warn("failed to write websocket message")
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// readPump drains client frames so control messages are processed, and
// signals when the client goes away.
func (h *Handler) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Debug("websocket read error")
			}
			return
		}
	}
}
