package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runner/internal/domain"
)

// StartResearch starts or joins a research run.
// POST /v1/research
func (h *Handler) StartResearch(c echo.Context) error {
	return h.startRun(c, domain.RunKindResearch)
}

// StartLetter starts or joins a letter run.
// POST /v1/letter
func (h *Handler) StartLetter(c echo.Context) error {
	return h.startRun(c, domain.RunKindLetter)
}

func (h *Handler) startRun(c echo.Context, kind domain.RunKind) error {
	var req domain.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body", "code": "invalid_request"})
	}

	run, joined, err := h.engine.Start(c.Request().Context(), kind, req)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, domain.StartResponse{
		RunKey: run.Key(),
		Kind:   run.Kind(),
		UserID: run.UserID(),
		JobID:  run.JobID(),
		Status: run.Status(),
		Phase:  run.Phase(),
		Joined: joined,
	})
}

// GetRunStatus describes a run from memory and the durable store.
// GET /v1/:kind/status?user_id=&job_id=
func (h *Handler) GetRunStatus(c echo.Context) error {
	userID := strings.TrimSpace(c.QueryParam("user_id"))
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required", "code": "invalid_request"})
	}
	view, err := h.engine.Status(c.Request().Context(), domain.RunKind(c.Param("kind")), userID, c.QueryParam("job_id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// GetCredits returns a user's balance.
// GET /v1/credits/:user_id
func (h *Handler) GetCredits(c echo.Context) error {
	userID := c.Param("user_id")
	balance, err := h.engine.Balance(c.Request().Context(), userID)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}
