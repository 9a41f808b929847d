package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runner/internal/domain"
)

// respondError maps engine errors to status codes. Unexpected errors are
// logged and reported without detail.
func (h *Handler) respondError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrInsufficientCredits):
		status, code = http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, domain.ErrTemporarilyUnavailable):
		status, code = http.StatusServiceUnavailable, "temporarily_unavailable"
	case errors.Is(err, domain.ErrRunActiveElsewhere):
		status, code = http.StatusConflict, "run_active_elsewhere"
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrUnknownKind):
		status, code = http.StatusNotFound, "not_found"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.Path()).Error("request failed")
		msg = "internal error"
	}
	return c.JSON(status, map[string]string{"error": msg, "code": code})
}
