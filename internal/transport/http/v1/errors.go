package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/leofalp/chatcheckpoint/core/session"
)

// statusFor maps domain errors to HTTP status codes. Deadline checks come
// first because a timed-out model call also wraps ErrModelInvocation.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUserMismatch), errors.Is(err, session.ErrWriteConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, session.ErrModelInvocation):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
}
