package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/maternar/progression/internal/domain/shared"
)

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope wraps APIError as {"error": {...}}.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// classify maps an error onto a status and a stable code.
func classify(err error) (int, string) {
	switch {
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, shared.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case shared.IsForbidden(err):
		return http.StatusForbidden, "forbidden"
	case shared.IsValidation(err):
		return http.StatusBadRequest, "invalid_input"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// respondError writes the error envelope. Internal failures never leak
// their message.
func respondError(c *gin.Context, err error) {
	status, code := classify(err)

	msg := "an unexpected error occurred"
	if status != http.StatusInternalServerError {
		msg = err.Error()
		var de *shared.DomainError
		if errors.As(err, &de) && de.Message != "" {
			msg = de.Message
		}
	} else {
		_ = c.Error(err)
	}

	c.JSON(status, ErrorEnvelope{Error: APIError{Code: code, Message: msg}})
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorEnvelope{Error: APIError{Code: "invalid_input", Message: msg}})
}
