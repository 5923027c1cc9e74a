package web

// errors.go provides unified error response handling for the web layer.
//
// Every error is logged with full technical detail and the request id, then
// mapped through core.MapError so the client only sees a user message, an
// action and a support code.

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/labfhir/internal/core"
	"github.com/JonMunkholm/labfhir/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// errNoFile is returned when the multipart form has no file part.
var errNoFile = errors.New("no file provided")

// respondError logs err and writes the mapped user message as JSON.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	}
	if statusCode >= 500 {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	writeJSON(w, r, statusCode, ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	})
}

// statusFor picks the HTTP status for an error returned by the service.
func statusFor(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, core.ErrInputTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrNoHeader), errors.Is(err, errNoFile):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTooManyUploads):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrHistoryDisabled):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
