// Package api is the HTTP front: authentication, validation, rate limiting,
// request submission and the SSE streaming surface.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// API error codes. The set is closed: handlers never invent codes outside
// this list, so clients can switch on them.
const (
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeInvalidAuthFormat      = "INVALID_AUTH_FORMAT"
	CodeInvalidToken           = "INVALID_TOKEN"
	CodeInvalidAPIKey          = "INVALID_API_KEY"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeEmptyQuery             = "EMPTY_QUERY"
	CodeQueryTooLong           = "QUERY_TOO_LONG"
	CodeInvalidSessionID       = "INVALID_SESSION_ID"
	CodeInvalidStreamingFlag   = "INVALID_STREAMING_FLAG"
	CodeRequestNotFound        = "REQUEST_NOT_FOUND"
	CodeDeliberationNotFound   = "DELIBERATION_NOT_FOUND"
	CodeRateLimited            = "RATE_LIMITED"
	CodeIdempotencyState       = "IDEMPOTENCY_STATE_INVALID"
	CodeIdempotencyResult      = "IDEMPOTENCY_RESULT_INVALID"
	CodeProcessingError        = "PROCESSING_ERROR"
	CodeInternalError          = "INTERNAL_ERROR"
	CodeServiceUnavailable     = "SERVICE_UNAVAILABLE"
)

type codeMeta struct {
	status    int
	retryable bool
}

var codeTable = map[string]codeMeta{
	CodeAuthenticationRequired: {http.StatusUnauthorized, false},
	CodeInvalidAuthFormat:      {http.StatusUnauthorized, false},
	CodeInvalidToken:           {http.StatusUnauthorized, false},
	CodeInvalidAPIKey:          {http.StatusUnauthorized, false},
	CodeInvalidRequest:         {http.StatusBadRequest, false},
	CodeEmptyQuery:             {http.StatusBadRequest, false},
	CodeQueryTooLong:           {http.StatusBadRequest, false},
	CodeInvalidSessionID:       {http.StatusBadRequest, false},
	CodeInvalidStreamingFlag:   {http.StatusBadRequest, false},
	CodeRequestNotFound:        {http.StatusNotFound, false},
	CodeDeliberationNotFound:   {http.StatusNotFound, false},
	CodeRateLimited:            {http.StatusTooManyRequests, true},
	CodeIdempotencyState:       {http.StatusInternalServerError, true},
	CodeIdempotencyResult:      {http.StatusInternalServerError, true},
	CodeProcessingError:        {http.StatusInternalServerError, false},
	CodeInternalError:          {http.StatusInternalServerError, true},
	CodeServiceUnavailable:     {http.StatusServiceUnavailable, true},
}

// Error is one API-surface failure carrying its wire mapping.
type Error struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`

	status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status is the HTTP status the error maps to.
func (e *Error) Status() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// Errorf builds an Error for a known code. Unknown codes degrade to
// INTERNAL_ERROR rather than widening the enum.
func Errorf(code, format string, args ...interface{}) *Error {
	meta, ok := codeTable[code]
	if !ok {
		code = CodeInternalError
		meta = codeTable[CodeInternalError]
	}
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: meta.retryable,
		status:    meta.status,
	}
}

// envelope is the error response body:
// {error:{code,message,details?,retryable}, requestId?, timestamp}.
type envelope struct {
	Error     *Error    `json:"error"`
	RequestID string    `json:"requestId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// writeError renders the envelope. Production 500s never echo internals.
func (s *Server) writeError(w http.ResponseWriter, requestID string, apiErr *Error) {
	if apiErr.Status() >= 500 && s.env.IsProduction() {
		sanitized := *apiErr
		sanitized.Message = "internal server error"
		sanitized.Details = nil
		apiErr = &sanitized
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	if err := json.NewEncoder(w).Encode(envelope{
		Error:     apiErr,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.logger.Error("encode error envelope", "err", err)
	}
}
