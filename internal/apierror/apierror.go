// Package apierror provides the standardized error response format for the
// routing pipeline. Every terminal error outcome resolves into one of these
// machine-readable bodies with a stable error code.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/routeway/gateway/internal/exchange"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Pipeline error codes. These form a public API contract — clients can
// program against these stable codes. Do not rename or remove existing codes.
const (
	RouteNotFound  ErrorCode = "GATEWAY_ROUTE_NOT_FOUND"
	RequestTimeout ErrorCode = "GATEWAY_REQUEST_TIMEOUT"
	UpstreamError  ErrorCode = "GATEWAY_UPSTREAM_ERROR"
	InternalError  ErrorCode = "GATEWAY_INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error is a classified terminal failure recorded on the exchange context.
// It wraps the original cause where one exists.
type Error struct {
	Code    ErrorCode
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewTimeout classifies a dispatch timeout.
func NewTimeout(cause error) *Error {
	return &Error{Code: RequestTimeout, Status: http.StatusGatewayTimeout, Message: "upstream request timed out", Cause: cause}
}

// NewUpstream classifies a non-timeout upstream failure, carrying the rule id
// and target URL for diagnostics.
func NewUpstream(cause error, ruleID, url string) *Error {
	return &Error{
		Code:    UpstreamError,
		Status:  http.StatusBadGateway,
		Message: fmt.Sprintf("upstream request failed for rule %s (%s)", ruleID, url),
		Cause:   cause,
	}
}

// NewInternal classifies an unexpected failure inside the resolution path.
func NewInternal(cause error) *Error {
	return &Error{Code: InternalError, Status: http.StatusInternalServerError, Message: "an unexpected error occurred", Cause: cause}
}

// Response materializes the standardized JSON response for this error.
func (e *Error) Response(requestID string) *exchange.Response {
	return build(e.Status, e.Code, e.Message, requestID)
}

// TimeoutResponse is the standardized "request timeout" response.
func TimeoutResponse(requestID string) *exchange.Response {
	return build(http.StatusGatewayTimeout, RequestTimeout, "upstream request timed out", requestID)
}

// InternalResponse is the standardized "internal error" response.
func InternalResponse(requestID string) *exchange.Response {
	return build(http.StatusInternalServerError, InternalError, "an unexpected error occurred", requestID)
}

func build(status int, code ErrorCode, message, requestID string) *exchange.Response {
	body, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return exchange.NewResponse(status, header, append(body, '\n'))
}

// Pre-serialized body for the one edge error emitted outside the pipeline.
var preRouteNotFound = mustMarshal(http.StatusNotFound, RouteNotFound, "no matching route")

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response directly to an HTTP
// response writer. Used at the server edge, before a request enters the
// pipeline. For the common no-request-id 404 a pre-serialized body is used.
func WriteJSON(w http.ResponseWriter, status int, code ErrorCode, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if requestID == "" && status == http.StatusNotFound && code == RouteNotFound && message == "no matching route" {
		w.Write(preRouteNotFound) //nolint:errcheck
		return
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}
