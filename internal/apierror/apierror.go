// Package apierror provides a centralized error response format for the
// gateway. All components use WriteJSON to produce consistent,
// machine-readable error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. These form a public API contract — clients can
// program against these stable codes. Do not rename or remove existing codes.
const (
	RouteNotFound         ErrorCode = "GATEWAY_ROUTE_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "GATEWAY_METHOD_NOT_ALLOWED"
	CircuitOpen           ErrorCode = "GATEWAY_CIRCUIT_OPEN"
	UpstreamTimeout       ErrorCode = "GATEWAY_UPSTREAM_TIMEOUT"
	UpstreamError         ErrorCode = "GATEWAY_UPSTREAM_ERROR"
	AggregateFailed       ErrorCode = "GATEWAY_AGGREGATE_FAILED"
	RequestCancelled      ErrorCode = "GATEWAY_REQUEST_CANCELLED"
	AuthMissingToken      ErrorCode = "GATEWAY_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "GATEWAY_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "GATEWAY_AUTH_INSUFFICIENT_SCOPE"
	RateLimitExceeded     ErrorCode = "GATEWAY_RATE_LIMIT_EXCEEDED"
	InternalError         ErrorCode = "GATEWAY_INTERNAL_ERROR"
)

// ErrorResponse is the standardized gateway error body. Fallback marks a
// degraded response produced because the protected backend call failed or
// was short-circuited.
type ErrorResponse struct {
	Error     string          `json:"error"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	Fallback  bool            `json:"fallback,omitempty"`
	Branches  []BranchFailure `json:"branches,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// BranchFailure names one failed branch of an aggregation.
type BranchFailure struct {
	Branch string `json:"branch"`
	Cause  string `json:"cause"`
}

// Pre-serialized JSON bodies for the most common error responses. Avoids
// json.Encoder allocation on every rejection in the hot path. These do
// NOT include request_id since it varies per request.
var (
	preRouteNotFound     = mustMarshal(http.StatusNotFound, RouteNotFound, "no matching route", false)
	preCircuitOpen       = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open", true)
	preUpstreamTimeout   = mustMarshal(http.StatusServiceUnavailable, UpstreamTimeout, "backend call timed out", true)
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later", false)
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header", false)
)

func mustMarshal(status int, code ErrorCode, message string, fallback bool) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		Fallback:  fallback,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common
// code+message combinations, pre-serialized bodies are used. When a
// request ID is available (X-Request-ID header) it is included in the
// response. The request parameter may be nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	writeResponse(w, r, status, ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		Fallback:  isFallbackCode(code),
	})
}

// WriteAggregate writes a 503 response naming every failed branch of an
// all-must-succeed aggregation.
func WriteAggregate(w http.ResponseWriter, r *http.Request, branches []BranchFailure) {
	writeResponse(w, r, http.StatusServiceUnavailable, ErrorResponse{
		Error:     http.StatusText(http.StatusServiceUnavailable),
		ErrorCode: string(AggregateFailed),
		Message:   "one or more aggregation branches failed",
		Branches:  branches,
	})
}

func writeResponse(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" && len(resp.Branches) == 0 {
		if body := preSerialized(status, ErrorCode(resp.ErrorCode), resp.Message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	resp.RequestID = requestID
	json.NewEncoder(w).Encode(resp)
}

// isFallbackCode reports whether the code represents a degraded response
// standing in for a failed backend call.
func isFallbackCode(code ErrorCode) bool {
	switch code {
	case CircuitOpen, UpstreamTimeout, UpstreamError:
		return true
	}
	return false
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == RouteNotFound && status == http.StatusNotFound && message == "no matching route":
		return preRouteNotFound
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker open":
		return preCircuitOpen
	case code == UpstreamTimeout && status == http.StatusServiceUnavailable && message == "backend call timed out":
		return preUpstreamTimeout
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	}
	return nil
}
