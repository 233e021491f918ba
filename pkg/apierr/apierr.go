// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeRateLimitExceeded = "rate_limit_exceeded"
	TypeAPIError          = "api_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeModelNotFound       = "model_not_found"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidRequest      = "invalid_request"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInternalError       = "internal_error"
	CodeRequestTimeout      = "request_timeout"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidAuth writes the 401 for a missing or unknown client key.
func WriteInvalidAuth(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"invalid or missing API key", TypeInvalidRequest, CodeInvalidAPIKey)
}

// WriteModelNotFound writes the 404 for an alias with no enabled mapping.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, alias string) {
	Write(ctx, fasthttp.StatusNotFound,
		fmt.Sprintf("model %q not found", alias), TypeInvalidRequest, CodeModelNotFound)
}

// WriteRateLimited writes the 429 for a gateway-side limit, with a
// Retry-After header in whole seconds (minimum 1).
func WriteRateLimited(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimitExceeded, CodeRateLimitExceeded)
}

// WriteBadRequest writes a 400 preserving the upstream (or validation)
// message. Callers must sanitize the message before passing it here.
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteUpstreamUnavailable writes the 502 for an exhausted candidate list.
func WriteUpstreamUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "all upstream providers are unavailable"
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeAPIError, CodeUpstreamUnavailable)
}

// WriteInternal writes a 500 with a generic message. Internal details stay in
// the logs, never in the response body.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error", TypeServerError, CodeInternalError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout,
		"upstream request timed out", TypeAPIError, CodeRequestTimeout)
}
