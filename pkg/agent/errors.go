package agent

import (
	"context"
	"errors"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorKind is the closed taxonomy of dispatch failures.
type ErrorKind string

const (
	ErrNotConfigured  ErrorKind = "not_configured"
	ErrTimeout        ErrorKind = "timeout"
	ErrRateLimited    ErrorKind = "rate_limited"
	ErrAuthFailed     ErrorKind = "auth_failed"
	ErrServerError    ErrorKind = "server_error"
	ErrEmptyResponse  ErrorKind = "empty_response"
	ErrInvalidTier    ErrorKind = "invalid_tier"
	ErrToolCallFailed ErrorKind = "tool_call_failed"
	ErrUnknown        ErrorKind = "unknown"
)

// AllErrorKinds lists every ErrorKind.
var AllErrorKinds = []ErrorKind{
	ErrNotConfigured,
	ErrTimeout,
	ErrRateLimited,
	ErrAuthFailed,
	ErrServerError,
	ErrEmptyResponse,
	ErrInvalidTier,
	ErrToolCallFailed,
	ErrUnknown,
}

// ErrEmptyContent is returned by providers when the model produced no usable text.
var ErrEmptyContent = errors.New("model returned empty content")

// FallsBack reports whether a failure of this kind moves on to the next tier.
func (k ErrorKind) FallsBack() bool {
	switch k {
	case ErrNotConfigured, ErrInvalidTier, ErrToolCallFailed:
		return false
	default:
		return true
	}
}

// KindOf maps a provider or transport error onto the taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrEmptyContent) {
		return ErrEmptyResponse
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}

	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return kindFromStatus(oaiErr.StatusCode)
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return kindFromStatus(antErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrUnknown
}

func kindFromStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrAuthFailed
	case status == 408:
		return ErrTimeout
	case status == 429:
		return ErrRateLimited
	case status >= 500:
		return ErrServerError
	default:
		return ErrUnknown
	}
}
