package client

import (
	"context"
	"errors"
	"net"

	"github.com/goccy/go-json"
)

// ErrorCategory is a bounded metric label for upstream failures.
type ErrorCategory string

const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx ErrorCategory = "upstream_5xx"
	ErrorCategoryUpstream4xx ErrorCategory = "upstream_4xx"
	ErrorCategoryTooLarge    ErrorCategory = "too_large"
	ErrorCategoryParsing     ErrorCategory = "parsing"
	ErrorCategoryOffline     ErrorCategory = "offline"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// ErrOffline is returned by callers that skip the network because the
// connectivity monitor reports offline.
var ErrOffline = errors.New("offline")

// CategorizeError maps err to an ErrorCategory by its type and sentinels.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var (
		statusErr *StatusError
		netErr    net.Error
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, ErrOffline):
		return ErrorCategoryOffline
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrBodyTooLarge):
		return ErrorCategoryTooLarge
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorCategoryTimeout
	case errors.As(err, &statusErr):
		return statusCategory(statusErr.Status)
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return ErrorCategoryParsing
	case errors.As(err, &netErr), errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}

func statusCategory(status int) ErrorCategory {
	switch {
	case status == 429:
		return ErrorCategoryRateLimited
	case status >= 500:
		return ErrorCategoryUpstream5xx
	case status >= 400:
		return ErrorCategoryUpstream4xx
	}
	return ErrorCategoryUnknown
}
