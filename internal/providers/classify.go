package providers

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// FailoverReason categorizes an upstream failure so the router and retry
// layers can decide whether to cool the provider down, switch to another
// one, or give up entirely.
type FailoverReason string

const (
	ReasonAuth       FailoverReason = "auth"
	ReasonRateLimit  FailoverReason = "rate_limit"
	ReasonTimeout    FailoverReason = "timeout"
	ReasonBilling    FailoverReason = "billing"
	ReasonFormat     FailoverReason = "format"
	ReasonCompaction FailoverReason = "compaction"
	ReasonUnknown    FailoverReason = "unknown"
)

// IsRetryable reports whether the same provider may be retried after this
// reason. Billing, format, compaction and auth failures never resolve by
// retrying.
func IsRetryable(reason FailoverReason) bool {
	switch reason {
	case ReasonRateLimit, ReasonTimeout:
		return true
	}
	return false
}

// Message pattern sets, matched case-insensitively in precedence order:
// rate_limit > timeout > billing > auth > format > compaction.
var reasonPatterns = []struct {
	reason   FailoverReason
	patterns []string
}{
	{ReasonRateLimit, []string{
		"rate limit", "rate_limit", "ratelimit", "too many requests",
		"quota exceeded", "resource exhausted", "overloaded", "429",
	}},
	{ReasonTimeout, []string{
		"timeout", "timed out", "deadline exceeded", "connection reset",
		"connection refused", "etimedout", "esockettimedout", "econnreset",
		"econnaborted", "socket hang up", "eof",
	}},
	{ReasonBilling, []string{
		"billing", "payment", "insufficient credit", "insufficient_quota",
		"credit balance", "purchase", "plan limit",
	}},
	{ReasonAuth, []string{
		"unauthorized", "invalid api key", "invalid x-api-key",
		"authentication", "forbidden", "missing_api_key", "permission denied",
	}},
	{ReasonFormat, []string{
		"context length", "context_length", "maximum context",
		"too long", "string too long", "invalid request", "unsupported",
		"could not parse", "invalid_request_error", "schema",
	}},
	{ReasonCompaction, []string{
		"compaction", "summarization failed", "summary failed",
	}},
}

// Classify maps an arbitrary provider error to a FailoverReason.
// Status codes are checked first, then OS-level network errors, then the
// message pattern sets in precedence order. First match wins.
func Classify(err error) FailoverReason {
	if err == nil {
		return ReasonUnknown
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case 402:
			return ReasonBilling
		case 429:
			return ReasonRateLimit
		case 401, 403:
			return ReasonAuth
		case 408, 504:
			return ReasonTimeout
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	if errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNABORTED) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, set := range reasonPatterns {
		for _, p := range set.patterns {
			if strings.Contains(msg, p) {
				return set.reason
			}
		}
	}
	return ReasonUnknown
}

// retryableNetworkPatterns matches transient transport noise that carries no
// classified reason but is still worth one more attempt.
var retryableNetworkPatterns = []string{
	"connection reset", "connection refused", "broken pipe",
	"no such host", "network is unreachable", "tls handshake",
	"unexpected eof", "temporary failure",
}

// IsRetryableError combines reason classification with the transient-network
// fallback: unknown-reason errors retry only when the message matches a
// known transient pattern.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	reason := Classify(err)
	if reason != ReasonUnknown {
		return IsRetryable(reason)
	}
	msg := strings.ToLower(err.Error())
	for _, p := range retryableNetworkPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
