package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind buckets errors by how the workflow should react to them, not by where
// they came from.
type Kind int

const (
	// KindUnknown is anything we cannot classify.
	KindUnknown Kind = iota
	// KindTransient covers network errors, timeouts, rate limits and 5xx
	// responses. Safe to retry with backoff.
	KindTransient
	// KindTerminal covers 4xx auth/forbidden/not-found/invalid responses.
	// Retrying cannot help.
	KindTerminal
	// KindPartialContent marks a writer stream that ended early but left
	// enough content to continue with.
	KindPartialContent
	// KindLLMStructural marks a structured LLM response that failed its
	// schema after retry.
	KindLLMStructural
	// KindAggregationInsufficient marks a search where fewer than the
	// configured minimum of sources succeeded and the fallback chain is
	// exhausted.
	KindAggregationInsufficient
	// KindCancelled marks client-initiated cancellation.
	KindCancelled
	// KindInvariant marks internal inconsistencies (missing paper id, memory
	// corruption). Fatal.
	KindInvariant
)

// Cause is the user-facing failure category derived from an error.
type Cause string

const (
	CauseAborted   Cause = "aborted"
	CauseTimeout   Cause = "timeout"
	CauseRateLimit Cause = "rate-limit"
	CauseAuth      Cause = "auth"
	CauseNetwork   Cause = "network"
	CauseUnknown   Cause = "unknown"
)

// Error carries a kind alongside the wrapped error so boundaries can decide
// on retry/fallback without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted message with a kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, walking the wrap chain. Context
// cancellation maps to KindCancelled, deadline to KindTransient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient:
		return true
	case KindTerminal, KindCancelled, KindInvariant:
		return false
	}
	// Unclassified transport errors default to retryable unless the message
	// names a terminal condition.
	return !terminalMessage(err.Error())
}

func terminalMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"unauthorized", "forbidden", "invalid", "not found"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	for _, code := range []string{"400", "401", "403", "404"} {
		if strings.Contains(m, code) {
			return true
		}
	}
	return false
}

// CauseOf derives the user-facing category from an error.
func CauseOf(err error) Cause {
	if err == nil {
		return CauseUnknown
	}
	if errors.Is(err, context.Canceled) || KindOf(err) == KindCancelled {
		return CauseAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	m := strings.ToLower(err.Error())
	switch {
	case strings.Contains(m, "abort") || strings.Contains(m, "cancel") || strings.Contains(m, "chunked"):
		return CauseAborted
	case strings.Contains(m, "timeout") || strings.Contains(m, "deadline"):
		return CauseTimeout
	case strings.Contains(m, "rate limit") || strings.Contains(m, "429") || strings.Contains(m, "too many requests"):
		return CauseRateLimit
	case strings.Contains(m, "unauthorized") || strings.Contains(m, "forbidden") || strings.Contains(m, "api key") || strings.Contains(m, "401") || strings.Contains(m, "403"):
		return CauseAuth
	case strings.Contains(m, "connection") || strings.Contains(m, "network") || strings.Contains(m, "dns") || strings.Contains(m, "refused"):
		return CauseNetwork
	}
	return CauseUnknown
}

// UserMessage maps an error to a concise message suitable for the client.
func UserMessage(err error) string {
	switch CauseOf(err) {
	case CauseAborted:
		return "The research run was interrupted before it could finish."
	case CauseTimeout:
		return "A step took too long and timed out. Please try again."
	case CauseRateLimit:
		return "The language model is rate limiting requests. Please retry shortly."
	case CauseAuth:
		return "Authentication with a backing service failed. Check the configured API keys."
	case CauseNetwork:
		return "A network error interrupted the research run. Please check connectivity and retry."
	default:
		return "An unexpected error interrupted the research run."
	}
}
