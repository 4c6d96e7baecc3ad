package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	if KindOf(New(KindTransient, errors.New("x"))) != KindTransient {
		t.Fatalf("typed kind not extracted")
	}
	wrapped := fmt.Errorf("outer: %w", Newf(KindAggregationInsufficient, "all failed"))
	if KindOf(wrapped) != KindAggregationInsufficient {
		t.Fatalf("kind must survive wrapping")
	}
	if KindOf(context.Canceled) != KindCancelled {
		t.Fatalf("context.Canceled must be cancellation")
	}
	if KindOf(context.DeadlineExceeded) != KindTransient {
		t.Fatalf("deadline must be transient")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(errors.New("server error: 503")) {
		t.Fatalf("5xx-ish errors must retry")
	}
	for _, msg := range []string{"unauthorized", "403 forbidden", "invalid request", "resource not found", "status 404"} {
		if Retryable(errors.New(msg)) {
			t.Fatalf("%q must not retry", msg)
		}
	}
	if Retryable(New(KindCancelled, errors.New("stop"))) {
		t.Fatalf("cancellation never retries")
	}
}

func TestCauseOf(t *testing.T) {
	cases := map[string]Cause{
		"request aborted by client":        CauseAborted,
		"context deadline exceeded (x)":    CauseTimeout,
		"429 too many requests":            CauseRateLimit,
		"invalid api key provided":         CauseAuth,
		"dial tcp: connection refused":     CauseNetwork,
		"something completely unexpected":  CauseUnknown,
	}
	for msg, want := range cases {
		if got := CauseOf(errors.New(msg)); got != want {
			t.Fatalf("CauseOf(%q)=%v want %v", msg, got, want)
		}
	}
	if CauseOf(context.Canceled) != CauseAborted {
		t.Fatalf("cancel must map to aborted")
	}
}

func TestUserMessage_NeverEmpty(t *testing.T) {
	for _, err := range []error{
		errors.New("boom"),
		context.Canceled,
		New(KindInvariant, errors.New("memory corrupt")),
	} {
		if UserMessage(err) == "" {
			t.Fatalf("empty user message for %v", err)
		}
	}
}
