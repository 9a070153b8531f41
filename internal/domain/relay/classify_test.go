package relay_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"telegram-relay/internal/domain/relay"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want relay.FailureClass
	}{
		{
			name: "structured billing error",
			err:  &relay.ModelError{Classification: relay.ModelClassBilling, Upstream: "quota exceeded"},
			want: relay.FailureModelError,
		},
		{
			name: "structured auth error",
			err:  &relay.ModelError{Classification: relay.ModelClassAuth, Upstream: "invalid api key"},
			want: relay.FailureModelError,
		},
		{
			name: "structured rate limit is transient",
			err:  &relay.ModelError{Classification: relay.ModelClassRateLimit, Upstream: "429 slow down"},
			want: relay.FailureModelTransient,
		},
		{
			name: "structured capacity is transient",
			err:  &relay.ModelError{Classification: relay.ModelClassCapacity, Upstream: "overloaded"},
			want: relay.FailureModelTransient,
		},
		{
			name: "tool call pattern wins over structured class",
			err:  &relay.ModelError{Classification: relay.ModelClassInternal, Upstream: "tool_use_failed: bad arguments"},
			want: relay.FailureToolCallError,
		},
		{
			name: "tool call pattern in plain error",
			err:  errors.New("provider rejected: Failed_Generation block"),
			want: relay.FailureToolCallError,
		},
		{
			name: "timeout text",
			err:  errors.New("model call timed out after 300000ms"),
			want: relay.FailureTimeout,
		},
		{
			name: "empty output text",
			err:  errors.New("model returned no user-facing text output"),
			want: relay.FailureEmptyOutput,
		},
		{
			name: "stale session forward order",
			err:  errors.New(`openai: stale session "oas-1": history not found`),
			want: relay.FailureSessionInvalid,
		},
		{
			name: "session invalid reverse order",
			err:  errors.New("Session token is EXPIRED, start over"),
			want: relay.FailureSessionInvalid,
		},
		{
			name: "busy provider maps to session invalid",
			err:  errors.New("agent is busy with the previous request"),
			want: relay.FailureSessionInvalid,
		},
		{
			name: "unmatched error falls through to transport",
			err:  errors.New("connection reset by peer"),
			want: relay.FailureTransport,
		},
		{
			name: "wrapped error still matches",
			err:  errors.New("dispatch turn: call provider: request timed out after 5s"),
			want: relay.FailureTimeout,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := relay.Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailureClassPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		class    relay.FailureClass
		retry    bool
		discards bool
	}{
		{relay.FailureModelError, false, false},
		{relay.FailureToolCallError, true, true},
		{relay.FailureModelTransient, false, false},
		{relay.FailureTimeout, true, false},
		{relay.FailureEmptyOutput, false, false},
		{relay.FailureSessionInvalid, true, true},
		{relay.FailureTransport, false, false},
	}
	for _, tt := range tests {
		if got := tt.class.Retryable(); got != tt.retry {
			t.Errorf("%s.Retryable() = %v, want %v", tt.class, got, tt.retry)
		}
		if got := tt.class.DiscardsSession(); got != tt.discards {
			t.Errorf("%s.DiscardsSession() = %v, want %v", tt.class, got, tt.discards)
		}
	}
}

func TestFailureClassUserText(t *testing.T) {
	t.Parallel()

	timeoutText := relay.FailureTimeout.UserText(errors.New("timed out after 300000ms"), 300*time.Second)
	if !strings.Contains(timeoutText, "did not finish within 300s") {
		t.Fatalf("timeout text = %q", timeoutText)
	}
	if !strings.Contains(timeoutText, "RELAY_TIMEOUT_MS") {
		t.Fatalf("timeout text lacks config hint: %q", timeoutText)
	}

	modelErr := &relay.ModelError{Classification: relay.ModelClassBilling, Upstream: "quota exceeded"}
	billingText := relay.FailureModelError.UserText(modelErr, 0)
	if !strings.Contains(billingText, "billing") || !strings.Contains(billingText, "quota exceeded") {
		t.Fatalf("model error text = %q", billingText)
	}

	sessionText := relay.FailureSessionInvalid.UserText(errors.New("stale session"), 0)
	if !strings.Contains(sessionText, "fresh session") {
		t.Fatalf("session invalid text = %q", sessionText)
	}
}
