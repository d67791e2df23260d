package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	cases := map[int]FailureKind{
		http.StatusTooManyRequests:     RateLimited,
		http.StatusUnauthorized:        AuthenticationError,
		http.StatusRequestTimeout:      Timeout,
		http.StatusGatewayTimeout:      Timeout,
		http.StatusInternalServerError: Unclassified,
		http.StatusBadRequest:          Unclassified,
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"failure", fmt.Errorf("wrap: %w", NewFailure(RateLimited, errors.New("slow down"))), RateLimited},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Timeout},
		{"canceled", context.Canceled, ConnectionError},
		{"net timeout", &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}, Timeout},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ConnectionError},
		{"dns", &net.DNSError{Err: "no such host", Name: "relay"}, ConnectionError},
		{"other", errors.New("decode response: unexpected end"), Unclassified},
		{"nil", nil, Unclassified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestPolicyDecide(t *testing.T) {
	p := DefaultPolicy()

	d := p.Decide(RateLimited, 0)
	if !d.Retry || d.Delay != 20*time.Second || d.Message != MessageRateLimited {
		t.Fatalf("unexpected rate limit decision: %+v", d)
	}
	if d := p.Decide(RateLimited, 2); d.Retry || d.Delay != 0 {
		t.Fatalf("rate limit must stop after max retries: %+v", d)
	}

	if d := p.Decide(Timeout, 1); !d.Retry || d.Delay != 5*time.Second {
		t.Fatalf("unexpected timeout decision: %+v", d)
	}
	if d := p.Decide(Timeout, 2); d.Retry {
		t.Fatalf("timeout must stop after max retries: %+v", d)
	}

	for retries := 0; retries < 5; retries++ {
		if d := p.Decide(ConnectionError, retries); d.Retry || d.ClearSession {
			t.Fatalf("connection error must never retry: %+v", d)
		}
	}

	if d := p.Decide(AuthenticationError, 0); !d.Retry || !d.RotateKey || d.Delay != 0 {
		t.Fatalf("auth error must rotate and retry immediately: %+v", d)
	}
	if d := p.Decide(AuthenticationError, 1); d.Retry || d.RotateKey {
		t.Fatalf("auth error must stop at its own cap: %+v", d)
	}

	if d := p.Decide(Unclassified, 0); d.Retry || !d.ClearSession || d.Message != MessageUnavailable {
		t.Fatalf("unclassified must clear session: %+v", d)
	}
}

func TestPolicyWithDefaults(t *testing.T) {
	p := Policy{MaxRetries: -1, Messages: map[FailureKind]string{Timeout: "custom"}}.WithDefaults()
	if d := p.Decide(Timeout, 0); d.Retry || d.Message != "custom" {
		t.Fatalf("negative max retries must disable retries: %+v", d)
	}
	if d := p.Decide(RateLimited, 0); d.Message != MessageUnavailable {
		t.Fatalf("missing message must fall back to generic text, got %q", d.Message)
	}
	if p.Sleep == nil {
		t.Fatalf("sleep must be defaulted")
	}
}
