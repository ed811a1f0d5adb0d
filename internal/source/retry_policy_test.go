package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net failure" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

func TestExponentialRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(2, 10*time.Millisecond, 40*time.Millisecond)
	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "server error", err: fmt.Errorf("get: %w", &ServerError{StatusCode: 503}), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "net timeout", err: timeoutErr{timeout: true}, want: true},
		{name: "net non-timeout", err: timeoutErr{}, want: false},
		{name: "client error", err: errors.New("http status 404"), want: false},
		{name: "attempts exhausted", err: &ServerError{StatusCode: 500}, attempt: 2, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, policy.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestExponentialRetryPolicy_BackoffBounds(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
	for attempt, ceiling := range []time.Duration{10, 20, 40, 40, 40} {
		ceiling *= time.Millisecond
		for range 20 {
			got := policy.Backoff(attempt)
			assert.GreaterOrEqual(t, got, ceiling/2)
			assert.LessOrEqual(t, got, ceiling)
		}
	}
}

func TestNewExponentialRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(0, 0, 0)
	assert.Equal(t, 3, policy.maxAttempts)
	assert.Equal(t, 250*time.Millisecond, policy.baseDelay)
	assert.Equal(t, 5*time.Second, policy.maxDelay)
}
