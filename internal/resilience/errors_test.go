package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultErrorChecker(t *testing.T) {
	checker := &DefaultErrorChecker{}

	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"wrapped non-retryable sentinel", fmt.Errorf("wrapped: %w", ErrNonRetryable), false},
		{"connection refused", &net.OpError{Err: syscall.ECONNREFUSED}, true},
		{"connection reset", &net.OpError{Err: syscall.ECONNRESET}, true},
		{"network unreachable", &net.OpError{Err: syscall.ENETUNREACH}, true},
		{"temporary dns failure", &net.DNSError{IsTemporary: true}, true},
		{"timeout message", errors.New("request timed out"), true},
		{"deadline exceeded message", errors.New("context deadline exceeded"), true},
		// The default checker leans retryable: an unrecognized error is
		// assumed transient rather than dropped.
		{"unrecognized error", errors.New("invalid request"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, checker.IsRetryable(tc.err))
		})
	}
}

func TestChainedErrorChecker_AnyCheckerApproves(t *testing.T) {
	chain := &ChainedErrorChecker{Checkers: []RetryableErrorChecker{
		&NeverRetryChecker{},
		&AlwaysRetryChecker{},
	}}
	assert.True(t, chain.IsRetryable(errors.New("boom")))
	assert.False(t, chain.IsRetryable(nil))

	onlyNever := &ChainedErrorChecker{Checkers: []RetryableErrorChecker{&NeverRetryChecker{}}}
	assert.False(t, onlyNever.IsRetryable(errors.New("boom")))
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"cancelled", context.Canceled, ClassCancelled},
		{"deadline", fmt.Errorf("rpc: %w", context.DeadlineExceeded), ClassTimeout},
		{"dns", &net.DNSError{Name: "bus.internal"}, ClassDNS},
		{"op error", &net.OpError{Err: syscall.ECONNRESET}, ClassNetwork},
		{"auth reply", errors.New("NOAUTH Authentication required"), ClassAuth},
		{"rate limit message", errors.New("rate limit exceeded"), ClassRateLimited},
		{"timeout message", errors.New("bus: request timed out"), ClassTimeout},
		{"connection message", errors.New("connection refused by peer"), ClassNetwork},
		{"anything else", errors.New("malformed payload"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}
