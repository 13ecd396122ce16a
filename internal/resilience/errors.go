package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Common retry-related errors.
var (
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	ErrNonRetryable       = errors.New("error is not retryable")
)

// DefaultErrorChecker rejects ErrNonRetryable, treats network errors and
// timeouts as retryable, defers to Temporary() for anything implementing
// the stdlib "temporary" interface, and treats any other error as retryable.
type DefaultErrorChecker struct{}

func (c *DefaultErrorChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return false
	}
	if isTransientNetworkError(err) || isTimeoutError(err) {
		return true
	}

	type temporary interface {
		Temporary() bool
	}
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}
	return true
}

func isTransientNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED),
			errors.Is(opErr.Err, syscall.ECONNRESET),
			errors.Is(opErr.Err, syscall.ENETUNREACH),
			errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return true
		}
	}
	return false
}

func isTimeoutError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{"timeout", "deadline exceeded", "i/o timeout", "timed out"} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	type timeout interface {
		Timeout() bool
	}
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}
	return false
}

// ChainedErrorChecker is retryable if any of its checkers says so.
type ChainedErrorChecker struct {
	Checkers []RetryableErrorChecker
}

func (c *ChainedErrorChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, checker := range c.Checkers {
		if checker.IsRetryable(err) {
			return true
		}
	}
	return false
}

// NeverRetryChecker always declines a retry.
type NeverRetryChecker struct{}

func (c *NeverRetryChecker) IsRetryable(err error) bool { return false }

// AlwaysRetryChecker retries any non-nil error.
type AlwaysRetryChecker struct{}

func (c *AlwaysRetryChecker) IsRetryable(err error) bool { return err != nil }
