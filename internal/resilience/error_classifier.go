package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorClass is a coarse failure category used as a log/metric label at the
// host's I/O boundaries (bus publishes, KV access, policy requests, provider
// RPC).
type ErrorClass string

const (
	ClassNone        ErrorClass = "none"
	ClassTimeout     ErrorClass = "timeout"
	ClassNetwork     ErrorClass = "network"
	ClassDNS         ErrorClass = "dns"
	ClassCancelled   ErrorClass = "cancelled"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassAuth        ErrorClass = "auth"
	ClassUnknown     ErrorClass = "unknown"
)

// ClassifyError maps err onto an ErrorClass. Context errors and typed net
// errors are matched structurally; everything else falls back to message
// inspection, which is as precise as a wrapped transport error allows.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassDNS
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "noauth"), strings.Contains(msg, "wrongpass"),
		strings.Contains(msg, "authentication"):
		return ClassAuth
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return ClassRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "network"):
		return ClassNetwork
	}
	return ClassUnknown
}
