// Package bus implements the host's bus adapter: a typed wrapper over the
// external message bus used for both the control-plane protocol and RPC,
// plus the replicated KV bucket. The adapter is the only package in the
// host that talks to the transport directly; every other component goes
// through the Adapter interface.
//
// The production implementation rides on github.com/redis/go-redis/v9:
// Pub/Sub backs publish/subscribe/request-reply, and a Redis hash per
// bucket backs the KV contract.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrPublishFailed        = errors.New("bus: publish failed")
	ErrRequestTimedOut      = errors.New("bus: request timed out")
	ErrAuthenticationFailed = errors.New("bus: authentication failed")
)

// invocationError is the body an Invocation Router's transmitError publishes
// to an invocation's error subject.
type invocationError struct {
	Error string `json:"error"`
}

// invocationErrorFrom decodes a message received on an invocation error
// subject into a Go error, for Request implementations that listen on both
// the result and error companion subjects.
func invocationErrorFrom(data []byte) error {
	var body invocationError
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return fmt.Errorf("bus: invocation failed")
	}
	return fmt.Errorf("bus: invocation failed: %s", body.Error)
}

// Message is an inbound message delivered to a subscription, or a reply
// received from Request.
type Message struct {
	Subject      string
	ReplySubject string
	Headers      map[string]string
	Data         []byte
}

// Subscription is a live subscription to a subject pattern. Messages are
// delivered in arrival order for a given subject; order across subjects is
// not guaranteed.
type Subscription struct {
	Messages <-chan Message
	// Unsubscribe cancels delivery and releases the underlying transport
	// resources. Safe to call more than once.
	Unsubscribe func()
}

// KVEventKind distinguishes a Put from a Delete in a KV watch stream.
type KVEventKind int

const (
	KVPut KVEventKind = iota
	KVDelete
)

// KVEvent is a single change observed on a watched bucket.
type KVEvent struct {
	Kind  KVEventKind
	Key   string
	Value []byte
}

// Adapter is the contract every other component depends on. Implementations
// must guarantee at-least-once subscription delivery and preserve
// per-subject ordering; KV watches must deliver every committed change at
// least once, coalescing is permitted only for a key the consumer has not
// yet observed.
type Adapter interface {
	Publish(ctx context.Context, subject string, headers map[string]string, body []byte) error
	Subscribe(ctx context.Context, subjectPattern string, queueGroup string) (Subscription, error)
	Request(ctx context.Context, subject string, headers map[string]string, body []byte, timeout time.Duration) (Message, error)

	KVPut(ctx context.Context, bucket, key string, value []byte) error
	KVGet(ctx context.Context, bucket, key string) ([]byte, bool, error)
	KVDelete(ctx context.Context, bucket, key string) error
	KVKeys(ctx context.Context, bucket string) ([]string, error)
	// KVWatch streams every change committed to bucket from this point
	// forward. The returned channel is closed when the returned stop func
	// is called; RedisAdapter also closes it when ctx is cancelled.
	KVWatch(ctx context.Context, bucket string) (<-chan KVEvent, func(), error)
	EnsureBucket(ctx context.Context, bucket string) error

	// Reconnected fires every time the underlying connection re-establishes
	// after a loss, so consumers can replay KV state.
	Reconnected() <-chan struct{}

	Close() error
}
