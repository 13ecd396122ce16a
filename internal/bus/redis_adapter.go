package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/latticerun/host/internal/resilience"
)

// wireEnvelope carries what a subject-based bus would put in headers and
// a reply-to field; Redis Pub/Sub only carries raw bytes, so the adapter
// wraps every published message in this envelope.
type wireEnvelope struct {
	ReplySubject string            `json:"reply_subject,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Data         []byte            `json:"data"`
}

// RedisAdapter implements Adapter on top of a single go-redis client that
// it owns for its whole lifetime.
type RedisAdapter struct {
	client *redis.Client
	logger *slog.Logger

	mu          sync.Mutex
	reconnected chan struct{}
	closed      chan struct{}
	wasDown     bool
}

// NewRedisAdapter wraps an already-configured *redis.Client (production:
// a real Redis/Valkey endpoint; tests: a miniredis instance).
func NewRedisAdapter(client *redis.Client, logger *slog.Logger) *RedisAdapter {
	a := &RedisAdapter{
		client:      client,
		logger:      logger.With("component", "bus_adapter"),
		reconnected: make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	go a.watchConnection()
	return a
}

func (a *RedisAdapter) watchConnection() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := a.client.Ping(ctx).Err()
			cancel()

			a.mu.Lock()
			if err != nil {
				a.wasDown = true
			} else if a.wasDown {
				a.wasDown = false
				a.mu.Unlock()
				a.logger.Warn("bus reconnected, signalling replay")
				select {
				case a.reconnected <- struct{}{}:
				default:
				}
				continue
			}
			a.mu.Unlock()
		}
	}
}

// Reconnected implements Adapter.
func (a *RedisAdapter) Reconnected() <-chan struct{} { return a.reconnected }

// Close implements Adapter.
func (a *RedisAdapter) Close() error {
	close(a.closed)
	return a.client.Close()
}

// Publish implements Adapter.
func (a *RedisAdapter) Publish(ctx context.Context, subject string, headers map[string]string, body []byte) error {
	env := wireEnvelope{Headers: headers, Data: body}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	if err := a.client.Publish(ctx, subject, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// toRedisPattern loosely maps NATS-style subject wildcards onto Redis
// glob patterns: a trailing ".>" (match the remaining tail, any depth)
// becomes ".*"; a lone "*" token is left as Redis "*", which matches more
// broadly than a single NATS token — acceptable here since this host
// never mixes sibling subjects that would collide under that widening.
func toRedisPattern(subject string) string {
	if strings.HasSuffix(subject, ".>") {
		return strings.TrimSuffix(subject, ".>") + ".*"
	}
	return subject
}

// Subscribe implements Adapter. queueGroup, when non-empty, makes this
// subscription one of a competing set: only one process services each
// message. Redis Pub/Sub has no native queue-group primitive, so the
// adapter emulates it with a per-message claim key so exactly one
// subscriber among the group wins.
func (a *RedisAdapter) Subscribe(ctx context.Context, subjectPattern string, queueGroup string) (Subscription, error) {
	pattern := toRedisPattern(subjectPattern)
	pubsub := a.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		return Subscription{}, fmt.Errorf("bus: subscribe %q: %w", subjectPattern, err)
	}

	out := make(chan Message, 64)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if queueGroup != "" && !a.claimForGroup(ctx, queueGroup, msg.Channel, msg.Payload) {
					continue
				}
				var env wireEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					a.logger.Warn("dropping malformed bus message", "subject", msg.Channel, "error", err)
					continue
				}
				out <- Message{
					Subject:      msg.Channel,
					ReplySubject: env.ReplySubject,
					Headers:      env.Headers,
					Data:         env.Data,
				}
			}
		}
	}()

	return Subscription{
		Messages: out,
		Unsubscribe: func() {
			cancel()
			_ = pubsub.Close()
		},
	}, nil
}

// claimForGroup ensures exactly one member of a queue group processes a
// given message, using a short-lived SETNX claim keyed by message identity.
func (a *RedisAdapter) claimForGroup(ctx context.Context, group, subject, payload string) bool {
	key := fmt.Sprintf("qg:%s:%s:%x", group, subject, hashPayload(payload))
	ok, err := a.client.SetNX(ctx, key, "1", 10*time.Second).Result()
	if err != nil {
		a.logger.Warn("queue group claim failed, processing locally", "error", err)
		return true
	}
	return ok
}

func hashPayload(payload string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(payload); i++ {
		h ^= uint64(payload[i])
		h *= 1099511628211
	}
	return h
}

// Request implements Adapter using a unique inbox reply subject. It also
// listens on that inbox's companion error subject (reply+".err"), the
// subject the Invocation Router's forward() transmits invocation failures
// to (see internal/router.errorSubjectFor); a message arriving there is
// returned as an error rather than a successful Message.
func (a *RedisAdapter) Request(ctx context.Context, subject string, headers map[string]string, body []byte, timeout time.Duration) (Message, error) {
	reply := "_INBOX." + uuid.NewString()

	sub, err := a.Subscribe(ctx, reply, "")
	if err != nil {
		return Message{}, fmt.Errorf("bus: request setup: %w", err)
	}
	defer sub.Unsubscribe()

	errSub, err := a.Subscribe(ctx, reply+".err", "")
	if err != nil {
		return Message{}, fmt.Errorf("bus: request error-subject setup: %w", err)
	}
	defer errSub.Unsubscribe()

	env := wireEnvelope{ReplySubject: reply, Headers: headers, Data: body}
	raw, err := json.Marshal(env)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	if err := a.client.Publish(ctx, subject, raw).Err(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case msg, ok := <-sub.Messages:
		if !ok {
			return Message{}, ErrRequestTimedOut
		}
		return msg, nil
	case errMsg, ok := <-errSub.Messages:
		if !ok {
			return Message{}, ErrRequestTimedOut
		}
		return Message{}, invocationErrorFrom(errMsg.Data)
	case <-timeoutCtx.Done():
		return Message{}, ErrRequestTimedOut
	}
}

func bucketHashKey(bucket string) string      { return "kv:" + bucket }
func bucketWatchChannel(bucket string) string { return "kvwatch:" + bucket }

// EnsureBucket implements Adapter. Redis hashes are created lazily, but
// the host still wants an idempotent "does this exist" signal on startup.
func (a *RedisAdapter) EnsureBucket(ctx context.Context, bucket string) error {
	return a.client.SAdd(ctx, "buckets", bucket).Err()
}

// KVPut implements Adapter.
func (a *RedisAdapter) KVPut(ctx context.Context, bucket, key string, value []byte) error {
	if err := a.client.HSet(ctx, bucketHashKey(bucket), key, value).Err(); err != nil {
		return fmt.Errorf("bus: kv put %s/%s: %w", bucket, key, err)
	}
	return a.notifyWatch(ctx, bucket, KVEvent{Kind: KVPut, Key: key, Value: value})
}

// KVGet implements Adapter.
func (a *RedisAdapter) KVGet(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	val, err := a.client.HGet(ctx, bucketHashKey(bucket), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("bus: kv get %s/%s: %w", bucket, key, err)
	}
	return val, true, nil
}

// KVDelete implements Adapter.
func (a *RedisAdapter) KVDelete(ctx context.Context, bucket, key string) error {
	if err := a.client.HDel(ctx, bucketHashKey(bucket), key).Err(); err != nil {
		return fmt.Errorf("bus: kv delete %s/%s: %w", bucket, key, err)
	}
	return a.notifyWatch(ctx, bucket, KVEvent{Kind: KVDelete, Key: key})
}

// KVKeys implements Adapter.
func (a *RedisAdapter) KVKeys(ctx context.Context, bucket string) ([]string, error) {
	keys, err := a.client.HKeys(ctx, bucketHashKey(bucket)).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: kv keys %s: %w", bucket, err)
	}
	return keys, nil
}

func (a *RedisAdapter) notifyWatch(ctx context.Context, bucket string, ev KVEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, bucketWatchChannel(bucket), raw).Err()
}

// KVWatch implements Adapter.
func (a *RedisAdapter) KVWatch(ctx context.Context, bucket string) (<-chan KVEvent, func(), error) {
	pubsub := a.client.Subscribe(ctx, bucketWatchChannel(bucket))
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("bus: kv watch %s: %w", bucket, err)
	}

	out := make(chan KVEvent, 64)
	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev KVEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					a.logger.Warn("dropping malformed kv watch event", "bucket", bucket, "error", err)
					continue
				}
				out <- ev
			}
		}
	}()

	return out, func() {
		cancel()
		_ = pubsub.Close()
	}, nil
}

// DialWithRetry connects and pings a Redis endpoint using the host's
// standard backoff policy, surfacing ErrAuthenticationFailed distinctly
// since that failure is fatal at startup rather than transient.
func DialWithRetry(ctx context.Context, opts *redis.Options, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(opts)
	err := resilience.WithRetry(ctx, &resilience.RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		Logger:     logger,
	}, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		if resilience.ClassifyError(err) == resilience.ClassAuth {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		return nil, fmt.Errorf("bus: dial: %w", err)
	}
	return client, nil
}
