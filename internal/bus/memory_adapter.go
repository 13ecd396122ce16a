package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAdapter is a fully in-process Adapter: one RWMutex guarding
// subject fan-out maps and KV buckets. Used by tests that exercise the
// control plane, reconciler, and supervisors without a Redis dependency.
type MemoryAdapter struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Message // subject pattern ("*" and ">" wildcards) -> listeners
	buckets     map[string]map[string][]byte
	watchers    map[string][]chan KVEvent

	reconnected chan struct{}
}

// NewMemoryAdapter constructs an empty in-process bus.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		subscribers: make(map[string][]chan Message),
		buckets:     make(map[string]map[string][]byte),
		watchers:    make(map[string][]chan KVEvent),
		reconnected: make(chan struct{}, 1),
	}
}

func (a *MemoryAdapter) Reconnected() <-chan struct{} { return a.reconnected }
func (a *MemoryAdapter) Close() error                 { return nil }

func (a *MemoryAdapter) Publish(ctx context.Context, subject string, headers map[string]string, body []byte) error {
	return a.publishMessage(Message{Subject: subject, Headers: headers, Data: body})
}

// publishMessage fans msg out to every subscriber whose pattern matches its
// subject, preserving any ReplySubject the caller already set (Request uses
// this to advertise its inbox, which Publish's plain subject/headers/body
// signature has no room for).
func (a *MemoryAdapter) publishMessage(msg Message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for pattern, chans := range a.subscribers {
		if !subjectMatches(pattern, msg.Subject) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- msg:
			default:
			}
		}
	}
	return nil
}

func (a *MemoryAdapter) Subscribe(ctx context.Context, subjectPattern string, queueGroup string) (Subscription, error) {
	ch := make(chan Message, 64)
	a.mu.Lock()
	a.subscribers[subjectPattern] = append(a.subscribers[subjectPattern], ch)
	a.mu.Unlock()

	unsub := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		list := a.subscribers[subjectPattern]
		for i, c := range list {
			if c == ch {
				a.subscribers[subjectPattern] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return Subscription{Messages: ch, Unsubscribe: unsub}, nil
}

func (a *MemoryAdapter) Request(ctx context.Context, subject string, headers map[string]string, body []byte, timeout time.Duration) (Message, error) {
	reply := "_INBOX." + uuid.NewString()
	sub, err := a.Subscribe(ctx, reply, "")
	if err != nil {
		return Message{}, err
	}
	defer sub.Unsubscribe()

	errSub, err := a.Subscribe(ctx, reply+".err", "")
	if err != nil {
		return Message{}, err
	}
	defer errSub.Unsubscribe()

	headersCopy := map[string]string{}
	for k, v := range headers {
		headersCopy[k] = v
	}
	reqMsg := Message{Subject: subject, ReplySubject: reply, Headers: headersCopy, Data: body}
	if err := a.publishMessage(reqMsg); err != nil {
		return Message{}, err
	}
	// The in-memory adapter cannot itself reply; callers in tests attach a
	// responder goroutine on `reply` before invoking Request.
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

func (a *MemoryAdapter) EnsureBucket(ctx context.Context, bucket string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buckets[bucket] == nil {
		a.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (a *MemoryAdapter) KVPut(ctx context.Context, bucket, key string, value []byte) error {
	a.mu.Lock()
	if a.buckets[bucket] == nil {
		a.buckets[bucket] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	a.buckets[bucket][key] = cp
	watchers := append([]chan KVEvent(nil), a.watchers[bucket]...)
	a.mu.Unlock()

	ev := KVEvent{Kind: KVPut, Key: key, Value: cp}
	for _, w := range watchers {
		select {
		case w <- ev:
		default:
		}
	}
	return nil
}

func (a *MemoryAdapter) KVGet(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.buckets[bucket]
	if !ok {
		return nil, false, nil
	}
	v, ok := b[key]
	return v, ok, nil
}

func (a *MemoryAdapter) KVDelete(ctx context.Context, bucket, key string) error {
	a.mu.Lock()
	if a.buckets[bucket] != nil {
		delete(a.buckets[bucket], key)
	}
	watchers := append([]chan KVEvent(nil), a.watchers[bucket]...)
	a.mu.Unlock()

	ev := KVEvent{Kind: KVDelete, Key: key}
	for _, w := range watchers {
		select {
		case w <- ev:
		default:
		}
	}
	return nil
}

func (a *MemoryAdapter) KVKeys(ctx context.Context, bucket string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.buckets[bucket]))
	for k := range a.buckets[bucket] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (a *MemoryAdapter) KVWatch(ctx context.Context, bucket string) (<-chan KVEvent, func(), error) {
	ch := make(chan KVEvent, 64)
	a.mu.Lock()
	a.watchers[bucket] = append(a.watchers[bucket], ch)
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		list := a.watchers[bucket]
		for i, c := range list {
			if c == ch {
				a.watchers[bucket] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

// SeedKV writes a bucket entry without notifying any watcher, modeling a
// change committed while this host's watch subscription was down.
func (a *MemoryAdapter) SeedKV(bucket, key string, value []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buckets[bucket] == nil {
		a.buckets[bucket] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	a.buckets[bucket][key] = cp
}

// SimulateReconnect lets tests assert Reconciler replay-on-reconnect logic
// without a real network partition.
func (a *MemoryAdapter) SimulateReconnect() {
	select {
	case a.reconnected <- struct{}{}:
	default:
	}
}

// subjectMatches applies NATS-style "*" (single token) and ">" (tail)
// wildcards to a dot-separated subject.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := splitSubject(pattern)
	sTokens := splitSubject(subject)

	for i, pt := range pTokens {
		if pt == ">" {
			return true
		}
		if i >= len(sTokens) {
			return false
		}
		if pt == "*" {
			continue
		}
		if pt != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}

func splitSubject(s string) []string {
	var tokens []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			tokens = append(tokens, s[start:i])
			start = i + 1
		}
	}
	tokens = append(tokens, s[start:])
	return tokens
}
