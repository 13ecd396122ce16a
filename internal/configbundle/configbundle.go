// Package configbundle implements the config bundler: given an ordered list
// of named config references, it materializes one merged mapping by folding
// each name's JSON map in order (later names override earlier keys) and
// keeps that mapping live by subscribing to KV changes on every referenced
// name. The current value is swapped atomically and a change-notification
// callback tells the owner to re-read.
package configbundle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/latticerun/host/internal/bus"
)

// Bundle is the materialized merge of an ordered list of named configs.
type Bundle struct {
	names   []string
	bucket  string
	adapter bus.Adapter
	logger  *slog.Logger

	current atomic.Pointer[map[string]string]

	mu       sync.Mutex
	onChange func(merged map[string]string)
	unwatch  []func()
	stopped  bool
}

// New generates a Bundle from names, fetching each referenced config from
// bucket in order and folding into one map (later names win on key
// collision). The bundle subscribes to KV changes on bucket so any
// subsequent put/delete of a referenced name triggers re-materialization.
func New(ctx context.Context, adapter bus.Adapter, bucket string, names []string, logger *slog.Logger) (*Bundle, error) {
	b := &Bundle{
		names:   append([]string(nil), names...),
		bucket:  bucket,
		adapter: adapter,
		logger:  logger.With("component", "config_bundler"),
	}
	if err := b.materialize(ctx); err != nil {
		return nil, err
	}
	if err := b.watch(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// ConfigNames returns the current ordered list of referenced names, for
// equality checks during scale operations.
func (b *Bundle) ConfigNames() []string { return append([]string(nil), b.names...) }

// Merged returns the currently materialized mapping. Safe for concurrent use.
func (b *Bundle) Merged() map[string]string {
	m := b.current.Load()
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(*m))
	for k, v := range *m {
		out[k] = v
	}
	return out
}

// OnChange registers fn to be invoked every time the bundle re-materializes.
// Only one callback is supported; a later registration replaces an earlier
// one, matching the single-Handler-owner relationship a bundle has.
func (b *Bundle) OnChange(fn func(merged map[string]string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Close cancels every underlying KV watch.
func (b *Bundle) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	for _, unwatch := range b.unwatch {
		unwatch()
	}
}

func (b *Bundle) materialize(ctx context.Context) error {
	merged := make(map[string]string)
	for _, name := range b.names {
		raw, ok, err := b.adapter.KVGet(ctx, b.bucket, name)
		if err != nil {
			return fmt.Errorf("configbundle: fetch %s: %w", name, err)
		}
		if !ok {
			continue
		}
		var part map[string]string
		if err := json.Unmarshal(raw, &part); err != nil {
			b.logger.Warn("skipping malformed config entry", "name", name, "error", err)
			continue
		}
		for k, v := range part {
			merged[k] = v
		}
	}
	b.current.Store(&merged)
	return nil
}

func (b *Bundle) watch(ctx context.Context) error {
	referenced := make(map[string]bool, len(b.names))
	for _, name := range b.names {
		referenced[name] = true
	}

	events, cancel, err := b.adapter.KVWatch(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("configbundle: watch %s: %w", b.bucket, err)
	}
	b.mu.Lock()
	b.unwatch = append(b.unwatch, cancel)
	b.mu.Unlock()

	go func() {
		for ev := range events {
			if !referenced[ev.Key] {
				continue
			}
			if err := b.materialize(ctx); err != nil {
				b.logger.Warn("config re-materialization failed", "error", err)
				continue
			}
			b.mu.Lock()
			onChange := b.onChange
			b.mu.Unlock()
			if onChange != nil {
				onChange(b.Merged())
			}
		}
	}()
	return nil
}
