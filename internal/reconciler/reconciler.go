// Package reconciler watches the lattice state store's KV bucket and keeps
// every in-process projection derived from it — a component's live link
// resolution and the reconciler's own claims cache — converged with what was
// last committed. The host tolerates a restart by rebuilding entirely from
// this watch; the KV bucket is the only durable coordination point.
//
// Startup is drain-then-watch: materialize current state first without
// side effects, then let the live stream drive further updates.
package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/statestore"
	"github.com/latticerun/host/internal/supervisor"
)

// Reconciler owns the flat link projection and claims cache derived from the
// lattice KV bucket.
type Reconciler struct {
	adapter    bus.Adapter
	store      *statestore.Store
	components *supervisor.ComponentSupervisor
	logger     *slog.Logger

	mu     sync.RWMutex
	links  map[string][]statestore.InterfaceLink // component id -> links
	claims map[string]statestore.Claims          // subject -> claims
}

// New constructs a Reconciler. components may be nil in contexts that only
// need the claims/links cache (e.g. a read-only inventory tool).
func New(adapter bus.Adapter, store *statestore.Store, components *supervisor.ComponentSupervisor, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		adapter:    adapter,
		store:      store,
		components: components,
		logger:     logger.With("component", "reconciler"),
		links:      make(map[string][]statestore.InterfaceLink),
		claims:     make(map[string]statestore.Claims),
	}
}

// Run drains the bucket's current keys without publishing any downstream
// side effects, then switches to the live watch, blocking until ctx is
// cancelled or the watch subscription fails. A bus reconnect re-drains the
// full key set before live events resume, so changes committed during the
// partition are never missed.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.drain(ctx); err != nil {
		return err
	}
	return r.watch(ctx)
}

func (r *Reconciler) drain(ctx context.Context) error {
	keys, err := r.adapter.KVKeys(ctx, r.store.Bucket())
	if err != nil {
		return err
	}
	for _, key := range keys {
		value, ok, err := r.adapter.KVGet(ctx, r.store.Bucket(), key)
		if err != nil || !ok {
			continue
		}
		r.applyPut(key, value)
	}
	return nil
}

func (r *Reconciler) watch(ctx context.Context) error {
	events, cancel, err := r.adapter.KVWatch(ctx, r.store.Bucket())
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.adapter.Reconnected():
			r.logger.Info("bus reconnected, replaying state store keys")
			if err := r.drain(ctx); err != nil {
				r.logger.Warn("replay after reconnect failed", "error", err)
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case bus.KVPut:
				r.applyPut(ev.Key, ev.Value)
			case bus.KVDelete:
				r.applyDelete(ev.Key)
			}
		}
	}
}

func (r *Reconciler) applyPut(key string, value []byte) {
	switch {
	case statestore.IsComponentKey(key):
		id := statestore.ComponentIDFromKey(key)
		var spec statestore.ComponentSpecification
		if err := json.Unmarshal(value, &spec); err != nil {
			r.logger.Warn("failed to decode component spec", "component_id", id, "error", err)
			return
		}
		r.mu.Lock()
		r.links[id] = spec.Links
		r.mu.Unlock()
		if r.components != nil {
			r.components.ReplaceLinksIfRunning(id, spec.Links)
		}

	case statestore.IsClaimsKey(key):
		subject := statestore.SubjectFromClaimsKey(key)
		var claims statestore.Claims
		if err := json.Unmarshal(value, &claims); err != nil {
			r.logger.Warn("failed to decode claims", "subject", subject, "error", err)
			return
		}
		if claims.Subject != subject {
			r.logger.Warn("claims subject does not match key, ignoring", "key_subject", subject, "claimed_subject", claims.Subject)
			return
		}
		r.mu.Lock()
		r.claims[subject] = claims
		r.mu.Unlock()

	case statestore.IsLegacyLinkdefKey(key):
		// Pre-migration records, ignored.

	default:
		r.logger.Warn("unknown key prefix in state store watch", "key", key)
	}
}

func (r *Reconciler) applyDelete(key string) {
	switch {
	case statestore.IsComponentKey(key):
		id := statestore.ComponentIDFromKey(key)
		r.logger.Info("component spec deleted; running instances outlive their spec", "component_id", id)
		r.mu.Lock()
		delete(r.links, id)
		r.mu.Unlock()

	case statestore.IsClaimsKey(key):
		subject := statestore.SubjectFromClaimsKey(key)
		r.mu.Lock()
		delete(r.claims, subject)
		r.mu.Unlock()

	case statestore.IsLegacyLinkdefKey(key):
		// Pre-migration records, ignored.

	default:
		r.logger.Warn("unknown key prefix in state store watch", "key", key)
	}
}

// Links returns the cached flat link projection for id.
func (r *Reconciler) Links(id string) []statestore.InterfaceLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]statestore.InterfaceLink(nil), r.links[id]...)
}

// AllLinks returns the union of every component's cached links, the flat
// "links[id]" projection. The control plane's link.get handler reads the
// state store directly, not this cache.
func (r *Reconciler) AllLinks() []statestore.InterfaceLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []statestore.InterfaceLink
	for _, links := range r.links {
		all = append(all, links...)
	}
	return all
}

// Claims returns the cached claims for subject, if known.
func (r *Reconciler) Claims(subject string) (statestore.Claims, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	claims, ok := r.claims[subject]
	return claims, ok
}
