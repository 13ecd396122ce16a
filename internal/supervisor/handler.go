// Package supervisor implements the component and provider supervisor
// state machines. Bounded concurrency per component is modeled as a
// channel-backed free list of instances, so a context-cancellable acquire
// hands the caller a distinct instance rather than just a permit.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/configbundle"
	"github.com/latticerun/host/internal/linkresolver"
	"github.com/latticerun/host/internal/statestore"
)

// Invoker executes one typed export call against a component instance. The
// actual Wasm execution engine is outside this codebase's scope; Invoker is
// the boundary a host implementation plugs into.
type Invoker func(ctx context.Context, iface, function string, params []byte) ([]byte, error)

// Handler is shared by every instance in a component's pool. Its mutable
// cells — targets, interface link projection, and config bundle — each
// carry their own synchronization so instances never block each other on
// unrelated state.
type Handler struct {
	LatticeID   string
	ComponentID string

	bus               bus.Adapter
	invocationTimeout time.Duration

	targetsMu sync.RWMutex
	targets   map[string]string // "namespace:package:interface" -> link name

	links  *linkresolver.Resolver
	bundle *configbundle.Bundle

	polyfilledMu sync.RWMutex
	polyfilled   map[string]map[string][]string // interface -> function -> result types
}

// NewHandler constructs a Handler for one component.
func NewHandler(latticeID, componentID string, adapter bus.Adapter, bundle *configbundle.Bundle, invocationTimeout time.Duration) *Handler {
	return &Handler{
		LatticeID:         latticeID,
		ComponentID:       componentID,
		bus:               adapter,
		invocationTimeout: invocationTimeout,
		targets:           make(map[string]string),
		links:             linkresolver.New(),
		bundle:            bundle,
		polyfilled:        make(map[string]map[string][]string),
	}
}

func targetKey(namespace, pkg, iface string) string { return namespace + ":" + pkg + ":" + iface }

// LinkNameFor returns the link name currently assigned to a call target
// interface, defaulting to "default" when unset.
func (h *Handler) LinkNameFor(namespace, pkg, iface string) string {
	h.targetsMu.RLock()
	defer h.targetsMu.RUnlock()
	if name, ok := h.targets[targetKey(namespace, pkg, iface)]; ok {
		return name
	}
	return "default"
}

// SetTarget assigns a link name to a call target interface.
func (h *Handler) SetTarget(namespace, pkg, iface, linkName string) {
	h.targetsMu.Lock()
	defer h.targetsMu.Unlock()
	h.targets[targetKey(namespace, pkg, iface)] = linkName
}

// ReplaceLinks rebuilds the handler's interface link projection, used by the
// reconciler whenever this component's ComponentSpecification changes.
func (h *Handler) ReplaceLinks(links []statestore.InterfaceLink) {
	h.links.Replace(links)
}

// Resolve looks up the lattice target for an outbound call.
func (h *Handler) Resolve(namespace, pkg, iface string) (linkresolver.LatticeInterfaceTarget, error) {
	linkName := h.LinkNameFor(namespace, pkg, iface)
	return h.links.Resolve(linkName, namespace, pkg, iface)
}

// Config returns the handler's currently materialized config bundle, or an
// empty map if no bundle is attached.
func (h *Handler) Config() map[string]string {
	if h.bundle == nil {
		return map[string]string{}
	}
	return h.bundle.Merged()
}

// Bus returns the bus adapter instances use for outbound RPC.
func (h *Handler) Bus() bus.Adapter { return h.bus }

// InvocationTimeout returns the per-call deadline instances should apply.
func (h *Handler) InvocationTimeout() time.Duration { return h.invocationTimeout }

// SetPolyfilledImport records the result-type schema learned for a
// dynamically-typed export's function, for PolyfilledResultTypes to return.
// The invocation router does not read it.
func (h *Handler) SetPolyfilledImport(iface, function string, resultTypes []string) {
	h.polyfilledMu.Lock()
	defer h.polyfilledMu.Unlock()
	byFunc, ok := h.polyfilled[iface]
	if !ok {
		byFunc = make(map[string][]string)
		h.polyfilled[iface] = byFunc
	}
	byFunc[function] = resultTypes
}

// PolyfilledResultTypes returns the result-type schema for iface/function,
// if known.
func (h *Handler) PolyfilledResultTypes(iface, function string) ([]string, bool) {
	h.polyfilledMu.RLock()
	defer h.polyfilledMu.RUnlock()
	byFunc, ok := h.polyfilled[iface]
	if !ok {
		return nil, false
	}
	types, ok := byFunc[function]
	return types, ok
}
