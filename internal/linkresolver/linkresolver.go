// Package linkresolver implements the in-memory link projection: the
// resolver a running component's outbound calls consult to find the
// lattice target behind a link name and interface. Every component has its
// own Resolver, scoped to its own ComponentSpecification — the uniqueness
// key for an InterfaceLink includes the source component id, so no
// cross-component sharing is possible. The reconciler rebuilds a
// component's Resolver whenever its ComponentSpecification changes.
package linkresolver

import (
	"errors"
	"sync"

	"github.com/latticerun/host/internal/statestore"
)

// ErrNoTarget is returned when resolution finds no target for the given
// link name, namespace:package, and interface. Callers surface this as a
// policy-visible error to the invoking component.
var ErrNoTarget = errors.New("linkresolver: no target for link")

// LatticeInterfaceTarget is the result of a successful resolution.
type LatticeInterfaceTarget struct {
	ID        string
	Interface string
	LinkName  string
}

type namespacePackage = string

// Resolver holds one component's three-level mapping link_name ->
// namespace:package -> interface -> target.
type Resolver struct {
	mu    sync.RWMutex
	links map[string]map[namespacePackage]map[string]LatticeInterfaceTarget
}

// New returns an empty Resolver.
func New() *Resolver {
	return &Resolver{links: make(map[string]map[namespacePackage]map[string]LatticeInterfaceTarget)}
}

func nsPkgKey(namespace, pkg string) string { return namespace + ":" + pkg }

// Resolve implements the resolution algorithm: given the link name
// currently assigned to this call target interface (defaulting to
// "default" when unset), find the target for namespace, pkg, and iface.
func (r *Resolver) Resolve(linkName, namespace, pkg, iface string) (LatticeInterfaceTarget, error) {
	if linkName == "" {
		linkName = "default"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	byPkg, ok := r.links[linkName]
	if !ok {
		return LatticeInterfaceTarget{}, ErrNoTarget
	}
	byIface, ok := byPkg[nsPkgKey(namespace, pkg)]
	if !ok {
		return LatticeInterfaceTarget{}, ErrNoTarget
	}
	target, ok := byIface[iface]
	if !ok {
		return LatticeInterfaceTarget{}, ErrNoTarget
	}
	return target, nil
}

// Replace rebuilds the entire projection from links, in sequence order.
// Because later links overwrite earlier ones for an identical (link_name,
// namespace:package, interface) key, the last InterfaceLink in the slice
// wins — this models edit-in-place semantics for repeated puts within one
// ComponentSpecification.
func (r *Resolver) Replace(links []statestore.InterfaceLink) {
	fresh := make(map[string]map[namespacePackage]map[string]LatticeInterfaceTarget)
	for _, link := range links {
		name := link.Name
		if name == "" {
			name = "default"
		}
		byPkg, ok := fresh[name]
		if !ok {
			byPkg = make(map[namespacePackage]map[string]LatticeInterfaceTarget)
			fresh[name] = byPkg
		}
		pkgKey := nsPkgKey(link.WitNamespace, link.WitPackage)
		byIface, ok := byPkg[pkgKey]
		if !ok {
			byIface = make(map[string]LatticeInterfaceTarget)
			byPkg[pkgKey] = byIface
		}
		for _, iface := range link.Interfaces {
			byIface[iface] = LatticeInterfaceTarget{ID: link.Target, Interface: iface, LinkName: name}
		}
	}

	r.mu.Lock()
	r.links = fresh
	r.mu.Unlock()
}

// Clear empties the projection, used when a component is fully torn down.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.links = make(map[string]map[namespacePackage]map[string]LatticeInterfaceTarget)
	r.mu.Unlock()
}
