package linkresolver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/host/internal/statestore"
)

func TestResolver_ResolveDefaultsLinkName(t *testing.T) {
	r := New()
	r.Replace([]statestore.InterfaceLink{
		{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Interfaces: []string{"store"}},
	})

	target, err := r.Resolve("", "wasi", "keyvalue", "store")
	require.NoError(t, err)
	require.Equal(t, LatticeInterfaceTarget{ID: "c2", Interface: "store", LinkName: "default"}, target)
}

func TestResolver_ResolveMissingReturnsNoTarget(t *testing.T) {
	r := New()
	_, err := r.Resolve("default", "wasi", "keyvalue", "store")
	require.ErrorIs(t, err, ErrNoTarget)
}

func TestResolver_LaterLinkInSameSpecWins(t *testing.T) {
	r := New()
	r.Replace([]statestore.InterfaceLink{
		{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Interfaces: []string{"store"}, Name: "default"},
		{SourceID: "c1", Target: "c3", WitNamespace: "wasi", WitPackage: "keyvalue", Interfaces: []string{"store"}, Name: "default"},
	})

	target, err := r.Resolve("default", "wasi", "keyvalue", "store")
	require.NoError(t, err)
	require.Equal(t, "c3", target.ID)
}

func TestResolver_ReplacePurgesStaleLinks(t *testing.T) {
	r := New()
	r.Replace([]statestore.InterfaceLink{
		{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Interfaces: []string{"store"}, Name: "a"},
	})
	r.Replace([]statestore.InterfaceLink{
		{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Interfaces: []string{"store"}, Name: "b"},
	})

	_, err := r.Resolve("a", "wasi", "keyvalue", "store")
	require.ErrorIs(t, err, ErrNoTarget)

	target, err := r.Resolve("b", "wasi", "keyvalue", "store")
	require.NoError(t, err)
	require.Equal(t, "c2", target.ID)
}

func TestResolver_Clear(t *testing.T) {
	r := New()
	r.Replace([]statestore.InterfaceLink{
		{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Interfaces: []string{"store"}},
	})
	r.Clear()

	_, err := r.Resolve("default", "wasi", "keyvalue", "store")
	require.ErrorIs(t, err, ErrNoTarget)
}
