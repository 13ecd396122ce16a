package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/host/internal/bus"
)

func TestStore_ComponentSpecRoundTrip(t *testing.T) {
	s := New(bus.NewMemoryAdapter(), "default")
	ctx := context.Background()

	_, ok, err := s.GetComponentSpec(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	spec := ComponentSpecification{URL: "", Links: []InterfaceLink{{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Interfaces: []string{"store"}, Name: "default"}}}
	require.NoError(t, s.StoreComponentSpec(ctx, "c1", spec, ""))

	got, ok, err := s.GetComponentSpec(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, spec, got)

	require.NoError(t, s.DeleteComponentSpec(ctx, "c1"))
	_, ok, err = s.GetComponentSpec(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_StoreComponentSpecRejectsURLChangeWhileRunning(t *testing.T) {
	s := New(bus.NewMemoryAdapter(), "default")
	ctx := context.Background()

	err := s.StoreComponentSpec(ctx, "c1", ComponentSpecification{URL: "https://new"}, "https://old")
	require.Error(t, err)
	var mismatch *ErrURLChanged
	require.ErrorAs(t, err, &mismatch)
}

func TestStore_ClaimsRoundTripAndSubjectMismatch(t *testing.T) {
	s := New(bus.NewMemoryAdapter(), "default")
	ctx := context.Background()

	err := s.StoreClaims(ctx, "Msubjectone", Claims{Subject: "Mother"})
	require.Error(t, err)
	var mismatch *ErrSubjectMismatch
	require.ErrorAs(t, err, &mismatch)

	claims := Claims{Subject: "Msubjectone", Issuer: "Aissuer", Name: "echo", Revision: 1, Version: "0.1.0"}
	require.NoError(t, s.StoreClaims(ctx, "Msubjectone", claims))

	got, ok, err := s.GetClaims(ctx, "Msubjectone")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ActorClaimsKind, got.Kind)

	providerClaims := Claims{Subject: "Vsubjecttwo", ContractID: "wasmcloud:httpserver"}
	require.NoError(t, s.StoreClaims(ctx, "Vsubjecttwo", providerClaims))
	got, ok, err = s.GetClaims(ctx, "Vsubjecttwo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ProviderClaimsKind, got.Kind)
}

func TestStore_ListSkipsLegacyLinkdefKeys(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	s := New(adapter, "default")
	ctx := context.Background()

	require.NoError(t, adapter.KVPut(ctx, s.Bucket(), "LINKDEF_old", []byte("{}")))
	require.NoError(t, s.StoreComponentSpec(ctx, "c1", ComponentSpecification{}, ""))

	specs, err := s.ListComponentSpecs(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	require.Contains(t, specs, "c1")
}

func TestInterfaceLinkKeyUniqueness(t *testing.T) {
	a := InterfaceLink{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Name: "default"}
	b := InterfaceLink{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Name: "default", Interfaces: []string{"store", "atomics"}}
	require.Equal(t, a.Key(), b.Key())

	c := InterfaceLink{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Name: "other"}
	require.NotEqual(t, a.Key(), c.Key())
}
