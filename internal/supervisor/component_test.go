package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/metrics"
	"github.com/latticerun/host/internal/policy"
	"github.com/latticerun/host/internal/statestore"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeFetcher struct {
	claims statestore.Claims
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, imageRef string) (statestore.Claims, error) {
	if f.err != nil {
		return statestore.Claims{}, f.err
	}
	return f.claims, nil
}

func newTestSupervisor(t *testing.T) (*ComponentSupervisor, bus.Adapter) {
	t.Helper()
	adapter := bus.NewMemoryAdapter()
	store := statestore.New(adapter, "default")
	gate, err := policy.New(nil, policy.Config{}, slog.Default())
	require.NoError(t, err)
	fetcher := &fakeFetcher{claims: statestore.Claims{Subject: "Mabc"}}
	m := metrics.New(prometheus.NewRegistry())

	cfg := Config{
		LatticeID: "default",
		NewInvokers: func(ctx context.Context, id, imageRef string, count int, handler *Handler) ([]Invoker, error) {
			invokers := make([]Invoker, count)
			for i := range invokers {
				invokers[i] = func(ctx context.Context, iface, function string, params []byte) ([]byte, error) {
					return []byte("ok"), nil
				}
			}
			return invokers, nil
		},
	}
	return New(adapter, store, gate, fetcher, m, slog.Default(), cfg), adapter
}

func TestComponentSupervisor_ScaleUpFromAbsent(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.Scale(ctx, "Mabc", "oci://echo:1.0", 2, nil, nil))
	state, n := sup.StateOf("Mabc")
	require.Equal(t, Running, state)
	require.Equal(t, 2, n)
}

func TestComponentSupervisor_ScaleAbsentToZeroIsNoop(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	require.NoError(t, sup.Scale(context.Background(), "Mabc", "", 0, nil, nil))
	state, _ := sup.StateOf("Mabc")
	require.Equal(t, Absent, state)
}

func TestComponentSupervisor_ScaleToZeroPreservesComponentSpec(t *testing.T) {
	sup, adapter := newTestSupervisor(t)
	ctx := context.Background()
	store := statestore.New(adapter, "default")

	require.NoError(t, sup.Scale(ctx, "Mabc", "oci://echo:1.0", 2, nil, nil))
	require.NoError(t, sup.Scale(ctx, "Mabc", "oci://echo:1.0", 0, nil, nil))

	state, n := sup.StateOf("Mabc")
	require.Equal(t, Absent, state)
	require.Equal(t, 0, n)

	_, ok, err := store.GetComponentSpec(ctx, "Mabc")
	require.NoError(t, err)
	require.True(t, ok, "component spec must persist across scale-to-zero")
}

func TestComponentSupervisor_NotifiesRunningChangedOnScaleUpAndDown(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	var events []bool
	var mu sync.Mutex
	sup.SetOnRunningChanged(func(id string, running bool) {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, "Mabc", id)
		events = append(events, running)
	})

	require.NoError(t, sup.Scale(ctx, "Mabc", "oci://echo:1.0", 2, nil, nil))
	require.NoError(t, sup.Scale(ctx, "Mabc", "oci://echo:1.0", 0, nil, nil))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, events)
}

func TestComponentSupervisor_RescaleSameCountIsNoop(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.Scale(ctx, "Mabc", "oci://echo:1.0", 2, nil, nil))
	require.NoError(t, sup.Scale(ctx, "Mabc", "oci://echo:1.0", 2, nil, nil))

	_, n := sup.StateOf("Mabc")
	require.Equal(t, 2, n)
}

func TestComponentSupervisor_InvokeExecutesTypedExport(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	require.NoError(t, sup.Scale(ctx, "Mabc", "oci://echo:1.0", 1, nil, nil))

	result, err := sup.Invoke(ctx, "Mabc", "wasi:http/incoming-handler", "handle", []byte("req"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(result.Output))
}

func TestComponentSupervisor_InvokeFailsWhenNotRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.Invoke(context.Background(), "Mabc", "wasi:http/incoming-handler", "handle", nil)
	require.Error(t, err)
}

func TestComponentSupervisor_ScaleUpFailsClosedOnPolicyDenial(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	sub, err := adapter.Subscribe(context.Background(), "lattice.policy.eval", "")
	require.NoError(t, err)
	go func() {
		for msg := range sub.Messages {
			_ = msg
			reply := []byte(`{"permitted":false,"message":"denied"}`)
			_ = adapter.Publish(context.Background(), msg.ReplySubject, nil, reply)
		}
	}()

	store := statestore.New(adapter, "default")
	gate, err := policy.New(adapter, policy.Config{Subject: "lattice.policy.eval"}, slog.Default())
	require.NoError(t, err)
	fetcher := &fakeFetcher{claims: statestore.Claims{Subject: "Mabc"}}
	m := metrics.New(prometheus.NewRegistry())

	sup := New(adapter, store, gate, fetcher, m, slog.Default(), Config{LatticeID: "default"})
	err = sup.Scale(context.Background(), "Mabc", "oci://echo:1.0", 1, nil, nil)
	require.Error(t, err)

	state, _ := sup.StateOf("Mabc")
	require.Equal(t, Absent, state)
}

// blockingFetcher lets a test observe the in-flight fetch count and hold
// every call open until released, to exercise fetchArtifact's concurrency
// bound.
type blockingFetcher struct {
	inFlight int32
	maxSeen  int32
	release  chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, imageRef string) (statestore.Claims, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	<-f.release
	atomic.AddInt32(&f.inFlight, -1)
	return statestore.Claims{Subject: "Mabc"}, nil
}

func TestComponentSupervisor_FetchArtifactBoundsConcurrency(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	store := statestore.New(adapter, "default")
	gate, err := policy.New(nil, policy.Config{}, slog.Default())
	require.NoError(t, err)

	fetcher := &blockingFetcher{release: make(chan struct{})}
	m := metrics.New(prometheus.NewRegistry())
	sup := New(adapter, store, gate, fetcher, m, slog.Default(), Config{LatticeID: "default", MaxConcurrentFetch: 2})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = sup.fetchArtifact(context.Background(), "file://echo")
		}(i)
	}

	// Give every goroutine a chance to reach the semaphore before releasing.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&fetcher.maxSeen), int32(2))
}

func TestComponentSupervisor_ScaleUpRejectsUnknownIssuer(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	store := statestore.New(adapter, "default")
	gate, err := policy.New(nil, policy.Config{}, slog.Default())
	require.NoError(t, err)
	fetcher := &fakeFetcher{claims: statestore.Claims{Subject: "Mabc", Issuer: "CUntrusted"}}
	m := metrics.New(prometheus.NewRegistry())

	sup := New(adapter, store, gate, fetcher, m, slog.Default(), Config{
		LatticeID:      "default",
		ClusterIssuers: []string{"CTrusted"},
	})

	err = sup.Scale(context.Background(), "Mabc", "oci://echo:1.0", 1, nil, nil)
	require.Error(t, err)
	state, _ := sup.StateOf("Mabc")
	require.Equal(t, Absent, state)
}

func TestComponentSupervisor_ScaleUpPermitsConfiguredIssuer(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	store := statestore.New(adapter, "default")
	gate, err := policy.New(nil, policy.Config{}, slog.Default())
	require.NoError(t, err)
	fetcher := &fakeFetcher{claims: statestore.Claims{Subject: "Mabc", Issuer: "CTrusted"}}
	m := metrics.New(prometheus.NewRegistry())

	sup := New(adapter, store, gate, fetcher, m, slog.Default(), Config{
		LatticeID:      "default",
		ClusterIssuers: []string{"CTrusted"},
		NewInvokers: func(ctx context.Context, id, imageRef string, count int, handler *Handler) ([]Invoker, error) {
			invokers := make([]Invoker, count)
			for i := range invokers {
				invokers[i] = func(ctx context.Context, iface, function string, params []byte) ([]byte, error) {
					return []byte("ok"), nil
				}
			}
			return invokers, nil
		},
	})

	require.NoError(t, sup.Scale(context.Background(), "Mabc", "oci://echo:1.0", 1, nil, nil))
	state, _ := sup.StateOf("Mabc")
	require.Equal(t, Running, state)
}
