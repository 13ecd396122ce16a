package policy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/host/internal/bus"
)

func TestGate_UnconfiguredPermitsUnconditionally(t *testing.T) {
	g, err := New(nil, Config{}, slog.Default())
	require.NoError(t, err)

	decision, err := g.EvaluateStartComponent(context.Background(), "Mabc", "oci://echo:1.0", nil, nil)
	require.NoError(t, err)
	require.True(t, decision.Permitted)
}

func TestGate_PermitsAndCaches(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	sub, err := adapter.Subscribe(context.Background(), "lattice.policy.eval", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var calls atomic.Int32
	go func() {
		for msg := range sub.Messages {
			calls.Add(1)
			var req Request
			_ = json.Unmarshal(msg.Data, &req)
			reply, _ := json.Marshal(Decision{Permitted: true, RequestID: req.RequestID})
			_ = adapter.Publish(context.Background(), msg.ReplySubject, nil, reply)
		}
	}()

	g, err := New(adapter, Config{Subject: "lattice.policy.eval", Timeout: time.Second, CacheTTL: time.Minute}, slog.Default())
	require.NoError(t, err)

	decision, err := g.EvaluateStartComponent(context.Background(), "Mabc", "oci://echo:1.0", nil, nil)
	require.NoError(t, err)
	require.True(t, decision.Permitted)

	decision, err = g.EvaluateStartComponent(context.Background(), "Mabc", "oci://echo:1.0", nil, nil)
	require.NoError(t, err)
	require.True(t, decision.Permitted)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestGate_FailsClosedOnTimeout(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	g, err := New(adapter, Config{Subject: "lattice.policy.eval", Timeout: 20 * time.Millisecond}, slog.Default())
	require.NoError(t, err)

	decision, err := g.EvaluateStartComponent(context.Background(), "Mabc", "oci://echo:1.0", nil, nil)
	require.NoError(t, err)
	require.False(t, decision.Permitted)
}
