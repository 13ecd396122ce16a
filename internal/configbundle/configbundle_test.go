package configbundle

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/host/internal/bus"
)

func putConfig(t *testing.T, adapter bus.Adapter, bucket, name string, values map[string]string) {
	t.Helper()
	raw, err := json.Marshal(values)
	require.NoError(t, err)
	require.NoError(t, adapter.KVPut(context.Background(), bucket, name, raw))
}

func TestBundle_MergesInOrderLaterWins(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	putConfig(t, adapter, "CONFIGDATA_default", "base", map[string]string{"log_level": "info", "timeout": "5s"})
	putConfig(t, adapter, "CONFIGDATA_default", "override", map[string]string{"log_level": "debug"})

	b, err := New(context.Background(), adapter, "CONFIGDATA_default", []string{"base", "override"}, slog.Default())
	require.NoError(t, err)
	defer b.Close()

	merged := b.Merged()
	require.Equal(t, "debug", merged["log_level"])
	require.Equal(t, "5s", merged["timeout"])
	require.Equal(t, []string{"base", "override"}, b.ConfigNames())
}

func TestBundle_RematerializesOnChange(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	putConfig(t, adapter, "CONFIGDATA_default", "base", map[string]string{"log_level": "info"})

	b, err := New(context.Background(), adapter, "CONFIGDATA_default", []string{"base"}, slog.Default())
	require.NoError(t, err)
	defer b.Close()

	notified := make(chan map[string]string, 1)
	b.OnChange(func(merged map[string]string) { notified <- merged })

	putConfig(t, adapter, "CONFIGDATA_default", "base", map[string]string{"log_level": "warn"})

	select {
	case merged := <-notified:
		require.Equal(t, "warn", merged["log_level"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for re-materialization notice")
	}
}

func TestBundle_IgnoresUnreferencedKeyChanges(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	putConfig(t, adapter, "CONFIGDATA_default", "base", map[string]string{"log_level": "info"})

	b, err := New(context.Background(), adapter, "CONFIGDATA_default", []string{"base"}, slog.Default())
	require.NoError(t, err)
	defer b.Close()

	notified := make(chan struct{}, 1)
	b.OnChange(func(map[string]string) { notified <- struct{}{} })

	putConfig(t, adapter, "CONFIGDATA_default", "unrelated", map[string]string{"x": "y"})

	select {
	case <-notified:
		t.Fatal("unexpected notification for unreferenced config name")
	case <-time.After(100 * time.Millisecond):
	}
}
