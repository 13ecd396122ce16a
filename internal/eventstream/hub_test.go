package eventstream

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/latticerun/host/internal/events"
)

type fakeSubscriber struct {
	baseSubscriber
	mu       sync.Mutex
	received []events.CloudEvent
	failNext bool
}

func newFakeSubscriber(ctx context.Context, id string) *fakeSubscriber {
	return &fakeSubscriber{baseSubscriber: newBaseSubscriber(ctx, id)}
}

func (f *fakeSubscriber) Send(ev events.CloudEvent) error {
	if f.failNext {
		return ErrChannelFull
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, ev)
	return nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestHub_BroadcastsToAllSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(slog.Default(), NewMetrics(prometheus.NewRegistry()), 0)
	hub.Start(ctx)
	defer hub.Stop(context.Background())

	a := newFakeSubscriber(ctx, "a")
	b := newFakeSubscriber(ctx, "b")
	hub.Subscribe(a)
	hub.Subscribe(b)
	require.Equal(t, 2, hub.ActiveSubscribers())

	ev, err := events.New("NHOST1", events.TypeHostStarted, events.HostStartedData{FriendlyName: "blue-otter-42"})
	require.NoError(t, err)
	hub.Publish(ev)

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_DropsSubscriberOnSendFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(slog.Default(), NewMetrics(prometheus.NewRegistry()), 0)
	hub.Start(ctx)
	defer hub.Stop(context.Background())

	bad := newFakeSubscriber(ctx, "bad")
	bad.failNext = true
	hub.Subscribe(bad)

	ev, err := events.New("NHOST1", events.TypeHostHeartbeat, events.HeartbeatData{})
	require.NoError(t, err)
	hub.Publish(ev)

	require.Eventually(t, func() bool { return hub.ActiveSubscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_SkipsSubscribersWithCancelledContext(t *testing.T) {
	parent := context.Background()
	hub := NewHub(slog.Default(), NewMetrics(prometheus.NewRegistry()), 0)
	hub.Start(parent)
	defer hub.Stop(context.Background())

	cancelledCtx, cancel := context.WithCancel(parent)
	cancel()
	sub := newFakeSubscriber(cancelledCtx, "gone")
	hub.Subscribe(sub)

	ev, err := events.New("NHOST1", events.TypeHostStopped, events.HostStoppedData{Reason: "shutdown"})
	require.NoError(t, err)
	hub.Publish(ev)

	require.Eventually(t, func() bool { return hub.ActiveSubscribers() == 0 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, sub.count())
}
