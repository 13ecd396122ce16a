package bus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisAdapter(t *testing.T) *RedisAdapter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisAdapter(client, slog.Default())
}

func TestRedisAdapter_PublishSubscribe(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, "wasmbus.evt.default.host_started", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, a.Publish(ctx, "wasmbus.evt.default.host_started", map[string]string{"source-id": "NABC"}, []byte(`{"ok":true}`)))

	select {
	case msg := <-sub.Messages:
		require.Equal(t, "wasmbus.evt.default.host_started", msg.Subject)
		require.Equal(t, "NABC", msg.Headers["source-id"])
		require.JSONEq(t, `{"ok":true}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisAdapter_WildcardSubscription(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, "prefix.v1.default.actor.scale.>", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, a.Publish(ctx, "prefix.v1.default.actor.scale.NHOST1", nil, []byte("x")))

	select {
	case msg := <-sub.Messages:
		require.Equal(t, "prefix.v1.default.actor.scale.NHOST1", msg.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wildcard delivery")
	}
}

func TestRedisAdapter_RequestReply(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, "host.ping", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	go func() {
		msg := <-sub.Messages
		_ = a.Publish(ctx, msg.ReplySubject, nil, []byte(`{"success":true}`))
	}()

	reply, err := a.Request(ctx, "host.ping", nil, nil, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"success":true}`, string(reply.Data))
}

func TestRedisAdapter_RequestSurfacesErrorSubjectAsError(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, "host.ping", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	go func() {
		msg := <-sub.Messages
		_ = a.Publish(ctx, msg.ReplySubject+".err", nil, []byte(`{"error":"policy denied"}`))
	}()

	_, err = a.Request(ctx, "host.ping", nil, nil, time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "policy denied")
}

func TestRedisAdapter_RequestTimesOut(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	_, err := a.Request(ctx, "host.ping", nil, nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimedOut)
}

func TestRedisAdapter_KVRoundTrip(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.EnsureBucket(ctx, "LATTICEDATA_default"))
	require.NoError(t, a.KVPut(ctx, "LATTICEDATA_default", "COMPONENT_c1", []byte(`{"url":""}`)))

	val, ok, err := a.KVGet(ctx, "LATTICEDATA_default", "COMPONENT_c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"url":""}`, string(val))

	keys, err := a.KVKeys(ctx, "LATTICEDATA_default")
	require.NoError(t, err)
	require.Contains(t, keys, "COMPONENT_c1")

	require.NoError(t, a.KVDelete(ctx, "LATTICEDATA_default", "COMPONENT_c1"))
	_, ok, err = a.KVGet(ctx, "LATTICEDATA_default", "COMPONENT_c1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisAdapter_KVWatchObservesPutAndDelete(t *testing.T) {
	a := newTestRedisAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, stop, err := a.KVWatch(ctx, "LATTICEDATA_default")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, a.KVPut(ctx, "LATTICEDATA_default", "COMPONENT_c1", []byte("v1")))
	ev := requireEvent(t, events)
	require.Equal(t, KVPut, ev.Kind)
	require.Equal(t, "COMPONENT_c1", ev.Key)

	require.NoError(t, a.KVDelete(ctx, "LATTICEDATA_default", "COMPONENT_c1"))
	ev = requireEvent(t, events)
	require.Equal(t, KVDelete, ev.Kind)
}

func requireEvent(t *testing.T, ch <-chan KVEvent) KVEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for kv watch event")
		return KVEvent{}
	}
}

func TestMemoryAdapter_PublishSubscribeAndKV(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, "link.put", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, a.Publish(ctx, "link.put", nil, []byte("payload")))
	msg := <-sub.Messages
	require.Equal(t, "payload", string(msg.Data))

	require.NoError(t, a.KVPut(ctx, "CONFIGDATA_default", "cfg-a", []byte(`{"k":"v"}`)))
	val, ok, err := a.KVGet(ctx, "CONFIGDATA_default", "cfg-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"k":"v"}`, string(val))
}

func TestMemoryAdapter_RequestCarriesReplySubjectAndErrorCompanion(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, "wasmbus.rpc.default.c2.store", "")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	go func() {
		msg := <-sub.Messages
		require.NotEmpty(t, msg.ReplySubject)
		_ = a.Publish(ctx, msg.ReplySubject+".err", nil, []byte(`{"error":"boom"}`))
	}()

	_, err = a.Request(ctx, "wasmbus.rpc.default.c2.store", nil, nil, time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"host.ping", "host.ping", true},
		{"host.get.*", "host.get.NHOST1", true},
		{"host.get.*", "host.get.NHOST1.extra", false},
		{"link.>", "link.put.extra.deep", true},
		{"actor.scale.*", "actor.update.NHOST1", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, subjectMatches(tc.pattern, tc.subject), "%s vs %s", tc.pattern, tc.subject)
	}
}
