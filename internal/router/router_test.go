package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/configbundle"
	"github.com/latticerun/host/internal/statestore"
	"github.com/latticerun/host/internal/supervisor"
)

type fakeInvoker struct {
	lastID, lastIface, lastFunction string
	output                          []byte
	err                             error
}

func (f *fakeInvoker) Invoke(ctx context.Context, id, iface, function string, params []byte) (supervisor.InvokeResult, error) {
	f.lastID, f.lastIface, f.lastFunction = id, iface, function
	if f.err != nil {
		return supervisor.InvokeResult{}, f.err
	}
	return supervisor.InvokeResult{Output: f.output}, nil
}

func TestRouter_ForwardsExportSubscriptionToInvoker(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	invoker := &fakeInvoker{output: []byte("handled")}
	r := New(context.Background(), "default", adapter, invoker, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := r.SubscribeExport(ctx, "Mabc", ExportHTTPIncomingHandler, "handle")
	require.NoError(t, err)
	defer sub.Close()

	replySub, err := adapter.Subscribe(ctx, "_reply.test", "")
	require.NoError(t, err)
	defer replySub.Unsubscribe()

	require.NoError(t, adapter.Publish(ctx, "wasmbus.rpc.default.Mabc.handle", map[string]string{"reply-to": "_reply.test"}, []byte("req")))
	_ = replySub

	// Publish doesn't set ReplySubject directly on MemoryAdapter; verify via invoker call instead.
	require.Eventually(t, func() bool { return invoker.lastID == "Mabc" }, time.Second, 10*time.Millisecond)
	require.Equal(t, "handle", invoker.lastFunction)
}

func TestRouter_HTTPHandlerInvokesComponent(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	invoker := &fakeInvoker{output: []byte("pong")}
	r := New(context.Background(), "default", adapter, invoker, slog.Default())

	srv := httptest.NewServer(r.HTTPHandler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/invoke/Mabc", "application/octet-stream", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Mabc", invoker.lastID)
	require.Equal(t, ExportHTTPIncomingHandler, invoker.lastIface)
}

func TestRouter_OnComponentRunningChangedOpensAndClosesExports(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	invoker := &fakeInvoker{output: []byte("handled")}
	r := New(context.Background(), "default", adapter, invoker, slog.Default())

	r.OnComponentRunningChanged("Mabc", true)
	require.NoError(t, adapter.Publish(context.Background(), "wasmbus.rpc.default.Mabc.handle", nil, []byte("req")))
	require.Eventually(t, func() bool { return invoker.lastID == "Mabc" }, time.Second, 10*time.Millisecond)

	r.OnComponentRunningChanged("Mabc", false)
	r.exportsMu.Lock()
	_, stillTracked := r.exports["Mabc"]
	r.exportsMu.Unlock()
	require.False(t, stillTracked)
}

func TestRouter_ForwardTransmitsErrorsOnTheErrorSubjectNotTheResultSubject(t *testing.T) {
	adapter := bus.NewMemoryAdapter()
	invoker := &fakeInvoker{err: errors.New("boom")}
	r := New(context.Background(), "default", adapter, invoker, slog.Default())

	resultSub, err := adapter.Subscribe(context.Background(), "_reply.test", "")
	require.NoError(t, err)
	defer resultSub.Unsubscribe()
	errSub, err := adapter.Subscribe(context.Background(), "_reply.test.err", "")
	require.NoError(t, err)
	defer errSub.Unsubscribe()

	r.forward("Mabc", AcceptedInvocation{
		Context:       context.Background(),
		Interface:     ExportHTTPIncomingHandler,
		Function:      "handle",
		ResultSubject: "_reply.test",
		ErrorSubject:  errorSubjectFor("_reply.test"),
	})

	select {
	case msg := <-errSub.Messages:
		require.Contains(t, string(msg.Data), "boom")
	case <-time.After(time.Second):
		t.Fatal("expected an error on the error subject")
	}
	select {
	case <-resultSub.Messages:
		t.Fatal("result subject should not receive an error reply")
	default:
	}
}

func TestRouter_OutboundResolvesAndCallsTarget(t *testing.T) {
	adapter := bus.NewMemoryAdapter()

	sub, err := adapter.Subscribe(context.Background(), "wasmbus.rpc.default.c2.store", "")
	require.NoError(t, err)
	go func() {
		for msg := range sub.Messages {
			_ = adapter.Publish(context.Background(), msg.ReplySubject, nil, []byte("value"))
		}
	}()

	handler := supervisor.NewHandler("default", "c1", adapter, (*configbundle.Bundle)(nil), time.Second)
	handler.ReplaceLinks([]statestore.InterfaceLink{
		{SourceID: "c1", Target: "c2", WitNamespace: "wasi", WitPackage: "keyvalue", Interfaces: []string{"store"}},
	})

	r := New(context.Background(), "default", adapter, &fakeInvoker{}, slog.Default())
	out, err := r.Outbound(context.Background(), handler, "wasi", "keyvalue", "store", []byte("get"))
	require.NoError(t, err)
	require.Equal(t, "value", string(out))
}
