// Package router implements the invocation router: it turns subscriptions
// on a component's exported interfaces into calls against the component
// supervisor, and resolves and issues outbound RPC for a component's own
// calls out to the lattice. The HTTP export surface is served with
// gorilla/mux as a single incoming-handler passthrough per component.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/supervisor"
)

// WitExport names the interfaces the router special-cases.
const (
	ExportHTTPIncomingHandler = "wasi:http/incoming-handler@0.2.0"
	ExportMessagingHandler    = "wasmcloud:messaging/handler"
)

// AcceptedInvocation is a decoded inbound call, ready to forward to the
// Component Supervisor.
type AcceptedInvocation struct {
	Context       context.Context
	Interface     string
	Function      string
	Params        []byte
	ResultSubject string
	ErrorSubject  string
}

// Invocations is the per-component invocation execution surface the router
// forwards accepted calls to.
type Invocations interface {
	Invoke(ctx context.Context, id, iface, function string, params []byte) (supervisor.InvokeResult, error)
}

// Router owns export subscriptions for running components and forwards
// accepted invocations to the supervisor.
type Router struct {
	// baseCtx scopes every export subscription the router opens on a
	// running-state change, so host shutdown aborts them alongside every
	// other subscription loop.
	baseCtx   context.Context
	latticeID string
	adapter   bus.Adapter
	invoker   Invocations
	logger    *slog.Logger

	httpMux *mux.Router

	exportsMu sync.Mutex
	exports   map[string][]*ExportSubscription
}

// New constructs a Router. ctx bounds the lifetime of every export
// subscription opened via OnComponentRunningChanged; nil means the process
// lifetime.
func New(ctx context.Context, latticeID string, adapter bus.Adapter, invoker Invocations, logger *slog.Logger) *Router {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Router{
		baseCtx:   ctx,
		latticeID: latticeID,
		adapter:   adapter,
		invoker:   invoker,
		logger:    logger.With("component", "invocation_router"),
		httpMux:   mux.NewRouter(),
		exports:   make(map[string][]*ExportSubscription),
	}
}

// OnComponentRunningChanged opens the well-known export subscriptions
// (HTTP incoming-handler, messaging handler) for a component that just
// started running, or closes them once it scales to zero. Dynamic
// resource-method exports are never served.
func (r *Router) OnComponentRunningChanged(id string, running bool) {
	ctx := r.baseCtx

	r.exportsMu.Lock()
	existing := r.exports[id]
	delete(r.exports, id)
	r.exportsMu.Unlock()

	for _, sub := range existing {
		sub.Close()
	}
	if !running {
		return
	}

	var opened []*ExportSubscription
	for _, export := range []struct{ iface, function string }{
		{ExportHTTPIncomingHandler, "handle"},
		{ExportMessagingHandler, "handle-message"},
	} {
		sub, err := r.SubscribeExport(ctx, id, export.iface, export.function)
		if err != nil {
			r.logger.Warn("failed to open export subscription", "component_id", id, "interface", export.iface, "error", err)
			continue
		}
		opened = append(opened, sub)
	}

	r.exportsMu.Lock()
	r.exports[id] = opened
	r.exportsMu.Unlock()
}

// ExportSubscription is a live subscription backing one component's export.
type ExportSubscription struct {
	cancel func()
}

// Close cancels the subscription.
func (e *ExportSubscription) Close() { e.cancel() }

// SubscribeExport opens an export subscription for id on a static function
// export. Messages arriving on the subject are decoded into an
// AcceptedInvocation and forwarded to the supervisor; the result or error is
// transmitted back on the invocation's result/error subject.
func (r *Router) SubscribeExport(ctx context.Context, id, iface, function string) (*ExportSubscription, error) {
	subject := fmt.Sprintf("wasmbus.rpc.%s.%s.%s", r.latticeID, id, function)
	sub, err := r.adapter.Subscribe(ctx, subject, id)
	if err != nil {
		return nil, fmt.Errorf("router: subscribe export %s/%s: %w", id, function, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go r.serveExport(subCtx, id, iface, function, sub)

	return &ExportSubscription{cancel: func() {
		cancel()
		sub.Unsubscribe()
	}}, nil
}

func (r *Router) serveExport(ctx context.Context, id, iface, function string, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages:
			if !ok {
				return
			}
			inv := AcceptedInvocation{
				Context:       withTraceHeaders(ctx, msg.Headers),
				Interface:     iface,
				Function:      function,
				Params:        msg.Data,
				ResultSubject: msg.ReplySubject,
				ErrorSubject:  errorSubjectFor(msg.ReplySubject),
			}
			r.forward(id, inv)
		}
	}
}

// errorSubjectFor derives the companion subject a caller's Request listens
// on for an invocation error, from the result subject it supplied. An empty
// result subject (a fire-and-forget invocation with no reply expected) has
// no error subject either.
func errorSubjectFor(resultSubject string) string {
	if resultSubject == "" {
		return ""
	}
	return resultSubject + ".err"
}

func (r *Router) forward(id string, inv AcceptedInvocation) {
	result, err := r.invoker.Invoke(inv.Context, id, inv.Interface, inv.Function, inv.Params)
	if err != nil {
		if inv.ErrorSubject != "" {
			r.transmitError(inv.Context, inv.ErrorSubject, err)
		}
		return
	}
	if inv.ResultSubject == "" {
		return
	}
	if pubErr := r.adapter.Publish(inv.Context, inv.ResultSubject, nil, result.Output); pubErr != nil {
		r.logger.Warn("failed to transmit invocation result", "component_id", id, "error", pubErr)
	}
}

func (r *Router) transmitError(ctx context.Context, subject string, invErr error) {
	payload, _ := json.Marshal(map[string]string{"error": invErr.Error()})
	if err := r.adapter.Publish(ctx, subject, nil, payload); err != nil {
		r.logger.Warn("failed to transmit invocation error", "error", err)
	}
}

type traceHeaderKey struct{}

func withTraceHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return context.WithValue(ctx, traceHeaderKey{}, headers)
}

// TraceHeadersFromContext returns the inbound trace headers attached to ctx,
// if any.
func TraceHeadersFromContext(ctx context.Context) map[string]string {
	headers, _ := ctx.Value(traceHeaderKey{}).(map[string]string)
	return headers
}

// HTTPHandler returns the gorilla/mux handler serving
// wasi:http/incoming-handler exports: requests to /invoke/{componentID} are
// forwarded to that component's handle function with the request body
// streamed in.
func (r *Router) HTTPHandler() http.Handler {
	r.httpMux.HandleFunc("/invoke/{componentID}", r.serveHTTPIncomingHandler).Methods(http.MethodPost)
	return r.httpMux
}

func (r *Router) serveHTTPIncomingHandler(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["componentID"]
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	result, err := r.invoker.Invoke(req.Context(), id, ExportHTTPIncomingHandler, "handle", body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(result.Output)
}

// Outbound issues an RPC for an outbound call resolved through a
// component's Handler, attaching source-id and trace headers. Timeouts
// surface as a wrapped error, never as a fatal failure.
func (r *Router) Outbound(ctx context.Context, handler *supervisor.Handler, namespace, pkg, iface string, params []byte) ([]byte, error) {
	target, err := handler.Resolve(namespace, pkg, iface)
	if err != nil {
		return nil, err
	}

	subject := fmt.Sprintf("wasmbus.rpc.%s.%s.%s", handler.LatticeID, target.ID, iface)
	headers := map[string]string{
		"source-id": handler.ComponentID,
		"trace-id":  uuid.NewString(),
		"link-name": target.LinkName,
	}

	reply, err := r.adapter.Request(ctx, subject, headers, params, handler.InvocationTimeout())
	if err != nil {
		return nil, fmt.Errorf("router: outbound call to %s via %s: %w", target.ID, iface, err)
	}
	return reply.Data, nil
}
