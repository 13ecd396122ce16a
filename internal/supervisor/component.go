package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/configbundle"
	"github.com/latticerun/host/internal/events"
	"github.com/latticerun/host/internal/metrics"
	"github.com/latticerun/host/internal/policy"
	"github.com/latticerun/host/internal/statestore"
)

// State is a component's lifecycle phase.
type State int

const (
	Absent State = iota
	Starting
	Running
	Stopping
)

// ErrAlreadyRunning is returned by ProviderSupervisor.Start when the
// provider is already running.
var ErrAlreadyRunning = errors.New("supervisor: component already running")

// ArtifactFetcher resolves a component artifact reference and verifies its
// embedded claims. Kept narrow so the supervisor's state machine and tests
// never depend on a specific transport; the host wires a concrete fetcher
// at startup.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, imageRef string) (claims statestore.Claims, err error)
}

// instancePool is a fixed-size set of Invoker slots. free holds exactly one
// token per idle instance; acquiring blocks until an instance is available,
// bounding concurrency to len(invokers) while handing each caller a
// distinct instance.
type instancePool struct {
	free chan Invoker
	n    int
}

func newInstancePool(invokers []Invoker) *instancePool {
	free := make(chan Invoker, len(invokers))
	for _, inv := range invokers {
		free <- inv
	}
	return &instancePool{free: free, n: len(invokers)}
}

func (p *instancePool) size() int { return p.n }

// acquire blocks until an instance is free or ctx is cancelled.
func (p *instancePool) acquire(ctx context.Context) (Invoker, error) {
	select {
	case inv := <-p.free:
		return inv, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *instancePool) release(inv Invoker) {
	select {
	case p.free <- inv:
	default:
	}
}

type componentSlot struct {
	mu sync.Mutex // serializes lifecycle transitions for this id

	state        State
	imageRef     string
	annotations  map[string]string
	maxInstances int
	handler      *Handler
	bundle       *configbundle.Bundle
	pool         *instancePool
	claims       statestore.Claims
}

// ComponentSupervisor owns the component table and drives its state
// machine.
type ComponentSupervisor struct {
	latticeID string
	hostID    string
	adapter   bus.Adapter
	store     *statestore.Store
	gate      *policy.Gate
	fetcher   ArtifactFetcher
	logger    *slog.Logger
	metrics   *metrics.Host

	configBucket string

	tableMu sync.RWMutex
	table   map[string]*componentSlot

	invocationTimeout time.Duration

	// issuers is the host's cluster-issuer set. A nil/empty set permits any
	// issuer, matching the Policy Gate's unconfigured-permits pattern; a
	// non-empty set rejects a scale-up/update whose claims.Issuer isn't in it.
	issuers map[string]struct{}

	// newInvokers builds an instance pool's Invoker slots for a freshly
	// scaled-up component; swappable in tests.
	newInvokers func(ctx context.Context, id, imageRef string, count int, handler *Handler) ([]Invoker, error)

	// onRunningChanged notifies the Invocation Router when a component
	// transitions to or from Running, so it can open or close the
	// component's export subscriptions. Nil is a valid no-op, e.g. in unit
	// tests that exercise the supervisor without a router attached.
	onRunningChanged func(id string, running bool)

	// fetchLimit bounds how many artifact fetches run concurrently across
	// all components, independent of any single component's instance pool,
	// so a burst of scale/update commands can't open unbounded concurrent
	// fetches against the artifact source.
	fetchLimit *semaphore.Weighted
}

// Config configures a ComponentSupervisor.
type Config struct {
	LatticeID          string
	HostID             string
	ConfigBucket       string
	InvocationTimeout  time.Duration
	MaxConcurrentFetch int64
	ClusterIssuers     []string
	NewInvokers        func(ctx context.Context, id, imageRef string, count int, handler *Handler) ([]Invoker, error)
	OnRunningChanged   func(id string, running bool)
}

func issuerSet(issuers []string) map[string]struct{} {
	if len(issuers) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(issuers))
	for _, iss := range issuers {
		set[iss] = struct{}{}
	}
	return set
}

// New constructs a ComponentSupervisor.
func New(adapter bus.Adapter, store *statestore.Store, gate *policy.Gate, fetcher ArtifactFetcher, m *metrics.Host, logger *slog.Logger, cfg Config) *ComponentSupervisor {
	timeout := cfg.InvocationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fetchLimit := cfg.MaxConcurrentFetch
	if fetchLimit <= 0 {
		fetchLimit = 8
	}
	return &ComponentSupervisor{
		latticeID:         cfg.LatticeID,
		hostID:            cfg.HostID,
		adapter:           adapter,
		store:             store,
		gate:              gate,
		fetcher:           fetcher,
		logger:            logger.With("component", "component_supervisor"),
		metrics:           m,
		configBucket:      cfg.ConfigBucket,
		table:             make(map[string]*componentSlot),
		invocationTimeout: timeout,
		issuers:           issuerSet(cfg.ClusterIssuers),
		newInvokers:       cfg.NewInvokers,
		onRunningChanged:  cfg.OnRunningChanged,
		fetchLimit:        semaphore.NewWeighted(fetchLimit),
	}
}

// SetOnRunningChanged installs the running-state-change callback after
// construction, for callers (such as the Invocation Router) that must
// themselves be built from the already-constructed ComponentSupervisor.
func (s *ComponentSupervisor) SetOnRunningChanged(fn func(id string, running bool)) {
	s.onRunningChanged = fn
}

func (s *ComponentSupervisor) notifyRunningChanged(id string, running bool) {
	if s.onRunningChanged != nil {
		s.onRunningChanged(id, running)
	}
}

// fetchArtifact acquires the shared fetch semaphore before delegating to
// the configured ArtifactFetcher, releasing it unconditionally afterward.
func (s *ComponentSupervisor) fetchArtifact(ctx context.Context, imageRef string) (statestore.Claims, error) {
	if err := s.fetchLimit.Acquire(ctx, 1); err != nil {
		return statestore.Claims{}, err
	}
	defer s.fetchLimit.Release(1)
	return s.fetcher.Fetch(ctx, imageRef)
}

// verifyIssuer checks claims.Issuer against the host's cluster-issuer set.
// An unconfigured (nil/empty) set permits any issuer.
func (s *ComponentSupervisor) verifyIssuer(claims statestore.Claims) error {
	if len(s.issuers) == 0 {
		return nil
	}
	if _, ok := s.issuers[claims.Issuer]; !ok {
		return fmt.Errorf("supervisor: issuer %q is not in the cluster-issuer set", claims.Issuer)
	}
	return nil
}

func (s *ComponentSupervisor) slotFor(id string) *componentSlot {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	slot, ok := s.table[id]
	if !ok {
		slot = &componentSlot{state: Absent}
		s.table[id] = slot
	}
	return slot
}

// ListRunning returns every running component's instance count, keyed by id,
// for use by the control plane's host inventory reply.
func (s *ComponentSupervisor) ListRunning() map[string]int {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	out := make(map[string]int)
	for id, slot := range s.table {
		slot.mu.Lock()
		if slot.state == Running {
			out[id] = slot.maxInstances
		}
		slot.mu.Unlock()
	}
	return out
}

// ReplaceLinksIfRunning swaps a running component's Handler's interface link
// projection in place, preserving Handler identity and leaving its instance
// pool untouched. A no-op for an absent or transitional component: the
// reconciler's own projection update (the state store itself) is what
// matters when the component later starts.
func (s *ComponentSupervisor) ReplaceLinksIfRunning(id string, links []statestore.InterfaceLink) {
	s.tableMu.RLock()
	slot, ok := s.table[id]
	s.tableMu.RUnlock()
	if !ok {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.state == Running && slot.handler != nil {
		slot.handler.ReplaceLinks(links)
	}
}

// StateOf returns the current state and instance count for id.
func (s *ComponentSupervisor) StateOf(id string) (State, int) {
	s.tableMu.RLock()
	slot, ok := s.table[id]
	s.tableMu.RUnlock()
	if !ok {
		return Absent, 0
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.state, slot.maxInstances
}

// Scale implements the C6 scale contract.
func (s *ComponentSupervisor) Scale(ctx context.Context, id, imageRef string, maxInstances int, annotations map[string]string, configNames []string) error {
	slot := s.slotFor(id)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	switch {
	case slot.state == Absent && maxInstances == 0:
		return nil

	case slot.state == Absent && maxInstances > 0:
		return s.scaleUpFromAbsentLocked(ctx, id, slot, imageRef, maxInstances, annotations, configNames)

	case slot.state == Running && maxInstances == 0:
		return s.scaleToZeroLocked(ctx, id, slot)

	case slot.state == Running && maxInstances > 0:
		return s.rescaleRunningLocked(ctx, id, slot, maxInstances, annotations, configNames)

	default:
		return fmt.Errorf("supervisor: component %s in transitional state, retry", id)
	}
}

func (s *ComponentSupervisor) scaleUpFromAbsentLocked(ctx context.Context, id string, slot *componentSlot, imageRef string, n int, annotations map[string]string, configNames []string) error {
	slot.state = Starting

	claims, err := s.fetchArtifact(ctx, imageRef)
	if err != nil {
		slot.state = Absent
		s.publishScaleFailed(ctx, id, imageRef, err)
		return fmt.Errorf("supervisor: fetch artifact %s: %w", imageRef, err)
	}

	if err := s.verifyIssuer(claims); err != nil {
		slot.state = Absent
		s.publishScaleFailed(ctx, id, imageRef, err)
		return fmt.Errorf("supervisor: %w", err)
	}

	decision, err := s.gate.EvaluateStartComponent(ctx, id, imageRef, annotations, mustMarshal(claims))
	if err != nil {
		slot.state = Absent
		return err
	}
	if !decision.Permitted {
		slot.state = Absent
		if s.metrics != nil {
			s.metrics.PolicyDenialsTotal.WithLabelValues("start_component").Inc()
		}
		s.publishScaleFailed(ctx, id, imageRef, errors.New(decision.Message))
		return fmt.Errorf("supervisor: policy denied start of %s: %s", id, decision.Message)
	}

	if err := s.store.StoreClaims(ctx, id, claims); err != nil {
		slot.state = Absent
		return err
	}

	existing, _, err := s.store.GetComponentSpec(ctx, id)
	if err != nil {
		slot.state = Absent
		return err
	}
	spec := statestore.ComponentSpecification{URL: imageRef, Links: existing.Links}
	if err := s.store.StoreComponentSpec(ctx, id, spec, ""); err != nil {
		slot.state = Absent
		return err
	}

	bundle, err := s.materializeBundle(ctx, configNames)
	if err != nil {
		slot.state = Absent
		return err
	}
	handler := NewHandler(s.latticeID, id, s.adapter, bundle, s.invocationTimeout)
	handler.ReplaceLinks(spec.Links)

	invokers, err := s.buildInvokers(ctx, id, imageRef, n, handler)
	if err != nil {
		slot.state = Absent
		s.publishScaleFailed(ctx, id, imageRef, err)
		return err
	}

	slot.imageRef = imageRef
	slot.annotations = annotations
	slot.maxInstances = n
	slot.handler = handler
	slot.bundle = bundle
	slot.pool = newInstancePool(invokers)
	slot.claims = claims
	slot.state = Running

	s.recordRunning(id, n)
	s.publishScaled(ctx, id, imageRef, annotations, n, "")
	s.notifyRunningChanged(id, true)
	return nil
}

func (s *ComponentSupervisor) scaleToZeroLocked(ctx context.Context, id string, slot *componentSlot) error {
	slot.state = Stopping
	if slot.bundle != nil {
		slot.bundle.Close()
	}
	slot.pool = nil
	slot.maxInstances = 0
	slot.state = Absent
	s.recordRunning(id, 0)
	s.publishScaled(ctx, id, slot.imageRef, slot.annotations, 0, "")
	s.notifyRunningChanged(id, false)
	return nil
}

func (s *ComponentSupervisor) rescaleRunningLocked(ctx context.Context, id string, slot *componentSlot, n int, annotations map[string]string, configNames []string) error {
	configChanged := !sameConfigNames(slot.bundle, configNames)
	if slot.maxInstances == n && !configChanged {
		return nil
	}

	if configChanged {
		if slot.bundle != nil {
			slot.bundle.Close()
		}
		bundle, err := s.materializeBundle(ctx, configNames)
		if err != nil {
			return err
		}
		slot.bundle = bundle
		slot.handler.bundle = bundle
	}

	if slot.maxInstances == n {
		return nil
	}

	invokers, err := s.buildInvokers(ctx, id, slot.imageRef, n, slot.handler)
	if err != nil {
		return err
	}
	oldPool := slot.pool
	slot.pool = newInstancePool(invokers)
	slot.maxInstances = n
	slot.annotations = annotations
	_ = oldPool // old pool's instances are abandoned; no in-flight drain modeled here

	s.recordRunning(id, n)
	s.publishScaled(ctx, id, slot.imageRef, annotations, n, "")
	return nil
}

// Update implements the C6 update contract: fetch and verify a new
// artifact, instantiate at the current size, and swap on success.
func (s *ComponentSupervisor) Update(ctx context.Context, id, newImageRef string, annotations map[string]string) error {
	slot := s.slotFor(id)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.state != Running {
		return fmt.Errorf("supervisor: cannot update component %s: not running", id)
	}

	newClaims, err := s.fetchArtifact(ctx, newImageRef)
	if err != nil {
		return fmt.Errorf("supervisor: fetch updated artifact %s: %w", newImageRef, err)
	}
	if err := s.verifyIssuer(newClaims); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	invokers, err := s.buildInvokers(ctx, id, newImageRef, slot.maxInstances, slot.handler)
	if err != nil {
		return fmt.Errorf("supervisor: update %s: instantiate new pool: %w", id, err)
	}

	oldImageRef, oldClaims, oldCount := slot.imageRef, slot.claims, slot.maxInstances

	slot.pool = newInstancePool(invokers)
	slot.imageRef = newImageRef
	slot.claims = newClaims
	slot.annotations = annotations

	if err := s.store.StoreClaims(ctx, id, newClaims); err != nil {
		return err
	}

	s.publishScaled(ctx, id, newImageRef, annotations, slot.maxInstances, "")
	s.publishActorScaledZero(ctx, id, oldImageRef, oldClaims, oldCount)
	return nil
}

// InvokeResult is the outcome of an invocation.
type InvokeResult struct {
	Output []byte
}

// Invoke executes the per-request invocation steps described for C6: policy
// check, bounded instance acquisition, typed export execution, and metrics.
func (s *ComponentSupervisor) Invoke(ctx context.Context, id, iface, function string, params []byte) (InvokeResult, error) {
	slot := s.slotFor(id)
	slot.mu.Lock()
	if slot.state != Running || slot.pool == nil || slot.pool.size() == 0 {
		slot.mu.Unlock()
		return InvokeResult{}, fmt.Errorf("supervisor: component %s not running", id)
	}
	pool := slot.pool
	slot.mu.Unlock()

	decision, err := s.gate.EvaluatePerformInvocation(ctx, id, iface, function)
	if err != nil {
		return InvokeResult{}, err
	}
	if !decision.Permitted {
		if s.metrics != nil {
			s.metrics.PolicyDenialsTotal.WithLabelValues("perform_invocation").Inc()
		}
		return InvokeResult{}, fmt.Errorf("supervisor: policy denied invocation of %s/%s on %s: %s", iface, function, id, decision.Message)
	}

	invoker, err := pool.acquire(ctx)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("supervisor: acquire instance: %w", err)
	}
	defer pool.release(invoker)

	start := time.Now()
	out, err := invoker(ctx, iface, function, params)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.InvocationsTotal.WithLabelValues(id, s.latticeID, s.hostID, iface+"/"+function, outcome).Inc()
		s.metrics.InvocationDuration.WithLabelValues(id, s.latticeID, s.hostID, iface+"/"+function).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return InvokeResult{}, err
	}
	return InvokeResult{Output: out}, nil
}

func (s *ComponentSupervisor) buildInvokers(ctx context.Context, id, imageRef string, n int, handler *Handler) ([]Invoker, error) {
	if s.newInvokers == nil {
		invokers := make([]Invoker, n)
		for i := range invokers {
			invokers[i] = func(ctx context.Context, iface, function string, params []byte) ([]byte, error) {
				return nil, fmt.Errorf("supervisor: no invoker factory configured for component %s", id)
			}
		}
		return invokers, nil
	}
	return s.newInvokers(ctx, id, imageRef, n, handler)
}

func (s *ComponentSupervisor) materializeBundle(ctx context.Context, names []string) (*configbundle.Bundle, error) {
	if len(names) == 0 || s.configBucket == "" {
		return nil, nil
	}
	return configbundle.New(ctx, s.adapter, s.configBucket, names, s.logger)
}

func sameConfigNames(bundle *configbundle.Bundle, names []string) bool {
	if bundle == nil {
		return len(names) == 0
	}
	current := bundle.ConfigNames()
	if len(current) != len(names) {
		return false
	}
	for i := range current {
		if current[i] != names[i] {
			return false
		}
	}
	return true
}

func (s *ComponentSupervisor) recordRunning(id string, n int) {
	if s.metrics == nil {
		return
	}
	s.metrics.ComponentsRunning.WithLabelValues(id).Set(float64(n))
}

func (s *ComponentSupervisor) publishScaled(ctx context.Context, id, imageRef string, annotations map[string]string, count int, reason string) {
	data := events.ActorScaledData{PublicKey: id, ImageRef: imageRef, Annotations: annotations, MaxInstances: count, Reason: reason}
	s.publishEvent(ctx, events.TypeActorScaled, data)
}

func (s *ComponentSupervisor) publishActorScaledZero(ctx context.Context, id, imageRef string, claims statestore.Claims, count int) {
	_ = claims
	data := events.ActorScaledData{PublicKey: id, ImageRef: imageRef, MaxInstances: 0}
	s.publishEvent(ctx, events.TypeActorScaled, data)
}

func (s *ComponentSupervisor) publishScaleFailed(ctx context.Context, id, imageRef string, cause error) {
	data := events.ActorScaledData{PublicKey: id, ImageRef: imageRef, Reason: cause.Error()}
	s.publishEvent(ctx, events.TypeActorScaleFailed, data)
}

func (s *ComponentSupervisor) publishEvent(ctx context.Context, eventType string, data any) {
	ev, err := events.New(s.hostID, eventType, data)
	if err != nil {
		s.logger.Warn("failed to build event", "type", eventType, "error", err)
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal event", "type", eventType, "error", err)
		return
	}
	if err := s.adapter.Publish(ctx, events.Subject(s.latticeID, eventType), nil, raw); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
