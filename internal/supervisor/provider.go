package supervisor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/events"
	"github.com/latticerun/host/internal/metrics"
	"github.com/latticerun/host/internal/policy"
	"github.com/latticerun/host/internal/resilience"
	"github.com/latticerun/host/internal/statestore"
)

// HealthState is a provider's last-observed health.
type HealthState int

const (
	Unknown HealthState = iota
	Healthy
	Unhealthy
)

// HostData is written, base64-encoded, to a spawned provider's stdin. It
// carries everything the provider needs to join the lattice on its own:
// the bus endpoint and the credential to authenticate its independent
// connection with.
type HostData struct {
	LatticeID               string            `json:"lattice_rpc_prefix"`
	RPCEndpoint             string            `json:"rpc_host"`
	BusPassword             string            `json:"rpc_password,omitempty"`
	HostID                  string            `json:"host_id"`
	InitialLinks            json.RawMessage   `json:"link_definitions"`
	InitialConfig           map[string]string `json:"config"`
	ClusterIssuers          []string          `json:"cluster_issuers"`
	InvocationSeed          string            `json:"invocation_seed"`
	DefaultRPCTimeoutMillis int64             `json:"default_rpc_timeout_ms,omitempty"`
	StructuredLogging       bool              `json:"structured_logging"`
	LogLevel                string            `json:"log_level"`
}

// allowedEnvVars are the only environment variables inherited by a spawned
// provider child process.
var allowedEnvVars = []string{"PATH", "HOME", "TMPDIR", "RUST_LOG"}

// ProcessSpawner starts a provider's child process. Swappable in tests.
type ProcessSpawner interface {
	Spawn(ctx context.Context, binaryPath string, env []string) (ProcessHandle, error)
}

// ProcessHandle is a running provider child process.
type ProcessHandle interface {
	WriteStdin(data []byte) error
	Wait() error
	Kill() error
	Exited() <-chan struct{}
}

type providerSlot struct {
	mu           sync.Mutex
	state        State
	imageRef     string
	annotations  map[string]string
	handle       ProcessHandle
	claims       statestore.Claims
	health       HealthState
	cancelHealth context.CancelFunc
}

// ProviderSupervisor owns the provider table and health loop.
type ProviderSupervisor struct {
	latticeID         string
	hostID            string
	rpcEndpoint       string
	busPassword       string
	defaultRPCTimeout time.Duration
	adapter           bus.Adapter
	store             *statestore.Store
	gate              *policy.Gate
	fetcher           ArtifactFetcher
	spawner           ProcessSpawner
	logger            *slog.Logger
	metrics           *metrics.Host

	gracePeriod  time.Duration
	healthPeriod time.Duration
	stopGrace    time.Duration

	// issuers is the host's cluster-issuer set; see ComponentSupervisor's
	// field of the same name for the unconfigured-permits semantics.
	issuers map[string]struct{}

	// structuredLogging and logLevel are forwarded into every spawned
	// provider's HostData so its own logging matches the host's.
	structuredLogging bool
	logLevel          string

	tableMu sync.RWMutex
	table   map[string]*providerSlot
}

// ErrNotRunning indicates a stop/health operation targeted an absent provider.
var ErrNotRunning = errors.New("supervisor: provider not running")

// ProviderConfig configures a ProviderSupervisor.
type ProviderConfig struct {
	LatticeID         string
	HostID            string
	RPCEndpoint       string
	BusPassword       string
	DefaultRPCTimeout time.Duration
	GracePeriod       time.Duration
	HealthPeriod      time.Duration
	StopGrace         time.Duration
	ClusterIssuers    []string
	StructuredLogging bool
	LogLevel          string
}

// NewProviderSupervisor constructs a ProviderSupervisor.
func NewProviderSupervisor(adapter bus.Adapter, store *statestore.Store, gate *policy.Gate, fetcher ArtifactFetcher, spawner ProcessSpawner, m *metrics.Host, logger *slog.Logger, cfg ProviderConfig) *ProviderSupervisor {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	health := cfg.HealthPeriod
	if health <= 0 {
		health = 30 * time.Second
	}
	stopGrace := cfg.StopGrace
	if stopGrace <= 0 {
		stopGrace = 5 * time.Second
	}
	return &ProviderSupervisor{
		latticeID:         cfg.LatticeID,
		hostID:            cfg.HostID,
		rpcEndpoint:       cfg.RPCEndpoint,
		busPassword:       cfg.BusPassword,
		defaultRPCTimeout: cfg.DefaultRPCTimeout,
		adapter:           adapter,
		store:             store,
		gate:              gate,
		fetcher:           fetcher,
		spawner:           spawner,
		logger:            logger.With("component", "provider_supervisor"),
		metrics:           m,
		gracePeriod:       grace,
		healthPeriod:      health,
		stopGrace:         stopGrace,
		issuers:           issuerSet(cfg.ClusterIssuers),
		structuredLogging: cfg.StructuredLogging,
		logLevel:          cfg.LogLevel,
		table:             make(map[string]*providerSlot),
	}
}

// verifyIssuer checks claims.Issuer against the host's cluster-issuer set.
// An unconfigured (nil/empty) set permits any issuer.
func (s *ProviderSupervisor) verifyIssuer(claims statestore.Claims) error {
	if len(s.issuers) == 0 {
		return nil
	}
	if _, ok := s.issuers[claims.Issuer]; !ok {
		return fmt.Errorf("supervisor: issuer %q is not in the cluster-issuer set", claims.Issuer)
	}
	return nil
}

func (s *ProviderSupervisor) slotFor(id string) *providerSlot {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	slot, ok := s.table[id]
	if !ok {
		slot = &providerSlot{state: Absent}
		s.table[id] = slot
	}
	return slot
}

// ListRunning returns every running provider's health, keyed by id, for use
// by the control plane's host inventory reply.
func (s *ProviderSupervisor) ListRunning() map[string]HealthState {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	out := make(map[string]HealthState)
	for id, slot := range s.table {
		slot.mu.Lock()
		if slot.state == Running {
			out[id] = slot.health
		}
		slot.mu.Unlock()
	}
	return out
}

// IsRunning reports whether id is currently running, used by auction and
// start-refusal checks.
func (s *ProviderSupervisor) IsRunning(id string) bool {
	s.tableMu.RLock()
	slot, ok := s.table[id]
	s.tableMu.RUnlock()
	if !ok {
		return false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.state == Running
}

// Start spawns a provider, refusing if it is already running.
func (s *ProviderSupervisor) Start(ctx context.Context, id, imageRef string, annotations map[string]string, initialLinks json.RawMessage, initialConfig map[string]string, binaryPath string) error {
	slot := s.slotFor(id)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.state == Running {
		return ErrAlreadyRunning
	}

	claims, err := s.fetcher.Fetch(ctx, imageRef)
	if err != nil {
		s.publishEvent(ctx, events.TypeProviderStartFailed, events.ProviderLifecycleData{PublicKey: id, ImageRef: imageRef, Reason: err.Error()})
		return fmt.Errorf("supervisor: fetch provider artifact %s: %w", imageRef, err)
	}

	if err := s.verifyIssuer(claims); err != nil {
		s.publishEvent(ctx, events.TypeProviderStartFailed, events.ProviderLifecycleData{PublicKey: id, ImageRef: imageRef, Reason: err.Error()})
		return fmt.Errorf("supervisor: %w", err)
	}

	decision, err := s.gate.EvaluateStartProvider(ctx, id, imageRef, annotations, mustMarshal(claims))
	if err != nil {
		return err
	}
	if !decision.Permitted {
		if s.metrics != nil {
			s.metrics.PolicyDenialsTotal.WithLabelValues("start_provider").Inc()
		}
		s.publishEvent(ctx, events.TypeProviderStartFailed, events.ProviderLifecycleData{PublicKey: id, ImageRef: imageRef, Reason: decision.Message})
		return fmt.Errorf("supervisor: policy denied start of provider %s: %s", id, decision.Message)
	}

	hostData := HostData{
		LatticeID:               s.latticeID,
		RPCEndpoint:             s.rpcEndpoint,
		BusPassword:             s.busPassword,
		HostID:                  s.hostID,
		InitialLinks:            initialLinks,
		InitialConfig:           initialConfig,
		ClusterIssuers:          sortedKeys(s.issuers),
		InvocationSeed:          id,
		DefaultRPCTimeoutMillis: s.defaultRPCTimeout.Milliseconds(),
		StructuredLogging:       s.structuredLogging,
		LogLevel:                s.logLevel,
	}
	raw, err := json.Marshal(hostData)
	if err != nil {
		return fmt.Errorf("supervisor: encode host data: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	handle, err := s.spawner.Spawn(ctx, binaryPath, sanitizedEnv())
	if err != nil {
		s.publishEvent(ctx, events.TypeProviderStartFailed, events.ProviderLifecycleData{PublicKey: id, ImageRef: imageRef, Reason: err.Error()})
		return fmt.Errorf("supervisor: spawn provider %s: %w", id, err)
	}
	if err := handle.WriteStdin([]byte(encoded + "\r\n")); err != nil {
		_ = handle.Kill()
		return fmt.Errorf("supervisor: write host data to provider %s: %w", id, err)
	}

	if err := s.store.StoreClaims(ctx, id, claims); err != nil {
		_ = handle.Kill()
		return err
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	slot.state = Running
	slot.imageRef = imageRef
	slot.annotations = annotations
	slot.handle = handle
	slot.claims = claims
	slot.health = Unknown
	slot.cancelHealth = cancel

	go s.healthLoop(healthCtx, id, slot)

	if s.metrics != nil {
		s.metrics.ProvidersRunning.WithLabelValues(id).Set(1)
	}
	s.publishEvent(ctx, events.TypeProviderStarted, events.ProviderLifecycleData{PublicKey: id, ImageRef: imageRef, Annotations: annotations})
	return nil
}

// Stop sends a shutdown request within the configured grace window then
// terminates the child unconditionally.
func (s *ProviderSupervisor) Stop(ctx context.Context, id string) error {
	slot := s.slotFor(id)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.state != Running {
		return ErrNotRunning
	}

	if slot.cancelHealth != nil {
		slot.cancelHealth()
	}

	shutdownSubject := fmt.Sprintf("wasmbus.rpc.%s.%s.default.shutdown", s.latticeID, id)
	shutdownCtx, cancel := context.WithTimeout(ctx, s.stopGrace)
	_, _ = s.adapter.Request(shutdownCtx, shutdownSubject, nil, nil, s.stopGrace)
	cancel()

	if slot.handle != nil {
		_ = slot.handle.Kill()
	}

	slot.state = Absent
	if s.metrics != nil {
		s.metrics.ProvidersRunning.WithLabelValues(id).Set(0)
	}
	s.publishEvent(ctx, events.TypeProviderStopped, events.ProviderLifecycleData{PublicKey: id, ImageRef: slot.imageRef, Annotations: slot.annotations})
	return nil
}

func (s *ProviderSupervisor) healthLoop(ctx context.Context, id string, slot *providerSlot) {
	select {
	case <-time.After(s.gracePeriod):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.healthPeriod)
	defer ticker.Stop()

	healthSubject := fmt.Sprintf("wasmbus.rpc.%s.%s.health", s.latticeID, id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeOnce(ctx, id, slot, healthSubject)
		}
	}
}

// healthReply is the payload a provider's health endpoint replies with.
// An empty/undecodable body is treated as healthy=true, matching a provider
// that only acks liveness without a structured body.
type healthReply struct {
	Healthy bool `json:"healthy"`
}

func (s *ProviderSupervisor) probeOnce(ctx context.Context, id string, slot *providerSlot, subject string) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reply, err := s.adapter.Request(reqCtx, subject, nil, nil, 5*time.Second)

	slot.mu.Lock()
	previous := slot.health
	defer slot.mu.Unlock()

	if err != nil {
		s.logger.Warn("provider health probe received no reply",
			"provider_id", id, "error", err, "class", resilience.ClassifyError(err))
		return
	}

	healthy := true
	if len(reply.Data) > 0 {
		var body healthReply
		if json.Unmarshal(reply.Data, &body) == nil {
			healthy = body.Healthy
		}
	}

	switch {
	case healthy && previous != Healthy:
		slot.health = Healthy
		if s.metrics != nil {
			s.metrics.HealthTransitions.WithLabelValues(id, "unhealthy_to_healthy").Inc()
		}
		s.publishEvent(ctx, events.TypeHealthCheckPassed, events.HealthCheckData{PublicKey: id, Healthy: true})
	case !healthy && previous == Healthy:
		slot.health = Unhealthy
		if s.metrics != nil {
			s.metrics.HealthTransitions.WithLabelValues(id, "healthy_to_unhealthy").Inc()
		}
		s.publishEvent(ctx, events.TypeHealthCheckFailed, events.HealthCheckData{PublicKey: id, Healthy: false})
	case !healthy && previous != Healthy:
		slot.health = Unhealthy
		s.publishEvent(ctx, events.TypeHealthCheckStatus, events.HealthCheckData{PublicKey: id, Healthy: false})
	default:
		s.publishEvent(ctx, events.TypeHealthCheckStatus, events.HealthCheckData{PublicKey: id, Healthy: true})
	}
}

func (s *ProviderSupervisor) publishEvent(ctx context.Context, eventType string, data any) {
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

// sortedKeys returns set's keys in sorted order, for deterministic HostData
// encoding across runs.
func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sanitizedEnv() []string {
	env := make([]string, 0, len(allowedEnvVars))
	for _, name := range allowedEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// ExecSpawner is the default ProcessSpawner, launching a real OS child
// process via os/exec with a sanitized environment.
type ExecSpawner struct{}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

func (ExecSpawner) Spawn(ctx context.Context, binaryPath string, env []string) (ProcessHandle, error) {
	cmd := exec.CommandContext(ctx, binaryPath)
	cmd.Env = env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	exited := make(chan struct{})
	h := &execHandle{cmd: cmd, stdin: stdin, exited: exited}
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	return h, nil
}

func (h *execHandle) WriteStdin(data []byte) error {
	_, err := h.stdin.Write(data)
	_ = h.stdin.Close()
	return err
}

func (h *execHandle) Wait() error { <-h.exited; return nil }

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Exited() <-chan struct{} { return h.exited }
