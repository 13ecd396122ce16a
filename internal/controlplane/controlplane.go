// Package controlplane implements the control plane: the subject-routed
// state machine that parses, validates, and dispatches every scale/start/
// stop/link/label/config/registry/host command, replying with a common
// envelope and publishing the resulting CloudEvent. Payloads are validated
// with go-playground/validator struct tags before any handler runs.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/events"
	"github.com/latticerun/host/internal/host"
	"github.com/latticerun/host/internal/statestore"
	"github.com/latticerun/host/internal/supervisor"
)

// Envelope is the common response shape for every control subject reply.
type Envelope struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// RegistryCredential is one entry in the in-memory registry credential map
// updated by registry.put.
type RegistryCredential struct {
	Registry string `json:"registry" validate:"required"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ScaleComponentCommand is the payload for actor.scale.<host_id>.
type ScaleComponentCommand struct {
	ComponentID  string            `json:"component_id" validate:"required"`
	ImageRef     string            `json:"image_ref" validate:"required"`
	MaxInstances int               `json:"max_instances"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	ConfigNames  []string          `json:"config_names,omitempty"`
}

// UpdateComponentCommand is the payload for actor.update.<host_id>.
type UpdateComponentCommand struct {
	ComponentID string            `json:"component_id" validate:"required"`
	NewImageRef string            `json:"new_image_ref" validate:"required"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// AuctionCommand is the payload for actor.auction / provider.auction.
type AuctionCommand struct {
	ID          string            `json:"id" validate:"required"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// StartProviderCommand is the payload for provider.start.<host_id>. Unlike
// the component scale command, it carries no initial-links/initial-config
// payload of its own: both are resolved server-side from the state store
// (the provider's own stored links) and the config bucket (ConfigNames),
// mirroring the original's practice of deriving a spawned provider's
// HostData from already-stored lattice state rather than trusting whatever
// the client happened to send alongside the start request.
type StartProviderCommand struct {
	ProviderID  string            `json:"provider_id" validate:"required"`
	ImageRef    string            `json:"image_ref" validate:"required"`
	Annotations map[string]string `json:"annotations,omitempty"`
	ConfigNames []string          `json:"config_names,omitempty"`
	BinaryPath  string            `json:"binary_path" validate:"required"`
}

// StopProviderCommand is the payload for provider.stop.<host_id>.
type StopProviderCommand struct {
	ProviderID string `json:"provider_id" validate:"required"`
}

// PutLinkCommand is the payload for link.put.
type PutLinkCommand struct {
	SourceID     string   `json:"source_id" validate:"required"`
	Target       string   `json:"target" validate:"required"`
	WitNamespace string   `json:"wit_namespace" validate:"required"`
	WitPackage   string   `json:"wit_package" validate:"required"`
	Interfaces   []string `json:"interfaces" validate:"required,min=1"`
	Name         string   `json:"name,omitempty"`
	SourceConfig []string `json:"source_config,omitempty"`
	TargetConfig []string `json:"target_config,omitempty"`
}

// DelLinkCommand is the payload for link.del.
type DelLinkCommand struct {
	SourceID     string `json:"source_id" validate:"required"`
	Target       string `json:"target" validate:"required"`
	WitNamespace string `json:"wit_namespace" validate:"required"`
	WitPackage   string `json:"wit_package" validate:"required"`
	Name         string `json:"name,omitempty"`
}

// LabelCommand is the payload for label.put/del.<host_id>.
type LabelCommand struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value,omitempty"`
}

// HostDescription is the reply payload for host.ping and the identity
// portion of host.get.
type HostDescription struct {
	ID           string            `json:"id"`
	FriendlyName string            `json:"friendly_name"`
	LatticeID    string            `json:"lattice_id"`
	Labels       map[string]string `json:"labels"`
	Issuers      []string          `json:"issuers"`
}

// HostInventory is the reply payload for host.get.<host_id>.
type HostInventory struct {
	HostDescription
	Components map[string]int                    `json:"components"`
	Providers  map[string]supervisor.HealthState `json:"providers"`
}

// ControlPlane owns every control-subject subscription for one lattice and
// dispatches to the Component/Provider Supervisors and state store.
type ControlPlane struct {
	prefix    string
	latticeID string

	adapter    bus.Adapter
	host       *host.Host
	store      *statestore.Store
	components *supervisor.ComponentSupervisor
	providers  *supervisor.ProviderSupervisor
	logger     *slog.Logger
	validate   *validator.Validate

	configBucket string

	// limiter throttles inbound control-subject dispatch with one
	// process-wide budget; control subjects carry the host's own identity
	// rather than a remote address, so there is no per-client dimension to
	// shard the budget by.
	limiter *rate.Limiter

	registryMu sync.Mutex
	registry   map[string]RegistryCredential

	subsMu sync.Mutex
	subs   []bus.Subscription
}

// Config configures a ControlPlane.
type Config struct {
	Prefix          string // defaults to "wasmbus.ctl"
	LatticeID       string
	ConfigBucket    string // must match the bucket ComponentSupervisor's Config.ConfigBucket uses
	RateLimitPerSec float64
	RateLimitBurst  int
}

// New constructs a ControlPlane.
func New(adapter bus.Adapter, h *host.Host, store *statestore.Store, components *supervisor.ComponentSupervisor, providers *supervisor.ProviderSupervisor, logger *slog.Logger, cfg Config) *ControlPlane {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "wasmbus.ctl"
	}
	configBucket := cfg.ConfigBucket
	if configBucket == "" {
		configBucket = "CONFIGDATA_" + cfg.LatticeID
	}
	limitPerSec := cfg.RateLimitPerSec
	if limitPerSec <= 0 {
		limitPerSec = 200
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 50
	}
	return &ControlPlane{
		prefix:       prefix,
		latticeID:    cfg.LatticeID,
		adapter:      adapter,
		host:         h,
		store:        store,
		components:   components,
		providers:    providers,
		logger:       logger.With("component", "control_plane"),
		validate:     validator.New(),
		limiter:      rate.NewLimiter(rate.Limit(limitPerSec), burst),
		registry:     make(map[string]RegistryCredential),
		configBucket: configBucket,
	}
}

func (cp *ControlPlane) subject(suffix string) string {
	return fmt.Sprintf("%s.v1.%s.%s", cp.prefix, cp.latticeID, suffix)
}

// route binds a control subject suffix to its handler. A handler returning a
// nil *Envelope sends no reply at all, used by the auction handlers: an
// auction loser must stay silent rather than reply with a denial.
type route struct {
	suffix     string
	queueGroup string
	handle     func(context.Context, bus.Message) *Envelope
}

// Start subscribes every control subject. Each subscription runs its own
// serve loop; Stop aborts every one of them in parallel and joins before
// returning, per the host's abort-handles-in-parallel-then-join shutdown
// contract.
func (cp *ControlPlane) Start(ctx context.Context) error {
	if err := cp.adapter.EnsureBucket(ctx, cp.configBucket); err != nil {
		return fmt.Errorf("controlplane: ensure config bucket: %w", err)
	}

	hostID := cp.host.ID
	routes := []route{
		{"host.ping", "", cp.handleHostPing},
		{"host.get." + hostID, "", cp.handleHostGet},
		{"host.stop." + hostID, "", cp.handleHostStop},
		{"actor.auction", "", cp.handleComponentAuction},
		{"actor.scale." + hostID, "", cp.handleScaleComponent},
		{"actor.update." + hostID, "", cp.handleUpdateComponent},
		{"provider.auction", "", cp.handleProviderAuction},
		{"provider.start." + hostID, "", cp.handleStartProvider},
		{"provider.stop." + hostID, "", cp.handleStopProvider},
		{"link.put", "link.*", cp.handlePutLink},
		{"link.del", "link.*", cp.handleDelLink},
		{"link.get", "link.*", cp.handleGetLinks},
		{"label.put." + hostID, "", cp.handlePutLabel},
		{"label.del." + hostID, "", cp.handleDelLabel},
		{"config.put.*", "config.>", cp.handlePutConfig},
		{"config.get.*", "config.>", cp.handleGetConfig},
		{"config.del.*", "config.>", cp.handleDelConfig},
		{"claims.get", "claims.get", cp.handleClaimsGet},
		{"registry.put", "", cp.handleRegistryPut},
	}

	for _, r := range routes {
		sub, err := cp.adapter.Subscribe(ctx, cp.subject(r.suffix), r.queueGroup)
		if err != nil {
			return fmt.Errorf("controlplane: subscribe %s: %w", r.suffix, err)
		}
		cp.subsMu.Lock()
		cp.subs = append(cp.subs, sub)
		cp.subsMu.Unlock()
		go cp.serve(ctx, sub, r.handle)
	}
	return nil
}

// Stop aborts every control subscription in parallel and waits for each to
// unwind before returning.
func (cp *ControlPlane) Stop() error {
	cp.subsMu.Lock()
	subs := cp.subs
	cp.subs = nil
	cp.subsMu.Unlock()

	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			sub.Unsubscribe()
			return nil
		})
	}
	return g.Wait()
}

func (cp *ControlPlane) serve(ctx context.Context, sub bus.Subscription, handle func(context.Context, bus.Message) *Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages:
			if !ok {
				return
			}
			if !cp.limiter.Allow() {
				cp.logger.Warn("control subject dropped, rate limit exceeded", "subject", msg.Subject)
				cp.reply(ctx, msg, *fail("rate limit exceeded"))
				continue
			}
			env := handle(ctx, msg)
			if env != nil {
				cp.reply(ctx, msg, *env)
			}
		}
	}
}

func (cp *ControlPlane) reply(ctx context.Context, msg bus.Message, env Envelope) {
	if msg.ReplySubject == "" {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		raw = []byte(`{"success":false,"message":"failed to encode response"}`)
	}
	if err := cp.adapter.Publish(ctx, msg.ReplySubject, nil, raw); err != nil {
		cp.logger.Warn("failed to publish control reply", "subject", msg.Subject, "error", err)
	}
}

func ok(response any) *Envelope {
	raw, err := json.Marshal(response)
	if err != nil {
		return &Envelope{Success: false, Message: "response not serializable"}
	}
	return &Envelope{Success: true, Response: raw}
}

func fail(format string, args ...any) *Envelope {
	return &Envelope{Success: false, Message: fmt.Sprintf(format, args...)}
}

func (cp *ControlPlane) decode(msg bus.Message, v any) error {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if err := cp.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (cp *ControlPlane) handleHostPing(ctx context.Context, msg bus.Message) *Envelope {
	return ok(cp.describeHost())
}

func (cp *ControlPlane) describeHost() HostDescription {
	return HostDescription{
		ID:           cp.host.ID,
		FriendlyName: cp.host.FriendlyName,
		LatticeID:    cp.latticeID,
		Labels:       cp.host.Labels(),
		Issuers:      cp.host.Issuers(),
	}
}

func (cp *ControlPlane) handleHostGet(ctx context.Context, msg bus.Message) *Envelope {
	return ok(HostInventory{
		HostDescription: cp.describeHost(),
		Components:      cp.components.ListRunning(),
		Providers:       cp.providers.ListRunning(),
	})
}

// HostStopGracePeriod bounds how long in-flight invocations and subscription
// abort handles have to unwind after host.stop before the process exits,
// used when the command's payload omits an explicit timeout.
const HostStopGracePeriod = 5 * time.Second

// HostStopCommand is the payload for host.stop.<host_id>. Timeout is the
// caller-supplied grace period in milliseconds, mirroring the original's
// StopHostCommand{timeout: Option<u64>}; zero or absent falls back to
// HostStopGracePeriod.
type HostStopCommand struct {
	Timeout int64 `json:"timeout,omitempty"`
}

func (cp *ControlPlane) handleHostStop(ctx context.Context, msg bus.Message) *Envelope {
	grace := HostStopGracePeriod
	if len(msg.Data) > 0 {
		var cmd HostStopCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			return fail("malformed payload: %s", err)
		}
		if cmd.Timeout > 0 {
			grace = time.Duration(cmd.Timeout) * time.Millisecond
		}
	}
	// host_stopped is published by run() once the shutdown sequence this
	// triggers (via h.Stopped()) actually completes, not here at request
	// time: the deadline this sets only starts the shutdown, it doesn't
	// finish it.
	cp.host.Stop(time.Now().Add(grace))
	return ok(map[string]string{"status": "stopping"})
}

func (cp *ControlPlane) handleComponentAuction(ctx context.Context, msg bus.Message) *Envelope {
	var cmd AuctionCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	state, _ := cp.components.StateOf(cmd.ID)
	if state != supervisor.Absent || !cp.host.SatisfiesConstraints(cmd.Constraints) {
		return nil // auction losers stay silent
	}
	return ok(cp.describeHost())
}

func (cp *ControlPlane) handleProviderAuction(ctx context.Context, msg bus.Message) *Envelope {
	var cmd AuctionCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	if cp.providers.IsRunning(cmd.ID) || !cp.host.SatisfiesConstraints(cmd.Constraints) {
		return nil
	}
	return ok(cp.describeHost())
}

func (cp *ControlPlane) handleScaleComponent(ctx context.Context, msg bus.Message) *Envelope {
	var cmd ScaleComponentCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	go func() {
		if err := cp.components.Scale(context.Background(), cmd.ComponentID, cmd.ImageRef, cmd.MaxInstances, cmd.Annotations, cmd.ConfigNames); err != nil {
			cp.logger.Warn("async component scale failed", "component_id", cmd.ComponentID, "error", err)
		}
	}()
	return ok(map[string]string{"status": "scaling"})
}

func (cp *ControlPlane) handleUpdateComponent(ctx context.Context, msg bus.Message) *Envelope {
	var cmd UpdateComponentCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	go func() {
		if err := cp.components.Update(context.Background(), cmd.ComponentID, cmd.NewImageRef, cmd.Annotations); err != nil {
			cp.logger.Warn("async component update failed", "component_id", cmd.ComponentID, "error", err)
		}
	}()
	return ok(map[string]string{"status": "updating"})
}

func (cp *ControlPlane) handleStartProvider(ctx context.Context, msg bus.Message) *Envelope {
	var cmd StartProviderCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	if cp.providers.IsRunning(cmd.ProviderID) {
		return fail("provider %s is already running", cmd.ProviderID)
	}

	initialLinks, err := cp.resolveInitialLinks(ctx, cmd.ProviderID)
	if err != nil {
		return fail("%s", err)
	}
	initialConfig, err := cp.resolveInitialConfig(ctx, cmd.ConfigNames)
	if err != nil {
		return fail("%s", err)
	}

	if err := cp.providers.Start(ctx, cmd.ProviderID, cmd.ImageRef, cmd.Annotations, initialLinks, initialConfig, cmd.BinaryPath); err != nil {
		return fail("%s", err)
	}
	return ok(map[string]string{"status": "started"})
}

// resolveInitialLinks returns the link definitions already stored against id
// (the Link Resolver's own backing state), encoded the way HostData expects
// them, instead of trusting a client-supplied link list.
func (cp *ControlPlane) resolveInitialLinks(ctx context.Context, id string) (json.RawMessage, error) {
	spec, _, err := cp.store.GetComponentSpec(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve initial links for %s: %w", id, err)
	}
	if len(spec.Links) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(spec.Links)
	if err != nil {
		return nil, fmt.Errorf("encode initial links for %s: %w", id, err)
	}
	return raw, nil
}

// resolveInitialConfig folds each referenced config name's stored mapping in
// order, later names winning on key collision, the same fold the Config
// Bundler (internal/configbundle) applies for components — done here as a
// one-shot KV read rather than a live Bundle, since a provider's HostData is
// only ever written once at spawn time.
func (cp *ControlPlane) resolveInitialConfig(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	merged := make(map[string]string)
	for _, name := range names {
		raw, found, err := cp.adapter.KVGet(ctx, cp.configBucket, name)
		if err != nil {
			return nil, fmt.Errorf("resolve config %s: %w", name, err)
		}
		if !found {
			continue
		}
		var part map[string]string
		if err := json.Unmarshal(raw, &part); err != nil {
			return nil, fmt.Errorf("config %s is not a mapping<string,string>: %w", name, err)
		}
		for k, v := range part {
			merged[k] = v
		}
	}
	return merged, nil
}

func (cp *ControlPlane) handleStopProvider(ctx context.Context, msg bus.Message) *Envelope {
	var cmd StopProviderCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	if err := cp.providers.Stop(ctx, cmd.ProviderID); err != nil {
		return fail("%s", err)
	}
	return ok(map[string]string{"status": "stopped"})
}

func (cp *ControlPlane) handlePutLink(ctx context.Context, msg bus.Message) *Envelope {
	var cmd PutLinkCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	link := statestore.InterfaceLink{
		SourceID: cmd.SourceID, Target: cmd.Target,
		WitNamespace: cmd.WitNamespace, WitPackage: cmd.WitPackage,
		Interfaces: cmd.Interfaces, Name: cmd.Name,
		SourceConfig: cmd.SourceConfig, TargetConfig: cmd.TargetConfig,
	}
	if link.Name == "" {
		link.Name = "default"
	}

	spec, _, err := cp.store.GetComponentSpec(ctx, cmd.SourceID)
	if err != nil {
		return fail("%s", err)
	}
	spec.Links = mergeLink(spec.Links, link)
	if err := cp.store.StoreComponentSpec(ctx, cmd.SourceID, spec, ""); err != nil {
		return fail("%s", err)
	}

	cp.publishEvent(ctx, events.TypeLinkdefSet, events.LinkdefData{
		SourceID: link.SourceID, Target: link.Target, Name: link.Name,
		WitNamespace: link.WitNamespace, WitPackage: link.WitPackage, Interfaces: link.Interfaces,
	})
	cp.notifyProvidersOfLink(ctx, "linkdefs.put", link)
	return ok(map[string]string{"status": "linked"})
}

func (cp *ControlPlane) handleDelLink(ctx context.Context, msg bus.Message) *Envelope {
	var cmd DelLinkCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	name := cmd.Name
	if name == "" {
		name = "default"
	}
	key := statestore.InterfaceLink{SourceID: cmd.SourceID, Target: cmd.Target, WitNamespace: cmd.WitNamespace, WitPackage: cmd.WitPackage, Name: name}.Key()

	spec, _, err := cp.store.GetComponentSpec(ctx, cmd.SourceID)
	if err != nil {
		return fail("%s", err)
	}
	var removed statestore.InterfaceLink
	var found bool
	kept := spec.Links[:0]
	for _, l := range spec.Links {
		if l.Key() == key {
			removed, found = l, true
			continue
		}
		kept = append(kept, l)
	}
	spec.Links = kept
	if !found {
		return fail("no link found for source %s target %s", cmd.SourceID, cmd.Target)
	}
	if err := cp.store.StoreComponentSpec(ctx, cmd.SourceID, spec, ""); err != nil {
		return fail("%s", err)
	}

	cp.publishEvent(ctx, events.TypeLinkdefDeleted, events.LinkdefData{
		SourceID: removed.SourceID, Target: removed.Target, Name: removed.Name,
		WitNamespace: removed.WitNamespace, WitPackage: removed.WitPackage, Interfaces: removed.Interfaces,
	})
	cp.notifyProvidersOfLink(ctx, "linkdefs.del", removed)
	return ok(map[string]string{"status": "unlinked"})
}

func (cp *ControlPlane) handleGetLinks(ctx context.Context, msg bus.Message) *Envelope {
	specs, err := cp.store.ListComponentSpecs(ctx)
	if err != nil {
		return fail("%s", err)
	}
	var all []statestore.InterfaceLink
	for _, spec := range specs {
		all = append(all, spec.Links...)
	}
	return ok(all)
}

func (cp *ControlPlane) handlePutLabel(ctx context.Context, msg bus.Message) *Envelope {
	var cmd LabelCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	cp.host.PutLabel(cmd.Key, cmd.Value)
	cp.publishEvent(ctx, events.TypeLabelsChanged, events.LabelsChangedData{Labels: cp.host.Labels()})
	return ok(map[string]string{"status": "ok"})
}

func (cp *ControlPlane) handleDelLabel(ctx context.Context, msg bus.Message) *Envelope {
	var cmd LabelCommand
	if err := cp.decode(msg, &cmd); err != nil {
		return fail("%s", err)
	}
	cp.host.DeleteLabel(cmd.Key)
	cp.publishEvent(ctx, events.TypeLabelsChanged, events.LabelsChangedData{Labels: cp.host.Labels()})
	return ok(map[string]string{"status": "ok"})
}

func (cp *ControlPlane) handlePutConfig(ctx context.Context, msg bus.Message) *Envelope {
	name := lastToken(msg.Subject)
	var values map[string]string
	if err := json.Unmarshal(msg.Data, &values); err != nil {
		return fail("config value must be a mapping<string,string>: %s", err)
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return fail("%s", err)
	}
	if err := cp.adapter.KVPut(ctx, cp.configBucket, name, raw); err != nil {
		return fail("%s", err)
	}
	cp.publishEvent(ctx, events.TypeConfigSet, events.ConfigData{ConfigName: name})
	return ok(map[string]string{"status": "ok"})
}

func (cp *ControlPlane) handleGetConfig(ctx context.Context, msg bus.Message) *Envelope {
	name := lastToken(msg.Subject)
	raw, found, err := cp.adapter.KVGet(ctx, cp.configBucket, name)
	if err != nil {
		return fail("%s", err)
	}
	if !found {
		return fail("no config named %s", name)
	}
	return ok(json.RawMessage(raw))
}

func (cp *ControlPlane) handleDelConfig(ctx context.Context, msg bus.Message) *Envelope {
	name := lastToken(msg.Subject)
	if err := cp.adapter.KVDelete(ctx, cp.configBucket, name); err != nil {
		return fail("%s", err)
	}
	cp.publishEvent(ctx, events.TypeConfigDeleted, events.ConfigData{ConfigName: name})
	return ok(map[string]string{"status": "ok"})
}

func (cp *ControlPlane) handleClaimsGet(ctx context.Context, msg bus.Message) *Envelope {
	claims, err := cp.store.ListClaims(ctx)
	if err != nil {
		return fail("%s", err)
	}
	return ok(claims)
}

func (cp *ControlPlane) handleRegistryPut(ctx context.Context, msg bus.Message) *Envelope {
	var cred RegistryCredential
	if err := cp.decode(msg, &cred); err != nil {
		return fail("%s", err)
	}
	cp.registryMu.Lock()
	cp.registry[cred.Registry] = cred
	cp.registryMu.Unlock()
	return ok(map[string]string{"status": "ok"})
}

// RegistryCredentialFor returns the credential registered for a registry
// host, if any, for use by an ArtifactFetcher implementation.
func (cp *ControlPlane) RegistryCredentialFor(registryHost string) (RegistryCredential, bool) {
	cp.registryMu.Lock()
	defer cp.registryMu.Unlock()
	cred, ok := cp.registry[registryHost]
	return cred, ok
}

func (cp *ControlPlane) notifyProvidersOfLink(ctx context.Context, verb string, link statestore.InterfaceLink) {
	raw, err := json.Marshal(link)
	if err != nil {
		return
	}
	for _, id := range []string{link.SourceID, link.Target} {
		subject := fmt.Sprintf("wasmbus.rpc.%s.%s.%s", cp.latticeID, id, verb)
		if err := cp.adapter.Publish(ctx, subject, nil, raw); err != nil {
			cp.logger.Warn("failed to notify provider of link change", "provider_id", id, "error", err)
		}
	}
}

func (cp *ControlPlane) publishEvent(ctx context.Context, eventType string, data any) {
	ev, err := events.New(cp.host.ID, eventType, data)
	if err != nil {
		cp.logger.Warn("failed to build event", "type", eventType, "error", err)
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		cp.logger.Warn("failed to marshal event", "type", eventType, "error", err)
		return
	}
	if err := cp.adapter.Publish(ctx, events.Subject(cp.latticeID, eventType), nil, raw); err != nil {
		cp.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}

func mergeLink(links []statestore.InterfaceLink, link statestore.InterfaceLink) []statestore.InterfaceLink {
	for i, l := range links {
		if l.Key() == link.Key() {
			links[i] = link
			return links
		}
	}
	return append(links, link)
}

func lastToken(subject string) string {
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			return subject[i+1:]
		}
	}
	return subject
}
