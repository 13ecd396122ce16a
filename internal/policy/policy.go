// Package policy implements the policy gate: a request/reply check against
// an operator-configured policy subject before starting a component,
// starting a provider, or performing an invocation. Decisions are cached
// in a SHA256-fingerprinted LRU so rapid identical evaluations do not
// hammer the policy bus.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"
	"github.com/latticerun/host/internal/bus"
)

// Kind identifies which lifecycle action is being evaluated.
type Kind string

const (
	KindStartComponent    Kind = "start_component"
	KindStartProvider     Kind = "start_provider"
	KindPerformInvocation Kind = "perform_invocation"
)

// Request is the payload sent to the policy subject.
type Request struct {
	RequestID      string            `json:"request_id"`
	Kind           Kind              `json:"kind"`
	Subject        string            `json:"subject"`
	ImageReference string            `json:"image_reference,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
	Claims         json.RawMessage   `json:"claims,omitempty"`
	Interface      string            `json:"interface,omitempty"`
	Function       string            `json:"function,omitempty"`
}

// Decision is the policy endpoint's reply.
type Decision struct {
	Permitted bool   `json:"permitted"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id"`
}

// Gate evaluates lifecycle actions against an operator-configured policy
// subject. When no subject is configured, every call is permitted
// unconditionally.
type Gate struct {
	adapter bus.Adapter
	subject string // empty means unconfigured: permit unconditionally
	timeout time.Duration
	ttl     time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, cachedDecision]
}

type cachedDecision struct {
	decision Decision
	expires  time.Time
}

// Config configures a Gate.
type Config struct {
	Subject   string
	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig returns sane defaults: a 2-second policy-bus timeout and a
// 5-second, 4096-entry decision cache.
func DefaultConfig() Config {
	return Config{Timeout: 2 * time.Second, CacheSize: 4096, CacheTTL: 5 * time.Second}
}

// New constructs a Gate. adapter may be nil only if cfg.Subject is empty.
func New(adapter bus.Adapter, cfg Config, logger *slog.Logger) (*Gate, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, cachedDecision](size)
	if err != nil {
		return nil, fmt.Errorf("policy: new cache: %w", err)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Gate{
		adapter: adapter,
		subject: cfg.Subject,
		timeout: timeout,
		ttl:     ttl,
		logger:  logger.With("component", "policy_gate"),
		cache:   cache,
	}, nil
}

// EvaluateStartComponent evaluates whether a component may be started.
func (g *Gate) EvaluateStartComponent(ctx context.Context, subject, imageReference string, annotations map[string]string, claims json.RawMessage) (Decision, error) {
	return g.evaluate(ctx, Request{Kind: KindStartComponent, Subject: subject, ImageReference: imageReference, Annotations: annotations, Claims: claims})
}

// EvaluateStartProvider evaluates whether a provider may be started.
func (g *Gate) EvaluateStartProvider(ctx context.Context, subject, imageReference string, annotations map[string]string, claims json.RawMessage) (Decision, error) {
	return g.evaluate(ctx, Request{Kind: KindStartProvider, Subject: subject, ImageReference: imageReference, Annotations: annotations, Claims: claims})
}

// EvaluatePerformInvocation evaluates whether an invocation may proceed.
func (g *Gate) EvaluatePerformInvocation(ctx context.Context, subject, iface, function string) (Decision, error) {
	return g.evaluate(ctx, Request{Kind: KindPerformInvocation, Subject: subject, Interface: iface, Function: function})
}

func (g *Gate) evaluate(ctx context.Context, req Request) (Decision, error) {
	if g.subject == "" {
		return Decision{Permitted: true}, nil
	}

	fingerprint := fingerprintRequest(req)
	if cached, ok := g.lookupCache(fingerprint); ok {
		return cached, nil
	}

	req.RequestID = uuid.NewString()
	payload, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reply, err := g.adapter.Request(reqCtx, g.subject, nil, payload, g.timeout)
	if err != nil {
		g.logger.Warn("policy evaluation timed out, denying", "kind", req.Kind, "subject", req.Subject, "error", err)
		return Decision{Permitted: false, Message: "policy evaluation timed out", RequestID: req.RequestID}, nil
	}

	var decision Decision
	if err := json.Unmarshal(reply.Data, &decision); err != nil {
		return Decision{}, fmt.Errorf("policy: decode decision: %w", err)
	}
	g.storeCache(fingerprint, decision)
	return decision, nil
}

func (g *Gate) lookupCache(fingerprint string) (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cached, ok := g.cache.Get(fingerprint)
	if !ok || time.Now().After(cached.expires) {
		return Decision{}, false
	}
	return cached.decision, true
}

func (g *Gate) storeCache(fingerprint string, decision Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Add(fingerprint, cachedDecision{decision: decision, expires: time.Now().Add(g.ttl)})
}

// fingerprintRequest hashes everything about a request except its
// request_id, so repeated identical evaluations — e.g. rapid invocations
// of the same interface/function pair — hit the cache instead of the
// policy bus.
func fingerprintRequest(req Request) string {
	req.RequestID = ""
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
