// Package statestore implements the lattice state store: the single KV
// bucket holding every ComponentSpecification and Claims document for a
// lattice, addressed by key prefix. It is a thin typed layer over a
// bus.Adapter bucket; the replicated KV is the only backend.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/latticerun/host/internal/bus"
)

const (
	componentKeyPrefix  = "COMPONENT_"
	claimsKeyPrefix     = "CLAIMS_"
	legacyLinkdefPrefix = "LINKDEF_"
)

// InterfaceLink is one outbound wiring from a component.
type InterfaceLink struct {
	SourceID     string   `json:"source_id"`
	Target       string   `json:"target"`
	WitNamespace string   `json:"wit_namespace"`
	WitPackage   string   `json:"wit_package"`
	Interfaces   []string `json:"interfaces"`
	Name         string   `json:"name"`
	SourceConfig []string `json:"source_config,omitempty"`
	TargetConfig []string `json:"target_config,omitempty"`
}

// Key returns the uniqueness key for this link: (source_id, target,
// namespace, package, name).
func (l InterfaceLink) Key() string {
	return strings.Join([]string{l.SourceID, l.Target, l.WitNamespace, l.WitPackage, l.Name}, "\x1f")
}

// ComponentSpecification is the persisted description of a component's
// external URL and outbound links.
type ComponentSpecification struct {
	URL   string          `json:"url"`
	Links []InterfaceLink `json:"links"`
}

// ClaimsKind discriminates the tagged Claims variant.
type ClaimsKind string

const (
	ActorClaimsKind    ClaimsKind = "actor"
	ProviderClaimsKind ClaimsKind = "provider"
)

// Claims is the persisted, signed identity of a component or provider
// artifact. The variant is discriminated by the presence of ContractID:
// non-empty means ProviderClaims, empty means ActorClaims.
type Claims struct {
	Kind         ClaimsKind      `json:"kind"`
	Issuer       string          `json:"issuer"`
	Subject      string          `json:"subject"`
	Name         string          `json:"name"`
	Revision     int             `json:"revision"`
	Version      string          `json:"version"`
	Capabilities []string        `json:"capabilities,omitempty"`
	CallAlias    string          `json:"call_alias,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
	ContractID   string          `json:"contract_id,omitempty"`
}

// ErrSubjectMismatch is returned by StoreClaims when the subject encoded in
// the value does not match the key tail.
type ErrSubjectMismatch struct {
	Key     string
	Subject string
}

func (e *ErrSubjectMismatch) Error() string {
	return fmt.Sprintf("statestore: claims subject %q does not match key %q", e.Subject, e.Key)
}

// ErrURLChanged is returned by StoreComponentSpec when a non-empty URL
// would change on a running component.
type ErrURLChanged struct {
	ComponentID string
	Previous    string
	Next        string
}

func (e *ErrURLChanged) Error() string {
	return fmt.Sprintf("statestore: component %q url changed from %q to %q while running", e.ComponentID, e.Previous, e.Next)
}

// Store is a typed view over a lattice's KV bucket.
type Store struct {
	adapter bus.Adapter
	bucket  string
}

// New returns a Store bound to the given lattice's state bucket.
func New(adapter bus.Adapter, lattice string) *Store {
	return &Store{adapter: adapter, bucket: "LATTICEDATA_" + lattice}
}

// Bucket returns the underlying bus bucket name, for use by the reconciler's
// KV watch.
func (s *Store) Bucket() string { return s.bucket }

func componentKey(id string) string   { return componentKeyPrefix + id }
func claimsKey(subject string) string { return claimsKeyPrefix + subject }

// IsComponentKey reports whether key names a ComponentSpecification.
func IsComponentKey(key string) bool { return strings.HasPrefix(key, componentKeyPrefix) }

// IsClaimsKey reports whether key names a Claims document.
func IsClaimsKey(key string) bool { return strings.HasPrefix(key, claimsKeyPrefix) }

// IsLegacyLinkdefKey reports whether key is a pre-migration linkdef record,
// ignored on read and never written.
func IsLegacyLinkdefKey(key string) bool { return strings.HasPrefix(key, legacyLinkdefPrefix) }

// ComponentIDFromKey strips the component key prefix.
func ComponentIDFromKey(key string) string { return strings.TrimPrefix(key, componentKeyPrefix) }

// SubjectFromClaimsKey strips the claims key prefix.
func SubjectFromClaimsKey(key string) string { return strings.TrimPrefix(key, claimsKeyPrefix) }

// GetComponentSpec returns the spec for id, or ok=false if absent.
func (s *Store) GetComponentSpec(ctx context.Context, id string) (ComponentSpecification, bool, error) {
	raw, ok, err := s.adapter.KVGet(ctx, s.bucket, componentKey(id))
	if err != nil || !ok {
		return ComponentSpecification{}, false, err
	}
	var spec ComponentSpecification
	if err := json.Unmarshal(raw, &spec); err != nil {
		return ComponentSpecification{}, false, fmt.Errorf("statestore: decode component %s: %w", id, err)
	}
	return spec, true, nil
}

// StoreComponentSpec serializes and puts spec unconditionally (last-write-wins).
// If runningURL is non-empty and differs from a non-empty spec.URL, the put
// is rejected: a running component's url is immutable.
func (s *Store) StoreComponentSpec(ctx context.Context, id string, spec ComponentSpecification, runningURL string) error {
	if runningURL != "" && spec.URL != "" && spec.URL != runningURL {
		return &ErrURLChanged{ComponentID: id, Previous: runningURL, Next: spec.URL}
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("statestore: encode component %s: %w", id, err)
	}
	return s.adapter.KVPut(ctx, s.bucket, componentKey(id), raw)
}

// DeleteComponentSpec removes a component's persisted spec. Per the state
// store's ownership contract this is only used when a component is fully
// torn down, not on scale-to-zero (links persist for restart).
func (s *Store) DeleteComponentSpec(ctx context.Context, id string) error {
	return s.adapter.KVDelete(ctx, s.bucket, componentKey(id))
}

// ListComponentSpecs returns every persisted ComponentSpecification keyed by
// component id, skipping legacy linkdef keys and anything undecodable.
func (s *Store) ListComponentSpecs(ctx context.Context) (map[string]ComponentSpecification, error) {
	keys, err := s.adapter.KVKeys(ctx, s.bucket)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ComponentSpecification)
	for _, key := range keys {
		if !IsComponentKey(key) {
			continue
		}
		id := ComponentIDFromKey(key)
		spec, ok, err := s.GetComponentSpec(ctx, id)
		if err != nil || !ok {
			continue
		}
		out[id] = spec
	}
	return out, nil
}

// GetClaims returns the claims for subject, or ok=false if absent.
func (s *Store) GetClaims(ctx context.Context, subject string) (Claims, bool, error) {
	raw, ok, err := s.adapter.KVGet(ctx, s.bucket, claimsKey(subject))
	if err != nil || !ok {
		return Claims{}, false, err
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, false, fmt.Errorf("statestore: decode claims %s: %w", subject, err)
	}
	return claims, true, nil
}

// StoreClaims serializes and puts claims under subject. Returns
// ErrSubjectMismatch if claims.Subject does not equal subject.
func (s *Store) StoreClaims(ctx context.Context, subject string, claims Claims) error {
	if claims.Subject != subject {
		return &ErrSubjectMismatch{Key: subject, Subject: claims.Subject}
	}
	if claims.ContractID != "" {
		claims.Kind = ProviderClaimsKind
	} else {
		claims.Kind = ActorClaimsKind
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("statestore: encode claims %s: %w", subject, err)
	}
	return s.adapter.KVPut(ctx, s.bucket, claimsKey(subject), raw)
}

// DeleteClaims removes the claims document for subject.
func (s *Store) DeleteClaims(ctx context.Context, subject string) error {
	return s.adapter.KVDelete(ctx, s.bucket, claimsKey(subject))
}

// ListClaims returns every persisted Claims document keyed by subject.
func (s *Store) ListClaims(ctx context.Context) (map[string]Claims, error) {
	keys, err := s.adapter.KVKeys(ctx, s.bucket)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Claims)
	for _, key := range keys {
		if !IsClaimsKey(key) {
			continue
		}
		subject := SubjectFromClaimsKey(key)
		claims, ok, err := s.GetClaims(ctx, subject)
		if err != nil || !ok {
			continue
		}
		out[subject] = claims
	}
	return out, nil
}
