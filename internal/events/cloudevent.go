// Package events defines the CloudEvents-v1 envelope the host publishes
// for every lifecycle transition, and the payload types each event type
// carries.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants published on the lattice event bus.
const (
	TypeHostStarted         = "host_started"
	TypeHostStopped         = "host_stopped"
	TypeHostHeartbeat       = "host_heartbeat"
	TypeLabelsChanged       = "labels_changed"
	TypeActorScaled         = "actor_scaled"
	TypeActorScaleFailed    = "actor_scale_failed"
	TypeProviderStarted     = "provider_started"
	TypeProviderStopped     = "provider_stopped"
	TypeProviderStartFailed = "provider_start_failed"
	TypeLinkdefSet          = "linkdef_set"
	TypeLinkdefDeleted      = "linkdef_deleted"
	TypeConfigSet           = "config_set"
	TypeConfigDeleted       = "config_deleted"
	TypeHealthCheckPassed   = "health_check_passed"
	TypeHealthCheckFailed   = "health_check_failed"
	TypeHealthCheckStatus   = "health_check_status"

	specVersion = "1.0"
)

// CloudEvent is a minimal CloudEvents-v1 envelope: the fields the host's
// lifecycle events actually populate. `Data` carries the event-specific
// payload as arbitrary JSON.
type CloudEvent struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Time        time.Time       `json:"time"`
	DataContent string          `json:"datacontenttype"`
	Data        json.RawMessage `json:"data"`
}

// New builds a CloudEvent with source set to the host's public key.
func New(hostID, eventType string, data any) (CloudEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return CloudEvent{}, err
	}
	return CloudEvent{
		ID:          uuid.NewString(),
		Source:      hostID,
		SpecVersion: specVersion,
		Type:        eventType,
		Time:        time.Now().UTC(),
		DataContent: "application/json",
		Data:        raw,
	}, nil
}

// Subject returns the bus subject this event is published on:
// wasmbus.evt.<lattice>.<event_type>.
func Subject(lattice, eventType string) string {
	return "wasmbus.evt." + lattice + "." + eventType
}

// ActorScaledData is the payload for TypeActorScaled / TypeActorScaleFailed.
type ActorScaledData struct {
	PublicKey    string            `json:"public_key"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	ImageRef     string            `json:"image_ref"`
	MaxInstances int               `json:"max_instances"`
	Reason       string            `json:"reason,omitempty"`
}

// ProviderLifecycleData is the payload for provider start/stop/fail events
// and the provider entries of a heartbeat inventory.
type ProviderLifecycleData struct {
	PublicKey   string            `json:"public_key"`
	ImageRef    string            `json:"image_ref,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Healthy     bool              `json:"healthy,omitempty"`
}

// HealthCheckData is the payload for health_check_* events.
type HealthCheckData struct {
	PublicKey string `json:"public_key"`
	Healthy   bool   `json:"healthy"`
}

// LinkdefData is the payload for linkdef_set / linkdef_deleted.
type LinkdefData struct {
	SourceID     string   `json:"source_id"`
	Target       string   `json:"target"`
	Name         string   `json:"name"`
	WitNamespace string   `json:"wit_namespace"`
	WitPackage   string   `json:"wit_package"`
	Interfaces   []string `json:"interfaces"`
}

// ConfigData is the payload for config_set / config_deleted.
type ConfigData struct {
	ConfigName string `json:"config_name"`
}

// LabelsChangedData is the payload for labels_changed.
type LabelsChangedData struct {
	Labels map[string]string `json:"labels"`
}

// HostStartedData is the payload for host_started.
type HostStartedData struct {
	FriendlyName string            `json:"friendly_name"`
	Labels       map[string]string `json:"labels"`
	Issuers      []string          `json:"issuers"`
}

// HostStoppedData is the payload for host_stopped.
type HostStoppedData struct {
	Reason string `json:"reason,omitempty"`
}

// HeartbeatData is the payload for host_heartbeat: the full inventory.
type HeartbeatData struct {
	FriendlyName string                  `json:"friendly_name"`
	Labels       map[string]string       `json:"labels"`
	Components   []ActorScaledData       `json:"components"`
	Providers    []ProviderLifecycleData `json:"providers"`
}
