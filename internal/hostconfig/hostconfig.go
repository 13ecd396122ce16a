// Package hostconfig loads and validates the host's runtime configuration:
// defaults are registered first, a YAML file is layered on top if present,
// then environment variables take final precedence.
package hostconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration for a single lattice host
// process.
type Config struct {
	Host     HostConfig     `mapstructure:"host"`
	Bus      BusConfig      `mapstructure:"bus"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Provider ProviderConfig `mapstructure:"provider"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      LogConfig      `mapstructure:"log"`
}

// HostConfig identifies the host and the lattice it joins.
type HostConfig struct {
	LatticeID         string            `mapstructure:"lattice_id"`
	FriendlyName      string            `mapstructure:"friendly_name"`
	Labels            map[string]string `mapstructure:"labels"`
	ClusterIssuers    []string          `mapstructure:"cluster_issuers"`
	ConfigBucket      string            `mapstructure:"config_bucket"`
	InvocationTimeout time.Duration     `mapstructure:"invocation_timeout"`
	ShutdownGrace     time.Duration     `mapstructure:"shutdown_grace"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"`
}

// BusConfig configures the Redis connection standing in for the lattice
// message bus.
type BusConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// PolicyConfig configures the policy gate's decision subject and cache.
type PolicyConfig struct {
	Subject   string        `mapstructure:"subject"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// ProviderConfig configures provider process supervision.
type ProviderConfig struct {
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	HealthPeriod time.Duration `mapstructure:"health_period"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

// AdminConfig configures the host's local admin HTTP surface.
type AdminConfig struct {
	Addr              string `mapstructure:"addr"`
	EventStreamBuffer int    `mapstructure:"event_stream_buffer"`
}

// LogConfig mirrors internal/logging.Config's shape so it can be decoded
// directly from file/env before being handed to logging.New.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// redactionValue replaces sensitive fields in Sanitize's output.
const redactionValue = "***REDACTED***"

// Load reads configuration from configPath (if non-empty) layered under
// defaults, then environment variables (prefixed LATTICEHOST_, with "."
// and nested keys mapped to "_"), then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("latticehost")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("hostconfig: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("hostconfig: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hostconfig: validate: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host.lattice_id", "default")
	v.SetDefault("host.config_bucket", "")
	v.SetDefault("host.invocation_timeout", "10s")
	v.SetDefault("host.shutdown_grace", "5s")
	v.SetDefault("host.heartbeat_interval", "30s")

	v.SetDefault("bus.addr", "localhost:6379")
	v.SetDefault("bus.db", 0)
	v.SetDefault("bus.dial_timeout", "5s")
	v.SetDefault("bus.max_retries", 5)
	v.SetDefault("bus.min_retry_backoff", "100ms")
	v.SetDefault("bus.max_retry_backoff", "2s")

	v.SetDefault("policy.subject", "")
	v.SetDefault("policy.timeout", "2s")
	v.SetDefault("policy.cache_size", 4096)
	v.SetDefault("policy.cache_ttl", "5s")

	v.SetDefault("provider.grace_period", "5s")
	v.SetDefault("provider.health_period", "30s")
	v.SetDefault("provider.stop_grace", "5s")

	v.SetDefault("admin.addr", ":8090")
	v.SetDefault("admin.event_stream_buffer", 1000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
}

// Validate checks required fields and obviously invalid values.
func (c *Config) Validate() error {
	if c.Host.LatticeID == "" {
		return fmt.Errorf("host.lattice_id cannot be empty")
	}
	if c.Bus.Addr == "" {
		return fmt.Errorf("bus.addr cannot be empty")
	}
	if c.Host.InvocationTimeout <= 0 {
		return fmt.Errorf("host.invocation_timeout must be positive")
	}
	if c.Policy.Subject != "" && c.Policy.Timeout <= 0 {
		return fmt.Errorf("policy.timeout must be positive when policy.subject is set")
	}
	return nil
}

// ConfigBucketOrDefault returns the configured bucket name, falling back to
// the lattice-scoped default used by internal/configbundle.
func (c *Config) ConfigBucketOrDefault() string {
	if c.Host.ConfigBucket != "" {
		return c.Host.ConfigBucket
	}
	return "CONFIGDATA_" + c.Host.LatticeID
}

// Sanitize returns a deep copy of c with secrets redacted, suitable for
// inclusion in a host.get control-plane reply or a startup log line.
func (c *Config) Sanitize() *Config {
	sanitized := *c
	sanitized.Bus.Password = redactString(c.Bus.Password)
	sanitized.Host.ClusterIssuers = append([]string(nil), c.Host.ClusterIssuers...)
	sanitized.Host.Labels = make(map[string]string, len(c.Host.Labels))
	for k, v := range c.Host.Labels {
		sanitized.Host.Labels[k] = v
	}
	return &sanitized
}

func redactString(s string) string {
	if s == "" {
		return s
	}
	return redactionValue
}

// DumpYAML renders the sanitized configuration as YAML, the shape operators
// wrote it in, for the startup log and support bundles.
func (c *Config) DumpYAML() (string, error) {
	raw, err := yaml.Marshal(c.Sanitize())
	if err != nil {
		return "", fmt.Errorf("hostconfig: render yaml: %w", err)
	}
	return string(raw), nil
}
