// Package config loads and validates the broker configuration from YAML and
// watches it for the few settings that reload at runtime.
package config

import (
	"time"

	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// Config is the full broker configuration.
type Config struct {
	Member     MemberConfig     `yaml:"member" validate:"required"`
	Clouds     []CloudConfig    `yaml:"clouds" validate:"required,min=1,dive"`
	Engine     EngineConfig     `yaml:"engine"`
	Federation FederationConfig `yaml:"federation"`
	API        APIConfig        `yaml:"api"`
	Store      StoreConfig      `yaml:"store"`
	Policy     PolicyConfig     `yaml:"policy"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// MemberConfig identifies this federation member.
type MemberConfig struct {
	// ID is the local member identifier, unique across the federation.
	ID string `yaml:"id" validate:"required"`

	// DefaultCloud is used when an order does not name a target cloud.
	DefaultCloud string `yaml:"default_cloud" validate:"required"`
}

// CloudConfig declares one cloud served by this member.
type CloudConfig struct {
	// Name is the cloud name orders refer to.
	Name string `yaml:"name" validate:"required"`

	// Plugin selects the provisioning plugin ("emulated" is built in).
	Plugin string `yaml:"plugin" validate:"required"`

	// SpawnAfterPolls configures the emulated plugin.
	SpawnAfterPolls int `yaml:"spawn_after_polls" validate:"gte=0"`
}

// EngineConfig tunes the background processors.
type EngineConfig struct {
	// OpenInterval is the sleep between empty passes of the open processor.
	OpenInterval time.Duration `yaml:"open_interval"`

	// SpawningInterval is the sleep between empty passes of the spawning
	// processor.
	SpawningInterval time.Duration `yaml:"spawning_interval"`

	// StoppingInterval is the sleep between empty passes of the stopping
	// processor.
	StoppingInterval time.Duration `yaml:"stopping_interval"`

	// FulfilledInterval is the sleep between empty passes of the fulfilled
	// monitor.
	FulfilledInterval time.Duration `yaml:"fulfilled_interval"`

	// ClosedInterval is the sleep between empty passes of the closed
	// processor.
	ClosedInterval time.Duration `yaml:"closed_interval"`

	// SpawningFailureThreshold is how many consecutive status-check
	// failures the spawning processor tolerates before giving up on an
	// order.
	SpawningFailureThreshold int `yaml:"spawning_failure_threshold" validate:"gte=1"`
}

// FederationConfig configures the inter-member protocol.
type FederationConfig struct {
	// ListenAddress is where the inter-member HTTP server binds.
	ListenAddress string `yaml:"listen_address"`

	// Peers maps member ids to their inter-member base URLs.
	Peers map[string]string `yaml:"peers" validate:"omitempty,dive,url"`

	// RequestTimeout bounds every remote call; a timeout is treated as an
	// unreachable peer.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// EventRetries is how many times an order event push is retried before
	// giving up (the requester reconciles on recovery anyway).
	EventRetries int `yaml:"event_retries" validate:"gte=0"`

	// EventRetryDelay is the pause between event push retries.
	EventRetryDelay time.Duration `yaml:"event_retry_delay"`
}

// APIConfig configures the local user-facing HTTP API.
type APIConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// StoreConfig configures order persistence.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required"`
}

// PolicyConfig configures the authorization engine.
type PolicyConfig struct {
	// Path is a Rego policy file overriding the built-in policy.
	Path string `yaml:"path"`
}

// Default configuration values.
const (
	DefaultProcessorInterval        = 2 * time.Second
	DefaultSpawningFailureThreshold = 5
	DefaultRequestTimeout           = 10 * time.Second
	DefaultEventRetries             = 3
	DefaultEventRetryDelay          = time.Second
)

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Engine.OpenInterval == 0 {
		c.Engine.OpenInterval = DefaultProcessorInterval
	}
	if c.Engine.SpawningInterval == 0 {
		c.Engine.SpawningInterval = DefaultProcessorInterval
	}
	if c.Engine.StoppingInterval == 0 {
		c.Engine.StoppingInterval = DefaultProcessorInterval
	}
	if c.Engine.FulfilledInterval == 0 {
		c.Engine.FulfilledInterval = 10 * DefaultProcessorInterval
	}
	if c.Engine.ClosedInterval == 0 {
		c.Engine.ClosedInterval = DefaultProcessorInterval
	}
	if c.Engine.SpawningFailureThreshold == 0 {
		c.Engine.SpawningFailureThreshold = DefaultSpawningFailureThreshold
	}
	if c.Federation.RequestTimeout == 0 {
		c.Federation.RequestTimeout = DefaultRequestTimeout
	}
	if c.Federation.EventRetries == 0 {
		c.Federation.EventRetries = DefaultEventRetries
	}
	if c.Federation.EventRetryDelay == 0 {
		c.Federation.EventRetryDelay = DefaultEventRetryDelay
	}
	if c.Federation.ListenAddress == "" {
		c.Federation.ListenAddress = ":8081"
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8080"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry = telemetry.DefaultConfig()
	}
}
