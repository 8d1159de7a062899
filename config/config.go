// Package config defines the AgriMesh platform configuration: identity,
// NATS connection, context store TTLs, per-agent settings, gateway and
// metrics endpoints. Files may be JSON or YAML; environment variables of
// the form ${VAR} or ${VAR:-default} are expanded before parsing.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version      string             `json:"version" yaml:"version"` // semantic version for deploy tracking
	Platform     PlatformConfig     `json:"platform" yaml:"platform"`
	NATS         NATSConfig         `json:"nats" yaml:"nats"`
	ContextStore ContextStoreConfig `json:"context_store" yaml:"context_store"`
	Agents       AgentConfigs       `json:"agents" yaml:"agents"`
	Gateway      GatewayConfig      `json:"gateway" yaml:"gateway"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
}

// AgentConfigs holds per-agent settings keyed by agent type name
// (e.g. "market-intelligence"). Agents absent from the map run with
// defaults; agents present with enabled=false are not started.
type AgentConfigs map[string]AgentConfig

// PlatformConfig defines deployment identity.
type PlatformConfig struct {
	Org         string `json:"org" yaml:"org"`                           // operator namespace, e.g. "krishio"
	ID          string `json:"id" yaml:"id"`                             // deployment identifier
	Region      string `json:"region,omitempty" yaml:"region"`           // e.g. "maharashtra"
	Environment string `json:"environment,omitempty" yaml:"environment"` // "prod", "dev", "test"
}

// NATSConfig defines the bus connection.
type NATSConfig struct {
	URL            string   `json:"url" yaml:"url"`
	Name           string   `json:"name,omitempty" yaml:"name"`
	MaxReconnects  int      `json:"max_reconnects,omitempty" yaml:"max_reconnects"`
	ReconnectWait  Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout"`
	RequestTimeout Duration `json:"request_timeout,omitempty" yaml:"request_timeout"` // default agent request/reply deadline
}

// ContextStoreConfig defines the KV buckets and their sliding TTLs.
type ContextStoreConfig struct {
	FarmerTTL   Duration `json:"farmer_ttl" yaml:"farmer_ttl"`
	FPOTTL      Duration `json:"fpo_ttl" yaml:"fpo_ttl"`
	SnapshotTTL Duration `json:"snapshot_ttl" yaml:"snapshot_ttl"`
	MaxRecent   int      `json:"max_recent,omitempty" yaml:"max_recent"` // recency window length
}

// AgentConfig defines one agent's runtime settings.
type AgentConfig struct {
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	MaxRetries     int            `json:"max_retries,omitempty" yaml:"max_retries"`
	RequestTimeout Duration       `json:"request_timeout,omitempty" yaml:"request_timeout"`
	Settings       map[string]any `json:"settings,omitempty" yaml:"settings"` // agent-specific knobs
}

// GatewayConfig defines the HTTP/WebSocket edge.
type GatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host,omitempty" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// MetricsConfig defines the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path,omitempty" yaml:"path"`
}

// DefaultConfig returns a config suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Platform: PlatformConfig{
			Org:         "krishio",
			ID:          "agrimesh-local",
			Environment: "dev",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "agrimesh",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
			RequestTimeout: Duration(10 * time.Second),
		},
		ContextStore: ContextStoreConfig{
			FarmerTTL:   Duration(time.Hour),
			FPOTTL:      Duration(24 * time.Hour),
			SnapshotTTL: Duration(time.Hour),
			MaxRecent:   100,
		},
		Agents: AgentConfigs{},
		Gateway: GatewayConfig{
			Enabled: true,
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// Agent returns the config for one agent type, falling back to zero-value
// defaults when the agent has no entry. The second return reports whether
// an explicit entry existed.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	ac, ok := c.Agents[name]
	return ac, ok
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
