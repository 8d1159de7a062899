package config

import (
	"fmt"
	"strings"

	"github.com/krishio/agrimesh/envelope"
)

// Validate checks structural and semantic correctness. It collects every
// problem rather than stopping at the first so an operator can fix a bad
// file in one pass.
func (c *Config) Validate() error {
	var problems []string

	if c.Version == "" {
		problems = append(problems, "version is required")
	}
	if c.Platform.Org == "" {
		problems = append(problems, "platform.org is required")
	}
	if c.Platform.ID == "" {
		problems = append(problems, "platform.id is required")
	}

	if c.NATS.URL == "" {
		problems = append(problems, "nats.url is required")
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		problems = append(problems, fmt.Sprintf("nats.url %q must use nats:// or tls:// scheme", c.NATS.URL))
	}
	if c.NATS.RequestTimeout < 0 {
		problems = append(problems, "nats.request_timeout cannot be negative")
	}

	if c.ContextStore.FarmerTTL <= 0 {
		problems = append(problems, "context_store.farmer_ttl must be positive")
	}
	if c.ContextStore.FPOTTL <= 0 {
		problems = append(problems, "context_store.fpo_ttl must be positive")
	}
	if c.ContextStore.SnapshotTTL <= 0 {
		problems = append(problems, "context_store.snapshot_ttl must be positive")
	}
	if c.ContextStore.MaxRecent < 0 {
		problems = append(problems, "context_store.max_recent cannot be negative")
	}

	for name, ac := range c.Agents {
		if !envelope.AgentType(name).IsValid() {
			problems = append(problems, fmt.Sprintf("agents.%s: unknown agent type", name))
		}
		if ac.MaxRetries < 0 {
			problems = append(problems, fmt.Sprintf("agents.%s.max_retries cannot be negative", name))
		}
		if ac.RequestTimeout < 0 {
			problems = append(problems, fmt.Sprintf("agents.%s.request_timeout cannot be negative", name))
		}
	}

	if c.Gateway.Enabled {
		if err := validatePort(c.Gateway.Port); err != nil {
			problems = append(problems, fmt.Sprintf("gateway.port: %v", err))
		}
	}
	if c.Metrics.Enabled {
		if err := validatePort(c.Metrics.Port); err != nil {
			problems = append(problems, fmt.Sprintf("metrics.port: %v", err))
		}
		if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
			problems = append(problems, fmt.Sprintf("metrics.path %q must start with /", c.Metrics.Path))
		}
	}
	if c.Gateway.Enabled && c.Metrics.Enabled && c.Gateway.Port == c.Metrics.Port {
		problems = append(problems, fmt.Sprintf("gateway and metrics cannot share port %d", c.Gateway.Port))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%d out of range 1-65535", port)
	}
	return nil
}
