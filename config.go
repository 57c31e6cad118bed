package showrunner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the settings shared by the webhook ingress, gate controller,
// circuit breaker, and provider client. It is constructed once at startup and
// passed by reference into constructors; nothing reads ambient global state.
type Config struct {
	// ProviderSecrets maps a provider name to the shared secret used to
	// verify HMAC-SHA256 webhook signatures.
	ProviderSecrets map[string]string `yaml:"provider_secrets"`

	// ProviderEndpoints maps a provider name to its HTTP submission URL.
	// Providers without an endpoint can still deliver webhooks; they just
	// cannot be targeted by the built-in submit handler.
	ProviderEndpoints map[string]string `yaml:"provider_endpoints"`

	// ApprovalSecret signs human approval tokens.
	ApprovalSecret string `yaml:"approval_secret"`

	// ReplayWindow bounds the acceptable clock skew on webhook timestamps.
	ReplayWindow time.Duration `yaml:"replay_window"`

	// ApprovalTTL is how long an issued approval token stays valid.
	ApprovalTTL time.Duration `yaml:"approval_ttl"`

	// GateTTL optionally bounds how long a run may sit at a gate before
	// ExpireGates fails it. Zero means gates wait indefinitely.
	GateTTL time.Duration `yaml:"gate_ttl"`

	// BreakerThreshold is the consecutive-failure count that opens a
	// provider's circuit.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldown is how long an open circuit waits before allowing a
	// half-open trial call.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`

	// MaxRetries bounds retry attempts for transient provider errors.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the first retry delay; subsequent delays grow
	// exponentially up to RetryMaxDelay.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// DefaultConfig returns a Config with the documented defaults: a ±5 minute
// replay window, 15 minute approval tokens, breaker threshold of 5 with a 30
// second cooldown, and a 1s/4s/10s-shaped retry schedule capped at 3 retries.
func DefaultConfig() *Config {
	return &Config{
		ProviderSecrets:  map[string]string{},
		ReplayWindow:     5 * time.Minute,
		ApprovalTTL:      15 * time.Minute,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    10 * time.Second,
	}
}

// rawConfig mirrors Config with durations as strings, since YAML has no
// native duration type. Durations use time.ParseDuration syntax ("5m", "30s").
type rawConfig struct {
	ProviderSecrets   map[string]string `yaml:"provider_secrets"`
	ProviderEndpoints map[string]string `yaml:"provider_endpoints"`
	ApprovalSecret    string            `yaml:"approval_secret"`
	ReplayWindow      string            `yaml:"replay_window"`
	ApprovalTTL       string            `yaml:"approval_ttl"`
	GateTTL           string            `yaml:"gate_ttl"`
	BreakerThreshold  *int              `yaml:"breaker_threshold"`
	BreakerCooldown   string            `yaml:"breaker_cooldown"`
	MaxRetries        *int              `yaml:"max_retries"`
	RetryBaseDelay    string            `yaml:"retry_base_delay"`
	RetryMaxDelay     string            `yaml:"retry_max_delay"`
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg := DefaultConfig()
	if raw.ProviderSecrets != nil {
		cfg.ProviderSecrets = raw.ProviderSecrets
	}
	if raw.ProviderEndpoints != nil {
		cfg.ProviderEndpoints = raw.ProviderEndpoints
	}
	if raw.ApprovalSecret != "" {
		cfg.ApprovalSecret = raw.ApprovalSecret
	}
	if raw.BreakerThreshold != nil {
		cfg.BreakerThreshold = *raw.BreakerThreshold
	}
	if raw.MaxRetries != nil {
		cfg.MaxRetries = *raw.MaxRetries
	}
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"replay_window", raw.ReplayWindow, &cfg.ReplayWindow},
		{"approval_ttl", raw.ApprovalTTL, &cfg.ApprovalTTL},
		{"gate_ttl", raw.GateTTL, &cfg.GateTTL},
		{"breaker_cooldown", raw.BreakerCooldown, &cfg.BreakerCooldown},
		{"retry_base_delay", raw.RetryBaseDelay, &cfg.RetryBaseDelay},
		{"retry_max_delay", raw.RetryMaxDelay, &cfg.RetryMaxDelay},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return cfg, nil
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.ApprovalSecret == "" {
		return fmt.Errorf("approval secret is required")
	}
	if c.ReplayWindow <= 0 {
		return fmt.Errorf("replay window must be positive")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive")
	}
	return nil
}

// ProviderSecret returns the webhook secret for a provider.
func (c *Config) ProviderSecret(provider string) (string, bool) {
	secret, ok := c.ProviderSecrets[provider]
	return secret, ok
}
