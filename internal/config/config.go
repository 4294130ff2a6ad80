// Package config loads application configuration from an optional YAML file
// with environment variable overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainConfig describes one verification chain and its adapter settings.
type ChainConfig struct {
	Name string `yaml:"name"`
	// Role is primary, monitor or backup.
	Role   string `yaml:"role"`
	RPCURL string `yaml:"rpc_url"`
	// QueryMethod and SubmitMethod are the JSON-RPC method names the
	// adapter invokes; the wire protocol itself is generic JSON-RPC 2.0.
	QueryMethod  string `yaml:"query_method"`
	SubmitMethod string `yaml:"submit_method"`
	// StatusPath and ConfirmationsPath are gjson paths into the RPC result.
	StatusPath        string `yaml:"status_path"`
	ConfirmationsPath string `yaml:"confirmations_path"`
	MinConfirmations  int64  `yaml:"min_confirmations"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	// ConfirmationLatencySeconds is the expected time for one confirmation;
	// the swap coordinator derives its minimum safe time lock from the
	// slowest chain.
	ConfirmationLatencySeconds int `yaml:"confirmation_latency_seconds"`
}

// Timeout returns the per-query timeout, defaulting to 10s.
func (c ChainConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ConfirmationLatency returns the expected confirmation latency.
func (c ChainConfig) ConfirmationLatency() time.Duration {
	if c.ConfirmationLatencySeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.ConfirmationLatencySeconds) * time.Second
}

// LevelPolicy is the consensus decision rule for one security level.
type LevelPolicy struct {
	MinSuccess   int  `yaml:"min_success"`
	ForbidErrors bool `yaml:"forbid_errors"`
}

// RetryConfig is the caller-side retry policy for chain query timeouts.
type RetryConfig struct {
	Attempts         int `yaml:"attempts"`
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
}

// BaseDelay returns the initial backoff delay.
func (r RetryConfig) BaseDelay() time.Duration {
	if r.BaseDelaySeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(r.BaseDelaySeconds) * time.Second
}

// Config is the application configuration tree.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Storage struct {
		// Driver is memory, postgres or redis.
		Driver      string `yaml:"driver"`
		PostgresDSN string `yaml:"postgres_dsn"`
		Redis       struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Chains []ChainConfig `yaml:"chains"`

	Consensus struct {
		Levels map[string]LevelPolicy `yaml:"levels"`
		Retry  RetryConfig            `yaml:"retry"`
	} `yaml:"consensus"`

	Policy struct {
		// ActionLevels maps action types to the minimum security level used
		// when the coordinators verify chain state for that action.
		ActionLevels map[string]string `yaml:"action_levels"`
		// HighValueAmount is the swap amount at or above which claim and
		// refund transitions require a fresh consensus check.
		HighValueAmount float64 `yaml:"high_value_amount"`
		// GeoRequired lists action types gated behind location proofs.
		GeoRequired []string `yaml:"geo_required"`
	} `yaml:"policy"`

	Swap struct {
		// MinTimeLockSeconds overrides the derived floor (2x the slowest
		// chain's confirmation latency) when positive.
		MinTimeLockSeconds int `yaml:"min_time_lock_seconds"`
	} `yaml:"swap"`

	Geo struct {
		TTLHours        int     `yaml:"ttl_hours"`
		CellSizeDegrees float64 `yaml:"cell_size_degrees"`
		Salt            string  `yaml:"salt"`
		CleanupSchedule string  `yaml:"cleanup_schedule"`
	} `yaml:"geo"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimit struct {
		RequestsPerSecond int `yaml:"requests_per_second"`
		Burst             int `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// Load reads the YAML file at path (skipped when path is empty or missing)
// and applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the local-development configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Storage.Driver = "memory"
	cfg.Storage.Redis.Addr = "localhost:6379"

	cfg.Chains = []ChainConfig{
		{Name: "ethereum", Role: "primary", QueryMethod: "vault_verifyAction", SubmitMethod: "vault_submit", StatusPath: "status", ConfirmationsPath: "confirmations", MinConfirmations: 12, TimeoutSeconds: 10, ConfirmationLatencySeconds: 900},
		{Name: "solana", Role: "monitor", QueryMethod: "vault_verifyAction", SubmitMethod: "vault_submit", StatusPath: "status", ConfirmationsPath: "confirmations", MinConfirmations: 32, TimeoutSeconds: 10, ConfirmationLatencySeconds: 60},
		{Name: "ton", Role: "backup", QueryMethod: "vault_verifyAction", SubmitMethod: "vault_submit", StatusPath: "status", ConfirmationsPath: "confirmations", MinConfirmations: 1, TimeoutSeconds: 10, ConfirmationLatencySeconds: 30},
	}

	cfg.Consensus.Levels = map[string]LevelPolicy{
		"standard": {MinSuccess: 2, ForbidErrors: false},
		"enhanced": {MinSuccess: 2, ForbidErrors: true},
		"maximum":  {MinSuccess: 3, ForbidErrors: true},
	}
	cfg.Consensus.Retry = RetryConfig{Attempts: 3, BaseDelaySeconds: 2}

	cfg.Policy.ActionLevels = map[string]string{
		"initiate":           "standard",
		"participate":        "standard",
		"claim":              "enhanced",
		"refund":             "enhanced",
		"unlock":             "maximum",
		"emergency_recovery": "maximum",
	}
	cfg.Policy.HighValueAmount = 1000

	cfg.Geo.TTLHours = 24
	cfg.Geo.CellSizeDegrees = 0.01
	cfg.Geo.CleanupSchedule = "@every 1h"

	cfg.RateLimit.RequestsPerSecond = 20
	cfg.RateLimit.Burst = 40
	return cfg
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seen := make(map[string]bool, len(c.Chains))
	for _, chain := range c.Chains {
		if chain.Name == "" {
			return fmt.Errorf("chain name is required")
		}
		if seen[chain.Name] {
			return fmt.Errorf("chain %s configured twice", chain.Name)
		}
		seen[chain.Name] = true
	}
	switch c.Storage.Driver {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
	}
	return nil
}

// MinTimeLock returns the floor for HTLC time lock durations: the configured
// override, or twice the slowest chain's expected confirmation latency.
func (c *Config) MinTimeLock() time.Duration {
	if c.Swap.MinTimeLockSeconds > 0 {
		return time.Duration(c.Swap.MinTimeLockSeconds) * time.Second
	}
	var slowest time.Duration
	for _, chain := range c.Chains {
		if lat := chain.ConfirmationLatency(); lat > slowest {
			slowest = lat
		}
	}
	return 2 * slowest
}

// GeoTTL returns the validity window for location records.
func (c *Config) GeoTTL() time.Duration {
	if c.Geo.TTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Geo.TTLHours) * time.Hour
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTHCORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AUTHCORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AUTHCORE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("AUTHCORE_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("AUTHCORE_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("AUTHCORE_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("AUTHCORE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("AUTHCORE_GEO_SALT"); v != "" {
		cfg.Geo.Salt = v
	}
}
