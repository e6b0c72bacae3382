// Package config loads gateway configuration from a YAML file with
// environment-variable overrides, following the teacher's convention of
// keeping config loading thin and separate from CLI parsing (out of scope
// per spec.md §1).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration. Zero values are filled in
// by Defaults() before validation.
type Config struct {
	// ListenAddr is the single address all wire endpoints bind to (spec.md §6).
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`

	StateDir string `yaml:"state_dir" validate:"required"`

	Hostnames []string `yaml:"hostnames" validate:"required,min=1,dive,hostname|ip"`

	DNSDomain  string `yaml:"dns_domain"`
	DNSService string `yaml:"dns_service"`

	JWTSecretEnv string `yaml:"jwt_secret_env" validate:"required"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	SSE       SSEConfig       `yaml:"sse"`
	Plugin    PluginConfig    `yaml:"plugin"`

	// BuildID is compared against mDNS announcements to prevent
	// cross-version poisoning (spec.md §4.3).
	BuildID string `yaml:"build_id" validate:"required"`
}

type RateLimitConfig struct {
	Endpoints map[string]BucketConfig `yaml:"endpoints"`
	Window    time.Duration           `yaml:"window" validate:"required"`
	WindowMax int                     `yaml:"window_max" validate:"required,min=1"`
}

type BucketConfig struct {
	Capacity   float64 `yaml:"capacity" validate:"required,gt=0"`
	RefillRate float64 `yaml:"refill_rate" validate:"required,gt=0"`
}

type CircuitConfig struct {
	ErrorThresholdPct    float64       `yaml:"error_threshold_pct" validate:"required,gt=0,lte=100"`
	RequestVolumeThresh  int           `yaml:"request_volume_threshold" validate:"required,min=1"`
	SleepWindow          time.Duration `yaml:"sleep_window" validate:"required"`
	HalfOpenPermits      int           `yaml:"half_open_permits" validate:"required,min=1"`
	MetricsWindow        time.Duration `yaml:"metrics_window" validate:"required"`
}

type SSEConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout" validate:"required"`
	PingInterval  time.Duration `yaml:"ping_interval" validate:"required"`
	MaxSessions   int           `yaml:"max_sessions" validate:"required,min=1"`
}

type PluginConfig struct {
	Dir            string        `yaml:"dir" validate:"required"`
	FuelLimit      uint64        `yaml:"fuel_limit" validate:"required"`
	CallTimeout    time.Duration `yaml:"call_timeout" validate:"required"`
	MaxFaults      int           `yaml:"max_faults" validate:"required,min=1"`
	HTTPAllowList  []string      `yaml:"http_allow_list"`
}

// Defaults returns a Config with every default value the spec names.
func Defaults() Config {
	return Config{
		ListenAddr: "0.0.0.0:7214",
		StateDir:   "/var/lib/sweetmcp",
		BuildID:    "dev",
		DNSService: "_sweetmcp._tcp",
		JWTSecretEnv: "SWEETMCP_JWT_SECRET",
		RateLimit: RateLimitConfig{
			Endpoints: map[string]BucketConfig{
				"/rpc": {Capacity: 10, RefillRate: 1},
			},
			Window:    60 * time.Second,
			WindowMax: 600,
		},
		Circuit: CircuitConfig{
			ErrorThresholdPct:   50,
			RequestVolumeThresh: 20,
			SleepWindow:         30 * time.Second,
			HalfOpenPermits:     3,
			MetricsWindow:       60 * time.Second,
		},
		SSE: SSEConfig{
			IdleTimeout:  300 * time.Second,
			PingInterval: 30 * time.Second,
			MaxSessions:  4096,
		},
		Plugin: PluginConfig{
			Dir:         "/var/lib/sweetmcp/plugins",
			FuelLimit:   10_000_000,
			CallTimeout: 5 * time.Second,
			MaxFaults:   3,
		},
	}
}

// Load reads a YAML config file, layers it over Defaults(), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWEETMCP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SWEETMCP_DOMAIN"); v != "" {
		cfg.DNSDomain = v
	}
	if v := os.Getenv("SWEETMCP_DNS_SERVICE"); v != "" {
		cfg.DNSService = v
	}
}
