// Package config loads the entity-guardian service configuration from YAML,
// applies environment overrides and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/entity-guardian/entity-guardian/pkg/tracing"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ENTITY_GUARDIAN_"

// Config represents the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	EntityAPI  EntityAPIConfig  `yaml:"entity_api"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    tracing.Config   `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP front
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	AuthSecret      string        `yaml:"auth_secret"` // HS256 secret for bearer tokens; empty disables auth
}

// EntityAPIConfig configures the remote entity API client
type EntityAPIConfig struct {
	BaseURL     string        `yaml:"base_url" validate:"required,url"`
	AppID       string        `yaml:"app_id" validate:"required"`
	APIKey      string        `yaml:"api_key"`
	TokenSecret string        `yaml:"token_secret"`
	Tenant      string        `yaml:"tenant" validate:"required_with=TokenSecret"`
	TokenTTL    time.Duration `yaml:"token_ttl" validate:"gte=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	Entities    []string      `yaml:"entities"` // empty serves any entity name
}

// CacheConfig configures the response cache
type CacheConfig struct {
	TTL          time.Duration `yaml:"ttl" validate:"gt=0"`
	KeyStrategy  string        `yaml:"key_strategy" validate:"oneof=default hashed"`
	SingleFlight bool          `yaml:"single_flight"`
}

// RateLimitConfig configures client-side pacing
type RateLimitConfig struct {
	Strategy         string        `yaml:"strategy" validate:"oneof=sliding_window token_bucket"`
	MaxRequests      int           `yaml:"max_requests" validate:"gt=0"`
	Window           time.Duration `yaml:"window" validate:"gt=0"`
	MaxThrottleWait  time.Duration `yaml:"max_throttle_wait" validate:"gte=0"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff" validate:"gte=0"`
	RetryAttempts    int           `yaml:"retry_attempts" validate:"gte=0"` // HTTP reads only; 0 disables
}

// MiddlewareConfig configures the fetch middleware chain
type MiddlewareConfig struct {
	FetchTimeout   time.Duration        `yaml:"fetch_timeout" validate:"gte=0"` // 0 disables
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Chaos          ChaosConfig          `yaml:"chaos"`
}

// CircuitBreakerConfig configures the circuit breaker
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gte=0,lte=1"`
	OpenTimeout      time.Duration `yaml:"open_timeout" validate:"gte=0"`
}

// ChaosConfig configures fault injection; never enable in production
type ChaosConfig struct {
	Enabled            bool          `yaml:"enabled"`
	ErrorProbability   float64       `yaml:"error_probability" validate:"gte=0,lte=1"`
	ErrorStatuses      []int         `yaml:"error_statuses" validate:"dive,gte=400,lte=599"`
	LatencyProbability float64       `yaml:"latency_probability" validate:"gte=0,lte=1"`
	LatencyMin         time.Duration `yaml:"latency_min" validate:"gte=0"`
	LatencyMax         time.Duration `yaml:"latency_max" validate:"gte=0"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Namespace   string `yaml:"namespace" validate:"required"`
	Subsystem   string `yaml:"subsystem"`
	PerResource bool   `yaml:"per_resource"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		EntityAPI: EntityAPIConfig{
			TokenTTL: time.Hour,
			Timeout:  30 * time.Second,
		},
		Cache: CacheConfig{
			TTL:         5 * time.Minute,
			KeyStrategy: "default",
		},
		RateLimit: RateLimitConfig{
			Strategy:         "sliding_window",
			MaxRequests:      50,
			Window:           time.Minute,
			MaxThrottleWait:  5 * time.Second,
			RateLimitBackoff: 2 * time.Second,
		},
		Middleware: MiddlewareConfig{
			FetchTimeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 0.6,
				OpenTimeout:      30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Namespace:   "entity",
			Subsystem:   "guardian",
			PerResource: true,
		},
		Tracing: *tracing.DefaultConfig(),
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

var validate = validator.New()

// Load reads configuration from path over the defaults, applies
// ENTITY_GUARDIAN_* environment overrides and validates the result.
// An empty path skips the file.
func Load(path string, logger *zap.Logger) (*Config, error) {
	config := Default()

	if path != "" {
		logger.Info("Loading configuration", zap.String("path", path))

		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer func() { _ = file.Close() }()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode YAML config: %w", err)
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Middleware.Chaos.LatencyMax < c.Middleware.Chaos.LatencyMin {
		return fmt.Errorf("invalid configuration: chaos latency_max %v is below latency_min %v",
			c.Middleware.Chaos.LatencyMax, c.Middleware.Chaos.LatencyMin)
	}

	return nil
}

// applyEnv overrides fields from the environment
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ADDR":         &c.Server.Addr,
		"AUTH_SECRET":  &c.Server.AuthSecret,
		"BASE_URL":     &c.EntityAPI.BaseURL,
		"APP_ID":       &c.EntityAPI.AppID,
		"API_KEY":      &c.EntityAPI.APIKey,
		"TOKEN_SECRET": &c.EntityAPI.TokenSecret,
		"TENANT":       &c.EntityAPI.Tenant,
		"LOG_LEVEL":    &c.Logging.Level,
	}
	for name, field := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"CACHE_TTL":   &c.Cache.TTL,
		"RATE_WINDOW": &c.RateLimit.Window,
	}
	for name, field := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*field = d
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_REQUESTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_REQUESTS: %w", EnvPrefix, err)
		}
		c.RateLimit.MaxRequests = n
	}

	if v, ok := lookup(EnvPrefix + "TRACING_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sTRACING_ENABLED: %w", EnvPrefix, err)
		}
		c.Tracing.Enabled = enabled
	}

	return nil
}
