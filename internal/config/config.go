// Package config provides YAML configuration for the gateguard service.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	APIKey         APIKeyConfig         `yaml:"apiKey"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	ReadTimeout    Duration `yaml:"readTimeout"`
	WriteTimeout   Duration `yaml:"writeTimeout"`
	IdleTimeout    Duration `yaml:"idleTimeout"`
	MaxHeaderBytes int      `yaml:"maxHeaderBytes"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// CircuitBreakerConfig holds the registry-wide breaker defaults.
type CircuitBreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Timeout          Duration `yaml:"timeout"`
	FailureThreshold int      `yaml:"failureThreshold"`
	SuccessThreshold int      `yaml:"successThreshold"`
	ResetTimeout     Duration `yaml:"resetTimeout"`
	MonitoringPeriod Duration `yaml:"monitoringPeriod"`
}

// APIKeyConfig holds key gate settings.
type APIKeyConfig struct {
	CacheTTL      Duration `yaml:"cacheTTL"`
	SweepInterval Duration `yaml:"sweepInterval"`
	AdminKeys     []string `yaml:"adminKeys"`
}

// RateLimitConfig holds rate limiter backing-store settings.
type RateLimitConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for distributed rate limiting.
type RedisConfig struct {
	Address   string   `yaml:"address"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"keyPrefix"`
	PoolSize  int      `yaml:"poolSize"`
	Timeout   Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "",
			Port:           8080,
			ReadTimeout:    Duration(30 * time.Second),
			WriteTimeout:   Duration(30 * time.Second),
			IdleTimeout:    Duration(120 * time.Second),
			MaxHeaderBytes: 1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			Timeout:          Duration(10 * time.Second),
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     Duration(30 * time.Second),
			MonitoringPeriod: Duration(time.Minute),
		},
		APIKey: APIKeyConfig{
			CacheTTL:      Duration(5 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "gateguard:ratelimit",
				PoolSize:  10,
				Timeout:   Duration(5 * time.Second),
			},
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure threshold must be positive, got %d",
			c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("circuit breaker success threshold must be positive, got %d",
			c.CircuitBreaker.SuccessThreshold)
	}
	if c.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("circuit breaker timeout must be positive, got %s",
			c.CircuitBreaker.Timeout.Duration())
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("circuit breaker reset timeout must be positive, got %s",
			c.CircuitBreaker.ResetTimeout.Duration())
	}

	if c.APIKey.CacheTTL <= 0 {
		return fmt.Errorf("api key cache TTL must be positive, got %s",
			c.APIKey.CacheTTL.Duration())
	}
	if c.APIKey.SweepInterval <= 0 {
		return fmt.Errorf("api key sweep interval must be positive, got %s",
			c.APIKey.SweepInterval.Duration())
	}

	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid rate limit backend: %s", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.Redis.Address == "" {
		return fmt.Errorf("redis backend requires an address")
	}

	return nil
}
