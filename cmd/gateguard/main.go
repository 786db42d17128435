// Package main is the entry point for the gateguard service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeward/gateguard/internal/apikey"
	"github.com/edgeward/gateguard/internal/circuitbreaker"
	"github.com/edgeward/gateguard/internal/config"
	"github.com/edgeward/gateguard/internal/observability"
	"github.com/edgeward/gateguard/internal/ratelimit/store"
	"github.com/edgeward/gateguard/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config",
		getEnvOrDefault("GATEGUARD_CONFIG_PATH", "configs/gateguard.yaml"),
		"Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateguard version %s\n", version)
		fmt.Printf("  Build time: %s\n", buildTime)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateguard: %v\n", err)
		os.Exit(1)
	}
}

// run wires the application and blocks until shutdown.
func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting gateguard",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	registry := circuitbreaker.NewRegistry(&circuitbreaker.Config{
		Enabled:          cfg.CircuitBreaker.Enabled,
		Timeout:          cfg.CircuitBreaker.Timeout.Duration(),
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout.Duration(),
		MonitoringPeriod: cfg.CircuitBreaker.MonitoringPeriod.Duration(),
	}, logger)
	defer registry.Close()

	gateOpts := []apikey.Option{
		apikey.WithLogger(logger),
		apikey.WithCacheTTL(cfg.APIKey.CacheTTL.Duration()),
		apikey.WithSweepInterval(cfg.APIKey.SweepInterval.Duration()),
	}

	if cfg.RateLimit.Backend == "redis" {
		rlStore, err := store.NewRedisStore(&store.RedisConfig{
			Address:      cfg.RateLimit.Redis.Address,
			Password:     cfg.RateLimit.Redis.Password,
			DB:           cfg.RateLimit.Redis.DB,
			Prefix:       cfg.RateLimit.Redis.KeyPrefix,
			PoolSize:     cfg.RateLimit.Redis.PoolSize,
			DialTimeout:  cfg.RateLimit.Redis.Timeout.Duration(),
			ReadTimeout:  cfg.RateLimit.Redis.Timeout.Duration(),
			WriteTimeout: cfg.RateLimit.Redis.Timeout.Duration(),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() { _ = rlStore.Close() }()
		gateOpts = append(gateOpts, apikey.WithRateLimitStore(rlStore))
	}

	gate := apikey.NewGate(gateOpts...)
	defer gate.Close()
	gate.Metrics().Init()

	srv := server.New(&server.Config{
		Address:        cfg.Server.Address,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:   cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:    cfg.Server.IdleTimeout.Duration(),
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		AdminKeys:      cfg.APIKey.AdminKeys,
	}, gate, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received shutdown signal",
			observability.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("gateguard stopped")
	return nil
}

// loadConfig loads the configuration file, falling back to defaults when the
// file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
