// Package main is the entry point for the edge proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/gateway"
	"github.com/valmatov/edgeproxy/internal/health"
	"github.com/valmatov/edgeproxy/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, flags)

	obs, err := observability.New(observabilityConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize observability: %v\n", err)
		os.Exit(1)
	}
	logger := obs.Logger()

	logger.Info("starting edgeproxy",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)
	logger.Info("configuration loaded",
		observability.String("name", cfg.Proxy.Name),
		observability.Int("listeners", len(cfg.Proxy.Listeners)),
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("backends", len(cfg.Backends)),
		observability.Int("rate_limits", len(cfg.RateLimits)),
	)

	obs.Metrics().SetBuildInfo(version, gitCommit, buildTime)

	checker := health.NewChecker(version)
	obs.Handle("/health", checker.HealthHandler())
	obs.Handle("/ready", checker.ReadinessHandler())
	obs.Handle("/live", checker.LivenessHandler())

	gw, err := gateway.New(cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(obs.Metrics()),
		gateway.WithTracer(obs.Tracer()),
		gateway.WithHealthChecker(checker),
	)
	if err != nil {
		logger.Fatal("failed to create gateway", observability.Error(err))
	}

	run(gw, obs, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("EDGEPROXY_CONFIG_PATH", "configs/edgeproxy.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", os.Getenv("EDGEPROXY_LOG_LEVEL"),
		"Log level override (debug, info, warn, error)")
	logFormat := flag.String("log-format", os.Getenv("EDGEPROXY_LOG_FORMAT"),
		"Log format override (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("edgeproxy version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// applyFlagOverrides lets the log flags win over the config file.
func applyFlagOverrides(cfg *config.Config, flags cliFlags) {
	if flags.logLevel != "" {
		cfg.Observability.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Observability.LogFormat = flags.logFormat
	}
}

// observabilityConfig maps file configuration onto the observability
// stack configuration.
func observabilityConfig(cfg *config.Config) *observability.Config {
	return &observability.Config{
		ServiceName:    "edgeproxy",
		ServiceVersion: version,
		Log: observability.LogConfig{
			Level:  cfg.Observability.LogLevel,
			Format: cfg.Observability.LogFormat,
			Output: cfg.Observability.LogOutput,
		},
		TracingEnabled:    cfg.Observability.TracingEnabled,
		OTLPEndpoint:      cfg.Observability.OTLPEndpoint,
		TracingSampleRate: cfg.Observability.TracingSampleRate,
		MetricsEnabled:    cfg.Observability.MetricsEnabled,
		MetricsAddr:       cfg.Observability.MetricsAddr,
		MetricsPath:       cfg.Observability.MetricsPath,
	}
}

// run starts everything and blocks until a shutdown signal arrives.
func run(gw *gateway.Gateway, obs *observability.Observability, configPath string, logger observability.Logger) {
	ctx := context.Background()

	if err := obs.Start(ctx); err != nil {
		logger.Fatal("failed to start admin server", observability.Error(err))
	}

	if err := gw.Start(ctx); err != nil {
		logger.Fatal("failed to start gateway", observability.Error(err))
	}

	watcher := startConfigWatcher(gw, configPath, logger)

	waitForShutdown(gw, obs, watcher, logger)
}

// startConfigWatcher watches the configuration file and hot-reloads the
// gateway on changes. A failed reload keeps the running configuration.
func startConfigWatcher(gw *gateway.Gateway, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		if reloadErr := gw.Reload(context.Background(), newCfg); reloadErr != nil {
			logger.Error("failed to reload configuration", observability.Error(reloadErr))
		}
	}, config.WithLogger(logger))
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown blocks on SIGINT/SIGTERM and drains gracefully.
func waitForShutdown(
	gw *gateway.Gateway,
	obs *observability.Observability,
	watcher *config.Watcher,
	logger observability.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		gw.Config().Proxy.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	if err := obs.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop observability", observability.Error(err))
	}

	logger.Info("edgeproxy stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
