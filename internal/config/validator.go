package config

import (
	"fmt"
	"strings"
)

// ConfigurationError lists every missing or invalid setting found.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "configuration error: " + e.Problems[0]
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// Missing builds a ConfigurationError naming the unset settings for component.
func Missing(component string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return &ConfigurationError{Problems: []string{
		fmt.Sprintf("missing %s configuration: %s", component, strings.Join(names, ", ")),
	}}
}

// Validate checks the settings the service needs to start. Gateway and
// treasury credentials are checked when their clients are built.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Version == "" {
		errs = append(errs, "version is required")
	}
	if cfg.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if !strings.HasPrefix(cfg.Server.WebhookPrefix, "/") {
		errs = append(errs, "server.webhook_prefix must start with /")
	}
	if cfg.Engine.ProcessingTimeoutMs <= 0 {
		errs = append(errs, "engine.processing_timeout_ms must be positive")
	}

	switch cfg.Store.Driver {
	case "sqlite", "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, fmt.Sprintf("store.dsn is required for driver %s", cfg.Store.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, postgres, memory", cfg.Store.Driver))
	}

	switch cfg.Gateway.B2CAPIVersion {
	case "v1", "v3":
	default:
		errs = append(errs, fmt.Sprintf("gateway.b2c_api_version %q is not one of v1, v3", cfg.Gateway.B2CAPIVersion))
	}
	if cfg.Gateway.RequestsPerSecond <= 0 || cfg.Gateway.Burst <= 0 {
		errs = append(errs, "gateway.requests_per_second and gateway.burst must be positive")
	}
	if cfg.Gateway.MaxTxnKES <= 0 || cfg.Gateway.MaxDailyKES < cfg.Gateway.MaxTxnKES {
		errs = append(errs, "gateway.max_txn_kes must be positive and not above gateway.max_daily_kes")
	}

	if cfg.Treasury.PollIntervalMs <= 0 || cfg.Treasury.ConfirmTimeoutMs <= 0 {
		errs = append(errs, "treasury.poll_interval_ms and treasury.confirm_timeout_ms must be positive")
	}
	if cfg.Treasury.QueueDepth <= 0 {
		errs = append(errs, "treasury.queue_depth must be positive")
	}

	if cfg.Sweeper.Enabled {
		if cfg.Sweeper.IntervalSec <= 0 || cfg.Sweeper.StaleAfterSec <= 0 {
			errs = append(errs, "sweeper.interval_sec and sweeper.stale_after_sec must be positive")
		}
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of text, json", cfg.Log.Format))
	}

	for code, hint := range cfg.Engine.Hints {
		if strings.TrimSpace(code) == "" || strings.TrimSpace(hint) == "" {
			errs = append(errs, "engine.hints entries need a result code and a hint")
			break
		}
	}

	if len(errs) > 0 {
		return &ConfigurationError{Problems: errs}
	}
	return nil
}
