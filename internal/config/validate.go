package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minLogRetention        = 1
	minRequestTimeoutSec   = 1
	maxRequestTimeoutSec   = 3600
	minResourceTimeoutSec  = 1
	maxResourceTimeoutSec  = 86400
	minConnectTimeout      = 1 * time.Second
	minDataTimeout         = 5 * time.Second
	minProxyPort           = 1
	maxProxyPort           = 65535
)

// Validate checks all configuration values and returns all errors found. It
// accumulates every error rather than stopping at the first, so users see a
// complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

func validateEngine(e *EngineConfig) []error {
	var errs []error

	if e.CheckAvailableSpaceMiB < 0 {
		errs = append(errs, fmt.Errorf("engine.check_available_space_mib must be non-negative, got %d", e.CheckAvailableSpaceMiB))
	}

	if e.RequestTimeoutSeconds < minRequestTimeoutSec || e.RequestTimeoutSeconds > maxRequestTimeoutSec {
		errs = append(errs, fmt.Errorf("engine.request_timeout_seconds must be between %d and %d, got %d",
			minRequestTimeoutSec, maxRequestTimeoutSec, e.RequestTimeoutSeconds))
	}

	if e.ResourceTimeoutSeconds < minResourceTimeoutSec || e.ResourceTimeoutSeconds > maxResourceTimeoutSec {
		errs = append(errs, fmt.Errorf("engine.resource_timeout_seconds must be between %d and %d, got %d",
			minResourceTimeoutSec, maxResourceTimeoutSec, e.ResourceTimeoutSeconds))
	}

	if e.ProxyAddress != "" && (e.ProxyPort < minProxyPort || e.ProxyPort > maxProxyPort) {
		errs = append(errs, fmt.Errorf("engine.proxy_port must be between %d and %d when proxy_address is set, got %d",
			minProxyPort, maxProxyPort, e.ProxyPort))
	}

	if e.HoldingQueueMaxConcurrent < 0 {
		errs = append(errs, errors.New("engine.holding_queue_max_concurrent must be non-negative"))
	}

	if e.HoldingQueueMaxConcurrentByHost < 0 {
		errs = append(errs, errors.New("engine.holding_queue_max_concurrent_by_host must be non-negative"))
	}

	if e.HoldingQueueMaxConcurrentByGroup < 0 {
		errs = append(errs, errors.New("engine.holding_queue_max_concurrent_by_group must be non-negative"))
	}

	if e.SkipExistingFilesLargerThanMiB < 0 {
		errs = append(errs, errors.New("engine.skip_existing_files_larger_than_mib must be non-negative"))
	}

	if e.UseExternalStorage && e.ExternalStoragePath == "" {
		errs = append(errs, errors.New("engine.external_storage_path is required when use_external_storage is true"))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level must be one of debug/info/warn/error, got %q", l.LogLevel))
	}

	if l.LogRetentionDays != 0 && l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days must be at least %d, got %d", minLogRetention, l.LogRetentionDays))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if n.ConnectTimeout != "" {
		d, err := time.ParseDuration(n.ConnectTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("network.connect_timeout: %w", err))
		} else if d < minConnectTimeout {
			errs = append(errs, fmt.Errorf("network.connect_timeout must be at least %s, got %s", minConnectTimeout, d))
		}
	}

	if n.DataTimeout != "" {
		d, err := time.ParseDuration(n.DataTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("network.data_timeout: %w", err))
		} else if d < minDataTimeout {
			errs = append(errs, fmt.Errorf("network.data_timeout must be at least %s, got %s", minDataTimeout, d))
		}
	}

	return errs
}
