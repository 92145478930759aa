package config

// Default values for configuration options. These represent the "layer 0"
// of the override chain (defaults -> config file -> env -> CLI) and are
// chosen to be safe, reasonable starting points that work without any
// config file present.
const (
	defaultCheckAvailableSpaceMiB         = 100
	defaultRequestTimeoutSeconds          = 30
	defaultResourceTimeoutSeconds         = 3600
	defaultHoldingQueueMaxConcurrent      = 4
	defaultHoldingQueueMaxConcurrentByHost  = 2
	defaultHoldingQueueMaxConcurrentByGroup = 4
	defaultSkipExistingFilesLargerThanMiB = 0
	defaultParallelChunks                 = 4
	defaultLogLevel                       = "info"
	defaultLogFormat                      = "auto"
	defaultLogRetentionDays               = 30
	defaultConnectTimeout                 = "10s"
	defaultDataTimeout                    = "60s"
)

// DefaultConfig returns a Config populated with all default values. This is
// used both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Engine:  defaultEngineConfig(),
		Logging: defaultLoggingConfig(),
		Network: defaultNetworkConfig(),
	}
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		CheckAvailableSpaceMiB:           defaultCheckAvailableSpaceMiB,
		RequestTimeoutSeconds:            defaultRequestTimeoutSeconds,
		ResourceTimeoutSeconds:           defaultResourceTimeoutSeconds,
		HoldingQueueMaxConcurrent:        defaultHoldingQueueMaxConcurrent,
		HoldingQueueMaxConcurrentByHost:  defaultHoldingQueueMaxConcurrentByHost,
		HoldingQueueMaxConcurrentByGroup: defaultHoldingQueueMaxConcurrentByGroup,
		SkipExistingFilesLargerThanMiB:   defaultSkipExistingFilesLargerThanMiB,
		RequireWiFi:                      false,
		Localize:                         "",
		ParallelChunks:                   defaultParallelChunks,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		LogRetentionDays: defaultLogRetentionDays,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}
