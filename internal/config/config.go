// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the transfer engine.
package config

// Config is the top-level configuration structure (spec.md §6.4).
type Config struct {
	Engine  EngineConfig  `toml:"engine"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
}

// EngineConfig controls HoldingQueue admission, disk-space checks, and
// per-task transfer behavior (spec.md §6.4).
type EngineConfig struct {
	CheckAvailableSpaceMiB         int64  `toml:"check_available_space_mib"`
	UseCacheDir                    bool   `toml:"use_cache_dir"`
	UseExternalStorage             bool   `toml:"use_external_storage"`
	ExternalStoragePath            string `toml:"external_storage_path"`
	RequestTimeoutSeconds          int    `toml:"request_timeout_seconds"`
	ResourceTimeoutSeconds         int    `toml:"resource_timeout_seconds"`
	ProxyAddress                   string `toml:"proxy_address"`
	ProxyPort                      int    `toml:"proxy_port"`
	HoldingQueueMaxConcurrent      int    `toml:"holding_queue_max_concurrent"`
	HoldingQueueMaxConcurrentByHost  int  `toml:"holding_queue_max_concurrent_by_host"`
	HoldingQueueMaxConcurrentByGroup int  `toml:"holding_queue_max_concurrent_by_group"`
	AllowWeakETag                  bool   `toml:"allow_weak_etag"`
	SkipExistingFilesLargerThanMiB int64  `toml:"skip_existing_files_larger_than_mib"`
	RequireWiFi                    bool   `toml:"require_wifi"`
	Localize                       string `toml:"localize"`
	ParallelChunks                 int    `toml:"parallel_chunks"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
	ForceHTTP11    bool   `toml:"force_http_11"`
}
