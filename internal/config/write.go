package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// configTemplate is the default config file content written on first run.
// All settings are present as commented-out defaults so users can discover
// every option without reading docs. Written once; never regenerated.
const configTemplate = `# xfer-engine configuration
# Uncomment and modify to override defaults.

[engine]
# check_available_space_mib = 100
# use_cache_dir = false
# use_external_storage = false
# external_storage_path = ""
# request_timeout_seconds = 30
# resource_timeout_seconds = 3600
# proxy_address = ""
# proxy_port = 0
# holding_queue_max_concurrent = 4
# holding_queue_max_concurrent_by_host = 2
# holding_queue_max_concurrent_by_group = 4
# allow_weak_etag = false
# skip_existing_files_larger_than_mib = 0
# require_wifi = false
# localize = ""
# parallel_chunks = 4

[logging]
# log_level = "info"
# log_file = ""
# log_format = "auto"
# log_retention_days = 30

[network]
# connect_timeout = "10s"
# data_timeout = "60s"
# user_agent = ""
# force_http_11 = false
`

// WriteDefaultConfig creates a new config file from the default template at
// path if one does not already exist. The write is atomic (temp file +
// rename) and parent directories are created as needed.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	slog.Info("writing default config file", "path", path)

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	// Flush data to disk before rename. Without fsync, a power loss after
	// rename could leave the file empty (rename is metadata-only on POSIX).
	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
