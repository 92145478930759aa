package config

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// RenderEffective writes cfg as a human-readable annotated summary to w.
// This powers the "config show" command, giving operators visibility into
// the effective values after the override chain (defaults -> file -> env ->
// CLI) has been applied.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")

	renderEngineSection(ew, &cfg.Engine)
	renderLoggingSection(ew, &cfg.Logging)
	renderNetworkSection(ew, &cfg.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain printf
// calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderEngineSection(ew *errWriter, e *EngineConfig) {
	ew.printf("[engine]\n")
	ew.printf("  check_available_space_mib = %d (%s)\n",
		e.CheckAvailableSpaceMiB, humanize.IBytes(uint64(e.CheckAvailableSpaceMiB)*1024*1024))
	ew.printf("  use_cache_dir             = %t\n", e.UseCacheDir)
	ew.printf("  use_external_storage      = %t\n", e.UseExternalStorage)

	if e.ExternalStoragePath != "" {
		ew.printf("  external_storage_path     = %q\n", e.ExternalStoragePath)
	}

	ew.printf("  request_timeout_seconds  = %d\n", e.RequestTimeoutSeconds)
	ew.printf("  resource_timeout_seconds = %d\n", e.ResourceTimeoutSeconds)

	if e.ProxyAddress != "" {
		ew.printf("  proxy_address             = %q\n", e.ProxyAddress)
		ew.printf("  proxy_port                = %d\n", e.ProxyPort)
	}

	ew.printf("  holding_queue_max_concurrent           = %d\n", e.HoldingQueueMaxConcurrent)
	ew.printf("  holding_queue_max_concurrent_by_host   = %d\n", e.HoldingQueueMaxConcurrentByHost)
	ew.printf("  holding_queue_max_concurrent_by_group  = %d\n", e.HoldingQueueMaxConcurrentByGroup)
	ew.printf("  allow_weak_etag           = %t\n", e.AllowWeakETag)
	ew.printf("  skip_existing_files_larger_than_mib = %d (%s)\n",
		e.SkipExistingFilesLargerThanMiB, humanize.IBytes(uint64(e.SkipExistingFilesLargerThanMiB)*1024*1024))
	ew.printf("  require_wifi              = %t\n", e.RequireWiFi)
	ew.printf("  parallel_chunks           = %d\n", e.ParallelChunks)

	if e.Localize != "" {
		ew.printf("  localize                  = %q\n", e.Localize)
	}

	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file           = %q\n", l.LogFile)
	}

	ew.printf("  log_format         = %q\n", l.LogFormat)
	ew.printf("  log_retention_days = %d\n", l.LogRetentionDays)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", n.DataTimeout)

	if n.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", n.UserAgent)
	}

	ew.printf("  force_http_11   = %t\n", n.ForceHTTP11)
	ew.printf("\n")
}
