package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/xfer-engine/internal/config"
	"github.com/tonimelisma/xfer-engine/internal/xferlog"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath  string
	flagDataDir     string
	flagJSON        bool
	flagVerbose     bool
	flagDebug       bool
	flagQuiet       bool
	flagRequireWiFi bool
)

// skipConfigAnnotation marks commands that don't need configuration loaded
// before they run (e.g. a bare "version" command, were one added).
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles resolved config and logger, built once in
// PersistentPreRunE so RunE handlers don't repeat config resolution.
type CLIContext struct {
	Cfg        *config.Config
	ConfigPath string
	DBPath     string
	Logger     *slog.Logger
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading (no skipConfigAnnotation)")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "xferctl",
		Short:   "Background HTTP transfer engine control surface",
		Long:    "xferctl drives the transfer engine's download/upload/dataRequest queue directly from the command line — a reference host for the library, not a requirement for embedding it.",
		Version: version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory holding the task store database (default: platform data dir)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging (HTTP requests, config resolution)")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.PersistentFlags().BoolVar(&flagRequireWiFi, "require-wifi", false, "force requireWiFi on for every task regardless of per-task setting")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the
// defaults -> file -> env -> CLI override chain and stores the result in
// the command's context for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger("")

	env := config.ReadEnvOverrides()
	cfgPath := config.ResolveConfigPath(env, flagConfigPath, logger)

	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var cliRequireWiFi *bool
	if cmd.Flags().Changed("require-wifi") {
		cliRequireWiFi = &flagRequireWiFi
	}
	config.ApplyRequireWiFiOverride(cfg, env, cliRequireWiFi)

	finalLogger := buildLogger(cfg.Logging.LogLevel)

	dataDir := flagDataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	cc := &CLIContext{Cfg: cfg, ConfigPath: cfgPath, DBPath: dbPathIn(dataDir), Logger: finalLogger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// dbPathIn returns the task store database path under dataDir.
func dbPathIn(dataDir string) string {
	if dataDir == "" {
		return "xfer-engine.db"
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil { //nolint:mnd // shared default dir perms
		return "xfer-engine.db"
	}

	return dataDir + "/xfer-engine.db"
}

// buildLogger creates an slog.Logger configured by the resolved config-file
// log level and CLI flags. configLevel is "" for the pre-config bootstrap
// logger. CLI flags always win over the config-file level (mutually
// exclusive, enforced by Cobra), matching the teacher's root.go buildLogger
// precedence.
func buildLogger(configLevel string) *slog.Logger {
	return xferlog.New(xferlog.Options{
		ConfigLevel: configLevel,
		Verbose:     flagVerbose,
		Debug:       flagDebug,
		Quiet:       flagQuiet,
	})
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
