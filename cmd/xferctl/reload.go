package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Signal a running serve daemon to reload its config file",
		Long: `Sends SIGHUP to the process recorded in --data-dir's PID file. The
daemon re-reads its config file in place (internal/config.Holder) and
re-applies requireWiFi to the scheduler; it does not restart or drop any
in-flight task.`,
		Args: cobra.NoArgs,
		RunE: runReload,
	}
}

func runReload(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	return sendSIGHUP(pidFilePath(filepath.Dir(cc.DBPath)))
}
