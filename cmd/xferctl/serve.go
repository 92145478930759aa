package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/xfer-engine/internal/config"
	"github.com/tonimelisma/xfer-engine/internal/hostchannel/wsbridge"
	"github.com/tonimelisma/xfer-engine/internal/pipeline"
	"github.com/tonimelisma/xfer-engine/internal/scheduler"
	"github.com/tonimelisma/xfer-engine/internal/store"
)

var serveFlags struct {
	listen string
}

// shutdownGrace bounds how long the host HTTP listener waits for its one
// in-flight WebSocket upgrade to finish during shutdown.
const shutdownGrace = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transfer engine as a long-lived daemon",
		Long: `Keeps one engine stack alive for the whole process lifetime. Its
scheduler starts empty: tasks that other "xferctl enqueue"/"resume"
invocations persisted under the same --data-dir are not loaded or run
here. Writes a PID file under --data-dir so "kill -HUP $(cat
xferctl.pid)" (or SIGINT/SIGTERM) can signal the running daemon.

With --listen, also accepts a single WebSocket connection at /host as an
out-of-process callback.HostChannel (internal/hostchannel/wsbridge) —
status and progress updates are delivered there, falling back to the
store's undelivered-update collections whenever no host is connected.
Without --listen, every update is only ever recorded to the store, for
later "xferctl status"/"list" polling.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveFlags.listen, "listen", "", "address to accept a host WebSocket connection on (e.g. 127.0.0.1:7777); disabled if empty")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	dataDir := filepath.Dir(cc.DBPath)

	cleanup, err := writePIDFile(pidFilePath(dataDir))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	holder := config.NewHolder(cc.Cfg, cc.ConfigPath)

	// A second handle onto the same database file backs the pipeline's
	// undelivered-update fallback; Store's single-writer SQLite semantics
	// make this safe to share with the stack's own handle.
	pipeDB, err := store.Open(ctx, cc.DBPath, cc.Logger)
	if err != nil {
		return err
	}
	defer pipeDB.Close()

	pipe := newPipeline(nil, pipeDB, cc.Logger)

	stack, err := buildEngineStack(ctx, cc.DBPath, holder.Config(), pipe, cc.Logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	reload := func() {
		reloaded, err := config.Load(holder.Path(), cc.Logger)
		if err != nil {
			cc.Logger.Error("serve: reload failed, keeping previous config", "error", err)
			return
		}

		holder.Update(reloaded)

		wifiMode := scheduler.RequireWiFiPerTask
		if reloaded.Engine.RequireWiFi {
			wifiMode = scheduler.RequireWiFiAll
		}

		stack.sched.SetRequireWiFi(wifiMode, true)
	}

	notifyOnReload(ctx, cc.Logger, reload)
	watchConfigFile(ctx, holder.Path(), cc.Logger, reload)

	var httpSrv *http.Server
	if serveFlags.listen != "" {
		httpSrv = newHostListener(serveFlags.listen, pipe, cc.Logger)

		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cc.Logger.Error("serve: host listener stopped", "error", err)
			}
		}()

		cc.Logger.Info("serve: accepting host connections", "listen", serveFlags.listen)
	}

	cc.Logger.Info("serve: ready", "dataDir", dataDir, "pidFile", pidFilePath(dataDir))

	<-ctx.Done()

	cc.Logger.Info("serve: shutting down")

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}

	return nil
}

// newHostListener builds the minimal HTTP server accepting one WebSocket
// upgrade at /host and wiring it into pipe as the live HostChannel.
func newHostListener(addr string, pipe *pipeline.Pipeline, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/host", func(w http.ResponseWriter, r *http.Request) {
		bridge, err := wsbridge.Accept(w, r, logger)
		if err != nil {
			logger.Error("serve: host connection rejected", "error", err)
			return
		}

		pipe.SetHostChannel(bridge)
		logger.Info("serve: host connected", "remote", r.RemoteAddr)
	})

	return &http.Server{Addr: addr, Handler: mux}
}
