package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coinkeep/coinkeep/internal/connectivity"
	"github.com/coinkeep/coinkeep/internal/daemon"
	"github.com/coinkeep/coinkeep/internal/dashboard"
	"github.com/coinkeep/coinkeep/internal/syncer"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the background process that keeps the local cache converged
with the remote API.

The daemon probes connectivity, drains the mutation queue whenever a
mutation is enqueued, connectivity returns, a sibling "ck sync --kick"
asks for it, or the periodic interval elapses, and refreshes stale
collections from the server.

With --dashboard, a WebSocket server broadcasts sync lifecycle events
(sync_started, sync_complete, conflict_found, connectivity) for UIs.

Logs rotate in <data-dir>/daemon.log.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		foreground, _ := cmd.Flags().GetBool("foreground")

		app, err := openApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		// Rotated log file; --foreground tees to stderr for debugging.
		var logOut io.Writer = &lumberjack.Logger{
			Filename:   app.cfg.LogPath(),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		if foreground {
			logOut = io.MultiWriter(logOut, os.Stderr)
		}
		logger := log.New(logOut, "[daemon] ", log.LstdFlags)

		probe := connectivity.NewProbe(&connectivity.ProbeConfig{
			URL:      app.cfg.APIBaseURL,
			Interval: app.cfg.ProbeInterval,
			Logger:   log.New(logOut, "[connectivity] ", log.LstdFlags),
		})
		probe.Start()
		defer probe.Stop()

		var notifier syncer.Notifier
		var listener daemon.ConnectivityListener
		if withDashboard {
			if port == 0 {
				port = app.cfg.DashboardPort
			}
			server := dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: log.New(logOut, "[dashboard] ", log.LstdFlags),
			})
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					logger.Printf("Dashboard shutdown error: %v", err)
				}
			}()

			handler := dashboard.NewHandler(server, logger)
			notifier = handler
			listener = handler
			fmt.Printf("Dashboard: ws://localhost:%d/ws\n", port)
		}

		engine := app.engine(probe, notifier,
			log.New(logOut, "[syncer] ", log.LstdFlags))

		d, err := daemon.New(app.store, app.queue, engine, app.policy(), probe,
			app.cfg.DataDir, &daemon.Config{
				SyncInterval:     app.cfg.SyncInterval,
				RefreshInterval:  app.cfg.RefreshMaxAge,
				DebounceInterval: daemon.DefaultConfig().DebounceInterval,
				StaleTimeout:     app.cfg.StaleTimeout,
				Listener:         listener,
				Logger:           logger,
			})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Daemon started (log: %s)\n", app.cfg.LogPath())
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 0, "Dashboard port (default from config)")
	daemonCmd.Flags().Bool("foreground", false, "Also log to stderr")

	rootCmd.AddCommand(daemonCmd)
}
