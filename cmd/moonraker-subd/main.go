// Command moonraker-subd is the gateway daemon's entrypoint: a small cobra
// root command with serve/config-check/db-backup/db-restore subcommands,
// grounded structurally on the teacher's cmd/bd root command (PersistentPreRun
// building a signal-aware context, subcommands operating on package-level
// shared state).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Arksine/moonraker-sub000/internal/config"
	"github.com/Arksine/moonraker-sub000/internal/gateway"
	"github.com/Arksine/moonraker-sub000/internal/logging"
	"github.com/Arksine/moonraker-sub000/internal/metrics"
	"github.com/Arksine/moonraker-sub000/internal/store"
)

var configPath string
var debugOverlayPath string
var enableDebug bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "moonraker-subd",
	Short: "moonraker-subd - printer API gateway daemon",
	Long:  "A JSON-RPC gateway between printer-control backends and HTTP/WebSocket/MQTT/UDS clients.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/moonraker-subd/moonraker-subd.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&debugOverlayPath, "debug-config", "", "optional TOML overlay enabling debug-only endpoints")
	rootCmd.PersistentFlags().BoolVar(&enableDebug, "enable-debug", false, "serve debug-only endpoints regardless of the TOML overlay")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the gateway daemon until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		watcher, err := config.Load(configPath, nil)
		if err != nil {
			return err
		}
		cfg := watcher.Current()

		logger := logging.New(logging.Options{
			Level:  parseLevel(cfg.Logging.Level),
			Format: logging.Format(cfg.Logging.Format),
		})
		slog.SetDefault(logger)

		debugOverlay, err := config.LoadDebugOverlay(debugOverlayPath)
		if err != nil {
			return err
		}

		shutdownMetrics, err := metrics.Init(cmd.Context(), "moonraker-subd")
		if err != nil {
			return fmt.Errorf("serve: initializing metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = shutdownMetrics(shutdownCtx)
		}()

		g, err := gateway.New(gateway.Options{
			Config:      cfg,
			Logger:      logger,
			EnableDebug: enableDebug || debugOverlay.Enabled,
		})
		if err != nil {
			return fmt.Errorf("serve: constructing gateway: %w", err)
		}

		watcher.OnChange(func(newCfg config.Config) {
			logger.Info("serve: configuration reloaded", "log_level", newCfg.Logging.Level)
		})
		watcher.Watch()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger.Info("serve: starting", "http_addr", cfg.Server.HTTPAddr, "backend_socket", cfg.Backend.SocketPath)
		return g.Run(ctx)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "inspect the resolved configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "load the configuration and print the fully-defaulted tree as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		watcher, err := config.Load(configPath, nil)
		if err != nil {
			return err
		}
		out, err := config.MarshalYAML(watcher.Current())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "operate on the persistence engine's SQL file directly",
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup <destination>",
	Short: "write a consistent backup of the configured store's database file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watcher, err := config.Load(configPath, nil)
		if err != nil {
			return err
		}
		cfg := watcher.Current()
		db, err := store.Open(cfg.Store.Path, cfg.MQTT.InstanceName, nil)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Backup(args[0])
	},
}

var dbRestoreCmd = &cobra.Command{
	Use:   "restore <source>",
	Short: "restore the store's database file from a prior backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		watcher, err := config.Load(configPath, nil)
		if err != nil {
			return err
		}
		cfg := watcher.Current()
		db, err := store.Open(cfg.Store.Path, cfg.MQTT.InstanceName, nil)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Restore(args[0])
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
	dbCmd.AddCommand(dbBackupCmd)
	dbCmd.AddCommand(dbRestoreCmd)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
