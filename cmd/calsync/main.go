package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/store"
)

const version = "0.1.0"

var (
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Mirror groupware calendars into a relational store",
	Long: `calsync scrapes facility and personal calendars from the groupware web UI,
reconciles them into a local database and links event participants to
known people.

Run "calsync run" from a scheduler, or "calsync serve" to keep a cron
loop and the read-only HTTP API running.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/calsync/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(runCmd, serveCmd, personCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = appLog.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles what every command needs: config, logging and the store.
type app struct {
	cfg     *config.Config
	store   *store.Store
	metrics *metrics.Metrics
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	appLog.SetLevel(appLog.ParseLevel(cfg.Log.Level))
	if debugMode {
		appLog.SetLevel(appLog.LevelDebug)
	}
	if cfg.Log.File != "" {
		appLog.EnableFile(appLog.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
	}

	appLog.Info("calsync starting", "version", version, "config_path", configPath)
	appLog.Info("effective config",
		"timezone", cfg.Timezone,
		"database", cfg.Database.Driver,
		"facilities", len(cfg.Sync.Facilities),
		"full_sync_hours", fmt.Sprint(cfg.Sync.FullSyncHours),
		"full_weeks", cfg.Sync.FullWeeks,
		"incremental_weeks", cfg.Sync.IncrementalWeeks,
	)

	st, err := store.Open(ctx, store.Options{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		Location: cfg.Location(),
	})
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: st, metrics: metrics.New()}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("closing store failed", err)
	}
}
