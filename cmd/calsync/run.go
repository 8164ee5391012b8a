package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"calsync/internal/config"
	"calsync/internal/enrich"
	appLog "calsync/internal/log"
	"calsync/internal/reconcile"
	"calsync/internal/schedule"
	"calsync/internal/source"
	"calsync/internal/syncer"
)

var (
	runOnly string
	runFull bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one synchronisation pass and exit",
	Long: `Run one synchronisation pass.

The scheduler decides between a full run (five weeks, all participants
re-enriched) and an incremental run (one week, changed events only).
Full runs only start in the configured hours unless --full is given.

The exit status is non-zero when the login fails or any partition could
not be written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := syncer.ParseScope(runOnly)
		if err != nil {
			return err
		}
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		_, err = a.syncOnce(cmd.Context(), syncer.RunOptions{Only: scope, ForceFull: runFull})
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runOnly, "only", "all", "Subjects to sync: all, facilities or people")
	runCmd.Flags().BoolVar(&runFull, "full", false, "Force a full run outside the designated hours")
}

func (a *app) policy() schedule.Policy {
	return schedule.Policy{
		FullSyncHours:    a.cfg.Sync.FullSyncHours,
		MinFullInterval:  config.Duration(a.cfg.Sync.MinFullInterval, schedule.DefaultMinFullInterval),
		FullWeeks:        a.cfg.Sync.FullWeeks,
		IncrementalWeeks: a.cfg.Sync.IncrementalWeeks,
		Location:         a.cfg.Location(),
	}
}

// syncOnce opens a browser session, logs in and performs one run.
func (a *app) syncOnce(ctx context.Context, opts syncer.RunOptions) (*syncer.Summary, error) {
	src := a.cfg.Source
	session, err := source.NewSession(ctx, source.Options{
		BaseURL:   src.BaseURL,
		Username:  src.Username,
		Password:  src.Password,
		UID:       src.UID,
		Headless:  src.Headless,
		ExecPath:  src.ChromePath,
		Timeout:   config.Duration(src.Timeout, source.DefaultTimeout),
		PageDelay: config.Duration(src.PageDelay, source.DefaultPageDelay),
		Location:  a.cfg.Location(),
	})
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.Login(ctx); err != nil {
		appLog.Error("login failed, aborting run", err)
		return nil, err
	}

	runner := syncer.NewRunner(syncer.Config{
		Feed:       session,
		Catalog:    a.store,
		Reconciler: reconcile.NewEngine(a.store),
		Enricher:   enrich.NewPass(session, a.store, a.store),
		Planner:    schedule.New(a.policy(), schedule.NewFileState(a.cfg.Sync.StatePath)),
		Facilities: a.cfg.Sync.Facilities,
		Metrics:    a.metrics,
	})

	sum, err := runner.Run(ctx, time.Now().In(a.cfg.Location()), opts)
	if err != nil {
		appLog.Error("sync run failed", err, "run_id", sum.RunID)
		return sum, fmt.Errorf("run %s: %w", sum.RunID, err)
	}
	return sum, nil
}
