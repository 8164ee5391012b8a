package main

import (
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	appLog "calsync/internal/log"
	"calsync/internal/syncer"
	"calsync/internal/web"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run sync passes on the refresh schedule and serve the read-only API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if serveListen != "" {
			a.cfg.Listen = serveListen
		}

		logger := cronLogger{}
		c := cron.New(
			cron.WithLocation(a.cfg.Location()),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		)
		if _, err := c.AddFunc(a.cfg.RefreshCron, func() {
			if _, err := a.syncOnce(ctx, syncer.RunOptions{}); err != nil && !errors.Is(err, syncer.ErrPartitionFailures) {
				appLog.Error("scheduled run aborted", err)
			}
		}); err != nil {
			return err
		}
		c.Start()
		appLog.Info("sync scheduler started", "refresh", a.cfg.RefreshCron, "timezone", a.cfg.Timezone)

		srv := web.NewServer(a.cfg, a.store, a.metrics)
		err = srv.ListenAndServe(ctx)

		// Wait for a running pass to finish before the store is closed.
		<-c.Stop().Done()
		appLog.Info("calsync exiting")
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config if set)")
}

// cronLogger routes robfig/cron logs through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}

var _ cron.Logger = cronLogger{}
