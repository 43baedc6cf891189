package main

import (
	"context"
	"fmt"

	"github.com/presentoor/presentoor/pkg/catalog"
	"github.com/presentoor/presentoor/pkg/presenter"
	"github.com/presentoor/presentoor/pkg/store"
	"github.com/presentoor/presentoor/pkg/sweeper"
	"github.com/presentoor/presentoor/pkg/widget"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single reclamation pass and exit",
	Long: `Flag live sessions whose subject went quiet, then purge flagged
sessions whose client stopped pinging. Useful when the server's own
sweeper is disabled or for cleaning up after an outage.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	cat, err := catalog.NewDirCatalog(log, cfg.Catalog.Dir)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	engine := presenter.NewEngine(log, st, cat, widget.NewRegistry())

	s := sweeper.New(log, sweeper.Config{
		KeepAliveWindow: cfg.Liveness.KeepAliveWindowDuration(),
		GracePeriod:     cfg.Liveness.GracePeriodDuration(),
		FlagInterval:    cfg.Liveness.FlagIntervalDuration(),
		PurgeInterval:   cfg.Liveness.PurgeIntervalDuration(),
	}, engine)

	flagged, purged, err := s.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("running sweep: %w", err)
	}

	log.WithField("flagged", flagged).
		WithField("purged", purged).
		Info("Sweep complete")

	return nil
}
