package main

import (
	"fmt"

	"github.com/ladybirdbrowser/wptsync/pkg/ingest"
	"github.com/ladybirdbrowser/wptsync/pkg/search"
	"github.com/ladybirdbrowser/wptsync/pkg/syncer"
	"github.com/ladybirdbrowser/wptsync/pkg/wpt"
	"github.com/spf13/cobra"
)

var syncOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror new runs from wpt.fyi",
	Long: `Run the sync loop: for every product, discover runs outside the stored
time range, ingest them, and repeat until no new runs are found. Then idle
for the configured interval and start over. Use --once to stop after a
single cycle.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncOnce, "once", false,
		"run a single sync cycle and exit")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	cutoff, err := cfg.Sync.CutoffTime()
	if err != nil {
		return err
	}

	lookback, interval, runDelay, passDelay := cfg.Sync.Durations()

	client := wpt.NewClient(log, &cfg.WPT)

	searcher := search.NewSearcher(log, client, search.Options{
		Labels:     cfg.Sync.Labels,
		MaxResults: cfg.Sync.MaxResults,
		Cutoff:     cutoff,
		Lookback:   lookback,
	})

	s := syncer.NewSyncer(log, st, searcher, ingest.NewIngester(log, client, st), syncer.Options{
		Interval:  interval,
		RunDelay:  runDelay,
		PassDelay: passDelay,
	})

	log.WithField("base_url", cfg.WPT.BaseURL).
		WithField("labels", cfg.Sync.Labels).
		WithField("once", syncOnce).
		Info("Starting sync")

	if syncOnce {
		if err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("sync cycle: %w", err)
		}

		return nil
	}

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}
