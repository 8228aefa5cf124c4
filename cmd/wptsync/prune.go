package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ladybirdbrowser/wptsync/pkg/store"
	"github.com/spf13/cobra"
)

var pruneRunCmd = &cobra.Command{
	Use:   "prune-run <run-id>...",
	Short: "Delete stored runs and their categories",
	Long: `Delete runs together with their category totals, e.g. to have a broken
run ingested again on the next sync.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPruneRun,
}

func init() {
	rootCmd.AddCommand(pruneRunCmd)
}

func runPruneRun(cmd *cobra.Command, args []string) error {
	runIDs := make([]int64, 0, len(args))

	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid run id %q: %w", arg, err)
		}

		runIDs = append(runIDs, id)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Stop() }()

	var missing int

	for _, id := range runIDs {
		err := st.DeleteRun(cmd.Context(), id)
		if errors.Is(err, store.ErrRunNotFound) {
			log.WithField("run_id", id).Warn("Run not found")

			missing++

			continue
		}

		if err != nil {
			return err
		}

		log.WithField("run_id", id).Info("Run deleted")
	}

	if missing > 0 {
		return fmt.Errorf("%d of %d runs not found", missing, len(runIDs))
	}

	return nil
}
