// Package ingest mirrors a single run from the results service into the
// store, together with its per-category subtest totals.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ladybirdbrowser/wptsync/pkg/store"
	"github.com/ladybirdbrowser/wptsync/pkg/wpt"
	"github.com/sirupsen/logrus"
)

// ErrRunMissing is returned when the results service has no record for a
// run that was just listed.
var ErrRunMissing = errors.New("run missing from results")

// Ingester stores runs exactly once.
type Ingester struct {
	log    logrus.FieldLogger
	client wpt.Client
	store  store.Store
}

// NewIngester creates an Ingester.
func NewIngester(
	log logrus.FieldLogger, client wpt.Client, st store.Store,
) *Ingester {
	return &Ingester{
		log:    log.WithField("component", "ingest"),
		client: client,
		store:  st,
	}
}

// IngestRun fetches and stores the run unless it already exists. It
// reports whether a new run was written. Fetch and parse failures happen
// before anything is written; the write itself is a single transaction.
func (i *Ingester) IngestRun(
	ctx context.Context, product store.Product, runID int64,
) (bool, error) {
	log := i.log.WithField("product", product.Name).WithField("run_id", runID)

	existing, err := i.store.FindRunByID(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("looking up run %d: %w", runID, err)
	}

	if existing != nil {
		log.Info("Run already exists")

		return false, nil
	}

	log.Info("Updating run")

	results, err := i.client.GetResultsForRuns(ctx, []int64{runID})
	if err != nil {
		return false, fmt.Errorf("fetching run %d: %w", runID, err)
	}

	if len(results.Runs) == 0 {
		return false, fmt.Errorf("%w: %d", ErrRunMissing, runID)
	}

	summary := results.Runs[0]

	createdAt, timeStart, timeEnd, err := summary.Times()
	if err != nil {
		return false, fmt.Errorf("parsing run %d: %w", runID, err)
	}

	log.WithField("subtests", len(results.Results)).
		Info("Found subtest results")

	totals, err := Aggregate(results.Results)
	if err != nil {
		return false, fmt.Errorf("aggregating run %d: %w", runID, err)
	}

	run := &store.Run{
		RunID:          summary.ID,
		ProductID:      product.ID,
		CreatedAt:      createdAt,
		TimeStart:      timeStart,
		TimeEnd:        timeEnd,
		RawRunMetadata: string(summary.Raw),
	}

	categories := make([]store.RunCategory, 0, len(totals))
	for _, t := range totals {
		categories = append(categories, store.RunCategory{
			Category:      t.Category,
			SubtestTotal:  t.Total,
			SubtestPasses: t.Passes,
		})
	}

	if err := i.store.CreateRunWithCategories(ctx, run, categories); err != nil {
		return false, fmt.Errorf("storing run %d: %w", runID, err)
	}

	log.WithField("categories", len(categories)).Info("Stored run")

	return true, nil
}
