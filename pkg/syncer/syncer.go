// Package syncer keeps the local mirror current by driving run discovery
// and ingestion for every product until no new runs are found, then idling
// before the next cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ladybirdbrowser/wptsync/pkg/ingest"
	"github.com/ladybirdbrowser/wptsync/pkg/search"
	"github.com/ladybirdbrowser/wptsync/pkg/store"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the idle time between full cycles.
const DefaultInterval = 10 * time.Minute

// Options configures the Syncer. A zero RunDelay or PassDelay disables
// that pause; the configured defaults come from pkg/config.
type Options struct {
	Interval  time.Duration
	RunDelay  time.Duration
	PassDelay time.Duration
}

// Syncer runs the sync loop. All work happens sequentially on the caller's
// goroutine: one product, one run at a time.
type Syncer struct {
	log      logrus.FieldLogger
	store    store.Store
	searcher *search.Searcher
	ingester *ingest.Ingester
	opts     Options
}

// NewSyncer creates a Syncer.
func NewSyncer(
	log logrus.FieldLogger,
	st store.Store,
	searcher *search.Searcher,
	ingester *ingest.Ingester,
	opts Options,
) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	return &Syncer{
		log:      log.WithField("component", "syncer"),
		store:    st,
		searcher: searcher,
		ingester: ingester,
		opts:     opts,
	}
}

// Run executes sync cycles until ctx is cancelled, sleeping for the
// configured interval between cycles. It returns nil on cancellation and
// the first error otherwise.
func (s *Syncer) Run(ctx context.Context) error {
	s.log.WithField("interval", s.opts.Interval.String()).
		Info("Starting syncer")

	for {
		if err := s.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}

			return err
		}

		s.log.WithField("interval", s.opts.Interval.String()).
			Info("Sleeping until next cycle")

		if err := sleep(ctx, s.opts.Interval); err != nil {
			return nil //nolint:nilerr
		}
	}
}

// RunCycle brings every product to quiescence once.
func (s *Syncer) RunCycle(ctx context.Context) error {
	start := time.Now()

	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("listing products: %w", err)
	}

	s.log.WithField("products", len(products)).Info("Sync cycle started")

	total := 0

	for _, product := range products {
		for {
			stored, err := s.SyncProduct(ctx, product)
			if err != nil {
				return fmt.Errorf("syncing product %s: %w", product.Name, err)
			}

			total += stored

			if err := sleep(ctx, s.opts.PassDelay); err != nil {
				return err
			}

			// A pass that stored runs moved the synced boundary, which
			// changes the windows that still need searching.
			if stored == 0 {
				break
			}
		}
	}

	s.log.WithField("stored", total).
		WithField("duration", time.Since(start).Round(time.Millisecond)).
		Info("Sync cycle completed")

	return nil
}

// SyncProduct performs one discovery and ingestion pass for a product and
// returns the number of runs newly stored. Runs that already exist do not
// count.
func (s *Syncer) SyncProduct(
	ctx context.Context, product store.Product,
) (int, error) {
	log := s.log.WithField("product", product.Name)
	log.Info("Updating runs for product")

	tr, err := s.store.GetRunsTimeRange(ctx, product.ID)
	if err != nil {
		return 0, fmt.Errorf("reading synced range: %w", err)
	}

	var bounds *search.Bounds
	if tr != nil {
		bounds = &search.Bounds{Min: tr.Min, Max: tr.Max}
	}

	results, err := s.searcher.Search(ctx, product.Name, bounds)
	if err != nil {
		return 0, err
	}

	stored := 0

	for _, res := range results {
		for _, run := range res.Runs {
			ok, err := s.ingester.IngestRun(ctx, product, run.ID)
			if err != nil {
				return stored, err
			}

			if ok {
				stored++
			}

			if err := sleep(ctx, s.opts.RunDelay); err != nil {
				return stored, err
			}
		}
	}

	log.WithField("stored", stored).Info("Product pass completed")

	return stored, nil
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
