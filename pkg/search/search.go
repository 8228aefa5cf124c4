package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ladybirdbrowser/wptsync/pkg/wpt"
	"github.com/sirupsen/logrus"
)

// ErrWindowTooDense is returned when a window keeps returning a full page
// after it has been narrowed to nothing.
var ErrWindowTooDense = errors.New("too many runs in search window")

// Options configures a Searcher.
type Options struct {
	Labels     []string
	MaxResults int
	Cutoff     time.Time
	Lookback   time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// WindowResult holds the runs found in one fully searched window.
type WindowResult struct {
	Window Window
	Runs   []wpt.RunSummary
}

// Searcher discovers run summaries for a product.
type Searcher struct {
	log    logrus.FieldLogger
	client wpt.Client
	opts   Options
}

// NewSearcher creates a Searcher querying the given client.
func NewSearcher(
	log logrus.FieldLogger, client wpt.Client, opts Options,
) *Searcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}

	return &Searcher{
		log:    log.WithField("component", "search"),
		client: client,
		opts:   opts,
	}
}

// Search computes the unsearched windows for the product and returns, per
// window, the runs it contains. Windows are narrowed until the number of
// returned runs is below the page size, so the runs of a result are the
// complete set inside its (possibly narrowed) window.
func (s *Searcher) Search(
	ctx context.Context, product string, bounds *Bounds,
) ([]WindowResult, error) {
	now := s.opts.Now().UTC()
	windows := Windows(bounds, now, s.opts.Cutoff, s.opts.Lookback)

	results := make([]WindowResult, 0, len(windows))

	for _, w := range windows {
		res, err := s.searchWindow(ctx, product, w, bounds)
		if err != nil {
			return nil, err
		}

		results = append(results, res)
	}

	return results, nil
}

func (s *Searcher) searchWindow(
	ctx context.Context, product string, w Window, bounds *Bounds,
) (WindowResult, error) {
	log := s.log.WithField("product", product)

	for {
		log.WithField("from", wpt.FormatTimestamp(w.From)).
			WithField("to", wpt.FormatTimestamp(w.To)).
			Info("Searching for runs")

		runs, err := s.client.GetRunsInTimeRange(ctx, wpt.RunsQuery{
			Products: []string{product},
			Labels:   s.opts.Labels,
			From:     w.From,
			To:       w.To,
			MaxCount: s.opts.MaxResults,
		})
		if err != nil {
			return WindowResult{}, fmt.Errorf("searching runs for %s: %w", product, err)
		}

		log.WithField("found", len(runs)).Info("Found runs")

		if len(runs) < s.opts.MaxResults {
			return WindowResult{Window: w, Runs: runs}, nil
		}

		narrowed, ok := narrow(w, bounds)
		if !ok {
			return WindowResult{}, fmt.Errorf(
				"%w: %s between %s and %s", ErrWindowTooDense, product,
				wpt.FormatTimestamp(w.From), wpt.FormatTimestamp(w.To),
			)
		}

		w = narrowed
	}
}
