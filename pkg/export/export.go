// Package export writes the mirrored run totals as static JSON documents
// to a local directory or an S3 bucket.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/ladybirdbrowser/wptsync/pkg/report"
	"github.com/ladybirdbrowser/wptsync/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// Stats summarizes one export.
type Stats struct {
	Products  int
	Runs      int
	Documents int
	Bytes     int64
}

// productDocument is written to products/<name>.json.
type productDocument struct {
	Product report.Product      `json:"product"`
	Runs    []report.RunSummary `json:"runs"`
}

// indexDocument is written to index.json.
type indexDocument struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Products    []report.Product `json:"products"`
}

// Exporter renders stored runs into documents and writes them to a sink.
type Exporter struct {
	log         logrus.FieldLogger
	store       store.Store
	sink        Sink
	concurrency int
	now         func() time.Time
}

// NewExporter creates an exporter. A concurrency below one uses the
// default.
func NewExporter(
	log logrus.FieldLogger, st store.Store, sink Sink, concurrency int,
) *Exporter {
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}

	return &Exporter{
		log:         log.WithField("component", "exporter"),
		store:       st,
		sink:        sink,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Export writes the latest limit runs of every product, one listing per
// product and an index of all products. A limit of zero or less exports
// every run.
func (e *Exporter) Export(ctx context.Context, limit int) (*Stats, error) {
	start := time.Now()

	products, err := e.store.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	var (
		runs      atomic.Int64
		documents atomic.Int64
		written   atomic.Int64
	)

	put := func(ctx context.Context, key string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s: %w", key, err)
		}

		if err := e.sink.Put(ctx, key, data); err != nil {
			return err
		}

		documents.Add(1)
		written.Add(int64(len(data)))

		return nil
	}

	index := indexDocument{
		GeneratedAt: e.now().UTC(),
		Products:    make([]report.Product, 0, len(products)),
	}

	// All listings are read before the first write so a failing lookup
	// leaves the sink untouched.
	listings := make([][]store.Run, len(products))

	for i, product := range products {
		index.Products = append(index.Products, report.NewProduct(product))

		stored, err := e.store.ListRuns(ctx, product.ID, limit)
		if err != nil {
			return nil, fmt.Errorf("listing runs of %s: %w", product.Name, err)
		}

		listings[i] = stored
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, product := range products {
		product := product
		doc := productDocument{
			Product: report.NewProduct(product),
			Runs:    make([]report.RunSummary, 0, len(listings[i])),
		}

		for _, run := range listings[i] {
			run := run
			doc.Runs = append(doc.Runs, report.NewRunSummary(run))

			g.Go(func() error {
				categories, err := e.store.ListRunCategories(gctx, run.RunID)
				if err != nil {
					return err
				}

				key := "runs/" + strconv.FormatInt(run.RunID, 10) + ".json"
				if err := put(gctx, key, report.NewRun(run, categories)); err != nil {
					return err
				}

				runs.Add(1)

				return nil
			})
		}

		g.Go(func() error {
			return put(gctx, "products/"+product.Name+".json", doc)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("exporting runs: %w", err)
	}

	if err := put(ctx, "index.json", index); err != nil {
		return nil, fmt.Errorf("writing index: %w", err)
	}

	stats := &Stats{
		Products:  len(products),
		Runs:      int(runs.Load()),
		Documents: int(documents.Load()),
		Bytes:     written.Load(),
	}

	e.log.WithFields(logrus.Fields{
		"products":  stats.Products,
		"runs":      stats.Runs,
		"documents": stats.Documents,
		"size":      units.HumanSize(float64(stats.Bytes)),
		"location":  e.sink.Location(),
		"duration":  time.Since(start).Round(time.Millisecond),
	}).Info("Export completed")

	return stats, nil
}
