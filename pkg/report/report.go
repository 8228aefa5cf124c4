// Package report builds the JSON documents served by the API and written
// by the exporter from stored runs.
package report

import (
	"encoding/json"
	"time"

	"github.com/ladybirdbrowser/wptsync/pkg/store"
)

// Product is the public view of a product.
type Product struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// Category holds the subtest totals of one category.
type Category struct {
	Name   string `json:"name"`
	Total  int64  `json:"total"`
	Passes int64  `json:"passes"`
}

// RunSummary is a run without its categories, as used in listings.
type RunSummary struct {
	RunID     int64     `json:"run_id"`
	ProductID uint      `json:"product_id"`
	CreatedAt time.Time `json:"created_at"`
	TimeStart time.Time `json:"time_start"`
	TimeEnd   time.Time `json:"time_end"`
}

// Run is the full report of a run with its categories and the totals
// summed over all categories.
type Run struct {
	RunSummary

	Total      int64           `json:"total"`
	Passes     int64           `json:"passes"`
	Categories []Category      `json:"categories"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// NewProduct converts a stored product.
func NewProduct(p store.Product) Product {
	return Product{ID: p.ID, Name: p.Name}
}

// NewRunSummary converts a stored run.
func NewRunSummary(r store.Run) RunSummary {
	return RunSummary{
		RunID:     r.RunID,
		ProductID: r.ProductID,
		CreatedAt: r.CreatedAt.UTC(),
		TimeStart: r.TimeStart.UTC(),
		TimeEnd:   r.TimeEnd.UTC(),
	}
}

// NewRun builds the full report of a run. Metadata that is not valid JSON
// is left out.
func NewRun(r store.Run, categories []store.RunCategory) Run {
	out := Run{
		RunSummary: NewRunSummary(r),
		Categories: make([]Category, 0, len(categories)),
	}

	for _, c := range categories {
		out.Total += c.SubtestTotal
		out.Passes += c.SubtestPasses
		out.Categories = append(out.Categories, Category{
			Name:   c.Category,
			Total:  c.SubtestTotal,
			Passes: c.SubtestPasses,
		})
	}

	if json.Valid([]byte(r.RawRunMetadata)) {
		out.Metadata = json.RawMessage(r.RawRunMetadata)
	}

	return out
}
