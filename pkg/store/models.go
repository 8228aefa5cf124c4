package store

import "time"

// Product is a thing being tested, e.g. a browser engine. Products are
// seeded outside of the sync loop.
type Product struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null;uniqueIndex"`
}

// TableName keeps the table names of the existing reporting schema.
func (Product) TableName() string { return "wpt_product" }

// Run is one completed test run mirrored from wpt.fyi. Runs are never
// updated, only created or deleted as a whole.
type Run struct {
	RunID          int64     `gorm:"column:run_id;primaryKey;autoIncrement:false"`
	ProductID      uint      `gorm:"column:wpt_product_id;not null;index:idx_run_product_start"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
	TimeStart      time.Time `gorm:"not null;index:idx_run_product_start"`
	TimeEnd        time.Time `gorm:"not null"`
	RawRunMetadata string    `gorm:"type:text;not null"`
}

// TableName keeps the table names of the existing reporting schema.
func (Run) TableName() string { return "wpt_run" }

// RunCategory aggregates subtest totals of one run per top-level
// test directory. There is exactly one row per (run_id, category).
type RunCategory struct {
	RunID         int64  `gorm:"column:run_id;primaryKey;autoIncrement:false"`
	Category      string `gorm:"primaryKey"`
	SubtestTotal  int64  `gorm:"not null"`
	SubtestPasses int64  `gorm:"not null"`
}

// TableName keeps the table names of the existing reporting schema.
func (RunCategory) TableName() string { return "wpt_run_category" }

// TimeRange is the span of time_start values stored for a product.
type TimeRange struct {
	Min time.Time
	Max time.Time
}
