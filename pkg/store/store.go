package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/ladybirdbrowser/wptsync/pkg/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrRunNotFound is returned when a run does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrProductNotFound is returned when a product does not exist.
var ErrProductNotFound = errors.New("product not found")

// Store provides persistence for mirrored runs and their category totals.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	ListProducts(ctx context.Context) ([]Product, error)
	GetProductByName(ctx context.Context, name string) (*Product, error)
	CreateProduct(ctx context.Context, name string) (*Product, error)

	// FindRunByID returns nil, nil when the run does not exist.
	FindRunByID(ctx context.Context, runID int64) (*Run, error)

	// GetRunsTimeRange returns the min/max time_start of a product's
	// runs, or nil when none are stored.
	GetRunsTimeRange(ctx context.Context, productID uint) (*TimeRange, error)

	// CreateRunWithCategories stores a run and all its categories in a
	// single transaction. Either everything is written or nothing is.
	CreateRunWithCategories(
		ctx context.Context, run *Run, categories []RunCategory,
	) error

	DeleteRun(ctx context.Context, runID int64) error

	ListRuns(ctx context.Context, productID uint, limit int) ([]Run, error)
	ListRunCategories(ctx context.Context, runID int64) ([]RunCategory, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// Every SQLite connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Product{},
		&Run{},
		&RunCategory{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// ListProducts returns all products ordered by ID.
func (s *store) ListProducts(ctx context.Context) ([]Product, error) {
	var products []Product
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&products).Error; err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}

	return products, nil
}

// GetProductByName looks up a product by its unique name.
func (s *store) GetProductByName(
	ctx context.Context, name string,
) (*Product, error) {
	var product Product

	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting product: %w", err)
	}

	return &product, nil
}

// CreateProduct inserts a product, returning the existing row when the
// name is already present.
func (s *store) CreateProduct(
	ctx context.Context, name string,
) (*Product, error) {
	product := Product{Name: name}

	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		FirstOrCreate(&product).Error; err != nil {
		return nil, fmt.Errorf("creating product: %w", err)
	}

	return &product, nil
}

// FindRunByID returns the run or nil when it is not stored.
func (s *store) FindRunByID(ctx context.Context, runID int64) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("fetching run: %w", err)
	}

	return &run, nil
}

// GetRunsTimeRange returns the earliest and latest time_start of the
// product's runs. Two ordered lookups are used instead of MIN/MAX so the
// values are scanned with their column type on every driver.
func (s *store) GetRunsTimeRange(
	ctx context.Context, productID uint,
) (*TimeRange, error) {
	var first, last Run

	err := s.db.WithContext(ctx).
		Select("time_start").
		Where("wpt_product_id = ?", productID).
		Order("time_start ASC").
		Take(&first).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("fetching earliest run: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Select("time_start").
		Where("wpt_product_id = ?", productID).
		Order("time_start DESC").
		Take(&last).Error; err != nil {
		return nil, fmt.Errorf("fetching latest run: %w", err)
	}

	return &TimeRange{
		Min: first.TimeStart.UTC(),
		Max: last.TimeStart.UTC(),
	}, nil
}

// CreateRunWithCategories inserts the run row followed by one batch insert
// of all category rows. The transaction is rolled back on any error.
func (s *store) CreateRunWithCategories(
	ctx context.Context, run *Run, categories []RunCategory,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		if len(categories) == 0 {
			return nil
		}

		rows := make([]RunCategory, len(categories))
		for i, c := range categories {
			c.RunID = run.RunID
			rows[i] = c
		}

		if err := tx.CreateInBatches(rows, len(rows)).Error; err != nil {
			return fmt.Errorf("creating run categories: %w", err)
		}

		for i := range categories {
			categories[i].RunID = run.RunID
		}

		return nil
	})
}

// DeleteRun removes a run together with its categories.
func (s *store) DeleteRun(ctx context.Context, runID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).
			Delete(&RunCategory{}).Error; err != nil {
			return fmt.Errorf("deleting run categories: %w", err)
		}

		result := tx.Where("run_id = ?", runID).Delete(&Run{})
		if result.Error != nil {
			return fmt.Errorf("deleting run: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			return ErrRunNotFound
		}

		return nil
	})
}

// ListRuns returns the most recent runs of a product, newest first.
func (s *store) ListRuns(
	ctx context.Context, productID uint, limit int,
) ([]Run, error) {
	var runs []Run

	q := s.db.WithContext(ctx).
		Where("wpt_product_id = ?", productID).
		Order("time_start DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// ListRunCategories returns all category rows of a run ordered by name.
func (s *store) ListRunCategories(
	ctx context.Context, runID int64,
) ([]RunCategory, error) {
	var categories []RunCategory
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("category ASC").
		Find(&categories).Error; err != nil {
		return nil, fmt.Errorf("listing run categories: %w", err)
	}

	return categories, nil
}
