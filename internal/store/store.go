package store

import (
	"context"
	"fmt"
	"time"

	"checkout-engine/config"
	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Querier is the narrow set of primitives the consistency engine needs from
// the database: conditional updates, unique inserts and plain reads.
type Querier interface {
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	GetStockRecords(ctx context.Context, ids []int64) ([]models.StockRecord, error)
	DecrementStock(ctx context.Context, productID int64, quantity int) (*models.StockChange, error)
	AdjustStock(ctx context.Context, productID int64, delta int) (*models.StockChange, error)
	InsertStockLog(ctx context.Context, entry *models.StockLogEntry) error
	ListStockLog(ctx context.Context, productID int64) ([]models.StockLogEntry, error)

	GetProcessedPayment(ctx context.Context, paymentID, provider string) (*models.ProcessedPayment, error)
	InsertProcessedPayment(ctx context.Context, p *models.ProcessedPayment) (bool, error)

	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	TransitionOrder(ctx context.Context, t models.OrderTransition) (bool, error)

	CreateCoupon(ctx context.Context, c *models.Coupon) error
	GetCoupon(ctx context.Context, id int64) (*models.Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	IncrementCouponUses(ctx context.Context, couponID int64) (bool, error)
	CountCouponUsages(ctx context.Context, couponID, userID int64) (int, error)
	InsertCouponUsage(ctx context.Context, u *models.CouponUsage) (bool, error)
	GetCouponUsage(ctx context.Context, couponID, orderID int64) (*models.CouponUsage, error)

	GetIdempotency(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	ClaimIdempotency(ctx context.Context, key, requestHash string, expiresAt time.Time) (bool, error)
	CompleteIdempotency(ctx context.Context, key string, status int, body []byte, expiresAt time.Time) error
	ReleaseIdempotency(ctx context.Context, key string) error
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Repository is a Querier that can also run a unit of work atomically.
type Repository interface {
	Querier
	InTx(ctx context.Context, fn func(q Querier) error) error
}

type Store struct {
	*queries
	db         *sqlx.DB
	maxRetries int
	logger     *zap.Logger
}

// NewStore creates a new database store
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newStore(db, cfg.TxMaxRetries), nil
}

func newStore(db *sqlx.DB, maxRetries int) *Store {
	return &Store{
		queries:    &queries{ext: db},
		db:         db,
		maxRetries: maxRetries,
		logger:     util.GetLogger(),
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

type queries struct {
	ext sqlx.ExtContext
}
