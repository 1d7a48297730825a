/*
store.go - Persistence interfaces for catalogue, ledgers, sales and users

PURPOSE:
  Defines the boundary between the components and the database.
  Components hold a Store; adapters (SQLite, in-memory) implement it.

KEY INTERFACES:
  ProductStore: Product catalogue
  PriceStore:   Price ledger rows (history is never deleted)
  StockStore:   Stock rows, including the guarded quantity decrement
  SaleStore:    Sales and the per-day sale number counter
  UserStore:    Staff records
  Store:        All of the above
  TxStore:      Store plus WithTx for multi-row atomic writes

CONTRACTS:
  - Lookups of a missing record return (nil, nil), never ErrNotFound.
    Components decide whether absence is an error.
  - Unique-key collisions return *ConflictError.
  - DecrementStockQuantity and IncrementStockQuantity are the only
    quantity writes on the sale path. Each is a single atomic step: the
    decrement checks quantity >= qty and writes in one critical section,
    so it never needs a retry and never loses to a concurrent caller.
  - NextSaleSequence(day) is strictly increasing per day key, starting
    at 1, and never reissues a value even under concurrent callers.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql
  - core/store/memory.go: In-memory for tests and local runs

SEE ALSO:
  - types.go: Record types
  - errors.go: ConflictError
*/
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Per-record-kind interfaces
// =============================================================================

type ProductStore interface {
	CreateProduct(ctx context.Context, p Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)

	// GetProductByName matches the normalised name exactly.
	GetProductByName(ctx context.Context, name string) (*Product, error)

	// ListProducts is ordered by name.
	ListProducts(ctx context.Context, activeOnly bool) ([]Product, error)
	UpdateProduct(ctx context.Context, p Product) error
}

type PriceFilter struct {
	Branch    Branch
	ProductID string
	Active    *bool
}

type PriceStore interface {
	InsertPrice(ctx context.Context, p Price) error

	// DeactivateOtherPrices clears the active flag on every row of
	// (productID, branch) except keepID.
	DeactivateOtherPrices(ctx context.Context, productID string, branch Branch, keepID string, at time.Time) error

	GetPrice(ctx context.Context, id string) (*Price, error)
	UpdatePrice(ctx context.Context, p Price) error

	// ListPrices is ordered newest first (EffectiveAt, CreatedAt, ID descending).
	ListPrices(ctx context.Context, f PriceFilter) ([]Price, error)
}

type StockFilter struct {
	Branch    Branch
	ProductID string
}

type StockStore interface {
	GetStock(ctx context.Context, id string) (*Stock, error)
	FindStock(ctx context.Context, productID string, branch Branch) (*Stock, error)
	ListStock(ctx context.Context, f StockFilter) ([]Stock, error)

	// InsertStock fails with *ConflictError when (product, branch) exists.
	InsertStock(ctx context.Context, s Stock) error

	// UpdateStock overwrites quantity and procurement fields of an existing row.
	UpdateStock(ctx context.Context, s Stock) error

	SetReorderLevel(ctx context.Context, id string, level decimal.Decimal, at time.Time) error

	// DecrementStockQuantity subtracts qty when the row holds at least qty.
	// It returns the row as it stands after the call and whether it wrote.
	DecrementStockQuantity(ctx context.Context, id string, qty decimal.Decimal, at time.Time) (*Stock, bool, error)
	IncrementStockQuantity(ctx context.Context, id string, qty decimal.Decimal, at time.Time) (*Stock, error)
}

type SaleFilter struct {
	Branch        Branch
	AgentID       string
	From          time.Time
	To            time.Time
	PaymentStatus PaymentStatus
	IsCredit      *bool
}

type SaleStore interface {
	NextSaleSequence(ctx context.Context, day string) (int, error)

	// InsertSale fails with *ConflictError on a duplicate sale number.
	InsertSale(ctx context.Context, s Sale) error
	GetSale(ctx context.Context, id string) (*Sale, error)

	// ListSales is ordered newest first. Zero From/To are open bounds;
	// To is inclusive.
	ListSales(ctx context.Context, f SaleFilter) ([]Sale, error)

	UpdateSalePayment(ctx context.Context, id string, status PaymentStatus, amountPaid decimal.Decimal, at time.Time) error
}

type UserFilter struct {
	Role       Role
	Branch     Branch
	ActiveOnly bool
}

type UserStore interface {
	// CreateUser fails with *ConflictError on a duplicate username.
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context, f UserFilter) ([]User, error)
	CountUsers(ctx context.Context, f UserFilter) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	ProductStore
	PriceStore
	StockStore
	SaleStore
	UserStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	// fn must use only the Store it is given.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Atomically runs fn inside WithTx when the store supports it, and directly
// against the store otherwise.
func Atomically(ctx context.Context, s Store, fn func(Store) error) error {
	if ts, ok := s.(TxStore); ok {
		return ts.WithTx(ctx, fn)
	}
	return fn(s)
}
