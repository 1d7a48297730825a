/*
Package sqlite provides a SQLite-backed implementation of core.TxStore.

PURPOSE:
  Persists the catalogue, price ledger, stock ledger, sales and staff
  records. Every method of core.Store is implemented once, against a
  querier that is either the *sql.DB or an open *sql.Tx, so the
  transactional view and the plain store share all SQL.

KEY TABLES:
  products:       Catalogue, name unique case-insensitively
  prices:         Price ledger, never deleted; active flag per row
  stock:          One row per (product_id, branch)
  sales:          Sales with items serialised as JSON
  sale_sequences: Per-day counter behind SALE-YYYYMMDD-NNN
  users:          Staff, username unique

NUMBERS AND TIMES:
  Money and quantities are stored as canonical decimal TEXT. Times are
  stored as fixed-width UTC text so lexical order is chronological order.

CONCURRENCY:
  The pool is limited to one connection. database/sql queues callers for
  it, so a transaction opened by WithTx excludes every other writer and
  SQLite never reports SQLITE_BUSY to us. Stock quantity changes read
  and write inside one such transaction, so concurrent sales queue
  instead of failing.

USAGE:
  store, err := sqlite.New("./data/produce.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions
  - core/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/kgl/produce-engine/core"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements core.Store against a querier.
type queries struct {
	q querier
}

var (
	_ core.TxStore = (*Store)(nil)
	_ core.Store   = (*queries)(nil)
)

// Store implements core.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT 'kg',
		description TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_products_name
		ON products(name COLLATE NOCASE);

	-- Price ledger: rows are deactivated, never deleted
	CREATE TABLE IF NOT EXISTS prices (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		branch TEXT NOT NULL,
		selling_price TEXT NOT NULL,
		cost_price TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		updated_by TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prices_product_branch
		ON prices(product_id, branch, active, effective_at DESC);

	CREATE TABLE IF NOT EXISTS stock (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		branch TEXT NOT NULL,
		quantity TEXT NOT NULL,
		reorder_level TEXT NOT NULL,
		supplier TEXT,
		supplier_contact TEXT,
		cost_price TEXT,
		selling_price TEXT,
		procurement_date TEXT,
		notes TEXT,
		last_restocked TEXT,
		restocked_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_stock_product_branch
		ON stock(product_id, branch);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		sale_number TEXT NOT NULL,
		branch TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		agent_name TEXT,
		items_json TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		customer_name TEXT,
		customer_phone TEXT,
		is_credit_sale INTEGER NOT NULL DEFAULT 0,
		payment_status TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sales_number
		ON sales(sale_number);
	CREATE INDEX IF NOT EXISTS idx_sales_branch_created
		ON sales(branch, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sales_agent_created
		ON sales(agent_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS sale_sequences (
		day TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		full_name TEXT NOT NULL,
		username TEXT NOT NULL,
		phone TEXT,
		email TEXT,
		role TEXT NOT NULL,
		branch TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username
		ON users(username);
	CREATE INDEX IF NOT EXISTS idx_users_role_branch
		ON users(role, branch);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (core.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// DecrementStockQuantity holds the connection for the read and the write.
func (s *Store) DecrementStockQuantity(ctx context.Context, id string, qty decimal.Decimal, at time.Time) (*core.Stock, bool, error) {
	var (
		row *core.Stock
		ok  bool
	)
	err := s.WithTx(ctx, func(st core.Store) error {
		var err error
		row, ok, err = st.DecrementStockQuantity(ctx, id, qty, at)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return row, ok, nil
}

func (s *Store) IncrementStockQuantity(ctx context.Context, id string, qty decimal.Decimal, at time.Time) (*core.Stock, error) {
	var row *core.Stock
	err := s.WithTx(ctx, func(st core.Store) error {
		var err error
		row, err = st.IncrementStockQuantity(ctx, id, qty, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

const productColumns = `id, name, category, unit, description, active, created_at, updated_at`

func (s *queries) CreateProduct(ctx context.Context, p core.Product) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO products (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Category), string(p.Unit), nullString(p.Description),
		p.Active, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Kind: "product", Message: "Product " + p.Name + " already exists"}
		}
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

func (s *queries) GetProduct(ctx context.Context, id string) (*core.Product, error) {
	return s.getProduct(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
}

func (s *queries) GetProductByName(ctx context.Context, name string) (*core.Product, error) {
	return s.getProduct(ctx, `SELECT `+productColumns+` FROM products WHERE name = ? COLLATE NOCASE`, name)
}

func (s *queries) getProduct(ctx context.Context, query string, arg string) (*core.Product, error) {
	rows, err := s.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query product: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanProduct(rows)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *queries) ListProducts(ctx context.Context, activeOnly bool) ([]core.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []core.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *queries) UpdateProduct(ctx context.Context, p core.Product) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE products SET category = ?, unit = ?, description = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		string(p.Category), string(p.Unit), nullString(p.Description), p.Active, formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	return requireRow(res, "product", p.ID)
}

func scanProduct(rows *sql.Rows) (core.Product, error) {
	var (
		p                    core.Product
		category, unit       string
		description          sql.NullString
		createdAt, updatedAt string
	)
	if err := rows.Scan(&p.ID, &p.Name, &category, &unit, &description, &p.Active, &createdAt, &updatedAt); err != nil {
		return p, fmt.Errorf("failed to scan product: %w", err)
	}
	p.Category = core.Category(category)
	p.Unit = core.Unit(unit)
	p.Description = description.String
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// PRICES
// =============================================================================

const priceColumns = `id, product_id, branch, selling_price, cost_price, effective_at, updated_by, active, created_at, updated_at`

func (s *queries) InsertPrice(ctx context.Context, p core.Price) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO prices (`+priceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProductID, string(p.Branch), p.SellingPrice.String(), p.CostPrice.String(),
		formatTime(p.EffectiveAt), nullString(p.UpdatedBy), p.Active,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Kind: "price", Message: "price already exists"}
		}
		return fmt.Errorf("failed to insert price: %w", err)
	}
	return nil
}

func (s *queries) DeactivateOtherPrices(ctx context.Context, productID string, branch core.Branch, keepID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE prices SET active = 0, updated_at = ?
		WHERE product_id = ? AND branch = ? AND active = 1 AND id <> ?`,
		formatTime(at), productID, string(branch), keepID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate prices: %w", err)
	}
	return nil
}

func (s *queries) GetPrice(ctx context.Context, id string) (*core.Price, error) {
	prices, err := s.queryPrices(ctx, `SELECT `+priceColumns+` FROM prices WHERE id = ?`, id)
	if err != nil || len(prices) == 0 {
		return nil, err
	}
	return &prices[0], nil
}

func (s *queries) UpdatePrice(ctx context.Context, p core.Price) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE prices SET selling_price = ?, cost_price = ?, effective_at = ?, updated_by = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		p.SellingPrice.String(), p.CostPrice.String(), formatTime(p.EffectiveAt),
		nullString(p.UpdatedBy), p.Active, formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update price: %w", err)
	}
	return requireRow(res, "price", p.ID)
}

func (s *queries) ListPrices(ctx context.Context, f core.PriceFilter) ([]core.Price, error) {
	var (
		where []string
		args  []any
	)
	if f.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, string(f.Branch))
	}
	if f.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}
	if f.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *f.Active)
	}

	query := `SELECT ` + priceColumns + ` FROM prices` + whereClause(where) +
		` ORDER BY effective_at DESC, created_at DESC, id DESC`
	return s.queryPrices(ctx, query, args...)
}

func (s *queries) queryPrices(ctx context.Context, query string, args ...any) ([]core.Price, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var prices []core.Price
	for rows.Next() {
		var (
			p                                core.Price
			branch, selling, cost, effective string
			updatedBy                        sql.NullString
			createdAt, updatedAt             string
		)
		if err := rows.Scan(&p.ID, &p.ProductID, &branch, &selling, &cost, &effective,
			&updatedBy, &p.Active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		p.Branch = core.Branch(branch)
		p.SellingPrice = parseDecimal(selling)
		p.CostPrice = parseDecimal(cost)
		p.EffectiveAt = parseTime(effective)
		p.UpdatedBy = updatedBy.String
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// =============================================================================
// STOCK
// =============================================================================

const stockColumns = `id, product_id, branch, quantity, reorder_level, supplier, supplier_contact,
	cost_price, selling_price, procurement_date, notes, last_restocked, restocked_by, created_at, updated_at`

func (s *queries) GetStock(ctx context.Context, id string) (*core.Stock, error) {
	rows, err := s.queryStock(ctx, `SELECT `+stockColumns+` FROM stock WHERE id = ?`, id)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (s *queries) FindStock(ctx context.Context, productID string, branch core.Branch) (*core.Stock, error) {
	rows, err := s.queryStock(ctx,
		`SELECT `+stockColumns+` FROM stock WHERE product_id = ? AND branch = ?`, productID, string(branch))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (s *queries) ListStock(ctx context.Context, f core.StockFilter) ([]core.Stock, error) {
	var (
		where []string
		args  []any
	)
	if f.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, string(f.Branch))
	}
	if f.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, f.ProductID)
	}
	return s.queryStock(ctx, `SELECT `+stockColumns+` FROM stock`+whereClause(where)+
		` ORDER BY branch ASC, product_id ASC`, args...)
}

func (s *queries) InsertStock(ctx context.Context, st core.Stock) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO stock (`+stockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ProductID, string(st.Branch), st.Quantity.String(), st.ReorderLevel.String(),
		nullString(st.Supplier), nullString(st.SupplierContact),
		nullDecimal(st.CostPrice), nullDecimal(st.SellingPrice), nullTime(st.ProcurementDate),
		nullString(st.Notes), nullTime(st.LastRestocked), nullString(st.RestockedBy),
		formatTime(st.CreatedAt), formatTime(st.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Kind: "stock", Message: "stock already exists for product in " + string(st.Branch)}
		}
		return fmt.Errorf("failed to insert stock: %w", err)
	}
	return nil
}

func (s *queries) UpdateStock(ctx context.Context, st core.Stock) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE stock SET quantity = ?, reorder_level = ?, supplier = ?, supplier_contact = ?,
			cost_price = ?, selling_price = ?, procurement_date = ?, notes = ?,
			last_restocked = ?, restocked_by = ?, updated_at = ?
		WHERE id = ?`,
		st.Quantity.String(), st.ReorderLevel.String(), nullString(st.Supplier), nullString(st.SupplierContact),
		nullDecimal(st.CostPrice), nullDecimal(st.SellingPrice), nullTime(st.ProcurementDate),
		nullString(st.Notes), nullTime(st.LastRestocked), nullString(st.RestockedBy),
		formatTime(st.UpdatedAt), st.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	return requireRow(res, "stock", st.ID)
}

func (s *queries) SetReorderLevel(ctx context.Context, id string, level decimal.Decimal, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE stock SET reorder_level = ?, updated_at = ? WHERE id = ?`,
		level.String(), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update reorder level: %w", err)
	}
	return requireRow(res, "stock", id)
}

// DecrementStockQuantity reads and writes the row on the caller's
// connection. Run it inside a transaction; Store does that for callers
// that are not already in one.
func (s *queries) DecrementStockQuantity(ctx context.Context, id string, qty decimal.Decimal, at time.Time) (*core.Stock, bool, error) {
	row, err := s.GetStock(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, core.NotFound("stock", id)
	}
	if row.Quantity.LessThan(qty) {
		return row, false, nil
	}
	row.Quantity = row.Quantity.Sub(qty)
	row.UpdatedAt = at
	if err := s.writeQuantity(ctx, row); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (s *queries) IncrementStockQuantity(ctx context.Context, id string, qty decimal.Decimal, at time.Time) (*core.Stock, error) {
	row, err := s.GetStock(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, core.NotFound("stock", id)
	}
	row.Quantity = row.Quantity.Add(qty)
	row.UpdatedAt = at
	if err := s.writeQuantity(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *queries) writeQuantity(ctx context.Context, row *core.Stock) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE stock SET quantity = ?, updated_at = ? WHERE id = ?`,
		row.Quantity.String(), formatTime(row.UpdatedAt), row.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to write stock quantity: %w", err)
	}
	return requireRow(res, "stock", row.ID)
}

func (s *queries) queryStock(ctx context.Context, query string, args ...any) ([]core.Stock, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock: %w", err)
	}
	defer rows.Close()

	var out []core.Stock
	for rows.Next() {
		var (
			st                              core.Stock
			branch, quantity, reorder       string
			supplier, contact, notes, by    sql.NullString
			cost, selling, procured, restock sql.NullString
			createdAt, updatedAt            string
		)
		if err := rows.Scan(&st.ID, &st.ProductID, &branch, &quantity, &reorder, &supplier, &contact,
			&cost, &selling, &procured, &notes, &restock, &by, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		st.Branch = core.Branch(branch)
		st.Quantity = parseDecimal(quantity)
		st.ReorderLevel = parseDecimal(reorder)
		st.Supplier = supplier.String
		st.SupplierContact = contact.String
		st.CostPrice = parseNullDecimal(cost)
		st.SellingPrice = parseNullDecimal(selling)
		st.ProcurementDate = parseNullTime(procured)
		st.Notes = notes.String
		st.LastRestocked = parseNullTime(restock)
		st.RestockedBy = by.String
		st.CreatedAt = parseTime(createdAt)
		st.UpdatedAt = parseTime(updatedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

// =============================================================================
// SALES
// =============================================================================

const saleColumns = `id, sale_number, branch, agent_id, agent_name, items_json, total_amount, payment_method,
	customer_name, customer_phone, is_credit_sale, payment_status, amount_paid, notes, created_at, updated_at`

type itemRecord struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Unit        string `json:"unit"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	TotalPrice  string `json:"totalPrice"`
}

// NextSaleSequence bumps the day's counter and returns the new value in a
// single statement.
func (s *queries) NextSaleSequence(ctx context.Context, day string) (int, error) {
	var next int
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO sale_sequences (day, seq) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET seq = seq + 1
		RETURNING seq`, day,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sale sequence: %w", err)
	}
	return next, nil
}

func (s *queries) InsertSale(ctx context.Context, sale core.Sale) error {
	items := make([]itemRecord, len(sale.Items))
	for i, it := range sale.Items {
		items[i] = itemRecord{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Unit:        string(it.Unit),
			Quantity:    it.Quantity.String(),
			UnitPrice:   it.UnitPrice.String(),
			TotalPrice:  it.TotalPrice.String(),
		}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode sale items: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO sales (`+saleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.SaleNumber, string(sale.Branch), sale.AgentID, nullString(sale.AgentName),
		string(itemsJSON), sale.TotalAmount.String(), string(sale.PaymentMethod),
		nullString(sale.CustomerName), nullString(sale.CustomerPhone), sale.IsCreditSale,
		string(sale.PaymentStatus), sale.AmountPaid.String(), nullString(sale.Notes),
		formatTime(sale.CreatedAt), formatTime(sale.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Kind: "sale", Message: "sale number " + sale.SaleNumber + " already exists"}
		}
		return fmt.Errorf("failed to insert sale: %w", err)
	}
	return nil
}

func (s *queries) GetSale(ctx context.Context, id string) (*core.Sale, error) {
	sales, err := s.querySales(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
	if err != nil || len(sales) == 0 {
		return nil, err
	}
	return &sales[0], nil
}

func (s *queries) ListSales(ctx context.Context, f core.SaleFilter) ([]core.Sale, error) {
	var (
		where []string
		args  []any
	)
	if f.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, string(f.Branch))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(f.To))
	}
	if f.PaymentStatus != "" {
		where = append(where, "payment_status = ?")
		args = append(args, string(f.PaymentStatus))
	}
	if f.IsCredit != nil {
		where = append(where, "is_credit_sale = ?")
		args = append(args, *f.IsCredit)
	}

	return s.querySales(ctx, `SELECT `+saleColumns+` FROM sales`+whereClause(where)+
		` ORDER BY created_at DESC, sale_number DESC`, args...)
}

func (s *queries) UpdateSalePayment(ctx context.Context, id string, status core.PaymentStatus, amountPaid decimal.Decimal, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sales SET payment_status = ?, amount_paid = ?, updated_at = ? WHERE id = ?`,
		string(status), amountPaid.String(), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update sale payment: %w", err)
	}
	return requireRow(res, "sale", id)
}

func (s *queries) querySales(ctx context.Context, query string, args ...any) ([]core.Sale, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	var out []core.Sale
	for rows.Next() {
		var (
			sale                                 core.Sale
			branch, itemsJSON, total, method     string
			status, paid, createdAt, updatedAt   string
			agentName, customer, phone, notes    sql.NullString
		)
		if err := rows.Scan(&sale.ID, &sale.SaleNumber, &branch, &sale.AgentID, &agentName, &itemsJSON,
			&total, &method, &customer, &phone, &sale.IsCreditSale, &status, &paid, &notes,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}

		var items []itemRecord
		if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
			return nil, fmt.Errorf("failed to decode items of sale %s: %w", sale.ID, err)
		}
		for _, it := range items {
			sale.Items = append(sale.Items, core.SaleItem{
				ProductID:   it.ProductID,
				ProductName: it.ProductName,
				Unit:        core.Unit(it.Unit),
				Quantity:    parseDecimal(it.Quantity),
				UnitPrice:   parseDecimal(it.UnitPrice),
				TotalPrice:  parseDecimal(it.TotalPrice),
			})
		}

		sale.Branch = core.Branch(branch)
		sale.AgentName = agentName.String
		sale.TotalAmount = parseDecimal(total)
		sale.PaymentMethod = core.PaymentMethod(method)
		sale.CustomerName = customer.String
		sale.CustomerPhone = phone.String
		sale.PaymentStatus = core.PaymentStatus(status)
		sale.AmountPaid = parseDecimal(paid)
		sale.Notes = notes.String
		sale.CreatedAt = parseTime(createdAt)
		sale.UpdatedAt = parseTime(updatedAt)
		out = append(out, sale)
	}
	return out, rows.Err()
}

// =============================================================================
// USERS
// =============================================================================

const userColumns = `id, full_name, username, phone, email, role, branch, active, created_at`

func (s *queries) CreateUser(ctx context.Context, u core.User) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.FullName, u.Username, nullString(u.Phone), nullString(u.Email),
		string(u.Role), nullString(string(u.Branch)), u.Active, formatTime(u.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &core.ConflictError{Kind: "user", Message: "Username " + u.Username + " is already taken"}
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *queries) GetUser(ctx context.Context, id string) (*core.User, error) {
	users, err := s.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return &users[0], nil
}

func (s *queries) GetUserByUsername(ctx context.Context, username string) (*core.User, error) {
	users, err := s.queryUsers(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return &users[0], nil
}

func (s *queries) ListUsers(ctx context.Context, f core.UserFilter) ([]core.User, error) {
	where, args := userWhere(f)
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users`+whereClause(where)+
		` ORDER BY created_at ASC, username ASC`, args...)
}

func (s *queries) CountUsers(ctx context.Context, f core.UserFilter) (int, error) {
	where, args := userWhere(f)
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`+whereClause(where), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

func userWhere(f core.UserFilter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(f.Role))
	}
	if f.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, string(f.Branch))
	}
	if f.ActiveOnly {
		where = append(where, "active = 1")
	}
	return where, args
}

func (s *queries) queryUsers(ctx context.Context, query string, args ...any) ([]core.User, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var out []core.User
	for rows.Next() {
		var (
			u                      core.User
			role, createdAt        string
			phone, email, branch   sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.FullName, &u.Username, &phone, &email, &role, &branch,
			&u.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.Phone = phone.String
		u.Email = email.String
		u.Role = core.Role(role)
		u.Branch = core.Branch(branch.String)
		u.CreatedAt = parseTime(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Helper functions

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NotFound(kind, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	d := parseDecimal(s.String)
	return &d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
