/*
Package stock is the stock ledger: one row per (product, branch).

PURPOSE:
  Tracks on-hand quantity, reorder threshold and procurement provenance
  per branch, and performs the decrements a sale needs.

KEY OPERATIONS:
  Procure:             Upsert. Overwrites quantity, never adds to it.
  ReserveAndDecrement: The sale path. Checks availability and writes
                       in one atomic store step.
  Restore:             Compensation for a sale that failed after some of
                       its items were already decremented.

CONCURRENCY:
  Quantity writes on the sale path use DecrementStockQuantity and
  IncrementStockQuantity. The store serializes each call, so two sales
  for the last unit cannot both succeed: the second sees the new
  quantity and fails with InsufficientStockError. Neither call fails
  because of contention, which keeps Restore safe to rely on.

SEE ALSO:
  - core/store.go: DecrementStockQuantity contract
  - sales/recorder.go: The main caller of ReserveAndDecrement and Restore
*/
package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kgl/produce-engine/access"
	"github.com/kgl/produce-engine/catalog"
	"github.com/kgl/produce-engine/core"
)

type Ledger struct {
	store   core.Store
	catalog *catalog.Catalog
	Clock   core.Clock
}

func NewLedger(store core.Store, products *catalog.Catalog) *Ledger {
	return &Ledger{store: store, catalog: products}
}

// Procurement describes a delivery. Either ProductID or ProductName must be
// set; a name that is not in the catalogue creates the product.
type Procurement struct {
	ProductID       string
	ProductName     string
	Category        string
	Unit            string
	Branch          core.Branch
	Quantity        decimal.Decimal
	ReorderLevel    *decimal.Decimal
	ReorderFraction *decimal.Decimal
	Supplier        string
	SupplierContact string
	CostPrice       *decimal.Decimal
	SellingPrice    *decimal.Decimal
	ProcurementDate *time.Time
	Notes           string
}

// StockAdjustment is a direct manager edit. Nil means unchanged.
type StockAdjustment struct {
	Quantity     *decimal.Decimal
	ReorderLevel *decimal.Decimal
}

// =============================================================================
// READS
// =============================================================================

// List returns the caller's branch stock. lowOnly keeps rows at or below
// their reorder level.
func (l *Ledger) List(ctx context.Context, id core.Identity, lowOnly bool) ([]core.Stock, error) {
	branch := access.Scope(id)
	if err := access.Authorize(id, access.Stock, access.List, branch); err != nil {
		return nil, err
	}
	rows, err := l.store.ListStock(ctx, core.StockFilter{Branch: branch})
	if err != nil {
		return nil, err
	}
	if !lowOnly {
		return rows, nil
	}
	low := rows[:0]
	for _, r := range rows {
		if r.IsLowStock() {
			low = append(low, r)
		}
	}
	return low, nil
}

// ByProduct returns the caller's branch row for productID.
func (l *Ledger) ByProduct(ctx context.Context, id core.Identity, productID string) (*core.Stock, error) {
	branch := access.Scope(id)
	if err := access.Authorize(id, access.Stock, access.View, branch); err != nil {
		return nil, err
	}
	row, err := l.store.FindStock(ctx, productID, branch)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &core.NotFoundError{Kind: "stock for product", ID: productID}
	}
	return row, nil
}

func (l *Ledger) Get(ctx context.Context, id core.Identity, stockID string) (*core.Stock, error) {
	if err := access.Authorize(id, access.Stock, access.View, access.Scope(id)); err != nil {
		return nil, err
	}
	row, err := l.load(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if err := access.Authorize(id, access.Stock, access.View, row.Branch); err != nil {
		return nil, err
	}
	return row, nil
}

// =============================================================================
// PROCUREMENT
// =============================================================================

// Procure records a delivery. created reports whether a new row was made.
func (l *Ledger) Procure(ctx context.Context, id core.Identity, in Procurement) (row *core.Stock, created bool, err error) {
	branch := in.Branch
	if branch == "" {
		branch = id.Branch
	}
	if err := access.Authorize(id, access.Stock, access.Create, branch); err != nil {
		return nil, false, err
	}
	if err := validateProcurement(branch, in); err != nil {
		return nil, false, err
	}

	productID, err := l.resolveProduct(ctx, id, in)
	if err != nil {
		return nil, false, err
	}

	now := l.Clock.Now()
	existing, err := l.store.FindStock(ctx, productID, branch)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return l.restock(ctx, id, *existing, in, now)
	}

	fresh := core.Stock{
		ID:              core.NewID(),
		ProductID:       productID,
		Branch:          branch,
		Quantity:        in.Quantity,
		ReorderLevel:    initialReorderLevel(in),
		Supplier:        in.Supplier,
		SupplierContact: in.SupplierContact,
		CostPrice:       in.CostPrice,
		SellingPrice:    in.SellingPrice,
		ProcurementDate: procurementDate(in, now),
		Notes:           in.Notes,
		LastRestocked:   &now,
		RestockedBy:     id.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = l.store.InsertStock(ctx, fresh)
	if core.IsConflict(err) {
		// another procurement created the row first
		existing, err = l.store.FindStock(ctx, productID, branch)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, &core.ConflictError{Kind: "stock", Message: "stock row changed concurrently"}
		}
		return l.restock(ctx, id, *existing, in, now)
	}
	if err != nil {
		return nil, false, err
	}
	return &fresh, true, nil
}

func (l *Ledger) restock(ctx context.Context, id core.Identity, row core.Stock, in Procurement, now time.Time) (*core.Stock, bool, error) {
	row.Quantity = in.Quantity
	if in.ReorderLevel != nil {
		row.ReorderLevel = *in.ReorderLevel
	} else if in.ReorderFraction != nil {
		row.ReorderLevel = in.Quantity.Mul(*in.ReorderFraction).Round(2)
	}
	if in.Supplier != "" {
		row.Supplier = in.Supplier
	}
	if in.SupplierContact != "" {
		row.SupplierContact = in.SupplierContact
	}
	if in.CostPrice != nil {
		row.CostPrice = in.CostPrice
	}
	if in.SellingPrice != nil {
		row.SellingPrice = in.SellingPrice
	}
	if in.Notes != "" {
		row.Notes = in.Notes
	}
	row.ProcurementDate = procurementDate(in, now)
	row.LastRestocked = &now
	row.RestockedBy = id.UserID
	row.UpdatedAt = now

	if err := l.store.UpdateStock(ctx, row); err != nil {
		return nil, false, err
	}
	return &row, false, nil
}

func (l *Ledger) resolveProduct(ctx context.Context, id core.Identity, in Procurement) (string, error) {
	if in.ProductID != "" {
		p, err := l.store.GetProduct(ctx, in.ProductID)
		if err != nil {
			return "", err
		}
		if p == nil {
			return "", core.NotFound("product", in.ProductID)
		}
		return p.ID, nil
	}
	if l.catalog == nil {
		return "", core.Invalid("product", "Product is required")
	}
	p, _, err := l.catalog.Ensure(ctx, id, catalog.NewProduct{Name: in.ProductName, Category: in.Category, Unit: in.Unit})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func validateProcurement(branch core.Branch, in Procurement) error {
	var errs core.ValidationErrors
	if !branch.Valid() {
		errs = append(errs, &core.ValidationError{Field: "branch", Message: "Invalid branch"})
	}
	if in.ProductID == "" && in.ProductName == "" {
		errs = append(errs, &core.ValidationError{Field: "product", Message: "Product is required"})
	}
	if in.Quantity.IsNegative() {
		errs = append(errs, &core.ValidationError{Field: "quantity", Message: "Quantity cannot be negative"})
	}
	if in.ReorderLevel != nil && in.ReorderLevel.IsNegative() {
		errs = append(errs, &core.ValidationError{Field: "reorderLevel", Message: "Reorder level cannot be negative"})
	}
	if in.ReorderFraction != nil && (in.ReorderFraction.IsNegative() || in.ReorderFraction.GreaterThan(decimal.NewFromInt(1))) {
		errs = append(errs, &core.ValidationError{Field: "reorderFraction", Message: "Reorder fraction must be between 0 and 1"})
	}
	if in.CostPrice != nil && in.CostPrice.IsNegative() {
		errs = append(errs, &core.ValidationError{Field: "costPrice", Message: "Cost price cannot be negative"})
	}
	if in.SellingPrice != nil && in.SellingPrice.IsNegative() {
		errs = append(errs, &core.ValidationError{Field: "sellingPrice", Message: "Selling price cannot be negative"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func initialReorderLevel(in Procurement) decimal.Decimal {
	switch {
	case in.ReorderLevel != nil:
		return *in.ReorderLevel
	case in.ReorderFraction != nil:
		return in.Quantity.Mul(*in.ReorderFraction).Round(2)
	default:
		return core.DefaultReorderLevel
	}
}

func procurementDate(in Procurement, now time.Time) *time.Time {
	if in.ProcurementDate != nil {
		return in.ProcurementDate
	}
	return &now
}

// =============================================================================
// DIRECT EDITS
// =============================================================================

// Adjust sets quantity and/or reorder level of a row directly.
func (l *Ledger) Adjust(ctx context.Context, id core.Identity, stockID string, in StockAdjustment) (*core.Stock, error) {
	row, err := l.authorizedRow(ctx, id, stockID, access.Update)
	if err != nil {
		return nil, err
	}
	if in.Quantity != nil && in.Quantity.IsNegative() {
		return nil, core.Invalid("quantity", "Quantity cannot be negative")
	}
	if in.ReorderLevel != nil && in.ReorderLevel.IsNegative() {
		return nil, core.Invalid("reorderLevel", "Reorder level cannot be negative")
	}

	if in.Quantity != nil {
		target := *in.Quantity
		row, err = l.swap(ctx, row.ID, func(current core.Stock) (decimal.Decimal, error) {
			return target, nil
		})
		if err != nil {
			return nil, err
		}
	}
	if in.ReorderLevel != nil {
		now := l.Clock.Now()
		if err := l.store.SetReorderLevel(ctx, row.ID, *in.ReorderLevel, now); err != nil {
			return nil, err
		}
		row.ReorderLevel = *in.ReorderLevel
		row.UpdatedAt = now
	}
	return row, nil
}

func (l *Ledger) UpdateReorderLevel(ctx context.Context, id core.Identity, stockID string, level decimal.Decimal) (*core.Stock, error) {
	return l.Adjust(ctx, id, stockID, StockAdjustment{ReorderLevel: &level})
}

// DecrementByID removes qty from a specific row on behalf of the caller.
func (l *Ledger) DecrementByID(ctx context.Context, id core.Identity, stockID string, qty decimal.Decimal) (*core.Stock, error) {
	row, err := l.authorizedRow(ctx, id, stockID, access.Decrement)
	if err != nil {
		return nil, err
	}
	return l.ReserveAndDecrement(ctx, row.ProductID, row.Branch, qty)
}

func (l *Ledger) authorizedRow(ctx context.Context, id core.Identity, stockID string, action access.Action) (*core.Stock, error) {
	if err := access.Authorize(id, access.Stock, action, access.Scope(id)); err != nil {
		return nil, err
	}
	row, err := l.load(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if err := access.Authorize(id, access.Stock, action, row.Branch); err != nil {
		return nil, err
	}
	return row, nil
}

// =============================================================================
// SALE PATH
// =============================================================================

// ReserveAndDecrement removes qty from the (productID, branch) row. It fails
// with *core.InsufficientStockError, leaving the row untouched, when the
// row holds less than qty. Callers authorize before calling.
func (l *Ledger) ReserveAndDecrement(ctx context.Context, productID string, branch core.Branch, qty decimal.Decimal) (*core.Stock, error) {
	if !qty.IsPositive() {
		return nil, core.Invalid("quantity", "Quantity must be greater than zero")
	}
	row, err := l.store.FindStock(ctx, productID, branch)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &core.NotFoundError{Kind: "stock for product", ID: productID}
	}

	current, ok, err := l.store.DecrementStockQuantity(ctx, row.ID, qty, l.Clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, l.insufficient(ctx, *current, qty)
	}
	return current, nil
}

// Restore adds qty back to the (productID, branch) row.
func (l *Ledger) Restore(ctx context.Context, productID string, branch core.Branch, qty decimal.Decimal) error {
	row, err := l.store.FindStock(ctx, productID, branch)
	if err != nil {
		return err
	}
	if row == nil {
		return &core.NotFoundError{Kind: "stock for product", ID: productID}
	}
	_, err = l.store.IncrementStockQuantity(ctx, row.ID, qty, l.Clock.Now())
	return err
}

func (l *Ledger) insufficient(ctx context.Context, row core.Stock, requested decimal.Decimal) error {
	name := row.ProductID
	if p, err := l.store.GetProduct(ctx, row.ProductID); err == nil && p != nil {
		name = p.Name
	}
	return &core.InsufficientStockError{ProductName: name, Available: row.Quantity, Requested: requested}
}

func (l *Ledger) load(ctx context.Context, stockID string) (*core.Stock, error) {
	row, err := l.store.GetStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, core.NotFound("stock", stockID)
	}
	return row, nil
}
