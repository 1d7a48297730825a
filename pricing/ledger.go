/*
Package pricing is the price ledger.

PURPOSE:
  Keeps every selling/cost price a branch has ever used for a product and
  marks exactly one of them active per (product, branch).

KEY CONCEPTS:
  - Scope: prices are per branch. The same product may carry different
    prices in Maganjo and Matugga.
  - New price event (Set): always a new row. History is never rewritten.
  - Correction (Update): in-place edit of a row's values, no new history.
  - Deactivate: clears the active flag; the product may then have no
    active price until the next Set.

ACTIVATION ORDER:
  Set inserts the new active row first and then deactivates every other
  active row of the scope, inside one transaction when the store offers
  one. Without a transaction a crash between the steps leaves two active
  rows, never zero; reads resolve that by taking the newest row.

SEE ALSO:
  - core/types.go: Price, ProfitMargin
  - access/policy.go: Who may read and write prices
*/
package pricing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kgl/produce-engine/access"
	"github.com/kgl/produce-engine/core"
)

type Ledger struct {
	store core.Store
	Clock core.Clock
}

func NewLedger(store core.Store) *Ledger {
	return &Ledger{store: store}
}

// SetPrice is a new price event for (ProductID, Branch). An empty Branch
// means the caller's own branch.
type SetPrice struct {
	ProductID    string
	Branch       core.Branch
	SellingPrice decimal.Decimal
	CostPrice    decimal.Decimal
}

// PriceCorrection edits the values of an existing row. Nil means unchanged.
type PriceCorrection struct {
	SellingPrice *decimal.Decimal
	CostPrice    *decimal.Decimal
}

// =============================================================================
// READS
// =============================================================================

// List returns the prices of the caller's branch, newest first. With
// activeOnly set, each product appears at most once.
func (l *Ledger) List(ctx context.Context, id core.Identity, activeOnly bool) ([]core.Price, error) {
	branch := access.Scope(id)
	if err := access.Authorize(id, access.Price, access.List, branch); err != nil {
		return nil, err
	}

	filter := core.PriceFilter{Branch: branch}
	if activeOnly {
		active := true
		filter.Active = &active
	}
	prices, err := l.store.ListPrices(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return prices, nil
	}
	return latestPerProduct(prices), nil
}

// Active returns the active price of productID in the caller's branch.
func (l *Ledger) Active(ctx context.Context, id core.Identity, productID string) (*core.Price, error) {
	branch := access.Scope(id)
	if err := access.Authorize(id, access.Price, access.View, branch); err != nil {
		return nil, err
	}
	p, err := l.active(ctx, l.store, productID, branch)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &core.NotFoundError{Kind: "active price", ID: productID}
	}
	return p, nil
}

// History returns every row for productID in the caller's branch, newest
// first.
func (l *Ledger) History(ctx context.Context, id core.Identity, productID string) ([]core.Price, error) {
	branch := access.Scope(id)
	if err := access.Authorize(id, access.Price, access.History, branch); err != nil {
		return nil, err
	}
	product, err := l.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, core.NotFound("product", productID)
	}
	return l.store.ListPrices(ctx, core.PriceFilter{ProductID: productID, Branch: branch})
}

// ActiveCost is the active cost price of productID in branch. It applies no
// access policy and serves internal readers such as the aggregator.
func (l *Ledger) ActiveCost(ctx context.Context, productID string, branch core.Branch) (decimal.Decimal, bool, error) {
	p, err := l.active(ctx, l.store, productID, branch)
	if err != nil || p == nil {
		return decimal.Zero, false, err
	}
	return p.CostPrice, true, nil
}

func (l *Ledger) active(ctx context.Context, st core.Store, productID string, branch core.Branch) (*core.Price, error) {
	active := true
	prices, err := st.ListPrices(ctx, core.PriceFilter{ProductID: productID, Branch: branch, Active: &active})
	if err != nil || len(prices) == 0 {
		return nil, err
	}
	newest := prices[0]
	for _, p := range prices[1:] {
		if p.NewerThan(newest) {
			newest = p
		}
	}
	return &newest, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Set records a new active price and retires the previous one.
func (l *Ledger) Set(ctx context.Context, id core.Identity, in SetPrice) (*core.Price, error) {
	branch := in.Branch
	if branch == "" {
		branch = id.Branch
	}
	if err := access.Authorize(id, access.Price, access.Create, branch); err != nil {
		return nil, err
	}
	if !branch.Valid() {
		return nil, core.Invalid("branch", "Invalid branch")
	}
	if err := validateAmounts(&in.SellingPrice, &in.CostPrice); err != nil {
		return nil, err
	}

	product, err := l.store.GetProduct(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, core.Invalid("product", "Product not found")
	}

	now := l.Clock.Now()
	price := core.Price{
		ID:           core.NewID(),
		ProductID:    in.ProductID,
		Branch:       branch,
		SellingPrice: in.SellingPrice,
		CostPrice:    in.CostPrice,
		EffectiveAt:  now,
		UpdatedBy:    id.UserID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = core.Atomically(ctx, l.store, func(st core.Store) error {
		if err := st.InsertPrice(ctx, price); err != nil {
			return err
		}
		return st.DeactivateOtherPrices(ctx, price.ProductID, price.Branch, price.ID, now)
	})
	if err != nil {
		return nil, err
	}
	return &price, nil
}

// Update corrects the values of an existing row in place.
func (l *Ledger) Update(ctx context.Context, id core.Identity, priceID string, in PriceCorrection) (*core.Price, error) {
	if err := access.Authorize(id, access.Price, access.Update, access.Scope(id)); err != nil {
		return nil, err
	}
	price, err := l.load(ctx, priceID)
	if err != nil {
		return nil, err
	}
	if err := access.Authorize(id, access.Price, access.Update, price.Branch); err != nil {
		return nil, err
	}
	if err := validateAmounts(in.SellingPrice, in.CostPrice); err != nil {
		return nil, err
	}

	if in.SellingPrice != nil {
		price.SellingPrice = *in.SellingPrice
	}
	if in.CostPrice != nil {
		price.CostPrice = *in.CostPrice
	}
	price.UpdatedBy = id.UserID
	price.UpdatedAt = l.Clock.Now()

	if err := l.store.UpdatePrice(ctx, *price); err != nil {
		return nil, err
	}
	return price, nil
}

// Deactivate retires a price without replacing it.
func (l *Ledger) Deactivate(ctx context.Context, id core.Identity, priceID string) (*core.Price, error) {
	if err := access.Authorize(id, access.Price, access.Delete, access.Scope(id)); err != nil {
		return nil, err
	}
	price, err := l.load(ctx, priceID)
	if err != nil {
		return nil, err
	}
	if err := access.Authorize(id, access.Price, access.Delete, price.Branch); err != nil {
		return nil, err
	}

	price.Active = false
	price.UpdatedBy = id.UserID
	price.UpdatedAt = l.Clock.Now()
	if err := l.store.UpdatePrice(ctx, *price); err != nil {
		return nil, err
	}
	return price, nil
}

func (l *Ledger) load(ctx context.Context, priceID string) (*core.Price, error) {
	price, err := l.store.GetPrice(ctx, priceID)
	if err != nil {
		return nil, err
	}
	if price == nil {
		return nil, core.NotFound("price", priceID)
	}
	return price, nil
}

func validateAmounts(selling, cost *decimal.Decimal) error {
	var errs core.ValidationErrors
	if selling != nil && selling.IsNegative() {
		errs = append(errs, &core.ValidationError{Field: "sellingPrice", Message: "Selling price cannot be negative"})
	}
	if cost != nil && cost.IsNegative() {
		errs = append(errs, &core.ValidationError{Field: "costPrice", Message: "Cost price cannot be negative"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// latestPerProduct keeps the first row seen per product from a newest-first
// list.
func latestPerProduct(prices []core.Price) []core.Price {
	seen := make(map[string]bool, len(prices))
	out := prices[:0]
	for _, p := range prices {
		if seen[p.ProductID] {
			continue
		}
		seen[p.ProductID] = true
		out = append(out, p)
	}
	return out
}

// Margin is a convenience for callers rendering a price.
func Margin(p core.Price) float64 {
	m, _ := p.ProfitMargin().Round(2).Float64()
	return m
}
