/*
Package sales is the sale recorder.

PURPOSE:
  Turns a validated basket into a persisted sale: decrements stock for
  every line, recomputes totals, assigns the day's next sale number and
  stores the record. Also serves sale reads, payment updates and the
  sales summary.

ALL-OR-NOTHING:
  Lines are decremented one at a time through the stock ledger. Each
  successful decrement is remembered; if a later line, the numbering or
  the insert fails, the remembered decrements are restored in reverse
  order before the error is returned. Stock is never left reduced for a
  sale that does not exist.

DERIVED FIELDS:
  - item.TotalPrice = Quantity x UnitPrice, TotalAmount = sum of lines.
    Caller-supplied totals are never read.
  - PaymentStatus = pending for credit sales, paid otherwise.
  - AmountPaid defaults to 0 for credit sales and to TotalAmount
    otherwise.
  - SaleNumber = SALE-YYYYMMDD-NNN, the day taken in the business
    timezone and NNN from the store's per-day counter.

SEE ALSO:
  - stock/ledger.go: ReserveAndDecrement, Restore
  - core/store.go: NextSaleSequence
*/
package sales

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kgl/produce-engine/access"
	"github.com/kgl/produce-engine/core"
	"github.com/kgl/produce-engine/stock"
)

type Recorder struct {
	store    core.Store
	stock    *stock.Ledger
	log      logrus.FieldLogger
	Clock    core.Clock
	Location *time.Location
}

func NewRecorder(store core.Store, stockLedger *stock.Ledger, log logrus.FieldLogger) *Recorder {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Recorder{store: store, stock: stockLedger, log: log, Location: core.DefaultLocation}
}

type NewSaleItem struct {
	ProductID string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// NewSale is the caller's basket. Branch defaults to the caller's own.
type NewSale struct {
	Branch        core.Branch
	Items         []NewSaleItem
	PaymentMethod string
	CustomerName  string
	CustomerPhone string
	IsCreditSale  bool
	AmountPaid    *decimal.Decimal
	Notes         string
}

type SaleQuery struct {
	From          time.Time
	To            time.Time
	PaymentStatus core.PaymentStatus
	IsCredit      *bool
}

type PaymentUpdate struct {
	PaymentStatus *core.PaymentStatus
	AmountPaid    *decimal.Decimal
}

type Summary struct {
	TotalSales    int
	TotalRevenue  decimal.Decimal
	TotalPaid     decimal.Decimal
	CreditSales   int
	PendingAmount decimal.Decimal
}

// reservation is one completed decrement, kept for compensation.
type reservation struct {
	productID string
	quantity  decimal.Decimal
}

// =============================================================================
// CREATE
// =============================================================================

func (r *Recorder) Create(ctx context.Context, id core.Identity, in NewSale) (*core.Sale, error) {
	branch := in.Branch
	if branch == "" {
		branch = id.Branch
	}
	if err := access.Authorize(id, access.Sale, access.Create, branch); err != nil {
		return nil, err
	}

	method, err := validate(in)
	if err != nil {
		return nil, err
	}
	isCredit := in.IsCreditSale || method == core.PaymentCredit

	items, err := r.resolveItems(ctx, in.Items)
	if err != nil {
		return nil, err
	}

	var reserved []reservation
	fail := func(cause error) (*core.Sale, error) {
		r.compensate(ctx, branch, reserved, cause)
		return nil, cause
	}

	for _, it := range items {
		if _, err := r.stock.ReserveAndDecrement(ctx, it.ProductID, branch, it.Quantity); err != nil {
			if core.IsNotFound(err) {
				err = &core.ValidationError{Field: "items", Message: it.ProductName + " is not available in your branch"}
			}
			return fail(err)
		}
		reserved = append(reserved, reservation{productID: it.ProductID, quantity: it.Quantity})
	}

	total := decimal.Zero
	for i := range items {
		items[i].TotalPrice = items[i].Quantity.Mul(items[i].UnitPrice)
		total = total.Add(items[i].TotalPrice)
	}

	status := core.PaymentPaid
	paid := total
	if isCredit {
		status = core.PaymentPending
		paid = decimal.Zero
	}
	if in.AmountPaid != nil {
		paid = *in.AmountPaid
	}

	now := r.Clock.Now()
	sale := core.Sale{
		ID:            core.NewID(),
		Branch:        branch,
		AgentID:       id.UserID,
		AgentName:     id.Name,
		Items:         items,
		TotalAmount:   total,
		PaymentMethod: method,
		CustomerName:  strings.TrimSpace(in.CustomerName),
		CustomerPhone: strings.TrimSpace(in.CustomerPhone),
		IsCreditSale:  isCredit,
		PaymentStatus: status,
		AmountPaid:    paid,
		Notes:         strings.TrimSpace(in.Notes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = core.Atomically(ctx, r.store, func(st core.Store) error {
		day := core.DayKey(now, r.Location)
		seq, err := st.NextSaleSequence(ctx, day)
		if err != nil {
			return err
		}
		sale.SaleNumber = FormatSaleNumber(day, seq)
		return st.InsertSale(ctx, sale)
	})
	if err != nil {
		return fail(err)
	}

	r.log.WithFields(logrus.Fields{
		"saleNumber": sale.SaleNumber,
		"branch":     sale.Branch,
		"agent":      sale.AgentID,
		"total":      sale.TotalAmount.String(),
	}).Info("sale recorded")
	return &sale, nil
}

// FormatSaleNumber renders SALE-YYYYMMDD-NNN. Sequences past 999 widen.
func FormatSaleNumber(day string, seq int) string {
	return fmt.Sprintf("SALE-%s-%03d", day, seq)
}

func validate(in NewSale) (core.PaymentMethod, error) {
	var errs core.ValidationErrors

	if len(in.Items) == 0 {
		errs = append(errs, &core.ValidationError{Field: "items", Message: "At least one item is required"})
	}
	for i, it := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if it.ProductID == "" {
			errs = append(errs, &core.ValidationError{Field: field + ".product", Message: "Product is required"})
		}
		if !it.Quantity.IsPositive() {
			errs = append(errs, &core.ValidationError{Field: field + ".quantity", Message: "Quantity must be greater than zero"})
		}
		if it.UnitPrice.IsNegative() {
			errs = append(errs, &core.ValidationError{Field: field + ".unitPrice", Message: "Unit price cannot be negative"})
		}
	}

	method, err := core.ParsePaymentMethod(in.PaymentMethod)
	if err != nil {
		errs = append(errs, err.(*core.ValidationError))
	}
	if phone := strings.TrimSpace(in.CustomerPhone); phone != "" && !core.ValidPhone(phone) {
		errs = append(errs, &core.ValidationError{Field: "customerPhone", Message: "Invalid phone number format"})
	}
	if in.AmountPaid != nil && in.AmountPaid.IsNegative() {
		errs = append(errs, &core.ValidationError{Field: "amountPaid", Message: "Amount paid cannot be negative"})
	}

	if len(errs) > 0 {
		return "", errs
	}
	return method, nil
}

// resolveItems snapshots product name and unit onto each line.
func (r *Recorder) resolveItems(ctx context.Context, in []NewSaleItem) ([]core.SaleItem, error) {
	items := make([]core.SaleItem, 0, len(in))
	for _, it := range in {
		p, err := r.store.GetProduct(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, core.NotFound("product", it.ProductID)
		}
		if !p.Active {
			return nil, core.Invalid("items", p.Name+" is no longer sold")
		}
		items = append(items, core.SaleItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			Unit:        p.Unit,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}
	return items, nil
}

// compensate restores completed decrements, newest first. It detaches from
// the request's cancellation so a cancelled request still gives its stock
// back.
func (r *Recorder) compensate(ctx context.Context, branch core.Branch, reserved []reservation, cause error) {
	if len(reserved) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	for i := len(reserved) - 1; i >= 0; i-- {
		res := reserved[i]
		entry := r.log.WithFields(logrus.Fields{
			"branch":   branch,
			"product":  res.productID,
			"quantity": res.quantity.String(),
			"cause":    cause.Error(),
		})
		if err := r.stock.Restore(ctx, res.productID, branch, res.quantity); err != nil {
			entry.WithError(err).Error("failed to restore stock after aborted sale")
			continue
		}
		entry.Warn("restored stock after aborted sale")
	}
}

// =============================================================================
// READS
// =============================================================================

func (r *Recorder) Get(ctx context.Context, id core.Identity, saleID string) (*core.Sale, error) {
	if err := access.Authorize(id, access.Sale, access.View, access.Scope(id)); err != nil {
		return nil, err
	}
	sale, err := r.load(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if err := access.Authorize(id, access.Sale, access.View, sale.Branch); err != nil {
		return nil, err
	}
	if access.OwnSalesOnly(id) && sale.AgentID != id.UserID {
		return nil, &core.ForbiddenError{Role: id.Role, Resource: string(access.Sale), Action: string(access.View)}
	}
	return sale, nil
}

// List returns the sales visible to the caller, newest first.
func (r *Recorder) List(ctx context.Context, id core.Identity, q SaleQuery) ([]core.Sale, error) {
	branch := access.Scope(id)
	if err := access.Authorize(id, access.Sale, access.List, branch); err != nil {
		return nil, err
	}
	return r.store.ListSales(ctx, r.filter(id, q))
}

// Summary totals the caller's visible sales in [from, to]. Zero bounds are
// open.
func (r *Recorder) Summary(ctx context.Context, id core.Identity, from, to time.Time) (*Summary, error) {
	if err := access.Authorize(id, access.SalesSummary, access.View, access.Scope(id)); err != nil {
		return nil, err
	}
	rows, err := r.store.ListSales(ctx, r.filter(id, SaleQuery{From: from, To: to}))
	if err != nil {
		return nil, err
	}

	sum := &Summary{TotalRevenue: decimal.Zero, TotalPaid: decimal.Zero, PendingAmount: decimal.Zero}
	for _, s := range rows {
		sum.TotalSales++
		sum.TotalRevenue = sum.TotalRevenue.Add(s.TotalAmount)
		sum.TotalPaid = sum.TotalPaid.Add(s.AmountPaid)
		sum.PendingAmount = sum.PendingAmount.Add(s.Outstanding())
		if s.IsCreditSale {
			sum.CreditSales++
		}
	}
	return sum, nil
}

func (r *Recorder) filter(id core.Identity, q SaleQuery) core.SaleFilter {
	f := core.SaleFilter{
		Branch:        access.Scope(id),
		From:          q.From,
		To:            q.To,
		PaymentStatus: q.PaymentStatus,
		IsCredit:      q.IsCredit,
	}
	if access.OwnSalesOnly(id) {
		f.AgentID = id.UserID
	}
	return f
}

// =============================================================================
// PAYMENT
// =============================================================================

// UpdatePayment changes the only mutable fields of a sale.
func (r *Recorder) UpdatePayment(ctx context.Context, id core.Identity, saleID string, in PaymentUpdate) (*core.Sale, error) {
	if err := access.Authorize(id, access.Sale, access.Update, access.Scope(id)); err != nil {
		return nil, err
	}
	sale, err := r.load(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if err := access.Authorize(id, access.Sale, access.Update, sale.Branch); err != nil {
		return nil, err
	}

	if in.PaymentStatus == nil && in.AmountPaid == nil {
		return nil, core.Invalid("paymentStatus", "Nothing to update")
	}
	if in.AmountPaid != nil && in.AmountPaid.IsNegative() {
		return nil, core.Invalid("amountPaid", "Amount paid cannot be negative")
	}

	if in.PaymentStatus != nil {
		sale.PaymentStatus = *in.PaymentStatus
	}
	if in.AmountPaid != nil {
		sale.AmountPaid = *in.AmountPaid
	}
	sale.UpdatedAt = r.Clock.Now()

	if err := r.store.UpdateSalePayment(ctx, sale.ID, sale.PaymentStatus, sale.AmountPaid, sale.UpdatedAt); err != nil {
		return nil, err
	}
	return sale, nil
}

func (r *Recorder) load(ctx context.Context, saleID string) (*core.Sale, error) {
	sale, err := r.store.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, core.NotFound("sale", saleID)
	}
	return sale, nil
}
