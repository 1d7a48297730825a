package sales_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgl/produce-engine/catalog"
	"github.com/kgl/produce-engine/core"
	"github.com/kgl/produce-engine/core/store"
	"github.com/kgl/produce-engine/sales"
	"github.com/kgl/produce-engine/stock"
	"github.com/kgl/produce-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	manager        = core.Identity{UserID: "u-mgr", Name: "Grace", Role: core.RoleManager, Branch: core.Maganjo}
	matuggaManager = core.Identity{UserID: "u-mgr2", Name: "Sam", Role: core.RoleManager, Branch: core.Matugga}
	agent          = core.Identity{UserID: "u-agt", Name: "Peter", Role: core.RoleSalesAgent, Branch: core.Maganjo}
	otherAgent     = core.Identity{UserID: "u-agt2", Name: "Ruth", Role: core.RoleSalesAgent, Branch: core.Maganjo}
	director       = core.Identity{UserID: "u-dir", Name: "Orban", Role: core.RoleDirector}
)

// 10:00 in Kampala.
var morning = time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)

type fixture struct {
	store    core.Store
	stock    *stock.Ledger
	recorder *sales.Recorder
	now      time.Time
}

func newFixture(t *testing.T, st core.Store) *fixture {
	t.Helper()
	f := &fixture{store: st, now: morning}
	clock := func() time.Time { return f.now }

	f.stock = stock.NewLedger(st, catalog.New(st))
	f.stock.Clock = clock
	f.recorder = sales.NewRecorder(st, f.stock, nil)
	f.recorder.Clock = clock
	return f
}

func newTestFixture(t *testing.T) *fixture {
	return newFixture(t, store.NewMemory())
}

func openSQLite(t *testing.T) core.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func (f *fixture) product(t *testing.T, name string, branch core.Branch, qty int64) core.Product {
	t.Helper()
	ctx := context.Background()
	p := core.Product{ID: core.NewID(), Name: name, Category: core.CategoryGrain, Unit: core.UnitKg, Active: true,
		CreatedAt: f.now, UpdatedAt: f.now}
	require.NoError(t, f.store.CreateProduct(ctx, p))
	if branch != "" {
		f.restock(t, p.ID, branch, qty)
	}
	return p
}

func (f *fixture) restock(t *testing.T, productID string, branch core.Branch, qty int64) {
	t.Helper()
	require.NoError(t, f.store.InsertStock(context.Background(), core.Stock{
		ID: core.NewID(), ProductID: productID, Branch: branch, Quantity: d(qty),
		ReorderLevel: core.DefaultReorderLevel, CreatedAt: f.now, UpdatedAt: f.now,
	}))
}

func (f *fixture) quantity(t *testing.T, productID string, branch core.Branch) decimal.Decimal {
	t.Helper()
	row, err := f.store.FindStock(context.Background(), productID, branch)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row.Quantity
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func dp(v int64) *decimal.Decimal {
	x := d(v)
	return &x
}

func line(p core.Product, qty, price int64) sales.NewSaleItem {
	return sales.NewSaleItem{ProductID: p.ID, Quantity: d(qty), UnitPrice: d(price)}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_CashSaleDecrementsStock(t *testing.T) {
	// GIVEN: MAIZE with 100kg in Maganjo
	// WHEN: An agent sells 30kg at 2000
	// THEN: Stock drops to 70, total is 60000 and the sale is paid
	for name, st := range map[string]core.Store{"memory": store.NewMemory(), "sqlite": openSQLite(t)} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, st)
			maize := f.product(t, "MAIZE", core.Maganjo, 100)

			sale, err := f.recorder.Create(context.Background(), agent, sales.NewSale{
				Items: []sales.NewSaleItem{line(maize, 30, 2000)},
			})
			require.NoError(t, err)

			assert.True(t, f.quantity(t, maize.ID, core.Maganjo).Equal(d(70)))
			assert.True(t, sale.TotalAmount.Equal(d(60000)))
			assert.Equal(t, core.PaymentPaid, sale.PaymentStatus)
			assert.Equal(t, core.PaymentCash, sale.PaymentMethod)
			assert.True(t, sale.AmountPaid.Equal(d(60000)))
			assert.Equal(t, "SALE-20250301-001", sale.SaleNumber)
			assert.Equal(t, "Peter", sale.AgentName)
			assert.Equal(t, core.Maganjo, sale.Branch)
			require.Len(t, sale.Items, 1)
			assert.Equal(t, "MAIZE", sale.Items[0].ProductName)

			stored, err := f.recorder.Get(context.Background(), agent, sale.ID)
			require.NoError(t, err)
			assert.Equal(t, sale.SaleNumber, stored.SaleNumber)
			assert.True(t, stored.Items[0].TotalPrice.Equal(d(60000)))
		})
	}
}

func TestCreate_CreditSaleIsPending(t *testing.T) {
	// GIVEN: The same basket marked as credit with no amount paid
	// THEN: The sale is pending with nothing paid and the full total owed
	f := newTestFixture(t)
	maize := f.product(t, "MAIZE", core.Maganjo, 100)

	sale, err := f.recorder.Create(context.Background(), agent, sales.NewSale{
		Items:        []sales.NewSaleItem{line(maize, 30, 2000)},
		IsCreditSale: true,
		CustomerName: "Okello",
	})
	require.NoError(t, err)

	assert.Equal(t, core.PaymentPending, sale.PaymentStatus)
	assert.True(t, sale.AmountPaid.IsZero())
	assert.True(t, sale.TotalAmount.Equal(d(60000)))
	assert.True(t, sale.Balance().Equal(d(60000)))
}

func TestCreate_CreditMethodImpliesCreditSale(t *testing.T) {
	f := newTestFixture(t)
	maize := f.product(t, "MAIZE", core.Maganjo, 100)

	sale, err := f.recorder.Create(context.Background(), agent, sales.NewSale{
		Items:         []sales.NewSaleItem{line(maize, 1, 2000)},
		PaymentMethod: "credit",
		AmountPaid:    dp(500),
	})
	require.NoError(t, err)
	assert.True(t, sale.IsCreditSale)
	assert.Equal(t, core.PaymentPending, sale.PaymentStatus)
	assert.True(t, sale.AmountPaid.Equal(d(500)))
}

func TestCreate_TotalsAreRecomputed(t *testing.T) {
	f := newTestFixture(t)
	maize := f.product(t, "MAIZE", core.Maganjo, 100)
	beans := f.product(t, "BEANS", core.Maganjo, 100)

	sale, err := f.recorder.Create(context.Background(), agent, sales.NewSale{
		Items: []sales.NewSaleItem{
			{ProductID: maize.ID, Quantity: decimal.RequireFromString("2.5"), UnitPrice: d(2000)},
			line(beans, 3, 4500),
		},
	})
	require.NoError(t, err)

	require.Len(t, sale.Items, 2)
	assert.True(t, sale.Items[0].TotalPrice.Equal(d(5000)))
	assert.True(t, sale.Items[1].TotalPrice.Equal(d(13500)))
	assert.True(t, sale.TotalAmount.Equal(d(18500)))
	assert.True(t, f.quantity(t, maize.ID, core.Maganjo).Equal(decimal.RequireFromString("97.5")))
}

func TestCreate_Validation(t *testing.T) {
	f := newTestFixture(t)
	maize := f.product(t, "MAIZE", core.Maganjo, 100)
	ctx := context.Background()

	tests := []struct {
		name string
		in   sales.NewSale
	}{
		{"no items", sales.NewSale{}},
		{"zero quantity", sales.NewSale{Items: []sales.NewSaleItem{line(maize, 0, 2000)}}},
		{"negative price", sales.NewSale{Items: []sales.NewSaleItem{line(maize, 1, -1)}}},
		{"bad method", sales.NewSale{Items: []sales.NewSaleItem{line(maize, 1, 1)}, PaymentMethod: "barter"}},
		{"bad phone", sales.NewSale{Items: []sales.NewSaleItem{line(maize, 1, 1)}, CustomerPhone: "12345"}},
		{"negative paid", sales.NewSale{Items: []sales.NewSaleItem{line(maize, 1, 1)}, AmountPaid: dp(-5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.recorder.Create(ctx, agent, tt.in)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}

	assert.True(t, f.quantity(t, maize.ID, core.Maganjo).Equal(d(100)), "validation failures touch no stock")

	_, err := f.recorder.Create(ctx, agent, sales.NewSale{
		Items:         []sales.NewSaleItem{line(maize, 1, 1)},
		CustomerPhone: "+256772123456",
	})
	assert.NoError(t, err)
}

func TestCreate_UnknownProduct(t *testing.T) {
	f := newTestFixture(t)
	_, err := f.recorder.Create(context.Background(), agent, sales.NewSale{
		Items: []sales.NewSaleItem{{ProductID: "ghost", Quantity: d(1), UnitPrice: d(1)}},
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreate_ProductNotStockedInBranch(t *testing.T) {
	f := newTestFixture(t)
	soy := f.product(t, "SOYBEANS", core.Matugga, 10)

	_, err := f.recorder.Create(context.Background(), agent, sales.NewSale{
		Items: []sales.NewSaleItem{line(soy, 1, 1)},
	})
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Contains(t, err.Error(), "SOYBEANS is not available in your branch")
}

func TestCreate_Authorization(t *testing.T) {
	f := newTestFixture(t)
	maize := f.product(t, "MAIZE", core.Matugga, 100)
	ctx := context.Background()

	_, err := f.recorder.Create(ctx, agent, sales.NewSale{Branch: core.Matugga, Items: []sales.NewSaleItem{line(maize, 1, 1)}})
	assert.ErrorIs(t, err, core.ErrForbidden, "agents sell in their own branch only")

	_, err = f.recorder.Create(ctx, director, sales.NewSale{Branch: core.Matugga, Items: []sales.NewSaleItem{line(maize, 1, 1)}})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.recorder.Create(ctx, core.Identity{}, sales.NewSale{Items: []sales.NewSaleItem{line(maize, 1, 1)}})
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	assert.True(t, f.quantity(t, maize.ID, core.Matugga).Equal(d(100)))
}

// =============================================================================
// COMPENSATION
// =============================================================================

func TestCreate_InsufficientStockRestoresEarlierLines(t *testing.T) {
	// GIVEN: MAIZE 100kg and BEANS 5kg in Maganjo
	// WHEN: A basket takes 40kg MAIZE then 10kg BEANS
	// THEN: The sale fails naming BEANS and MAIZE is back to 100
	for name, st := range map[string]core.Store{"memory": store.NewMemory(), "sqlite": openSQLite(t)} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, st)
			maize := f.product(t, "MAIZE", core.Maganjo, 100)
			beans := f.product(t, "BEANS", core.Maganjo, 5)

			_, err := f.recorder.Create(context.Background(), agent, sales.NewSale{
				Items: []sales.NewSaleItem{line(maize, 40, 2000), line(beans, 10, 4000)},
			})
			require.ErrorIs(t, err, core.ErrInsufficientStock)

			var insufficient *core.InsufficientStockError
			require.True(t, errors.As(err, &insufficient))
			assert.Equal(t, "BEANS", insufficient.ProductName)
			assert.True(t, insufficient.Available.Equal(d(5)))

			assert.True(t, f.quantity(t, maize.ID, core.Maganjo).Equal(d(100)))
			assert.True(t, f.quantity(t, beans.ID, core.Maganjo).Equal(d(5)))

			list, err := f.recorder.List(context.Background(), manager, sales.SaleQuery{})
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

// failingInsert hides the transaction support of the wrapped store and
// fails every sale insert.
type failingInsert struct {
	core.Store
}

func (failingInsert) InsertSale(context.Context, core.Sale) error {
	return errors.New("disk full")
}

func TestCreate_PersistFailureRestoresStock(t *testing.T) {
	mem := store.NewMemory()
	f := newFixture(t, failingInsert{Store: mem})
	maize := f.product(t, "MAIZE", core.Maganjo, 100)
	beans := f.product(t, "BEANS", core.Maganjo, 50)

	_, err := f.recorder.Create(context.Background(), agent, sales.NewSale{
		Items: []sales.NewSaleItem{line(maize, 30, 2000), line(beans, 20, 4000)},
	})
	require.EqualError(t, err, "disk full")

	assert.True(t, f.quantity(t, maize.ID, core.Maganjo).Equal(d(100)))
	assert.True(t, f.quantity(t, beans.ID, core.Maganjo).Equal(d(50)))
}

func TestCreate_ConcurrentSalesAndAbortedBaskets(t *testing.T) {
	// GIVEN: Plenty of MAIZE and 5kg of BEANS in Maganjo
	// WHEN: One-line MAIZE sales race against baskets that fail on BEANS
	// THEN: Every valid sale lands with its own number
	// AND: Aborted baskets give their MAIZE back
	for name, st := range map[string]core.Store{"memory": store.NewMemory(), "sqlite": openSQLite(t)} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, st)
			maize := f.product(t, "MAIZE", core.Maganjo, 10000)
			beans := f.product(t, "BEANS", core.Maganjo, 5)
			ctx := context.Background()

			const n = 150
			var (
				wg        sync.WaitGroup
				start     = make(chan struct{})
				recorded  = make([]*core.Sale, n)
				validErrs = make([]error, n)
				aborted   = make([]error, n)
			)
			for i := 0; i < n; i++ {
				wg.Add(2)
				go func(i int) {
					defer wg.Done()
					<-start
					recorded[i], validErrs[i] = f.recorder.Create(ctx, agent, sales.NewSale{
						Items: []sales.NewSaleItem{line(maize, 1, 2000)},
					})
				}(i)
				go func(i int) {
					defer wg.Done()
					<-start
					_, aborted[i] = f.recorder.Create(ctx, otherAgent, sales.NewSale{
						Items: []sales.NewSaleItem{line(maize, 1, 2000), line(beans, 10, 4000)},
					})
				}(i)
			}
			close(start)
			wg.Wait()

			numbers := make(map[string]bool, n)
			for i := 0; i < n; i++ {
				require.NoError(t, validErrs[i])
				require.ErrorIs(t, aborted[i], core.ErrInsufficientStock)
				numbers[recorded[i].SaleNumber] = true
			}
			assert.Len(t, numbers, n, "sale numbers are unique")

			remaining := f.quantity(t, maize.ID, core.Maganjo)
			assert.True(t, remaining.Equal(d(10000-n)), remaining.String())
			assert.True(t, f.quantity(t, beans.ID, core.Maganjo).Equal(d(5)))

			list, err := f.recorder.List(ctx, manager, sales.SaleQuery{})
			require.NoError(t, err)
			assert.Len(t, list, n)
		})
	}
}

// =============================================================================
// NUMBERING
// =============================================================================

func TestCreate_SaleNumbersRestartDaily(t *testing.T) {
	for name, st := range map[string]core.Store{"memory": store.NewMemory(), "sqlite": openSQLite(t)} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, st)
			maize := f.product(t, "MAIZE", core.Maganjo, 1000)
			ctx := context.Background()

			var numbers []string
			for i := 0; i < 3; i++ {
				s, err := f.recorder.Create(ctx, agent, sales.NewSale{Items: []sales.NewSaleItem{line(maize, 1, 100)}})
				require.NoError(t, err)
				numbers = append(numbers, s.SaleNumber)
			}
			assert.Equal(t, []string{"SALE-20250301-001", "SALE-20250301-002", "SALE-20250301-003"}, numbers)

			// 22:30 UTC is already the next day in Kampala.
			f.now = time.Date(2025, 3, 1, 22, 30, 0, 0, time.UTC)
			s, err := f.recorder.Create(ctx, agent, sales.NewSale{Items: []sales.NewSaleItem{line(maize, 1, 100)}})
			require.NoError(t, err)
			assert.Equal(t, "SALE-20250302-001", s.SaleNumber)
		})
	}
}

func TestCreate_FailedSaleConsumesNoNumber(t *testing.T) {
	f := newTestFixture(t)
	maize := f.product(t, "MAIZE", core.Maganjo, 10)
	ctx := context.Background()

	_, err := f.recorder.Create(ctx, agent, sales.NewSale{Items: []sales.NewSaleItem{line(maize, 11, 100)}})
	require.ErrorIs(t, err, core.ErrInsufficientStock)

	s, err := f.recorder.Create(ctx, agent, sales.NewSale{Items: []sales.NewSaleItem{line(maize, 1, 100)}})
	require.NoError(t, err)
	assert.Equal(t, "SALE-20250301-001", s.SaleNumber)
}

func TestFormatSaleNumber(t *testing.T) {
	assert.Equal(t, "SALE-20250301-007", sales.FormatSaleNumber("20250301", 7))
	assert.Equal(t, "SALE-20250301-1234", sales.FormatSaleNumber("20250301", 1234))
}

// =============================================================================
// READS
// =============================================================================

func TestListAndGet_Visibility(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	maize := f.product(t, "MAIZE", core.Maganjo, 100)
	f.restock(t, maize.ID, core.Matugga, 100)

	mine, err := f.recorder.Create(ctx, agent, sales.NewSale{Items: []sales.NewSaleItem{line(maize, 1, 100)}})
	require.NoError(t, err)
	theirs, err := f.recorder.Create(ctx, otherAgent, sales.NewSale{Items: []sales.NewSaleItem{line(maize, 2, 100)}})
	require.NoError(t, err)
	_, err = f.recorder.Create(ctx, matuggaManager, sales.NewSale{Items: []sales.NewSaleItem{line(maize, 3, 100)}})
	require.NoError(t, err)

	agentList, err := f.recorder.List(ctx, agent, sales.SaleQuery{})
	require.NoError(t, err)
	require.Len(t, agentList, 1)
	assert.Equal(t, mine.ID, agentList[0].ID)

	managerList, err := f.recorder.List(ctx, manager, sales.SaleQuery{})
	require.NoError(t, err)
	assert.Len(t, managerList, 2)

	_, err = f.recorder.Get(ctx, agent, theirs.ID)
	assert.ErrorIs(t, err, core.ErrForbidden, "agents see their own sales only")

	_, err = f.recorder.Get(ctx, matuggaManager, mine.ID)
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.recorder.Get(ctx, manager, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.recorder.List(ctx, director, sales.SaleQuery{})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestSummary(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	maize := f.product(t, "MAIZE", core.Maganjo, 100)

	_, err := f.recorder.Create(ctx, agent, sales.NewSale{Items: []sales.NewSaleItem{line(maize, 10, 1000)}})
	require.NoError(t, err)
	_, err = f.recorder.Create(ctx, agent, sales.NewSale{
		Items: []sales.NewSaleItem{line(maize, 5, 1000)}, IsCreditSale: true, AmountPaid: dp(1000),
	})
	require.NoError(t, err)

	sum, err := f.recorder.Summary(ctx, manager, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalSales)
	assert.Equal(t, 1, sum.CreditSales)
	assert.True(t, sum.TotalRevenue.Equal(d(15000)))
	assert.True(t, sum.TotalPaid.Equal(d(11000)))
	assert.True(t, sum.PendingAmount.Equal(d(4000)))

	empty, err := f.recorder.Summary(ctx, matuggaManager, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, empty.TotalSales)
	assert.True(t, empty.TotalRevenue.IsZero())
}

// =============================================================================
// PAYMENT
// =============================================================================

func TestUpdatePayment(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	maize := f.product(t, "MAIZE", core.Maganjo, 100)

	sale, err := f.recorder.Create(ctx, agent, sales.NewSale{
		Items: []sales.NewSaleItem{line(maize, 10, 1000)}, IsCreditSale: true,
	})
	require.NoError(t, err)

	partial := core.PaymentPartial
	updated, err := f.recorder.UpdatePayment(ctx, manager, sale.ID, sales.PaymentUpdate{PaymentStatus: &partial, AmountPaid: dp(4000)})
	require.NoError(t, err)
	assert.Equal(t, core.PaymentPartial, updated.PaymentStatus)
	assert.True(t, updated.AmountPaid.Equal(d(4000)))

	stored, err := f.recorder.Get(ctx, manager, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PaymentPartial, stored.PaymentStatus)
	assert.True(t, stored.TotalAmount.Equal(d(10000)), "totals are immutable")

	// Only the provided field changes.
	paid := core.PaymentPaid
	updated, err = f.recorder.UpdatePayment(ctx, manager, sale.ID, sales.PaymentUpdate{PaymentStatus: &paid})
	require.NoError(t, err)
	assert.True(t, updated.AmountPaid.Equal(d(4000)))

	_, err = f.recorder.UpdatePayment(ctx, agent, sale.ID, sales.PaymentUpdate{PaymentStatus: &paid})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.recorder.UpdatePayment(ctx, matuggaManager, sale.ID, sales.PaymentUpdate{PaymentStatus: &paid})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.recorder.UpdatePayment(ctx, manager, sale.ID, sales.PaymentUpdate{AmountPaid: dp(-1)})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.recorder.UpdatePayment(ctx, manager, sale.ID, sales.PaymentUpdate{})
	assert.ErrorIs(t, err, core.ErrValidation)
}
