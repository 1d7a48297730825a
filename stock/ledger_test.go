package stock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgl/produce-engine/catalog"
	"github.com/kgl/produce-engine/core"
	"github.com/kgl/produce-engine/core/store"
	"github.com/kgl/produce-engine/stock"
	"github.com/kgl/produce-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	maganjoManager = core.Identity{UserID: "u-mgr", Name: "Grace", Role: core.RoleManager, Branch: core.Maganjo}
	matuggaManager = core.Identity{UserID: "u-mgr2", Name: "Sam", Role: core.RoleManager, Branch: core.Matugga}
	agent          = core.Identity{UserID: "u-agt", Name: "Peter", Role: core.RoleSalesAgent, Branch: core.Maganjo}
	director       = core.Identity{UserID: "u-dir", Name: "Orban", Role: core.RoleDirector}
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
func dp(v int64) *decimal.Decimal {
	x := decimal.NewFromInt(v)
	return &x
}

func newTestLedger(t *testing.T, st core.Store) *stock.Ledger {
	t.Helper()
	cat := catalog.New(st)
	cat.Clock = core.FixedClock(t0)
	l := stock.NewLedger(st, cat)
	l.Clock = core.FixedClock(t0)
	return l
}

func seedProduct(t *testing.T, st core.Store, name string) core.Product {
	t.Helper()
	p := core.Product{ID: core.NewID(), Name: name, Category: core.CategoryGrain, Unit: core.UnitKg,
		Active: true, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, st.CreateProduct(context.Background(), p))
	return p
}

func stores(t *testing.T) map[string]core.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return map[string]core.Store{"memory": store.NewMemory(), "sqlite": s}
}

// =============================================================================
// PROCUREMENT
// =============================================================================

func TestProcure_UpsertOverwritesQuantity(t *testing.T) {
	// GIVEN: No MAIZE stock in Matugga
	// WHEN: Two procurements for MAIZE in Matugga
	// THEN: One row exists, with the second quantity, stamped as restocked
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLedger(t, st)
			maize := seedProduct(t, st, "MAIZE")

			row, created, err := l.Procure(ctx, matuggaManager, stock.Procurement{ProductID: maize.ID, Quantity: d(5000)})
			require.NoError(t, err)
			assert.True(t, created)
			assert.True(t, row.Quantity.Equal(d(5000)))
			assert.True(t, row.ReorderLevel.Equal(core.DefaultReorderLevel))
			require.NotNil(t, row.LastRestocked)
			assert.True(t, row.LastRestocked.Equal(t0))
			assert.Equal(t, matuggaManager.UserID, row.RestockedBy)

			again, created, err := l.Procure(ctx, matuggaManager, stock.Procurement{ProductID: maize.ID, Quantity: d(1200), Supplier: "Kigezi Farms"})
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, row.ID, again.ID)
			assert.True(t, again.Quantity.Equal(d(1200)), "procurement overwrites, it does not add")

			rows, err := st.ListStock(ctx, core.StockFilter{Branch: core.Matugga})
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.True(t, rows[0].Quantity.Equal(d(1200)))
			assert.Equal(t, "Kigezi Farms", rows[0].Supplier)
		})
	}
}

func TestProcure_ReorderFraction(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)
	maize := seedProduct(t, st, "MAIZE")

	fraction := decimal.RequireFromString("0.1")
	row, _, err := l.Procure(context.Background(), maganjoManager, stock.Procurement{
		ProductID: maize.ID, Quantity: d(800), ReorderFraction: &fraction,
	})
	require.NoError(t, err)
	assert.True(t, row.ReorderLevel.Equal(d(80)))
}

func TestProcure_ByNameCreatesProduct(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)
	ctx := context.Background()

	row, created, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductName: "soya beans", Category: "Legume", Quantity: d(300)})
	require.NoError(t, err)
	assert.True(t, created)

	p, err := st.GetProductByName(ctx, "SOYA BEANS")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, p.ID, row.ProductID)
}

func TestProcure_Authorization(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)
	ctx := context.Background()
	maize := seedProduct(t, st, "MAIZE")

	_, _, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: maize.ID, Branch: core.Matugga, Quantity: d(1)})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, _, err = l.Procure(ctx, agent, stock.Procurement{ProductID: maize.ID, Quantity: d(1)})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = l.List(ctx, director, false)
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestProcure_Validation(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)
	ctx := context.Background()
	maize := seedProduct(t, st, "MAIZE")

	_, _, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: maize.ID, Quantity: d(-5)})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, _, err = l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: "missing", Quantity: d(5)})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// =============================================================================
// DECREMENT
// =============================================================================

func TestReserveAndDecrement(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLedger(t, st)
			maize := seedProduct(t, st, "MAIZE")
			_, _, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: maize.ID, Quantity: d(100)})
			require.NoError(t, err)

			row, err := l.ReserveAndDecrement(ctx, maize.ID, core.Maganjo, d(30))
			require.NoError(t, err)
			assert.True(t, row.Quantity.Equal(d(70)))

			_, err = l.ReserveAndDecrement(ctx, maize.ID, core.Maganjo, d(71))
			require.Error(t, err)
			var ise *core.InsufficientStockError
			require.ErrorAs(t, err, &ise)
			assert.Equal(t, "Insufficient stock for MAIZE. Available: 70", ise.Error())

			current, err := st.FindStock(ctx, maize.ID, core.Maganjo)
			require.NoError(t, err)
			assert.True(t, current.Quantity.Equal(d(70)), "failed decrement leaves quantity unchanged")
		})
	}
}

func TestReserveAndDecrement_FractionalQuantities(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)
	ctx := context.Background()
	maize := seedProduct(t, st, "MAIZE")
	_, _, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: maize.ID, Quantity: decimal.RequireFromString("10.5")})
	require.NoError(t, err)

	row, err := l.ReserveAndDecrement(ctx, maize.ID, core.Maganjo, decimal.RequireFromString("0.25"))
	require.NoError(t, err)
	assert.Equal(t, "10.25", row.Quantity.String())
}

func TestReserveAndDecrement_UnknownRow(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)

	_, err := l.ReserveAndDecrement(context.Background(), "nope", core.Maganjo, d(1))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestReserveAndDecrement_LastUnitRace(t *testing.T) {
	// GIVEN: One unit in stock
	// WHEN: Two sales race for it
	// THEN: Exactly one succeeds and the other sees InsufficientStock
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLedger(t, st)
			beans := seedProduct(t, st, "BEANS")
			_, _, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: beans.ID, Quantity: d(1)})
			require.NoError(t, err)

			var (
				wg      sync.WaitGroup
				results = make([]error, 2)
				start   = make(chan struct{})
			)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, results[i] = l.ReserveAndDecrement(ctx, beans.ID, core.Maganjo, d(1))
				}(i)
			}
			close(start)
			wg.Wait()

			successes, insufficient := 0, 0
			for _, err := range results {
				switch {
				case err == nil:
					successes++
				case assert.ErrorIs(t, err, core.ErrInsufficientStock):
					insufficient++
				}
			}
			assert.Equal(t, 1, successes)
			assert.Equal(t, 1, insufficient)

			row, err := st.FindStock(ctx, beans.ID, core.Maganjo)
			require.NoError(t, err)
			assert.True(t, row.Quantity.IsZero())
		})
	}
}

func TestRestore(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)
	ctx := context.Background()
	maize := seedProduct(t, st, "MAIZE")
	_, _, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: maize.ID, Quantity: d(10)})
	require.NoError(t, err)

	_, err = l.ReserveAndDecrement(ctx, maize.ID, core.Maganjo, d(4))
	require.NoError(t, err)
	require.NoError(t, l.Restore(ctx, maize.ID, core.Maganjo, d(4)))

	row, err := st.FindStock(ctx, maize.ID, core.Maganjo)
	require.NoError(t, err)
	assert.True(t, row.Quantity.Equal(d(10)))
}

func TestReserveAndRestore_ConcurrentCallersNeverConflict(t *testing.T) {
	// GIVEN: Ample stock
	// WHEN: Decrements and restores of one unit run concurrently
	// THEN: Every call succeeds and the quantity ends where it started
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLedger(t, st)
			maize := seedProduct(t, st, "MAIZE")
			_, _, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: maize.ID, Quantity: d(10000)})
			require.NoError(t, err)

			const calls = 200
			var (
				wg       sync.WaitGroup
				start    = make(chan struct{})
				reserves = make([]error, calls)
				restores = make([]error, calls)
			)
			for i := 0; i < calls; i++ {
				wg.Add(2)
				go func(i int) {
					defer wg.Done()
					<-start
					_, reserves[i] = l.ReserveAndDecrement(ctx, maize.ID, core.Maganjo, d(1))
				}(i)
				go func(i int) {
					defer wg.Done()
					<-start
					restores[i] = l.Restore(ctx, maize.ID, core.Maganjo, d(1))
				}(i)
			}
			close(start)
			wg.Wait()

			for i := 0; i < calls; i++ {
				require.NoError(t, reserves[i])
				require.NoError(t, restores[i])
			}
			row, err := st.FindStock(ctx, maize.ID, core.Maganjo)
			require.NoError(t, err)
			assert.True(t, row.Quantity.Equal(d(10000)), row.Quantity.String())
		})
	}
}

// =============================================================================
// DIRECT EDITS AND READS
// =============================================================================

func TestAdjust(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)
	ctx := context.Background()
	maize := seedProduct(t, st, "MAIZE")
	row, _, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: maize.ID, Quantity: d(100)})
	require.NoError(t, err)

	adjusted, err := l.Adjust(ctx, maganjoManager, row.ID, stock.StockAdjustment{Quantity: dp(40), ReorderLevel: dp(45)})
	require.NoError(t, err)
	assert.True(t, adjusted.Quantity.Equal(d(40)))
	assert.True(t, adjusted.ReorderLevel.Equal(d(45)))
	assert.True(t, adjusted.IsLowStock())

	low, err := l.List(ctx, agent, true)
	require.NoError(t, err)
	require.Len(t, low, 1)

	_, err = l.UpdateReorderLevel(ctx, matuggaManager, row.ID, d(10))
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = l.Adjust(ctx, agent, row.ID, stock.StockAdjustment{Quantity: dp(1)})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestDecrementByID(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)
	ctx := context.Background()
	maize := seedProduct(t, st, "MAIZE")
	row, _, err := l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: maize.ID, Quantity: d(10)})
	require.NoError(t, err)

	after, err := l.DecrementByID(ctx, agent, row.ID, d(3))
	require.NoError(t, err)
	assert.True(t, after.Quantity.Equal(d(7)))

	_, err = l.DecrementByID(ctx, matuggaManager, row.ID, d(1))
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestByProduct(t *testing.T) {
	st := store.NewMemory()
	l := newTestLedger(t, st)
	ctx := context.Background()
	maize := seedProduct(t, st, "MAIZE")

	_, err := l.ByProduct(ctx, agent, maize.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, _, err = l.Procure(ctx, maganjoManager, stock.Procurement{ProductID: maize.ID, Quantity: d(10)})
	require.NoError(t, err)

	row, err := l.ByProduct(ctx, agent, maize.ID)
	require.NoError(t, err)
	assert.Equal(t, core.Maganjo, row.Branch)
}
