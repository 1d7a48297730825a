/*
Package dashboard is the role-scoped aggregator.

PURPOSE:
  Read-only figures for the three dashboards. Everything is computed from
  the sale, stock and price records at call time, optionally through the
  read cache.

SCOPE BY ROLE:
  sales-agent  own sales in own branch
  manager      every sale of own branch, plus the low-stock count
  director     system counts and the branch comparison only; no revenue,
               stock or trend detail

EMPTY DATA:
  No matching rows is not an error. Every figure starts at zero.

SEE ALSO:
  - access/policy.go: DashboardStats, SalesTrends, TopProducts,
    BranchComparison grants
  - cache/cache.go: Fetch
*/
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kgl/produce-engine/access"
	"github.com/kgl/produce-engine/cache"
	"github.com/kgl/produce-engine/core"
	"github.com/kgl/produce-engine/pricing"
	"github.com/kgl/produce-engine/staff"
)

const (
	DefaultTrendDays = 7
	MaxTrendDays     = 366
	DefaultTopLimit  = 10
	MaxTopLimit      = 100
)

// DefaultBranchTarget is the revenue each branch is measured against.
var DefaultBranchTarget = decimal.NewFromInt(50_000_000)

type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "":
		return Daily, nil
	case Daily, Weekly, Monthly:
		return p, nil
	}
	return "", core.Invalid("period", "Period must be daily, weekly or monthly")
}

type Aggregator struct {
	store    core.Store
	prices   *pricing.Ledger
	staff    *staff.Directory
	cache    cache.Cache
	Clock    core.Clock
	Location *time.Location
	Target   decimal.Decimal
}

// New wires an aggregator. A nil cache computes every call.
func New(store core.Store, prices *pricing.Ledger, directory *staff.Directory, c cache.Cache) *Aggregator {
	if c == nil {
		c = cache.Noop{}
	}
	return &Aggregator{
		store:    store,
		prices:   prices,
		staff:    directory,
		cache:    c,
		Location: core.DefaultLocation,
		Target:   DefaultBranchTarget,
	}
}

// =============================================================================
// RESULT SHAPES
// =============================================================================

type Stats struct {
	ActiveProducts int            `json:"activeProducts"`
	System         *SystemCounts  `json:"system,omitempty"`
	Today          *TodayFigures  `json:"today,omitempty"`
	Overall        *OverallFigure `json:"overall,omitempty"`
	LowStockCount  int            `json:"lowStockCount"`
}

// SystemCounts is everything a director sees on the stats card.
type SystemCounts struct {
	ActiveUsers int `json:"activeUsers"`
	TotalSales  int `json:"totalSales"`
}

type TodayFigures struct {
	Sales   int             `json:"todaySales"`
	Revenue decimal.Decimal `json:"todayRevenue"`
	Pending decimal.Decimal `json:"todayPending"`
}

type OverallFigure struct {
	TotalSales   int             `json:"totalSales"`
	TotalRevenue decimal.Decimal `json:"totalRevenue"`
	CreditSales  int             `json:"creditSales"`
}

type TrendPoint struct {
	Period     string          `json:"period"`
	SalesCount int             `json:"salesCount"`
	Revenue    decimal.Decimal `json:"revenue"`
}

type ProductRank struct {
	ProductID     string          `json:"productId"`
	Name          string          `json:"name"`
	TotalQuantity decimal.Decimal `json:"totalQuantity"`
	Revenue       decimal.Decimal `json:"revenue"`
	SalesCount    int             `json:"salesCount"`
	// ProfitMargin is estimated from active cost prices; 0 when none known.
	ProfitMargin float64 `json:"profitMargin"`
}

type BranchFigures struct {
	Branch          core.Branch     `json:"branch"`
	Manager         string          `json:"manager"`
	TotalSales      int             `json:"totalSales"`
	Revenue         decimal.Decimal `json:"revenue"`
	Target          decimal.Decimal `json:"target"`
	AchievementRate float64         `json:"achievementRate"`
	StockValue      decimal.Decimal `json:"stockValue"`
	ProfitMargin    float64         `json:"profitMargin"`
}

// =============================================================================
// STATS
// =============================================================================

func (a *Aggregator) Stats(ctx context.Context, id core.Identity) (*Stats, error) {
	if err := access.Authorize(id, access.DashboardStats, access.View, access.Scope(id)); err != nil {
		return nil, err
	}
	now := a.Clock.Now()
	key := fmt.Sprintf("stats:%s:%s", a.scopeKey(id), core.DayKey(now, a.Location))
	return cache.Fetch(ctx, a.cache, key, func(ctx context.Context) (*Stats, error) {
		return a.stats(ctx, id, now)
	})
}

func (a *Aggregator) stats(ctx context.Context, id core.Identity, now time.Time) (*Stats, error) {
	products, err := a.store.ListProducts(ctx, true)
	if err != nil {
		return nil, err
	}
	out := &Stats{ActiveProducts: len(products)}

	if id.Role == core.RoleDirector {
		users, err := a.staff.ActiveCount(ctx)
		if err != nil {
			return nil, err
		}
		sales, err := a.store.ListSales(ctx, core.SaleFilter{})
		if err != nil {
			return nil, err
		}
		out.System = &SystemCounts{ActiveUsers: users, TotalSales: len(sales)}
		return out, nil
	}

	all, err := a.store.ListSales(ctx, salesFilter(id))
	if err != nil {
		return nil, err
	}
	start, end := core.DayBounds(now, a.Location)

	today := &TodayFigures{Revenue: decimal.Zero, Pending: decimal.Zero}
	overall := &OverallFigure{TotalRevenue: decimal.Zero}
	for _, s := range all {
		overall.TotalSales++
		overall.TotalRevenue = overall.TotalRevenue.Add(s.TotalAmount)
		if s.IsCreditSale {
			overall.CreditSales++
		}
		if !s.CreatedAt.Before(start) && s.CreatedAt.Before(end) {
			today.Sales++
			today.Revenue = today.Revenue.Add(s.TotalAmount)
			today.Pending = today.Pending.Add(s.Outstanding())
		}
	}
	out.Today, out.Overall = today, overall

	if id.Role == core.RoleManager {
		rows, err := a.store.ListStock(ctx, core.StockFilter{Branch: id.Branch})
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.IsLowStock() {
				out.LowStockCount++
			}
		}
	}
	return out, nil
}

// =============================================================================
// TRENDS
// =============================================================================

// Trends buckets the last days of sales by period, oldest bucket first.
func (a *Aggregator) Trends(ctx context.Context, id core.Identity, period Period, days int) ([]TrendPoint, error) {
	if err := access.Authorize(id, access.SalesTrends, access.View, access.Scope(id)); err != nil {
		return nil, err
	}
	period, err := ParsePeriod(string(period))
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = DefaultTrendDays
	}
	if days > MaxTrendDays {
		days = MaxTrendDays
	}

	now := a.Clock.Now()
	key := fmt.Sprintf("trends:%s:%s:%d:%s", a.scopeKey(id), period, days, core.DayKey(now, a.Location))
	return cache.Fetch(ctx, a.cache, key, func(ctx context.Context) ([]TrendPoint, error) {
		start, _ := core.DayBounds(now.AddDate(0, 0, -days), a.Location)
		f := salesFilter(id)
		f.From = start
		rows, err := a.store.ListSales(ctx, f)
		if err != nil {
			return nil, err
		}

		buckets := map[string]*TrendPoint{}
		for _, s := range rows {
			label := bucket(s.CreatedAt.In(a.loc()), period)
			p, ok := buckets[label]
			if !ok {
				p = &TrendPoint{Period: label, Revenue: decimal.Zero}
				buckets[label] = p
			}
			p.SalesCount++
			p.Revenue = p.Revenue.Add(s.TotalAmount)
		}

		out := make([]TrendPoint, 0, len(buckets))
		for _, p := range buckets {
			out = append(out, *p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
		return out, nil
	})
}

func bucket(t time.Time, period Period) string {
	switch period {
	case Weekly:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case Monthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// =============================================================================
// TOP PRODUCTS
// =============================================================================

// TopProducts ranks products by line revenue. Equal revenue is ordered by
// product ID.
func (a *Aggregator) TopProducts(ctx context.Context, id core.Identity, limit int) ([]ProductRank, error) {
	if err := access.Authorize(id, access.TopProducts, access.View, access.Scope(id)); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	if limit > MaxTopLimit {
		limit = MaxTopLimit
	}

	key := fmt.Sprintf("top:%s:%d", a.scopeKey(id), limit)
	return cache.Fetch(ctx, a.cache, key, func(ctx context.Context) ([]ProductRank, error) {
		rows, err := a.store.ListSales(ctx, salesFilter(id))
		if err != nil {
			return nil, err
		}

		type tally struct {
			rank     ProductRank
			costed   decimal.Decimal
			cost     decimal.Decimal
			lastSeen time.Time
		}
		costs := newCostLookup(a.prices)
		byProduct := map[string]*tally{}
		for _, s := range rows {
			for _, it := range s.Items {
				t, ok := byProduct[it.ProductID]
				if !ok {
					t = &tally{rank: ProductRank{ProductID: it.ProductID, TotalQuantity: decimal.Zero, Revenue: decimal.Zero},
						costed: decimal.Zero, cost: decimal.Zero}
					byProduct[it.ProductID] = t
				}
				if s.CreatedAt.After(t.lastSeen) || t.rank.Name == "" {
					t.rank.Name, t.lastSeen = it.ProductName, s.CreatedAt
				}
				t.rank.SalesCount++
				t.rank.TotalQuantity = t.rank.TotalQuantity.Add(it.Quantity)
				t.rank.Revenue = t.rank.Revenue.Add(it.TotalPrice)

				unitCost, known, err := costs.get(ctx, it.ProductID, s.Branch)
				if err != nil {
					return nil, err
				}
				if known {
					t.costed = t.costed.Add(it.TotalPrice)
					t.cost = t.cost.Add(unitCost.Mul(it.Quantity))
				}
			}
		}

		out := make([]ProductRank, 0, len(byProduct))
		for _, t := range byProduct {
			t.rank.ProfitMargin = percentOf(t.costed.Sub(t.cost), t.costed)
			out = append(out, t.rank)
		}
		sort.Slice(out, func(i, j int) bool {
			if c := out[i].Revenue.Cmp(out[j].Revenue); c != 0 {
				return c > 0
			}
			return out[i].ProductID < out[j].ProductID
		})
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

// =============================================================================
// BRANCH COMPARISON
// =============================================================================

// BranchComparison reports every known branch against Target.
func (a *Aggregator) BranchComparison(ctx context.Context, id core.Identity) ([]BranchFigures, error) {
	if err := access.Authorize(id, access.BranchComparison, access.View, ""); err != nil {
		return nil, err
	}
	return cache.Fetch(ctx, a.cache, "branches", func(ctx context.Context) ([]BranchFigures, error) {
		costs := newCostLookup(a.prices)
		out := make([]BranchFigures, 0, len(core.Branches()))
		for _, b := range core.Branches() {
			fig := BranchFigures{Branch: b, Manager: "Not Assigned", Revenue: decimal.Zero, Target: a.Target, StockValue: decimal.Zero}

			mgr, err := a.staff.ManagerOf(ctx, b)
			if err != nil {
				return nil, err
			}
			if mgr != nil {
				fig.Manager = mgr.FullName
			}

			rows, err := a.store.ListSales(ctx, core.SaleFilter{Branch: b})
			if err != nil {
				return nil, err
			}
			for _, s := range rows {
				fig.TotalSales++
				fig.Revenue = fig.Revenue.Add(s.TotalAmount)
			}

			stock, err := a.store.ListStock(ctx, core.StockFilter{Branch: b})
			if err != nil {
				return nil, err
			}
			for _, r := range stock {
				cost, known, err := costs.get(ctx, r.ProductID, b)
				if err != nil {
					return nil, err
				}
				if known {
					fig.StockValue = fig.StockValue.Add(r.Quantity.Mul(cost))
				}
			}

			fig.AchievementRate = percentOf(fig.Revenue, fig.Target)
			fig.ProfitMargin = percentOf(fig.Revenue.Sub(fig.StockValue), fig.Revenue)
			out = append(out, fig)
		}
		return out, nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func salesFilter(id core.Identity) core.SaleFilter {
	f := core.SaleFilter{Branch: access.Scope(id)}
	if access.OwnSalesOnly(id) {
		f.AgentID = id.UserID
	}
	return f
}

func (a *Aggregator) scopeKey(id core.Identity) string {
	switch id.Role {
	case core.RoleDirector:
		return "director"
	case core.RoleSalesAgent:
		return fmt.Sprintf("agent:%s:%s", id.Branch, id.UserID)
	default:
		return fmt.Sprintf("%s:%s", id.Role, id.Branch)
	}
}

func (a *Aggregator) loc() *time.Location {
	if a.Location == nil {
		return core.DefaultLocation
	}
	return a.Location
}

// percentOf is part/whole*100 rounded to one decimal, 0 when whole is 0.
func percentOf(part, whole decimal.Decimal) float64 {
	if whole.IsZero() {
		return 0
	}
	f, _ := part.Div(whole).Mul(decimal.NewFromInt(100)).Round(1).Float64()
	return f
}

// costLookup memoises active cost prices for one aggregation.
type costLookup struct {
	prices *pricing.Ledger
	seen   map[string]costEntry
}

type costEntry struct {
	cost  decimal.Decimal
	known bool
}

func newCostLookup(prices *pricing.Ledger) *costLookup {
	return &costLookup{prices: prices, seen: map[string]costEntry{}}
}

func (c *costLookup) get(ctx context.Context, productID string, branch core.Branch) (decimal.Decimal, bool, error) {
	key := string(branch) + "|" + productID
	if e, ok := c.seen[key]; ok {
		return e.cost, e.known, nil
	}
	cost, known, err := c.prices.ActiveCost(ctx, productID, branch)
	if err != nil {
		return decimal.Zero, false, err
	}
	c.seen[key] = costEntry{cost: cost, known: known}
	return cost, known, nil
}
