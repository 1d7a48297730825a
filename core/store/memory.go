// Package store provides an in-memory core.TxStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kgl/produce-engine/core"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.Mutex
	st *state
}

type stockKey struct {
	ProductID string
	Branch    core.Branch
}

type state struct {
	products  map[string]core.Product
	prices    map[string]core.Price
	stock     map[string]core.Stock
	stockKeys map[stockKey]string
	sales     map[string]core.Sale
	saleNums  map[string]bool
	sequences map[string]int
	users     map[string]core.User
}

var (
	_ core.TxStore = (*Memory)(nil)
	_ core.Store   = (*state)(nil)
)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func newState() *state {
	return &state{
		products:  make(map[string]core.Product),
		prices:    make(map[string]core.Price),
		stock:     make(map[string]core.Stock),
		stockKeys: make(map[stockKey]string),
		sales:     make(map[string]core.Sale),
		saleNums:  make(map[string]bool),
		sequences: make(map[string]int),
		users:     make(map[string]core.User),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(core.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.prices {
		c.prices[k] = v
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.stockKeys {
		c.stockKeys[k] = v
	}
	for k, v := range s.sales {
		c.sales[k] = v
	}
	for k, v := range s.saleNums {
		c.saleNums[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	return c
}

// ==== Locked entry points ====

func (m *Memory) CreateProduct(ctx context.Context, p core.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateProduct(ctx, p)
}

func (m *Memory) GetProduct(ctx context.Context, id string) (*core.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetProduct(ctx, id)
}

func (m *Memory) GetProductByName(ctx context.Context, name string) (*core.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetProductByName(ctx, name)
}

func (m *Memory) ListProducts(ctx context.Context, activeOnly bool) ([]core.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListProducts(ctx, activeOnly)
}

func (m *Memory) UpdateProduct(ctx context.Context, p core.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateProduct(ctx, p)
}

func (m *Memory) InsertPrice(ctx context.Context, p core.Price) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertPrice(ctx, p)
}

func (m *Memory) DeactivateOtherPrices(ctx context.Context, productID string, branch core.Branch, keepID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeactivateOtherPrices(ctx, productID, branch, keepID, at)
}

func (m *Memory) GetPrice(ctx context.Context, id string) (*core.Price, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetPrice(ctx, id)
}

func (m *Memory) UpdatePrice(ctx context.Context, p core.Price) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdatePrice(ctx, p)
}

func (m *Memory) ListPrices(ctx context.Context, f core.PriceFilter) ([]core.Price, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListPrices(ctx, f)
}

func (m *Memory) GetStock(ctx context.Context, id string) (*core.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetStock(ctx, id)
}

func (m *Memory) FindStock(ctx context.Context, productID string, branch core.Branch) (*core.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.FindStock(ctx, productID, branch)
}

func (m *Memory) ListStock(ctx context.Context, f core.StockFilter) ([]core.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListStock(ctx, f)
}

func (m *Memory) InsertStock(ctx context.Context, s core.Stock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertStock(ctx, s)
}

func (m *Memory) UpdateStock(ctx context.Context, s core.Stock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateStock(ctx, s)
}

func (m *Memory) SetReorderLevel(ctx context.Context, id string, level decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetReorderLevel(ctx, id, level, at)
}

func (m *Memory) DecrementStockQuantity(ctx context.Context, id string, qty decimal.Decimal, at time.Time) (*core.Stock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DecrementStockQuantity(ctx, id, qty, at)
}

func (m *Memory) IncrementStockQuantity(ctx context.Context, id string, qty decimal.Decimal, at time.Time) (*core.Stock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.IncrementStockQuantity(ctx, id, qty, at)
}

func (m *Memory) NextSaleSequence(ctx context.Context, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.NextSaleSequence(ctx, day)
}

func (m *Memory) InsertSale(ctx context.Context, s core.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertSale(ctx, s)
}

func (m *Memory) GetSale(ctx context.Context, id string) (*core.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetSale(ctx, id)
}

func (m *Memory) ListSales(ctx context.Context, f core.SaleFilter) ([]core.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListSales(ctx, f)
}

func (m *Memory) UpdateSalePayment(ctx context.Context, id string, status core.PaymentStatus, amountPaid decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateSalePayment(ctx, id, status, amountPaid, at)
}

func (m *Memory) CreateUser(ctx context.Context, u core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateUser(ctx, u)
}

func (m *Memory) GetUser(ctx context.Context, id string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetUser(ctx, id)
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetUserByUsername(ctx, username)
}

func (m *Memory) ListUsers(ctx context.Context, f core.UserFilter) ([]core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListUsers(ctx, f)
}

func (m *Memory) CountUsers(ctx context.Context, f core.UserFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CountUsers(ctx, f)
}

// =============================================================================
// STATE - Unlocked implementation shared by Memory and WithTx
// =============================================================================

func (s *state) CreateProduct(_ context.Context, p core.Product) error {
	if _, ok := s.products[p.ID]; ok {
		return &core.ConflictError{Kind: "product", Message: "product id already exists"}
	}
	for _, existing := range s.products {
		if strings.EqualFold(existing.Name, p.Name) {
			return &core.ConflictError{Kind: "product", Message: "Product " + p.Name + " already exists"}
		}
	}
	s.products[p.ID] = p
	return nil
}

func (s *state) GetProduct(_ context.Context, id string) (*core.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) GetProductByName(_ context.Context, name string) (*core.Product, error) {
	for _, p := range s.products {
		if strings.EqualFold(p.Name, name) {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (s *state) ListProducts(_ context.Context, activeOnly bool) ([]core.Product, error) {
	var out []core.Product
	for _, p := range s.products {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *state) UpdateProduct(_ context.Context, p core.Product) error {
	if _, ok := s.products[p.ID]; !ok {
		return core.NotFound("product", p.ID)
	}
	s.products[p.ID] = p
	return nil
}

func (s *state) InsertPrice(_ context.Context, p core.Price) error {
	if _, ok := s.prices[p.ID]; ok {
		return &core.ConflictError{Kind: "price", Message: "price id already exists"}
	}
	s.prices[p.ID] = p
	return nil
}

func (s *state) DeactivateOtherPrices(_ context.Context, productID string, branch core.Branch, keepID string, at time.Time) error {
	for id, p := range s.prices {
		if p.ProductID == productID && p.Branch == branch && p.Active && id != keepID {
			p.Active = false
			p.UpdatedAt = at
			s.prices[id] = p
		}
	}
	return nil
}

func (s *state) GetPrice(_ context.Context, id string) (*core.Price, error) {
	p, ok := s.prices[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) UpdatePrice(_ context.Context, p core.Price) error {
	if _, ok := s.prices[p.ID]; !ok {
		return core.NotFound("price", p.ID)
	}
	s.prices[p.ID] = p
	return nil
}

func (s *state) ListPrices(_ context.Context, f core.PriceFilter) ([]core.Price, error) {
	var out []core.Price
	for _, p := range s.prices {
		if f.Branch != "" && p.Branch != f.Branch {
			continue
		}
		if f.ProductID != "" && p.ProductID != f.ProductID {
			continue
		}
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NewerThan(out[j]) })
	return out, nil
}

func (s *state) GetStock(_ context.Context, id string) (*core.Stock, error) {
	st, ok := s.stock[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *state) FindStock(ctx context.Context, productID string, branch core.Branch) (*core.Stock, error) {
	id, ok := s.stockKeys[stockKey{ProductID: productID, Branch: branch}]
	if !ok {
		return nil, nil
	}
	return s.GetStock(ctx, id)
}

func (s *state) ListStock(_ context.Context, f core.StockFilter) ([]core.Stock, error) {
	var out []core.Stock
	for _, st := range s.stock {
		if f.Branch != "" && st.Branch != f.Branch {
			continue
		}
		if f.ProductID != "" && st.ProductID != f.ProductID {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Branch != out[j].Branch {
			return out[i].Branch < out[j].Branch
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

func (s *state) InsertStock(_ context.Context, st core.Stock) error {
	k := stockKey{ProductID: st.ProductID, Branch: st.Branch}
	if _, ok := s.stockKeys[k]; ok {
		return &core.ConflictError{Kind: "stock", Message: "stock already exists for product in " + string(st.Branch)}
	}
	s.stock[st.ID] = st
	s.stockKeys[k] = st.ID
	return nil
}

func (s *state) UpdateStock(_ context.Context, st core.Stock) error {
	existing, ok := s.stock[st.ID]
	if !ok {
		return core.NotFound("stock", st.ID)
	}
	st.ProductID = existing.ProductID
	st.Branch = existing.Branch
	st.CreatedAt = existing.CreatedAt
	s.stock[st.ID] = st
	return nil
}

func (s *state) SetReorderLevel(_ context.Context, id string, level decimal.Decimal, at time.Time) error {
	st, ok := s.stock[id]
	if !ok {
		return core.NotFound("stock", id)
	}
	st.ReorderLevel = level
	st.UpdatedAt = at
	s.stock[id] = st
	return nil
}

func (s *state) DecrementStockQuantity(_ context.Context, id string, qty decimal.Decimal, at time.Time) (*core.Stock, bool, error) {
	st, ok := s.stock[id]
	if !ok {
		return nil, false, core.NotFound("stock", id)
	}
	if st.Quantity.LessThan(qty) {
		return &st, false, nil
	}
	st.Quantity = st.Quantity.Sub(qty)
	st.UpdatedAt = at
	s.stock[id] = st
	return &st, true, nil
}

func (s *state) IncrementStockQuantity(_ context.Context, id string, qty decimal.Decimal, at time.Time) (*core.Stock, error) {
	st, ok := s.stock[id]
	if !ok {
		return nil, core.NotFound("stock", id)
	}
	st.Quantity = st.Quantity.Add(qty)
	st.UpdatedAt = at
	s.stock[id] = st
	return &st, nil
}

func (s *state) NextSaleSequence(_ context.Context, day string) (int, error) {
	s.sequences[day]++
	return s.sequences[day], nil
}

func (s *state) InsertSale(_ context.Context, sale core.Sale) error {
	if s.saleNums[sale.SaleNumber] {
		return &core.ConflictError{Kind: "sale", Message: "sale number " + sale.SaleNumber + " already exists"}
	}
	sale.Items = append([]core.SaleItem(nil), sale.Items...)
	s.sales[sale.ID] = sale
	s.saleNums[sale.SaleNumber] = true
	return nil
}

func (s *state) GetSale(_ context.Context, id string) (*core.Sale, error) {
	sale, ok := s.sales[id]
	if !ok {
		return nil, nil
	}
	sale.Items = append([]core.SaleItem(nil), sale.Items...)
	return &sale, nil
}

func (s *state) ListSales(_ context.Context, f core.SaleFilter) ([]core.Sale, error) {
	var out []core.Sale
	for _, sale := range s.sales {
		if f.Branch != "" && sale.Branch != f.Branch {
			continue
		}
		if f.AgentID != "" && sale.AgentID != f.AgentID {
			continue
		}
		if !f.From.IsZero() && sale.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && sale.CreatedAt.After(f.To) {
			continue
		}
		if f.PaymentStatus != "" && sale.PaymentStatus != f.PaymentStatus {
			continue
		}
		if f.IsCredit != nil && sale.IsCreditSale != *f.IsCredit {
			continue
		}
		sale.Items = append([]core.SaleItem(nil), sale.Items...)
		out = append(out, sale)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].SaleNumber > out[j].SaleNumber
	})
	return out, nil
}

func (s *state) UpdateSalePayment(_ context.Context, id string, status core.PaymentStatus, amountPaid decimal.Decimal, at time.Time) error {
	sale, ok := s.sales[id]
	if !ok {
		return core.NotFound("sale", id)
	}
	sale.PaymentStatus = status
	sale.AmountPaid = amountPaid
	sale.UpdatedAt = at
	s.sales[id] = sale
	return nil
}

func (s *state) CreateUser(_ context.Context, u core.User) error {
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return &core.ConflictError{Kind: "user", Message: "Username " + u.Username + " is already taken"}
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *state) GetUser(_ context.Context, id string) (*core.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *state) GetUserByUsername(_ context.Context, username string) (*core.User, error) {
	for _, u := range s.users {
		if u.Username == username {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (s *state) ListUsers(_ context.Context, f core.UserFilter) ([]core.User, error) {
	var out []core.User
	for _, u := range s.users {
		if matchUser(u, f) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

func (s *state) CountUsers(_ context.Context, f core.UserFilter) (int, error) {
	n := 0
	for _, u := range s.users {
		if matchUser(u, f) {
			n++
		}
	}
	return n, nil
}

func matchUser(u core.User, f core.UserFilter) bool {
	if f.Role != "" && u.Role != f.Role {
		return false
	}
	if f.Branch != "" && u.Branch != f.Branch {
		return false
	}
	if f.ActiveOnly && !u.Active {
		return false
	}
	return true
}
