/*
handlers.go - HTTP API handlers for the produce operations engine

PURPOSE:
  Exposes the catalogue, ledgers, sale recorder, aggregator and staff
  directory via REST. Handles HTTP request/response and JSON, and
  delegates every decision to the domain packages.

ENDPOINTS:
  Products:
    GET    /api/products                 List (?includeInactive=true)
    POST   /api/products                 Create (manager)
    GET    /api/products/{id}            Get
    PUT    /api/products/{id}            Update category/unit/description
    DELETE /api/products/{id}            Deactivate

  Prices:
    GET    /api/prices                   Branch prices (?includeInactive=true)
    POST   /api/prices                   New price event
    GET    /api/prices/product/{id}      Active price
    GET    /api/prices/product/{id}/history
    PUT    /api/prices/{id}              In-place correction
    DELETE /api/prices/{id}              Deactivate

  Stock:
    GET    /api/stock                    Branch stock (?lowStock=true)
    POST   /api/stock                    Procurement (201 created, 200 restocked)
    GET    /api/stock/product/{id}       Row for a product
    PUT    /api/stock/{id}               Adjust quantity / reorder level
    PUT    /api/stock/decrease/{id}      Decrement

  Sales:
    GET    /api/sales                    ?startDate&endDate&paymentStatus&isCreditSale
    POST   /api/sales                    Record a sale (201)
    GET    /api/sales/summary/stats      ?startDate&endDate
    GET    /api/sales/{id}
    PUT    /api/sales/{id}/payment

  Dashboard:
    GET    /api/dashboard/stats
    GET    /api/dashboard/sales-trends   ?period=daily|weekly|monthly&days=N
    GET    /api/dashboard/top-products   ?limit=N
    GET    /api/dashboard/branch-comparison

  Users:
    GET    /api/users                    ?role&branch
    POST   /api/users                    Register, returns user and token
    GET    /api/users/me                 Current user
    GET    /api/users/{id}

REQUEST FLOW:
  1. Read the identity set by authenticate
  2. Decode and validate the body (validate.go)
  3. Call the domain component, which applies the access policy
  4. Invalidate cached aggregates after writes
  5. Write the envelope (response.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kgl/produce-engine/catalog"
	"github.com/kgl/produce-engine/core"
	"github.com/kgl/produce-engine/dashboard"
	"github.com/kgl/produce-engine/pricing"
	"github.com/kgl/produce-engine/sales"
	"github.com/kgl/produce-engine/staff"
	"github.com/kgl/produce-engine/stock"
)

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			h.Log.WithError(err).Error("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, Envelope{Success: false, Message: "Database unavailable"})
			return
		}
	}
	writeMessage(w, http.StatusOK, map[string]string{"status": "ok"}, "KGL produce engine is running")
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	products, err := h.Catalog.List(r.Context(), id, !queryBool(r, "includeInactive"))
	if err != nil {
		h.writeError(w, r, "ListProducts", err)
		return
	}
	out := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		out = append(out, toProductDTO(p))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "CreateProduct", err)
		return
	}
	p, err := h.Catalog.Create(r.Context(), identityFrom(r.Context()), catalog.NewProduct{
		Name:        req.Name,
		Category:    req.Category,
		Unit:        req.Unit,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, r, "CreateProduct", err)
		return
	}
	writeData(w, http.StatusCreated, toProductDTO(*p))
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Catalog.Get(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "GetProduct", err)
		return
	}
	writeData(w, http.StatusOK, toProductDTO(*p))
}

func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req UpdateProductRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "UpdateProduct", err)
		return
	}
	p, err := h.Catalog.Update(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), catalog.UpdateProduct{
		Category:    req.Category,
		Unit:        req.Unit,
		Description: req.Description,
		Active:      req.Active,
	})
	if err != nil {
		h.writeError(w, r, "UpdateProduct", err)
		return
	}
	h.invalidate(r.Context())
	writeData(w, http.StatusOK, toProductDTO(*p))
}

func (h *Handler) DeactivateProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Catalog.Deactivate(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "DeactivateProduct", err)
		return
	}
	h.invalidate(r.Context())
	writeMessage(w, http.StatusOK, toProductDTO(*p), "Product deactivated")
}

// =============================================================================
// PRICES
// =============================================================================

func (h *Handler) ListPrices(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	prices, err := h.Prices.List(r.Context(), id, !queryBool(r, "includeInactive"))
	if err != nil {
		h.writeError(w, r, "ListPrices", err)
		return
	}
	names, err := h.productNames(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "ListPrices", err)
		return
	}
	out := make([]PriceDTO, 0, len(prices))
	for _, p := range prices {
		out = append(out, toPriceDTO(p, names))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req SetPriceRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "SetPrice", err)
		return
	}
	branch, err := optionalBranch(req.Branch)
	if err != nil {
		h.writeError(w, r, "SetPrice", err)
		return
	}
	p, err := h.Prices.Set(r.Context(), identityFrom(r.Context()), pricing.SetPrice{
		ProductID:    req.Product,
		Branch:       branch,
		SellingPrice: *req.SellingPrice,
		CostPrice:    *req.CostPrice,
	})
	if err != nil {
		h.writeError(w, r, "SetPrice", err)
		return
	}
	h.invalidate(r.Context())
	writeData(w, http.StatusCreated, toPriceDTO(*p, nil))
}

func (h *Handler) GetActivePrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.Prices.Active(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "GetActivePrice", err)
		return
	}
	writeData(w, http.StatusOK, toPriceDTO(*p, nil))
}

func (h *Handler) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	prices, err := h.Prices.History(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "GetPriceHistory", err)
		return
	}
	out := make([]PriceDTO, 0, len(prices))
	for _, p := range prices {
		out = append(out, toPriceDTO(p, nil))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req UpdatePriceRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "UpdatePrice", err)
		return
	}
	p, err := h.Prices.Update(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), pricing.PriceCorrection{
		SellingPrice: req.SellingPrice,
		CostPrice:    req.CostPrice,
	})
	if err != nil {
		h.writeError(w, r, "UpdatePrice", err)
		return
	}
	h.invalidate(r.Context())
	writeData(w, http.StatusOK, toPriceDTO(*p, nil))
}

func (h *Handler) DeactivatePrice(w http.ResponseWriter, r *http.Request) {
	p, err := h.Prices.Deactivate(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "DeactivatePrice", err)
		return
	}
	h.invalidate(r.Context())
	writeMessage(w, http.StatusOK, toPriceDTO(*p, nil), "Price deactivated")
}

// =============================================================================
// STOCK
// =============================================================================

func (h *Handler) ListStock(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	rows, err := h.Stock.List(r.Context(), id, queryBool(r, "lowStock"))
	if err != nil {
		h.writeError(w, r, "ListStock", err)
		return
	}
	names, err := h.productNames(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "ListStock", err)
		return
	}
	out := make([]StockDTO, 0, len(rows))
	for _, s := range rows {
		out = append(out, toStockDTO(s, names))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) Procure(w http.ResponseWriter, r *http.Request) {
	var req ProcureRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "Procure", err)
		return
	}
	branch, err := optionalBranch(req.Branch)
	if err != nil {
		h.writeError(w, r, "Procure", err)
		return
	}
	var procured *time.Time
	if req.ProcurementDate != "" {
		t, err := h.parseDate(req.ProcurementDate, "procurementDate")
		if err != nil {
			h.writeError(w, r, "Procure", err)
			return
		}
		procured = &t
	}

	row, created, err := h.Stock.Procure(r.Context(), identityFrom(r.Context()), stock.Procurement{
		ProductID:       req.Product,
		ProductName:     req.ProductName,
		Category:        req.Category,
		Unit:            req.Unit,
		Branch:          branch,
		Quantity:        *req.Quantity,
		ReorderLevel:    req.ReorderLevel,
		ReorderFraction: req.ReorderFraction,
		Supplier:        req.Supplier,
		SupplierContact: req.SupplierContact,
		CostPrice:       req.CostPrice,
		SellingPrice:    req.SellingPrice,
		ProcurementDate: procured,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeError(w, r, "Procure", err)
		return
	}
	h.invalidate(r.Context())
	if created {
		writeMessage(w, http.StatusCreated, toStockDTO(*row, nil), "Stock created")
		return
	}
	writeMessage(w, http.StatusOK, toStockDTO(*row, nil), "Stock updated")
}

func (h *Handler) GetStockByProduct(w http.ResponseWriter, r *http.Request) {
	row, err := h.Stock.ByProduct(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "GetStockByProduct", err)
		return
	}
	writeData(w, http.StatusOK, toStockDTO(*row, nil))
}

func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req UpdateStockRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "AdjustStock", err)
		return
	}
	row, err := h.Stock.Adjust(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), stock.StockAdjustment{
		Quantity:     req.Quantity,
		ReorderLevel: req.ReorderLevel,
	})
	if err != nil {
		h.writeError(w, r, "AdjustStock", err)
		return
	}
	h.invalidate(r.Context())
	writeData(w, http.StatusOK, toStockDTO(*row, nil))
}

func (h *Handler) DecreaseStock(w http.ResponseWriter, r *http.Request) {
	var req DecreaseStockRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "DecreaseStock", err)
		return
	}
	row, err := h.Stock.DecrementByID(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), *req.Quantity)
	if err != nil {
		h.writeError(w, r, "DecreaseStock", err)
		return
	}
	h.invalidate(r.Context())
	writeData(w, http.StatusOK, toStockDTO(*row, nil))
}

// =============================================================================
// SALES
// =============================================================================

func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.dateRange(r)
	if err != nil {
		h.writeError(w, r, "ListSales", err)
		return
	}
	q := sales.SaleQuery{From: from, To: to}
	if s := r.URL.Query().Get("paymentStatus"); s != "" {
		status, err := core.ParsePaymentStatus(s)
		if err != nil {
			h.writeError(w, r, "ListSales", err)
			return
		}
		q.PaymentStatus = status
	}
	if s := r.URL.Query().Get("isCreditSale"); s != "" {
		credit, err := strconv.ParseBool(s)
		if err != nil {
			h.writeError(w, r, "ListSales", core.Invalid("isCreditSale", "isCreditSale must be true or false"))
			return
		}
		q.IsCredit = &credit
	}

	rows, err := h.Sales.List(r.Context(), identityFrom(r.Context()), q)
	if err != nil {
		h.writeError(w, r, "ListSales", err)
		return
	}
	out := make([]SaleDTO, 0, len(rows))
	for _, s := range rows {
		out = append(out, toSaleDTO(s))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req CreateSaleRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "CreateSale", err)
		return
	}
	branch, err := optionalBranch(req.Branch)
	if err != nil {
		h.writeError(w, r, "CreateSale", err)
		return
	}
	items := make([]sales.NewSaleItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, sales.NewSaleItem{
			ProductID: it.Product,
			Quantity:  *it.Quantity,
			UnitPrice: *it.UnitPrice,
		})
	}

	sale, err := h.Sales.Create(r.Context(), identityFrom(r.Context()), sales.NewSale{
		Branch:        branch,
		Items:         items,
		PaymentMethod: req.PaymentMethod,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		IsCreditSale:  req.IsCreditSale,
		AmountPaid:    req.AmountPaid,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeError(w, r, "CreateSale", err)
		return
	}
	h.invalidate(r.Context())
	writeMessage(w, http.StatusCreated, toSaleDTO(*sale), "Sale recorded")
}

func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Sales.Get(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "GetSale", err)
		return
	}
	writeData(w, http.StatusOK, toSaleDTO(*sale))
}

func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	var req UpdatePaymentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "UpdatePayment", err)
		return
	}
	var update sales.PaymentUpdate
	if req.PaymentStatus != "" {
		status, err := core.ParsePaymentStatus(req.PaymentStatus)
		if err != nil {
			h.writeError(w, r, "UpdatePayment", err)
			return
		}
		update.PaymentStatus = &status
	}
	update.AmountPaid = req.AmountPaid

	sale, err := h.Sales.UpdatePayment(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), update)
	if err != nil {
		h.writeError(w, r, "UpdatePayment", err)
		return
	}
	h.invalidate(r.Context())
	writeData(w, http.StatusOK, toSaleDTO(*sale))
}

func (h *Handler) SalesSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.dateRange(r)
	if err != nil {
		h.writeError(w, r, "SalesSummary", err)
		return
	}
	sum, err := h.Sales.Summary(r.Context(), identityFrom(r.Context()), from, to)
	if err != nil {
		h.writeError(w, r, "SalesSummary", err)
		return
	}
	writeData(w, http.StatusOK, SalesSummaryDTO{
		TotalSales:    sum.TotalSales,
		TotalRevenue:  sum.TotalRevenue,
		TotalPaid:     sum.TotalPaid,
		CreditSales:   sum.CreditSales,
		PendingAmount: sum.PendingAmount,
	})
}

// =============================================================================
// DASHBOARD
// =============================================================================

func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Dashboard.Stats(r.Context(), identityFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, "DashboardStats", err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (h *Handler) SalesTrends(w http.ResponseWriter, r *http.Request) {
	period, err := dashboard.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		h.writeError(w, r, "SalesTrends", err)
		return
	}
	days, err := queryInt(r, "days", dashboard.DefaultTrendDays)
	if err != nil {
		h.writeError(w, r, "SalesTrends", err)
		return
	}
	points, err := h.Dashboard.Trends(r.Context(), identityFrom(r.Context()), period, days)
	if err != nil {
		h.writeError(w, r, "SalesTrends", err)
		return
	}
	writeData(w, http.StatusOK, points)
}

func (h *Handler) TopProducts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", dashboard.DefaultTopLimit)
	if err != nil {
		h.writeError(w, r, "TopProducts", err)
		return
	}
	ranks, err := h.Dashboard.TopProducts(r.Context(), identityFrom(r.Context()), limit)
	if err != nil {
		h.writeError(w, r, "TopProducts", err)
		return
	}
	writeData(w, http.StatusOK, ranks)
}

func (h *Handler) BranchComparison(w http.ResponseWriter, r *http.Request) {
	figures, err := h.Dashboard.BranchComparison(r.Context(), identityFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, "BranchComparison", err)
		return
	}
	writeData(w, http.StatusOK, figures)
}

// =============================================================================
// USERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	var f core.UserFilter
	if s := r.URL.Query().Get("role"); s != "" {
		role, err := core.ParseRole(s)
		if err != nil {
			h.writeError(w, r, "ListUsers", err)
			return
		}
		f.Role = role
	}
	branch, err := optionalBranch(r.URL.Query().Get("branch"))
	if err != nil {
		h.writeError(w, r, "ListUsers", err)
		return
	}
	f.Branch = branch

	users, err := h.Staff.List(r.Context(), identityFrom(r.Context()), f)
	if err != nil {
		h.writeError(w, r, "ListUsers", err)
		return
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, toUserDTO(u))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Staff.Get(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, "GetUser", err)
		return
	}
	writeData(w, http.StatusOK, toUserDTO(*u))
}

// Me returns the caller's own record.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	u, err := h.Staff.Lookup(r.Context(), id.UserID)
	if err == nil && u == nil {
		err = core.NotFound("user", id.UserID)
	}
	if err != nil {
		h.writeError(w, r, "Me", err)
		return
	}
	writeData(w, http.StatusOK, toUserDTO(*u))
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "CreateUser", err)
		return
	}
	id := identityFrom(r.Context())
	u, err := h.Staff.Register(r.Context(), id, staff.NewUser{
		FullName: req.FullName,
		Username: req.Username,
		Phone:    req.Phone,
		Email:    req.Email,
		Role:     req.Role,
		Branch:   req.Branch,
	})
	if id.IsZero() && errors.Is(err, core.ErrForbidden) {
		err = core.ErrUnauthenticated
	}
	if err != nil {
		h.writeError(w, r, "CreateUser", err)
		return
	}
	token, err := h.Tokens.Issue(u.Identity())
	if err != nil {
		h.writeError(w, r, "CreateUser", err)
		return
	}
	h.invalidate(r.Context())
	writeData(w, http.StatusCreated, UserTokenDTO{User: toUserDTO(*u), Token: token})
}

// =============================================================================
// HELPERS
// =============================================================================

// invalidate drops cached aggregates after a write. A failure only costs
// freshness until the TTL expires.
func (h *Handler) invalidate(ctx context.Context) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(ctx); err != nil {
		h.Log.WithError(err).Warn("cache invalidation failed")
	}
}

func (h *Handler) productNames(ctx context.Context, id core.Identity) (map[string]string, error) {
	products, err := h.Catalog.List(ctx, id, false)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}
	return names, nil
}

// dateRange reads startDate and endDate. A date-only endDate covers the
// whole day.
func (h *Handler) dateRange(r *http.Request) (from, to time.Time, err error) {
	if s := r.URL.Query().Get("startDate"); s != "" {
		if from, err = h.parseDate(s, "startDate"); err != nil {
			return
		}
	}
	if s := r.URL.Query().Get("endDate"); s != "" {
		if to, err = h.parseDate(s, "endDate"); err != nil {
			return
		}
		if len(s) == len(dateLayout) {
			to = core.EndOfDay(to, h.Location)
		}
	}
	return
}

// parseDate accepts YYYY-MM-DD in the business timezone or RFC 3339.
func (h *Handler) parseDate(s, field string) (time.Time, error) {
	if t, err := time.ParseInLocation(dateLayout, s, h.Location); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, core.Invalid(field, field+" must be a date (YYYY-MM-DD)")
}

func optionalBranch(s string) (core.Branch, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return core.ParseBranch(s)
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, core.Invalid(name, name+" must be a positive number")
	}
	return n, nil
}
