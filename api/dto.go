/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP contract. Domain types never leave the package
  directly; handlers convert through the to*DTO helpers.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry validator/v10 tags (see validate.go). Rules that
  depend on stored state (unknown product, capacity, stock) stay in the
  domain packages.

AMOUNTS:
  Money and quantities are shopspring decimals, written as JSON strings so
  no precision is lost. Requests accept either numbers or strings.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kgl/produce-engine/core"
	"github.com/kgl/produce-engine/pricing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Unit        string    `json:"unit"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type CreateProductRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	Category    string `json:"category" validate:"required,oneof=Grain Legume Other"`
	Unit        string `json:"unit" validate:"omitempty,oneof=kg ton bag"`
	Description string `json:"description" validate:"max=500"`
}

type UpdateProductRequest struct {
	Category    *string `json:"category" validate:"omitempty,oneof=Grain Legume Other"`
	Unit        *string `json:"unit" validate:"omitempty,oneof=kg ton bag"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	Active      *bool   `json:"isActive"`
}

func toProductDTO(p core.Product) ProductDTO {
	return ProductDTO{
		ID:          p.ID,
		Name:        p.Name,
		Category:    string(p.Category),
		Unit:        string(p.Unit),
		Description: p.Description,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// =============================================================================
// PRICES
// =============================================================================

type PriceDTO struct {
	ID           string          `json:"id"`
	ProductID    string          `json:"product"`
	ProductName  string          `json:"productName,omitempty"`
	Branch       string          `json:"branch"`
	SellingPrice decimal.Decimal `json:"sellingPrice"`
	CostPrice    decimal.Decimal `json:"costPrice"`
	ProfitMargin float64         `json:"profitMargin"`
	EffectiveAt  time.Time       `json:"effectiveDate"`
	UpdatedBy    string          `json:"updatedBy,omitempty"`
	Active       bool            `json:"isActive"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type SetPriceRequest struct {
	Product      string           `json:"product" validate:"required"`
	Branch       string           `json:"branch"`
	SellingPrice *decimal.Decimal `json:"sellingPrice" validate:"required,gte=0"`
	CostPrice    *decimal.Decimal `json:"costPrice" validate:"required,gte=0"`
}

type UpdatePriceRequest struct {
	SellingPrice *decimal.Decimal `json:"sellingPrice" validate:"omitempty,gte=0"`
	CostPrice    *decimal.Decimal `json:"costPrice" validate:"omitempty,gte=0"`
}

func toPriceDTO(p core.Price, names map[string]string) PriceDTO {
	return PriceDTO{
		ID:           p.ID,
		ProductID:    p.ProductID,
		ProductName:  names[p.ProductID],
		Branch:       string(p.Branch),
		SellingPrice: p.SellingPrice,
		CostPrice:    p.CostPrice,
		ProfitMargin: pricing.Margin(p),
		EffectiveAt:  p.EffectiveAt,
		UpdatedBy:    p.UpdatedBy,
		Active:       p.Active,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

// =============================================================================
// STOCK
// =============================================================================

type StockDTO struct {
	ID              string           `json:"id"`
	ProductID       string           `json:"product"`
	ProductName     string           `json:"productName,omitempty"`
	Branch          string           `json:"branch"`
	Quantity        decimal.Decimal  `json:"quantity"`
	ReorderLevel    decimal.Decimal  `json:"reorderLevel"`
	IsLowStock      bool             `json:"isLowStock"`
	Supplier        string           `json:"supplier,omitempty"`
	SupplierContact string           `json:"supplierContact,omitempty"`
	CostPrice       *decimal.Decimal `json:"costPrice,omitempty"`
	SellingPrice    *decimal.Decimal `json:"sellingPrice,omitempty"`
	ProcurementDate *time.Time       `json:"procurementDate,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	LastRestocked   *time.Time       `json:"lastRestocked,omitempty"`
	RestockedBy     string           `json:"restockedBy,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// ProcureRequest names the product by id, or by name to create it on the
// fly.
type ProcureRequest struct {
	Product         string           `json:"product" validate:"required_without=ProductName"`
	ProductName     string           `json:"productName" validate:"omitempty,min=2,max=100"`
	Category        string           `json:"category" validate:"omitempty,oneof=Grain Legume Other"`
	Unit            string           `json:"unit" validate:"omitempty,oneof=kg ton bag"`
	Branch          string           `json:"branch"`
	Quantity        *decimal.Decimal `json:"quantity" validate:"required,gte=0"`
	ReorderLevel    *decimal.Decimal `json:"reorderLevel" validate:"omitempty,gte=0"`
	ReorderFraction *decimal.Decimal `json:"reorderFraction" validate:"omitempty,gte=0,lte=1"`
	Supplier        string           `json:"supplier" validate:"max=100"`
	SupplierContact string           `json:"supplierContact" validate:"omitempty,ugphone"`
	CostPrice       *decimal.Decimal `json:"costPrice" validate:"omitempty,gte=0"`
	SellingPrice    *decimal.Decimal `json:"sellingPrice" validate:"omitempty,gte=0"`
	ProcurementDate string           `json:"procurementDate"`
	Notes           string           `json:"notes" validate:"max=500"`
}

type UpdateStockRequest struct {
	Quantity     *decimal.Decimal `json:"quantity" validate:"omitempty,gte=0"`
	ReorderLevel *decimal.Decimal `json:"reorderLevel" validate:"omitempty,gte=0"`
}

type DecreaseStockRequest struct {
	Quantity *decimal.Decimal `json:"quantity" validate:"required,gt=0"`
}

func toStockDTO(s core.Stock, names map[string]string) StockDTO {
	return StockDTO{
		ID:              s.ID,
		ProductID:       s.ProductID,
		ProductName:     names[s.ProductID],
		Branch:          string(s.Branch),
		Quantity:        s.Quantity,
		ReorderLevel:    s.ReorderLevel,
		IsLowStock:      s.IsLowStock(),
		Supplier:        s.Supplier,
		SupplierContact: s.SupplierContact,
		CostPrice:       s.CostPrice,
		SellingPrice:    s.SellingPrice,
		ProcurementDate: s.ProcurementDate,
		Notes:           s.Notes,
		LastRestocked:   s.LastRestocked,
		RestockedBy:     s.RestockedBy,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// =============================================================================
// SALES
// =============================================================================

type SaleItemDTO struct {
	ProductID   string          `json:"product"`
	ProductName string          `json:"productName"`
	Unit        string          `json:"unit"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
}

type SaleDTO struct {
	ID            string          `json:"id"`
	SaleNumber    string          `json:"saleNumber"`
	Branch        string          `json:"branch"`
	AgentID       string          `json:"salesAgent"`
	AgentName     string          `json:"salesAgentName"`
	Items         []SaleItemDTO   `json:"items"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	PaymentMethod string          `json:"paymentMethod"`
	CustomerName  string          `json:"customerName,omitempty"`
	CustomerPhone string          `json:"customerPhone,omitempty"`
	IsCreditSale  bool            `json:"isCreditSale"`
	PaymentStatus string          `json:"paymentStatus"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	Balance       decimal.Decimal `json:"balance"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type CreateSaleRequest struct {
	Branch        string            `json:"branch"`
	Items         []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod string            `json:"paymentMethod" validate:"omitempty,oneof=cash mobile-money bank-transfer credit"`
	CustomerName  string            `json:"customerName" validate:"max=100"`
	CustomerPhone string            `json:"customerPhone" validate:"omitempty,ugphone"`
	IsCreditSale  bool              `json:"isCreditSale"`
	AmountPaid    *decimal.Decimal  `json:"amountPaid" validate:"omitempty,gte=0"`
	Notes         string            `json:"notes" validate:"max=500"`
}

type SaleItemRequest struct {
	Product   string           `json:"product" validate:"required"`
	Quantity  *decimal.Decimal `json:"quantity" validate:"required,gt=0"`
	UnitPrice *decimal.Decimal `json:"unitPrice" validate:"required,gte=0"`
}

type UpdatePaymentRequest struct {
	PaymentStatus string           `json:"paymentStatus" validate:"omitempty,oneof=paid pending partial"`
	AmountPaid    *decimal.Decimal `json:"amountPaid" validate:"omitempty,gte=0"`
}

type SalesSummaryDTO struct {
	TotalSales    int             `json:"totalSales"`
	TotalRevenue  decimal.Decimal `json:"totalRevenue"`
	TotalPaid     decimal.Decimal `json:"totalPaid"`
	CreditSales   int             `json:"creditSales"`
	PendingAmount decimal.Decimal `json:"pendingAmount"`
}

func toSaleDTO(s core.Sale) SaleDTO {
	items := make([]SaleItemDTO, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, SaleItemDTO{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Unit:        string(it.Unit),
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  it.TotalPrice,
		})
	}
	return SaleDTO{
		ID:            s.ID,
		SaleNumber:    s.SaleNumber,
		Branch:        string(s.Branch),
		AgentID:       s.AgentID,
		AgentName:     s.AgentName,
		Items:         items,
		TotalAmount:   s.TotalAmount,
		PaymentMethod: string(s.PaymentMethod),
		CustomerName:  s.CustomerName,
		CustomerPhone: s.CustomerPhone,
		IsCreditSale:  s.IsCreditSale,
		PaymentStatus: string(s.PaymentStatus),
		AmountPaid:    s.AmountPaid,
		Balance:       s.Balance(),
		Notes:         s.Notes,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID        string    `json:"id"`
	FullName  string    `json:"fullName"`
	Username  string    `json:"username"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	Branch    string    `json:"branch,omitempty"`
	Active    bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateUserRequest struct {
	FullName string `json:"fullName" validate:"required,min=2,max=100"`
	Username string `json:"username" validate:"required,min=3,max=50"`
	Phone    string `json:"phone" validate:"required,ugphone"`
	Email    string `json:"email" validate:"omitempty,email"`
	Role     string `json:"role" validate:"required,oneof=director manager sales-agent"`
	Branch   string `json:"branch"`
}

// UserTokenDTO is returned when a user is registered: the record and a
// bearer token for it.
type UserTokenDTO struct {
	User  UserDTO `json:"user"`
	Token string  `json:"token"`
}

func toUserDTO(u core.User) UserDTO {
	return UserDTO{
		ID:        u.ID,
		FullName:  u.FullName,
		Username:  u.Username,
		Phone:     u.Phone,
		Email:     u.Email,
		Role:      string(u.Role),
		Branch:    string(u.Branch),
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
	}
}
