/*
Package core holds the shared domain model of the produce operations engine.

PURPOSE:
  Every component (price ledger, stock ledger, sale recorder, aggregator,
  access policy) speaks in the types defined here. Persistence adapters
  implement the interfaces in store.go against these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - Branch: closed set of physical locations, the scoping key for stock,
    prices and sales
  - Role / Identity: the request-scoped caller, passed explicitly into
    every core operation (there is no global "current user")
  - Product, Price, Stock, Sale, User: persisted records
  - Money and quantities: decimal.Decimal, never float64

DESIGN PRINCIPLES:
  1. Derived values are methods, not stored fields (ProfitMargin,
     IsLowStock, Balance)
  2. Enumerations are typed strings with Parse functions that reject
     unknown values with a ValidationError
  3. Records carry IDs as plain strings (UUIDs from NewID)

SEE ALSO:
  - errors.go: Error taxonomy shared by all components
  - store.go: Persistence interfaces
  - time.go: Clock and calendar-day helpers
*/
package core

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewID returns a fresh record identifier.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// BRANCH - Closed enumeration with an explicit extension point
// =============================================================================

// Branch is one of the business's physical locations.
type Branch string

const (
	Maganjo Branch = "Maganjo"
	Matugga Branch = "Matugga"
)

var (
	branchMu sync.RWMutex
	branches = []Branch{Maganjo, Matugga}
)

// Branches returns the registered branches in registration order.
func Branches() []Branch {
	branchMu.RLock()
	defer branchMu.RUnlock()
	out := make([]Branch, len(branches))
	copy(out, branches)
	return out
}

// RegisterBranch adds a branch to the closed set. Registering an existing
// branch is a no-op. Capacity and scoping rules apply per branch, so a new
// branch gets its own manager slot and agent slots.
func RegisterBranch(b Branch) {
	name := Branch(strings.TrimSpace(string(b)))
	if name == "" {
		return
	}
	branchMu.Lock()
	defer branchMu.Unlock()
	for _, existing := range branches {
		if strings.EqualFold(string(existing), string(name)) {
			return
		}
	}
	branches = append(branches, name)
}

// ParseBranch resolves a branch name case-insensitively.
func ParseBranch(s string) (Branch, error) {
	s = strings.TrimSpace(s)
	for _, b := range Branches() {
		if strings.EqualFold(string(b), s) {
			return b, nil
		}
	}
	return "", &ValidationError{Field: "branch", Message: "Branch must be one of " + branchList()}
}

// Valid reports whether b is a registered branch.
func (b Branch) Valid() bool {
	for _, known := range Branches() {
		if known == b {
			return true
		}
	}
	return false
}

func branchList() string {
	names := make([]string, 0, 2)
	for _, b := range Branches() {
		names = append(names, string(b))
	}
	return strings.Join(names, ", ")
}

// =============================================================================
// ROLES AND IDENTITY
// =============================================================================

type Role string

const (
	RoleDirector   Role = "director"
	RoleManager    Role = "manager"
	RoleSalesAgent Role = "sales-agent"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleDirector, RoleManager, RoleSalesAgent:
		return r, nil
	}
	return "", &ValidationError{Field: "role", Message: "Role must be director, manager or sales-agent"}
}

// Identity is the authenticated caller of a core operation.
// Directors have no branch.
type Identity struct {
	UserID string
	Name   string
	Role   Role
	Branch Branch
}

func (id Identity) IsZero() bool { return id.UserID == "" || id.Role == "" }

// =============================================================================
// PRODUCT
// =============================================================================

type Category string

const (
	CategoryGrain  Category = "Grain"
	CategoryLegume Category = "Legume"
	CategoryOther  Category = "Other"
)

func ParseCategory(s string) (Category, error) {
	for _, c := range []Category{CategoryGrain, CategoryLegume, CategoryOther} {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return "", &ValidationError{Field: "category", Message: "Category must be Grain, Legume, or Other"}
}

type Unit string

const (
	UnitKg  Unit = "kg"
	UnitTon Unit = "ton"
	UnitBag Unit = "bag"
)

// ParseUnit defaults an empty unit to kg.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case "":
		return UnitKg, nil
	case UnitKg, UnitTon, UnitBag:
		return u, nil
	}
	return "", &ValidationError{Field: "unit", Message: "Unit must be kg, ton, or bag"}
}

type Product struct {
	ID          string
	Name        string
	Category    Category
	Unit        Unit
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NormalizeProductName is the canonical form used for storage and for the
// case-insensitive uniqueness check.
func NormalizeProductName(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

// =============================================================================
// PRICE - Ledger entry, one active row per (product, branch)
// =============================================================================

type Price struct {
	ID           string
	ProductID    string
	Branch       Branch
	SellingPrice decimal.Decimal
	CostPrice    decimal.Decimal
	EffectiveAt  time.Time
	UpdatedBy    string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var hundred = decimal.NewFromInt(100)

// ProfitMargin is (selling - cost) / cost * 100, or zero when cost is zero.
func (p Price) ProfitMargin() decimal.Decimal {
	if p.CostPrice.IsZero() {
		return decimal.Zero
	}
	return p.SellingPrice.Sub(p.CostPrice).Div(p.CostPrice).Mul(hundred)
}

// NewerThan orders prices for "latest wins" resolution.
func (p Price) NewerThan(o Price) bool {
	if !p.EffectiveAt.Equal(o.EffectiveAt) {
		return p.EffectiveAt.After(o.EffectiveAt)
	}
	if !p.CreatedAt.Equal(o.CreatedAt) {
		return p.CreatedAt.After(o.CreatedAt)
	}
	return p.ID > o.ID
}

// =============================================================================
// STOCK - One row per (product, branch)
// =============================================================================

// DefaultReorderLevel applies when a procurement creates a row without an
// explicit reorder level.
var DefaultReorderLevel = decimal.NewFromInt(50)

type Stock struct {
	ID              string
	ProductID       string
	Branch          Branch
	Quantity        decimal.Decimal
	ReorderLevel    decimal.Decimal
	Supplier        string
	SupplierContact string
	CostPrice       *decimal.Decimal
	SellingPrice    *decimal.Decimal
	ProcurementDate *time.Time
	Notes           string
	LastRestocked   *time.Time
	RestockedBy     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s Stock) IsLowStock() bool {
	return s.Quantity.LessThanOrEqual(s.ReorderLevel)
}

// =============================================================================
// SALE
// =============================================================================

type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentMobileMoney  PaymentMethod = "mobile-money"
	PaymentBankTransfer PaymentMethod = "bank-transfer"
	PaymentCredit       PaymentMethod = "credit"
)

// ParsePaymentMethod defaults an empty method to cash.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return PaymentCash, nil
	case PaymentCash, PaymentMobileMoney, PaymentBankTransfer, PaymentCredit:
		return m, nil
	}
	return "", &ValidationError{Field: "paymentMethod", Message: "Invalid payment method"}
}

type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
)

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch st := PaymentStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case PaymentPaid, PaymentPending, PaymentPartial:
		return st, nil
	}
	return "", &ValidationError{Field: "paymentStatus", Message: "Invalid payment status"}
}

type SaleItem struct {
	ProductID   string
	ProductName string
	Unit        Unit
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	TotalPrice  decimal.Decimal
}

type Sale struct {
	ID            string
	SaleNumber    string
	Branch        Branch
	AgentID       string
	AgentName     string
	Items         []SaleItem
	TotalAmount   decimal.Decimal
	PaymentMethod PaymentMethod
	CustomerName  string
	CustomerPhone string
	IsCreditSale  bool
	PaymentStatus PaymentStatus
	AmountPaid    decimal.Decimal
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Balance is the amount still owed on the sale.
func (s Sale) Balance() decimal.Decimal {
	owed := s.TotalAmount.Sub(s.AmountPaid)
	if owed.IsNegative() {
		return decimal.Zero
	}
	return owed
}

// Outstanding is the amount counted as pending in summaries: the balance of
// any sale that is not marked paid.
func (s Sale) Outstanding() decimal.Decimal {
	if s.PaymentStatus == PaymentPaid {
		return decimal.Zero
	}
	return s.TotalAmount.Sub(s.AmountPaid)
}

// =============================================================================
// USER - Shape consumed everywhere, owned by the staff directory
// =============================================================================

type User struct {
	ID        string
	FullName  string
	Username  string
	Phone     string
	Email     string
	Role      Role
	Branch    Branch
	Active    bool
	CreatedAt time.Time
}

func (u User) Identity() Identity {
	return Identity{UserID: u.ID, Name: u.FullName, Role: u.Role, Branch: u.Branch}
}

var phonePattern = regexp.MustCompile(`^(\+256|0)[0-9]{9}$`)

// ValidPhone reports whether phone is +256XXXXXXXXX or 0XXXXXXXXX.
func ValidPhone(phone string) bool { return phonePattern.MatchString(phone) }
