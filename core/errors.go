/*
errors.go - Error taxonomy shared by every component

PURPOSE:
  One error vocabulary for the ledgers, the recorder, the aggregator and
  the access policy. The HTTP layer maps these to status codes; nothing
  below the API knows about HTTP.

ERROR CATEGORIES:
  1. Validation - malformed or out-of-range input (400)
  2. Insufficient stock - a decrement would go negative (400)
  3. Forbidden - the access policy denied the call (403)
  4. Not found - unknown record, or no active price (404)
  5. Conflict - uniqueness or capacity violation (409)
  6. Unauthenticated - no usable identity (401)

USAGE:
  Structured errors unwrap to a sentinel, so callers test categories:

    if errors.Is(err, core.ErrInsufficientStock) { ... }

  and extract detail when they need it:

    var ise *core.InsufficientStockError
    if errors.As(err, &ise) { ... ise.Available ... }

SEE ALSO:
  - api/response.go: Status mapping
  - stock/ledger.go: Produces InsufficientStockError
  - access/policy.go: Produces ForbiddenError
*/
package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")

	// ErrConflict covers unique-key collisions and capacity limits.
	ErrConflict = errors.New("conflict")

	ErrUnauthenticated = errors.New("unauthenticated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ValidationErrors collects several field failures from one request.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a single-field validation failure.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

type ForbiddenError struct {
	Role     Role
	Resource string
	Action   string
	Branch   Branch
}

func (e *ForbiddenError) Error() string {
	if e.Branch != "" {
		return fmt.Sprintf("%s may not %s %s in %s", e.Role, e.Action, e.Resource, e.Branch)
	}
	return fmt.Sprintf("%s may not %s %s", e.Role, e.Action, e.Resource)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound is shorthand for a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// InsufficientStockError is returned before any write when a decrement
// would take a stock row below zero.
type InsufficientStockError struct {
	ProductName string
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock for %s. Available: %s", e.ProductName, e.Available.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type ConflictError struct {
	Kind    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return e.Kind + " conflict"
	}
	return e.Message
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
