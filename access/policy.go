/*
Package access is the deny-by-default access policy.

PURPOSE:
  Answers one question for every core operation: may this identity
  perform this action on this resource in this branch? The answer is a
  pure function of the identity and the request, with no storage lookups.

MODEL:
  A grant table maps (role, resource) to the allowed actions. Anything
  not in the table is denied. Branch-scoped resources additionally
  require the target branch to equal the caller's own branch; an empty
  target means "the caller's own branch".

  director:    catalogue reads, user administration and the system-wide
               aggregates (stats counts, top products, branch comparison).
               No stock, price or sales-detail access.
  manager:     full access to products, prices, stock and sales of the
               own branch, plus the branch dashboards.
  sales-agent: records sales, reads own sales, reads stock and active
               prices of the own branch, decrements stock when selling.

USAGE:
  if err := access.Authorize(id, access.Price, access.Create, branch); err != nil {
      return nil, err // *core.ForbiddenError
  }

SEE ALSO:
  - core/errors.go: ForbiddenError
*/
package access

import (
	"github.com/kgl/produce-engine/core"
)

// Resource names a protected kind of record or view.
type Resource string

const (
	Product          Resource = "product"
	Price            Resource = "price"
	Stock            Resource = "stock"
	Sale             Resource = "sale"
	SalesSummary     Resource = "sales-summary"
	DashboardStats   Resource = "dashboard-stats"
	SalesTrends      Resource = "sales-trends"
	TopProducts      Resource = "top-products"
	BranchComparison Resource = "branch-comparison"
	User             Resource = "user"
)

// Action is a verb performed on a resource.
type Action string

const (
	List      Action = "list"
	View      Action = "view"
	Create    Action = "create"
	Update    Action = "update"
	Delete    Action = "delete"
	History   Action = "history"
	Decrement Action = "decrement"
)

// branchScoped resources are partitioned by branch. A caller only ever
// reaches the partition of their own branch.
var branchScoped = map[Resource]bool{
	Price:          true,
	Stock:          true,
	Sale:           true,
	SalesSummary:   true,
	DashboardStats: true,
	SalesTrends:    true,
	TopProducts:    true,
}

type grants map[Resource][]Action

var matrix = map[core.Role]grants{
	core.RoleDirector: {
		Product:          {List, View},
		DashboardStats:   {View},
		TopProducts:      {View},
		BranchComparison: {View},
		User:             {List, View, Create},
	},
	core.RoleManager: {
		Product:        {List, View, Create, Update, Delete},
		Price:          {List, View, Create, Update, Delete, History},
		Stock:          {List, View, Create, Update, Decrement},
		Sale:           {List, View, Create, Update},
		SalesSummary:   {View},
		DashboardStats: {View},
		SalesTrends:    {View},
		TopProducts:    {View},
	},
	core.RoleSalesAgent: {
		Product:        {List, View},
		Price:          {List, View},
		Stock:          {List, View, Decrement},
		Sale:           {List, View, Create},
		SalesSummary:   {View},
		DashboardStats: {View},
		SalesTrends:    {View},
		TopProducts:    {View},
	},
}

// Can reports whether id may perform action on resource in target.
func Can(id core.Identity, resource Resource, action Action, target core.Branch) bool {
	if id.IsZero() {
		return false
	}
	if !granted(id.Role, resource, action) {
		return false
	}
	if id.Role == core.RoleDirector || !branchScoped[resource] {
		return true
	}
	if id.Branch == "" {
		return false
	}
	return target == "" || target == id.Branch
}

// Authorize is Can returning a *core.ForbiddenError on denial, or
// core.ErrUnauthenticated when there is no identity at all.
func Authorize(id core.Identity, resource Resource, action Action, target core.Branch) error {
	if id.IsZero() {
		return core.ErrUnauthenticated
	}
	if Can(id, resource, action, target) {
		return nil
	}
	return &core.ForbiddenError{
		Role:     id.Role,
		Resource: string(resource),
		Action:   string(action),
		Branch:   target,
	}
}

// Scope resolves the branch a branch-scoped read should cover. Directors
// have no branch; managers and agents always get their own.
func Scope(id core.Identity) core.Branch {
	if id.Role == core.RoleDirector {
		return ""
	}
	return id.Branch
}

// OwnSalesOnly reports whether id only sees sales it recorded.
func OwnSalesOnly(id core.Identity) bool {
	return id.Role == core.RoleSalesAgent
}

func granted(role core.Role, resource Resource, action Action) bool {
	for _, a := range matrix[role][resource] {
		if a == action {
			return true
		}
	}
	return false
}
