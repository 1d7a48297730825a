package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgl/produce-engine/access"
	"github.com/kgl/produce-engine/core"
)

var (
	director = core.Identity{UserID: "u-dir", Role: core.RoleDirector}
	manager  = core.Identity{UserID: "u-mgr", Role: core.RoleManager, Branch: core.Maganjo}
	agent    = core.Identity{UserID: "u-agt", Role: core.RoleSalesAgent, Branch: core.Maganjo}
)

func TestCan_Matrix(t *testing.T) {
	cases := []struct {
		name     string
		id       core.Identity
		resource access.Resource
		action   access.Action
		target   core.Branch
		want     bool
	}{
		{"director reads products", director, access.Product, access.List, "", true},
		{"director cannot create products", director, access.Product, access.Create, "", false},
		{"director sees stats", director, access.DashboardStats, access.View, "", true},
		{"director sees top products", director, access.TopProducts, access.View, "", true},
		{"director compares branches", director, access.BranchComparison, access.View, "", true},
		{"director denied stock", director, access.Stock, access.List, core.Maganjo, false},
		{"director denied prices", director, access.Price, access.List, "", false},
		{"director denied sales list", director, access.Sale, access.List, "", false},
		{"director denied sale detail", director, access.Sale, access.View, "", false},
		{"director denied trends", director, access.SalesTrends, access.View, "", false},
		{"director registers users", director, access.User, access.Create, "", true},

		{"manager sets own branch price", manager, access.Price, access.Create, core.Maganjo, true},
		{"manager cannot set other branch price", manager, access.Price, access.Create, core.Matugga, false},
		{"manager procures own branch", manager, access.Stock, access.Create, core.Maganjo, true},
		{"manager cannot procure other branch", manager, access.Stock, access.Create, core.Matugga, false},
		{"manager updates payment", manager, access.Sale, access.Update, core.Maganjo, true},
		{"manager reads price history", manager, access.Price, access.History, core.Maganjo, true},
		{"manager denied branch comparison", manager, access.BranchComparison, access.View, "", false},
		{"manager denied user admin", manager, access.User, access.Create, "", false},
		{"manager empty target means own branch", manager, access.Stock, access.List, "", true},

		{"agent records sale", agent, access.Sale, access.Create, core.Maganjo, true},
		{"agent cannot sell for other branch", agent, access.Sale, access.Create, core.Matugga, false},
		{"agent reads stock", agent, access.Stock, access.List, core.Maganjo, true},
		{"agent decrements stock", agent, access.Stock, access.Decrement, core.Maganjo, true},
		{"agent cannot procure", agent, access.Stock, access.Create, core.Maganjo, false},
		{"agent reads prices", agent, access.Price, access.View, core.Maganjo, true},
		{"agent cannot set price", agent, access.Price, access.Create, core.Maganjo, false},
		{"agent denied price history", agent, access.Price, access.History, core.Maganjo, false},
		{"agent cannot update payment", agent, access.Sale, access.Update, core.Maganjo, false},
		{"agent cannot create product", agent, access.Product, access.Create, "", false},

		{"anonymous denied", core.Identity{}, access.Product, access.List, "", false},
		{"unknown role denied", core.Identity{UserID: "x", Role: "auditor"}, access.Product, access.List, "", false},
		{"branchless manager denied scoped", core.Identity{UserID: "m", Role: core.RoleManager}, access.Stock, access.List, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, access.Can(tc.id, tc.resource, tc.action, tc.target))
		})
	}
}

func TestAuthorize_ReturnsForbiddenError(t *testing.T) {
	err := access.Authorize(manager, access.Price, access.Create, core.Matugga)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrForbidden)

	var fe *core.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, core.RoleManager, fe.Role)
	assert.Equal(t, core.Matugga, fe.Branch)
	assert.Equal(t, "price", fe.Resource)
}

func TestAuthorize_NoIdentity(t *testing.T) {
	err := access.Authorize(core.Identity{}, access.Product, access.List, "")
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestScope(t *testing.T) {
	assert.Equal(t, core.Branch(""), access.Scope(director))
	assert.Equal(t, core.Maganjo, access.Scope(manager))
	assert.True(t, access.OwnSalesOnly(agent))
	assert.False(t, access.OwnSalesOnly(manager))
}
