package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgl/produce-engine/catalog"
	"github.com/kgl/produce-engine/core"
	"github.com/kgl/produce-engine/core/store"
)

var (
	manager  = core.Identity{UserID: "u-mgr", Name: "Grace", Role: core.RoleManager, Branch: core.Maganjo}
	agent    = core.Identity{UserID: "u-agt", Name: "Peter", Role: core.RoleSalesAgent, Branch: core.Maganjo}
	director = core.Identity{UserID: "u-dir", Name: "Orban", Role: core.RoleDirector}
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	return catalog.New(store.NewMemory())
}

func TestCreate_NormalizesName(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	p, err := c.Create(ctx, manager, catalog.NewProduct{Name: "  maize   flour ", Category: "grain"})
	require.NoError(t, err)

	assert.Equal(t, "MAIZE FLOUR", p.Name)
	assert.Equal(t, core.CategoryGrain, p.Category)
	assert.Equal(t, core.UnitKg, p.Unit, "unit defaults to kg")
	assert.True(t, p.Active)
	assert.NotEmpty(t, p.ID)
}

func TestCreate_DuplicateNameIsConflict(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Create(ctx, manager, catalog.NewProduct{Name: "Beans", Category: "Legume"})
	require.NoError(t, err)

	_, err = c.Create(ctx, manager, catalog.NewProduct{Name: "BEANS", Category: "Legume"})
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestCreate_RejectsInvalidFields(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.Create(context.Background(), manager, catalog.NewProduct{Name: " ", Category: "Fruit", Unit: "litre"})
	require.ErrorIs(t, err, core.ErrValidation)

	var errs core.ValidationErrors
	require.ErrorAs(t, err, &errs)
	assert.Len(t, errs, 3)
}

func TestCreate_ManagerOnly(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Create(ctx, agent, catalog.NewProduct{Name: "Soya", Category: "Legume"})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = c.Create(ctx, director, catalog.NewProduct{Name: "Soya", Category: "Legume"})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestEnsure_ReusesExisting(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	first, created, err := c.Ensure(ctx, manager, catalog.NewProduct{Name: "g-nuts"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, core.CategoryOther, first.Category)

	second, created, err := c.Ensure(ctx, manager, catalog.NewProduct{Name: "G-NUTS"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestUpdateAndDeactivate(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	p, err := c.Create(ctx, manager, catalog.NewProduct{Name: "Sorghum", Category: "Grain"})
	require.NoError(t, err)

	unit := "bag"
	desc := "50kg bags"
	updated, err := c.Update(ctx, manager, p.ID, catalog.UpdateProduct{Unit: &unit, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, core.UnitBag, updated.Unit)
	assert.Equal(t, "SORGHUM", updated.Name)

	_, err = c.Deactivate(ctx, manager, p.ID)
	require.NoError(t, err)

	active, err := c.List(ctx, agent, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := c.List(ctx, director, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)
}

func TestGet_UnknownProduct(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.Get(context.Background(), agent, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
