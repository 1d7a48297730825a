// Package catalog manages the product catalogue: creation (explicit or
// implicit during procurement), edits and deactivation. Products are never
// deleted.
package catalog

import (
	"context"
	"strings"

	"github.com/kgl/produce-engine/access"
	"github.com/kgl/produce-engine/core"
)

type Catalog struct {
	store core.Store
	Clock core.Clock
}

func New(store core.Store) *Catalog {
	return &Catalog{store: store}
}

type NewProduct struct {
	Name        string
	Category    string
	Unit        string
	Description string
}

// UpdateProduct carries the editable fields. Nil means unchanged; the name
// is part of the product's identity and cannot change.
type UpdateProduct struct {
	Category    *string
	Unit        *string
	Description *string
	Active      *bool
}

func (c *Catalog) Create(ctx context.Context, id core.Identity, in NewProduct) (*core.Product, error) {
	if err := access.Authorize(id, access.Product, access.Create, ""); err != nil {
		return nil, err
	}
	p, err := build(in)
	if err != nil {
		return nil, err
	}

	existing, err := c.store.GetProductByName(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &core.ConflictError{Kind: "product", Message: "Product " + p.Name + " already exists"}
	}

	now := c.Clock.Now()
	p.ID = core.NewID()
	p.Active = true
	p.CreatedAt, p.UpdatedAt = now, now
	if err := c.store.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Ensure returns the product with the given name, creating it when it does
// not exist yet. created reports which happened.
func (c *Catalog) Ensure(ctx context.Context, id core.Identity, in NewProduct) (p *core.Product, created bool, err error) {
	if err := access.Authorize(id, access.Product, access.Create, ""); err != nil {
		return nil, false, err
	}
	name := core.NormalizeProductName(in.Name)
	if name == "" {
		return nil, false, core.Invalid("productName", "Product name is required")
	}
	existing, err := c.store.GetProductByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	if in.Category == "" {
		in.Category = string(core.CategoryOther)
	}

	p, err = c.Create(ctx, id, in)
	if core.IsConflict(err) {
		// lost a race with another creator; theirs is as good as ours
		existing, lookupErr := c.store.GetProductByName(ctx, name)
		if lookupErr == nil && existing != nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (c *Catalog) List(ctx context.Context, id core.Identity, activeOnly bool) ([]core.Product, error) {
	if err := access.Authorize(id, access.Product, access.List, ""); err != nil {
		return nil, err
	}
	return c.store.ListProducts(ctx, activeOnly)
}

func (c *Catalog) Get(ctx context.Context, id core.Identity, productID string) (*core.Product, error) {
	if err := access.Authorize(id, access.Product, access.View, ""); err != nil {
		return nil, err
	}
	return c.load(ctx, productID)
}

func (c *Catalog) Update(ctx context.Context, id core.Identity, productID string, in UpdateProduct) (*core.Product, error) {
	if err := access.Authorize(id, access.Product, access.Update, ""); err != nil {
		return nil, err
	}
	p, err := c.load(ctx, productID)
	if err != nil {
		return nil, err
	}

	if in.Category != nil {
		cat, err := core.ParseCategory(*in.Category)
		if err != nil {
			return nil, err
		}
		p.Category = cat
	}
	if in.Unit != nil {
		unit, err := core.ParseUnit(*in.Unit)
		if err != nil {
			return nil, err
		}
		p.Unit = unit
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	if in.Active != nil {
		p.Active = *in.Active
	}
	p.UpdatedAt = c.Clock.Now()

	if err := c.store.UpdateProduct(ctx, *p); err != nil {
		return nil, err
	}
	return p, nil
}

// Deactivate hides the product from active listings. Prices, stock and
// sales referring to it are untouched.
func (c *Catalog) Deactivate(ctx context.Context, id core.Identity, productID string) (*core.Product, error) {
	if err := access.Authorize(id, access.Product, access.Delete, ""); err != nil {
		return nil, err
	}
	p, err := c.load(ctx, productID)
	if err != nil {
		return nil, err
	}
	p.Active = false
	p.UpdatedAt = c.Clock.Now()
	if err := c.store.UpdateProduct(ctx, *p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Catalog) load(ctx context.Context, productID string) (*core.Product, error) {
	p, err := c.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, core.NotFound("product", productID)
	}
	return p, nil
}

func build(in NewProduct) (core.Product, error) {
	var errs core.ValidationErrors

	name := core.NormalizeProductName(in.Name)
	if name == "" {
		errs = append(errs, &core.ValidationError{Field: "name", Message: "Product name is required"})
	}
	cat, err := core.ParseCategory(in.Category)
	if err != nil {
		errs = append(errs, err.(*core.ValidationError))
	}
	unit, err := core.ParseUnit(in.Unit)
	if err != nil {
		errs = append(errs, err.(*core.ValidationError))
	}
	if len(errs) > 0 {
		return core.Product{}, errs
	}

	return core.Product{
		Name:        name,
		Category:    cat,
		Unit:        unit,
		Description: strings.TrimSpace(in.Description),
	}, nil
}
