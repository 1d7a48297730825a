/*
main.go - Demo data loader

PURPOSE:
  Populates an empty database with a realistic starting point: the
  director, a manager and two sales agents per branch, the produce
  catalogue, opening stock and prices. Prints a bearer token per user so
  the API can be exercised straight away.

HOW SEEDING WORKS:
 1. Register the director (bootstrap registration)
 2. Register branch staff as the director
 3. Procure opening stock per branch as its manager (creates products)
 4. Set selling and cost prices per branch

USAGE:
  go run ./cmd/seed -db=produce.db

NOTE:
  Refuses to run against a directory that already has users.

SEE ALSO:
  - cmd/server/main.go: Server startup
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kgl/produce-engine/auth"
	"github.com/kgl/produce-engine/catalog"
	"github.com/kgl/produce-engine/config"
	"github.com/kgl/produce-engine/core"
	"github.com/kgl/produce-engine/pricing"
	"github.com/kgl/produce-engine/staff"
	"github.com/kgl/produce-engine/stock"
	"github.com/kgl/produce-engine/store/sqlite"
)

// =============================================================================
// DEMO DATA
// =============================================================================

type produce struct {
	Name     string
	Category string
	Quantity int64
	Cost     int64
	Selling  int64
}

var catalogue = []produce{
	{Name: "Beans", Category: "Legume", Quantity: 1200, Cost: 3200, Selling: 4000},
	{Name: "Grain Maize", Category: "Grain", Quantity: 3000, Cost: 1100, Selling: 1500},
	{Name: "Cow Peas", Category: "Legume", Quantity: 600, Cost: 3500, Selling: 4500},
	{Name: "G-nuts", Category: "Legume", Quantity: 800, Cost: 5200, Selling: 6500},
	{Name: "Soybeans", Category: "Legume", Quantity: 900, Cost: 2600, Selling: 3300},
}

type person struct {
	FullName string
	Username string
	Phone    string
	Role     core.Role
	Branch   core.Branch
}

var team = []person{
	{FullName: "Orban Director", Username: "director", Phone: "0772000001", Role: core.RoleDirector},
	{FullName: "Maganjo Manager", Username: "maganjo_manager", Phone: "0772000002", Role: core.RoleManager, Branch: core.Maganjo},
	{FullName: "Maganjo Agent One", Username: "maganjo_agent1", Phone: "0772000003", Role: core.RoleSalesAgent, Branch: core.Maganjo},
	{FullName: "Maganjo Agent Two", Username: "maganjo_agent2", Phone: "0772000004", Role: core.RoleSalesAgent, Branch: core.Maganjo},
	{FullName: "Matugga Manager", Username: "matugga_manager", Phone: "0772000005", Role: core.RoleManager, Branch: core.Matugga},
	{FullName: "Matugga Agent One", Username: "matugga_agent1", Phone: "0772000006", Role: core.RoleSalesAgent, Branch: core.Matugga},
	{FullName: "Matugga Agent Two", Username: "matugga_agent2", Phone: "0772000007", Role: core.RoleSalesAgent, Branch: core.Matugga},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	log := config.NewLogger(cfg)
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err := seed(context.Background(), store, issuer, os.Stdout); err != nil {
		config.LogError(log, "seed", "main", *dbPath, nil, err)
		os.Exit(1)
	}
}

// seed loads the demo data into store and writes a token table to out.
func seed(ctx context.Context, store core.Store, issuer *auth.Issuer, out io.Writer) error {
	directory := staff.New(store)
	n, err := directory.ActiveCount(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("database already has %d users, refusing to seed", n)
	}

	users, err := registerTeam(ctx, directory)
	if err != nil {
		return err
	}

	products := catalog.New(store)
	stockLedger := stock.NewLedger(store, products)
	prices := pricing.NewLedger(store)
	for _, u := range users {
		if u.Role != core.RoleManager {
			continue
		}
		if err := stockBranch(ctx, u.Identity(), stockLedger, prices); err != nil {
			return fmt.Errorf("stocking %s: %w", u.Branch, err)
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tROLE\tBRANCH\tTOKEN")
	for _, u := range users {
		token, err := issuer.Issue(u.Identity())
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.Username, u.Role, u.Branch, token)
	}
	return tw.Flush()
}

func registerTeam(ctx context.Context, directory *staff.Directory) ([]core.User, error) {
	var users []core.User
	var director core.Identity
	for _, p := range team {
		u, err := directory.Register(ctx, director, staff.NewUser{
			FullName: p.FullName,
			Username: p.Username,
			Phone:    p.Phone,
			Role:     string(p.Role),
			Branch:   string(p.Branch),
		})
		if err != nil {
			return nil, fmt.Errorf("registering %s: %w", p.Username, err)
		}
		if u.Role == core.RoleDirector {
			director = u.Identity()
		}
		users = append(users, *u)
	}
	return users, nil
}

func stockBranch(ctx context.Context, manager core.Identity, stockLedger *stock.Ledger, prices *pricing.Ledger) error {
	for _, item := range catalogue {
		cost := decimal.NewFromInt(item.Cost)
		selling := decimal.NewFromInt(item.Selling)
		row, _, err := stockLedger.Procure(ctx, manager, stock.Procurement{
			ProductName:  item.Name,
			Category:     item.Category,
			Quantity:     decimal.NewFromInt(item.Quantity),
			Supplier:     "Wakiso Farmers Cooperative",
			CostPrice:    &cost,
			SellingPrice: &selling,
		})
		if err != nil {
			return err
		}
		if _, err := prices.Set(ctx, manager, pricing.SetPrice{
			ProductID:    row.ProductID,
			SellingPrice: selling,
			CostPrice:    cost,
		}); err != nil {
			return err
		}
	}
	return nil
}
