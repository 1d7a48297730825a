/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the KGL produce engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Initialize logger and register extra branches
  3. Initialize SQLite store
  4. Connect Redis for the dashboard cache and rate limit, when configured
  5. Wire the domain components into the API handler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close Redis and database connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/kgl.db"

  # Run with in-memory database and text logs
  LOG_FORMAT=text ./server -db=":memory:"

  # Run with the dashboard cache
  REDIS_ADDRESS=localhost:6379 ./server

ENVIRONMENT:
  See config/config.go for every key.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
  - cmd/seed: Demo data and tokens
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kgl/produce-engine/api"
	"github.com/kgl/produce-engine/auth"
	"github.com/kgl/produce-engine/cache"
	"github.com/kgl/produce-engine/catalog"
	"github.com/kgl/produce-engine/config"
	"github.com/kgl/produce-engine/dashboard"
	"github.com/kgl/produce-engine/pricing"
	"github.com/kgl/produce-engine/sales"
	"github.com/kgl/produce-engine/staff"
	"github.com/kgl/produce-engine/stock"
	"github.com/kgl/produce-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.DBPath = *port, *dbPath

	log := config.NewLogger(cfg)
	cfg.RegisterBranches()
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Invalid timezone: %v", err)
	}
	if cfg.UsesDevSecret() {
		log.Warn("JWT_SECRET is not set, using the development secret")
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Optional Redis
	var dashCache cache.Cache = cache.Noop{}
	var limiter *cache.Limiter
	if cfg.RedisAddress != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rc, err := cache.NewRedis(ctx, cfg.RedisAddress, cfg.CacheTTL, log)
		cancel()
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, dashboard cache and rate limit disabled")
		} else {
			defer rc.Close()
			dashCache = rc
			if cfg.RateLimit > 0 {
				limiter = cache.NewLimiter(rc.Client(), cfg.RateLimit, time.Minute)
			}
			log.WithField("address", cfg.RedisAddress).Info("Redis connected")
		}
	}

	// Domain components
	products := catalog.New(store)
	prices := pricing.NewLedger(store)
	stockLedger := stock.NewLedger(store, products)
	recorder := sales.NewRecorder(store, stockLedger, log.WithField("module", "sales"))
	recorder.Location = loc
	directory := staff.New(store)
	aggregator := dashboard.New(store, prices, directory, dashCache)
	aggregator.Location = loc
	aggregator.Target = cfg.BranchTarget

	// Initialize handler
	handler := api.NewHandler(api.Services{
		Catalog:   products,
		Prices:    prices,
		Stock:     stockLedger,
		Sales:     recorder,
		Dashboard: aggregator,
		Staff:     directory,
	}, auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL), log.WithField("module", "api"))
	handler.Cache = dashCache
	handler.Limiter = limiter
	handler.Location = loc
	handler.Ping = store.Ping
	handler.CORSOrigins = cfg.CORSOrigins

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "db": cfg.DBPath, "timezone": cfg.Timezone}).
			Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped")
}
