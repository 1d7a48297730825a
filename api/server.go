/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address for the rate limiter
  3. accessLog:  logrus line per request (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the dashboard frontend
  6. rateLimit:  Fixed-window limit per client, only with a Limiter
  7. authenticate: Bearer token to core.Identity (everything but health)

ROUTE GROUPS:
  /api/health          Liveness and store ping (public)
  /api/products/*      Catalogue
  /api/prices/*        Price ledger
  /api/stock/*         Stock ledger
  /api/sales/*         Sale recorder
  /api/dashboard/*     Role-scoped aggregates
  /api/users/*         Staff directory

IDENTITY:
  authenticate verifies the token, then reloads the user so deactivated
  accounts lose access immediately. The identity travels in the request
  context; handlers read it with identityFrom.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/kgl/produce-engine/auth"
	"github.com/kgl/produce-engine/cache"
	"github.com/kgl/produce-engine/catalog"
	"github.com/kgl/produce-engine/core"
	"github.com/kgl/produce-engine/dashboard"
	"github.com/kgl/produce-engine/pricing"
	"github.com/kgl/produce-engine/sales"
	"github.com/kgl/produce-engine/staff"
	"github.com/kgl/produce-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Catalog   *catalog.Catalog
	Prices    *pricing.Ledger
	Stock     *stock.Ledger
	Sales     *sales.Recorder
	Dashboard *dashboard.Aggregator
	Staff     *staff.Directory
	Tokens    *auth.Issuer

	Cache   cache.Cache
	Limiter *cache.Limiter
	Log     logrus.FieldLogger

	// Location resolves date-only query parameters.
	Location *time.Location
	// Ping reports store health for /api/health. Optional.
	Ping        func(ctx context.Context) error
	CORSOrigins []string

	validate *validator.Validate
}

// Services groups the domain components a Handler serves.
type Services struct {
	Catalog   *catalog.Catalog
	Prices    *pricing.Ledger
	Stock     *stock.Ledger
	Sales     *sales.Recorder
	Dashboard *dashboard.Aggregator
	Staff     *staff.Directory
}

// NewHandler creates a handler over the given components. Cache, Limiter,
// Ping and CORSOrigins may be set on the result before NewRouter.
func NewHandler(svc Services, tokens *auth.Issuer, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{
		Catalog:   svc.Catalog,
		Prices:    svc.Prices,
		Stock:     svc.Stock,
		Sales:     svc.Sales,
		Dashboard: svc.Dashboard,
		Staff:     svc.Staff,
		Tokens:    tokens,
		Cache:     cache.Noop{},
		Log:       log,
		Location:  core.DefaultLocation,
		validate:  newValidator(),
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	origins := h.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			if h.Limiter != nil {
				r.Use(h.rateLimit)
			}

			// The very first user registers anonymously, so registration
			// authenticates optionally and leaves the decision to staff.
			r.Route("/users", func(r chi.Router) {
				r.With(h.optionalAuth).Post("/", h.CreateUser)
				r.With(h.authenticate).Get("/", h.ListUsers)
				r.With(h.authenticate).Get("/me", h.Me)
				r.With(h.authenticate).Get("/{id}", h.GetUser)
			})

			r.Group(func(r chi.Router) {
				r.Use(h.authenticate)

				r.Route("/products", func(r chi.Router) {
					r.Get("/", h.ListProducts)
					r.Post("/", h.CreateProduct)
					r.Get("/{id}", h.GetProduct)
					r.Put("/{id}", h.UpdateProduct)
					r.Delete("/{id}", h.DeactivateProduct)
				})

				r.Route("/prices", func(r chi.Router) {
					r.Get("/", h.ListPrices)
					r.Post("/", h.SetPrice)
					r.Get("/product/{id}", h.GetActivePrice)
					r.Get("/product/{id}/history", h.GetPriceHistory)
					r.Put("/{id}", h.UpdatePrice)
					r.Delete("/{id}", h.DeactivatePrice)
				})

				r.Route("/stock", func(r chi.Router) {
					r.Get("/", h.ListStock)
					r.Post("/", h.Procure)
					r.Get("/product/{id}", h.GetStockByProduct)
					r.Put("/decrease/{id}", h.DecreaseStock)
					r.Put("/{id}", h.AdjustStock)
				})

				r.Route("/sales", func(r chi.Router) {
					r.Get("/", h.ListSales)
					r.Post("/", h.CreateSale)
					r.Get("/summary/stats", h.SalesSummary)
					r.Get("/{id}", h.GetSale)
					r.Put("/{id}/payment", h.UpdatePayment)
				})

				r.Route("/dashboard", func(r chi.Router) {
					r.Get("/stats", h.DashboardStats)
					r.Get("/sales-trends", h.SalesTrends)
					r.Get("/top-products", h.TopProducts)
					r.Get("/branch-comparison", h.BranchComparison)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, Envelope{Success: false, Message: "Route not found"})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type identityKey struct{}

// callerKey holds a *caller that accessLog installs before routing, so the
// user resolved deeper in the chain reaches the log line.
type callerKey struct{}

type caller struct {
	userID string
}

func withIdentity(ctx context.Context, id core.Identity) context.Context {
	if c, ok := ctx.Value(callerKey{}).(*caller); ok {
		c.userID = id.UserID
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// identityFrom returns the caller set by authenticate, or a zero identity.
func identityFrom(ctx context.Context) core.Identity {
	id, _ := ctx.Value(identityKey{}).(core.Identity)
	return id
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.resolve(r)
		if err == nil && id.IsZero() {
			err = core.ErrUnauthenticated
		}
		if err != nil {
			h.writeError(w, r, "authenticate", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// optionalAuth sets the identity when a valid token is present and lets
// anonymous requests through. A token that is present but invalid is
// still rejected.
func (h *Handler) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.resolve(r)
		if err != nil {
			h.writeError(w, r, "optionalAuth", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// resolve turns the bearer token into the current identity of an active
// user. No header yields a zero identity and no error.
func (h *Handler) resolve(r *http.Request) (core.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return core.Identity{}, nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return core.Identity{}, core.ErrUnauthenticated
	}
	claimed, err := h.Tokens.Verify(strings.TrimSpace(token))
	if err != nil {
		return core.Identity{}, err
	}
	u, err := h.Staff.Lookup(r.Context(), claimed.UserID)
	if err != nil {
		return core.Identity{}, err
	}
	if u == nil || !u.Active {
		return core.Identity{}, core.ErrUnauthenticated
	}
	return u.Identity(), nil
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		who := &caller{}
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), callerKey{}, who)))
		fields := logrus.Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    ww.Status(),
			"bytes":     ww.BytesWritten(),
			"duration":  time.Since(start).String(),
			"requestId": middleware.GetReqID(r.Context()),
		}
		if who.userID != "" {
			fields["userId"] = who.userID
		}
		h.Log.WithFields(fields).Info("request")
	})
}

// rateLimit applies the Limiter per client address. Limiter errors let
// the request through.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		ok, err := h.Limiter.Allow(r.Context(), key)
		if err != nil {
			h.Log.WithError(err).Warn("rate limiter unavailable")
		} else if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.Limiter.Window().Seconds())))
			writeJSON(w, http.StatusTooManyRequests, Envelope{Success: false, Message: "Too many requests, please try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
