/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in X-Request-Id
  2. RealIP:     Client address behind the storefront proxy
  3. Logger:     One zap line per request, plus the latency histogram
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       The storefront widget calls /redeem from the shop domain

ROUTE GROUPS:
  /redeem               Storefront widget
  /webhooks/*           Platform order/refund events
  /api/customers/*      Customer loyalty views
  /api/admin/*          Operator endpoints and demo scenarios
  /metrics, /healthz    Operations

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/metrics"
)

// RouterConfig carries the router's optional collaborators.
type RouterConfig struct {
	AllowedOrigins []string
	Metrics        *metrics.Recorder
	Log            *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log, cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Storefront
	r.Post("/redeem", h.Redeem)

	// Platform webhooks
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/orders", h.OrderCreated)
		r.Post("/refunds", h.RefundCreated)
	})

	r.Route("/api", func(r chi.Router) {
		// Customer routes
		r.Route("/customers/{id}", func(r chi.Router) {
			r.Get("/loyalty", h.GetLoyalty)
			r.Get("/history", h.GetHistory)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/customers/{id}/adjust", h.AdjustCustomer)
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.PutSettings)
			r.Get("/coupons/stats", h.GetCouponStats)
			r.Get("/redemptions", h.ListRedemptions)
			r.Get("/redemptions/{id}", h.GetRedemption)
			r.Post("/redemptions/{id}/resolve", h.ResolveRedemption)

			// Demo scenarios
			r.Get("/scenarios", h.ListScenarios)
			r.Get("/scenarios/current", h.GetCurrentScenario)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	})

	// Operations
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	return r
}

// requestLogger writes one line per request and observes its latency
// under the matched route pattern.
func requestLogger(log *zap.Logger, m *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				elapsed := time.Since(start)
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				route := ""
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					route = rctx.RoutePattern()
				}
				m.ObserveRequest(route, r.Method, status, elapsed)

				fields := []zap.Field{
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("route", route),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", elapsed),
					zap.String("remote", r.RemoteAddr),
				}
				switch {
				case status >= http.StatusInternalServerError:
					log.Error("request", fields...)
				case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
					log.Debug("request", fields...)
				default:
					log.Info("request", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
