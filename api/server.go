/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error bodies
  2. RealIP:     Client address behind the reverse proxy
  3. Logger:     Request logging through zerolog
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the web front end
  6. Metrics:    Per-route request count and latency

ROUTE GROUPS:
  /health, /metrics       Unauthenticated probes
  /api/payments/callback  Gateway callback, authenticated by HMAC signature
  /api/*                  Everything else, behind the JWT middleware

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/warp/kos-engine/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Auth           *Authenticator
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  log.New(opts.Logger.With().Str("component", "http").Logger(), "", 0),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))
	r.Use(instrument)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Signed by the gateway, not by a user token.
		r.Post("/payments/callback", h.PaymentCallback)

		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.Middleware)

			r.Route("/bookings", func(r chi.Router) {
				r.Get("/", h.ListBookings)
				r.Post("/", h.CreateBooking)
				r.Post("/direct", h.CreateDirectBooking)
				r.Get("/{id}", h.GetBooking)
				r.Get("/{id}/history", h.BookingHistory)
				r.Post("/{id}/submit", h.SubmitBooking)
				r.Post("/{id}/check-in", h.CheckIn)
				r.Post("/{id}/check-out", h.CheckOut)
				r.Post("/{id}/cancel", h.CancelBooking)
				r.Post("/{id}/renew", h.RenewBooking)
				r.Get("/{id}/payments", h.ListPayments)
				r.Post("/{id}/payments", h.RecordPayment)
			})

			r.Get("/rooms/{id}/availability", h.RoomAvailability)

			r.Route("/payments", func(r chi.Router) {
				r.Get("/{id}/qr", h.PaymentQR)
				r.Post("/{id}/settle", h.SettlePayment)
			})

			r.Route("/operators/{id}/accounts", func(r chi.Router) {
				r.Get("/", h.ListAccounts)
				r.Post("/", h.CreateAccount)
			})

			r.Route("/accounts/{id}", func(r chi.Router) {
				r.Post("/archive", h.ArchiveAccount)
				r.Get("/balance", h.AccountBalance)
				r.Get("/entries", h.AccountEntries)
				r.Post("/adjustments", h.CreateAdjustment)
			})

			r.Post("/entries/{id}/reverse", h.ReverseEntry)

			r.Route("/withdrawals", func(r chi.Router) {
				r.Get("/", h.ListWithdrawals)
				r.Post("/", h.CreateWithdrawal)
				r.Post("/{id}/decide", h.DecideWithdrawal)
				r.Post("/{id}/paid", h.MarkWithdrawalPaid)
			})

			r.Post("/admin/due-soon", h.TriggerDueSoon)
		})
	})

	return r
}

// instrument records request count and latency by route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
