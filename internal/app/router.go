package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/facturation-api/internal/common"
	"github.com/noah-isme/facturation-api/internal/config"
	"github.com/noah-isme/facturation-api/internal/document"
	"github.com/noah-isme/facturation-api/internal/events"
	"github.com/noah-isme/facturation-api/internal/health"
	"github.com/noah-isme/facturation-api/internal/lock"
	"github.com/noah-isme/facturation-api/internal/obs"
	"github.com/noah-isme/facturation-api/internal/payment"
	"github.com/noah-isme/facturation-api/internal/ratelimit"
	"github.com/noah-isme/facturation-api/internal/security"
	"github.com/noah-isme/facturation-api/internal/store"
	"github.com/noah-isme/facturation-api/internal/totals"
)

// Dependencies are the process-wide resources the HTTP surface is built from.
type Dependencies struct {
	Config         *config.Config
	Logger         zerolog.Logger
	Store          store.Store
	DB             health.Pinger
	Redis          *redis.Client
	HTTPMetrics    *obs.HTTPMetrics
	MetricsHandler http.Handler
	TracingEnabled bool
	Now            func() time.Time
}

// Services groups the domain services wired from Dependencies.
type Services struct {
	Documents *document.Service
	Payments  *payment.Service
	Bus       *events.Bus
}

// NewServices wires the document and payment services onto the store.
func NewServices(deps Dependencies) Services {
	cfg := deps.Config
	bus := &events.Bus{
		Store:     deps.Store,
		Notifiers: []events.Notifier{events.LogNotifier{Logger: deps.Logger.With().Str("component", "events").Logger()}},
	}
	docs := &document.Service{
		Store:  deps.Store,
		Events: bus,
		Defaults: totals.Defaults{
			Currency:     cfg.CurrencyCode,
			StampDuty:    cfg.StampDutyDefault,
			FodecRatePct: cfg.FodecRateDefault,
		},
		Logger: deps.Logger.With().Str("component", "document").Logger(),
		Now:    deps.Now,
	}
	payments := &payment.Service{
		Q:         deps.Store,
		Locker:    lock.Locker{R: deps.Redis, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL:   cfg.LockTTL,
		Documents: deps.Store,
		Events:    bus,
		Logger:    deps.Logger.With().Str("component", "payment").Logger(),
		Now:       deps.Now,
	}
	return Services{Documents: docs, Payments: payments, Bus: bus}
}

// NewRouter builds the HTTP handler with the middleware stack and routes.
func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	svcs := NewServices(deps)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if deps.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if deps.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: deps.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: deps.Logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: cfg.EnableHSTS}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", common.IdempotencyHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	healthHandler := health.Handler{Checker: health.Deps{DB: deps.DB, Redis: deps.Redis}}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	rlLogger := deps.Logger.With().Str("component", "ratelimit").Logger()
	throttle := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: deps.Redis, Prefix: "ratelimit:payments:", Now: deps.Now},
		Window:  cfg.PaymentRateWindow,
		Max:     cfg.PaymentRateLimit,
		OnError: func(err error) { rlLogger.Warn().Err(err).Msg("rate_limit_unavailable") },
	}
	totalsHandler := totals.Handler{Defaults: svcs.Documents.Defaults}
	docHandler := &document.Handler{Svc: svcs.Documents}
	payHandler := &payment.Handler{Svc: svcs.Payments}

	r.Route("/api/v1", func(v chi.Router) {
		v.Post("/totals/preview", totalsHandler.Preview)

		v.Route("/customers/{customerId}", func(c chi.Router) {
			c.Get("/unpaid", payHandler.Unpaid)
			c.With(idem.Middleware).Post("/advances", payHandler.CreditAdvance)

			c.Route("/documents", func(d chi.Router) {
				d.Post("/", docHandler.Create)
				d.Route("/{documentId}", func(doc chi.Router) {
					doc.Get("/", docHandler.Get)
					doc.Get("/totals", docHandler.Totals)
					doc.Put("/lines", docHandler.ReplaceLines)
					doc.Post("/finalize", docHandler.Finalize)
					doc.Get("/balance", payHandler.Balance)
					doc.Get("/payments", payHandler.History)
					doc.With(throttle.Middleware, idem.Middleware).Post("/payments", payHandler.Submit)
				})
			})
		})
	})
	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}
