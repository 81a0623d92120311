package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/reserveja/backend/internal/http/middleware"
	"github.com/reserveja/backend/internal/whatsapp"
	"github.com/reserveja/backend/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger          *logging.Logger
	WhatsAppHandler *whatsapp.Handler
	MetricsHandler  http.Handler

	CompanyJWTSecret   string
	CORSAllowedOrigins []string

	// Rate limiting for the public webhook ingress.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.WhatsAppHandler != nil {
			ingress := public.With()
			if cfg.RateLimitPerSecond > 0 {
				ingress = public.With(httpmiddleware.RateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))
			}
			ingress.Post("/webhooks/whatsapp", cfg.WhatsAppHandler.HandleInboundWebhook)
		}
	})

	// Tenant-scoped API routes (company JWT required)
	if cfg.WhatsAppHandler != nil && cfg.CompanyJWTSecret != "" {
		r.Group(func(tenant chi.Router) {
			tenant.Use(httpmiddleware.CompanyJWT(cfg.CompanyJWTSecret))
			tenant.Mount("/whatsapp", cfg.WhatsAppHandler.Routes())
		})
	}

	return r
}
