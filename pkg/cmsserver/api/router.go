package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/pkg/cmsserver/api/auth"
	"github.com/vire-cms/vire/pkg/cmsserver/api/handlers"
	apimw "github.com/vire-cms/vire/pkg/cmsserver/api/middleware"
	"github.com/vire-cms/vire/pkg/session/manager"
)

// NewRouter creates the chi router with all middleware and routes.
//
// Routes:
//   - GET  /health, /health/ready                  unauthenticated probes
//   - POST /api/v1/auth/login, /api/v1/auth/refresh
//   - GET  /api/v1/auth/me
//   - GET  /api/v1/sessions, /api/v1/sessions/{id}
//   - POST /api/v1/sessions/{id}/stop, /api/v1/sessions/{id}/clients
//   - DELETE /api/v1/sessions/{id}/clients/{connection}
//   - GET/POST /api/v1/reservations, GET/DELETE /api/v1/reservations/{key}
//   - GET  /api/v1/resources, /api/v1/roles/{name}
//   - GET  /api/v1/usecases/models, /api/v1/usecases/types
func NewRouter(m *manager.Manager, jwtService *auth.JWTService, cfg APIConfig, version string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(m, version)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	authHandler := handlers.NewAuthHandler(m.Users(), jwtService)
	sessionHandler := handlers.NewSessionHandler(m)
	reservationHandler := handlers.NewReservationHandler(m)
	catalogHandler := handlers.NewCatalogHandler(m)
	limiter := apimw.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(apimw.RateLimit(limiter)).Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
			r.With(apimw.JWTAuth(jwtService)).Get("/me", authHandler.Me)
		})

		r.Group(func(r chi.Router) {
			r.Use(apimw.JWTAuth(jwtService))

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", sessionHandler.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", sessionHandler.Get)
					r.Post("/stop", sessionHandler.Stop)
					r.Post("/clients", sessionHandler.Enter)
					r.Delete("/clients/{connection}", sessionHandler.Leave)
				})
			})

			r.Route("/reservations", func(r chi.Router) {
				r.Get("/", reservationHandler.List)
				r.With(apimw.RateLimit(limiter)).Post("/", reservationHandler.Create)
				r.Get("/{key}", reservationHandler.Get)
				r.Delete("/{key}", reservationHandler.Delete)
			})

			r.Get("/resources", catalogHandler.Resources)
			r.Get("/roles/{name}", catalogHandler.Role)
			r.Get("/usecases/models", catalogHandler.Models)
			r.Get("/usecases/types", catalogHandler.Types)
		})
	})

	return r
}

// requestLogger logs requests using the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}
