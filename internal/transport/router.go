package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/odatagrid/internal/config"
	"github.com/pitabwire/odatagrid/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Grids        GridCatalog
	Sessions     SessionHost

	// Metrics is optional; when set, HTTP requests are recorded and
	// MetricsHandler is served on the configured path.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}

	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		metricsHandler := deps.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = observability.Handler()
		}
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/ui/sessions/{sessionId}/events", handleSessionEvents(deps.Sessions, logger))

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

			r.Get("/ui/grids", handleListGrids(deps.Grids))
			r.Get("/ui/grids/{gridId}", handleGetGrid(deps.Grids))
			r.Post("/ui/grids/{gridId}/sessions", handleCreateSession(deps.Sessions))

			r.Get("/ui/sessions", handleListSessions(deps.Sessions))
			r.Get("/ui/sessions/{sessionId}", handleGetSession(deps.Sessions))
			r.Delete("/ui/sessions/{sessionId}", handleCloseSession(deps.Sessions))
			r.Post("/ui/sessions/{sessionId}/read", handleSessionAction(deps.Sessions, readAction))
			r.Post("/ui/sessions/{sessionId}/refresh", handleSessionAction(deps.Sessions, refreshAction))
			r.Post("/ui/sessions/{sessionId}/page", handleSessionAction(deps.Sessions, pageAction))
			r.Post("/ui/sessions/{sessionId}/filter", handleSessionAction(deps.Sessions, filterAction))
			r.Post("/ui/sessions/{sessionId}/sort", handleSessionAction(deps.Sessions, sortAction))
			r.Post("/ui/sessions/{sessionId}/clear", handleSessionAction(deps.Sessions, clearAction))
			r.Put("/ui/sessions/{sessionId}/data", handleSetData(deps.Sessions))
		})
	})

	return r
}
