package api

import (
	"net/http"

	"github.com/gatedl/gatedl/internal/auth"
	apperrors "github.com/gatedl/gatedl/internal/errors"
	"github.com/gatedl/gatedl/internal/health"
	"github.com/gatedl/gatedl/internal/logger"
	"github.com/gatedl/gatedl/internal/metrics"
	"github.com/gatedl/gatedl/internal/middleware"
	"github.com/gatedl/gatedl/internal/validators"
	"github.com/gatedl/gatedl/internal/websocket"
)

const sessionsPerMinute = 5

type Deps struct {
	AuthService     *auth.Service
	Downloads       DownloadService
	Tokens          TokenReader
	Health          *health.Handler
	Metrics         *metrics.Metrics
	WebSocket       *websocket.Handler
	Validators      *validators.Registry
	DownloadsDir    string
	SubmitPerMinute int
	AllowedOrigins  []string
}

type Router struct {
	mux               *http.ServeMux
	authHandlers      *auth.Handlers
	authService       *auth.Service
	downloadHandlers  *DownloadHandlers
	artifactHandlers  *ArtifactHandlers
	validatorHandlers *validators.Handlers
	health            *health.Handler
	metrics           *metrics.Metrics
	ws                *websocket.Handler
	submitLimiter     *middleware.IPLimiter
	sessionLimiter    *middleware.IPLimiter
	allowedOrigins    []string
}

func NewRouter(deps Deps) *Router {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Validators == nil {
		deps.Validators = validators.DefaultRegistry()
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}

	r := &Router{
		mux:               http.NewServeMux(),
		authHandlers:      auth.NewHandlers(deps.AuthService),
		authService:       deps.AuthService,
		downloadHandlers:  NewDownloadHandlers(deps.Downloads, deps.Tokens),
		artifactHandlers:  NewArtifactHandlers(deps.Downloads, deps.Tokens, deps.DownloadsDir),
		validatorHandlers: validators.NewHandlers(deps.Validators),
		health:            deps.Health,
		metrics:           deps.Metrics,
		ws:                deps.WebSocket,
		submitLimiter:     middleware.NewIPLimiter(deps.SubmitPerMinute),
		sessionLimiter:    middleware.NewIPLimiter(sessionsPerMinute),
		allowedOrigins:    deps.AllowedOrigins,
	}
	r.setupRoutes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Handler wraps the router in the server middleware stack. The websocket
// endpoint sits outside the response-writer wrappers since the upgrade needs
// the raw connection.
func (r *Router) Handler() http.Handler {
	log := logger.Default().WithComponent("http")

	wrapped := middleware.Chain(r,
		apperrors.RequestIDMiddleware,
		logger.RecoveryMiddleware(log),
		logger.LoggingMiddleware(log),
		metrics.MetricsMiddleware(r.metrics),
		middleware.CORS(r.allowedOrigins),
		middleware.Timing,
		middleware.Gzip,
		middleware.ETag,
	)

	if r.ws == nil {
		return wrapped
	}

	ws := apperrors.RequestIDMiddleware(http.HandlerFunc(r.ws.ServeWS))
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/ws" {
			ws.ServeHTTP(w, req)
			return
		}
		wrapped.ServeHTTP(w, req)
	})
}

func (r *Router) setupRoutes() {
	// Health
	if r.health != nil {
		r.mux.HandleFunc("GET /health", r.health.HealthHandler)
		r.mux.HandleFunc("GET /health/live", r.health.LivenessHandler)
		r.mux.HandleFunc("GET /health/ready", r.health.ReadinessHandler)
	}
	r.mux.HandleFunc("GET /metrics", r.metrics.Handler())

	// Session (no auth required)
	r.mux.Handle("POST /api/v1/session", r.sessionLimiter.Middleware(apperrors.HandleFunc(r.authHandlers.CreateSession)))

	// Source checks
	r.mux.HandleFunc("GET /api/v1/validate/url", apperrors.HandleFunc(r.validatorHandlers.ValidateURLQuery))
	r.mux.HandleFunc("POST /api/v1/validate/url", apperrors.HandleFunc(r.validatorHandlers.ValidateURL))
	r.mux.HandleFunc("GET /api/v1/validate/sources", apperrors.HandleFunc(r.validatorHandlers.GetSupportedSources))

	// Token and downloads (auth required)
	r.mux.HandleFunc("GET /api/v1/token", r.withAuth(r.downloadHandlers.GetToken))
	r.mux.Handle("POST /api/v1/downloads", r.submitLimiter.Middleware(r.withAuth(r.downloadHandlers.CreateDownload)))
	r.mux.HandleFunc("GET /api/v1/downloads", r.withAuth(r.downloadHandlers.ListDownloads))
	r.mux.HandleFunc("GET /api/v1/downloads/{job_id}", r.withAuth(r.downloadHandlers.GetDownload))
	r.mux.HandleFunc("DELETE /api/v1/downloads/{job_id}", r.withAuth(r.downloadHandlers.CancelDownload))

	// Artifacts
	r.mux.HandleFunc("GET /d/{token_id}/{job_id}/{filename}", apperrors.HandleFunc(r.artifactHandlers.Serve))

	if r.ws != nil {
		r.mux.HandleFunc("GET /ws", r.ws.ServeWS)
	}
}

func (r *Router) withAuth(next apperrors.Handler) http.HandlerFunc {
	mw := auth.Middleware(r.authService)
	h := mw(apperrors.HandleFunc(next))
	return h.ServeHTTP
}
