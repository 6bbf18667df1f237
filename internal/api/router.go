package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/innova-app/teamcollab/internal/auth"
	"github.com/innova-app/teamcollab/internal/metrics"
	"github.com/innova-app/teamcollab/internal/ratelimit"
)

// Pinger reports database reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router. Metrics, DB,
// Limiter and Realtime are optional.
type RouterDeps struct {
	Users    UserService
	Teams    TeamService
	Chat     ChatService
	Files    FileService
	Activity ActivityLister
	Verifier auth.Verifier
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	DB       Pinger
	Realtime http.Handler

	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	var obs HTTPObserver
	var onAuthFail, onRateLimited []func()
	if deps.Metrics != nil {
		obs = deps.Metrics
		onAuthFail = append(onAuthFail, func() { deps.Metrics.IncAuthFailure("bearer") })
		onRateLimited = append(onRateLimited, func() { deps.Metrics.IncRateLimitRejection("http") })
	}

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	// No configured origins means same-origin only.
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: false,
			MaxAge:           86400,
		}))
	}
	r.Use(slogRequestLogger(obs))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	authHandler := newAuthHandler(deps.Users)
	teams := newTeamsHandler(deps.Teams, deps.Activity)
	chat := newChatHandler(deps.Chat)
	files := newFilesHandler(deps.Files)

	r.Get("/health", healthHandler(deps.DB))
	r.Get("/.well-known/teamcollab.json", WellKnownHandler)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Exposition())
		r.Get("/api/metrics/summary", deps.Metrics.Handler())
	}

	// The realtime endpoint authenticates its own handshake.
	if deps.Realtime != nil {
		r.Handle("/ws", deps.Realtime)
	}

	// Public routes.
	r.Post("/auth/signup", authHandler.Signup)
	r.Post("/auth/login", authHandler.Login)

	// Authenticated, per-user rate limited routes.
	r.Group(func(ar chi.Router) {
		ar.Use(auth.Middleware(deps.Verifier, onAuthFail...))
		if deps.Limiter != nil {
			ar.Use(ratelimit.Middleware(deps.Limiter, onRateLimited...))
		}

		ar.Get("/auth/me", authHandler.Me)

		ar.Route("/teams", func(tr chi.Router) {
			tr.Post("/", teams.CreateTeam)
			tr.Get("/", teams.ListTeams)
			tr.Post("/accept-invite/{token}", teams.AcceptInvite)
			tr.Get("/{teamId}", teams.GetTeam)
			tr.Delete("/{teamId}", teams.DeleteTeam)
			tr.Post("/{teamId}/invite", teams.Invite)
			tr.Delete("/{teamId}/members/{userId}", teams.RemoveMember)
			tr.Get("/{teamId}/activity", teams.ListActivity)
		})

		ar.Get("/chat/{teamId}/messages", chat.History)
		ar.Post("/chat/{teamId}/messages", chat.Send)

		ar.Get("/files/{teamId}", files.List)
		ar.Post("/files/{teamId}", files.Upload)
		ar.Get("/files/{teamId}/{fileId}/download", files.Download)
	})

	return r
}

// healthHandler reports liveness and, when db is set, database reachability.
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "degraded",
				"database": "unreachable",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": "connected",
		})
	}
}
