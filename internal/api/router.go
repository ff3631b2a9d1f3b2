package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/starford/timesnap/internal/capsuleservice"
)

// Options configures the HTTP surface.
type Options struct {
	AuthEnabled bool
	Token       string
	// SSE, if non-nil, is mounted at GET /api/events inside the auth group.
	SSE         http.Handler
	CORSOrigins []string
	MaxUpload   int64
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(svc *capsuleservice.Service, opts Options) chi.Router {
	h := NewHandler(svc, opts.MaxUpload)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(opts.AuthEnabled, opts.Token))

	// Capsules.
	r.Get("/capsules", h.ListCapsules)
	r.Post("/capsules", h.CreateCapsule)
	r.Post("/capsules/from-draft", h.CreateFromDraft)
	r.Get("/capsules/{id}", h.GetCapsule)
	r.Delete("/capsules/{id}", h.DeleteCapsule)
	r.Delete("/capsules/{id}/media/{mediaID}", h.RemoveMedia)

	// Sharing.
	r.Post("/capsules/{id}/shares", h.AddShare)
	r.Delete("/capsules/{id}/shares/{email}", h.RemoveShare)

	// Media files.
	r.Post("/media", h.UploadMedia)
	r.Get("/media/{ref}", h.ServeMedia)
	r.Delete("/media/{ref}", h.DiscardMedia)

	r.Get("/status", h.Status)

	if opts.SSE != nil {
		r.Get("/events", opts.SSE.ServeHTTP)
	}

	return r
}

// NewServer builds the root handler: shared middleware, unauthenticated
// health checks, and the API under /api.
func NewServer(svc *capsuleservice.Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{headerPersistWarning, headerCleanupWarning},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		status := map[string]any{"status": "ok", "time": time.Now().UTC()}
		if err := svc.Repository().LastPersistError(); err != nil {
			status["status"] = "degraded"
			status["last_persist_error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, status)
	})

	r.Mount("/api", NewRouter(svc, opts))
	return r
}
