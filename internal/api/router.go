package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/echopad/echopad/pkg/logger"
)

// Router wires the API handlers into a chi mux
type Router struct {
	handler *Handler
	logger  *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(handler *Handler, log *logger.Logger) *Router {
	return &Router{
		handler: handler,
		logger:  log.Named("api-router"),
	}
}

// Routes builds the HTTP routes
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(rt.handler.config.Server.CORSAllowedOrigins))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/recording", func(r chi.Router) {
			r.Post("/start", rt.handler.StartRecording)
			r.Post("/stop", rt.handler.StopRecording)
			r.Post("/toggle", rt.handler.ToggleRecording)
			r.Get("/status", rt.handler.GetRecordingStatus)
		})

		r.Route("/transcripts", func(r chi.Router) {
			r.Get("/", rt.handler.GetSessions)
			r.Get("/{id}", rt.handler.GetSession)
		})

		r.Post("/sessions/{id}/rewrite", rt.handler.RewriteSession)
	})

	r.Get("/ws", rt.handler.HandleWebSocket)

	return r
}

// corsMiddleware sets CORS headers for the configured origins. An empty list
// disables cross-origin access; "*" allows any origin.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
