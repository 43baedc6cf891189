package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints.
		r.Get("/health", s.handleHealth)

		// Auth endpoints.
		r.Route("/auth", func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Auth,
				))
			}

			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
		})

		// Experiment entry points.
		r.Route("/experiments", func(r chi.Router) {
			r.Use(s.requireIdentity)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Gateway,
				))
			}

			r.Get("/", s.handleListExperiments)
			r.Get("/{name}/launch", s.handleLaunch)
			r.Get("/{name}/slide/{pingToken}", s.handleFetchSlide)
			r.Get("/{name}/feedback", s.handleFeedback)
		})

		// Gateway endpoints used while a slide is playing.
		r.Route("/gateway", func(r chi.Router) {
			r.Use(s.requireIdentity)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Gateway,
				))
			}

			r.Get("/widget/{widgetName}", s.handleWidgetGet)
			r.Post("/widget/{widgetName}", s.handleWidgetPost)
			r.Get("/ping", s.handlePing)
			r.Post("/ping", s.handleSetKeepAlive)
			r.Post("/hangup/nowplaying", s.handleHangupNowplaying)
			r.Post("/hangup/playlist", s.handleHangupPlaylist)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
