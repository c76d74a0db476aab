package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the HTTP handler with every route of the server: health,
// the WebSocket endpoint, metrics, stats and the test page.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.healthHandler)
	r.HandleFunc(s.cfg.Server.Path, s.webSocketHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, s.metrics.Handler())
	}
	r.Get("/stats", s.statsHandler)
	r.Get("/test", s.testPageHandler)
	return r
}
