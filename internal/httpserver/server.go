package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"tunnelgate/internal/manager"
)

// Config is the subset of runtime configuration the server glue needs.
type Config struct {
	Domain  string
	Landing string
}

// Server is the thin plumbing layer from spec.md §4.4, wired around one
// ClientManager.
type Server struct {
	mgr       *manager.Manager
	cfg       Config
	log       zerolog.Logger
	startedAt time.Time
}

// New builds the root http.Handler. Host-header dispatch to a live
// client (spec.md §4.4 bullet 1) takes priority over every other route:
// a tunneled service must be reachable at any path, including one that
// happens to collide with a diagnostic endpoint's path. Only requests
// whose Host doesn't name a live client fall through to the chi router
// carrying the diagnostic and tunnel-creation endpoints.
//
// The Prometheus scrape endpoint is not mounted here: when enabled it
// runs on its own listener (cfg.MetricsAddr), so a tunnel host can never
// collide with it and scraping doesn't share a port with public traffic.
func New(mgr *manager.Manager, cfg Config, log zerolog.Logger) http.Handler {
	s := &Server{mgr: mgr, cfg: cfg, log: log.With().Str("component", "httpserver").Logger(), startedAt: time.Now()}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(s.requestLogger)

	mux.Get("/api/status", s.handleStatus)
	mux.Get("/api/tunnels/{id}/status", s.handleTunnelStatus)
	mux.NotFound(s.handleTunnelOrCreate)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := s.clientSubdomain(r.Host); ok {
			if c, live := mgr.GetClient(id); live {
				c.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("404"))
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// requestLogger mirrors the teacher pack's chi request-logging middleware
// (component-scoped zerolog entries instead of a bespoke logger).
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("host", r.Host).
			Str("path", r.URL.Path).
			Int("status", rw.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}
