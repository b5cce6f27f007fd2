package httpserver

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"tunnelgate/internal/manager"
)

// clientSubdomain reports whether host names a subdomain of the
// configured base domain, and if so returns its leftmost label — the
// client identifier Host-header routing dispatches on (spec.md §6:
// "Hostname routing uses the leftmost DNS label").
func (s *Server) clientSubdomain(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	suffix := "." + s.cfg.Domain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// handleTunnelOrCreate implements spec.md §4.4 bullets 2 and 4's apex-
// domain behavior: GET /?new or GET /<requestedId> creates a tunnel;
// otherwise, with a configured landing page, the bare root redirects
// there; anything else is a 404.
func (s *Server) handleTunnelOrCreate(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")

	switch {
	case path == "" && r.URL.Query().Has("new"):
		s.createClient(w, "")
	case path == "" && s.cfg.Landing != "":
		http.Redirect(w, r, s.cfg.Landing, http.StatusFound)
	case path != "" && !strings.Contains(path, "/"):
		s.createClient(w, path)
	default:
		http.Error(w, "404", http.StatusNotFound)
	}
}

type newClientResponse struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
}

func (s *Server) createClient(w http.ResponseWriter, requestedID string) {
	res, err := s.mgr.NewClient(requestedID)
	if err != nil {
		switch {
		case errors.Is(err, manager.ErrInvalidID):
			http.Error(w, "invalid client identifier", http.StatusForbidden)
		case errors.Is(err, manager.ErrAtCapacity):
			http.Error(w, "at client capacity", http.StatusServiceUnavailable)
		default:
			s.log.Error().Err(err).Msg("tunnel creation failed")
			http.Error(w, "tunnel creation failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, newClientResponse{
		ID:           res.ID,
		Port:         res.Port,
		MaxConnCount: res.MaxConnCount,
		URL:          res.URL,
	})
}
