package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type statusResponse struct {
	ConnectedClients      int   `json:"connected_clients"`
	TotalSocketsConnected int   `json:"total_sockets_connected"`
	UptimeSeconds         int64 `json:"uptime_seconds"`
}

// handleStatus implements GET /api/status (spec.md §4.4 bullet 3,
// extended per SPEC_FULL.md §4.4 with process uptime).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.mgr.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		ConnectedClients:      st.ClientCount,
		TotalSocketsConnected: st.TotalSocketsConnected,
		UptimeSeconds:         int64(time.Since(s.startedAt).Seconds()),
	})
}

type tunnelStatusResponse struct {
	ConnectedSockets int `json:"connected_sockets"`
}

// handleTunnelStatus implements GET /api/tunnels/:id/status (spec.md §6's
// status response).
func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.mgr.GetClient(id)
	if !ok {
		http.Error(w, "404", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tunnelStatusResponse{ConnectedSockets: c.Agent().Stats().ConnectedSockets})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
