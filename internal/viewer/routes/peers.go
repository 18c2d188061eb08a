package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/state"
)

func registerPeerRoutes(mux *http.ServeMux, d Deps) {
	s := d.Session

	// GET /api/self
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		self := s.Identity()
		writeJSON(w, map[string]string{"peer_id": self.ID, "name": self.DisplayName})
	})

	// GET /api/peers: peers announced over presence
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		peers := []state.SeenPeer{}
		if d.Peers != nil {
			peers = d.Peers.Snapshot()
		}
		writeJSON(w, peers)
	})

	// GET /api/connections
	handleGet(mux, "/api/connections", func(w http.ResponseWriter, r *http.Request) {
		conns, err := s.Connections(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, conns)
	})

	// POST /api/connect
	handlePost(mux, "/api/connect", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		info, err := s.ConnectToPeer(r.Context(), req.PeerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
	})

	// POST /api/disconnect
	handlePost(mux, "/api/disconnect", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		if err := s.ClosePeer(r.Context(), req.PeerID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "closed"})
	})
}
