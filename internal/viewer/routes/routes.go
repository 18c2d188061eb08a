package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/session"
	"github.com/petervdpas/goopcall/internal/state"
)

// LogServer serves the captured process log.
type LogServer interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Session *session.Orchestrator
	Peers   *state.PeerTable // nil without presence
	Logs    LogServer        // nil disables /api/logs
}

// Register mounts the control API on mux.
func Register(mux *http.ServeMux, d Deps) {
	registerPeerRoutes(mux, d)
	registerChatRoutes(mux, d)
	registerCallRoutes(mux, d)
	registerEventRoutes(mux, d)
	registerAPILogRoutes(mux, d)
}

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
	mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
}
