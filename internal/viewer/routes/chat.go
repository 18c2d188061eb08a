package routes

import (
	"net/http"
)

// registerChatRoutes wires the chat endpoints.
//
//	POST /api/message       send a text to a connected peer
//	GET  /api/chats         every conversation, most recent first
//	GET  /api/chat?peer_id  one conversation
//	POST /api/chat/read     reset the unread count
func registerChatRoutes(mux *http.ServeMux, d Deps) {
	s := d.Session

	handlePost(mux, "/api/message", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID  string `json:"peer_id"`
		Content string `json:"content"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		msg, err := s.SendMessage(r.Context(), req.PeerID, req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	})

	handleGet(mux, "/api/chats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"chats":  s.Chats().Chats(),
			"unread": s.Chats().Unread(),
		})
	})

	handleGet(mux, "/api/chat", func(w http.ResponseWriter, r *http.Request) {
		peerID := r.URL.Query().Get("peer_id")
		if peerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		c, ok := s.Chats().Chat(peerID)
		if !ok {
			http.Error(w, "no chat with "+peerID, http.StatusNotFound)
			return
		}
		writeJSON(w, c)
	})

	handlePost(mux, "/api/chat/read", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		s.Chats().MarkRead(req.PeerID)
		writeJSON(w, map[string]string{"status": "ok"})
	})
}
