package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("goopcall/viewer")

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// The control API binds to loopback; any local page may subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerEventRoutes streams session events over a WebSocket, one JSON
// object per text frame.
func registerEventRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("events: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		events, cancel := d.Session.Subscribe()
		defer cancel()

		// Drain incoming frames (ping/pong, close) so control messages are seen.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-gone:
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
						time.Now().Add(writeWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	})
}
