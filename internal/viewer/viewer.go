// Package viewer serves the local HTTP control API.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/session"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("goopcall/viewer")

type Viewer struct {
	Session *session.Orchestrator
	Peers   *state.PeerTable
	Logs    *LogBuffer
}

// Handler returns the API mux.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Session: v.Session,
		Peers:   v.Peers,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return mux
}

// Start listens on addr and serves until ctx ends. It returns once the
// listener is bound; serve errors are logged.
func Start(ctx context.Context, addr string, v Viewer) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("viewer: %v", err)
		}
	}()
	return ln.Addr(), nil
}
