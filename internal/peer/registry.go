// Package peer owns the local identity and the table of data connections to
// remote peers, including the config handshake that opens them.
package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/transport"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("goopcall/peer")

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrNoSuchConnection = errors.New("no such connection")
)

// ConnectError reports why an outbound connection did not open.
type ConnectError struct {
	PeerID string
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("connect to %s failed: %s", e.PeerID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Is(target error) bool { return target == ErrConnectionFailed }

func (e *ConnectError) Unwrap() error { return e.Err }

// Identity is the local peer. It does not change after Open.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// GeneratePeerID returns a random four-digit id for transports that accept
// requested ids.
func GeneratePeerID() string {
	return strconv.Itoa(1000 + rand.IntN(9000))
}

// Registry is confined to the session's event loop: every method must be
// called from it. Blocking transport work runs on other goroutines and comes
// back through Post.
type Registry struct {
	tr      transport.Transport
	post    func(func())
	timeout time.Duration
	ctx     context.Context

	self     Identity
	conns    map[string]*Connection
	waiters  map[string][]func(*Connection, error)
	incoming []func(*Connection, signal.Config)
	opened   []func(*Connection)
	closed   []func(*Connection)
}

// Options configure a Registry.
type Options struct {
	// Post runs fn on the owning event loop.
	Post func(fn func())
	// ConnectTimeout bounds dial plus handshake.
	ConnectTimeout time.Duration
}

func NewRegistry(tr transport.Transport, opts Options) *Registry {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = util.DefaultConnectTimeout
	}
	return &Registry{
		tr:      tr,
		post:    opts.Post,
		timeout: opts.ConnectTimeout,
		ctx:     context.Background(),
		conns:   make(map[string]*Connection),
		waiters: make(map[string][]func(*Connection, error)),
	}
}

// Open registers the local identity with the transport. ctx also bounds the
// registry's background dials.
func (r *Registry) Open(ctx context.Context, name string) (Identity, error) {
	id, err := r.tr.Open(ctx)
	if err != nil {
		if !errors.Is(err, transport.ErrIdentityUnavailable) {
			err = fmt.Errorf("%w: %v", transport.ErrIdentityUnavailable, err)
		}
		return Identity{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Peer " + id
	}
	r.self = Identity{ID: id, DisplayName: name}
	r.ctx = ctx
	log.Infof("identity open: %s (%s)", id, name)
	return r.self, nil
}

func (r *Registry) Identity() Identity { return r.self }

// OnIncoming registers a handler run once per inbound connection when its
// handshake completes.
func (r *Registry) OnIncoming(fn func(*Connection, signal.Config)) {
	r.incoming = append(r.incoming, fn)
}

// OnOpen registers a handler run when an outbound handshake completes.
func (r *Registry) OnOpen(fn func(*Connection)) {
	r.opened = append(r.opened, fn)
}

// OnClose registers a handler run when an open or opening connection goes
// away for any reason.
func (r *Registry) OnClose(fn func(*Connection)) {
	r.closed = append(r.closed, fn)
}

// Connect opens a connection to remoteID and calls done on the loop when the
// handshake completes or fails. An already open connection is returned as is.
func (r *Registry) Connect(remoteID string, done func(*Connection, error)) {
	remoteID = strings.TrimSpace(remoteID)
	switch {
	case remoteID == "":
		done(nil, &ConnectError{PeerID: remoteID, Reason: "empty peer id"})
		return
	case remoteID == r.self.ID:
		done(nil, &ConnectError{PeerID: remoteID, Reason: "cannot connect to self"})
		return
	}

	if c, ok := r.conns[remoteID]; ok {
		if c.Status == StatusOpen {
			done(c, nil)
			return
		}
		r.waiters[remoteID] = append(r.waiters[remoteID], done)
		return
	}

	c := &Connection{RemoteID: remoteID, Status: StatusConnecting}
	r.conns[remoteID] = c
	r.waiters[remoteID] = append(r.waiters[remoteID], done)
	r.armTimeout(c)

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	go func() {
		defer cancel()
		dc, err := r.tr.Dial(ctx, remoteID)
		r.post(func() { r.dialed(c, dc, err) })
	}()
}

func (r *Registry) dialed(c *Connection, dc transport.DataConn, err error) {
	cur, ok := r.conns[c.RemoteID]
	if !ok || cur != c || c.conn != nil {
		// Closed, timed out or superseded by the remote's own dial.
		if dc != nil {
			_ = dc.Close()
		}
		return
	}
	if err != nil {
		delete(r.conns, c.RemoteID)
		c.Status = StatusClosed
		r.fail(c.RemoteID, &ConnectError{PeerID: c.RemoteID, Reason: "dial failed", Err: err})
		return
	}
	r.attach(c, dc, false)
}

// attach binds a transport connection to c and starts the handshake.
func (r *Registry) attach(c *Connection, dc transport.DataConn, inbound bool) {
	c.conn = dc
	c.Inbound = inbound
	c.Status = StatusConnecting
	c.gotConfig = false
	if err := r.write(dc, signal.NewConfig(r.self.DisplayName)); err != nil {
		log.Warnf("handshake with %s failed: %v", c.RemoteID, err)
		r.drop(c, &ConnectError{PeerID: c.RemoteID, Reason: "handshake failed", Err: err})
		return
	}
	r.armTimeout(c)
}

func (r *Registry) armTimeout(c *Connection) {
	if r.post == nil {
		return
	}
	c.epoch++
	epoch := c.epoch
	time.AfterFunc(r.timeout, func() {
		r.post(func() {
			if cur, ok := r.conns[c.RemoteID]; ok && cur == c && c.epoch == epoch && c.Status != StatusOpen {
				r.drop(c, &ConnectError{PeerID: c.RemoteID, Reason: "timeout"})
			}
		})
	})
}

// HandleEvent folds a data transport event into the table. Signaling
// messages other than Config are returned for dispatch together with the
// connection they arrived on. Non-data events are ignored.
func (r *Registry) HandleEvent(ev transport.Event) (*Connection, signal.Message, error) {
	switch e := ev.(type) {
	case transport.DataOpened:
		r.accept(e.Conn)
	case transport.DataReceived:
		return r.receive(e.Conn, e.Payload)
	case transport.DataClosed:
		c, ok := r.conns[e.Conn.RemoteID()]
		if !ok || c.conn != e.Conn {
			return nil, nil, nil
		}
		reason := error(&ConnectError{PeerID: c.RemoteID, Reason: "closed by remote"})
		if e.Err != nil {
			reason = &ConnectError{PeerID: c.RemoteID, Reason: "transport error", Err: fmt.Errorf("%w: %v", transport.ErrTransport, e.Err)}
		}
		r.remove(c, reason)
	}
	return nil, nil, nil
}

func (r *Registry) accept(dc transport.DataConn) {
	remoteID := dc.RemoteID()
	c, ok := r.conns[remoteID]
	if !ok {
		c = &Connection{RemoteID: remoteID}
		r.conns[remoteID] = c
		r.attach(c, dc, true)
		return
	}

	// Both sides dialed. The connection opened by the smaller id survives.
	if c.conn == nil || !c.Inbound {
		if r.self.ID < remoteID {
			log.Debugf("duplicate connection from %s: keeping ours", remoteID)
			_ = dc.Close()
			return
		}
	}
	if c.conn != nil {
		log.Debugf("replacing connection to %s", remoteID)
		_ = c.conn.Close()
	}
	r.attach(c, dc, true)
}

func (r *Registry) receive(dc transport.DataConn, payload []byte) (*Connection, signal.Message, error) {
	c, ok := r.conns[dc.RemoteID()]
	if !ok || c.conn != dc {
		log.Debugf("dropping payload from stale connection to %s", dc.RemoteID())
		return nil, nil, nil
	}

	msg, err := signal.Decode(payload)
	if err != nil {
		return c, nil, err
	}
	cfg, ok := msg.(signal.Config)
	if !ok {
		if c.Status != StatusOpen {
			log.Warnf("%s from %s before handshake", msg.Kind(), c.RemoteID)
		}
		return c, msg, nil
	}

	if cfg.Version != signal.ProtocolVersion {
		log.Warnf("peer %s speaks protocol %q, want %q", c.RemoteID, cfg.Version, signal.ProtocolVersion)
	}
	c.RemoteName = cfg.Name
	if c.gotConfig {
		return nil, nil, nil
	}
	c.gotConfig = true
	c.Status = StatusOpen
	c.OpenedAt = time.Now()
	log.Infof("connection to %s (%s) open", c.RemoteID, c.RemoteName)

	if c.Inbound {
		for _, fn := range r.incoming {
			fn(c, cfg)
		}
	} else {
		for _, fn := range r.opened {
			fn(c)
		}
	}
	waiters := r.waiters[c.RemoteID]
	delete(r.waiters, c.RemoteID)
	for _, fn := range waiters {
		fn(c, nil)
	}
	return nil, nil, nil
}

// Send encodes msg onto the open connection to remoteID. A write failure
// tears that connection down.
func (r *Registry) Send(remoteID string, msg signal.Message) error {
	c, ok := r.conns[remoteID]
	if !ok || c.Status != StatusOpen {
		return fmt.Errorf("%w: %s", ErrNoSuchConnection, remoteID)
	}
	if err := r.write(c.conn, msg); err != nil {
		err = fmt.Errorf("%w: %v", transport.ErrTransport, err)
		r.drop(c, err)
		return err
	}
	return nil
}

func (r *Registry) write(dc transport.DataConn, msg signal.Message) error {
	b, err := signal.Encode(msg)
	if err != nil {
		return err
	}
	return dc.Send(b)
}

// Close tears down the connection to remoteID. Unknown ids are ignored.
func (r *Registry) Close(remoteID string) {
	c, ok := r.conns[remoteID]
	if !ok {
		return
	}
	r.drop(c, &ConnectError{PeerID: remoteID, Reason: "closed locally"})
}

// CloseAll tears down every connection.
func (r *Registry) CloseAll() {
	for _, id := range r.ids() {
		r.Close(id)
	}
}

func (r *Registry) drop(c *Connection, reason error) {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	r.remove(c, reason)
}

func (r *Registry) remove(c *Connection, reason error) {
	if cur, ok := r.conns[c.RemoteID]; !ok || cur != c {
		return
	}
	wasOpen := c.Status == StatusOpen
	delete(r.conns, c.RemoteID)
	c.Status = StatusClosed
	if wasOpen {
		log.Infof("connection to %s closed: %v", c.RemoteID, reason)
	}
	r.fail(c.RemoteID, reason)
	for _, fn := range r.closed {
		fn(c)
	}
}

func (r *Registry) fail(remoteID string, err error) {
	waiters := r.waiters[remoteID]
	delete(r.waiters, remoteID)
	for _, fn := range waiters {
		fn(nil, err)
	}
}

// Get returns the connection to remoteID in any state.
func (r *Registry) Get(remoteID string) (*Connection, bool) {
	c, ok := r.conns[remoteID]
	return c, ok
}

// PeerName returns the remote display name of an open connection.
func (r *Registry) PeerName(remoteID string) (string, bool) {
	c, ok := r.conns[remoteID]
	if !ok || c.Status != StatusOpen {
		return "", false
	}
	return c.RemoteName, true
}

// Snapshot returns copies of all connections sorted by peer id.
func (r *Registry) Snapshot() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, id := range r.ids() {
		out = append(out, r.conns[id].Info())
	}
	return out
}

func (r *Registry) ids() []string {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
