package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/media"
)

// MemoryNetwork connects MemoryTransports inside one process. Delivery is
// reliable and ordered per connection, like the real data channel.
type MemoryNetwork struct {
	mu    sync.Mutex
	peers map[string]*MemoryTransport
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(map[string]*MemoryTransport)}
}

// Peer returns a transport that claims id when opened.
func (n *MemoryNetwork) Peer(id string) *MemoryTransport {
	return &MemoryTransport{
		net:   n,
		id:    id,
		box:   NewMailbox(),
		conns: make(map[*memConn]struct{}),
		calls: make(map[*memCall]struct{}),
	}
}

func (n *MemoryNetwork) register(t *MemoryTransport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.peers[t.id]; ok && cur != t {
		return fmt.Errorf("%w: id %s is taken", ErrIdentityUnavailable, t.id)
	}
	n.peers[t.id] = t
	return nil
}

func (n *MemoryNetwork) unregister(t *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers[t.id] == t {
		delete(n.peers, t.id)
	}
}

func (n *MemoryNetwork) lookup(id string) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, id)
	}
	return t, nil
}

// MemoryTransport is one peer on a MemoryNetwork.
type MemoryTransport struct {
	net *MemoryNetwork
	id  string
	box *Mailbox

	mu     sync.Mutex
	open   bool
	closed bool
	conns  map[*memConn]struct{}
	calls  map[*memCall]struct{}
}

func (t *MemoryTransport) Open(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if err := t.net.register(t); err != nil {
		return "", err
	}
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
	return t.id, nil
}

func (t *MemoryTransport) Events() <-chan Event { return t.box.C() }

func (t *MemoryTransport) ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.open {
		return ErrClosed
	}
	return nil
}

func (t *MemoryTransport) Dial(ctx context.Context, remoteID string) (DataConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.ready(); err != nil {
		return nil, err
	}
	if remoteID == t.id {
		return nil, fmt.Errorf("%w: cannot dial self", ErrPeerUnreachable)
	}
	remote, err := t.net.lookup(remoteID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	near := &memConn{id: id, owner: t, remoteID: remoteID}
	far := &memConn{id: id, owner: remote, remoteID: t.id}
	near.peer, far.peer = far, near

	if !remote.track(far) {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, remoteID)
	}
	t.track(near)
	remote.box.Push(DataOpened{Conn: far})
	return near, nil
}

func (t *MemoryTransport) Call(ctx context.Context, remoteID string, local *media.Stream) (MediaCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.ready(); err != nil {
		return nil, err
	}
	remote, err := t.net.lookup(remoteID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	near := &memCall{id: id, owner: t, remoteID: remoteID, local: local, senders: media.NewSenderSet(local)}
	far := &memCall{id: id, owner: remote, remoteID: t.id, inbound: true, senders: media.NewSenderSet(nil)}
	near.peer, far.peer = far, near

	if !remote.trackCall(far) {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, remoteID)
	}
	t.trackCall(near)
	remote.box.Push(CallIncoming{Call: far})
	return near, nil
}

// FailCalls ends every media call of this peer with err, as a broken media
// path would.
func (t *MemoryTransport) FailCalls(err error) {
	t.mu.Lock()
	calls := make([]*memCall, 0, len(t.calls))
	for c := range t.calls {
		calls = append(calls, c)
	}
	t.mu.Unlock()
	for _, c := range calls {
		c.shutdown(err)
	}
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*memConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	calls := make([]*memCall, 0, len(t.calls))
	for c := range t.calls {
		calls = append(calls, c)
	}
	t.mu.Unlock()

	t.net.unregister(t)
	for _, c := range conns {
		c.shutdown(nil)
	}
	for _, c := range calls {
		c.shutdown(nil)
	}
	t.box.Close()
	return nil
}

func (t *MemoryTransport) track(c *memConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *MemoryTransport) trackCall(c *memCall) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.calls[c] = struct{}{}
	return true
}

func (t *MemoryTransport) untrack(c *memConn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *MemoryTransport) untrackCall(c *memCall) {
	t.mu.Lock()
	delete(t.calls, c)
	t.mu.Unlock()
}

type memConn struct {
	id       string
	owner    *MemoryTransport
	remoteID string
	peer     *memConn

	mu     sync.Mutex
	closed bool
}

func (c *memConn) ID() string       { return c.id }
func (c *memConn) RemoteID() string { return c.remoteID }

func (c *memConn) Send(payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	b := append([]byte(nil), payload...)
	c.peer.owner.box.Push(DataReceived{Conn: c.peer, Payload: b})
	return nil
}

func (c *memConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *memConn) shutdown(err error) {
	for _, end := range []*memConn{c, c.peer} {
		end.mu.Lock()
		was := end.closed
		end.closed = true
		end.mu.Unlock()
		if was {
			continue
		}
		end.owner.untrack(end)
		end.owner.box.Push(DataClosed{Conn: end, Err: err})
	}
}

type memCall struct {
	id       string
	owner    *MemoryTransport
	remoteID string
	inbound  bool
	peer     *memCall

	mu       sync.Mutex
	closed   bool
	answered bool
	local    *media.Stream
	senders  *media.SenderSet
}

func (c *memCall) ID() string       { return c.id }
func (c *memCall) RemoteID() string { return c.remoteID }

func (c *memCall) Senders() []media.Sender {
	c.mu.Lock()
	s := c.senders
	c.mu.Unlock()
	return s.Senders()
}

func (c *memCall) AddTrack(t media.Track) error {
	c.mu.Lock()
	s := c.senders
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.AddTrack(t)
}

func (c *memCall) Answer(ctx context.Context, local *media.Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case !c.inbound:
		c.mu.Unlock()
		return fmt.Errorf("%w: only the callee answers", ErrTransport)
	case c.answered:
		c.mu.Unlock()
		return fmt.Errorf("%w: already answered", ErrTransport)
	}
	c.answered = true
	c.local = local
	c.senders = media.NewSenderSet(local)
	c.mu.Unlock()

	caller := c.peer
	caller.mu.Lock()
	callerLocal := caller.local
	caller.mu.Unlock()

	caller.owner.box.Push(CallStream{Call: caller, Remote: mirror(local)})
	c.owner.box.Push(CallStream{Call: c, Remote: mirror(callerLocal)})
	return nil
}

func (c *memCall) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *memCall) shutdown(err error) {
	for _, end := range []*memCall{c, c.peer} {
		end.mu.Lock()
		was := end.closed
		end.closed = true
		end.mu.Unlock()
		if was {
			continue
		}
		end.owner.untrackCall(end)
		end.owner.box.Push(CallClosed{Call: end, Err: err})
	}
}

// mirror builds the receiving side's view of a local stream.
func mirror(s *media.Stream) *media.Stream {
	if s == nil {
		return media.NewStream()
	}
	var tracks []media.Track
	for _, t := range s.Tracks() {
		tracks = append(tracks, media.NewTrack(t.Kind(), "remote", nil))
	}
	return media.NewStream(tracks...)
}
