// Package session ties the engine together: one event loop owns the peer
// registry, the call machine and the chat store, and every command and
// transport event is handled on it in arrival order.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/transport"
)

var log = logging.Logger("goopcall/session")

var (
	ErrClosed     = errors.New("session: closed")
	ErrNotStarted = errors.New("session: not started")
)

// Options configure an Orchestrator.
type Options struct {
	DisplayName    string
	ConnectTimeout time.Duration
	RingTimeout    time.Duration
	AudioInput     string
	VideoInput     string
	ChatBuffer     int
}

type Orchestrator struct {
	tr      transport.Transport
	devices media.Devices
	opts    Options

	cmds chan func()
	done chan struct{}

	// Set by Start, owned by the loop afterwards.
	self  peer.Identity
	reg   *peer.Registry
	media *media.Coordinator
	calls *call.Machine
	chats *chat.Store

	subMu      sync.Mutex
	subs       map[int]chan Event
	nextSub    int
	subsClosed bool
}

func New(tr transport.Transport, devices media.Devices, opts Options) *Orchestrator {
	return &Orchestrator{
		tr:      tr,
		devices: devices,
		opts:    opts,
		cmds:    make(chan func(), 64),
		done:    make(chan struct{}),
		subs:    make(map[int]chan Event),
	}
}

// Start opens the local identity and runs the loop until ctx is cancelled.
// On error nothing is running and Start may be called again.
func (o *Orchestrator) Start(ctx context.Context) (peer.Identity, error) {
	reg := peer.NewRegistry(o.tr, peer.Options{
		Post:           o.post,
		ConnectTimeout: o.opts.ConnectTimeout,
	})
	self, err := reg.Open(ctx, o.opts.DisplayName)
	if err != nil {
		return peer.Identity{}, err
	}

	o.self = self
	o.reg = reg
	o.media = media.NewCoordinator(o.devices)
	o.chats = chat.NewStore(self.ID, o.opts.ChatBuffer)
	o.calls = call.NewMachine(ctx, reg, o.tr, o.media, observer{o}, call.Options{
		SelfID:      self.ID,
		SelfName:    self.DisplayName,
		Post:        o.post,
		RingTimeout: o.opts.RingTimeout,
		AudioInput:  o.opts.AudioInput,
		VideoInput:  o.opts.VideoInput,
	})

	reg.OnIncoming(func(c *peer.Connection, _ signal.Config) { o.peerUp(c) })
	reg.OnOpen(o.peerUp)
	reg.OnClose(o.peerDown)

	go o.run(ctx)
	return self, nil
}

// Done is closed once the loop has shut down.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Identity returns the local identity. It is fixed after Start.
func (o *Orchestrator) Identity() peer.Identity { return o.self }

// Chats exposes the chat store for readers.
func (o *Orchestrator) Chats() *chat.Store { return o.chats }

// Devices lists capture devices.
func (o *Orchestrator) Devices() []media.DeviceInfo {
	if o.media == nil {
		return o.devices.Enumerate()
	}
	return o.media.Enumerate()
}

func (o *Orchestrator) run(ctx context.Context) {
	events := o.tr.Events()
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case fn := <-o.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				log.Warn("transport event stream ended")
				events = nil
				continue
			}
			o.handle(ev)
		}
	}
}

// post queues fn for the loop. After shutdown fn is dropped.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.cmds <- fn:
	case <-o.done:
	}
}

func (o *Orchestrator) shutdown() {
	log.Info("session shutting down")
	o.calls.Shutdown()
	o.reg.CloseAll()
	if err := o.tr.Close(); err != nil {
		log.Warnf("closing transport: %v", err)
	}
	o.chats.Close()
	o.closeSubs()
	close(o.done)
}

func (o *Orchestrator) handle(ev transport.Event) {
	switch ev.(type) {
	case transport.DataOpened, transport.DataReceived, transport.DataClosed:
		conn, msg, err := o.reg.HandleEvent(ev)
		if err != nil {
			from := ""
			if conn != nil {
				from = conn.RemoteID
			}
			log.Warnf("dropping message from %s: %v", from, err)
			return
		}
		if msg != nil {
			o.route(conn, msg)
		}
	case transport.CallIncoming, transport.CallStream, transport.CallClosed:
		o.calls.HandleEvent(ev)
	}
}

func (o *Orchestrator) route(c *peer.Connection, msg signal.Message) {
	switch m := msg.(type) {
	case signal.Text:
		stored := o.chats.Received(c.RemoteID, m.Content)
		o.publish(Event{Type: EventChatMessage, PeerID: c.RemoteID, PeerName: c.DisplayName(), Message: stored})
		o.notify("New message from " + c.DisplayName())
	case signal.CallRequest, signal.CallReject, signal.CallBusy, signal.Hold:
		o.calls.HandleMessage(c.RemoteID, msg)
	case signal.Config:
		// Handshakes never leave the registry.
	}
}

func (o *Orchestrator) peerUp(c *peer.Connection) {
	name := c.DisplayName()
	o.chats.Open(c.RemoteID, name)
	o.chats.System(c.RemoteID, name+" connected")
	o.publish(Event{Type: EventPeerConnected, PeerID: c.RemoteID, PeerName: name})
	o.notify(name + " connected")
}

func (o *Orchestrator) peerDown(c *peer.Connection) {
	o.calls.HandlePeerClosed(c.RemoteID)
	if c.OpenedAt.IsZero() {
		return
	}
	name := c.DisplayName()
	o.chats.System(c.RemoteID, name+" disconnected")
	o.publish(Event{Type: EventPeerDisconnected, PeerID: c.RemoteID, PeerName: name})
}
