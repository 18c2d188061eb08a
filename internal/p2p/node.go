// Package p2p runs the libp2p host that carries signaling streams, media
// offers and presence for goopcall.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/transport"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("goopcall/p2p")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("mdns", "warn")
}

// Options configure a Node.
type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	Topic      string

	// SelfName is read on every presence announcement.
	SelfName func() string
	Peers    *state.PeerTable

	// Presence TTL for direct peer addresses; circuit addresses use 10x this.
	PresenceTTL time.Duration

	STUNServers []string

	// Codecs registers the capture encoders on the WebRTC media engine.
	// Nil falls back to the pion defaults.
	Codecs CodecRegistrar
}

// CodecRegistrar is implemented by capture backends that pick the codecs.
type CodecRegistrar interface {
	Populate(me *webrtc.MediaEngine)
}

// Node is a transport.Transport over libp2p streams and pion/webrtc.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	md    mdns.Service

	selfName    func() string
	peers       *state.PeerTable
	presenceTTL time.Duration

	api        *webrtc.API
	iceServers []webrtc.ICEServer

	box *transport.Mailbox

	mu     sync.Mutex
	open   bool
	closed bool
	conns  map[*streamConn]struct{}
	calls  map[*mediaCall]struct{}
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// EnsureKey makes sure keyFile holds an identity key and returns the peer id
// derived from it.
func EnsureKey(keyFile string) (string, bool, error) {
	priv, created, err := loadOrCreateKey(keyFile)
	if err != nil {
		return "", false, err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", false, err
	}
	return id.String(), created, nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrIdentityUnavailable, err)
	}
	if isNew {
		log.Infof("Generated new identity key: %s", opts.KeyFile)
	} else {
		log.Infof("Loaded identity key: %s", opts.KeyFile)
	}

	api, err := newWebRTCAPI(opts.Codecs)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", opts.ListenPort),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrIdentityUnavailable, err)
	}

	tag := opts.MdnsTag
	if tag == "" {
		tag = proto.MdnsTag
	}
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	topicName := opts.Topic
	if topicName == "" {
		topicName = proto.PresenceTopic
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	peers := opts.Peers
	if peers == nil {
		peers = state.NewPeerTable()
	}
	selfName := opts.SelfName
	if selfName == nil {
		selfName = func() string { return "" }
	}
	stun := opts.STUNServers
	if len(stun) == 0 {
		stun = DefaultSTUNServers
	}

	n := &Node{
		Host:        h,
		ps:          ps,
		topic:       topic,
		sub:         sub,
		md:          md,
		selfName:    selfName,
		peers:       peers,
		presenceTTL: opts.PresenceTTL,
		api:         api,
		iceServers:  []webrtc.ICEServer{{URLs: stun}},
		box:         transport.NewMailbox(),
		conns:       make(map[*streamConn]struct{}),
		calls:       make(map[*mediaCall]struct{}),
	}
	for _, a := range h.Addrs() {
		log.Infof("listening on %s/p2p/%s", a, h.ID())
	}
	return n, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Peers returns the presence table the node feeds.
func (n *Node) Peers() *state.PeerTable { return n.peers }

// Open starts accepting signaling streams and media offers.
func (n *Node) Open(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return "", transport.ErrClosed
	}
	if !n.open {
		n.Host.SetStreamHandler(protocol.ID(proto.SignalProtoID), n.handleSignalStream)
		n.Host.SetStreamHandler(protocol.ID(proto.MediaProtoID), n.handleMediaStream)
		n.open = true
	}
	return n.ID(), nil
}

func (n *Node) Events() <-chan transport.Event { return n.box.C() }

func (n *Node) ready() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || !n.open {
		return transport.ErrClosed
	}
	return nil
}

func (n *Node) decode(remoteID string) (peer.ID, error) {
	pid, err := peer.Decode(remoteID)
	if err != nil {
		return "", fmt.Errorf("%w: bad peer id %q: %v", transport.ErrPeerUnreachable, remoteID, err)
	}
	if pid == n.Host.ID() {
		return "", fmt.Errorf("%w: cannot dial self", transport.ErrPeerUnreachable)
	}
	return pid, nil
}

// Dial opens a signaling stream to remoteID.
func (n *Node) Dial(ctx context.Context, remoteID string) (transport.DataConn, error) {
	if err := n.ready(); err != nil {
		return nil, err
	}
	pid, err := n.decode(remoteID)
	if err != nil {
		return nil, err
	}
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		n.peers.SetReachable(remoteID, false)
		return nil, fmt.Errorf("%w: %v", transport.ErrPeerUnreachable, err)
	}
	n.peers.SetReachable(remoteID, true)

	c := newStreamConn(n, s)
	if !n.track(c) {
		_ = s.Reset()
		return nil, transport.ErrClosed
	}
	go c.readLoop()
	return c, nil
}

func (n *Node) handleSignalStream(s network.Stream) {
	c := newStreamConn(n, s)
	if !n.track(c) {
		_ = s.Reset()
		return
	}
	log.Debugf("signal stream from %s", c.remote)
	n.box.Push(transport.DataOpened{Conn: c})
	c.readLoop()
}

func (n *Node) track(c *streamConn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.conns[c] = struct{}{}
	return true
}

func (n *Node) untrack(c *streamConn) {
	n.mu.Lock()
	delete(n.conns, c)
	n.mu.Unlock()
}

func (n *Node) trackCall(c *mediaCall) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.calls[c] = struct{}{}
	return true
}

func (n *Node) untrackCall(c *mediaCall) {
	n.mu.Lock()
	delete(n.calls, c)
	n.mu.Unlock()
}

// Close announces departure, ends every stream and call and stops the host.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	conns := make([]*streamConn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	calls := make([]*mediaCall, 0, len(n.calls))
	for c := range n.calls {
		calls = append(calls, c)
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	n.Publish(ctx, proto.TypeOffline)
	cancel()

	for _, c := range conns {
		c.finish(nil)
	}
	for _, c := range calls {
		c.shutdown(nil)
	}
	n.box.Close()
	n.sub.Cancel()
	_ = n.topic.Close()
	_ = n.md.Close()
	return n.Host.Close()
}

func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Name = n.selfName()
		msg.Addrs = n.wanAddrs()
	}

	b, _ := json.Marshal(msg)
	if err := n.topic.Publish(ctx, b); err != nil {
		log.Debugf("presence publish %s: %v", typ, err)
	}
}

func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		// Always include circuit relay addresses; they're public relay paths.
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, ttl)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, ttl*10)
	}
}

// RunPresenceLoop feeds announcements from other peers into the peer table
// until ctx ends.
func (n *Node) RunPresenceLoop(ctx context.Context, onEvent func(msg proto.PresenceMsg)) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.Type == "" {
				continue
			}
			if pm.PeerID == n.ID() {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				n.peers.Upsert(pm.PeerID, pm.Name, pm.Addrs)
				n.addPeerAddrs(pm.PeerID, pm.Addrs)
			case proto.TypeOffline:
				n.peers.MarkOffline(pm.PeerID)
			}

			if onEvent != nil {
				onEvent(pm)
			}
		}
	}()
}

// RunHeartbeat announces this peer now and every interval, and expires
// silent peers from the table.
func (n *Node) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		n.Publish(ctx, proto.TypeOnline)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n.Publish(ctx, proto.TypeUpdate)
				ttl := n.presenceTTL
				if ttl <= 0 {
					ttl = 20 * time.Second
				}
				now := time.Now()
				n.peers.PruneStale(now.Add(-ttl), now.Add(-10*ttl))
			}
		}
	}()
}
