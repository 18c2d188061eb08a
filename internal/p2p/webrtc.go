package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/transport"
	"github.com/petervdpas/goopcall/internal/util"
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const keyframeInterval = 3 * time.Second

func newWebRTCAPI(codecs CodecRegistrar) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		codecs.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Call offers a media session to remoteID over a media stream. ICE runs
// vanilla: the offer carries every gathered candidate.
func (n *Node) Call(ctx context.Context, remoteID string, local *media.Stream) (transport.MediaCall, error) {
	if err := n.ready(); err != nil {
		return nil, err
	}
	pid, err := n.decode(remoteID)
	if err != nil {
		return nil, err
	}

	c := newMediaCall(n, uuid.NewString(), remoteID, false)
	if err := c.newPeerConnection(); err != nil {
		return nil, err
	}
	if err := c.attach(local); err != nil {
		c.abort()
		return nil, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.abort()
		return nil, fmt.Errorf("%w: create offer: %v", transport.ErrTransport, err)
	}
	sdp, err := c.gather(ctx, offer)
	if err != nil {
		c.abort()
		return nil, err
	}

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.MediaProtoID))
	if err != nil {
		c.abort()
		n.peers.SetReachable(remoteID, false)
		return nil, fmt.Errorf("%w: %v", transport.ErrPeerUnreachable, err)
	}
	c.s = s
	c.r = bufio.NewReader(s)
	if !n.trackCall(c) {
		c.abort()
		return nil, transport.ErrClosed
	}
	if err := c.write(proto.MediaMsg{Type: proto.MediaOffer, ID: c.id, SDP: sdp}); err != nil {
		n.untrackCall(c)
		c.abort()
		return nil, err
	}
	log.Infof("call %s: offer sent to %s", c.id, remoteID)
	go c.readLoop()
	return c, nil
}

func (n *Node) handleMediaStream(s network.Stream) {
	r := bufio.NewReader(s)
	_ = s.SetReadDeadline(time.Now().Add(util.DefaultConnectTimeout))
	line, err := readLine(r)
	if err != nil {
		log.Debugf("media stream: %v", err)
		_ = s.Reset()
		return
	}
	_ = s.SetReadDeadline(time.Time{})

	var msg proto.MediaMsg
	if err := json.Unmarshal(line, &msg); err != nil || msg.Type != proto.MediaOffer || msg.SDP == "" {
		log.Warnf("media stream from %s: expected an offer", s.Conn().RemotePeer())
		_ = s.Reset()
		return
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	c := newMediaCall(n, id, s.Conn().RemotePeer().String(), true)
	c.s = s
	c.r = r
	c.offer = msg.SDP
	if !n.trackCall(c) {
		_ = s.Reset()
		return
	}
	log.Infof("call %s: offer from %s", c.id, c.remote)
	n.box.Push(transport.CallIncoming{Call: c})
	c.readLoop()
}

// mediaCall is one end of a pion PeerConnection negotiated over a libp2p
// stream.
type mediaCall struct {
	id      string
	remote  string
	inbound bool
	node    *Node
	done    chan struct{}

	s     network.Stream
	r     *bufio.Reader
	offer string
	pc    *webrtc.PeerConnection

	wmu sync.Mutex

	mu       sync.Mutex
	senders  []*rtpSender
	answered bool
	streamed bool
	closed   bool

	audioPackets atomic.Uint64
	videoPackets atomic.Uint64
	bytes        atomic.Uint64
	lost         atomic.Uint64
}

func newMediaCall(n *Node, id, remote string, inbound bool) *mediaCall {
	return &mediaCall{
		id:      id,
		remote:  remote,
		inbound: inbound,
		node:    n,
		done:    make(chan struct{}),
	}
}

func (c *mediaCall) ID() string       { return c.id }
func (c *mediaCall) RemoteID() string { return c.remote }

func (c *mediaCall) newPeerConnection() error {
	pc, err := c.node.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: c.node.iceServers,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = pc.Close()
		return transport.ErrClosed
	}
	c.pc = pc
	c.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debugf("call %s: remote %s track %s", c.id, track.Kind(), track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.requestKeyframes(track)
			go c.readRTP(track, &c.videoPackets)
			return
		}
		go c.readRTP(track, &c.audioPackets)
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("call %s: connection %s", c.id, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			c.emitStream()
		case webrtc.PeerConnectionStateFailed:
			c.shutdown(fmt.Errorf("%w: media path failed", transport.ErrTransport))
		}
	})
	return nil
}

// attach puts one sender per kind on the connection. Kinds missing from
// local get a silent placeholder so video can be added later without
// renegotiating.
func (c *mediaCall) attach(local *media.Stream) error {
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		var t media.Track
		if local != nil {
			for _, lt := range local.Tracks() {
				if lt.Kind() == kind {
					t = lt
					break
				}
			}
		}
		ph, err := placeholder(kind)
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrTransport, err)
		}
		tl := webrtc.TrackLocal(ph)
		if l := trackLocal(t); l != nil {
			tl = l
		}
		s, err := c.pc.AddTrack(tl)
		if err != nil {
			return fmt.Errorf("%w: add %s track: %v", transport.ErrTransport, kind, err)
		}
		rs := &rtpSender{kind: kind, s: s, placeholder: ph, track: t, local: tl}
		if t != nil {
			rs.watch(t)
			if !t.Enabled() {
				_ = s.ReplaceTrack(nil)
			}
		}
		go drainRTCP(s)

		c.mu.Lock()
		c.senders = append(c.senders, rs)
		c.mu.Unlock()
	}
	return nil
}

// gather sets the local description and waits for ICE gathering to finish.
func (c *mediaCall) gather(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	complete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("%w: set local description: %v", transport.ErrTransport, err)
	}
	select {
	case <-complete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.pc.LocalDescription().SDP, nil
}

// Answer accepts an inbound offer, sending the tracks of local.
func (c *mediaCall) Answer(ctx context.Context, local *media.Stream) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return transport.ErrClosed
	case !c.inbound:
		c.mu.Unlock()
		return fmt.Errorf("%w: only the callee answers", transport.ErrTransport)
	case c.answered:
		c.mu.Unlock()
		return fmt.Errorf("%w: already answered", transport.ErrTransport)
	}
	c.answered = true
	c.mu.Unlock()

	if err := c.newPeerConnection(); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  c.offer,
	}); err != nil {
		return fmt.Errorf("%w: set remote description: %v", transport.ErrTransport, err)
	}
	if err := c.attach(local); err != nil {
		return err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", transport.ErrTransport, err)
	}
	sdp, err := c.gather(ctx, answer)
	if err != nil {
		return err
	}
	if err := c.write(proto.MediaMsg{Type: proto.MediaAnswer, ID: c.id, SDP: sdp}); err != nil {
		return err
	}
	log.Infof("call %s: answered", c.id)
	return nil
}

func (c *mediaCall) write(msg proto.MediaMsg) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.s.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.s.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	return nil
}

func (c *mediaCall) readLoop() {
	for {
		line, err := readLine(c.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.shutdown(nil)
			} else {
				c.shutdown(fmt.Errorf("%w: %v", transport.ErrTransport, err))
			}
			return
		}
		var msg proto.MediaMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Warnf("call %s: bad media message: %v", c.id, err)
			continue
		}
		switch msg.Type {
		case proto.MediaAnswer:
			if c.inbound {
				continue
			}
			if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  msg.SDP,
			}); err != nil {
				c.shutdown(fmt.Errorf("%w: set remote description: %v", transport.ErrTransport, err))
				return
			}
		case proto.MediaBye:
			c.shutdown(nil)
			return
		}
	}
}

// emitStream reports the remote media once the path is up.
func (c *mediaCall) emitStream() {
	c.mu.Lock()
	if c.streamed || c.closed {
		c.mu.Unlock()
		return
	}
	c.streamed = true
	c.mu.Unlock()

	var tracks []media.Track
	for _, tr := range c.pc.GetTransceivers() {
		if tr.Receiver() == nil {
			continue
		}
		kind := media.KindAudio
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			kind = media.KindVideo
		}
		tracks = append(tracks, media.NewTrack(kind, "remote", nil))
	}
	c.node.box.Push(transport.CallStream{Call: c, Remote: media.NewStream(tracks...)})
}

func (c *mediaCall) Senders() []media.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]media.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

// AddTrack fills the placeholder sender of t's kind.
func (c *mediaCall) AddTrack(t media.Track) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	var free *rtpSender
	for _, s := range c.senders {
		if s.kind == t.Kind() && s.Track() == nil {
			free = s
			break
		}
	}
	c.mu.Unlock()
	if free == nil {
		return fmt.Errorf("%w: no free %s sender", transport.ErrTransport, t.Kind())
	}
	return free.ReplaceTrack(t)
}

func (c *mediaCall) Stats() transport.CallStats {
	return transport.CallStats{
		AudioPackets: c.audioPackets.Load(),
		VideoPackets: c.videoPackets.Load(),
		Bytes:        c.bytes.Load(),
		LostPackets:  c.lost.Load(),
	}
}

func (c *mediaCall) Close() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed && c.s != nil {
		_ = c.write(proto.MediaMsg{Type: proto.MediaBye, ID: c.id})
	}
	c.shutdown(nil)
	return nil
}

// shutdown tears the call down once and reports CallClosed.
func (c *mediaCall) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.release(err != nil)
	c.node.untrackCall(c)
	if err != nil {
		log.Warnf("call %s: %v", c.id, err)
	}
	c.node.box.Push(transport.CallClosed{Call: c, Err: err})
}

// abort releases a call the session never saw.
func (c *mediaCall) abort() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	c.release(true)
}

func (c *mediaCall) release(reset bool) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debugf("call %s: close peer connection: %v", c.id, err)
		}
	}
	if c.s != nil {
		if reset {
			_ = c.s.Reset()
		} else {
			_ = c.s.Close()
		}
	}
}

func (c *mediaCall) readRTP(track *webrtc.TrackRemote, counter *atomic.Uint64) {
	buf := make([]byte, 1500)
	var last uint16
	seen := false
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if seen {
			// Reordered packets produce huge gaps; only count plausible loss.
			if gap := pkt.SequenceNumber - last - 1; gap > 0 && gap < 1000 {
				c.lost.Add(uint64(gap))
			}
		}
		last, seen = pkt.SequenceNumber, true
		counter.Add(1)
		c.bytes.Add(uint64(len(pkt.Payload)))
	}
}

// requestKeyframes sends a PLI on the remote video track until the call ends,
// so a late or lossy start recovers a decodable picture.
func (c *mediaCall) requestKeyframes(track *webrtc.TrackRemote) {
	t := time.NewTicker(keyframeInterval)
	defer t.Stop()
	for {
		if err := c.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			return
		}
		select {
		case <-c.done:
			return
		case <-t.C:
		}
	}
}

// drainRTCP reads incoming RTCP so the interceptors see NACKs and reports.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

type enabledNotifier interface {
	OnEnabledChange(fn func(enabled bool))
}

// trackLocal returns the pion track behind t, or nil for tracks that carry
// no RTP.
func trackLocal(t media.Track) webrtc.TrackLocal {
	if t == nil {
		return nil
	}
	if tl, ok := t.(interface{ TrackLocal() webrtc.TrackLocal }); ok {
		return tl.TrackLocal()
	}
	return nil
}

func placeholder(kind media.Kind) (*webrtc.TrackLocalStaticSample, error) {
	if kind == media.KindVideo {
		return webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "goopcall")
	}
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "goopcall")
}

// rtpSender is the media.Sender over a pion RTPSender. A disabled track is
// paused by detaching it from the sender.
type rtpSender struct {
	kind        media.Kind
	s           *webrtc.RTPSender
	placeholder webrtc.TrackLocal

	mu    sync.Mutex
	track media.Track
	local webrtc.TrackLocal
}

func (r *rtpSender) Kind() media.Kind { return r.kind }

func (r *rtpSender) Track() media.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.track
}

func (r *rtpSender) ReplaceTrack(t media.Track) error {
	local := r.placeholder
	if l := trackLocal(t); l != nil {
		local = l
	}
	wire := local
	if t != nil && !t.Enabled() {
		wire = nil
	}
	if err := r.s.ReplaceTrack(wire); err != nil {
		return fmt.Errorf("%w: replace %s track: %v", transport.ErrTransport, r.kind, err)
	}
	r.mu.Lock()
	r.track = t
	r.local = local
	r.mu.Unlock()
	if t != nil {
		r.watch(t)
	}
	return nil
}

func (r *rtpSender) watch(t media.Track) {
	w, ok := t.(enabledNotifier)
	if !ok {
		return
	}
	w.OnEnabledChange(func(on bool) {
		r.mu.Lock()
		cur, local := r.track, r.local
		r.mu.Unlock()
		if cur != t {
			return
		}
		var wire webrtc.TrackLocal
		if on {
			wire = local
		}
		if err := r.s.ReplaceTrack(wire); err != nil {
			log.Debugf("%s sender: %v", r.kind, err)
		}
	})
}

var (
	_ transport.Transport     = (*Node)(nil)
	_ transport.MediaCall     = (*mediaCall)(nil)
	_ transport.StatsReporter = (*mediaCall)(nil)
)
