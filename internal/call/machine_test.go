package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/media/mediatest"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/transport"
)

// world wires machines together: signaling goes straight to the remote
// machine's loop, media calls run over a MemoryNetwork.
type world struct {
	net   *transport.MemoryNetwork
	mu    sync.Mutex
	sides map[string]*side
}

type side struct {
	id, name string
	w        *world
	ctx      context.Context
	fns      chan func()
	tr       *transport.MemoryTransport
	dev      *mediatest.Devices
	m        *Machine

	mu     sync.Mutex
	states []State
	notes  []string
	tones  []string
	sent   []signal.Message
}

func newWorld() *world {
	return &world{net: transport.NewMemoryNetwork(), sides: make(map[string]*side)}
}

func (w *world) add(t *testing.T, id, name string, ring time.Duration) *side {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &side{
		id:   id,
		name: name,
		w:    w,
		ctx:  ctx,
		fns:  make(chan func(), 256),
		tr:   w.net.Peer(id),
		dev:  mediatest.NewDevices(),
	}
	_, err := s.tr.Open(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = s.tr.Close()
	})

	s.m = NewMachine(ctx, s, s.tr, media.NewCoordinator(s.dev), s, Options{
		SelfID:      id,
		SelfName:    name,
		Post:        s.post,
		RingTimeout: ring,
	})
	w.mu.Lock()
	w.sides[id] = s
	w.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-s.fns:
				fn()
			case ev, ok := <-s.tr.Events():
				if !ok {
					return
				}
				s.m.HandleEvent(ev)
			}
		}
	}()
	return s
}

func (w *world) get(id string) (*side, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sides[id]
	return s, ok
}

func (s *side) post(fn func()) {
	select {
	case s.fns <- fn:
	case <-s.ctx.Done():
	}
}

func (s *side) do(fn func()) {
	done := make(chan struct{})
	s.post(func() { fn(); close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		panic("loop stuck")
	}
}

// Signaler

func (s *side) Send(remoteID string, msg signal.Message) error {
	r, ok := s.w.get(remoteID)
	if !ok {
		return fmt.Errorf("%w: %s", peer.ErrNoSuchConnection, remoteID)
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	r.post(func() { r.m.HandleMessage(s.id, msg) })
	return nil
}

func (s *side) PeerName(remoteID string) (string, bool) {
	r, ok := s.w.get(remoteID)
	if !ok {
		return "", false
	}
	return r.name, true
}

// Observer

func (s *side) CallStateChanged(snap Snapshot) {
	s.mu.Lock()
	s.states = append(s.states, snap.State)
	s.mu.Unlock()
}

func (s *side) Notify(text string) {
	s.mu.Lock()
	s.notes = append(s.notes, text)
	s.mu.Unlock()
}

func (s *side) ToneChanged(tone Tone, on bool) {
	s.mu.Lock()
	s.tones = append(s.tones, fmt.Sprintf("%s:%v", tone, on))
	s.mu.Unlock()
}

func (s *side) snapshot() Snapshot {
	var snap Snapshot
	s.do(func() { snap = s.m.Snapshot() })
	return snap
}

func (s *side) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.snapshot().State == want },
		2*time.Second, 5*time.Millisecond, "%s never reached %s", s.id, want)
}

func (s *side) saw(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.states, st)
}

func (s *side) noted(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.notes, text)
}

func (s *side) sentMessages() []signal.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.Message(nil), s.sent...)
}

func (s *side) start(t *testing.T, to string, video bool) error {
	t.Helper()
	ch := make(chan error, 1)
	s.post(func() { s.m.StartCall(to, video, func(err error) { ch <- err }) })
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall never completed")
		return nil
	}
}

func (s *side) answer(t *testing.T, video bool) error {
	t.Helper()
	ch := make(chan error, 1)
	s.post(func() { s.m.AnswerCall(video, func(err error) { ch <- err }) })
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("AnswerCall never completed")
		return nil
	}
}

func (s *side) mediaCall() transport.MediaCall {
	var mc transport.MediaCall
	s.do(func() {
		if s.m.sess != nil {
			mc = s.m.sess.mc
		}
	})
	return mc
}

func connected(t *testing.T, video bool) (*world, *side, *side) {
	t.Helper()
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)
	require.NoError(t, a.start(t, "2222", video))
	b.waitState(t, StateIncoming)
	require.NoError(t, b.answer(t, video))
	a.waitState(t, StateActive)
	b.waitState(t, StateActive)
	return w, a, b
}

func TestCallAnswerAndHangUp(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)

	require.NoError(t, a.start(t, "2222", false))
	assert.Equal(t, StateOutgoing, a.snapshot().State)
	b.waitState(t, StateIncoming)
	in := b.snapshot()
	assert.Equal(t, "1111", in.PeerID)
	assert.Equal(t, "Alice", in.PeerName)
	assert.False(t, in.Outgoing)

	require.NoError(t, b.answer(t, false))
	a.waitState(t, StateActive)
	b.waitState(t, StateActive)
	assert.NotNil(t, a.snapshot().Remote)

	a.do(a.m.EndCall)
	a.waitState(t, StateIdle)
	b.waitState(t, StateIdle)
	assert.True(t, a.saw(StateEnded))
	assert.True(t, b.saw(StateEnded))

	assert.Empty(t, a.dev.Live())
	assert.Empty(t, b.dev.Live())

	// Ending again is harmless.
	a.do(a.m.EndCall)
	assert.Equal(t, StateIdle, a.snapshot().State)
}

func TestThirdCallerGetsBusy(t *testing.T) {
	w, a, _ := connected(t, false)
	c := w.add(t, "3333", "Carol", time.Minute)

	require.NoError(t, c.start(t, "1111", false))
	c.waitState(t, StateIdle)
	assert.True(t, c.saw(StateBusy))
	assert.True(t, c.noted("User is busy - another call is in progress"))
	assert.Empty(t, c.dev.Live())

	snap := a.snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, "2222", snap.PeerID)
}

func TestStartCallWhileInCall(t *testing.T) {
	w, a, _ := connected(t, false)
	c := w.add(t, "3333", "Carol", time.Minute)

	err := a.start(t, "3333", false)
	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.True(t, a.noted("Cannot start call - another call is in progress"))
	assert.Equal(t, StateIdle, c.snapshot().State)
	assert.Equal(t, StateActive, a.snapshot().State)
}

func TestStartCallNeedsConnection(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	err := a.start(t, "9999", false)
	assert.ErrorIs(t, err, peer.ErrNoSuchConnection)
	assert.Equal(t, StateIdle, a.snapshot().State)
}

func TestRejectNotifiesCaller(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)

	require.NoError(t, a.start(t, "2222", true))
	b.waitState(t, StateIncoming)
	assert.True(t, b.snapshot().HasVideo)

	var err error
	b.do(func() { err = b.m.RejectCall("declined", "call me later") })
	require.NoError(t, err)

	a.waitState(t, StateIdle)
	assert.True(t, a.saw(StateRejected))
	assert.True(t, a.noted("Call rejected: declined"))
	assert.True(t, a.noted("Message: call me later"))
	assert.Empty(t, a.dev.Live())
	assert.Equal(t, StateIdle, b.snapshot().State)
}

func (s *side) ringbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tones {
		if t == "ringback:true" {
			n++
		}
	}
	return n
}

func TestOfferAfterRejectIsDropped(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)

	// The request overtakes the media offer, as it does over libp2p.
	require.NoError(t, a.Send("2222", signal.CallRequest{CallerName: "Alice"}))
	b.waitState(t, StateIncoming)
	var err error
	b.do(func() { err = b.m.RejectCall("declined", "") })
	require.NoError(t, err)
	assert.Equal(t, StateIdle, b.snapshot().State)

	_, err = a.tr.Call(context.Background(), "2222", nil)
	require.NoError(t, err)
	assert.Never(t, func() bool { return b.snapshot().State != StateIdle },
		200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, b.ringbacks())

	// A fresh request makes the next offer welcome again.
	require.NoError(t, a.Send("2222", signal.CallRequest{CallerName: "Alice"}))
	b.waitState(t, StateIncoming)
	_, err = a.tr.Call(context.Background(), "2222", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.mediaCall() != nil },
		2*time.Second, 5*time.Millisecond)
}

func TestOfferAfterCancelIsDropped(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)

	require.NoError(t, a.Send("2222", signal.CallRequest{CallerName: "Alice"}))
	b.waitState(t, StateIncoming)
	require.NoError(t, a.Send("2222", signal.CallReject{Reason: "cancelled"}))
	b.waitState(t, StateIdle)
	assert.True(t, b.noted("Call cancelled"))

	_, err := a.tr.Call(context.Background(), "2222", nil)
	require.NoError(t, err)
	assert.Never(t, func() bool { return b.snapshot().State != StateIdle },
		200*time.Millisecond, 10*time.Millisecond)
}

func TestWithdrawnOfferWithoutRequestStopsRinging(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)

	mc, err := a.tr.Call(context.Background(), "2222", nil)
	require.NoError(t, err)
	b.waitState(t, StateIncoming)

	require.NoError(t, mc.Close())
	b.waitState(t, StateIdle)
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"ringback:true", "ringback:false"}, b.tones)
}

func TestCancelOutgoingCall(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)

	require.NoError(t, a.start(t, "2222", false))
	b.waitState(t, StateIncoming)
	a.do(a.m.EndCall)

	b.waitState(t, StateIdle)
	assert.True(t, b.noted("Call cancelled"))
	assert.Contains(t, a.sentMessages(), signal.Message(signal.CallReject{Reason: "cancelled"}))
}

func TestCaptureFailureLeavesIdle(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)
	a.dev.SetErr(errors.New("camera permission denied"))

	err := a.start(t, "2222", true)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
	assert.Equal(t, StateIdle, a.snapshot().State)
	assert.Empty(t, a.sentMessages())
	assert.Equal(t, StateIdle, b.snapshot().State)
}

func TestStaleCaptureIsReleased(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	w.add(t, "2222", "Bob", time.Minute)
	a.dev.Hold()

	ch := make(chan error, 1)
	a.post(func() { a.m.StartCall("2222", false, func(err error) { ch <- err }) })
	a.do(a.m.EndCall)
	a.dev.Release()

	select {
	case err := <-ch:
		assert.ErrorIs(t, err, ErrCallEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall never completed")
	}
	require.Eventually(t, func() bool { return len(a.dev.Streams()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, a.dev.Live())
	assert.Equal(t, []signal.Message{signal.CallReject{Reason: "cancelled"}}, a.sentMessages())
}

func TestAnswerFailureEndsCall(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)

	require.NoError(t, a.start(t, "2222", false))
	b.waitState(t, StateIncoming)
	b.dev.SetErr(errors.New("no such device"))

	err := b.answer(t, false)
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
	b.waitState(t, StateIdle)
	a.waitState(t, StateIdle)
	assert.True(t, a.noted("Call rejected: failed"))
	assert.Empty(t, a.dev.Live())
}

func TestHoldAndMuteDriveMicrophone(t *testing.T) {
	_, a, b := connected(t, false)
	mic := func() media.Track { return a.snapshot().Local.AudioTracks()[0] }
	require.True(t, mic().Enabled())

	var on bool
	var err error
	a.do(func() { on, err = a.m.ToggleHold() })
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, StateOnHold, a.snapshot().State)
	assert.False(t, mic().Enabled())
	require.Eventually(t, func() bool { return b.snapshot().RemoteOnHold }, time.Second, 5*time.Millisecond)
	assert.True(t, b.noted("Remote party put the call on hold"))

	a.do(func() { on, err = a.m.ToggleHold() })
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, StateActive, a.snapshot().State)
	assert.True(t, mic().Enabled())
	require.Eventually(t, func() bool { return b.noted("Remote party resumed the call") }, time.Second, 5*time.Millisecond)

	a.do(func() { on, err = a.m.ToggleMute() })
	require.NoError(t, err)
	assert.True(t, on)
	assert.False(t, mic().Enabled())

	// Resuming from hold must not unmute.
	a.do(func() { _, _ = a.m.ToggleHold() })
	a.do(func() { _, _ = a.m.ToggleHold() })
	assert.False(t, mic().Enabled())
	assert.True(t, a.noted("Muted"))

	a.mu.Lock()
	assert.Contains(t, a.tones, "hold:true")
	assert.Contains(t, a.tones, "hold:false")
	a.mu.Unlock()
}

func TestHoldNeedsLiveCall(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	var err error
	a.do(func() { _, err = a.m.ToggleHold() })
	assert.ErrorIs(t, err, ErrNoCall)

	w.add(t, "2222", "Bob", time.Minute)
	require.NoError(t, a.start(t, "2222", false))
	a.do(func() { _, err = a.m.ToggleHold() })
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestToggleVideoAddsVideoSender(t *testing.T) {
	_, a, _ := connected(t, false)
	before := a.snapshot().Local
	require.Empty(t, before.VideoTracks())

	ch := make(chan error, 1)
	a.post(func() {
		a.m.ToggleVideo(func(on bool, err error) {
			assert.True(t, on)
			ch <- err
		})
	})
	require.NoError(t, <-ch)

	after := a.snapshot()
	assert.True(t, after.HasVideo)
	assert.True(t, before.Released())
	assert.Len(t, after.Local.VideoTracks(), 1)

	kinds := map[media.Kind]int{}
	for _, s := range a.mediaCall().Senders() {
		kinds[s.Kind()]++
	}
	assert.Equal(t, map[media.Kind]int{media.KindAudio: 1, media.KindVideo: 1}, kinds)
	assert.True(t, a.noted("Camera turned on"))

	a.post(func() { a.m.ToggleVideo(func(on bool, err error) { ch <- err }) })
	require.NoError(t, <-ch)
	assert.False(t, after.Local.VideoTracks()[0].Enabled())
	assert.True(t, a.noted("Camera turned off"))
}

func TestToggleVideoFailureRestoresAudio(t *testing.T) {
	_, a, _ := connected(t, false)
	a.dev.SetErr(errors.New("busy"))

	ch := make(chan error, 1)
	a.post(func() { a.m.ToggleVideo(func(on bool, err error) { ch <- err }) })
	assert.ErrorIs(t, <-ch, media.ErrDeviceUnavailable)
	assert.True(t, a.noted("Failed to turn on camera"))

	// Audio could not be restored either; clear the error and try again.
	a.dev.SetErr(nil)
	a.post(func() { a.m.ToggleVideo(func(on bool, err error) { ch <- err }) })
	require.NoError(t, <-ch)
	assert.Equal(t, StateActive, a.snapshot().State)
}

func TestChangeAudioInput(t *testing.T) {
	_, a, _ := connected(t, false)
	old := a.snapshot().Local.AudioTracks()[0]

	ch := make(chan error, 1)
	a.post(func() { a.m.ChangeInput(media.KindAudio, "usb-mic", func(err error) { ch <- err }) })
	require.NoError(t, <-ch)

	nt := a.snapshot().Local.AudioTracks()
	require.Len(t, nt, 1)
	assert.Equal(t, "usb-mic", nt[0].DeviceID())
	assert.True(t, old.Stopped())
	assert.Same(t, nt[0], a.mediaCall().Senders()[0].Track())
	assert.True(t, a.noted("Audio input changed"))

	n := len(a.dev.Requests())
	a.post(func() { a.m.ChangeInput(media.KindAudio, "usb-mic", func(err error) { ch <- err }) })
	require.NoError(t, <-ch)
	assert.Len(t, a.dev.Requests(), n)
}

func TestChangeInputWithoutCallStoresPreference(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	w.add(t, "2222", "Bob", time.Minute)

	ch := make(chan error, 1)
	a.post(func() { a.m.ChangeInput(media.KindVideo, "usb-cam", func(err error) { ch <- err }) })
	require.NoError(t, <-ch)
	assert.Empty(t, a.dev.Requests())

	require.NoError(t, a.start(t, "2222", true))
	reqs := a.dev.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "usb-cam", reqs[0].VideoDeviceID)
}

func TestSimultaneousCallsLowerIDKeepsItsCall(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)
	a.dev.Hold()
	b.dev.Hold()

	ra, rb := make(chan error, 1), make(chan error, 1)
	a.do(func() { a.m.StartCall("2222", false, func(err error) { ra <- err }) })
	b.do(func() { b.m.StartCall("1111", false, func(err error) { rb <- err }) })
	a.dev.Release()
	b.dev.Release()
	require.NoError(t, <-ra)
	<-rb

	b.waitState(t, StateIncoming)
	require.Eventually(t, func() bool { return b.mediaCall() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOutgoing, a.snapshot().State)
	for _, m := range a.sentMessages() {
		assert.NotEqual(t, signal.KindCallBusy, m.Kind())
	}

	require.NoError(t, b.answer(t, false))
	a.waitState(t, StateActive)
	b.waitState(t, StateActive)
	assert.Len(t, b.dev.Live(), 1)
	assert.Len(t, a.dev.Live(), 1)
}

func TestConnectionLossWhileRinging(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", time.Minute)
	b := w.add(t, "2222", "Bob", time.Minute)
	require.NoError(t, a.start(t, "2222", false))
	b.waitState(t, StateIncoming)

	b.do(func() { b.m.HandlePeerClosed("1111") })
	assert.Equal(t, StateIdle, b.snapshot().State)
	assert.True(t, b.noted("Connection lost"))
}

func TestLiveCallSurvivesConnectionLoss(t *testing.T) {
	_, a, _ := connected(t, false)
	a.do(func() { a.m.HandlePeerClosed("2222") })
	assert.Equal(t, StateActive, a.snapshot().State)
}

func TestMediaFailureEndsCall(t *testing.T) {
	_, a, b := connected(t, true)
	a.tr.FailCalls(errors.New("ice failed"))

	a.waitState(t, StateIdle)
	b.waitState(t, StateIdle)
	assert.True(t, a.noted("Call failed: ice failed"))
	assert.Empty(t, a.dev.Live())
	assert.Empty(t, b.dev.Live())
}

func TestUnansweredCallTimesOut(t *testing.T) {
	w := newWorld()
	a := w.add(t, "1111", "Alice", 50*time.Millisecond)
	b := w.add(t, "2222", "Bob", time.Minute)

	require.NoError(t, a.start(t, "2222", false))
	a.waitState(t, StateIdle)
	assert.True(t, a.noted("No answer"))
	b.waitState(t, StateIdle)

	a.mu.Lock()
	assert.Equal(t, []string{"ringback:true", "ringback:false"}, a.tones)
	a.mu.Unlock()
}
