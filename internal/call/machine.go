package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/transport"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("goopcall/call")

// Options configure a Machine.
type Options struct {
	SelfID   string
	SelfName string
	// Post runs fn on the owning event loop.
	Post func(fn func())
	// RingTimeout ends an unanswered outgoing call.
	RingTimeout time.Duration
	// AudioInput and VideoInput are the preferred capture device ids.
	AudioInput string
	VideoInput string
}

// Machine holds at most one call session. Like the peer registry it is
// confined to the session loop; blocking work (capture, placing and answering
// media calls) runs elsewhere and re-enters through Post tagged with the
// session id, so a continuation for a session that has since ended only
// releases what it acquired.
type Machine struct {
	sig    Signaler
	dialer Dialer
	media  *media.Coordinator
	obs    Observer
	post   func(func())
	ctx    context.Context

	selfID   string
	selfName string
	ring     time.Duration
	audioIn  string
	videoIn  string

	sess *session

	// Peers whose unanswered call ended before its media offer arrived.
	// Their next offer is stale unless a new CallRequest comes first.
	staleOffer map[string]bool
}

type session struct {
	id       string
	state    State
	peerID   string
	peerName string
	outgoing bool

	video        bool
	muted        bool
	onHold       bool
	remoteOnHold bool

	mc     transport.MediaCall
	local  *media.Stream
	remote *media.Stream

	requested  bool // CallRequest seen on an incoming session
	answering  bool
	answerSent bool
	mediaBusy  bool
	pending    []func(error)

	tones     map[Tone]bool
	timer     *time.Timer
	startedAt time.Time
}

func NewMachine(ctx context.Context, sig Signaler, dialer Dialer, mc *media.Coordinator, obs Observer, opts Options) *Machine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = util.DefaultRingTimeout
	}
	return &Machine{
		sig:      sig,
		dialer:   dialer,
		media:    mc,
		obs:      obs,
		post:     opts.Post,
		ctx:      ctx,
		selfID:   opts.SelfID,
		selfName: opts.SelfName,
		ring:     opts.RingTimeout,
		audioIn:  opts.AudioInput,
		videoIn:  opts.VideoInput,

		staleOffer: make(map[string]bool),
	}
}

// Snapshot returns the current session, or an Idle snapshot.
func (m *Machine) Snapshot() Snapshot {
	s := m.sess
	if s == nil {
		return Snapshot{State: StateIdle}
	}
	snap := Snapshot{
		State:        s.state,
		ID:           s.id,
		PeerID:       s.peerID,
		PeerName:     s.peerName,
		Outgoing:     s.outgoing,
		HasVideo:     s.video,
		Muted:        s.muted,
		OnHold:       s.onHold,
		RemoteOnHold: s.remoteOnHold,
		StartedAt:    s.startedAt,
		Local:        s.local,
		Remote:       s.remote,
	}
	if r, ok := s.mc.(transport.StatsReporter); ok {
		st := r.Stats()
		snap.Stats = &st
	}
	return snap
}

// Inputs returns the preferred capture devices.
func (m *Machine) Inputs() (audio, video string) { return m.audioIn, m.videoIn }

func (m *Machine) constraints(video bool) media.Constraints {
	return media.Constraints{
		Audio:         true,
		Video:         video,
		AudioDeviceID: m.audioIn,
		VideoDeviceID: m.videoIn,
	}
}

func (m *Machine) current(id string) *session {
	if m.sess == nil || m.sess.id != id {
		return nil
	}
	return m.sess
}

func (m *Machine) newSession(state State, peerID string, outgoing bool) *session {
	name, ok := m.sig.PeerName(peerID)
	if !ok || name == "" {
		name = peerID
	}
	s := &session{
		id:       uuid.NewString(),
		state:    state,
		peerID:   peerID,
		peerName: name,
		outgoing: outgoing,
		tones:    make(map[Tone]bool),
	}
	m.sess = s
	log.Infof("call %s: %s with %s", s.id, state, peerID)
	return s
}

func (m *Machine) emit() {
	m.obs.CallStateChanged(m.Snapshot())
}

func (m *Machine) setState(s *session, st State) {
	if s.state == st {
		return
	}
	log.Debugf("call %s: %s -> %s", s.id, s.state, st)
	s.state = st
	m.emit()
}

func (m *Machine) tone(s *session, t Tone, on bool) {
	if s.tones[t] == on {
		return
	}
	s.tones[t] = on
	m.obs.ToneChanged(t, on)
}

// capture runs a capture off the loop and hands the result back tagged with
// the session id.
func (m *Machine) capture(id string, cons media.Constraints, then func(s *session, st *media.Stream, err error)) {
	go func() {
		st, err := m.media.Capture(m.ctx, cons)
		m.post(func() {
			s := m.current(id)
			if s == nil {
				m.media.Release(st)
				then(nil, nil, ErrCallEnded)
				return
			}
			then(s, st, err)
		})
	}()
}

// StartCall opens an outgoing call to peerID. done runs once the call
// request is on the wire or the attempt failed.
func (m *Machine) StartCall(peerID string, video bool, done func(error)) {
	if m.sess != nil {
		if peerID != m.sess.peerID {
			_ = m.sig.Send(peerID, signal.CallBusy{})
		}
		m.obs.Notify("Cannot start call - another call is in progress")
		done(ErrCallInProgress)
		return
	}
	if _, ok := m.sig.PeerName(peerID); !ok {
		done(fmt.Errorf("%w: %s", peer.ErrNoSuchConnection, peerID))
		return
	}

	s := m.newSession(StateOutgoing, peerID, true)
	s.video = video
	m.emit()

	m.media.ReleaseHeld()
	m.capture(s.id, m.constraints(video), func(s *session, st *media.Stream, err error) {
		if s == nil {
			done(err)
			return
		}
		if err != nil {
			log.Warnf("call %s: capture failed: %v", s.id, err)
			m.teardown(StateIdle)
			done(err)
			return
		}
		m.media.Adopt(st)
		s.local = st

		req := signal.CallRequest{CallerName: m.selfName, HasVideo: video}
		if err := m.sig.Send(s.peerID, req); err != nil {
			m.teardown(StateIdle)
			done(err)
			return
		}
		m.tone(s, ToneRingback, true)
		m.armRing(s)
		m.place(s)
		done(nil)
	})
}

func (m *Machine) place(s *session) {
	id, peerID, local := s.id, s.peerID, s.local
	go func() {
		mc, err := m.dialer.Call(m.ctx, peerID, local)
		m.post(func() {
			s := m.current(id)
			if s != nil && mc != nil && s.mc == mc {
				return
			}
			if s == nil || s.state != StateOutgoing {
				if mc != nil {
					_ = mc.Close()
				}
				return
			}
			if err != nil {
				log.Warnf("call %s: media call failed: %v", id, err)
				m.obs.Notify("Call failed: " + err.Error())
				_ = m.sig.Send(peerID, signal.CallReject{Reason: "failed"})
				m.teardown(StateEnded)
				return
			}
			s.mc = mc
		})
	}()
}

func (m *Machine) armRing(s *session) {
	id := s.id
	s.timer = time.AfterFunc(m.ring, func() {
		m.post(func() {
			s := m.current(id)
			if s == nil || s.state != StateOutgoing {
				return
			}
			log.Infof("call %s: no answer from %s", id, s.peerID)
			m.obs.Notify("No answer")
			_ = m.sig.Send(s.peerID, signal.CallReject{Reason: "timeout"})
			m.teardown(StateEnded)
		})
	})
}

// AnswerCall accepts the ringing incoming call.
func (m *Machine) AnswerCall(video bool, done func(error)) {
	s := m.sess
	switch {
	case s == nil:
		done(ErrNoCall)
		return
	case s.state != StateIncoming:
		done(fmt.Errorf("%w: %s", ErrInvalidState, s.state))
		return
	case s.answering:
		done(fmt.Errorf("%w: already answering", ErrInvalidState))
		return
	}
	s.answering = true
	s.video = video
	s.pending = append(s.pending, done)

	m.media.ReleaseHeld()
	m.capture(s.id, m.constraints(video), func(s *session, st *media.Stream, err error) {
		if s == nil {
			return
		}
		if err != nil {
			m.failAnswer(s, err)
			return
		}
		m.media.Adopt(st)
		s.local = st
		m.answerMedia(s)
	})
}

// answerMedia answers once both the local stream and the media offer exist.
func (m *Machine) answerMedia(s *session) {
	if !s.answering || s.answerSent || s.local == nil || s.mc == nil {
		return
	}
	s.answerSent = true
	id, mc, local := s.id, s.mc, s.local
	go func() {
		err := mc.Answer(m.ctx, local)
		m.post(func() {
			s := m.current(id)
			if s == nil {
				return
			}
			if err != nil {
				m.failAnswer(s, err)
				return
			}
			m.activate(s)
			m.resolve(s, nil)
		})
	}()
}

func (m *Machine) failAnswer(s *session, err error) {
	log.Warnf("call %s: answer failed: %v", s.id, err)
	_ = m.sig.Send(s.peerID, signal.CallReject{Reason: "failed", Message: err.Error()})
	m.resolve(s, err)
	m.teardown(StateEnded)
}

func (m *Machine) activate(s *session) {
	if s.state.Live() {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	m.tone(s, ToneRingback, false)
	s.startedAt = time.Now()
	m.applyAudio(s)
	m.setState(s, StateActive)
}

func (m *Machine) resolve(s *session, err error) {
	pending := s.pending
	s.pending = nil
	for _, fn := range pending {
		fn(err)
	}
}

// RejectCall declines the ringing incoming call.
func (m *Machine) RejectCall(reason, message string) error {
	s := m.sess
	if s == nil {
		return ErrNoCall
	}
	if s.state != StateIncoming {
		return fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
	if reason == "" {
		reason = "rejected"
	}
	if err := m.sig.Send(s.peerID, signal.CallReject{Reason: reason, Message: message}); err != nil {
		log.Warnf("call %s: reject not delivered: %v", s.id, err)
	}
	m.teardown(StateEnded)
	return nil
}

// EndCall hangs up whatever session exists. Without one it does nothing.
func (m *Machine) EndCall() {
	s := m.sess
	if s == nil {
		return
	}
	switch s.state {
	case StateOutgoing:
		_ = m.sig.Send(s.peerID, signal.CallReject{Reason: "cancelled"})
	case StateIncoming:
		_ = m.sig.Send(s.peerID, signal.CallReject{Reason: "rejected"})
	}
	m.teardown(StateEnded)
}

// ToggleMute flips the local microphone and returns the new muted flag.
func (m *Machine) ToggleMute() (bool, error) {
	s := m.sess
	if s == nil {
		return false, ErrNoCall
	}
	s.muted = !s.muted
	m.applyAudio(s)
	if s.muted {
		m.obs.Notify("Muted")
	} else {
		m.obs.Notify("Unmuted")
	}
	m.emit()
	return s.muted, nil
}

// ToggleHold puts a live call on hold or resumes it and returns the new flag.
func (m *Machine) ToggleHold() (bool, error) {
	s := m.sess
	if s == nil {
		return false, ErrNoCall
	}
	if !s.state.Live() {
		return false, fmt.Errorf("%w: %s", ErrInvalidState, s.state)
	}
	s.onHold = !s.onHold
	m.applyAudio(s)
	if err := m.sig.Send(s.peerID, signal.Hold{IsOnHold: s.onHold}); err != nil {
		log.Warnf("call %s: hold not delivered: %v", s.id, err)
	}
	m.tone(s, ToneHold, s.onHold)
	if s.onHold {
		m.obs.Notify("Call on hold")
		m.setState(s, StateOnHold)
	} else {
		m.obs.Notify("Call resumed")
		m.setState(s, StateActive)
	}
	return s.onHold, nil
}

// applyAudio makes the microphone follow the mute and hold flags.
func (m *Machine) applyAudio(s *session) {
	m.media.SetAudioEnabled(s.local, !s.muted && !s.onHold)
}

// teardown ends the session: outcome is reported, then Idle.
func (m *Machine) teardown(outcome State) {
	s := m.sess
	if s == nil {
		return
	}
	m.sess = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.state == StateIncoming && s.mc == nil {
		m.staleOffer[s.peerID] = true
	}
	if mc := s.mc; mc != nil {
		go func() { _ = mc.Close() }()
	}
	m.media.Release(s.local)
	m.media.Release(s.remote)
	for t, on := range s.tones {
		if on {
			s.tones[t] = false
			m.obs.ToneChanged(t, false)
		}
	}
	m.resolve(s, ErrCallEnded)

	log.Infof("call %s with %s: %s", s.id, s.peerID, outcome)
	if outcome != StateIdle {
		snap := Snapshot{
			State:    outcome,
			ID:       s.id,
			PeerID:   s.peerID,
			PeerName: s.peerName,
			Outgoing: s.outgoing,
			HasVideo: s.video,
		}
		m.obs.CallStateChanged(snap)
	}
	m.emit()
}

// Shutdown ends any call in progress.
func (m *Machine) Shutdown() {
	m.EndCall()
	m.media.ReleaseHeld()
}
