package call

import (
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/transport"
)

// HandleMessage applies a call signaling message received from from.
// Messages that do not concern calls are ignored.
func (m *Machine) HandleMessage(from string, msg signal.Message) {
	switch v := msg.(type) {
	case signal.CallRequest:
		m.onCallRequest(from, v)
	case signal.CallReject:
		m.onCallReject(from, v)
	case signal.CallBusy:
		m.onCallBusy(from)
	case signal.Hold:
		m.onHold(from, v)
	}
}

// HandleEvent applies a media transport event. Data events are ignored.
func (m *Machine) HandleEvent(ev transport.Event) {
	switch e := ev.(type) {
	case transport.CallIncoming:
		m.onIncomingCall(e.Call)
	case transport.CallStream:
		m.onCallStream(e.Call, e.Remote)
	case transport.CallClosed:
		m.onCallClosed(e.Call, e.Err)
	}
}

// HandlePeerClosed ends a call still ringing with peerID. Live calls carry on
// over their media session.
func (m *Machine) HandlePeerClosed(peerID string) {
	s := m.sess
	if s == nil || s.peerID != peerID || s.state.Live() {
		return
	}
	log.Infof("call %s: connection to %s lost while ringing", s.id, peerID)
	m.obs.Notify("Connection lost")
	m.teardown(StateEnded)
}

// wins reports whether the local side keeps its outgoing call when both
// sides call each other at once.
func (m *Machine) wins(remoteID string) bool {
	return m.selfID < remoteID
}

// yield drops the local outgoing attempt to remoteID in favour of theirs.
func (m *Machine) yield(s *session) *session {
	log.Infof("call %s: both sides called, yielding to %s", s.id, s.peerID)
	if s.timer != nil {
		s.timer.Stop()
	}
	if mc := s.mc; mc != nil {
		go func() { _ = mc.Close() }()
	}
	m.media.Release(s.local)
	m.resolve(s, ErrCallEnded)
	m.sess = nil

	n := m.newSession(StateIncoming, s.peerID, false)
	n.tones = s.tones
	return n
}

func (m *Machine) busy(from string) {
	if err := m.sig.Send(from, signal.CallBusy{}); err != nil {
		log.Debugf("busy to %s not delivered: %v", from, err)
	}
}

func (m *Machine) onCallRequest(from string, req signal.CallRequest) {
	delete(m.staleOffer, from)
	s := m.sess
	if s != nil && s.peerID != from {
		log.Infof("call request from %s while in call with %s", from, s.peerID)
		m.busy(from)
		return
	}
	if s != nil {
		switch s.state {
		case StateOutgoing:
			if m.wins(from) {
				return
			}
			s = m.yield(s)
		case StateIncoming:
			if s.requested {
				return
			}
		default:
			log.Warnf("call %s: stray call request from %s", s.id, from)
			return
		}
	} else {
		s = m.newSession(StateIncoming, from, false)
	}

	s.requested = true
	s.video = req.HasVideo
	if req.CallerName != "" {
		s.peerName = req.CallerName
	}
	m.tone(s, ToneRingback, true)
	m.emit()
}

func (m *Machine) onIncomingCall(mc transport.MediaCall) {
	from := mc.RemoteID()
	s := m.sess
	if s == nil && m.staleOffer[from] {
		delete(m.staleOffer, from)
		log.Debugf("dropping media offer from %s for a call that already ended", from)
		_ = mc.Close()
		return
	}
	if s != nil && s.peerID != from {
		m.busy(from)
		_ = mc.Close()
		return
	}
	if s != nil {
		switch {
		case s.state == StateOutgoing && m.wins(from):
			_ = mc.Close()
			return
		case s.state == StateOutgoing:
			s = m.yield(s)
		case s.state != StateIncoming || s.mc != nil:
			log.Warnf("call %s: duplicate media call from %s", s.id, from)
			_ = mc.Close()
			return
		}
	} else {
		s = m.newSession(StateIncoming, from, false)
		m.tone(s, ToneRingback, true)
	}

	s.mc = mc
	m.emit()
	m.answerMedia(s)
}

func (m *Machine) onCallStream(mc transport.MediaCall, remote *media.Stream) {
	s := m.sess
	if s != nil && s.mc == nil && s.state == StateOutgoing && mc.RemoteID() == s.peerID {
		// Answered before the placing goroutine reported back.
		s.mc = mc
	}
	if s == nil || s.mc != mc {
		m.media.Release(remote)
		return
	}
	if s.remote != nil && s.remote != remote {
		m.media.Release(s.remote)
	}
	s.remote = remote
	if s.state == StateOutgoing || (s.state == StateIncoming && s.answerSent) {
		m.activate(s)
		m.resolve(s, nil)
		return
	}
	m.emit()
}

func (m *Machine) onCallClosed(mc transport.MediaCall, err error) {
	s := m.sess
	if s == nil || s.mc != mc {
		return
	}
	s.mc = nil
	if err == nil && s.state == StateIncoming && !s.requested {
		// Offer withdrawn and no request will follow.
		log.Debugf("call %s: media offer withdrawn before any request", s.id)
		m.teardown(StateEnded)
		return
	}
	if err == nil && !s.state.Live() {
		// The reject or busy that explains this is still on its way.
		log.Debugf("call %s: media call closed before answer", s.id)
		return
	}
	if err != nil {
		log.Warnf("call %s: media session failed: %v", s.id, err)
		m.obs.Notify("Call failed: " + err.Error())
	} else if s.state.Live() {
		m.obs.Notify("Call ended")
	}
	m.teardown(StateEnded)
}

func (m *Machine) onCallReject(from string, rej signal.CallReject) {
	s := m.sess
	if s == nil || s.peerID != from {
		return
	}
	switch s.state {
	case StateOutgoing:
		if rej.Reason != "" {
			m.obs.Notify("Call rejected: " + rej.Reason)
		} else {
			m.obs.Notify("Call rejected")
		}
		if rej.Message != "" {
			m.obs.Notify("Message: " + rej.Message)
		}
		m.teardown(StateRejected)
	case StateIncoming:
		m.obs.Notify("Call cancelled")
		m.teardown(StateEnded)
	}
}

func (m *Machine) onCallBusy(from string) {
	s := m.sess
	if s == nil || s.peerID != from || s.state != StateOutgoing {
		return
	}
	m.obs.Notify("User is busy - another call is in progress")
	m.teardown(StateBusy)
}

func (m *Machine) onHold(from string, h signal.Hold) {
	s := m.sess
	if s == nil || s.peerID != from || !s.state.Live() {
		return
	}
	if s.remoteOnHold == h.IsOnHold {
		return
	}
	s.remoteOnHold = h.IsOnHold
	if h.IsOnHold {
		m.obs.Notify("Remote party put the call on hold")
	} else {
		m.obs.Notify("Remote party resumed the call")
	}
	m.emit()
}
