package call

import (
	"fmt"

	"github.com/petervdpas/goopcall/internal/media"
)

// ToggleVideo turns the camera off, or captures a fresh audio and video
// stream and puts it on the live call. done receives the new video flag.
func (m *Machine) ToggleVideo(done func(bool, error)) {
	s := m.sess
	switch {
	case s == nil:
		done(false, ErrNoCall)
		return
	case !s.state.Live():
		done(false, fmt.Errorf("%w: %s", ErrInvalidState, s.state))
		return
	case s.mediaBusy:
		done(s.video, ErrMediaBusy)
		return
	}

	if s.video {
		s.video = false
		m.media.SetVideoEnabled(s.local, false)
		m.obs.Notify("Camera turned off")
		m.emit()
		done(false, nil)
		return
	}

	s.mediaBusy = true
	m.media.ReleaseHeld()
	s.local = nil
	m.capture(s.id, m.constraints(true), func(s *session, fresh *media.Stream, err error) {
		if s == nil {
			done(false, err)
			return
		}
		if err != nil {
			log.Warnf("call %s: camera capture failed: %v", s.id, err)
			m.obs.Notify("Failed to turn on camera")
			m.restoreAudio(s, func() { done(false, err) })
			return
		}
		s.mediaBusy = false
		if err := m.media.ReplaceStream(s.mc, fresh); err != nil {
			log.Warnf("call %s: replacing tracks: %v", s.id, err)
		}
		s.local = fresh
		s.video = true
		m.applyAudio(s)
		m.obs.Notify("Camera turned on")
		m.emit()
		done(true, nil)
	})
}

// restoreAudio recaptures the microphone after a failed camera switch.
func (m *Machine) restoreAudio(s *session, then func()) {
	m.capture(s.id, m.constraints(false), func(s *session, st *media.Stream, err error) {
		defer then()
		if s == nil {
			return
		}
		s.mediaBusy = false
		if err != nil {
			log.Errorf("call %s: microphone lost: %v", s.id, err)
			m.obs.Notify("Failed to restore audio")
			m.emit()
			return
		}
		if err := m.media.ReplaceStream(s.mc, st); err != nil {
			log.Warnf("call %s: replacing tracks: %v", s.id, err)
		}
		s.local = st
		m.applyAudio(s)
		m.emit()
	})
}

// ChangeInput switches the capture device of one kind. Without a call only
// the preference is stored.
func (m *Machine) ChangeInput(kind media.Kind, deviceID string, done func(error)) {
	cur := &m.audioIn
	if kind == media.KindVideo {
		cur = &m.videoIn
	}
	if *cur == deviceID {
		done(nil)
		return
	}
	prev := *cur
	*cur = deviceID

	s := m.sess
	if s == nil || s.local == nil || (kind == media.KindVideo && !s.video) {
		done(nil)
		return
	}
	if s.mediaBusy {
		*cur = prev
		done(ErrMediaBusy)
		return
	}

	cons := media.Constraints{Audio: kind == media.KindAudio, Video: kind == media.KindVideo}
	if kind == media.KindAudio {
		cons.AudioDeviceID = deviceID
	} else {
		cons.VideoDeviceID = deviceID
	}

	s.mediaBusy = true
	m.capture(s.id, cons, func(s *session, captured *media.Stream, err error) {
		if s == nil {
			done(err)
			return
		}
		s.mediaBusy = false
		if err != nil {
			*cur = prev
			m.obs.Notify(changeFailed(kind))
			done(err)
			return
		}
		t, err := m.media.Splice(s.mc, s.local, captured, kind)
		if t == nil {
			*cur = prev
			m.obs.Notify(changeFailed(kind))
			done(err)
			return
		}
		if kind == media.KindAudio {
			t.SetEnabled(!s.muted && !s.onHold)
			m.obs.Notify("Audio input changed")
		} else {
			m.obs.Notify("Camera changed")
		}
		if err != nil {
			log.Warnf("call %s: replacing %s track: %v", s.id, kind, err)
		}
		m.emit()
		done(nil)
	})
}

func changeFailed(kind media.Kind) string {
	if kind == media.KindVideo {
		return "Failed to change camera"
	}
	return "Failed to change audio input"
}
