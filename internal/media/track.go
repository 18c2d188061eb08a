// Package media owns local capture streams and the track operations a live
// call needs: mute, hold, video toggle and device switching.
package media

import (
	"sync"

	"github.com/google/uuid"
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a single audio or video source.
type Track interface {
	ID() string
	Kind() Kind
	DeviceID() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
}

// BaseTrack implements Track. Capture backends embed it and hook device
// shutdown through the stop callback.
type BaseTrack struct {
	id       string
	kind     Kind
	deviceID string

	mu       sync.Mutex
	enabled  bool
	stopped  bool
	onStop   func()
	watchers []func(bool)
}

// NewTrack returns an enabled track. onStop may be nil.
func NewTrack(kind Kind, deviceID string, onStop func()) *BaseTrack {
	return &BaseTrack{
		id:       uuid.NewString(),
		kind:     kind,
		deviceID: deviceID,
		enabled:  true,
		onStop:   onStop,
	}
}

func (t *BaseTrack) ID() string       { return t.id }
func (t *BaseTrack) Kind() Kind       { return t.kind }
func (t *BaseTrack) DeviceID() string { return t.deviceID }

func (t *BaseTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled flips the track on or off. Watchers run only on change.
func (t *BaseTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	if t.enabled == enabled || t.stopped {
		t.mu.Unlock()
		return
	}
	t.enabled = enabled
	watchers := append([]func(bool){}, t.watchers...)
	t.mu.Unlock()

	for _, fn := range watchers {
		fn(enabled)
	}
}

// OnEnabledChange registers fn to be called whenever the enabled flag flips.
// Media sessions use it to pause the outbound sender.
func (t *BaseTrack) OnEnabledChange(fn func(enabled bool)) {
	t.mu.Lock()
	t.watchers = append(t.watchers, fn)
	t.mu.Unlock()
}

// Stop releases the underlying device. Safe to call more than once.
func (t *BaseTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.enabled = false
	onStop := t.onStop
	t.mu.Unlock()

	if onStop != nil {
		onStop()
	}
}

func (t *BaseTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
