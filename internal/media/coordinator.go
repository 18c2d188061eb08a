package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("goopcall/media")

var (
	ErrPermissionDenied  = errors.New("media: permission denied")
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

// Constraints select what a capture should open.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
}

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// Devices is a capture backend.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	Enumerate() []DeviceInfo
}

// Sender is the outbound slot of one track on a media session.
type Sender interface {
	Kind() Kind
	Track() Track
	ReplaceTrack(t Track) error
}

// Session is the outbound side of a live media session.
type Session interface {
	Senders() []Sender
	AddTrack(t Track) error
}

// Coordinator holds at most one local capture stream at a time.
//
// Capture may be called from any goroutine. Everything else is meant to be
// called from the session's event loop; the mutex only protects the held
// stream for readers such as the status API.
type Coordinator struct {
	devices Devices

	mu   sync.Mutex
	held *Stream
}

func NewCoordinator(d Devices) *Coordinator {
	return &Coordinator{devices: d}
}

// Capture opens devices without touching the held stream.
func (c *Coordinator) Capture(ctx context.Context, cons Constraints) (*Stream, error) {
	if !cons.Audio && !cons.Video {
		return nil, fmt.Errorf("%w: no audio or video requested", ErrDeviceUnavailable)
	}
	s, err := c.devices.GetUserMedia(ctx, cons)
	if err != nil {
		return nil, classify(err)
	}
	return s, nil
}

// Acquire releases the held stream, captures a new one and holds it.
func (c *Coordinator) Acquire(ctx context.Context, cons Constraints) (*Stream, error) {
	c.ReleaseHeld()
	s, err := c.Capture(ctx, cons)
	if err != nil {
		return nil, err
	}
	c.Adopt(s)
	return s, nil
}

// Adopt makes s the held stream. A different previously held stream is
// released.
func (c *Coordinator) Adopt(s *Stream) {
	c.mu.Lock()
	prev := c.held
	c.held = s
	c.mu.Unlock()
	if prev != nil && prev != s {
		c.Release(prev)
	}
}

// Held returns the stream currently holding the capture devices.
func (c *Coordinator) Held() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// ReleaseHeld releases whatever stream is held.
func (c *Coordinator) ReleaseHeld() {
	c.mu.Lock()
	s := c.held
	c.mu.Unlock()
	c.Release(s)
}

// Release stops all tracks of s. Releasing twice is a no-op.
func (c *Coordinator) Release(s *Stream) {
	if s == nil {
		return
	}
	c.mu.Lock()
	if c.held == s {
		c.held = nil
	}
	c.mu.Unlock()
	if s.release() {
		log.Debugf("released stream %s", s.ID())
	}
}

// ReplaceTrack swaps the outbound track of t's kind on sess, or adds t when
// no sender carries a track of that kind.
func (c *Coordinator) ReplaceTrack(sess Session, kind Kind, t Track) error {
	if sess == nil {
		return nil
	}
	for _, s := range sess.Senders() {
		if cur := s.Track(); cur != nil && cur.Kind() == kind {
			return s.ReplaceTrack(t)
		}
	}
	return sess.AddTrack(t)
}

// ReplaceStream puts every track of fresh on sess and makes fresh the held
// stream. The old held stream is released.
func (c *Coordinator) ReplaceStream(sess Session, fresh *Stream) error {
	var firstErr error
	for _, t := range fresh.Tracks() {
		if err := c.ReplaceTrack(sess, t.Kind(), t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.Adopt(fresh)
	return firstErr
}

// Splice moves the track of the given kind from captured into held, stops
// the track it replaces and updates sess. captured is consumed.
func (c *Coordinator) Splice(sess Session, held, captured *Stream, kind Kind) (Track, error) {
	var nt Track
	for _, t := range captured.detach() {
		if t.Kind() == kind && nt == nil {
			nt = t
			continue
		}
		t.Stop()
	}
	if nt == nil {
		return nil, fmt.Errorf("%w: no %s track captured", ErrDeviceUnavailable, kind)
	}

	err := c.ReplaceTrack(sess, kind, nt)
	for _, old := range held.swap(nt) {
		old.Stop()
	}
	return nt, err
}

// SetAudioEnabled enables or disables every audio track of s.
func (c *Coordinator) SetAudioEnabled(s *Stream, enabled bool) {
	setEnabled(s, KindAudio, enabled)
}

// SetVideoEnabled enables or disables every video track of s.
func (c *Coordinator) SetVideoEnabled(s *Stream, enabled bool) {
	setEnabled(s, KindVideo, enabled)
}

// Enumerate lists capture devices.
func (c *Coordinator) Enumerate() []DeviceInfo {
	return c.devices.Enumerate()
}

func setEnabled(s *Stream, kind Kind, enabled bool) {
	if s == nil {
		return
	}
	for _, t := range s.tracksOf(kind) {
		t.SetEnabled(enabled)
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, os.ErrPermission),
		strings.Contains(strings.ToLower(err.Error()), "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}
