// Package mediatest provides a scriptable capture backend for tests.
package mediatest

import (
	"context"
	"sync"

	"github.com/petervdpas/goopcall/internal/media"
)

// Devices hands out fake tracks. SetErr makes captures fail and Hold parks
// them until Release.
type Devices struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	requests []media.Constraints
	streams  []*media.Stream
}

func NewDevices() *Devices { return &Devices{} }

func (d *Devices) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	d.mu.Lock()
	gate, err := d.gate, d.err
	d.requests = append(d.requests, c)
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	var tracks []media.Track
	if c.Audio {
		tracks = append(tracks, media.NewTrack(media.KindAudio, orDefault(c.AudioDeviceID), nil))
	}
	if c.Video {
		tracks = append(tracks, media.NewTrack(media.KindVideo, orDefault(c.VideoDeviceID), nil))
	}
	s := media.NewStream(tracks...)

	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *Devices) Enumerate() []media.DeviceInfo {
	return []media.DeviceInfo{
		{ID: "default", Label: "Default microphone", Kind: media.KindAudio},
		{ID: "usb-mic", Label: "USB microphone", Kind: media.KindAudio},
		{ID: "default", Label: "Built-in camera", Kind: media.KindVideo},
		{ID: "usb-cam", Label: "USB camera", Kind: media.KindVideo},
	}
}

// SetErr makes subsequent captures fail with err (nil clears it).
func (d *Devices) SetErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Hold makes subsequent captures block until Release is called.
func (d *Devices) Hold() {
	d.mu.Lock()
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

// Release unblocks every held capture.
func (d *Devices) Release() {
	d.mu.Lock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
	d.mu.Unlock()
}

// Requests returns the constraints of every capture attempt.
func (d *Devices) Requests() []media.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]media.Constraints(nil), d.requests...)
}

// Streams returns every stream handed out so far.
func (d *Devices) Streams() []*media.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*media.Stream(nil), d.streams...)
}

// Live returns the streams that have not been released.
func (d *Devices) Live() []*media.Stream {
	var out []*media.Stream
	for _, s := range d.Streams() {
		if !s.Released() {
			out = append(out, s)
		}
	}
	return out
}

// LiveTracks returns every handed-out track that has not been stopped.
func (d *Devices) LiveTracks() []media.Track {
	var out []media.Track
	for _, s := range d.Streams() {
		for _, t := range s.Tracks() {
			if !t.Stopped() {
				out = append(out, t)
			}
		}
	}
	return out
}

func orDefault(id string) string {
	if id == "" {
		return "default"
	}
	return id
}
