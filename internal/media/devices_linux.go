//go:build linux

package media

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceOptions bound what the capture backend opens.
type DeviceOptions struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// captureDevices opens V4L2 cameras and ALSA/Pulse microphones through
// pion/mediadevices, encoding VP8 and Opus.
type captureDevices struct {
	selector *mediadevices.CodecSelector
	opts     DeviceOptions
}

// deviceTrack exposes the mediadevices track so a WebRTC session can bind it.
type deviceTrack struct {
	*BaseTrack
	local mediadevices.Track
}

func (t *deviceTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func NewDevices(opts DeviceOptions) (Devices, error) {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 640
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = 480
	}
	if opts.VideoBitRate <= 0 {
		opts.VideoBitRate = 1_500_000
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &captureDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		opts: opts,
	}, nil
}

// Populate registers the capture codecs on a WebRTC media engine so the
// negotiated payload types match what the encoders produce.
func (d *captureDevices) Populate(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

func (d *captureDevices) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some MJPEG nodes emit frames that break the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: d.opts.MaxWidth}
			mc.Height = prop.IntRanged{Max: d.opts.MaxHeight}
			if c.VideoDeviceID != "" {
				mc.DeviceID = prop.String(c.VideoDeviceID)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if c.AudioDeviceID != "" {
				mc.DeviceID = prop.String(c.AudioDeviceID)
			}
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	var tracks []Track
	for _, mt := range ms.GetTracks() {
		mt := mt
		kind, dev := KindAudio, c.AudioDeviceID
		if mt.Kind() == webrtc.RTPCodecTypeVideo {
			kind, dev = KindVideo, c.VideoDeviceID
		}
		if dev == "" {
			dev = "default"
		}
		mt.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("%s track %s ended: %v", kind, mt.ID(), err)
			}
		})
		tracks = append(tracks, &deviceTrack{
			BaseTrack: NewTrack(kind, dev, func() { _ = mt.Close() }),
			local:     mt,
		})
	}
	log.Infof("captured %d tracks (audio=%v video=%v)", len(tracks), c.Audio, c.Video)
	return NewStream(tracks...), nil
}

func (d *captureDevices) Enumerate() []DeviceInfo {
	var out []DeviceInfo
	for _, info := range mediadevices.EnumerateDevices() {
		var kind Kind
		switch info.Kind {
		case mediadevices.VideoInput:
			kind = KindVideo
		case mediadevices.AudioInput:
			kind = KindAudio
		default:
			continue
		}
		out = append(out, DeviceInfo{ID: info.DeviceID, Label: info.Label, Kind: kind})
	}
	return out
}
