//go:build !linux

package media

import "context"

// DeviceOptions bound what the capture backend opens.
type DeviceOptions struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// noDevices is used where pion/mediadevices has no drivers wired up.
// Calls still work receive-only for the remote side; local capture fails.
type noDevices struct{}

func NewDevices(DeviceOptions) (Devices, error) {
	log.Warn("local capture is not supported on this platform")
	return noDevices{}, nil
}

func (noDevices) GetUserMedia(context.Context, Constraints) (*Stream, error) {
	return nil, ErrDeviceUnavailable
}

func (noDevices) Enumerate() []DeviceInfo { return nil }
