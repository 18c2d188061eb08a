// Package transport describes the real-time capability the session engine
// runs on: identity registration, reliable ordered data connections and
// media calls. Implementations report everything that happens on the wire as
// typed events on a single channel.
package transport

import (
	"context"
	"errors"

	"github.com/petervdpas/goopcall/internal/media"
)

var (
	ErrIdentityUnavailable = errors.New("transport: identity unavailable")
	ErrTransport           = errors.New("transport error")
	ErrPeerUnreachable     = errors.New("transport: peer unreachable")
	ErrClosed              = errors.New("transport: closed")
)

// Transport is implemented by the libp2p node and by MemoryNetwork peers.
type Transport interface {
	// Open registers the local identity and starts accepting connections.
	Open(ctx context.Context) (string, error)
	// Dial opens a data connection. The remote side sees DataOpened.
	Dial(ctx context.Context, remoteID string) (DataConn, error)
	// Call offers a media session carrying local. The remote side sees
	// CallIncoming; once it answers both sides see CallStream.
	Call(ctx context.Context, remoteID string, local *media.Stream) (MediaCall, error)
	Events() <-chan Event
	Close() error
}

// DataConn is one end of a reliable ordered message channel.
type DataConn interface {
	ID() string
	RemoteID() string
	Send(payload []byte) error
	Close() error
}

// MediaCall is one end of a media session.
type MediaCall interface {
	media.Session
	ID() string
	RemoteID() string
	Answer(ctx context.Context, local *media.Stream) error
	Close() error
}

// CallStats counts RTP received on a media call.
type CallStats struct {
	AudioPackets uint64 `json:"audio_packets"`
	VideoPackets uint64 `json:"video_packets"`
	Bytes        uint64 `json:"bytes"`
	LostPackets  uint64 `json:"lost_packets"`
}

// StatsReporter is implemented by media calls that carry real RTP.
type StatsReporter interface {
	Stats() CallStats
}

// Event is one of the types below.
type Event interface {
	event()
}

// DataOpened reports an accepted inbound data connection.
type DataOpened struct {
	Conn DataConn
}

// DataReceived carries one payload, in send order per connection.
type DataReceived struct {
	Conn    DataConn
	Payload []byte
}

// DataClosed reports that a connection is gone. Err is nil on a clean close.
type DataClosed struct {
	Conn DataConn
	Err  error
}

// CallIncoming reports a media call offered by a remote peer.
type CallIncoming struct {
	Call MediaCall
}

// CallStream reports the remote media of an answered call.
type CallStream struct {
	Call   MediaCall
	Remote *media.Stream
}

// CallClosed reports the end of a media call. Err is non-nil on failure.
type CallClosed struct {
	Call MediaCall
	Err  error
}

func (DataOpened) event()   {}
func (DataReceived) event() {}
func (DataClosed) event()   {}
func (CallIncoming) event() {}
func (CallStream) event()   {}
func (CallClosed) event()   {}
