// Package call implements the one-at-a-time call state machine: outgoing and
// incoming calls, answer and reject, hold, mute, camera and device switching.
// Coupling to the rest of the engine is through the Signaler, Dialer and
// Observer interfaces only.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/transport"
)

var (
	ErrCallInProgress = errors.New("call: another call is in progress")
	ErrNoCall         = errors.New("call: no call")
	ErrInvalidState   = errors.New("call: not allowed in current state")
	ErrCallEnded      = errors.New("call: ended")
	ErrMediaBusy      = errors.New("call: media change in progress")
)

// State is the phase of the call session. Ended, Rejected and Busy are only
// ever reported on the way back to Idle.
type State string

const (
	StateIdle     State = "idle"
	StateOutgoing State = "outgoing"
	StateIncoming State = "incoming"
	StateActive   State = "active"
	StateOnHold   State = "on-hold"
	StateEnded    State = "ended"
	StateRejected State = "rejected"
	StateBusy     State = "busy"
)

// Live reports whether media flows in s.
func (s State) Live() bool { return s == StateActive || s == StateOnHold }

// Tone names an audible cue the UI plays while a condition holds.
type Tone string

const (
	ToneRingback Tone = "ringback"
	ToneHold     Tone = "hold"
)

// Snapshot is a copy of the session taken on the loop.
type Snapshot struct {
	State        State     `json:"state"`
	ID           string    `json:"id,omitempty"`
	PeerID       string    `json:"peer_id,omitempty"`
	PeerName     string    `json:"peer_name,omitempty"`
	Outgoing     bool      `json:"outgoing"`
	HasVideo     bool      `json:"has_video"`
	Muted        bool      `json:"muted"`
	OnHold       bool      `json:"on_hold"`
	RemoteOnHold bool      `json:"remote_on_hold"`
	StartedAt    time.Time `json:"started_at,omitempty"`

	// Stats is set when the media transport reports RTP counters.
	Stats *transport.CallStats `json:"stats,omitempty"`

	Local  *media.Stream `json:"-"`
	Remote *media.Stream `json:"-"`
}

// Signaler sends signaling messages on open data connections.
type Signaler interface {
	Send(remoteID string, msg signal.Message) error
	PeerName(remoteID string) (string, bool)
}

// Dialer places media calls.
type Dialer interface {
	Call(ctx context.Context, remoteID string, local *media.Stream) (transport.MediaCall, error)
}

// Observer receives everything the machine reports outward. Methods are
// called on the loop and must not block.
type Observer interface {
	CallStateChanged(Snapshot)
	Notify(text string)
	ToneChanged(tone Tone, on bool)
}
