package proto

import "time"

const (
	PresenceTopic = "goopcall.presence.v1"
	MdnsTag       = "goopcall-mdns"

	// libp2p stream protocol ID for the signaling channel (newline-delimited JSON)
	SignalProtoID = "/goop/signal/1.0.0"

	// libp2p stream protocol ID for WebRTC offer/answer exchange
	MediaProtoID = "/goop/media/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

type PresenceMsg struct {
	Type   string   `json:"type"` // online|update|offline
	PeerID string   `json:"peerId"`
	Name   string   `json:"name,omitempty"`
	Addrs  []string `json:"addrs,omitempty"` // Multiaddresses for WAN connectivity
	TS     int64    `json:"ts"`
}

// MediaMsg is one line on a media stream.
type MediaMsg struct {
	Type string `json:"type"` // offer|answer|bye
	ID   string `json:"id,omitempty"`
	SDP  string `json:"sdp,omitempty"`
}

const (
	MediaOffer  = "offer"
	MediaAnswer = "answer"
	MediaBye    = "bye"
)

func NowMillis() int64 { return time.Now().UnixMilli() }
