package peer

import (
	"time"

	"github.com/petervdpas/goopcall/internal/transport"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// Connection is the registry's entry for one remote peer. At most one exists
// per remote id.
type Connection struct {
	RemoteID   string
	RemoteName string
	Status     Status
	Inbound    bool
	OpenedAt   time.Time

	conn      transport.DataConn
	gotConfig bool
	epoch     int
}

// ConnectionInfo is a copy of a Connection safe to hand outside the loop.
type ConnectionInfo struct {
	RemoteID   string    `json:"peer_id"`
	RemoteName string    `json:"name"`
	Status     Status    `json:"status"`
	Inbound    bool      `json:"inbound"`
	OpenedAt   time.Time `json:"opened_at,omitempty"`
}

func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		RemoteID:   c.RemoteID,
		RemoteName: c.RemoteName,
		Status:     c.Status,
		Inbound:    c.Inbound,
		OpenedAt:   c.OpenedAt,
	}
}

// DisplayName falls back to the id until the remote name is known.
func (c *Connection) DisplayName() string {
	if c.RemoteName != "" {
		return c.RemoteName
	}
	return c.RemoteID
}
