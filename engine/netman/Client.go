package netman

import (
	"fmt"
	"time"

	"github.com/helixengine/helixnet/engine/common"
	"github.com/helixengine/helixnet/engine/transport"
)

// Client is one client of a server session. Until its handshake completes it
// lives in the pending table under its connection only; a host's local
// client has no connection at all.
type Client struct {
	ClientID common.ClientID
	Conn     transport.ConnID

	// reported by the client's handshake
	EngineBuild uint32
	Platform    uint8
	Arch        uint8

	handshaked    bool
	connectedTime time.Time
}

// ConnectedTime returns when the client's connection was accepted
func (c *Client) ConnectedTime() time.Time {
	return c.connectedTime
}

func (c *Client) String() string {
	if c.Conn == transport.NilConnID {
		return fmt.Sprintf("Client<%d@local>", c.ClientID)
	}
	return fmt.Sprintf("Client<%d@conn%d>", c.ClientID, c.Conn)
}
