package netutil

import (
	"net"

	"github.com/xiaonanln/netconnutil"
)

// Connection is the net.Conn variant used by packet connections: some
// underlying connections (buffered, compressed) need explicit flushing
type Connection interface {
	netconnutil.FlushableConn
}

// NetConn wraps a plain net.Conn as a Connection with a no-op Flush
type NetConn struct {
	net.Conn
}

func (n NetConn) Flush() error {
	return nil
}
