package protocol

import (
	"net"

	"golang.org/x/net/netutil"
)

// NewTCPChannel adapts an accepted net.Conn into a Channel, for a standalone
// daemon reachable directly by address rather than spawned over an SSH
// command pipe.
func NewTCPChannel(conn net.Conn, bufferSize int) Channel {
	return NewChannel(conn, bufferSize)
}

// ListenTCP opens a TCP listener bounded to maxSessions concurrent accepted
// connections. Because each session's dispatcher loop is single-threaded
// and holds driver handles for the lifetime of whatever command it is
// servicing, an unbounded accept loop would let a remote peer force
// unbounded concurrent command execution on the host; LimitListener caps
// that at the configured ceiling and blocks further Accepts until a session
// closes.
func ListenTCP(addr string, maxSessions int) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxSessions <= 0 {
		return l, nil
	}
	return netutil.LimitListener(l, maxSessions), nil
}
