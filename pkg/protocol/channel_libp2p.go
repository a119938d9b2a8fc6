package protocol

import (
	"github.com/libp2p/go-libp2p/core/network"
)

// NewLibp2pChannel adapts an open libp2p stream into a Channel, for peers
// addressed by a multiaddr/peer-ID overlay instead of a raw host:port or an
// SSH command pipe. network.Stream already satisfies io.ReadWriteCloser, so
// this is a thin wrapper around the shared channel implementation.
func NewLibp2pChannel(stream network.Stream, bufferSize int) Channel {
	return NewChannel(stream, bufferSize)
}
