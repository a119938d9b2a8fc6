package filters

import "github.com/haytastan/pgbackrest/pkg/protocol"

// Default builds the protocol.FilterRegistry covering every filter
// identifier the remote storage protocol recognizes in a filter list.
func Default() *protocol.FilterRegistry {
	r := protocol.NewFilterRegistry()
	r.Register("gzipCompress", newGzipCompress)
	r.Register("gzipDecompress", newGzipDecompress)
	r.Register("cipherBlock", newCipherBlock)
	r.Register("cryptoHash", newCryptoHash)
	r.Register("pageChecksum", newPageChecksum)
	r.Register("sink", newSink)
	r.Register("size", newSize)
	return r
}
