package filters

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/haytastan/pgbackrest/pkg/protocol"
)

// cryptoHash passes bytes through unchanged while accumulating a digest,
// reported as a hex string once the stream closes. The wire parameter names
// the algorithm: sha1, sha256, or sha512.
type cryptoHash struct {
	h hash.Hash
}

func newCryptoHash(params []protocol.Value) (protocol.Filter, error) {
	algo := "sha256"
	if len(params) > 0 {
		a, err := params[0].Str()
		if err != nil {
			return nil, protocol.NewProtocolError("cryptoHash: algorithm parameter: %v", err)
		}
		algo = a
	}

	var h hash.Hash
	switch algo {
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return nil, protocol.NewAssertError("cryptoHash: unknown algorithm %q", algo)
	}
	return &cryptoHash{h: h}, nil
}

func (f *cryptoHash) Identifier() string { return "cryptoHash" }

func (f *cryptoHash) Process(in []byte) ([]byte, error) {
	if len(in) > 0 {
		f.h.Write(in) // hash.Hash.Write never returns an error
	}
	return in, nil
}

func (f *cryptoHash) Close() ([]byte, error) { return nil, nil }

func (f *cryptoHash) Result() (protocol.Value, error) {
	return protocol.Str(hex.EncodeToString(f.h.Sum(nil))), nil
}
