package filters

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"github.com/haytastan/pgbackrest/pkg/protocol"
)

const (
	cipherKeyLen  = 32 // AES-256
	cipherIVLen   = aes.BlockSize
	cipherIter    = 10000
	cipherSaltLen = 16
)

// cipherBlock is a symmetric AES-CTR stream cipher filter. The wire
// parameters are ["encrypt"|"decrypt", passphrase]. A random salt and IV are
// generated on encrypt and prepended to the ciphertext stream (salt || iv ||
// ciphertext); decrypt recovers them from the first bytes seen.
type cipherBlock struct {
	encrypt    bool
	passphrase string

	stream    cipher.Stream
	header    []byte // salt+iv being assembled (decrypt) or emitted (encrypt)
	headerLen int
	started   bool
}

func newCipherBlock(params []protocol.Value) (protocol.Filter, error) {
	if len(params) < 2 {
		return nil, protocol.NewProtocolError("cipherBlock: expected [mode, passphrase] parameters")
	}
	mode, err := params[0].Str()
	if err != nil {
		return nil, protocol.NewProtocolError("cipherBlock: mode parameter: %v", err)
	}
	pass, err := params[1].Str()
	if err != nil {
		return nil, protocol.NewProtocolError("cipherBlock: passphrase parameter: %v", err)
	}

	var encrypt bool
	switch mode {
	case "encrypt":
		encrypt = true
	case "decrypt":
		encrypt = false
	default:
		return nil, protocol.NewAssertError("cipherBlock: unknown mode %q", mode)
	}

	f := &cipherBlock{encrypt: encrypt, passphrase: pass, headerLen: cipherSaltLen + cipherIVLen}

	if encrypt {
		header := make([]byte, f.headerLen)
		if _, err := rand.Read(header); err != nil {
			return nil, protocol.NewProtocolError("cipherBlock: generating salt/iv: %v", err)
		}
		f.header = header
		stream, err := f.deriveStream(header[:cipherSaltLen], header[cipherSaltLen:])
		if err != nil {
			return nil, err
		}
		f.stream = stream
		f.started = true
	}

	return f, nil
}

func (f *cipherBlock) deriveStream(salt, iv []byte) (cipher.Stream, error) {
	key := pbkdf2.Key([]byte(f.passphrase), salt, cipherIter, cipherKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, protocol.NewProtocolError("cipherBlock: %v", err)
	}
	return cipher.NewCTR(block, iv), nil
}

func (f *cipherBlock) Identifier() string { return "cipherBlock" }

func (f *cipherBlock) Process(in []byte) ([]byte, error) {
	if f.encrypt {
		out := make([]byte, len(in))
		f.stream.XORKeyStream(out, in)
		if len(f.header) > 0 {
			prefixed := append(f.header, out...)
			f.header = nil
			return prefixed, nil
		}
		return out, nil
	}

	// Decrypt: accumulate header bytes until the salt+iv is complete, then
	// cipher the remainder.
	if !f.started {
		need := f.headerLen - len(f.header)
		if need > 0 {
			take := need
			if take > len(in) {
				take = len(in)
			}
			f.header = append(f.header, in[:take]...)
			in = in[take:]
			if len(f.header) < f.headerLen {
				return nil, nil
			}
			stream, err := f.deriveStream(f.header[:cipherSaltLen], f.header[cipherSaltLen:])
			if err != nil {
				return nil, err
			}
			f.stream = stream
			f.started = true
		}
	}
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]byte, len(in))
	f.stream.XORKeyStream(out, in)
	return out, nil
}

func (f *cipherBlock) Close() ([]byte, error) {
	if f.encrypt {
		// A stream that never reached Process still owes its salt+iv header.
		header := f.header
		f.header = nil
		return header, nil
	}
	if !f.started {
		return nil, protocol.NewProtocolError("cipherBlock: input too short for salt/iv header")
	}
	return nil, nil
}

func (f *cipherBlock) Result() (protocol.Value, error) { return protocol.Null(), nil }
