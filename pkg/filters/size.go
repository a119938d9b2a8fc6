package filters

import "github.com/haytastan/pgbackrest/pkg/protocol"

// size passes bytes through unchanged while counting them, reporting the
// total as a uint Result once the stream closes.
type size struct {
	total uint64
}

func newSize([]protocol.Value) (protocol.Filter, error) { return &size{}, nil }

func (f *size) Identifier() string { return "size" }

func (f *size) Process(in []byte) ([]byte, error) {
	f.total += uint64(len(in))
	return in, nil
}

func (f *size) Close() ([]byte, error) { return nil, nil }

func (f *size) Result() (protocol.Value, error) { return protocol.UInt(f.total), nil }
