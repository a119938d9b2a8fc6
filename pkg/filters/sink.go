package filters

import "github.com/haytastan/pgbackrest/pkg/protocol"

// sink discards everything written to it and emits nothing downstream. It
// terminates a pipeline whose only purpose is to run input through
// accumulating filters (e.g. cryptoHash, size) without producing output.
type sink struct{}

func newSink([]protocol.Value) (protocol.Filter, error) { return sink{}, nil }

func (sink) Identifier() string                 { return "sink" }
func (sink) Process([]byte) ([]byte, error)      { return nil, nil }
func (sink) Close() ([]byte, error)              { return nil, nil }
func (sink) Result() (protocol.Value, error)     { return protocol.Null(), nil }
