package protocol

// StorageType selects which of the two storage trees a session's commands
// address: the backup repository, or the source database cluster. Mirrors
// the source implementation's cfgOptType "backup"/"db" discriminator.
type StorageType string

const (
	StorageBackup StorageType = "backup"
	StorageDB     StorageType = "db"
)

// CommandObserver is notified of every dispatched command, independent of
// the protocol's own response framing. Implementations must not block the
// dispatcher for long; a slow observer (e.g. a database-backed audit sink)
// should buffer or run its own write asynchronously.
type CommandObserver interface {
	ObserveCommand(sessionID string, storageType StorageType, command string, params []Value, dispatchErr error)
}

// NopObserver discards every notification. The zero value is ready to use.
type NopObserver struct{}

func (NopObserver) ObserveCommand(string, StorageType, string, []Value, error) {}

// Session binds one client connection to the storage driver and filter
// registry it should dispatch commands against for the session's lifetime.
// One Session serves exactly one Channel; concurrent sessions (TCP,
// WebSocket, libp2p) each get their own Session over their own Driver handle
// or a Driver implementation that is safe for concurrent use.
type Session struct {
	ID          string
	StorageType StorageType
	Driver      Driver
	Channel     Channel
	Filters     *FilterRegistry
	BufferSize  int
	Observer    CommandObserver
}

func (s *Session) observer() CommandObserver {
	if s.Observer != nil {
		return s.Observer
	}
	return NopObserver{}
}

func (s *Session) bufferSize() int {
	if s.BufferSize > 0 {
		return s.BufferSize
	}
	return 64 * 1024
}
