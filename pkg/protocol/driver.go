package protocol

import (
	"context"
	"io"
)

// Feature is a bitmask of capabilities a Driver advertises; static per
// driver instance.
type Feature uint64

const (
	// FeaturePathSync means PathSync is meaningful; drivers that cannot
	// fsync a directory entry (e.g. an object store) leave it unset and
	// PathSync becomes a no-op on that driver.
	FeaturePathSync Feature = 1 << iota
	// FeatureAtomicWrite means NewWrite honors the atomic option: a
	// crashed or aborted write leaves no partial object visible.
	FeatureAtomicWrite
	// FeaturePathExists means PathExists is implemented. Its absence is a
	// hard protocol check in storage/pathExists, not a fallback.
	FeaturePathExists
	// FeatureHardLink means the driver can hard-link rather than copy.
	FeatureHardLink
)

// Has reports whether f includes all bits of other.
func (f Feature) Has(other Feature) bool { return f&other == other }

// ReadHandle is an opaque, single-pass, non-seekable read cursor. Its
// lifetime is scoped to exactly one protocol command.
type ReadHandle interface {
	io.Reader
	io.Closer
}

// WriteHandle is an opaque, single-pass, non-seekable write cursor. Its
// lifetime is scoped to exactly one protocol command.
type WriteHandle interface {
	io.Writer
	// Close commits the write (atomically, if requested and supported).
	Close() error
	// Free releases the handle without committing: no atomic commit, no
	// path sync. Called when the client sends BLOCK -1.
	Free() error
}

// WriteOptions carries the parameters of storage/openWrite beyond the path.
type WriteOptions struct {
	ModeFile   uint32
	ModePath   uint32
	User       string
	Group      string
	ModTime    int64
	CreatePath bool
	SyncFile   bool
	SyncPath   bool
	Atomic     bool
}

// Driver is the uniform capability surface every concrete storage backend
// implements. No driver internals leak into the protocol dispatcher: the
// dispatcher only ever calls through this interface.
type Driver interface {
	// Exists reports whether path names a regular file.
	Exists(ctx context.Context, path string) (bool, error)

	// Feature returns this driver's static capability bitmask.
	Feature() Feature

	// List returns the leaf names (not full paths) under path, optionally
	// filtered by a driver-interpreted match expression. The core applies
	// no filtering of its own.
	List(ctx context.Context, path string, expression string) ([]string, error)

	// PathExists reports whether path names a directory. Drivers that
	// cannot support the concept (e.g. an object store) return
	// ErrNotImplemented and leave FeaturePathExists unset, so the
	// dispatcher's storage/pathExists handler never actually calls this
	// method on them.
	PathExists(ctx context.Context, path string) (bool, error)

	// PathCreate creates path as a directory.
	PathCreate(ctx context.Context, path string, errorOnExists, noParentCreate bool, mode uint32) error

	// PathRemove removes path, optionally recursively, reporting whether
	// anything was actually removed.
	PathRemove(ctx context.Context, path string, recursive bool) (bool, error)

	// PathSync durably persists path's directory entry, if the driver
	// supports it (see FeaturePathSync); otherwise a no-op.
	PathSync(ctx context.Context, path string) error

	// Remove deletes the file at path.
	Remove(ctx context.Context, path string, errorOnMissing bool) error

	// NewRead opens path for reading. Returns (nil, false, nil) rather
	// than an error when ignoreMissing is true and the file is absent.
	NewRead(ctx context.Context, path string, ignoreMissing bool) (handle ReadHandle, exists bool, err error)

	// NewWrite opens path for writing per opts.
	NewWrite(ctx context.Context, path string, opts WriteOptions) (WriteHandle, error)
}

// ErrNotImplemented is returned by PathExists on drivers that do not support
// directory semantics.
var ErrNotImplemented = NewProtocolError("operation not implemented by this driver")
