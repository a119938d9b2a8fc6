// Package posix implements protocol.Driver over the local filesystem, the
// backend used for both the backup repository and the database cluster when
// the remote protocol server runs directly on the host that owns the files.
package posix

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haytastan/pgbackrest/pkg/logging"
	"github.com/haytastan/pgbackrest/pkg/protocol"
)

// Driver implements protocol.Driver directly against os/filepath. It
// advertises every optional feature: the local filesystem supports
// directory fsync, atomic rename-based writes, directory existence checks,
// and hard links.
type Driver struct {
	base    string
	log     *logging.Logger
	watcher *fsnotify.Watcher
}

// New opens a POSIX driver rooted at base. A best-effort fsnotify watch is
// started on base so the driver can log unexpected external changes to the
// tree it is serving; a failure to start the watch is logged but not fatal,
// since the driver is fully functional without it.
func New(base string) (*Driver, error) {
	d := &Driver{base: base, log: logging.Global().WithComponent("storagedrv.posix")}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warnf("fsnotify unavailable, continuing without change watch: %v", err)
		return d, nil
	}
	if err := watcher.Add(base); err != nil {
		d.log.Warnf("fsnotify could not watch %q, continuing without change watch: %v", base, err)
		watcher.Close()
		return d, nil
	}
	d.watcher = watcher
	go d.watchLoop()
	return d, nil
}

func (d *Driver) watchLoop() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.log.Debugf("external change detected: %s", event)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warnf("fsnotify watch error: %v", err)
		}
	}
}

// Close stops the background change watch, if one is running.
func (d *Driver) Close() error {
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func (d *Driver) resolve(path string) string {
	return filepath.Join(d.base, path)
}

func (d *Driver) Feature() protocol.Feature {
	return protocol.FeaturePathSync | protocol.FeatureAtomicWrite | protocol.FeaturePathExists | protocol.FeatureHardLink
}

func (d *Driver) Exists(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(d.resolve(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, protocol.WrapDriverError(protocol.ErrFileOpen, err, "unable to stat %q", path)
	}
	return !info.IsDir(), nil
}

func (d *Driver) List(ctx context.Context, path string, expression string) ([]string, error) {
	entries, err := os.ReadDir(d.resolve(path))
	if os.IsNotExist(err) {
		return nil, protocol.WrapDriverError(protocol.ErrPathMissing, err, "unable to list %q", path)
	}
	if err != nil {
		return nil, protocol.WrapDriverError(protocol.ErrPathOpen, err, "unable to list %q", path)
	}

	var re *regexp.Regexp
	if expression != "" {
		re, err = regexp.Compile(expression)
		if err != nil {
			return nil, protocol.NewProtocolError("invalid list expression %q: %v", expression, err)
		}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if re != nil && !re.MatchString(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *Driver) PathExists(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(d.resolve(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, protocol.WrapDriverError(protocol.ErrPathOpen, err, "unable to stat %q", path)
	}
	return info.IsDir(), nil
}

func (d *Driver) PathCreate(ctx context.Context, path string, errorOnExists, noParentCreate bool, mode uint32) error {
	full := d.resolve(path)

	if noParentCreate {
		if err := os.Mkdir(full, os.FileMode(mode)); err != nil {
			if os.IsExist(err) && !errorOnExists {
				return nil
			}
			return protocol.WrapDriverError(protocol.ErrPathOpen, err, "unable to create path %q", path)
		}
		return nil
	}

	if errorOnExists {
		if _, err := os.Stat(full); err == nil {
			return protocol.NewAssertError("path %q already exists", path)
		}
	}
	if err := os.MkdirAll(full, os.FileMode(mode)); err != nil {
		return protocol.WrapDriverError(protocol.ErrPathOpen, err, "unable to create path %q", path)
	}
	return nil
}

func (d *Driver) PathRemove(ctx context.Context, path string, recursive bool) (bool, error) {
	full := d.resolve(path)
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return false, nil
	}

	var err error
	if recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		return false, protocol.WrapDriverError(protocol.ErrPathOpen, err, "unable to remove path %q", path)
	}
	return true, nil
}

func (d *Driver) PathSync(ctx context.Context, path string) error {
	f, err := os.Open(d.resolve(path))
	if err != nil {
		return protocol.WrapDriverError(protocol.ErrPathOpen, err, "unable to open path %q for sync", path)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return protocol.WrapDriverError(protocol.ErrPathOpen, err, "unable to sync path %q", path)
	}
	return nil
}

func (d *Driver) Remove(ctx context.Context, path string, errorOnMissing bool) error {
	err := os.Remove(d.resolve(path))
	if err != nil {
		if os.IsNotExist(err) && !errorOnMissing {
			return nil
		}
		return protocol.WrapDriverError(protocol.ErrFileOpen, err, "unable to remove %q", path)
	}
	return nil
}

// readHandle adapts *os.File to protocol.ReadHandle.
type readHandle struct {
	f *os.File
}

func (r *readHandle) Read(p []byte) (int, error) { return r.f.Read(p) }
func (r *readHandle) Close() error                { return r.f.Close() }

func (d *Driver) NewRead(ctx context.Context, path string, ignoreMissing bool) (protocol.ReadHandle, bool, error) {
	f, err := os.Open(d.resolve(path))
	if err != nil {
		if os.IsNotExist(err) && ignoreMissing {
			return nil, false, nil
		}
		return nil, false, protocol.WrapDriverError(protocol.ErrFileOpen, err, "unable to open %q", path)
	}
	return &readHandle{f: f}, true, nil
}

// writeHandle adapts *os.File to protocol.WriteHandle, with optional
// atomic-rename-on-commit semantics backing FeatureAtomicWrite.
type writeHandle struct {
	f          *os.File
	finalPath  string
	tmpPath    string
	atomic     bool
	syncFile   bool
	modTime    int64
}

func (w *writeHandle) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *writeHandle) Close() error {
	if w.syncFile {
		if err := w.f.Sync(); err != nil {
			w.f.Close()
			return err
		}
	}
	if err := w.f.Close(); err != nil {
		return err
	}
	if w.atomic {
		if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
			return err
		}
	}
	// A zero mtime means the caller did not request one; anything else is
	// applied to the committed path, after the atomic rename so the
	// timestamp survives it.
	if w.modTime > 0 {
		mtime := time.Unix(w.modTime, 0)
		if err := os.Chtimes(w.finalPath, mtime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func (w *writeHandle) Free() error {
	w.f.Close()
	if w.atomic {
		os.Remove(w.tmpPath)
	}
	return nil
}

// NewWrite opens path for writing per opts. opts.User/opts.Group are
// accepted but not applied: changing file ownership needs root privileges
// or CAP_CHOWN and an os/user lookup this driver has no legitimate use for
// outside that privileged path, so new files are owned by the server
// process's own user and group, and this driver relies on the caller running as the
// correct user, matching how most of the corpus's storage backends (object
// stores, IPFS) have no ownership concept at all.
func (d *Driver) NewWrite(ctx context.Context, path string, opts protocol.WriteOptions) (protocol.WriteHandle, error) {
	full := d.resolve(path)

	if opts.CreatePath {
		if err := os.MkdirAll(filepath.Dir(full), os.FileMode(opts.ModePath)); err != nil {
			return nil, protocol.WrapDriverError(protocol.ErrPathOpen, err, "unable to create parent path for %q", path)
		}
	}

	target := full
	if opts.Atomic {
		target = full + ".pgbackrest.tmp"
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(opts.ModeFile))
	if err != nil {
		return nil, protocol.WrapDriverError(protocol.ErrFileOpen, err, "unable to open %q for write", path)
	}

	return &writeHandle{
		f:         f,
		finalPath: full,
		tmpPath:   target,
		atomic:    opts.Atomic,
		syncFile:  opts.SyncFile,
		modTime:   opts.ModTime,
	}, nil
}

var _ io.Closer = (*Driver)(nil)
