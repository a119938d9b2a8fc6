package protocol

import (
	"context"
	"io"
)

// doOpenRead implements storage/openRead: (path, ignore_missing, filter_list).
// The response sequence is: exists (bool) first; then, only if exists, a
// framed block stream of the (filtered) file contents terminated by BLOCK0,
// followed by the filter pipeline's accumulated result. A missing file (when
// ignore_missing is set) gets no filter-result frame at all — the client
// learns everything it needs from the leading false.
func (s *Session) doOpenRead(ctx context.Context, cmd Command) error {
	pathVal, err := cmd.Param(0)
	if err != nil {
		return err
	}
	path, err := pathVal.Str()
	if err != nil {
		return err
	}
	ignoreMissing, err := mustBool(cmd, 1)
	if err != nil {
		return err
	}
	filterListVal, err := cmd.Param(2)
	if err != nil {
		return err
	}
	descriptors, err := ParseFilterList(filterListVal)
	if err != nil {
		return err
	}
	pipeline, err := s.Filters.Build(descriptors)
	if err != nil {
		return err
	}

	handle, exists, err := s.Driver.NewRead(ctx, path, ignoreMissing)
	if err != nil {
		return err
	}

	if err := s.respond(Bool(exists)); err != nil {
		return err
	}
	if !exists {
		return nil
	}
	defer handle.Close()

	buf := make([]byte, s.bufferSize())
	for {
		n, readErr := handle.Read(buf)
		if n > 0 {
			out, err := pipeline.Process(buf[:n])
			if err != nil {
				return err
			}
			if len(out) > 0 {
				if err := s.writeBlock(out); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return readErr
		}
	}

	if err := handle.Close(); err != nil {
		return err
	}

	trailing, err := pipeline.Close()
	if err != nil {
		return err
	}
	if len(trailing) > 0 {
		if err := s.writeBlock(trailing); err != nil {
			return err
		}
	}
	if err := s.Channel.WriteLine(EncodeBlockHeader(BlockEOF)); err != nil {
		return err
	}
	if err := s.Channel.Flush(); err != nil {
		return err
	}

	result, err := pipeline.Result()
	if err != nil {
		return err
	}
	return s.respond(result)
}

func (s *Session) writeBlock(data []byte) error {
	if err := s.Channel.WriteLine(EncodeBlockHeader(int64(len(data)))); err != nil {
		return err
	}
	if err := s.Channel.WriteBytes(data); err != nil {
		return err
	}
	return s.Channel.Flush()
}

// doOpenWrite implements storage/openWrite: (path, mode_file, mode_path,
// user, group, mtime, create_path, sync_file, sync_path, atomic,
// filter_list). After opening, the client drives a block-size/payload loop:
// a positive size precedes that many bytes of (pre-filter) payload, zero
// means end-of-stream (commit), and -1 means abort (release without
// committing). The filter pipeline's result is pushed only on a clean
// end-of-stream close, matching the documented behavior that an aborted
// write never reports filter results. An empty file (size goes straight to
// 0 with no preceding positive block) still runs the pipeline to Close and
// still emits a filter-result frame, even though no bytes ever passed
// through it.
func (s *Session) doOpenWrite(ctx context.Context, cmd Command) error {
	pathVal, err := cmd.Param(0)
	if err != nil {
		return err
	}
	path, err := pathVal.Str()
	if err != nil {
		return err
	}

	opts, err := parseWriteOptions(cmd)
	if err != nil {
		return err
	}

	filterListVal, err := cmd.Param(10)
	if err != nil {
		return err
	}
	descriptors, err := ParseFilterList(filterListVal)
	if err != nil {
		return err
	}
	pipeline, err := s.Filters.Build(descriptors)
	if err != nil {
		return err
	}

	handle, err := s.Driver.NewWrite(ctx, path, opts)
	if err != nil {
		return err
	}
	// Any exit other than the BLOCK0 close or the BLOCK-1 free below releases
	// the handle without committing.
	settled := false
	defer func() {
		if !settled {
			handle.Free()
		}
	}()

	if err := s.respond(Null()); err != nil {
		return err
	}

	for {
		line, err := s.Channel.ReadLine()
		if err != nil {
			return err
		}
		remaining, err := DecodeBlockHeader(line)
		if err != nil {
			return err
		}

		switch {
		case remaining > 0:
			if err := s.copyBlockToHandle(handle, pipeline, remaining); err != nil {
				return err
			}
		case remaining == BlockEOF:
			trailing, err := pipeline.Close()
			if err != nil {
				return err
			}
			if len(trailing) > 0 {
				if _, err := handle.Write(trailing); err != nil {
					return WrapDriverError(ErrFileWrite, err, "unable to write %q", path)
				}
			}
			settled = true
			if err := handle.Close(); err != nil {
				return WrapDriverError(ErrFileWrite, err, "unable to close %q", path)
			}
			result, err := pipeline.Result()
			if err != nil {
				return err
			}
			return s.respond(result)
		default: // BlockAbort
			settled = true
			if err := handle.Free(); err != nil {
				return err
			}
			return s.respond(Null())
		}
	}
}

func (s *Session) copyBlockToHandle(handle WriteHandle, pipeline *Pipeline, remaining int64) error {
	buf := make([]byte, s.bufferSize())
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, err := s.Channel.ReadBytes(buf[:want])
		if n > 0 {
			remaining -= int64(n)
			out, err := pipeline.Process(buf[:n])
			if err != nil {
				return err
			}
			if len(out) > 0 {
				if _, err := handle.Write(out); err != nil {
					return WrapDriverError(ErrFileWrite, err, "unable to write")
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func parseWriteOptions(cmd Command) (WriteOptions, error) {
	modeFileVal, err := cmd.Param(1)
	if err != nil {
		return WriteOptions{}, err
	}
	modeFile, err := modeFileVal.ForceUInt()
	if err != nil {
		return WriteOptions{}, err
	}
	modePathVal, err := cmd.Param(2)
	if err != nil {
		return WriteOptions{}, err
	}
	modePath, err := modePathVal.ForceUInt()
	if err != nil {
		return WriteOptions{}, err
	}
	userVal, err := cmd.Param(3)
	if err != nil {
		return WriteOptions{}, err
	}
	var user string
	if !userVal.IsNull() {
		user, err = userVal.Str()
		if err != nil {
			return WriteOptions{}, err
		}
	}
	groupVal, err := cmd.Param(4)
	if err != nil {
		return WriteOptions{}, err
	}
	var group string
	if !groupVal.IsNull() {
		group, err = groupVal.Str()
		if err != nil {
			return WriteOptions{}, err
		}
	}
	mtimeVal, err := cmd.Param(5)
	if err != nil {
		return WriteOptions{}, err
	}
	mtime, err := mtimeVal.ForceInt()
	if err != nil {
		return WriteOptions{}, err
	}
	createPath, err := mustBool(cmd, 6)
	if err != nil {
		return WriteOptions{}, err
	}
	syncFile, err := mustBool(cmd, 7)
	if err != nil {
		return WriteOptions{}, err
	}
	syncPath, err := mustBool(cmd, 8)
	if err != nil {
		return WriteOptions{}, err
	}
	atomic, err := mustBool(cmd, 9)
	if err != nil {
		return WriteOptions{}, err
	}

	return WriteOptions{
		ModeFile:   uint32(modeFile),
		ModePath:   uint32(modePath),
		User:       user,
		Group:      group,
		ModTime:    mtime,
		CreatePath: createPath,
		SyncFile:   syncFile,
		SyncPath:   syncPath,
		Atomic:     atomic,
	}, nil
}
