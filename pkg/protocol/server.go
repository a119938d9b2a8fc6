package protocol

import (
	"context"
	"errors"
	"io"
)

// Command identifiers: the closed set the dispatcher recognizes.
const (
	CmdExists      = "storage/exists"
	CmdFeature     = "storage/feature"
	CmdList        = "storage/list"
	CmdOpenRead    = "storage/openRead"
	CmdOpenWrite   = "storage/openWrite"
	CmdPathCreate  = "storage/pathCreate"
	CmdPathExists  = "storage/pathExists"
	CmdPathRemove  = "storage/pathRemove"
	CmdPathSync    = "storage/pathSync"
	CmdRemove      = "storage/remove"
)

// ErrNotFound is returned by dispatch when a command is outside the
// dispatcher's closed command set. The storage dispatcher is the session's
// only handler, so Serve reports it to the client as a ProtocolError
// response and the session continues.
var ErrNotFound = errors.New("protocol: command not handled by storage dispatcher")

// Serve runs the session's read-dispatch-respond loop until the channel
// reaches EOF or ctx is canceled. Each command read is dispatched in turn;
// the loop is single-threaded per session, matching the source
// implementation's one-command-at-a-time protocol server.
func (s *Session) Serve(ctx context.Context) error {
	defer s.Channel.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := s.Channel.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		cmd, err := UnmarshalCommandLine([]byte(line))
		if err != nil {
			s.observer().ObserveCommand(s.ID, s.StorageType, "", nil, err)
			if writeErr := s.respondError(err); writeErr != nil {
				return writeErr
			}
			continue
		}

		dispatchErr := s.dispatch(ctx, cmd)
		s.observer().ObserveCommand(s.ID, s.StorageType, cmd.Name, cmd.Params, dispatchErr)
		if dispatchErr != nil {
			// A command failure ends the command, not the session: the
			// client sees an error response and may issue the next command.
			// Only a fault writing that response itself (a channel I/O
			// fault) is terminal.
			if writeErr := s.respondError(dispatchErr); writeErr != nil {
				return writeErr
			}
			continue
		}
	}
}

// respondError marshals err onto the channel as an error response value.
// err is classified via AsError when it already carries a Kind (e.g. from a
// driver or a filter build failure); anything else is reported as a generic
// ProtocolError.
func (s *Session) respondError(err error) error {
	kind := ErrProtocol
	message := err.Error()
	if pe, ok := AsError(err); ok {
		kind = pe.Kind
		message = pe.Message
	}
	return s.respond(ErrorValue(kind, message))
}

// dispatch runs exactly one command to completion, writing its full
// response (and, for openRead/openWrite, the framed block stream) to the
// channel before returning.
func (s *Session) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Name {
	case CmdExists:
		return s.doExists(ctx, cmd)
	case CmdFeature:
		return s.doFeature(ctx, cmd)
	case CmdList:
		return s.doList(ctx, cmd)
	case CmdOpenRead:
		return s.doOpenRead(ctx, cmd)
	case CmdOpenWrite:
		return s.doOpenWrite(ctx, cmd)
	case CmdPathCreate:
		return s.doPathCreate(ctx, cmd)
	case CmdPathExists:
		return s.doPathExists(ctx, cmd)
	case CmdPathRemove:
		return s.doPathRemove(ctx, cmd)
	case CmdPathSync:
		return s.doPathSync(ctx, cmd)
	case CmdRemove:
		return s.doRemove(ctx, cmd)
	default:
		return ErrNotFound
	}
}

func (s *Session) respond(v Value) error {
	line, err := MarshalLine(v)
	if err != nil {
		return err
	}
	if err := s.Channel.WriteLine(string(line)); err != nil {
		return err
	}
	return s.Channel.Flush()
}

func (s *Session) doExists(ctx context.Context, cmd Command) error {
	path, err := cmd.Param(0)
	if err != nil {
		return err
	}
	p, err := path.Str()
	if err != nil {
		return err
	}
	exists, err := s.Driver.Exists(ctx, p)
	if err != nil {
		return err
	}
	return s.respond(Bool(exists))
}

func (s *Session) doFeature(ctx context.Context, cmd Command) error {
	return s.respond(UInt(uint64(s.Driver.Feature())))
}

func (s *Session) doList(ctx context.Context, cmd Command) error {
	pathVal, err := cmd.Param(0)
	if err != nil {
		return err
	}
	path, err := pathVal.Str()
	if err != nil {
		return err
	}
	exprVal, err := cmd.Param(1)
	if err != nil {
		return err
	}
	var expr string
	if !exprVal.IsNull() {
		expr, err = exprVal.Str()
		if err != nil {
			return err
		}
	}

	names, err := s.Driver.List(ctx, path, expr)
	if err != nil {
		return err
	}
	items := make([]Value, len(names))
	for i, n := range names {
		items[i] = Str(n)
	}
	return s.respond(List(items...))
}

func (s *Session) doPathExists(ctx context.Context, cmd Command) error {
	// Not all drivers implement directory semantics; the dispatcher requires
	// the capability up front rather than falling back silently.
	if !s.Driver.Feature().Has(FeaturePathExists) {
		return NewAssertError("driver does not implement pathExists")
	}

	path, err := cmd.Param(0)
	if err != nil {
		return err
	}
	p, err := path.Str()
	if err != nil {
		return err
	}
	exists, err := s.Driver.PathExists(ctx, p)
	if err != nil {
		return err
	}
	return s.respond(Bool(exists))
}

func (s *Session) doPathCreate(ctx context.Context, cmd Command) error {
	path, err := cmd.Param(0)
	if err != nil {
		return err
	}
	p, err := path.Str()
	if err != nil {
		return err
	}
	errorOnExists, err := mustBool(cmd, 1)
	if err != nil {
		return err
	}
	noParentCreate, err := mustBool(cmd, 2)
	if err != nil {
		return err
	}
	modeVal, err := cmd.Param(3)
	if err != nil {
		return err
	}
	mode, err := modeVal.ForceUInt()
	if err != nil {
		return err
	}

	if err := s.Driver.PathCreate(ctx, p, errorOnExists, noParentCreate, uint32(mode)); err != nil {
		return err
	}
	return s.respond(Null())
}

func (s *Session) doPathRemove(ctx context.Context, cmd Command) error {
	path, err := cmd.Param(0)
	if err != nil {
		return err
	}
	p, err := path.Str()
	if err != nil {
		return err
	}
	recursive, err := mustBool(cmd, 1)
	if err != nil {
		return err
	}

	removed, err := s.Driver.PathRemove(ctx, p, recursive)
	if err != nil {
		return err
	}
	return s.respond(Bool(removed))
}

func (s *Session) doPathSync(ctx context.Context, cmd Command) error {
	path, err := cmd.Param(0)
	if err != nil {
		return err
	}
	p, err := path.Str()
	if err != nil {
		return err
	}
	if err := s.Driver.PathSync(ctx, p); err != nil {
		return err
	}
	return s.respond(Null())
}

func (s *Session) doRemove(ctx context.Context, cmd Command) error {
	path, err := cmd.Param(0)
	if err != nil {
		return err
	}
	p, err := path.Str()
	if err != nil {
		return err
	}
	errorOnMissing, err := mustBool(cmd, 1)
	if err != nil {
		return err
	}
	if err := s.Driver.Remove(ctx, p, errorOnMissing); err != nil {
		return err
	}
	return s.respond(Null())
}

func mustBool(cmd Command, idx int) (bool, error) {
	v, err := cmd.Param(idx)
	if err != nil {
		return false, err
	}
	return v.Bool()
}
