package protocol

import "fmt"

// Kind-coded errors the core originates or passes through from a driver.
// Mirrors the source implementation's closed set of error kinds so a client
// can branch on Kind without string-matching the message.
type ErrKind string

const (
	ErrProtocol    ErrKind = "ProtocolError"
	ErrAssert      ErrKind = "AssertError"
	ErrFileOpen    ErrKind = "FileOpenError"
	ErrFileRead    ErrKind = "FileReadError"
	ErrFileWrite   ErrKind = "FileWriteError"
	ErrPathMissing ErrKind = "PathMissingError"
	ErrPathOpen    ErrKind = "PathOpenError"
)

// Error is a structured protocol error: a kind plus a message, the shape
// transmitted as an error response on the channel.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewProtocolError reports a malformed block header, an unknown command, or
// an unexpected frame sequence.
func NewProtocolError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrProtocol, Message: fmt.Sprintf(format, args...)}
}

// NewAssertError reports a filter list naming an unrecognized filter
// identifier.
func NewAssertError(format string, args ...interface{}) *Error {
	return &Error{Kind: ErrAssert, Message: fmt.Sprintf(format, args...)}
}

// WrapDriverError tags a driver-originated error with the given kind,
// preserving it as Cause for errors.Unwrap / errors.Is chains.
func WrapDriverError(kind ErrKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// AsError reports whether err is (or wraps) a protocol *Error, returning it.
func AsError(err error) (*Error, bool) {
	var pe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			pe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return pe, pe != nil
}
