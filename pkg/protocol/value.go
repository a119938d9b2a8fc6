// Package protocol implements the remote storage protocol core: the typed
// value codec, the framed byte channel, the block framing sub-protocol, the
// filter pipeline, the storage driver contract, and the command dispatcher.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Kind discriminates the dynamically typed Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUInt
	KindString
	KindList
	KindKV
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUInt:
		return "uint"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindKV:
		return "kv"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// KVPair is one entry of an ordered key/value mapping.
type KVPair struct {
	Key   string
	Value Value
}

// Value is a discriminated union over the wire types a command parameter or
// response can take: null, bool, signed/unsigned 64-bit integer, a possibly
// null string, an ordered list of Values, and an ordered key/value mapping.
// Null is distinct from an empty string.
type Value struct {
	kind    Kind
	b       bool
	i       int64
	u       uint64
	s       string
	sNull   bool
	list    []Value
	kv      []KVPair
	errKind ErrKind
	errMsg  string
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps a signed 64-bit integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// UInt wraps an unsigned 64-bit integer.
func UInt(u uint64) Value { return Value{kind: KindUInt, u: u} }

// Str wraps a non-null string.
func Str(s string) Value { return Value{kind: KindString, s: s} }

// StrNull returns the null string, distinct from Str("").
func StrNull() Value { return Value{kind: KindString, sNull: true} }

// List wraps an ordered list of values. A nil slice round-trips as an empty
// list, not as null.
func List(vs ...Value) Value {
	return Value{kind: KindList, list: vs}
}

// KV wraps an ordered key/value mapping.
func KV(pairs ...KVPair) Value {
	return Value{kind: KindKV, kv: pairs}
}

// ErrorValue wraps a protocol error as a response value: the wire shape a
// failed command's response takes, per the error surface described in
// errors.go. kind and message are transmitted as-is; the client branches on
// kind rather than string-matching message.
func ErrorValue(kind ErrKind, message string) Value {
	return Value{kind: KindError, errKind: kind, errMsg: message}
}

// Kind reports the value's discriminant.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value or a null string.
func (v Value) IsNull() bool {
	return v.kind == KindNull || (v.kind == KindString && v.sNull)
}

// Bool returns the boolean payload, failing with a descriptive error if v is
// not a KindBool.
func (v Value) Bool() (bool, error) {
	if v.kind != KindBool {
		return false, fmt.Errorf("protocol: value is %s, not bool", v.kind)
	}
	return v.b, nil
}

// Int returns the signed integer payload.
func (v Value) Int() (int64, error) {
	if v.kind != KindInt {
		return 0, fmt.Errorf("protocol: value is %s, not int", v.kind)
	}
	return v.i, nil
}

// UInt returns the unsigned integer payload.
func (v Value) UInt() (uint64, error) {
	if v.kind != KindUInt {
		return 0, fmt.Errorf("protocol: value is %s, not uint", v.kind)
	}
	return v.u, nil
}

// Str returns the string payload. Returns an error for the null string; use
// IsNull to distinguish null from empty before calling Str.
func (v Value) Str() (string, error) {
	if v.kind != KindString {
		return "", fmt.Errorf("protocol: value is %s, not string", v.kind)
	}
	if v.sNull {
		return "", fmt.Errorf("protocol: value is a null string")
	}
	return v.s, nil
}

// List returns the ordered list payload.
func (v Value) List() ([]Value, error) {
	if v.kind != KindList {
		return nil, fmt.Errorf("protocol: value is %s, not list", v.kind)
	}
	return v.list, nil
}

// ErrorInfo returns the error kind and message payload. Named to avoid
// colliding with the error interface's Error() string method, since Value
// does not itself implement error.
func (v Value) ErrorInfo() (ErrKind, string, error) {
	if v.kind != KindError {
		return "", "", fmt.Errorf("protocol: value is %s, not error", v.kind)
	}
	return v.errKind, v.errMsg, nil
}

// KV returns the ordered key/value payload.
func (v Value) KV() ([]KVPair, error) {
	if v.kind != KindKV {
		return nil, fmt.Errorf("protocol: value is %s, not kv", v.kind)
	}
	return v.kv, nil
}

// ForceUInt coerces any integer-kinded value to uint64, checking for
// overflow on the signed-to-unsigned conversion. This preserves the source
// protocol's "force" accessor, used when the wire sends a narrower integer
// type than the receiving parameter expects.
func (v Value) ForceUInt() (uint64, error) {
	switch v.kind {
	case KindUInt:
		return v.u, nil
	case KindInt:
		if v.i < 0 {
			return 0, fmt.Errorf("protocol: cannot force negative int %d to uint", v.i)
		}
		return uint64(v.i), nil
	default:
		return 0, fmt.Errorf("protocol: value is %s, cannot force to uint", v.kind)
	}
}

// ForceInt coerces any integer-kinded value to int64, checking for overflow
// on the unsigned-to-signed conversion.
func (v Value) ForceInt() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindUInt:
		if v.u > math.MaxInt64 {
			return 0, fmt.Errorf("protocol: uint %d overflows int64", v.u)
		}
		return int64(v.u), nil
	default:
		return 0, fmt.Errorf("protocol: value is %s, cannot force to int", v.kind)
	}
}

// wireValue is the JSON transport shape of a Value. KV is encoded as an
// ordered list of {"key": ..., "value": ...} objects rather than a single
// JSON object, since Go's
// encoding/json does not preserve map key order and the protocol requires
// an ordered mapping.
type wireValue struct {
	T  string       `json:"t"`
	B  bool         `json:"b,omitempty"`
	I  int64        `json:"i,omitempty"`
	U  uint64       `json:"u,omitempty"`
	S  *string      `json:"s,omitempty"`
	L  []wireValue  `json:"l,omitempty"`
	K  []wireKVPair `json:"k,omitempty"`
	EK string       `json:"ek,omitempty"`
	EM string       `json:"em,omitempty"`
}

type wireKVPair struct {
	Key   string    `json:"key"`
	Value wireValue `json:"value"`
}

func toWire(v Value) wireValue {
	switch v.kind {
	case KindNull:
		return wireValue{T: "null"}
	case KindBool:
		return wireValue{T: "bool", B: v.b}
	case KindInt:
		return wireValue{T: "int", I: v.i}
	case KindUInt:
		return wireValue{T: "uint", U: v.u}
	case KindString:
		if v.sNull {
			return wireValue{T: "string"}
		}
		s := v.s
		return wireValue{T: "string", S: &s}
	case KindList:
		l := make([]wireValue, len(v.list))
		for i, e := range v.list {
			l[i] = toWire(e)
		}
		return wireValue{T: "list", L: l}
	case KindKV:
		k := make([]wireKVPair, len(v.kv))
		for i, p := range v.kv {
			k[i] = wireKVPair{Key: p.Key, Value: toWire(p.Value)}
		}
		return wireValue{T: "kv", K: k}
	case KindError:
		return wireValue{T: "error", EK: string(v.errKind), EM: v.errMsg}
	default:
		return wireValue{T: "null"}
	}
}

func fromWire(w wireValue) (Value, error) {
	switch w.T {
	case "null":
		return Null(), nil
	case "bool":
		return Bool(w.B), nil
	case "int":
		return Int(w.I), nil
	case "uint":
		return UInt(w.U), nil
	case "string":
		if w.S == nil {
			return StrNull(), nil
		}
		return Str(*w.S), nil
	case "list":
		vs := make([]Value, len(w.L))
		for i, e := range w.L {
			v, err := fromWire(e)
			if err != nil {
				return Value{}, err
			}
			vs[i] = v
		}
		return List(vs...), nil
	case "kv":
		pairs := make([]KVPair, len(w.K))
		for i, e := range w.K {
			v, err := fromWire(e.Value)
			if err != nil {
				return Value{}, err
			}
			pairs[i] = KVPair{Key: e.Key, Value: v}
		}
		return KV(pairs...), nil
	case "error":
		return ErrorValue(ErrKind(w.EK), w.EM), nil
	default:
		return Value{}, fmt.Errorf("protocol: unknown wire value tag %q", w.T)
	}
}

// MarshalLine encodes v as a single line (no trailing newline) suitable for
// Channel.WriteLine.
func MarshalLine(v Value) ([]byte, error) {
	data, err := json.Marshal(toWire(v))
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal value: %w", err)
	}
	return data, nil
}

// UnmarshalLine decodes a line previously produced by MarshalLine.
func UnmarshalLine(line []byte) (Value, error) {
	var w wireValue
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&w); err != nil {
		return Value{}, fmt.Errorf("protocol: unmarshal value: %w", err)
	}
	return fromWire(w)
}

// Command is a command identifier plus its ordered parameter list, the unit
// the dispatcher reads off the channel.
type Command struct {
	Name   string
	Params []Value
}

// MarshalLine encodes a Command as a single JSON array line: ["name", [params...]].
func (c Command) MarshalLine() ([]byte, error) {
	wireParams := make([]wireValue, len(c.Params))
	for i, p := range c.Params {
		wireParams[i] = toWire(p)
	}
	data, err := json.Marshal([]interface{}{c.Name, wireParams})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal command: %w", err)
	}
	return data, nil
}

// UnmarshalCommandLine decodes a line previously produced by Command.MarshalLine.
func UnmarshalCommandLine(line []byte) (Command, error) {
	var raw struct {
		Name   string
		Params []wireValue
	}
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(line, &tuple); err != nil {
		return Command{}, fmt.Errorf("protocol: unmarshal command: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &raw.Name); err != nil {
		return Command{}, fmt.Errorf("protocol: unmarshal command name: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &raw.Params); err != nil {
		return Command{}, fmt.Errorf("protocol: unmarshal command params: %w", err)
	}

	params := make([]Value, len(raw.Params))
	for i, w := range raw.Params {
		v, err := fromWire(w)
		if err != nil {
			return Command{}, err
		}
		params[i] = v
	}
	return Command{Name: raw.Name, Params: params}, nil
}

// Param returns the i'th parameter, or an error if idx is out of range.
func (c Command) Param(idx int) (Value, error) {
	if idx < 0 || idx >= len(c.Params) {
		return Value{}, fmt.Errorf("protocol: command %q has no parameter %d", c.Name, idx)
	}
	return c.Params[idx], nil
}
