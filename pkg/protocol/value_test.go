package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		Null(),
		Bool(true),
		Bool(false),
		Int(-42),
		UInt(42),
		Str(""),
		Str("hello"),
		StrNull(),
		List(Int(1), Str("two"), Bool(true)),
		KV(KVPair{Key: "a", Value: Int(1)}, KVPair{Key: "b", Value: Str("two")}),
		ErrorValue(ErrProtocol, "malformed block header"),
	}

	for _, v := range values {
		line, err := MarshalLine(v)
		require.NoError(t, err)

		got, err := UnmarshalLine(line)
		require.NoError(t, err)
		assert.Equal(t, v.Kind(), got.Kind())
	}
}

func TestValueKVPreservesOrder(t *testing.T) {
	v := KV(
		KVPair{Key: "z", Value: Int(1)},
		KVPair{Key: "a", Value: Int(2)},
		KVPair{Key: "m", Value: Int(3)},
	)

	line, err := MarshalLine(v)
	require.NoError(t, err)

	got, err := UnmarshalLine(line)
	require.NoError(t, err)

	pairs, err := got.KV()
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, []string{"z", "a", "m"}, []string{pairs[0].Key, pairs[1].Key, pairs[2].Key})
}

func TestValueStrNullIsDistinctFromEmptyString(t *testing.T) {
	assert.True(t, StrNull().IsNull())
	assert.False(t, Str("").IsNull())

	_, err := StrNull().Str()
	assert.Error(t, err)

	s, err := Str("").Str()
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestErrorValueRoundTrip(t *testing.T) {
	v := ErrorValue(ErrAssert, "unable to add filter 'nonsense'")

	line, err := MarshalLine(v)
	require.NoError(t, err)

	got, err := UnmarshalLine(line)
	require.NoError(t, err)
	require.Equal(t, KindError, got.Kind())

	kind, msg, err := got.ErrorInfo()
	require.NoError(t, err)
	assert.Equal(t, ErrAssert, kind)
	assert.Equal(t, "unable to add filter 'nonsense'", msg)
}

func TestForceUIntOverflow(t *testing.T) {
	_, err := Int(-1).ForceUInt()
	assert.Error(t, err)

	u, err := Int(5).ForceUInt()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), u)
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := Command{Name: "storage/exists", Params: []Value{Str("/a/b")}}
	line, err := cmd.MarshalLine()
	require.NoError(t, err)

	got, err := UnmarshalCommandLine(line)
	require.NoError(t, err)
	assert.Equal(t, cmd.Name, got.Name)
	require.Len(t, got.Params, 1)

	p, err := got.Param(0)
	require.NoError(t, err)
	s, err := p.Str()
	require.NoError(t, err)
	assert.Equal(t, "/a/b", s)
}
