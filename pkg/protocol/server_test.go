package protocol

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// memChannel is an in-memory Channel over two buffers, letting tests drive a
// Session without a real transport: one buffer holds what the test "sends"
// to the session, the other accumulates what the session writes back.
type memChannel struct {
	mu   sync.Mutex
	in   *bufReader
	out  bytes.Buffer
}

type bufReader struct {
	lines [][]byte
	idx   int
}

func newMemChannel(inputLines ...string) *memChannel {
	lines := make([][]byte, len(inputLines))
	for i, l := range inputLines {
		lines[i] = []byte(l)
	}
	return &memChannel{in: &bufReader{lines: lines}}
}

func (c *memChannel) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in.idx >= len(c.in.lines) {
		return "", io.EOF
	}
	line := c.in.lines[c.in.idx]
	c.in.idx++
	return string(line), nil
}

func (c *memChannel) ReadBytes(buf []byte) (int, error) {
	return 0, io.EOF // not exercised by the read-side tests in this file
}

func (c *memChannel) WriteLine(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.WriteString(s)
	c.out.WriteByte('\n')
	return nil
}

func (c *memChannel) WriteBytes(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Write(buf)
	return nil
}

func (c *memChannel) Flush() error { return nil }
func (c *memChannel) Close() error { return nil }

// mockDriver is a minimal in-memory protocol.Driver, the same shape as the
// corpus's mock storage backends: a map guarded by a mutex standing in for
// a real filesystem or object store.
type mockDriver struct {
	mu       sync.Mutex
	files    map[string][]byte
	feature  Feature
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		files:   make(map[string][]byte),
		feature: FeaturePathExists,
	}
}

func (d *mockDriver) Feature() Feature { return d.feature }

func (d *mockDriver) Exists(ctx context.Context, path string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.files[path]
	return ok, nil
}

func (d *mockDriver) List(ctx context.Context, path string, expression string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for k := range d.files {
		if strings.HasPrefix(k, path) {
			names = append(names, strings.TrimPrefix(k, path+"/"))
		}
	}
	return names, nil
}

func (d *mockDriver) PathExists(ctx context.Context, path string) (bool, error) { return true, nil }

func (d *mockDriver) PathCreate(ctx context.Context, path string, errorOnExists, noParentCreate bool, mode uint32) error {
	return nil
}

func (d *mockDriver) PathRemove(ctx context.Context, path string, recursive bool) (bool, error) {
	return true, nil
}

func (d *mockDriver) PathSync(ctx context.Context, path string) error { return nil }

func (d *mockDriver) Remove(ctx context.Context, path string, errorOnMissing bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, path)
	return nil
}

type mockReadHandle struct{ r *bytes.Reader }

func (h *mockReadHandle) Read(p []byte) (int, error) { return h.r.Read(p) }
func (h *mockReadHandle) Close() error                { return nil }

func (d *mockDriver) NewRead(ctx context.Context, path string, ignoreMissing bool) (ReadHandle, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[path]
	if !ok {
		if ignoreMissing {
			return nil, false, nil
		}
		return nil, false, NewProtocolError("file %q does not exist", path)
	}
	return &mockReadHandle{r: bytes.NewReader(data)}, true, nil
}

type mockWriteHandle struct {
	d    *mockDriver
	path string
	buf  bytes.Buffer
}

func (h *mockWriteHandle) Write(p []byte) (int, error) { return h.buf.Write(p) }
func (h *mockWriteHandle) Close() error {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	h.d.files[h.path] = h.buf.Bytes()
	return nil
}
func (h *mockWriteHandle) Free() error { return nil }

func (d *mockDriver) NewWrite(ctx context.Context, path string, opts WriteOptions) (WriteHandle, error) {
	return &mockWriteHandle{d: d, path: path}, nil
}

func newTestRegistry() *FilterRegistry {
	r := NewFilterRegistry()
	r.Register("size", func(params []Value) (Filter, error) { return &testSizeFilter{}, nil })
	return r
}

type testSizeFilter struct{ n uint64 }

func (f *testSizeFilter) Identifier() string { return "size" }
func (f *testSizeFilter) Process(in []byte) ([]byte, error) {
	f.n += uint64(len(in))
	return in, nil
}
func (f *testSizeFilter) Close() ([]byte, error)          { return nil, nil }
func (f *testSizeFilter) Result() (Value, error)          { return UInt(f.n), nil }

func TestDispatchExists(t *testing.T) {
	driver := newMockDriver()
	driver.files["/a/b"] = []byte("x")

	cmd := Command{Name: CmdExists, Params: []Value{Str("/a/b")}}
	line, err := cmd.MarshalLine()
	require.NoError(t, err)

	ch := newMemChannel(string(line))
	session := &Session{Driver: driver, Channel: ch, Filters: newTestRegistry(), Observer: NopObserver{}}

	err = session.Serve(context.Background())
	require.NoError(t, err)

	resp, err := UnmarshalLine(bytes.TrimSpace(ch.out.Bytes()))
	require.NoError(t, err)
	ok, err := resp.Bool()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDispatchFeature(t *testing.T) {
	driver := newMockDriver()
	cmd := Command{Name: CmdFeature}
	line, err := cmd.MarshalLine()
	require.NoError(t, err)

	ch := newMemChannel(string(line))
	session := &Session{Driver: driver, Channel: ch, Filters: newTestRegistry(), Observer: NopObserver{}}
	require.NoError(t, session.Serve(context.Background()))

	resp, err := UnmarshalLine(bytes.TrimSpace(ch.out.Bytes()))
	require.NoError(t, err)
	u, err := resp.UInt()
	require.NoError(t, err)
	require.Equal(t, uint64(FeaturePathExists), u)
}

func TestDispatchPathExistsRequiresFeature(t *testing.T) {
	driver := newMockDriver()
	driver.feature = 0 // no FeaturePathExists

	cmd := Command{Name: CmdPathExists, Params: []Value{Str("/a")}}
	line, err := cmd.MarshalLine()
	require.NoError(t, err)

	ch := newMemChannel(string(line))
	session := &Session{Driver: driver, Channel: ch, Filters: newTestRegistry(), Observer: NopObserver{}}

	// A command failure emits an error response and keeps the session open;
	// it does not end Serve. The channel reaches EOF right after, so Serve
	// returns nil here, not the dispatch error itself.
	require.NoError(t, session.Serve(context.Background()))

	resp, err := UnmarshalLine(bytes.TrimSpace(ch.out.Bytes()))
	require.NoError(t, err)
	require.Equal(t, KindError, resp.Kind())

	kind, _, err := resp.ErrorInfo()
	require.NoError(t, err)
	require.Equal(t, ErrAssert, kind)
}

func TestServeContinuesAfterCommandError(t *testing.T) {
	driver := newMockDriver()
	driver.feature = 0 // no FeaturePathExists, so the first command fails
	driver.files["/a/b"] = []byte("x")

	failing := Command{Name: CmdPathExists, Params: []Value{Str("/a")}}
	failingLine, err := failing.MarshalLine()
	require.NoError(t, err)

	following := Command{Name: CmdExists, Params: []Value{Str("/a/b")}}
	followingLine, err := following.MarshalLine()
	require.NoError(t, err)

	ch := newMemChannel(string(failingLine), string(followingLine))
	session := &Session{Driver: driver, Channel: ch, Filters: newTestRegistry(), Observer: NopObserver{}}
	require.NoError(t, session.Serve(context.Background()))

	lines := bytes.Split(bytes.TrimRight(ch.out.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)

	errResp, err := UnmarshalLine(lines[0])
	require.NoError(t, err)
	require.Equal(t, KindError, errResp.Kind())

	okResp, err := UnmarshalLine(lines[1])
	require.NoError(t, err)
	ok, err := okResp.Bool()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDispatchOpenReadMissingFileSkipsFilterResult(t *testing.T) {
	driver := newMockDriver()

	cmd := Command{Name: CmdOpenRead, Params: []Value{Str("/missing"), Bool(true), List()}}
	line, err := cmd.MarshalLine()
	require.NoError(t, err)

	ch := newMemChannel(string(line))
	session := &Session{Driver: driver, Channel: ch, Filters: newTestRegistry(), Observer: NopObserver{}}
	require.NoError(t, session.Serve(context.Background()))

	// Only one line should have been written: the leading "false".
	lines := bytes.Split(bytes.TrimRight(ch.out.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 1)

	resp, err := UnmarshalLine(lines[0])
	require.NoError(t, err)
	exists, err := resp.Bool()
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDispatchOpenReadTransfersFramedContent(t *testing.T) {
	driver := newMockDriver()
	driver.files["/x"] = []byte("hello")

	cmd := Command{Name: CmdOpenRead, Params: []Value{Str("/x"), Bool(false), List()}}
	line, err := cmd.MarshalLine()
	require.NoError(t, err)

	ch := newMemChannel(string(line))
	session := &Session{Driver: driver, Channel: ch, Filters: newTestRegistry(), Observer: NopObserver{}}
	require.NoError(t, session.Serve(context.Background()))

	r := bufio.NewReader(bytes.NewReader(ch.out.Bytes()))

	existsLine, err := r.ReadString('\n')
	require.NoError(t, err)
	existsVal, err := UnmarshalLine([]byte(strings.TrimRight(existsLine, "\n")))
	require.NoError(t, err)
	exists, err := existsVal.Bool()
	require.NoError(t, err)
	require.True(t, exists)

	blockLine, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "BLOCK5\n", blockLine)

	payload := make([]byte, 5)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	require.Equal(t, "hello", string(payload))

	eofLine, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "BLOCK0\n", eofLine)

	resultLine, err := r.ReadString('\n')
	require.NoError(t, err)
	resultVal, err := UnmarshalLine([]byte(strings.TrimRight(resultLine, "\n")))
	require.NoError(t, err)
	pairs, err := resultVal.KV()
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestDispatchOpenWriteCommitsPayload(t *testing.T) {
	driver := newMockDriver()

	openWrite := Command{Name: CmdOpenWrite, Params: []Value{
		Str("/new"), UInt(0o644), UInt(0o755), StrNull(), StrNull(), Int(0),
		Bool(true), Bool(false), Bool(false), Bool(false), List(),
	}}
	owLine, err := openWrite.MarshalLine()
	require.NoError(t, err)

	// storage/openWrite reads raw payload bytes (not lines) for each block,
	// so the test drives it through payloadChannel rather than memChannel.
	ch := newPayloadChannel([]string{string(owLine), EncodeBlockHeader(5), EncodeBlockHeader(BlockEOF)}, "hello")
	session := &Session{Driver: driver, Channel: ch, Filters: newTestRegistry(), Observer: NopObserver{}}

	require.NoError(t, session.Serve(context.Background()))
	require.Equal(t, []byte("hello"), driver.files["/new"])
}

// payloadChannel extends the line-based memChannel with a byte-oriented
// payload source for testing storage/openWrite, which reads raw bytes
// (not lines) for its block payloads.
type payloadChannel struct {
	*memChannel
	payload *bytes.Reader
}

func newPayloadChannel(lines []string, payload string) *payloadChannel {
	return &payloadChannel{memChannel: newMemChannel(lines...), payload: bytes.NewReader([]byte(payload))}
}

func (c *payloadChannel) ReadBytes(buf []byte) (int, error) {
	return c.payload.Read(buf)
}
