// Package filters implements the closed set of filter identifiers the
// remote storage protocol recognizes in a filter list: gzipCompress,
// gzipDecompress, cipherBlock, cryptoHash, pageChecksum, sink, and size.
// Default() returns a protocol.FilterRegistry with all seven wired in.
package filters

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/haytastan/pgbackrest/pkg/protocol"
)

// gzipCompress deflate-compresses its input. Unlike decompression, no
// background goroutine is needed: gzip.Writer is a synchronous push
// interface, so Process can write, Flush, and drain the target buffer in
// one call.
type gzipCompress struct {
	buf *bytes.Buffer
	gz  *gzip.Writer
}

func newGzipCompress(params []protocol.Value) (protocol.Filter, error) {
	level := gzip.DefaultCompression
	if len(params) > 0 {
		n, err := params[0].ForceInt()
		if err != nil {
			return nil, protocol.NewProtocolError("gzipCompress: level parameter: %v", err)
		}
		level = int(n)
	}

	buf := &bytes.Buffer{}
	gz, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, protocol.NewProtocolError("gzipCompress: %v", err)
	}
	return &gzipCompress{buf: buf, gz: gz}, nil
}

func (f *gzipCompress) Identifier() string { return "gzipCompress" }

func (f *gzipCompress) Process(in []byte) ([]byte, error) {
	if len(in) > 0 {
		if _, err := f.gz.Write(in); err != nil {
			return nil, protocol.NewProtocolError("gzipCompress: %v", err)
		}
	}
	if err := f.gz.Flush(); err != nil {
		return nil, protocol.NewProtocolError("gzipCompress: %v", err)
	}
	return f.drain(), nil
}

func (f *gzipCompress) Close() ([]byte, error) {
	if err := f.gz.Close(); err != nil {
		return nil, protocol.NewProtocolError("gzipCompress: %v", err)
	}
	return f.drain(), nil
}

func (f *gzipCompress) drain() []byte {
	out := append([]byte(nil), f.buf.Bytes()...)
	f.buf.Reset()
	return out
}

func (f *gzipCompress) Result() (protocol.Value, error) { return protocol.Null(), nil }

// gzipDecompress inflates its input. gzip.Reader is a pull interface, so an
// io.Pipe plus a background goroutine adapts it to Process's push interface:
// Process feeds the pipe and drains whatever the goroutine has decompressed
// so far without blocking for more than is already available.
type gzipDecompress struct {
	pw   *io.PipeWriter
	outC chan []byte
	errC chan error
}

func newGzipDecompress([]protocol.Value) (protocol.Filter, error) {
	pr, pw := io.Pipe()
	f := &gzipDecompress{pw: pw, outC: make(chan []byte, 16), errC: make(chan error, 1)}
	go f.run(pr)
	return f, nil
}

func (f *gzipDecompress) run(pr *io.PipeReader) {
	defer close(f.outC)

	gz, err := gzip.NewReader(pr)
	if err != nil {
		f.errC <- err
		pr.CloseWithError(err)
		return
	}
	defer gz.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := gz.Read(buf)
		if n > 0 {
			f.outC <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				f.errC <- err
				pr.CloseWithError(err)
			}
			return
		}
	}
}

func (f *gzipDecompress) firstErr() error {
	select {
	case err := <-f.errC:
		return err
	default:
		return nil
	}
}

func (f *gzipDecompress) Identifier() string { return "gzipDecompress" }

func (f *gzipDecompress) Process(in []byte) ([]byte, error) {
	writeErr := make(chan error, 1)
	go func() {
		_, err := f.pw.Write(in)
		writeErr <- err
	}()

	var out []byte
	for {
		select {
		case err := <-writeErr:
			if err != nil {
				return out, protocol.NewProtocolError("gzipDecompress: %v", err)
			}
			for {
				select {
				case chunk, ok := <-f.outC:
					if !ok {
						return out, f.firstErr()
					}
					out = append(out, chunk...)
				default:
					return out, nil
				}
			}
		case chunk, ok := <-f.outC:
			if !ok {
				go func() { <-writeErr }()
				if err := f.firstErr(); err != nil {
					return out, protocol.NewProtocolError("gzipDecompress: %v", err)
				}
				return out, nil
			}
			out = append(out, chunk...)
		}
	}
}

func (f *gzipDecompress) Close() ([]byte, error) {
	f.pw.Close()
	var out []byte
	for chunk := range f.outC {
		out = append(out, chunk...)
	}
	if err := f.firstErr(); err != nil {
		return out, protocol.NewProtocolError("gzipDecompress: %v", err)
	}
	return out, nil
}

func (f *gzipDecompress) Result() (protocol.Value, error) { return protocol.Null(), nil }
