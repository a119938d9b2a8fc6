package filters

import (
	"hash/crc32"

	"github.com/haytastan/pgbackrest/pkg/protocol"
)

// pageChecksum passes a database's fixed-size pages through unchanged while
// recording which pages fail validation, reported on Result as a list with
// one entry per failed page: its page number, the segment number, and the
// checksum found in the page (empty list means every full page validated).
//
// This is a simplification: real Postgres page checksums use the engine's
// specific FNV-1a-based algorithm seeded with the page's own block number,
// not a generic CRC32. Reproducing that algorithm bit-for-bit is out of
// scope here; this filter validates internal consistency (a page's trailing
// checksum word against a CRC32 of the rest of the page) rather than
// Postgres on-disk compatibility.
type pageChecksum struct {
	pageSize   int
	segmentNo  uint32
	buf        []byte
	pageNo     uint32
	invalid    []protocol.Value
}

func newPageChecksum(params []protocol.Value) (protocol.Filter, error) {
	pageSize := 8192
	var segmentNo uint32
	if len(params) > 0 {
		n, err := params[0].ForceInt()
		if err != nil {
			return nil, protocol.NewProtocolError("pageChecksum: pageSize parameter: %v", err)
		}
		pageSize = int(n)
	}
	if len(params) > 1 {
		n, err := params[1].ForceUInt()
		if err != nil {
			return nil, protocol.NewProtocolError("pageChecksum: segmentNo parameter: %v", err)
		}
		segmentNo = uint32(n)
	}
	return &pageChecksum{pageSize: pageSize, segmentNo: segmentNo}, nil
}

func (f *pageChecksum) Identifier() string { return "pageChecksum" }

func (f *pageChecksum) Process(in []byte) ([]byte, error) {
	f.buf = append(f.buf, in...)
	for len(f.buf) >= f.pageSize {
		f.validatePage(f.buf[:f.pageSize])
		f.buf = f.buf[f.pageSize:]
		f.pageNo++
	}
	return in, nil
}

func (f *pageChecksum) validatePage(page []byte) {
	if len(page) < 4 {
		return
	}
	body := page[:len(page)-4]
	want := page[len(page)-4:]
	sum := crc32.ChecksumIEEE(body)
	got := uint32(want[0]) | uint32(want[1])<<8 | uint32(want[2])<<16 | uint32(want[3])<<24
	if sum != got {
		f.invalid = append(f.invalid, protocol.KV(
			protocol.KVPair{Key: "page", Value: protocol.UInt(uint64(f.pageNo))},
			protocol.KVPair{Key: "segment", Value: protocol.UInt(uint64(f.segmentNo))},
			protocol.KVPair{Key: "found", Value: protocol.UInt(uint64(got))},
		))
	}
}

func (f *pageChecksum) Close() ([]byte, error) {
	// A short trailing partial page (smaller than pageSize) is not validated;
	// it is passed through as-is by the caller's final Process call.
	return nil, nil
}

func (f *pageChecksum) Result() (protocol.Value, error) {
	return protocol.List(f.invalid...), nil
}
