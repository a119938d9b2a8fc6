package protocol

import (
	"regexp"
	"strconv"
	"sync"
)

// BlockHeaderPrefix is the fixed ASCII prefix of every block header line.
const BlockHeaderPrefix = "BLOCK"

// BlockAbort is the sentinel size meaning "writer aborted, release
// resources without committing."
const BlockAbort = -1

// BlockEOF is the sentinel size meaning "end of stream, success."
const BlockEOF = 0

var (
	blockRegexOnce sync.Once
	blockRegex     *regexp.Regexp
)

// blockPattern compiles the block-header regular expression exactly once,
// regardless of how many protocol servers run in this process. The pattern
// is immutable once compiled, so sharing it across sessions is safe.
func blockPattern() *regexp.Regexp {
	blockRegexOnce.Do(func() {
		blockRegex = regexp.MustCompile(`^` + BlockHeaderPrefix + `(-1|[0-9]+)$`)
	})
	return blockRegex
}

// EncodeBlockHeader renders a block header line for n bytes following (n>0),
// end-of-stream (n==0), or abort (n==BlockAbort). It is the caller's
// responsibility to pass no other negative value.
func EncodeBlockHeader(n int64) string {
	if n == BlockAbort {
		return BlockHeaderPrefix + "-1"
	}
	return BlockHeaderPrefix + strconv.FormatInt(n, 10)
}

// DecodeBlockHeader parses a header line, validating it against
// BLOCK(-1|[0-9]+) first. A non-matching line fails with a ProtocolError
// carrying the offending line verbatim, per the source implementation.
func DecodeBlockHeader(line string) (int64, error) {
	matches := blockPattern().FindStringSubmatch(line)
	if matches == nil {
		return 0, NewProtocolError("%q is not a valid block size message", line)
	}

	n, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		// Reached only when the matched digits overflow int64.
		return 0, NewProtocolError("%q is not a valid block size message: %v", line, err)
	}
	return n, nil
}
