package filters

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haytastan/pgbackrest/pkg/protocol"
)

func buildPipeline(t *testing.T, descriptors []protocol.FilterDescriptor) *protocol.Pipeline {
	t.Helper()
	p, err := Default().Build(descriptors)
	require.NoError(t, err)
	return p
}

func runThrough(t *testing.T, p *protocol.Pipeline, data []byte) []byte {
	t.Helper()
	out, err := p.Process(data)
	require.NoError(t, err)
	trailing, err := p.Close()
	require.NoError(t, err)
	return append(out, trailing...)
}

func TestGzipRoundTrip(t *testing.T) {
	input := []byte("the quick brown fox jumps over the lazy dog, the quick brown fox jumps over the lazy dog")

	compress := buildPipeline(t, []protocol.FilterDescriptor{{Identifier: "gzipCompress"}})
	compressed := runThrough(t, compress, input)
	require.NotEmpty(t, compressed)

	decompress := buildPipeline(t, []protocol.FilterDescriptor{{Identifier: "gzipDecompress"}})
	decompressed := runThrough(t, decompress, compressed)
	require.Equal(t, input, decompressed)
}

func TestSizeFilterCountsBytes(t *testing.T) {
	p := buildPipeline(t, []protocol.FilterDescriptor{{Identifier: "size"}})
	input := []byte("hello world")
	out, err := p.Process(input)
	require.NoError(t, err)
	require.Equal(t, input, out)

	_, err = p.Close()
	require.NoError(t, err)

	result, err := p.Result()
	require.NoError(t, err)
	pairs, err := result.KV()
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, "size", pairs[0].Key)

	n, err := pairs[0].Value.UInt()
	require.NoError(t, err)
	require.Equal(t, uint64(len(input)), n)
}

func TestSinkDiscardsOutput(t *testing.T) {
	p := buildPipeline(t, []protocol.FilterDescriptor{{Identifier: "sink"}})
	out, err := p.Process([]byte("anything"))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestCipherBlockRoundTrip(t *testing.T) {
	input := []byte("super secret backup manifest contents")

	encryptDescriptors := []protocol.FilterDescriptor{{
		Identifier: "cipherBlock",
		Params:     []protocol.Value{protocol.Str("encrypt"), protocol.Str("correct-horse-battery-staple")},
	}}
	encrypt := buildPipeline(t, encryptDescriptors)
	ciphertext := runThrough(t, encrypt, input)
	require.NotEqual(t, input, ciphertext)

	decryptDescriptors := []protocol.FilterDescriptor{{
		Identifier: "cipherBlock",
		Params:     []protocol.Value{protocol.Str("decrypt"), protocol.Str("correct-horse-battery-staple")},
	}}
	decrypt := buildPipeline(t, decryptDescriptors)
	plaintext := runThrough(t, decrypt, ciphertext)
	require.Equal(t, input, plaintext)
}

func TestCryptoHashProducesDigest(t *testing.T) {
	p := buildPipeline(t, []protocol.FilterDescriptor{{
		Identifier: "cryptoHash",
		Params:     []protocol.Value{protocol.Str("sha256")},
	}})
	out, err := p.Process([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), out)

	_, err = p.Close()
	require.NoError(t, err)

	result, err := p.Result()
	require.NoError(t, err)
	digest, err := result.Str()
	require.NoError(t, err)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)
}

func TestUnknownFilterFailsBuild(t *testing.T) {
	_, err := Default().Build([]protocol.FilterDescriptor{{Identifier: "nonsense"}})
	require.Error(t, err)
	pe, ok := protocol.AsError(err)
	require.True(t, ok)
	require.Equal(t, protocol.ErrAssert, pe.Kind)
}
