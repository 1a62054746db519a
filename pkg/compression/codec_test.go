package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func compressibleBlock(n int) []byte {
	block := make([]byte, n)
	pattern := []byte("sprucedb block payload ")
	for i := range block {
		block[i] = pattern[i%len(pattern)]
	}
	return block
}

func TestCodec_RoundTrip(t *testing.T) {
	raw := compressibleBlock(8 * 1024)

	for _, name := range []string{"none", "zstd", "lz4"} {
		t.Run(name, func(t *testing.T) {
			codec, err := ByName(name)
			require.NoError(t, err)

			stored, err := codec.Compress(raw)
			require.NoError(t, err)
			if name != "none" {
				require.Less(t, len(stored), len(raw))
			}

			got, err := codec.Decompress(stored, len(raw))
			require.NoError(t, err)
			require.True(t, bytes.Equal(raw, got))
		})
	}
}

func TestCodec_ByNameUnknown(t *testing.T) {
	_, err := ByName("snappy")
	require.Error(t, err)
}

func TestCodec_ByIDMatchesByName(t *testing.T) {
	for _, name := range []string{"none", "zstd", "lz4"} {
		byName, err := ByName(name)
		require.NoError(t, err)

		byID, err := ByID(byName.ID())
		require.NoError(t, err)
		require.Equal(t, byName.Name(), byID.Name())
	}

	_, err := ByID(200)
	require.Error(t, err)
}

func TestLZ4_IncompressibleReturnsSource(t *testing.T) {
	// two bytes cannot shrink; the block writer stores such blocks raw
	raw := []byte{0x01, 0x02}
	stored, err := LZ4{}.Compress(raw)
	require.NoError(t, err)
	require.Equal(t, raw, stored)
}

func TestNone_LengthMismatch(t *testing.T) {
	_, err := None{}.Decompress([]byte("abc"), 5)
	require.Error(t, err)
}
