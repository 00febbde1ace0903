package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat("lockfs round trip payload ", 512))

	for _, name := range append([]string{None}, Names...) {
		t.Run("codec="+name, func(t *testing.T) {
			var compressed bytes.Buffer
			require.NoError(t, Compress(name, 0, bytes.NewReader(payload), &compressed))

			if name != None {
				assert.Less(t, compressed.Len(), len(payload))
			}

			var out bytes.Buffer
			require.NoError(t, Decompress(name, &compressed, &out))
			assert.Equal(t, payload, out.Bytes())
		})
	}
}

func TestCodec_ExplicitLevels(t *testing.T) {
	payload := []byte(strings.Repeat("abc", 1000))

	for _, name := range []string{Gzip, Zstd, Brotli} {
		var compressed bytes.Buffer
		require.NoError(t, Compress(name, 3, bytes.NewReader(payload), &compressed), name)

		var out bytes.Buffer
		require.NoError(t, Decompress(name, &compressed, &out), name)
		assert.Equal(t, payload, out.Bytes(), name)
	}
}

func TestCodec_Unknown(t *testing.T) {
	assert.ErrorIs(t, Valid("lzma"), ErrUnknownCodec)
	assert.NoError(t, Valid(None))
	assert.NoError(t, Valid(Zstd))

	_, err := NewCompressor("lzma", 0)
	assert.ErrorIs(t, err, ErrUnknownCodec)

	_, err = NewDecompressor("lzma")
	assert.ErrorIs(t, err, ErrUnknownCodec)

	err = Compress("lzma", 0, strings.NewReader("x"), &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestShouldCompress(t *testing.T) {
	text := []byte("plain text content")
	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

	var gz bytes.Buffer
	require.NoError(t, Compress(Gzip, 0, bytes.NewReader(text), &gz))

	assert.True(t, ShouldCompress("notes.txt", text))
	assert.True(t, ShouldCompress("", text))
	assert.False(t, ShouldCompress("notes.txt", nil))
	assert.False(t, ShouldCompress("photo.JPG", text))
	assert.False(t, ShouldCompress("image", png))
	assert.False(t, ShouldCompress("blob", gz.Bytes()))
}
