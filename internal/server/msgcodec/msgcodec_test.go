package msgcodec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompress(t *testing.T) {
	original := []byte(strings.Repeat(`{"type":"assistant","content":"hello"}`, 50))

	compressed, compression := Compress(original)
	require.Equal(t, Zstd, compression)
	assert.Less(t, len(compressed), len(original), "repetitive content should shrink")

	restored, err := Decompress(compressed, compression)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestDecompress_None(t *testing.T) {
	data := []byte("plain content")
	restored, err := Decompress(data, None)
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestDecompress_Unsupported(t *testing.T) {
	_, err := Decompress([]byte("x"), Compression("gzip"))
	assert.Error(t, err)
}

func TestCompress_Empty(t *testing.T) {
	compressed, compression := Compress(nil)
	restored, err := Decompress(compressed, compression)
	require.NoError(t, err)
	assert.Empty(t, restored)
}
