package filebridge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashReader(t *testing.T) {
	data := []byte("some content to hash")

	h, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, HashBytes(data), h)
}

func TestHashingWriter(t *testing.T) {
	data := []byte("streamed content")

	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)
	n, err := hw.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	require.Equal(t, data, buf.Bytes())
	require.Equal(t, int64(len(data)), hw.BytesWritten())
	require.Equal(t, HashBytes(data), hw.Sum())
}
