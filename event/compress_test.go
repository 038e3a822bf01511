package event

import (
	"bytes"
	"compress/zlib"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	raw := []byte(`{"event_type":"tool_use","payload":{"tool_name":"Read"}}`)
	blob, err := Compress(raw)
	require.NoError(t, err)
	got, err := Decompress(blob)
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestCompressRatioOnRepetitivePayload(t *testing.T) {
	// Typical telemetry payloads are highly repetitive JSON; the fixed level
	// must reach at least 5x on such input.
	raw := []byte(strings.Repeat(`{"tool_name":"Read","duration_ms":120,"lines_added":3},`, 200))
	blob, err := Compress(raw)
	require.NoError(t, err)
	require.Greater(t, len(raw), len(blob)*5)
}

func TestDecompressAcceptsAnyLevel(t *testing.T) {
	raw := []byte(`{"k":"v","n":[1,2,3]}`)
	for _, level := range []int{zlib.BestSpeed, zlib.DefaultCompression, zlib.BestCompression} {
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, level)
		require.NoError(t, err)
		_, err = w.Write(raw)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		got, err := Decompress(buf.Bytes())
		require.NoError(t, err)
		require.Equal(t, raw, got)
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress([]byte("not a zlib stream"))
	require.Error(t, err)
}
