package event

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// compressionLevel is the fixed deflate level used for raw-trace payloads.
// Level 6 reaches the ≥5× target on typical JSON event bodies while keeping
// the fast path's CPU cost bounded. Decompress accepts any level.
const compressionLevel = 6

// Compress deflates raw bytes with the store's fixed compression level.
func Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("zlib writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress flush: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates bytes produced by Compress at any compression level.
func Decompress(blob []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return raw, nil
}
