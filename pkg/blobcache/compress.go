package blobcache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// compressionLevel is the mid-quality deflate setting spec.md requires:
// level 6, the zlib/gzip default quality/speed tradeoff point.
const compressionLevel = 6

// compress deflates data at compressionLevel. The result is a
// self-delimited deflate stream with no length prefix of its own; the
// frame's 4-byte length field carries that information instead.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("blobcache: init compressor: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("blobcache: compress: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("blobcache: compress: %w", err)
	}

	return buf.Bytes(), nil
}

// decompress inflates a deflate stream produced by compress. Any
// malformed input is reported as ErrCorruptPayload.
func decompress(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}

	return out, nil
}
