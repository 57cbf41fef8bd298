package blob

import (
	"bytes"
	"fmt"
	"io"

	"github.com/forgekit/forge/internal/domain"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compress encodes data with the given codec. CodecNone returns data
// unchanged (the caller must not mutate the result).
func compress(codec domain.CompressionCodec, data []byte) ([]byte, error) {
	switch codec {
	case domain.CodecNone:
		return data, nil
	case domain.CodecFast:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress close: %w", err)
		}
		return buf.Bytes(), nil
	case domain.CodecHighRatio:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}

// decompress reverses compress.
func decompress(codec domain.CompressionCodec, data []byte) ([]byte, error) {
	switch codec {
	case domain.CodecNone:
		return data, nil
	case domain.CodecFast:
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	case domain.CodecHighRatio:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}
