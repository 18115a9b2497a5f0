package cassandra

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Compressor decompresses and compresses frame bodies for one negotiated
// algorithm. Forwarding never depends on this: the original bytes always
// reach the other side untouched. The audit taps do not decompress either:
// nothing outside this file calls compressorFor, so a compressed frame body
// is parsed for audit exactly as it arrived.
type Compressor interface {
	Decompress(body []byte) ([]byte, error)
	Compress(body []byte) ([]byte, error)
}

type noneCompressor struct{}

func (noneCompressor) Decompress(body []byte) ([]byte, error) { return body, nil }
func (noneCompressor) Compress(body []byte) ([]byte, error)   { return body, nil }

type lz4Compressor struct{}

// Decompress reads the 4-byte big-endian uncompressed-length prefix
// Cassandra puts in front of every LZ4-compressed body, then inflates the
// block that follows.
func (lz4Compressor) Decompress(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: lz4 body shorter than length prefix", ErrInvalidFrame)
	}
	uncompressedLen := binary.BigEndian.Uint32(body[:4])
	out := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlock(body[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}

func (lz4Compressor) Compress(body []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(body)))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	var c lz4.Compressor
	n, err := c.CompressBlock(body, out[4:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 && len(body) > 0 {
		return nil, fmt.Errorf("lz4 compress: incompressible block")
	}
	return out[:4+n], nil
}

type snappyCompressor struct{}

func (snappyCompressor) Decompress(body []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}

func (snappyCompressor) Compress(body []byte) ([]byte, error) {
	return snappy.Encode(nil, body), nil
}

// compressorFor resolves the STARTUP COMPRESSION option value to a
// Compressor, defaulting to a no-op for "none" or anything unrecognized.
func compressorFor(algo string) Compressor {
	switch algo {
	case "lz4":
		return lz4Compressor{}
	case "snappy":
		return snappyCompressor{}
	default:
		return noneCompressor{}
	}
}
