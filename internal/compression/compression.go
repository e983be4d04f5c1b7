package compression

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	None = "none"
	LZ4  = "lz4"
	Zstd = "zstd"
)

// ErrIncompressible is returned by Compress when the encoded payload would
// not be smaller than the input.
var ErrIncompressible = errors.New("payload is incompressible")

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("compression: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compression: zstd decoder: " + err.Error())
	}
}

// ParseAlgorithm normalises an algorithm name.
func ParseAlgorithm(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", None:
		return None, nil
	case LZ4, "lz4-block":
		return LZ4, nil
	case Zstd, "zstandard":
		return Zstd, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm %q", value)
	}
}

// Decompress decodes a payload produced by Compress. rawSize must match the
// original length exactly.
func Decompress(encoded []byte, algorithm string, rawSize int) ([]byte, error) {
	alg, err := ParseAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	if rawSize < 0 {
		return nil, fmt.Errorf("invalid raw size %d", rawSize)
	}

	switch alg {
	case LZ4:
		dst := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(encoded, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, rawSize)
		}
		return dst, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(encoded, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	default:
		if len(encoded) != rawSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d", len(encoded), rawSize)
		}
		return encoded, nil
	}
}

// Compress encodes data with the given algorithm. For None the input is
// returned unchanged.
func Compress(data []byte, algorithm string) ([]byte, error) {
	alg, err := ParseAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}

	switch alg {
	case LZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, ErrIncompressible
		}
		return dst[:n], nil
	case Zstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, ErrIncompressible
		}
		return out, nil
	default:
		return data, nil
	}
}
