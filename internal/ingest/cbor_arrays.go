package ingest

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"evolve-car-go/internal/compression"
)

const (
	tagMultiDimArray = 40
	tagUint8         = 64
	// tagCompressed wraps [algorithm, raw_size, bytes] inside a typed array.
	tagCompressed = 56500

	maxImageBytes = 4096 * 4096 * 4
)

// EncodeImageData wraps raw pixel bytes as a uint8 typed array, compressed
// with algorithm when that makes the payload smaller.
func EncodeImageData(raw []byte, algorithm string) (cbor.Tag, error) {
	alg, err := compression.ParseAlgorithm(algorithm)
	if err != nil {
		return cbor.Tag{}, err
	}
	if alg == compression.None {
		return cbor.Tag{Number: tagUint8, Content: raw}, nil
	}
	encoded, err := compression.Compress(raw, alg)
	if errors.Is(err, compression.ErrIncompressible) {
		return cbor.Tag{Number: tagUint8, Content: raw}, nil
	}
	if err != nil {
		return cbor.Tag{}, err
	}
	return cbor.Tag{
		Number: tagUint8,
		Content: cbor.Tag{
			Number:  tagCompressed,
			Content: []any{alg, len(raw), encoded},
		},
	}, nil
}

// decodeImageData accepts a uint8 typed array, optionally wrapped in a
// multi-dimensional array whose shape must match the payload length.
func decodeImageData(value any) ([]byte, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag, got %T", value)
	}
	if tag.Number == tagMultiDimArray {
		return decodeMultiDimArray(tag)
	}
	return decodeTypedArray(tag)
}

func decodeMultiDimArray(tag cbor.Tag) ([]byte, error) {
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, errors.New("invalid multidim array content")
	}
	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) == 0 {
		return nil, errors.New("invalid multidim dimensions")
	}
	want := 1
	for _, d := range dimsRaw {
		n, err := toInt(d)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("negative dimension %d", n)
		}
		want *= n
	}
	inner, ok := items[1].(cbor.Tag)
	if !ok {
		return nil, errors.New("multidim content is not a typed array")
	}
	flat, err := decodeTypedArray(inner)
	if err != nil {
		return nil, err
	}
	if len(flat) != want {
		return nil, fmt.Errorf("dimension mismatch: shape holds %d bytes, got %d", want, len(flat))
	}
	return flat, nil
}

func decodeTypedArray(tag cbor.Tag) ([]byte, error) {
	if tag.Number != tagUint8 {
		return nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
	switch v := tag.Content.(type) {
	case []byte:
		return v, nil
	case cbor.Tag:
		if v.Number != tagCompressed {
			return nil, fmt.Errorf("unsupported nested tag %d", v.Number)
		}
		return decompressPayload(v)
	default:
		return nil, fmt.Errorf("unsupported typed array content %T", v)
	}
}

func decompressPayload(tag cbor.Tag) ([]byte, error) {
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 3 {
		return nil, errors.New("invalid compressed payload content")
	}
	algorithm, ok := items[0].(string)
	if !ok {
		return nil, errors.New("invalid compression algorithm")
	}
	rawSize, err := toInt(items[1])
	if err != nil {
		return nil, err
	}
	if rawSize > maxImageBytes {
		return nil, fmt.Errorf("raw size %d exceeds limit", rawSize)
	}
	encoded, ok := items[2].([]byte)
	if !ok {
		return nil, errors.New("invalid compressed payload")
	}
	return compression.Decompress(encoded, algorithm, rawSize)
}
