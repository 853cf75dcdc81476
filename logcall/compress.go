package logcall

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// zstdEncoder and zstdDecoder are shared, EncodeAll and DecodeAll are safe for concurrent use.
var zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic(err) // theoretically not possible
	}
	return encoder
})

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

// ZstdCompress compresses a byte slice using zstd and returns the compressed data.
func ZstdCompress(dst, data []byte) []byte {
	return zstdEncoder().EncodeAll(data, dst)
}

// ZstdDecompress decompresses a zstd-compressed byte slice and returns the original data.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	decoder, err := zstdDecoder()
	if err != nil {
		return nil, err
	}
	return decoder.DecodeAll(data, dst)
}

// SnappyCompress compresses a byte slice using snappy and returns the compressed data.
func SnappyCompress(dst, data []byte) []byte {
	return s2.EncodeSnappyBest(dst, data)
}

// SnappyDecompress decompresses a snappy-compressed byte slice and returns the decompressed data.
func SnappyDecompress(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}

// compressor pairs the compress and decompress functions of one codec.
type compressor struct {
	compress   func(dst, data []byte) []byte
	decompress func(dst, data []byte) ([]byte, error)
}

func compressorFor(name string) (compressor, error) {
	switch name {
	case CompressionZstd:
		return compressor{compress: ZstdCompress, decompress: ZstdDecompress}, nil
	case CompressionSnappy:
		return compressor{compress: SnappyCompress, decompress: SnappyDecompress}, nil
	case CompressionNone, "":
		return compressor{
			compress: func(dst, data []byte) []byte {
				return append(dst, data...)
			},
			decompress: func(dst, data []byte) ([]byte, error) {
				return append(dst, data...), nil
			},
		}, nil
	default:
		return compressor{}, fmt.Errorf("unknown compression '%s'", name)
	}
}
