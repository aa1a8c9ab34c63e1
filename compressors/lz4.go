package compressors

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusrelay/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4Decoded bounds the size a corrupt length prefix can make us allocate.
const maxLZ4Decoded = 256 * 1024 * 1024

const (
	lz4ModeRaw   byte = 0
	lz4ModeBlock byte = 1
	lz4HeaderLen      = 5
)

// LZ4Compressor implements core.Compressor using LZ4 blocks. The block format
// does not carry the original size, so every payload starts with a mode byte
// and the uncompressed length as a uint32. Input that LZ4 cannot shrink is
// stored raw.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4HeaderLen+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(dst[1:lz4HeaderLen], uint32(len(data)))
	n, err := lz4.CompressBlock(data, dst[lz4HeaderLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		dst[0] = lz4ModeRaw
		n = copy(dst[lz4HeaderLen:], data)
		return dst[:lz4HeaderLen+n], nil
	}
	dst[0] = lz4ModeBlock
	return dst[:lz4HeaderLen+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < lz4HeaderLen {
		return nil, fmt.Errorf("lz4 decompress error: payload too short (%d bytes)", len(data))
	}
	size := binary.LittleEndian.Uint32(data[1:lz4HeaderLen])
	body := data[lz4HeaderLen:]
	switch data[0] {
	case lz4ModeRaw:
		if int(size) != len(body) {
			return nil, fmt.Errorf("lz4 decompress error: raw length %d, want %d", len(body), size)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	case lz4ModeBlock:
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown mode %d", data[0])
	}
	if size > maxLZ4Decoded {
		return nil, fmt.Errorf("lz4 decompress error: declared size %d exceeds limit", size)
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", n, size)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
