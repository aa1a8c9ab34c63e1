package compressors

import (
	"fmt"
	"sync"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements core.Compressor using Zstandard. Encoder and
// decoder are shared by all instances; EncodeAll and DecodeAll are safe for
// concurrent use.
type ZstdCompressor struct{}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func initZstd() error {
	zstdOnce.Do(func() {
		zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdInitErr != nil {
			return
		}
		zstdDecoder, zstdInitErr = zstd.NewReader(nil)
	})
	return zstdInitErr
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if err := initZstd(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	if err := initZstd(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
