package compressors

import (
	"fmt"

	"github.com/INLOpen/nexusrelay/core"
)

// ForType returns the compressor for ct.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	}
	return nil, fmt.Errorf("unsupported compression type %s", ct)
}
