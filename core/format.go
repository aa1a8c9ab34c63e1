package core

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// This file centralizes constants related to the on-disk formats.

const (
	// BacklogMagicNumber identifies a backlog batch file.
	BacklogMagicNumber uint32 = 0x474C4B42 // "BKLG"
	// FormatVersion is the current version of the backlog file format.
	FormatVersion uint8 = 1
)

const (
	// BacklogFilePrefix and BacklogFileSuffix frame the token in a batch
	// file name, e.g. items_0190a5b2c3d47e8f9a0b1c2d3e4f5a6b.data
	BacklogFilePrefix = "items_"
	BacklogFileSuffix = ".data"
	// TempFileSuffix marks files that are still being written.
	TempFileSuffix = ".tmp"
	// CorruptFileSuffix marks files that failed validation on startup.
	CorruptFileSuffix = ".corrupt"
	// LockFileName is the advisory lock held on a backlog directory.
	LockFileName = ".lock"
)

// CompressionType identifies the compression algorithm used for backlog payloads.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", ct)
	}
}

// ParseCompressionType maps a configuration name to a CompressionType.
func ParseCompressionType(name string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", name)
}

// Compressor compresses and decompresses backlog frame payloads.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() CompressionType
}

// FileHeader is written at the start of every backlog file.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
	RecordCount    uint32
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a header stamped with the current time.
func NewFileHeader(compressorType CompressionType, records int) FileHeader {
	return FileHeader{
		Magic:          BacklogMagicNumber,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
		RecordCount:    uint32(records),
	}
}

// BacklogFileName returns the file name for a token.
func BacklogFileName(token string) string {
	return BacklogFilePrefix + token + BacklogFileSuffix
}

// ParseBacklogFileName extracts the token from a batch file name. Tokens are
// restricted to [a-zA-Z0-9]+.
func ParseBacklogFileName(name string) (string, bool) {
	if !strings.HasPrefix(name, BacklogFilePrefix) || !strings.HasSuffix(name, BacklogFileSuffix) {
		return "", false
	}
	token := strings.TrimSuffix(strings.TrimPrefix(name, BacklogFilePrefix), BacklogFileSuffix)
	if token == "" {
		return "", false
	}
	for _, r := range token {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", false
		}
	}
	return token, true
}
