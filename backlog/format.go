package backlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/INLOpen/nexusrelay/compressors"
	"github.com/INLOpen/nexusrelay/core"
)

// maxFrameSize guards against allocating for a corrupt length prefix.
const maxFrameSize = 64 * 1024 * 1024

// ErrCorrupt is wrapped by every validation failure of a backlog file.
var ErrCorrupt = errors.New("corrupt backlog file")

// minFrameSize is the length prefix plus the checksum of an empty payload.
const minFrameSize = 8

// checkRecordCount rejects a header whose record count cannot fit in the
// bodySize bytes that follow it. The count is not checksummed.
func checkRecordCount(header core.FileHeader, bodySize int64) error {
	if int64(header.RecordCount)*minFrameSize > bodySize {
		return fmt.Errorf("%w: header claims %d records in %d bytes", ErrCorrupt, header.RecordCount, bodySize)
	}
	return nil
}

// encodeFile builds the full content of a backlog file:
// header | (length uint32 | payload | crc32 uint32)*
func encodeFile(records []core.Record, compressor core.Compressor) ([]byte, error) {
	var buf bytes.Buffer
	header := core.NewFileHeader(compressor.Type(), len(records))
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	var scratch [4]byte
	for i, r := range records {
		raw, err := encodeRecord(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record %d: %w", i, err)
		}
		payload, err := compressor.Compress(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to compress record %d: %w", i, err)
		}
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(payload)))
		buf.Write(scratch[:])
		buf.Write(payload)
		binary.LittleEndian.PutUint32(scratch[:], crc32.ChecksumIEEE(payload))
		buf.Write(scratch[:])
	}
	return buf.Bytes(), nil
}

func readHeader(r io.Reader) (core.FileHeader, error) {
	var header core.FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return header, fmt.Errorf("%w: failed to read header: %v", ErrCorrupt, err)
	}
	if header.Magic != core.BacklogMagicNumber {
		return header, fmt.Errorf("%w: invalid magic number %#x", ErrCorrupt, header.Magic)
	}
	if header.Version != core.FormatVersion {
		return header, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, header.Version)
	}
	return header, nil
}

// ReadHeader reads and validates the header of the backlog file at path.
func ReadHeader(path string) (core.FileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.FileHeader{}, err
	}
	defer f.Close()
	header, err := readHeader(f)
	if err != nil {
		return header, err
	}
	info, err := f.Stat()
	if err != nil {
		return header, err
	}
	return header, checkRecordCount(header, info.Size()-int64(header.Size()))
}

// ReadFile reads and validates every frame of the backlog file at path.
func ReadFile(path string) (core.FileHeader, []core.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.FileHeader{}, nil, err
	}
	return decodeFile(data)
}

func decodeFile(data []byte) (core.FileHeader, []core.Record, error) {
	r := bytes.NewReader(data)
	header, err := readHeader(r)
	if err != nil {
		return header, nil, err
	}
	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return header, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := checkRecordCount(header, int64(r.Len())); err != nil {
		return header, nil, err
	}

	records := make([]core.Record, 0, header.RecordCount)
	var scratch [4]byte
	for i := uint32(0); i < header.RecordCount; i++ {
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return header, nil, fmt.Errorf("%w: frame %d: failed to read length: %v", ErrCorrupt, i, err)
		}
		length := binary.LittleEndian.Uint32(scratch[:])
		if length > maxFrameSize || int64(length) > int64(r.Len()) {
			return header, nil, fmt.Errorf("%w: frame %d: invalid length %d", ErrCorrupt, i, length)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return header, nil, fmt.Errorf("%w: frame %d: failed to read payload: %v", ErrCorrupt, i, err)
		}
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return header, nil, fmt.Errorf("%w: frame %d: failed to read checksum: %v", ErrCorrupt, i, err)
		}
		if crc := binary.LittleEndian.Uint32(scratch[:]); crc != crc32.ChecksumIEEE(payload) {
			return header, nil, fmt.Errorf("%w: frame %d: checksum mismatch", ErrCorrupt, i)
		}
		raw, err := compressor.Decompress(payload)
		if err != nil {
			return header, nil, fmt.Errorf("%w: frame %d: %v", ErrCorrupt, i, err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return header, nil, fmt.Errorf("%w: frame %d: failed to decode record: %v", ErrCorrupt, i, err)
		}
		records = append(records, rec)
	}
	if r.Len() != 0 {
		return header, nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return header, records, nil
}
