// Package recordbatch reads and writes Kafka v2 record batches.
//
// The broker stores produced batches verbatim, so most of the work here is header access: finding
// batch boundaries, stamping the base offset, and counting records. Full record decoding (with
// decompression) is only needed by the compactor and by tests that inspect what was stored.
package recordbatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// HeaderSize is the size of the fixed part of a v2 batch.
	HeaderSize = 61
	// MagicV2 is the only supported message format.
	MagicV2 = 2

	// LogOverhead is the number of bytes before the batch length is counted: base offset + length.
	LogOverhead = 12

	offsetBaseOffset      = 0
	offsetLength          = 8
	offsetLeaderEpoch     = 12
	offsetMagic           = 16
	offsetCRC             = 17
	offsetAttributes      = 21
	offsetLastOffsetDelta = 23
	offsetBaseTimestamp   = 27
	offsetMaxTimestamp    = 35
	offsetProducerID      = 43
	offsetProducerEpoch   = 51
	offsetBaseSequence    = 53
	offsetRecordCount     = 57

	compressionMask   = 0x07
	timestampTypeMask = 0x08
	transactionalMask = 0x10
	controlMask       = 0x20
)

var (
	ErrTruncated        = errors.New("record batch is truncated")
	ErrUnsupportedMagic = errors.New("unsupported record batch magic")
	ErrCorrupt          = errors.New("record batch is corrupt")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header is the fixed part of a v2 batch.
type Header struct {
	BaseOffset           int64
	Length               int32
	PartitionLeaderEpoch int32
	Magic                int8
	CRC                  uint32
	Attributes           int16
	LastOffsetDelta      int32
	BaseTimestamp        int64
	MaxTimestamp         int64
	ProducerID           int64
	ProducerEpoch        int16
	BaseSequence         int32
	RecordCount          int32
}

// Compression returns the codec encoded in the attributes.
func (h Header) Compression() Codec {
	return Codec(h.Attributes & compressionMask)
}

// IsTransactional reports whether the batch belongs to a transaction.
func (h Header) IsTransactional() bool {
	return h.Attributes&transactionalMask != 0
}

// IsControl reports whether the batch holds control records.
func (h Header) IsControl() bool {
	return h.Attributes&controlMask != 0
}

// LogAppendTime reports whether timestamps were assigned by the broker.
func (h Header) LogAppendTime() bool {
	return h.Attributes&timestampTypeMask != 0
}

// NextOffset is the offset following the last record of the batch.
func (h Header) NextOffset() int64 {
	return h.BaseOffset + int64(h.LastOffsetDelta) + 1
}

// Size is the total encoded size of the batch.
func (h Header) Size() int {
	return int(h.Length) + LogOverhead
}

// ParseHeader decodes the fixed header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}
	h := Header{
		BaseOffset:           int64(binary.BigEndian.Uint64(b[offsetBaseOffset:])),
		Length:               int32(binary.BigEndian.Uint32(b[offsetLength:])),
		PartitionLeaderEpoch: int32(binary.BigEndian.Uint32(b[offsetLeaderEpoch:])),
		Magic:                int8(b[offsetMagic]),
		CRC:                  binary.BigEndian.Uint32(b[offsetCRC:]),
		Attributes:           int16(binary.BigEndian.Uint16(b[offsetAttributes:])),
		LastOffsetDelta:      int32(binary.BigEndian.Uint32(b[offsetLastOffsetDelta:])),
		BaseTimestamp:        int64(binary.BigEndian.Uint64(b[offsetBaseTimestamp:])),
		MaxTimestamp:         int64(binary.BigEndian.Uint64(b[offsetMaxTimestamp:])),
		ProducerID:           int64(binary.BigEndian.Uint64(b[offsetProducerID:])),
		ProducerEpoch:        int16(binary.BigEndian.Uint16(b[offsetProducerEpoch:])),
		BaseSequence:         int32(binary.BigEndian.Uint32(b[offsetBaseSequence:])),
		RecordCount:          int32(binary.BigEndian.Uint32(b[offsetRecordCount:])),
	}
	if h.Magic != MagicV2 {
		return h, fmt.Errorf("%w: %d", ErrUnsupportedMagic, h.Magic)
	}
	if h.Length < HeaderSize-LogOverhead {
		return h, fmt.Errorf("%w: length %d", ErrCorrupt, h.Length)
	}
	return h, nil
}

// Split breaks a produce payload, which may hold several concatenated batches, into batches.
func Split(data []byte) ([][]byte, error) {
	var batches [][]byte
	for len(data) > 0 {
		h, err := ParseHeader(data)
		if err != nil {
			return nil, err
		}
		if h.Size() > len(data) {
			return nil, fmt.Errorf("%w: batch needs %d bytes, have %d", ErrTruncated, h.Size(), len(data))
		}
		batches = append(batches, data[:h.Size()])
		data = data[h.Size():]
	}
	return batches, nil
}

// Validate checks the CRC of a single batch.
func Validate(batch []byte) error {
	h, err := ParseHeader(batch)
	if err != nil {
		return err
	}
	if h.Size() > len(batch) {
		return ErrTruncated
	}
	if crc32.Checksum(batch[offsetAttributes:h.Size()], castagnoli) != h.CRC {
		return fmt.Errorf("%w: CRC mismatch", ErrCorrupt)
	}
	return nil
}

// SetBaseOffset stamps a new base offset into the batch in place. The CRC does not cover the
// base offset, so the batch stays valid.
func SetBaseOffset(batch []byte, baseOffset int64) {
	binary.BigEndian.PutUint64(batch[offsetBaseOffset:], uint64(baseOffset))
}
