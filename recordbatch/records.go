package recordbatch

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordHeader is a key/value header attached to a record.
type RecordHeader struct {
	Key   string
	Value []byte
}

// Record is a decoded record with absolute offset and timestamp.
type Record struct {
	Offset    int64
	Timestamp int64
	Key       []byte
	Value     []byte
	Headers   []RecordHeader
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.b)
	if n <= 0 {
		r.err = fmt.Errorf("%w: bad varint", ErrCorrupt)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) readBytes(n int64) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 {
		return nil
	}
	if n > int64(len(r.b)) {
		r.err = ErrTruncated
		return nil
	}
	out := r.b[:n:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) readByte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.b) == 0 {
		r.err = ErrTruncated
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

// Records decodes every record in a batch, decompressing if needed.
func Records(batch []byte) ([]Record, error) {
	h, err := ParseHeader(batch)
	if err != nil {
		return nil, err
	}
	if h.Size() > len(batch) {
		return nil, ErrTruncated
	}
	body, err := Decompress(h.Compression(), batch[HeaderSize:h.Size()])
	if err != nil {
		return nil, err
	}
	r := &reader{b: body}
	records := make([]Record, 0, h.RecordCount)
	for i := int32(0); i < h.RecordCount; i++ {
		length := r.varint()
		rec := &reader{b: r.readBytes(length)}
		if r.err != nil {
			return nil, r.err
		}
		rec.readByte() // attributes, unused
		tsDelta := rec.varint()
		offsetDelta := rec.varint()
		key := rec.readBytes(rec.varint())
		value := rec.readBytes(rec.varint())
		headerCount := rec.varint()
		var headers []RecordHeader
		for j := int64(0); j < headerCount && rec.err == nil; j++ {
			hk := rec.readBytes(rec.varint())
			hv := rec.readBytes(rec.varint())
			headers = append(headers, RecordHeader{Key: string(hk), Value: hv})
		}
		if rec.err != nil {
			return nil, fmt.Errorf("record %d: %w", i, rec.err)
		}
		records = append(records, Record{
			Offset:    h.BaseOffset + offsetDelta,
			Timestamp: h.BaseTimestamp + tsDelta,
			Key:       key,
			Value:     value,
			Headers:   headers,
		})
	}
	return records, nil
}

func appendBytes(b []byte, v []byte) []byte {
	if v == nil {
		return binary.AppendVarint(b, -1)
	}
	b = binary.AppendVarint(b, int64(len(v)))
	return append(b, v...)
}

// Build encodes records into a single batch. Offsets and timestamps are stored relative to the
// first record.
func Build(records []Record, codec Codec) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrCorrupt)
	}
	base := records[0]
	maxTimestamp := base.Timestamp
	var body []byte
	for _, rec := range records {
		if rec.Timestamp > maxTimestamp {
			maxTimestamp = rec.Timestamp
		}
		var rb []byte
		rb = append(rb, 0)
		rb = binary.AppendVarint(rb, rec.Timestamp-base.Timestamp)
		rb = binary.AppendVarint(rb, rec.Offset-base.Offset)
		rb = appendBytes(rb, rec.Key)
		rb = appendBytes(rb, rec.Value)
		rb = binary.AppendVarint(rb, int64(len(rec.Headers)))
		for _, hdr := range rec.Headers {
			rb = appendBytes(rb, []byte(hdr.Key))
			rb = appendBytes(rb, hdr.Value)
		}
		body = binary.AppendVarint(body, int64(len(rb)))
		body = append(body, rb...)
	}
	body, err := Compress(codec, body)
	if err != nil {
		return nil, err
	}

	out := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.BigEndian.PutUint64(out[offsetBaseOffset:], uint64(base.Offset))
	binary.BigEndian.PutUint32(out[offsetLength:], uint32(HeaderSize-LogOverhead+len(body)))
	binary.BigEndian.PutUint32(out[offsetLeaderEpoch:], 0)
	out[offsetMagic] = MagicV2
	binary.BigEndian.PutUint16(out[offsetAttributes:], uint16(codec)&compressionMask)
	binary.BigEndian.PutUint32(out[offsetLastOffsetDelta:], uint32(records[len(records)-1].Offset-base.Offset))
	binary.BigEndian.PutUint64(out[offsetBaseTimestamp:], uint64(base.Timestamp))
	binary.BigEndian.PutUint64(out[offsetMaxTimestamp:], uint64(maxTimestamp))
	binary.BigEndian.PutUint64(out[offsetProducerID:], ^uint64(0))
	binary.BigEndian.PutUint16(out[offsetProducerEpoch:], ^uint16(0))
	binary.BigEndian.PutUint32(out[offsetBaseSequence:], ^uint32(0))
	binary.BigEndian.PutUint32(out[offsetRecordCount:], uint32(len(records)))
	out = append(out, body...)
	binary.BigEndian.PutUint32(out[offsetCRC:], crc32.Checksum(out[offsetAttributes:], castagnoli))
	return out, nil
}
