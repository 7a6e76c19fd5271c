package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/hupe1980/embedb/codec"
	"github.com/hupe1980/embedb/metadata"
	"github.com/hupe1980/embedb/model"
)

var (
	ErrInvalidCRC     = errors.New("invalid log frame checksum")
	ErrShortRead      = errors.New("short read in log frame")
	ErrRecordTooLarge = errors.New("log frame too large")
)

const (
	// frameHeaderSize is crc(4) + flags(1) + offset(8) + len(4).
	frameHeaderSize = 17
	maxPayloadSize  = 100 * 1024 * 1024

	flagCompressionMask = 0x03
)

const (
	recordHasEmbedding = 1 << iota
	recordHasMetadata
)

// encodeFrame appends one frame carrying rec at offset to dst.
func encodeFrame(dst []byte, offset int64, rec *model.OperationRecord, c codec.Codec, comp codec.Compression) ([]byte, error) {
	payload, err := encodeRecord(rec, c)
	if err != nil {
		return nil, err
	}
	if payload, err = comp.Compress(payload); err != nil {
		return nil, fmt.Errorf("compress record %q: %w", rec.ID, err)
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}

	var hdr [frameHeaderSize]byte
	hdr[4] = byte(comp) & flagCompressionMask
	binary.LittleEndian.PutUint64(hdr[5:], uint64(offset))
	binary.LittleEndian.PutUint32(hdr[13:], uint32(len(payload)))

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(payload)
	binary.LittleEndian.PutUint32(hdr[0:], crc.Sum32())

	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// frameInfo is the decoded header of a frame.
type frameInfo struct {
	flags  byte
	offset int64
	length uint32
}

// readFrame reads and verifies the next frame from r, returning its header
// and raw (still compressed) payload.
func readFrame(r io.Reader) (frameInfo, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return frameInfo{}, nil, ErrShortRead
		}
		return frameInfo{}, nil, err
	}

	fi := frameInfo{
		flags:  hdr[4],
		offset: int64(binary.LittleEndian.Uint64(hdr[5:])),
		length: binary.LittleEndian.Uint32(hdr[13:]),
	}
	if fi.length > maxPayloadSize {
		return fi, nil, ErrRecordTooLarge
	}

	payload := make([]byte, fi.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fi, nil, ErrShortRead
	}

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(payload)
	if crc.Sum32() != binary.LittleEndian.Uint32(hdr[0:]) {
		return fi, nil, ErrInvalidCRC
	}
	return fi, payload, nil
}

func decodeFrame(fi frameInfo, payload []byte, c codec.Codec) (model.LogRecord, error) {
	comp := codec.Compression(fi.flags & flagCompressionMask)
	raw, err := comp.Decompress(payload)
	if err != nil {
		return model.LogRecord{}, fmt.Errorf("decompress offset %d: %w", fi.offset, err)
	}
	rec, err := decodeRecord(raw, c)
	if err != nil {
		return model.LogRecord{}, fmt.Errorf("decode offset %d: %w", fi.offset, err)
	}
	return model.LogRecord{LogOffset: fi.offset, Record: rec}, nil
}

// Record payload layout:
//
//	[op u8][encoding u8][flags u8][idLen u32][id][dim u32][vector dim*4][metaLen u32][metadata]
func encodeRecord(rec *model.OperationRecord, c codec.Codec) ([]byte, error) {
	var meta []byte
	var flags byte
	if rec.Embedding != nil {
		flags |= recordHasEmbedding
	}
	if rec.Metadata != nil {
		flags |= recordHasMetadata
		var err error
		if meta, err = c.Marshal(rec.Metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata of %q: %w", rec.ID, err)
		}
	}

	buf := make([]byte, 0, 3+4+len(rec.ID)+4+4*len(rec.Embedding)+4+len(meta))
	buf = append(buf, byte(rec.Operation), byte(rec.Encoding), flags)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.ID)))
	buf = append(buf, rec.ID...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Embedding)))
	for _, v := range rec.Embedding {
		if rec.Encoding == model.EncodingInt32 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
		} else {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(meta)))
	return append(buf, meta...), nil
}

func decodeRecord(p []byte, c codec.Codec) (model.OperationRecord, error) {
	var rec model.OperationRecord
	if len(p) < 7 {
		return rec, ErrShortRead
	}
	rec.Operation = model.Operation(p[0])
	rec.Encoding = model.ScalarEncoding(p[1])
	flags := p[2]
	if !rec.Operation.Valid() {
		return rec, fmt.Errorf("invalid operation %d", p[0])
	}
	pos := 3

	idLen := int(binary.LittleEndian.Uint32(p[pos:]))
	pos += 4
	if len(p) < pos+idLen+4 {
		return rec, ErrShortRead
	}
	rec.ID = string(p[pos : pos+idLen])
	pos += idLen

	dim := int(binary.LittleEndian.Uint32(p[pos:]))
	pos += 4
	if len(p) < pos+4*dim+4 {
		return rec, ErrShortRead
	}
	if flags&recordHasEmbedding != 0 {
		rec.Embedding = make([]float32, dim)
		for i := range rec.Embedding {
			bits := binary.LittleEndian.Uint32(p[pos:])
			if rec.Encoding == model.EncodingInt32 {
				rec.Embedding[i] = float32(int32(bits))
			} else {
				rec.Embedding[i] = math.Float32frombits(bits)
			}
			pos += 4
		}
	} else {
		pos += 4 * dim
	}

	metaLen := int(binary.LittleEndian.Uint32(p[pos:]))
	pos += 4
	if len(p) < pos+metaLen {
		return rec, ErrShortRead
	}
	if flags&recordHasMetadata != 0 {
		md := metadata.Metadata{}
		if err := c.Unmarshal(p[pos:pos+metaLen], &md); err != nil {
			return rec, fmt.Errorf("unmarshal metadata of %q: %w", rec.ID, err)
		}
		rec.Metadata = md
	}
	return rec, nil
}
