// Package record implements the on-disk format of a single log record.
//
// Every mutation of the store is written as one record:
//
//	| key_len u32 | key | tag u8 | val_len u32 | value | crc32 u32 |
//
// All integers are little-endian. The CRC32 (IEEE) covers every byte that
// precedes it, so a torn or bit-flipped record is always detected.
package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Tag distinguishes value records from tombstones.
type Tag byte

const (
	TagValue     Tag = 0
	TagTombstone Tag = 1
)

const (
	// MaxKeySize is the largest key accepted by the codec (64 KiB).
	MaxKeySize = 64 * 1024

	// MaxValueSize is the largest value accepted by the codec (64 MiB).
	MaxValueSize = 64 * 1024 * 1024

	// Overhead is the number of bytes a record adds on top of key and value.
	Overhead = 4 + 1 + 4 + 4
)

var (
	// ErrCorrupted is returned when a record fails its checksum or carries
	// impossible lengths or tags.
	ErrCorrupted = errors.New("record is corrupted")

	// ErrTruncated is returned when the input ends in the middle of a record.
	ErrTruncated = fmt.Errorf("%w: truncated", ErrCorrupted)
)

// Record is a single log entry: a key and either a value or a tombstone.
type Record struct {
	Key   string
	Value []byte
	Tag   Tag
}

// NewValue creates a value record.
func NewValue(key string, value []byte) Record {
	return Record{Key: key, Value: value, Tag: TagValue}
}

// NewTombstone creates a deletion marker for key.
func NewTombstone(key string) Record {
	return Record{Key: key, Tag: TagTombstone}
}

// IsTombstone reports whether the record marks a deletion.
func (r Record) IsTombstone() bool {
	return r.Tag == TagTombstone
}

// Size returns the encoded length of the record.
func (r Record) Size() int {
	return Overhead + len(r.Key) + len(r.Value)
}

// Encode serializes r. Tombstones never carry a value.
func Encode(r Record) ([]byte, error) {
	if len(r.Key) > MaxKeySize {
		return nil, fmt.Errorf("key of %d bytes exceeds %d", len(r.Key), MaxKeySize)
	}
	if len(r.Value) > MaxValueSize {
		return nil, fmt.Errorf("value of %d bytes exceeds %d", len(r.Value), MaxValueSize)
	}
	if r.Tag != TagValue && r.Tag != TagTombstone {
		return nil, fmt.Errorf("unknown record tag %d", r.Tag)
	}
	value := r.Value
	if r.Tag == TagTombstone {
		value = nil
	}

	buf := make([]byte, Overhead+len(r.Key)+len(value))
	pos := 0
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(r.Key)))
	pos += 4
	pos += copy(buf[pos:], r.Key)
	buf[pos] = byte(r.Tag)
	pos++
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(value)))
	pos += 4
	pos += copy(buf[pos:], value)
	binary.LittleEndian.PutUint32(buf[pos:], crc32.ChecksumIEEE(buf[:pos]))

	return buf, nil
}

// Decode parses exactly one record from buf. Trailing bytes are an error.
func Decode(buf []byte) (Record, error) {
	rec, n, err := decode(buf)
	if err != nil {
		return Record{}, err
	}
	if n != len(buf) {
		return Record{}, fmt.Errorf("%w: %d trailing bytes", ErrCorrupted, len(buf)-n)
	}
	return rec, nil
}

func decode(buf []byte) (Record, int, error) {
	if len(buf) < 4 {
		return Record{}, 0, ErrTruncated
	}
	keyLen := binary.LittleEndian.Uint32(buf)
	if keyLen > MaxKeySize {
		return Record{}, 0, fmt.Errorf("%w: key length %d", ErrCorrupted, keyLen)
	}
	pos := 4 + int(keyLen)
	if len(buf) < pos+5 {
		return Record{}, 0, ErrTruncated
	}
	tag := Tag(buf[pos])
	valLen := binary.LittleEndian.Uint32(buf[pos+1:])
	if tag != TagValue && tag != TagTombstone {
		return Record{}, 0, fmt.Errorf("%w: tag %d", ErrCorrupted, tag)
	}
	if valLen > MaxValueSize || (tag == TagTombstone && valLen != 0) {
		return Record{}, 0, fmt.Errorf("%w: value length %d", ErrCorrupted, valLen)
	}
	end := pos + 5 + int(valLen)
	if len(buf) < end+4 {
		return Record{}, 0, ErrTruncated
	}
	if crc32.ChecksumIEEE(buf[:end]) != binary.LittleEndian.Uint32(buf[end:]) {
		return Record{}, 0, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	rec := Record{
		Key: string(buf[4 : 4+keyLen]),
		Tag: tag,
	}
	if tag == TagValue {
		rec.Value = make([]byte, valLen)
		copy(rec.Value, buf[pos+5:end])
	}
	return rec, end + 4, nil
}

// Reader decodes a stream of records, tracking the offset of each one.
type Reader struct {
	r      *bufio.Reader
	offset int64
}

// NewReader wraps r, which must be positioned at a record boundary.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Offset returns the stream offset of the next record.
func (rd *Reader) Offset() int64 {
	return rd.offset
}

// Next returns the next record together with its offset and encoded length.
// It returns io.EOF at a clean end of stream, ErrTruncated when the stream
// stops inside a record and ErrCorrupted on any validation failure. After an
// error the reader must not be used again.
func (rd *Reader) Next() (rec Record, offset int64, length int, err error) {
	var head [4]byte
	_, err = io.ReadFull(rd.r, head[:])
	if err == io.EOF {
		return Record{}, rd.offset, 0, io.EOF
	}
	if err != nil {
		return Record{}, rd.offset, 0, readErr(err)
	}
	keyLen := binary.LittleEndian.Uint32(head[:])
	if keyLen > MaxKeySize {
		return Record{}, rd.offset, 0, fmt.Errorf("%w: key length %d", ErrCorrupted, keyLen)
	}

	mid := make([]byte, int(keyLen)+5)
	if _, err := io.ReadFull(rd.r, mid); err != nil {
		return Record{}, rd.offset, 0, readErr(err)
	}
	valLen := binary.LittleEndian.Uint32(mid[keyLen+1:])
	if valLen > MaxValueSize {
		return Record{}, rd.offset, 0, fmt.Errorf("%w: value length %d", ErrCorrupted, valLen)
	}

	buf := make([]byte, 4+len(mid)+int(valLen)+4)
	copy(buf, head[:])
	copy(buf[4:], mid)
	if _, err := io.ReadFull(rd.r, buf[4+len(mid):]); err != nil {
		return Record{}, rd.offset, 0, readErr(err)
	}

	rec, length, err = decode(buf)
	if err != nil {
		return Record{}, rd.offset, 0, err
	}
	offset = rd.offset
	rd.offset += int64(length)
	return rec, offset, length, nil
}

func readErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}
