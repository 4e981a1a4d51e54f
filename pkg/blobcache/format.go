package blobcache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire format constants, per spec: the data file begins with an 18-byte
// ASCII magic header; every other on-disk shape is unframed and headerless.
const (
	dataFileMagic = "blob.cache.data.01"

	payloadTypeStructured byte = 0
	payloadTypeRaw        byte = 1

	walOpDelete byte = 0
	walOpPut    byte = 1
)

// errTruncated is returned by the decode* helpers when fewer bytes
// remain in the stream than a size field declares. It is never
// returned to callers of the public API: the recovery engine treats it
// as a clean end-of-stream, per spec (a truncated WAL/index tail is
// absorbed, not fatal).
var errTruncated = errors.New("blobcache: truncated record")

// frame is the decoded shape of one data-file record.
type frame struct {
	isRaw      bool
	compressed []byte
}

// encodeFrame serializes a frame: 1-byte discriminator, 4-byte LE
// compressed length, compressed bytes.
func encodeFrame(isRaw bool, compressed []byte) []byte {
	buf := make([]byte, 1+4+len(compressed))

	if isRaw {
		buf[0] = payloadTypeRaw
	} else {
		buf[0] = payloadTypeStructured
	}

	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(compressed)))
	copy(buf[5:], compressed)

	return buf
}

// decodeFrame reads exactly one frame from r (a seeked reader positioned
// at the discriminator byte). It returns ErrCorruptRecord if the
// discriminator is not 0 or 1.
func decodeFrame(r io.Reader) (frame, error) {
	var head [5]byte

	_, err := io.ReadFull(r, head[:])
	if err != nil {
		return frame{}, err
	}

	disc := head[0]
	if disc != payloadTypeStructured && disc != payloadTypeRaw {
		return frame{}, fmt.Errorf("%w: payload discriminator %d", ErrCorruptRecord, disc)
	}

	length := binary.LittleEndian.Uint32(head[1:5])

	compressed := make([]byte, length)

	_, err = io.ReadFull(r, compressed)
	if err != nil {
		return frame{}, fmt.Errorf("%w: reading %d byte payload: %v", ErrCorruptRecord, length, err)
	}

	return frame{isRaw: disc == payloadTypeRaw, compressed: compressed}, nil
}

// indexRecord is one decoded entry from the index-file snapshot.
type indexRecord struct {
	key     string
	start   uint64
	length  uint32
	expires uint32
}

// encodeIndexRecord serializes one index-file record: 4-byte LE key
// length, key bytes, 8-byte LE start, 4-byte LE length, 4-byte LE
// expires.
func encodeIndexRecord(key string, e indexEntry) []byte {
	keyBytes := []byte(key)
	buf := make([]byte, 4+len(keyBytes)+8+4+4)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(keyBytes)))
	copy(buf[4:], keyBytes)

	off := 4 + len(keyBytes)
	binary.LittleEndian.PutUint64(buf[off:off+8], e.start)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], e.length)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], e.expires)

	return buf
}

// decodeIndexRecord reads one record from r. It returns errTruncated
// (also when the stream ends cleanly between records) when
// fewer bytes remain than a size field declares, and ErrCorruptRecord
// when the key length is zero.
func decodeIndexRecord(r *bufio.Reader) (indexRecord, error) {
	keyLen, err := readUint32(r)
	if err != nil {
		return indexRecord{}, err
	}

	if keyLen == 0 {
		return indexRecord{}, fmt.Errorf("%w: zero-length key", ErrCorruptRecord)
	}

	key, err := readExact(r, int(keyLen))
	if err != nil {
		return indexRecord{}, err
	}

	rest, err := readExact(r, 8+4+4)
	if err != nil {
		return indexRecord{}, err
	}

	return indexRecord{
		key:     string(key),
		start:   binary.LittleEndian.Uint64(rest[0:8]),
		length:  binary.LittleEndian.Uint32(rest[8:12]),
		expires: binary.LittleEndian.Uint32(rest[12:16]),
	}, nil
}

// walRecord is one decoded entry from the WAL.
type walRecord struct {
	key    string
	delete bool
	entry  indexRecord // zero value when delete is true
}

// encodeWALPut serializes a put record: 4-byte LE key length, key
// bytes, op byte 1, 8-byte LE start, 4-byte LE length, 4-byte LE
// expires.
func encodeWALPut(key string, e indexEntry) []byte {
	keyBytes := []byte(key)
	buf := make([]byte, 4+len(keyBytes)+1+8+4+4)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(keyBytes)))
	copy(buf[4:], keyBytes)

	off := 4 + len(keyBytes)
	buf[off] = walOpPut

	binary.LittleEndian.PutUint64(buf[off+1:off+9], e.start)
	binary.LittleEndian.PutUint32(buf[off+9:off+13], e.length)
	binary.LittleEndian.PutUint32(buf[off+13:off+17], e.expires)

	return buf
}

// encodeWALDelete serializes a tombstone record: 4-byte LE key length,
// key bytes, op byte 0.
func encodeWALDelete(key string) []byte {
	keyBytes := []byte(key)
	buf := make([]byte, 4+len(keyBytes)+1)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(keyBytes)))
	copy(buf[4:], keyBytes)
	buf[4+len(keyBytes)] = walOpDelete

	return buf
}

// decodeWALRecord reads one record from r, per the rules in
// decodeIndexRecord plus the op-flag byte and its conditional payload.
func decodeWALRecord(r *bufio.Reader) (walRecord, error) {
	keyLen, err := readUint32(r)
	if err != nil {
		return walRecord{}, err
	}

	if keyLen == 0 {
		return walRecord{}, fmt.Errorf("%w: zero-length key", ErrCorruptRecord)
	}

	key, err := readExact(r, int(keyLen))
	if err != nil {
		return walRecord{}, err
	}

	opByte, err := r.ReadByte()
	if err != nil {
		return walRecord{}, errTruncated
	}

	switch opByte {
	case walOpDelete:
		return walRecord{key: string(key), delete: true}, nil
	case walOpPut:
		rest, err := readExact(r, 8+4+4)
		if err != nil {
			return walRecord{}, err
		}

		return walRecord{
			key: string(key),
			entry: indexRecord{
				start:   binary.LittleEndian.Uint64(rest[0:8]),
				length:  binary.LittleEndian.Uint32(rest[8:12]),
				expires: binary.LittleEndian.Uint32(rest[12:16]),
			},
		}, nil
	default:
		return walRecord{}, fmt.Errorf("%w: wal op flag %d", ErrCorruptRecord, opByte)
	}
}

// readUint32 reads a 4-byte LE size-prefix field. A clean EOF (zero
// bytes read) is reported via errTruncated so callers at the top of a
// record loop can treat it as end-of-stream; a partial read is a
// truncated tail too.
func readUint32(r *bufio.Reader) (uint32, error) {
	var buf [4]byte

	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return 0, errTruncated
		}

		return 0, errTruncated
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

// readExact reads exactly n bytes, reporting a short read as
// errTruncated rather than a hard error: a WAL or index file may
// legitimately end mid-record if the writer crashed.
func readExact(r *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)

	_, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, errTruncated
	}

	return buf, nil
}
