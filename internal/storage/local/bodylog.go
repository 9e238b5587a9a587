// Package local provides a single-node, disk-backed implementation of
// storage.Engine. Pointer rows, shard metadata, shard counters, and the
// audit log live in a bbolt database (pointers.go); message bodies —
// heavier, deduplicated across regions, and naturally append-only — live in
// a separate append-only log file with a write-ahead log for crash safety
// and a bbolt-backed offset index, following the body/pointer split called
// out in the governing design notes.
package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/apache/qakka/internal/storage"
)

// bodyLogVersion identifies the binary format written to bodies.dat.
const bodyLogVersion uint8 = 1

// bodyFixedHeaderSize is the fixed part of each entry (after the 4-byte
// totalLen prefix, before variable-length fields):
//
//	[version:1][writtenAt:8][msgIDLen:2][contentTypeLen:2][dataLen:4]
const bodyFixedHeaderSize = 1 + 8 + 2 + 2 + 4

// bodyEntry is one decoded record from the body log.
type bodyEntry struct {
	MessageID   string
	Data        []byte
	ContentType string
	WrittenAt   int64
}

// bodyLog is an append-only file storing message_data rows.
//
// Each entry is a length-prefixed binary record:
//
//	[totalLen    : 4 bytes, uint32, big-endian]
//	[version     : 1 byte]
//	[writtenAt   : 8 bytes, int64]
//	[msgIDLen    : 2 bytes, uint16]
//	[contentTypeLen : 2 bytes, uint16]
//	[dataLen     : 4 bytes, uint32]
//	--- variable length ---
//	[messageId   : msgIDLen bytes]
//	[contentType : contentTypeLen bytes]
//	[data        : dataLen bytes]
//	--- integrity ---
//	[checksum : 4 bytes, uint32, CRC32 of everything above]
type bodyLog struct {
	mu   sync.Mutex
	file *os.File
	path string
	seq  atomic.Uint64
}

func openBodyLog(path string) (*bodyLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("bodylog: open %s: %w", path, err)
	}
	l := &bodyLog{file: f, path: path}
	if err := l.replayCount(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("bodylog: replay %s: %w", path, err)
	}
	return l, nil
}

// Append serialises b to the log and returns the byte offset of the entry.
func (l *bodyLog) Append(b *bodyEntry) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := encodeBodyEntry(b)

	offset, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("bodylog: seek end: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(entry)))
	if _, err := l.file.Write(lenBuf[:]); err != nil {
		return 0, fmt.Errorf("bodylog: write len prefix: %w", err)
	}
	if _, err := l.file.Write(entry); err != nil {
		return 0, fmt.Errorf("bodylog: write entry: %w", err)
	}
	l.seq.Add(1)
	return offset, nil
}

// ReadAt reads and decodes the entry at the given byte offset.
func (l *bodyLog) ReadAt(offset int64) (*bodyEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAt(offset)
}

func (l *bodyLog) readAt(offset int64) (*bodyEntry, error) {
	var lenBuf [4]byte
	if _, err := l.file.ReadAt(lenBuf[:], offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("bodylog: read len prefix at %d: %w", offset, err)
	}
	entryLen := binary.BigEndian.Uint32(lenBuf[:])
	if entryLen == 0 {
		return nil, storage.ErrNotFound
	}

	buf := make([]byte, entryLen)
	if _, err := l.file.ReadAt(buf, offset+4); err != nil {
		return nil, fmt.Errorf("bodylog: read entry at %d: %w", offset, err)
	}
	return decodeBodyEntry(buf)
}

// ReadAll calls fn for every valid entry in the log, in order. Iteration
// stops early if fn returns a non-nil error.
func (l *bodyLog) ReadAll(fn func(offset int64, b *bodyEntry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var offset int64
	for {
		b, err := l.readAt(offset)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrCorrupted) {
				break
			}
			return fmt.Errorf("bodylog: ReadAll at offset %d: %w", offset, err)
		}

		var lenBuf [4]byte
		if _, err := l.file.ReadAt(lenBuf[:], offset); err != nil {
			break
		}
		entryLen := binary.BigEndian.Uint32(lenBuf[:])
		entryOffset := offset
		offset += 4 + int64(entryLen)

		if err := fn(entryOffset, b); err != nil {
			return err
		}
	}
	return nil
}

// Reopen closes the current file and reopens the file at path. Used by the
// GC compactor after atomically renaming the rewritten log into place.
func (l *bodyLog) Reopen(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("bodylog: sync before reopen: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("bodylog: close before reopen: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("bodylog: reopen %s: %w", path, err)
	}
	l.file = f
	l.path = path
	return nil
}

func (l *bodyLog) Path() string { return l.path }

func (l *bodyLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

func (l *bodyLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("bodylog: sync: %w", err)
	}
	return l.file.Close()
}

// replayCount scans the log purely to exercise the same crash-tolerant
// trailing-entry handling as the donor log format; bodyLog does not need a
// restored monotone counter (messageID, not log index, is the identity).
func (l *bodyLog) replayCount() error {
	var offset int64
	for {
		var lenBuf [4]byte
		_, err := l.file.ReadAt(lenBuf[:], offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			break
		}
		entryLen := binary.BigEndian.Uint32(lenBuf[:])
		if entryLen == 0 {
			break
		}
		offset += 4 + int64(entryLen)
	}
	return nil
}

func encodeBodyEntry(b *bodyEntry) []byte {
	msgID := []byte(b.MessageID)
	ct := []byte(b.ContentType)

	total := bodyFixedHeaderSize + len(msgID) + len(ct) + len(b.Data) + 4
	buf := make([]byte, 0, total)
	w := &byteWriter{buf: buf}

	w.writeByte(bodyLogVersion)
	w.writeInt64(b.WrittenAt)
	w.writeUint16(uint16(len(msgID)))
	w.writeUint16(uint16(len(ct)))
	w.writeUint32(uint32(len(b.Data)))
	w.write(msgID)
	w.write(ct)
	w.write(b.Data)

	checksum := crc32.ChecksumIEEE(w.buf)
	w.writeUint32(checksum)
	return w.buf
}

func decodeBodyEntry(buf []byte) (*bodyEntry, error) {
	if len(buf) < bodyFixedHeaderSize+4 {
		return nil, fmt.Errorf("bodylog: entry too short (%d bytes): %w", len(buf), storage.ErrCorrupted)
	}

	storedCRC := binary.BigEndian.Uint32(buf[len(buf)-4:])
	computedCRC := crc32.ChecksumIEEE(buf[:len(buf)-4])
	if storedCRC != computedCRC {
		return nil, fmt.Errorf("bodylog: checksum mismatch (stored=%x computed=%x): %w",
			storedCRC, computedCRC, storage.ErrCorrupted)
	}

	r := &byteReader{buf: buf}
	version := r.readByte()
	if version != bodyLogVersion {
		return nil, fmt.Errorf("bodylog: unsupported version %d", version)
	}

	b := &bodyEntry{}
	b.WrittenAt = r.readInt64()
	msgIDLen := int(r.readUint16())
	ctLen := int(r.readUint16())
	dataLen := int(r.readUint32())

	b.MessageID = string(r.read(msgIDLen))
	b.ContentType = string(r.read(ctLen))
	data := r.read(dataLen)
	b.Data = make([]byte, dataLen)
	copy(b.Data, data)

	return b, nil
}

// ---- minimal byte-level writer / reader ------------------------------------

type byteWriter struct{ buf []byte }

func (w *byteWriter) writeByte(v byte)     { w.buf = append(w.buf, v) }
func (w *byteWriter) write(v []byte)       { w.buf = append(w.buf, v...) }
func (w *byteWriter) writeUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *byteWriter) writeUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) writeUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *byteWriter) writeInt64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

type byteReader struct {
	buf    []byte
	offset int
}

func (r *byteReader) readByte() byte {
	v := r.buf[r.offset]
	r.offset++
	return v
}
func (r *byteReader) read(n int) []byte {
	v := r.buf[r.offset : r.offset+n]
	r.offset += n
	return v
}
func (r *byteReader) readUint16() uint16 {
	v := binary.BigEndian.Uint16(r.buf[r.offset:])
	r.offset += 2
	return v
}
func (r *byteReader) readUint32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.offset:])
	r.offset += 4
	return v
}
func (r *byteReader) readInt64() int64 {
	v := binary.BigEndian.Uint64(r.buf[r.offset:])
	r.offset += 8
	return int64(v)
}
