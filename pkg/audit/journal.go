// ABOUTME: Append-only audit journal file used as a durable local Sink
// ABOUTME: CRC32-framed entries with LSNs recovered on open and torn tails trimmed

package audit

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrCorrupted indicates a journal entry whose CRC does not match
	ErrCorrupted = errors.New("journal: corrupted entry")

	// ErrTruncated indicates the journal ends in a partially written entry
	ErrTruncated = errors.New("journal: truncated entry")

	// ErrJournalClosed indicates an append on a closed journal
	ErrJournalClosed = errors.New("journal: closed")
)

const (
	// Layout: LSN(8) + PayloadLen(4)
	entryHeaderSize = 12
	entryCRCSize    = 4

	// maxPayloadSize bounds a single record; larger lengths mean a bad header
	maxPayloadSize = 16 << 20
)

// Entry is one framed journal record.
type Entry struct {
	LSN     uint64
	Payload []byte
}

// Encode frames the entry as [LSN][len][payload][CRC32].
func (e *Entry) Encode() []byte {
	buf := make([]byte, entryHeaderSize+len(e.Payload)+entryCRCSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(e.Payload)))
	copy(buf[entryHeaderSize:], e.Payload)

	end := entryHeaderSize + len(e.Payload)
	binary.LittleEndian.PutUint32(buf[end:], crc32.ChecksumIEEE(buf[:end]))
	return buf
}

// Record decodes the payload as an audit record.
func (e *Entry) Record() (Record, error) {
	var rec Record
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decode journal entry %d: %w", e.LSN, err)
	}
	return rec, nil
}

// Journal appends audit records to a single file, fsyncing each one.
type Journal struct {
	Path string

	mu     sync.Mutex
	fd     *os.File
	lsn    uint64
	closed bool
}

// OpenJournal opens or creates the journal at path. A torn tail left by a
// crash mid-append is cut off so later appends stay readable.
func OpenJournal(path string) (*Journal, error) {
	j := &Journal{Path: path}
	if err := j.Open(); err != nil {
		return nil, err
	}
	return j, nil
}

// Open opens or creates the journal file and recovers the last LSN.
func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.Path), 0755); err != nil {
		return err
	}
	fd, err := os.OpenFile(j.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}

	lastLSN, goodOffset, err := scan(fd, nil)
	if err != nil && !errors.Is(err, ErrTruncated) {
		fd.Close()
		return err
	}
	if errors.Is(err, ErrTruncated) {
		if err := fd.Truncate(goodOffset); err != nil {
			fd.Close()
			return fmt.Errorf("trim torn journal tail: %w", err)
		}
	}
	if _, err := fd.Seek(goodOffset, io.SeekStart); err != nil {
		fd.Close()
		return err
	}

	j.fd = fd
	j.lsn = lastLSN
	j.closed = false
	return nil
}

// LastLSN returns the LSN of the last appended entry.
func (j *Journal) LastLSN() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lsn
}

// Append writes and fsyncs one payload, returning its LSN.
func (j *Journal) Append(payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || j.fd == nil {
		return 0, ErrJournalClosed
	}
	if len(payload) > maxPayloadSize {
		return 0, fmt.Errorf("journal: payload of %d bytes exceeds limit", len(payload))
	}

	entry := Entry{LSN: j.lsn + 1, Payload: payload}
	if _, err := j.fd.Write(entry.Encode()); err != nil {
		return 0, err
	}
	if err := j.fd.Sync(); err != nil {
		return 0, err
	}
	j.lsn = entry.LSN
	return entry.LSN, nil
}

// Record implements Sink.
func (j *Journal) Record(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record %s: %w", rec.ID, err)
	}
	_, err = j.Append(payload)
	return err
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || j.fd == nil {
		return nil
	}
	j.closed = true
	return j.fd.Close()
}

// ReadAll reads every entry of the journal at path. On a torn tail it
// returns the entries before it together with ErrTruncated; on a CRC
// mismatch it stops with ErrCorrupted.
func ReadAll(path string) ([]*Entry, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	var entries []*Entry
	_, _, err = scan(fd, func(e *Entry) { entries = append(entries, e) })
	return entries, err
}

// scan walks the file from the start and returns the last good LSN and the
// offset just past the last good entry.
func scan(r io.Reader, visit func(*Entry)) (uint64, int64, error) {
	br := bufio.NewReader(r)
	var (
		lastLSN uint64
		offset  int64
	)
	header := make([]byte, entryHeaderSize)

	for {
		n, err := io.ReadFull(br, header)
		if err == io.EOF {
			return lastLSN, offset, nil
		}
		if err != nil {
			if n > 0 {
				return lastLSN, offset, ErrTruncated
			}
			return lastLSN, offset, err
		}

		lsn := binary.LittleEndian.Uint64(header[0:8])
		size := binary.LittleEndian.Uint32(header[8:12])
		if size > maxPayloadSize {
			return lastLSN, offset, fmt.Errorf("%w at offset %d: payload length %d", ErrCorrupted, offset, size)
		}

		rest := make([]byte, int(size)+entryCRCSize)
		if _, err := io.ReadFull(br, rest); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return lastLSN, offset, ErrTruncated
			}
			return lastLSN, offset, err
		}

		framed := append(header[:entryHeaderSize:entryHeaderSize], rest[:size]...)
		stored := binary.LittleEndian.Uint32(rest[size:])
		if crc32.ChecksumIEEE(framed) != stored {
			return lastLSN, offset, fmt.Errorf("%w at offset %d (lsn %d)", ErrCorrupted, offset, lsn)
		}
		if lsn <= lastLSN {
			return lastLSN, offset, fmt.Errorf("%w at offset %d: lsn %d after %d", ErrCorrupted, offset, lsn, lastLSN)
		}

		if visit != nil {
			payload := make([]byte, size)
			copy(payload, rest[:size])
			visit(&Entry{LSN: lsn, Payload: payload})
		}
		lastLSN = lsn
		offset += int64(entryHeaderSize) + int64(size) + entryCRCSize
	}
}
