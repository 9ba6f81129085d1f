// Package tuplestream implements the buffered, spillable sequence of rows
// that backs one hash-join partition's build-side (and, during a probe of a
// spilled partition, probe-side) tuples. It generalizes the page-oriented
// stream encoding (stream/stream.go, encoding/stream's write.go and
// scan.go) from a single always-in-memory sequence to one that can be
// unpinned to pagestore and re-read lazily, the way a partition's
// build_rows stream needs to be.
package tuplestream

import (
	"bufio"
	"bytes"

	"github.com/dropbox/godropbox/errors"

	"github.com/ravowlga123/impala/bufpool"
	"github.com/ravowlga123/impala/joinerr"
	"github.com/ravowlga123/impala/pagestore"
	"github.com/ravowlga123/impala/row"
)

// UnpinMode mirrors the write-path distinction between flushing
// everything versus keeping the current (still being appended to) page in
// memory.
type UnpinMode int

const (
	UnpinAll UnpinMode = iota
	UnpinAllExceptCurrent
)

type block struct {
	pageID    int32 // pagestore.InvalidPageID until first flushed to disk.
	buf       []byte
	usedBytes int
	numRows   int
	pinned    bool
}

// Stream is an append-only, then read-once sequence of row.Row values
// belonging to one partition. It is created pinned (fully in memory); a
// caller under memory pressure calls UnpinStream to push its pages to disk
// and free their memory, then PinStream/PrepareForRead to read them back.
type Stream struct {
	desc     *row.Descriptor
	pageSize int
	client   *bufpool.Client
	dir      *pagestore.Dir
	level    int
	label    string

	pf *pagestore.File // lazily opened on first unpin.

	blocks     []*block
	writeBlock *block

	readIdx      int
	readR        *bufio.Reader
	readLazyHeld bool // a reservation held for the current block's transient read buffer.

	numRows     int64
	pinnedBytes int64
	unpinned    bool
	closed      bool
}

func New(desc *row.Descriptor, pageSize int, client *bufpool.Client, dir *pagestore.Dir, level int, label string) *Stream {
	return &Stream{
		desc:     desc,
		pageSize: pageSize,
		client:   client,
		dir:      dir,
		level:    level,
		label:    label,
	}
}

// PrepareForWrite reserves one page of memory for the first write block.
// Returns joinerr.ErrOutOfMemory if the owning client has no room, in which
// case the caller (the planner) must spill other partitions first.
func (s *Stream) PrepareForWrite() error {
	if !s.client.TryConsume(int64(s.pageSize)) {
		return joinerr.ErrOutOfMemory
	}
	s.writeBlock = &block{pageID: pagestore.InvalidPageID, buf: make([]byte, s.pageSize), pinned: true}
	s.pinnedBytes += int64(s.pageSize)
	return nil
}

// AddRow appends r to the stream. It returns false (with a nil error) if r
// does not fit in an otherwise-empty page — the caller must increase the
// configured page size — and joinerr.ErrOutOfMemory if a new page is needed
// but the client has no spare reservation, in which case the caller should
// spill a partition and retry.
func (s *Stream) AddRow(r row.Row) (bool, error) {
	if s.writeBlock == nil {
		return false, errors.New("tuplestream: AddRow called before PrepareForWrite")
	}
	size := row.EncodedSize(s.desc, r)
	if size > s.pageSize {
		return false, nil
	}
	if s.writeBlock.usedBytes+size > s.pageSize {
		// Reserve the new page before retiring the current one, so that a
		// caller who handles ErrOutOfMemory by spilling some other
		// partition and retrying finds this stream exactly as it was —
		// still able to append to its current page.
		if !s.client.TryConsume(int64(s.pageSize)) {
			return false, joinerr.ErrOutOfMemory
		}
		if err := s.finalizeWriteBlock(); err != nil {
			s.client.Release(int64(s.pageSize))
			return false, err
		}
		if s.unpinned {
			// An unpinned stream keeps only its current write page in
			// memory: the page just retired goes straight to disk.
			if err := s.flushBlock(s.blocks[len(s.blocks)-1]); err != nil {
				s.client.Release(int64(s.pageSize))
				return false, err
			}
		}
		s.writeBlock = &block{pageID: pagestore.InvalidPageID, buf: make([]byte, s.pageSize), pinned: true}
		s.pinnedBytes += int64(s.pageSize)
	}
	w := bufio.NewWriter(sliceWriter{buf: s.writeBlock.buf, off: s.writeBlock.usedBytes})
	if err := row.WriteRow(w, s.desc, r); err != nil {
		return false, err
	}
	if err := w.Flush(); err != nil {
		return false, err
	}
	s.writeBlock.usedBytes += size
	s.writeBlock.numRows++
	s.numRows++
	return true, nil
}

func (s *Stream) finalizeWriteBlock() error {
	if s.writeBlock == nil {
		return nil
	}
	s.blocks = append(s.blocks, s.writeBlock)
	s.writeBlock = nil
	return nil
}

// UnpinStream flushes pinned blocks to the backing page file and frees
// their in-memory buffers, returning the reservation to the stream's
// client. With UnpinAllExceptCurrent, the write block currently being
// appended to is left pinned.
func (s *Stream) UnpinStream(mode UnpinMode) error {
	if err := s.ensurePageFile(); err != nil {
		return err
	}
	for _, b := range s.blocks {
		if !b.pinned {
			continue
		}
		if err := s.flushBlock(b); err != nil {
			return err
		}
	}
	if mode == UnpinAll && s.writeBlock != nil && s.writeBlock.pinned {
		if err := s.finalizeWriteBlock(); err != nil {
			return err
		}
		// finalizeWriteBlock appended it; flush the newly appended tail block.
		if err := s.flushBlock(s.blocks[len(s.blocks)-1]); err != nil {
			return err
		}
	}
	s.unpinned = true
	return nil
}

func (s *Stream) flushBlock(b *block) error {
	if b.pageID == pagestore.InvalidPageID {
		id, err := s.pf.AllocatePage()
		if err != nil {
			return err
		}
		b.pageID = id
	}
	if err := s.pf.WritePage(b.buf, b.pageID); err != nil {
		return err
	}
	s.pinnedBytes -= int64(len(b.buf))
	s.client.Release(int64(len(b.buf)))
	b.buf = nil
	b.pinned = false
	return nil
}

func (s *Stream) ensurePageFile() error {
	if s.pf != nil {
		return nil
	}
	pf, err := pagestore.Create(s.dir.NextPath(s.level), s.pageSize)
	if err != nil {
		return err
	}
	s.pf = pf
	return nil
}

// PinStream reloads every unpinned block's buffer into memory, reserving
// memory from the client as it goes; it fails with joinerr.ErrOutOfMemory
// (leaving already-pinned blocks pinned) if the client runs out of room.
func (s *Stream) PinStream() error {
	for _, b := range s.blocks {
		if b.pinned {
			continue
		}
		if !s.client.TryConsume(int64(s.pageSize)) {
			return joinerr.ErrOutOfMemory
		}
		buf := make([]byte, s.pageSize)
		if err := s.pf.ReadPage(buf, b.pageID); err != nil {
			s.client.Release(int64(s.pageSize))
			return err
		}
		b.buf = buf
		b.pinned = true
		s.pinnedBytes += int64(s.pageSize)
	}
	s.unpinned = false
	return nil
}

// PrepareForRead finalizes any in-progress write block and rewinds the
// stream to its first row, ready for a sequence of GetNext calls. The
// stream does not need to be pinned first: an unpinned block is read one
// page at a time into a transient, reservation-backed buffer that is
// released as soon as the block's rows have been consumed, so a caller
// that just spilled this stream can read it back without re-inflating its
// full size in memory. PinStream remains available for a caller that
// wants every block resident for the whole read instead.
func (s *Stream) PrepareForRead() error {
	if err := s.finalizeWriteBlock(); err != nil {
		return err
	}
	s.readIdx = 0
	s.readR = nil
	return s.advanceReadBlock()
}

func (s *Stream) advanceReadBlock() error {
	s.releaseLazyReadBuffer()
	for s.readIdx < len(s.blocks) {
		b := s.blocks[s.readIdx]
		if b.numRows == 0 {
			s.readIdx++
			continue
		}
		if b.pinned {
			s.readR = bufio.NewReader(bytes.NewReader(b.buf[:b.usedBytes]))
			return nil
		}
		buf, err := s.loadBlockForRead(b)
		if err != nil {
			return err
		}
		s.readLazyHeld = true
		s.readR = bufio.NewReader(bytes.NewReader(buf[:b.usedBytes]))
		return nil
	}
	s.readR = nil
	return nil
}

// loadBlockForRead reads one unpinned block's page into a freshly reserved
// transient buffer; row.ReadRow copies every value out of it, so the buffer
// can be released the moment advanceReadBlock moves past this block.
func (s *Stream) loadBlockForRead(b *block) ([]byte, error) {
	if !s.client.TryConsume(int64(s.pageSize)) {
		return nil, joinerr.ErrOutOfMemory
	}
	buf := make([]byte, s.pageSize)
	if err := s.pf.ReadPage(buf, b.pageID); err != nil {
		s.client.Release(int64(s.pageSize))
		return nil, err
	}
	return buf, nil
}

func (s *Stream) releaseLazyReadBuffer() {
	if s.readLazyHeld {
		s.client.Release(int64(s.pageSize))
		s.readLazyHeld = false
	}
}

// GetNext returns the next row and true, or a zero Row and false once the
// stream is exhausted.
func (s *Stream) GetNext() (row.Row, bool, error) {
	for {
		if s.readR == nil {
			return nil, false, nil
		}
		r, err := row.ReadRow(s.readR, s.desc)
		if err == nil {
			return r, true, nil
		}
		s.readIdx++
		if advErr := s.advanceReadBlock(); advErr != nil {
			return nil, false, advErr
		}
	}
}

// BytesPinned returns the number of bytes this stream currently holds
// pinned in memory.
func (s *Stream) BytesPinned() int64 { return s.pinnedBytes }

func (s *Stream) NumRows() int64 { return s.numRows }

func (s *Stream) IsPinned() bool { return !s.unpinned }

// Close releases all memory reserved by this stream and deletes its
// backing page file, if any was created.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.releaseLazyReadBuffer()
	for _, b := range s.blocks {
		if b.pinned && b.buf != nil {
			s.client.Release(int64(len(b.buf)))
		}
	}
	if s.writeBlock != nil && s.writeBlock.pinned {
		s.client.Release(int64(len(s.writeBlock.buf)))
	}
	s.pinnedBytes = 0
	if s.pf != nil {
		return s.pf.Remove()
	}
	return nil
}

// sliceWriter implements io.Writer over a fixed buffer starting at off,
// used to encode a row directly into a block's page buffer without an
// intermediate allocation.
type sliceWriter struct {
	buf []byte
	off int
}

func (w sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	if n != len(p) {
		return n, errors.New("tuplestream: row write overran page buffer")
	}
	return n, nil
}
