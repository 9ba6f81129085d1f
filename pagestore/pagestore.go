// Package pagestore provides the fixed-size-page disk backing a spilled
// tuple stream writes to. It is a direct generalization of the
// block_file package's allocate/read/write-by-id shape, extended with
// named per-partition scratch files and a Remove that deletes the
// backing file once a partition's stream no longer needs it (mirroring
// how a BufferedTupleStream tears down its backing blocks on Close).
package pagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/dropbox/godropbox/errors"
)

const InvalidPageID = -1

// File is one partition's spill file: a flat sequence of fixed-size pages.
type File struct {
	path     string
	f        *os.File
	pageSize int
	numPages int32
}

// Create opens (creating if necessary) a new, empty page file at path.
func Create(path string, pageSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &File{path: path, f: f, pageSize: pageSize}, nil
}

// Open opens an existing page file, picking up its page count from its size
// on disk, the same recovery-by-stat trick as block_file.OpenBlockFile.
func Open(path string, pageSize int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{
		path:     path,
		f:        f,
		pageSize: pageSize,
		numPages: int32(stat.Size() / int64(pageSize)),
	}, nil
}

func (pf *File) Path() string    { return pf.path }
func (pf *File) PageSize() int   { return pf.pageSize }
func (pf *File) NumPages() int32 { return pf.numPages }

// AllocatePage grows the file by one page and returns its id; the next
// AllocatePage is guaranteed to return id+1, matching block_file's
// AllocateBlock contract.
func (pf *File) AllocatePage() (int32, error) {
	id := pf.numPages
	pf.numPages++
	if err := pf.f.Truncate(int64(pf.numPages) * int64(pf.pageSize)); err != nil {
		pf.numPages--
		return InvalidPageID, err
	}
	return id, nil
}

func (pf *File) ReadPage(buf []byte, pageID int32) error {
	if pageID < 0 || pageID >= pf.numPages {
		return errors.Newf("pagestore: pageID must be in [0, %d); got %d", pf.numPages, pageID)
	}
	if len(buf) != pf.pageSize {
		return errors.Newf("pagestore: len(buf) must be %d; got %d", pf.pageSize, len(buf))
	}
	_, err := pf.f.ReadAt(buf, int64(pageID)*int64(pf.pageSize))
	return err
}

func (pf *File) WritePage(buf []byte, pageID int32) error {
	if pageID < 0 || pageID >= pf.numPages {
		return errors.Newf("pagestore: pageID must be in [0, %d); got %d", pf.numPages, pageID)
	}
	if len(buf) != pf.pageSize {
		return errors.Newf("pagestore: len(buf) must be %d; got %d", pf.pageSize, len(buf))
	}
	_, err := pf.f.WriteAt(buf, int64(pageID)*int64(pf.pageSize))
	return err
}

func (pf *File) Close() error {
	return pf.f.Close()
}

// Remove closes the file and deletes it from disk. Called by a tuple
// stream's Close, which runs whenever its partition is closed, so a spilled
// partition's scratch space doesn't outlive it.
func (pf *File) Remove() error {
	closeErr := pf.f.Close()
	removeErr := os.Remove(pf.path)
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}

// Dir hands out unique scratch-file paths for partition spill files, scoped
// to one query/join builder's temp directory.
type Dir struct {
	root    string
	prefix  string
	counter int64
}

func NewDir(root, prefix string) *Dir {
	return &Dir{root: root, prefix: prefix}
}

// NextPath returns a path that has not previously been returned by this Dir,
// for a fresh partition spill file at the given recursion level.
func (d *Dir) NextPath(level int) string {
	n := atomic.AddInt64(&d.counter, 1)
	return filepath.Join(d.root, fmt.Sprintf("%s-level%d-%d.tmp", d.prefix, level, n))
}
