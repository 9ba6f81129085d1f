package join

import (
	"fmt"

	"github.com/ravowlga123/impala/bufpool"
	"github.com/ravowlga123/impala/hashtable"
	"github.com/ravowlga123/impala/joinerr"
	"github.com/ravowlga123/impala/row"
	"github.com/ravowlga123/impala/tuplestream"
)

// Partition owns one tuple stream of build rows plus an optional in-memory
// hash table. Once spilled, a partition stays spilled until it is closed,
// repartitioned into fresh children, or a later BuildHashTable over its
// stream succeeds (as BeginSpilledProbe does when the partition now fits).
type Partition struct {
	id         int
	level      int
	isNullSide bool // the null_aware_partition, preferred as a spill victim.

	// maxBuckets caps any hash table this partition builds, per
	// hashtable.MaxBucketsForPartitioningBits; 0 means no ceiling.
	maxBuckets uint32

	stream    *tuplestream.Stream
	hashTbl   *hashtable.Table
	isSpilled bool
	closed    bool

	// hasRecordedMatches becomes true once the probe side has recorded any
	// match against this partition's hash table. It is asserted, not
	// branched on, during this build phase (no matches exist yet) — see
	// the spill-choice invariant in selectSpillVictim.
	hasRecordedMatches bool
}

func newPartition(id, level int, isNullSide bool, st *tuplestream.Stream, maxBuckets uint32) *Partition {
	return &Partition{id: id, level: level, isNullSide: isNullSide, stream: st, maxBuckets: maxBuckets}
}

func (p *Partition) Level() int       { return p.level }
func (p *Partition) IsSpilled() bool  { return p.isSpilled }
func (p *Partition) IsClosed() bool   { return p.closed }
func (p *Partition) IsNullSide() bool { return p.isNullSide }
func (p *Partition) HasHashTable() bool {
	return p.hashTbl != nil
}
func (p *Partition) HasMatches() bool {
	if p.hashTbl == nil {
		return false
	}
	return p.hasRecordedMatches
}
func (p *Partition) NumRows() int64 { return p.stream.NumRows() }
func (p *Partition) IsEmpty() bool  { return p.stream.NumRows() == 0 }

// BytesPinned returns the number of pinned build_rows bytes this partition
// currently holds. Once spilled this is at most the stream's current write
// page (UNPIN_ALL_EXCEPT_CURRENT), and zero after an UNPIN_ALL spill.
func (p *Partition) BytesPinned() int64 {
	return p.stream.BytesPinned()
}

// ByteSize is the spill-choice metric: pinned stream bytes plus hash table
// bytes, if any.
func (p *Partition) ByteSize() int64 {
	size := p.BytesPinned()
	if p.hashTbl != nil {
		size += p.hashTbl.ByteSize()
	}
	return size
}

// EstimatedInMemSize is a diagnostic, exercised by tests: stream
// byte size plus the hash table size this partition's row count would
// need if it were built now, whether or not a table actually exists yet.
// Spill choice itself stays the simpler ByteSize rule.
func (p *Partition) EstimatedInMemSize() int64 {
	rows := p.stream.NumRows()
	buckets := hashtable.EstimateNumBuckets(rows, p.maxBuckets)
	return p.BytesPinned() + hashtable.EstimateSize(buckets, rows)
}

func (p *Partition) AddRow(r row.Row) (bool, error) {
	return p.stream.AddRow(r)
}

// Spill drops any hash table and unpins the stream, marking this partition
// spilled. mode controls whether the stream's currently open
// write page stays pinned (UNPIN_ALL_EXCEPT_CURRENT, used mid-Send to free
// just enough memory) or not (UNPIN_ALL, used at end-of-round or before
// repartitioning).
func (p *Partition) Spill(mode tuplestream.UnpinMode) error {
	if p.hasRecordedMatches {
		return joinerr.ErrInvariant
	}
	if p.hashTbl != nil {
		p.hashTbl.Close()
		p.hashTbl = nil
	}
	if err := p.stream.UnpinStream(mode); err != nil {
		return err
	}
	p.isSpilled = true
	return nil
}

// BuildHashTable reads the partition's stream back and builds a chained
// hash table over it, keyed by extractKey. It does not pin the stream: an
// unpinned stream is read one page at a time and stays unpinned, while the
// table holds its own copies of the rows. Rows whose key contains a NULL are
// discarded rather than inserted unless keepNullKeyRows is set: a
// NULL-keyed build row can only ever be returned by an outer join or
// matched by an IS NOT DISTINCT FROM conjunct, and is otherwise dead
// weight in the table. BuildHashTable leaves the partition untouched on
// failure so the caller can fall back to spilling it.
func (p *Partition) BuildHashTable(client *bufpool.Client, extractKey func(row.Row) ([]byte, bool), keepNullKeyRows bool) error {
	ht, err := hashtable.Create(client, p.stream.NumRows(), p.maxBuckets)
	if err != nil {
		return err
	}
	if err := p.stream.PrepareForRead(); err != nil {
		ht.Close()
		return err
	}
	for {
		r, ok, err := p.stream.GetNext()
		if err != nil {
			ht.Close()
			return err
		}
		if !ok {
			break
		}
		key, hasNull := extractKey(r)
		if hasNull && !keepNullKeyRows {
			continue
		}
		ht.Insert(key, r)
	}
	p.hashTbl = ht
	p.isSpilled = false
	return nil
}

func (p *Partition) HashTable() *hashtable.Table { return p.hashTbl }

// Close releases every resource this partition owns. Safe to call more
// than once.
func (p *Partition) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.hashTbl != nil {
		p.hashTbl.Close()
		p.hashTbl = nil
	}
	return p.stream.Close()
}

func (p *Partition) DebugString() string {
	return fmt.Sprintf(
		"Partition{id=%d level=%d spilled=%v closed=%v rows=%d bytesPinned=%d hashTable=%v}",
		p.id, p.level, p.isSpilled, p.closed, p.stream.NumRows(), p.BytesPinned(), p.hashTbl != nil)
}
