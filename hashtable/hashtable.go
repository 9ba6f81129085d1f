// Package hashtable implements the in-memory, chained-duplicate hash table
// a partition builds over its build_rows once that partition is small
// enough to fit in its reservation. It generalizes the map-keyed-by-join-
// value table in hybridHashJoin (executor/hybrid_hash_join.go,
// which keeps `map[interface{}][]zdb2.Record` for its in-memory side) into
// an explicit bucket array addressed by a hash of the encoded join key,
// which is what lets this package report a byte size the planner can
// reserve memory against and a bucket hash that stays in sync with the
// partition hash a partition was assigned by.
package hashtable

import (
	"bytes"

	"github.com/cespare/xxhash/v2"

	"github.com/ravowlga123/impala/bufpool"
	"github.com/ravowlga123/impala/joinerr"
	"github.com/ravowlga123/impala/row"
)

// entry is one slot in a bucket's duplicate chain. Impala calls the
// equivalent structure a "hash table node"; ours is simpler because Go's
// garbage collector owns reclaiming it, so there is no free list to manage.
type entry struct {
	key  []byte
	row  row.Row
	next *entry
}

// Rough per-entry overhead (the entry struct, its key's backing array
// header, and slice/map bookkeeping); used only to size reservations, not
// for exact accounting.
const bytesPerEntry = 64

// DefaultMaxLoadFactor matches the target load factor Impala's HashTable
// keeps its bucket count above.
const DefaultMaxLoadFactor = 0.75

// MaxBucketsForPartitioningBits returns the bucket-count ceiling a hash
// table built from a partition of this recursion's fanout may never
// exceed: a bucket index has to fit in the bits a row's partition-level
// hash function does not already consume selecting among fanout siblings.
// bits is expected to be join.Config.NumPartitioningBits (log2 of the
// partition fanout); 0 or negative disables the ceiling.
func MaxBucketsForPartitioningBits(bits int) uint32 {
	if bits <= 0 || bits >= 32 {
		return 0
	}
	return 1 << uint(32-bits)
}

// EstimateNumBuckets returns a power-of-two bucket count sized so that
// expectedRows entries keep the table at or below DefaultMaxLoadFactor,
// never exceeding maxBuckets (0 means no ceiling).
func EstimateNumBuckets(expectedRows int64, maxBuckets uint32) uint32 {
	if expectedRows <= 0 {
		expectedRows = 1
	}
	min := uint32(float64(expectedRows) / DefaultMaxLoadFactor)
	n := uint32(1)
	for n < min {
		if maxBuckets > 0 && n >= maxBuckets {
			break
		}
		n <<= 1
	}
	if n == 0 {
		n = 1
	}
	if maxBuckets > 0 && n > maxBuckets {
		n = maxBuckets
	}
	return n
}

// EstimateSize returns the number of bytes a table with numBuckets buckets
// and expectedRows entries is expected to occupy, for use by the planner
// when deciding whether a partition's hash table build can be attempted
// within the builder's reservation.
func EstimateSize(numBuckets uint32, expectedRows int64) int64 {
	const bytesPerBucketSlot = 8
	return int64(numBuckets)*bytesPerBucketSlot + expectedRows*bytesPerEntry
}

// Table is a chained hash table over a partition's build rows, keyed by the
// byte-encoded join key (see filter and join packages for key encoding).
// Duplicate keys chain off the same bucket, matching the join semantics of
// an equi-join that can produce more than one match per probe row.
type Table struct {
	client      *bufpool.Client
	reservedFor int64 // bytes reserved from client, returned on Close.

	buckets    []*entry
	numBuckets uint32
	numRows    int64

	// HashRowFunc and EqualsFunc are the interpreted-path hooks a codegen'd
	// build could replace with compiled, type-specialized equivalents (the
	// seam the original's process_build_batch_fn_/insert_batch_fn_ function
	// pointers gave). Left nil in every production path; Create falls back
	// to xxhash.Sum64 and bytes.Equal.
	HashRowFunc func(key []byte) uint64
	EqualsFunc  func(a, b []byte) bool
}

// Create reserves memory for a table sized for expectedRows, capped at
// maxBuckets buckets (0 means no ceiling; see MaxBucketsForPartitioningBits),
// and returns it initialized and ready for Insert. It returns
// joinerr.ErrOutOfMemory without reserving anything if the client has
// insufficient capacity, in which case the caller (the planner) should
// spill another partition.
func Create(client *bufpool.Client, expectedRows int64, maxBuckets uint32) (*Table, error) {
	numBuckets := EstimateNumBuckets(expectedRows, maxBuckets)
	size := EstimateSize(numBuckets, expectedRows)
	if !client.TryConsume(size) {
		return nil, joinerr.ErrOutOfMemory
	}
	return &Table{
		client:      client,
		reservedFor: size,
		buckets:     make([]*entry, numBuckets),
		numBuckets:  numBuckets,
	}, nil
}

func (t *Table) ByteSize() int64 {
	return int64(t.numBuckets)*8 + t.numRows*bytesPerEntry
}

func (t *Table) NumRows() int64 { return t.numRows }

// NumBuckets returns the table's bucket-array length, a diagnostic used to
// confirm MaxBucketsForPartitioningBits was actually applied at Create.
func (t *Table) NumBuckets() uint32 { return t.numBuckets }

func (t *Table) hashKey(key []byte) uint64 {
	if t.HashRowFunc != nil {
		return t.HashRowFunc(key)
	}
	return xxhash.Sum64(key)
}

func (t *Table) keysEqual(a, b []byte) bool {
	if t.EqualsFunc != nil {
		return t.EqualsFunc(a, b)
	}
	return bytes.Equal(a, b)
}

func (t *Table) bucketIndex(key []byte) uint32 {
	return uint32(t.hashKey(key) % uint64(t.numBuckets))
}

// Insert adds one (key, row) pair to the table. key is the already-encoded
// join key; Insert treats no key specially, so whether rows with NULL key
// columns are inserted is decided by the caller.
func (t *Table) Insert(key []byte, r row.Row) {
	idx := t.bucketIndex(key)
	t.buckets[idx] = &entry{key: key, row: r, next: t.buckets[idx]}
	t.numRows++
}

// HasMatches reports whether any row in the table has the given key.
func (t *Table) HasMatches(key []byte) bool {
	idx := t.bucketIndex(key)
	for e := t.buckets[idx]; e != nil; e = e.next {
		if t.keysEqual(e.key, key) {
			return true
		}
	}
	return false
}

// Matches is a cursor over rows matching one probe key, in the style of an
// Iterator.Next() idiom.
type Matches struct {
	table *Table
	key   []byte
	e     *entry
}

// Probe returns a cursor over every row whose key equals the given key.
func (t *Table) Probe(key []byte) *Matches {
	idx := t.bucketIndex(key)
	return &Matches{table: t, key: key, e: t.buckets[idx]}
}

// Next advances the cursor, returning the next matching row, or a zero Row
// and false when no rows remain.
func (m *Matches) Next() (row.Row, bool) {
	for m.e != nil {
		e := m.e
		m.e = m.e.next
		if m.table.keysEqual(e.key, m.key) {
			return e.row, true
		}
	}
	return nil, false
}

// EmptyBuckets returns the number of buckets with no chain, a diagnostic
// signal of how skewed the key distribution is (all rows in a handful of
// buckets means the hash function or the join key itself is degenerate).
func (t *Table) EmptyBuckets() int64 {
	var n int64
	for _, b := range t.buckets {
		if b == nil {
			n++
		}
	}
	return n
}

// Close releases the table's reserved memory. The table must not be used
// afterward.
func (t *Table) Close() {
	if t.client != nil {
		t.client.Release(t.reservedFor)
		t.client = nil
	}
	t.buckets = nil
	t.numRows = 0
}
