package join

import (
	"bufio"
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/ravowlga123/impala/row"
)

// buildKey encodes the build-side columns named by eqConjuncts, in order,
// into one byte string usable both as a hash-table key and as a Bloom
// filter element. hasNull reports whether any of those columns is NULL in
// r, which drives null-aware routing independently of per-conjunct
// null-equals-null semantics.
func buildKey(r row.Row, desc *row.Descriptor, eqConjuncts []EqConjunct) (key []byte, hasNull bool) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	for _, conj := range eqConjuncts {
		v := r[conj.BuildColumn]
		if v == nil {
			hasNull = true
		}
		// WriteValue's null/not-null tag byte keeps keys for different
		// NULL-ness from colliding even if every non-NULL column happens
		// to serialize identically.
		_ = row.WriteValue(w, desc.Columns[conj.BuildColumn].Type, v)
	}
	w.Flush()
	return buf.Bytes(), hasNull
}

// hashForLevel mixes level into the key bytes so each recursion level
// selects a distinct partitioning function, the Go-idiomatic equivalent of
// the original's per-level bit-range selection over one wide hash.
func hashForLevel(level int, key []byte) uint64 {
	d := xxhash.New()
	var lvl [8]byte
	binary.LittleEndian.PutUint64(lvl[:], uint64(level))
	d.Write(lvl[:])
	d.Write(key)
	return d.Sum64()
}

func partitionIndex(level int, key []byte, fanout int) int {
	return int(hashForLevel(level, key) % uint64(fanout))
}
