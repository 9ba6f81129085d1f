package join

import "github.com/ravowlga123/impala/filter"

// JoinOp names the join semantics the builder is constructing a build side
// for; it conditions null-key routing, hash-table NULL retention, and what
// DoneProbingHashPartitions emits.
type JoinOp int

const (
	InnerJoin JoinOp = iota
	LeftOuterJoin
	RightOuterJoin
	FullOuterJoin
	LeftSemiJoin
	RightSemiJoin
	LeftAntiJoin
	RightAntiJoin
	NullAwareLeftAntiJoin
)

// NeedsUnmatchedBuildRows reports whether this join op requires emitting
// build rows that were never matched by a probe row — the condition
// DoneProbingHashPartitions and DoneProbingSinglePartition gate on.
func (j JoinOp) NeedsUnmatchedBuildRows() bool {
	switch j {
	case RightOuterJoin, RightAntiJoin, FullOuterJoin:
		return true
	default:
		return false
	}
}

// EqConjunct is one equality predicate between a build-side and probe-side
// column. IsNotDistinctFrom marks null-equals-null (`IS NOT DISTINCT FROM`)
// semantics for this key, which Init and the hash-table NULL retention
// policy both consult.
type EqConjunct struct {
	BuildColumn       int
	ProbeColumn       int
	IsNotDistinctFrom bool
}

// FilterDesc pairs a runtime filter the bank should produce with the build
// column it summarizes and whether this builder instance is actually
// responsible for producing it (broadcast filters may be routed to a
// different producer and are skipped by Init).
type FilterDesc struct {
	Desc        filter.Desc
	BuildColumn int
	IsBroadcast bool
	ProducedHere bool
}

// HashPartitions is the current fanout exposed to the probe side.
type HashPartitions struct {
	Level         int
	Partitions    []*Partition
	NonEmptyBuild bool
}
