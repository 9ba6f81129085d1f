// Package joinerr collects the sentinel errors the join builder and its
// collaborators return for conditions callers are expected to branch on —
// as opposed to ordinary I/O or encoding failures, which are returned
// wrapped via godropbox/errors the way the rest of this module's packages do.
package joinerr

import (
	"errors"
)

var (
	// ErrOutOfMemory is returned when a partition, stream, or hash table
	// could not obtain enough reserved memory to proceed and the caller
	// must spill additional partitions before retrying.
	ErrOutOfMemory = errors.New("join: out of memory")

	// ErrMaxPartitionDepth is returned by the join builder's
	// BeginSpilledProbe when repartitioning a partition would reach the
	// configured recursion level cap; the join cannot continue.
	ErrMaxPartitionDepth = errors.New("join: maximum partition recursion depth exceeded")

	// ErrRepartitionNoProgress is returned when a repartitioning pass
	// produced a largest child partition no smaller than its parent,
	// meaning the input data does not actually hash-distribute (e.g. a
	// single dominant key) and further repartitioning would not help.
	ErrRepartitionNoProgress = errors.New("join: repartitioning made no progress")

	// ErrInvariant marks a violated internal invariant (illegal state
	// transition, use of a partition after it was closed, etc.) — a bug
	// in the caller rather than a resource or data condition.
	ErrInvariant = errors.New("join: invariant violation")
)
