package join

import (
	"go.uber.org/zap"

	"github.com/ravowlga123/impala/joinerr"
)

// HashJoinState is the single tagged state the builder's lifecycle is
// driven through; every transition goes through UpdateState, which is the
// one gate that asserts legality (9's "State machine" design note).
type HashJoinState int

const (
	PartitioningBuild HashJoinState = iota
	PartitioningProbe
	RepartitioningBuild
	RepartitioningProbe
	ProbingSpilledPartition
)

func (s HashJoinState) String() string {
	switch s {
	case PartitioningBuild:
		return "PARTITIONING_BUILD"
	case PartitioningProbe:
		return "PARTITIONING_PROBE"
	case RepartitioningBuild:
		return "REPARTITIONING_BUILD"
	case RepartitioningProbe:
		return "REPARTITIONING_PROBE"
	case ProbingSpilledPartition:
		return "PROBING_SPILLED_PARTITION"
	default:
		return "UNKNOWN"
	}
}

// legalTransitions encodes the builder's state diagram exactly:
//
//	PARTITIONING_BUILD   -> PARTITIONING_PROBE
//	PARTITIONING_PROBE   -> REPARTITIONING_BUILD, PROBING_SPILLED_PARTITION
//	REPARTITIONING_PROBE -> REPARTITIONING_BUILD, PROBING_SPILLED_PARTITION
//	REPARTITIONING_BUILD -> REPARTITIONING_PROBE
//	PROBING_SPILLED_PARTITION -> REPARTITIONING_BUILD, PROBING_SPILLED_PARTITION
var legalTransitions = map[HashJoinState]map[HashJoinState]bool{
	PartitioningBuild: {
		PartitioningProbe: true,
	},
	PartitioningProbe: {
		RepartitioningBuild:     true,
		ProbingSpilledPartition: true,
	},
	RepartitioningBuild: {
		RepartitioningProbe: true,
	},
	RepartitioningProbe: {
		RepartitioningBuild:     true,
		ProbingSpilledPartition: true,
	},
	ProbingSpilledPartition: {
		RepartitioningBuild:     true,
		ProbingSpilledPartition: true,
	},
}

// UpdateState transitions the builder to next, returning joinerr.ErrInvariant
// if that transition is not legal from the current state. Reset is the one
// caller allowed to bypass this gate, since it returns to the initial state
// unconditionally.
func (b *Builder) UpdateState(next HashJoinState) error {
	if !legalTransitions[b.state][next] {
		if b.log != nil {
			b.log.Error("illegal state transition",
				zap.Stringer("from", b.state),
				zap.Stringer("to", next),
				zap.String("builder", b.DebugString()))
		}
		return joinerr.ErrInvariant
	}
	if b.log != nil {
		b.log.Info("state transition", zap.Stringer("from", b.state), zap.Stringer("to", next))
	}
	b.state = next
	return nil
}
