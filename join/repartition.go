package join

import (
	"context"

	"github.com/ravowlga123/impala/bufpool"
	"github.com/ravowlga123/impala/joinerr"
	"github.com/ravowlga123/impala/tuplestream"
)

// BeginSpilledProbe handles a previously spilled partition now being
// revisited by the probe side: it either skips the
// hash-table build (probe empty), builds a hash table now that the
// partition fits, or recursively repartitions it. repartitioned reports
// whether (c) happened; when it did, newLevel and newPartitions describe
// the fresh fanout the caller should probe instead of partition.
func (b *Builder) BeginSpilledProbe(
	ctx context.Context,
	emptyProbe bool,
	partition *Partition,
	probeClient *bufpool.Client,
) (repartitioned bool, newLevel int, newPartitions []*Partition, err error) {
	if err := ctx.Err(); err != nil {
		return false, 0, nil, err
	}
	if b.state != PartitioningProbe && b.state != RepartitioningProbe {
		return false, 0, nil, joinerr.ErrInvariant
	}

	if emptyProbe {
		if err := b.UpdateState(ProbingSpilledPartition); err != nil {
			return false, 0, nil, err
		}
		return false, partition.level, nil, nil
	}

	buildErr := partition.BuildHashTable(b.client, b.extractKeyWithNull, b.keepNullKeyRows)
	if buildErr == nil {
		if err := b.UpdateState(ProbingSpilledPartition); err != nil {
			return false, 0, nil, err
		}
		return false, partition.level, nil, nil
	}
	if buildErr != joinerr.ErrOutOfMemory {
		return false, 0, nil, buildErr
	}

	return b.repartition(ctx, partition, probeClient)
}

// repartition re-reads a spilled partition's rows into a fresh, deeper
// fanout of child partitions, one recursion level down, after the
// partition was found too large to rebuild a hash table for directly.
func (b *Builder) repartition(ctx context.Context, input *Partition, probeClient *bufpool.Client) (bool, int, []*Partition, error) {
	if err := b.UpdateState(RepartitioningBuild); err != nil {
		return false, 0, nil, err
	}
	if input.level+1 >= b.cfg.MaxPartitionDepth {
		return false, 0, nil, joinerr.ErrMaxPartitionDepth
	}

	if err := b.spillPartition(input, tuplestream.UnpinAll); err != nil {
		return false, 0, nil, err
	}
	if err := b.reclaimProbeReservation(); err != nil {
		return false, 0, nil, err
	}

	inputRows := input.NumRows()
	newLevel := input.level + 1
	if err := b.openFanout(newLevel); err != nil {
		return false, 0, nil, err
	}
	if b.metrics != nil {
		b.metrics.NumRepartitions.Inc()
	}

	if err := input.stream.PrepareForRead(); err != nil {
		return false, 0, nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, 0, nil, err
		}
		r, ok, err := input.stream.GetNext()
		if err != nil {
			return false, 0, nil, err
		}
		if !ok {
			break
		}
		key, _ := buildKey(r, b.desc, b.eqConjuncts)
		idx := partitionIndex(newLevel, key, b.cfg.PartitionFanout)
		if err := b.addRowWithSpillRetry(b.hashPartitions[idx], r); err != nil {
			return false, 0, nil, err
		}
	}

	var largestChild int64
	for _, p := range b.hashPartitions {
		if n := p.NumRows(); n > largestChild {
			largestChild = n
		}
	}
	if largestChild >= inputRows {
		return false, 0, nil, joinerr.ErrRepartitionNoProgress
	}

	if err := input.Close(); err != nil {
		return false, 0, nil, err
	}

	if err := b.FlushFinal(ctx, true); err != nil {
		return false, 0, nil, err
	}
	if err := b.transferProbeReservation(probeClient); err != nil {
		return false, 0, nil, err
	}

	return true, newLevel, b.hashPartitions, nil
}
