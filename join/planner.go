package join

import (
	"github.com/dropbox/godropbox/errors"

	"github.com/ravowlga123/impala/joinerr"
	"github.com/ravowlga123/impala/tuplestream"
)

// selectSpillVictim picks which in-memory partition to push to disk next:
// the null-aware partition first if it is present and spillable (it is
// processed last, so losing its in-memory state is cheapest), otherwise
// the largest unspilled, unclosed hash partition by ByteSize, ties broken
// by iteration order. Partitions with recorded probe matches are never
// eligible; in this build phase none exist yet, so this is an assertion,
// not a live branch.
func (b *Builder) selectSpillVictim() (*Partition, error) {
	if b.nullAwarePartition != nil &&
		!b.nullAwarePartition.closed &&
		!b.nullAwarePartition.isSpilled {
		if b.nullAwarePartition.hasRecordedMatches {
			return nil, joinerr.ErrInvariant
		}
		return b.nullAwarePartition, nil
	}
	var victim *Partition
	var best int64 = -1
	for _, p := range b.hashPartitions {
		if p == nil || p.closed || p.isSpilled {
			continue
		}
		if p.hasRecordedMatches {
			return nil, joinerr.ErrInvariant
		}
		if sz := p.ByteSize(); sz > best {
			best = sz
			victim = p
		}
	}
	if victim == nil {
		return nil, joinerr.ErrOutOfMemory
	}
	return victim, nil
}

func (b *Builder) spillPartition(p *Partition, mode tuplestream.UnpinMode) error {
	if err := p.Spill(mode); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.SpilledPartitions.Inc()
	}
	return nil
}

// numCurrentlySpilled counts spilled, unclosed partitions in the active
// fanout, the num_probe_streams term of the probe-buffer reservation
// formula (the null-aware partition does not require a probe stream).
func (b *Builder) numCurrentlySpilled() int {
	n := 0
	for _, p := range b.hashPartitions {
		if p != nil && !p.closed && p.isSpilled {
			n++
		}
	}
	return n
}

// reserveProbeBuffers ensures the build-side client has enough unused
// reservation for one probe write buffer per spilled partition plus (if
// repartitioning) one read buffer for the spilled input, spilling
// additional partitions (largest first) until it does, then saves the
// computed amount into probe_stream_reservation.
func (b *Builder) reserveProbeBuffers(inputWasSpilled bool) error {
	for {
		numStreams := b.numCurrentlySpilled()
		if inputWasSpilled {
			numStreams++
		}
		required := int64(numStreams) * b.cfg.SpillableBufferSize
		alreadySaved := b.client.Reservation(probeStreamReservationName)
		deficit := required - alreadySaved
		if deficit <= 0 {
			if deficit < 0 {
				// Shrunk (e.g. a partition was closed-empty since the last
				// call); give back the excess.
				if err := b.client.RestoreReservation(probeStreamReservationName, -deficit); err != nil {
					return err
				}
			}
			return nil
		}
		if b.client.GetUnusedReservation() >= deficit {
			return b.client.SaveReservation(probeStreamReservationName, deficit)
		}
		victim, err := b.selectSpillVictim()
		if err != nil {
			return errors.Newf(
				"join: cannot reserve %d bytes for probe buffers, no spillable partition remains: %s",
				deficit, b.client.DebugString())
		}
		if err := b.spillPartition(victim, tuplestream.UnpinAll); err != nil {
			return err
		}
	}
}

// buildHashTablesAndReserveProbeBuffers closes empty partitions, fully
// unpins already-spilled ones, reserves probe buffers before building hash
// tables (so wasted hash-table work isn't done for a partition that ends
// up having to spill anyway to make room for the probe reservation),
// greedily builds hash tables for the rest, and re-reserves probe buffers
// afterward since the hash-table build may have spilled more.
func (b *Builder) buildHashTablesAndReserveProbeBuffers(inputWasSpilled bool) error {
	if b.nullAwarePartition != nil && b.nullAwarePartition.isSpilled {
		if err := b.nullAwarePartition.stream.UnpinStream(tuplestream.UnpinAll); err != nil {
			return err
		}
	}
	for _, p := range b.hashPartitions {
		if p == nil || p.closed {
			continue
		}
		if p.IsEmpty() {
			if err := p.Close(); err != nil {
				return err
			}
			continue
		}
		if p.isSpilled {
			if err := p.stream.UnpinStream(tuplestream.UnpinAll); err != nil {
				return err
			}
		}
	}

	if err := b.reserveProbeBuffers(inputWasSpilled); err != nil {
		return err
	}

	for _, p := range b.hashPartitions {
		if p == nil || p.closed || p.isSpilled {
			continue
		}
		if err := p.BuildHashTable(b.client, b.extractKeyWithNull, b.keepNullKeyRows); err != nil {
			if err == joinerr.ErrOutOfMemory {
				if err := b.spillPartition(p, tuplestream.UnpinAll); err != nil {
					return err
				}
				if b.metrics != nil {
					b.metrics.NumHashTableBuildsSkipped.Inc()
				}
				continue
			}
			return err
		}
	}

	return b.reserveProbeBuffers(inputWasSpilled)
}
