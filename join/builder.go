// Package join implements the build side of a partitioned, spill-capable
// hash join: it routes build rows into a fanout of hash partitions,
// constructs per-partition in-memory hash tables, spills under memory
// pressure, and recursively repartitions pathological partitions. It is
// grounded on executor.hybridHashJoin (initial-pass partitioning, Bloom
// filter, in-memory threshold) and executor.hashJoinHybrid, generalized
// from a single fixed-size pass into the explicit state machine and
// greedy spill/rebuild planner this package implements as its Partition
// Planner.
package join

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dropbox/godropbox/errors"

	"github.com/ravowlga123/impala/bufpool"
	"github.com/ravowlga123/impala/filter"
	"github.com/ravowlga123/impala/hashtable"
	"github.com/ravowlga123/impala/joinerr"
	"github.com/ravowlga123/impala/metrics"
	"github.com/ravowlga123/impala/pagestore"
	"github.com/ravowlga123/impala/row"
	"github.com/ravowlga123/impala/tuplestream"
)

const probeStreamReservationName = "probe_stream_reservation"

// Builder drives the build-side state machine. One Builder instance
// belongs to one join fragment; its methods are invoked in strict
// lifecycle order (Init -> Prepare -> Open -> Send* -> FlushFinal ->
// probe callbacks -> Close), single-threaded.
type Builder struct {
	cfg Config
	log *zap.Logger

	client      *bufpool.Client
	probeClient *bufpool.Client
	// probeReservationAmount is how many bytes were last transferred to
	// probeClient, recorded so repartitioning can temporarily reclaim
	// exactly that much for the new fanout.
	probeReservationAmount int64
	dir        *pagestore.Dir
	filterBank *filter.Bank
	metrics    *metrics.Builder

	desc        *row.Descriptor
	joinOp      JoinOp
	eqConjuncts []EqConjunct
	filterDescs []FilterDesc

	keepNullKeyRows bool

	state HashJoinState
	level int

	allPartitions      []*Partition
	hashPartitions     []*Partition
	nullAwarePartition *Partition
	nextPartitionID    int

	nonEmptyBuild bool
	lastStats     []PartitionStat
}

// PartitionStat is one row of the per-partition histogram FlushFinal logs,
// exposed for test assertions since there is no VLOG level of our own to
// gate the log line behind.
type PartitionStat struct {
	ID      int
	Level   int
	NumRows int64
	Spilled bool
}

// New constructs a Builder over desc, the schema of build rows this
// instance will receive. log defaults to zap.NewNop() when nil.
func New(cfg Config, log *zap.Logger, client *bufpool.Client, dir *pagestore.Dir, filterBank *filter.Bank, m *metrics.Builder, desc *row.Descriptor, joinOp JoinOp) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		cfg:        cfg,
		log:        log,
		client:     client,
		dir:        dir,
		filterBank: filterBank,
		metrics:    m,
		desc:       desc,
		joinOp:     joinOp,
		state:      PartitioningBuild,
	}, nil
}

// Init compiles the equality conjuncts and registers the runtime filters
// this instance is responsible for producing.
func (b *Builder) Init(eqConjuncts []EqConjunct, filterDescs []FilterDesc) error {
	if len(eqConjuncts) == 0 {
		return errors.New("join: hash join requires at least one equality conjunct")
	}
	b.eqConjuncts = eqConjuncts
	for _, fd := range eqConjuncts {
		if fd.IsNotDistinctFrom {
			b.keepNullKeyRows = true
		}
	}
	if b.joinOp.NeedsUnmatchedBuildRows() {
		b.keepNullKeyRows = true
	}
	for _, fd := range filterDescs {
		if fd.IsBroadcast && !fd.ProducedHere {
			continue
		}
		if err := b.filterBank.RegisterFilter(fd.Desc); err != nil {
			return err
		}
		b.filterDescs = append(b.filterDescs, fd)
	}
	return nil
}

// Prepare validates that profile counters and evaluators are ready to use;
// in this module those are constructed up front by New/metrics.NewBuilder,
// so Prepare's only remaining job is the lifecycle precondition check.
func (b *Builder) Prepare() error {
	if b.state != PartitioningBuild {
		return joinerr.ErrInvariant
	}
	return nil
}

// Open builds the initial fanout at level 0, allocates scratch runtime
// filters, and creates the null-aware partition if this join op needs one.
func (b *Builder) Open() error {
	if err := b.openFanout(0); err != nil {
		return err
	}
	for _, fd := range b.filterDescs {
		var err error
		switch fd.Desc.Kind {
		case filter.Bloom:
			err = b.filterBank.AllocateScratchBloomFilter(fd.Desc.ID, uint64(1<<16))
		case filter.MinMax:
			err = b.filterBank.AllocateScratchMinMaxFilter(fd.Desc.ID)
		}
		if err != nil {
			return err
		}
	}
	if b.joinOp == NullAwareLeftAntiJoin {
		p, err := b.newPartition(0, true)
		if err != nil {
			return err
		}
		b.nullAwarePartition = p
	}
	return nil
}

func (b *Builder) newPartition(level int, isNullSide bool) (*Partition, error) {
	label := "build"
	id := b.nextPartitionID
	b.nextPartitionID++
	st := tuplestream.New(b.desc, b.cfg.SpillableBufferSize64(), b.client, b.dir, level, label)
	if err := st.PrepareForWrite(); err != nil {
		return nil, err
	}
	maxBuckets := hashtable.MaxBucketsForPartitioningBits(b.cfg.NumPartitioningBits)
	p := newPartition(id, level, isNullSide, st, maxBuckets)
	b.allPartitions = append(b.allPartitions, p)
	return p, nil
}

// SpillableBufferSize64 exists only so tuplestream.New (which takes an
// int page size) can be called from a Config field typed as int64 for
// byte-budget arithmetic elsewhere.
func (c Config) SpillableBufferSize64() int {
	return int(c.SpillableBufferSize)
}

func (b *Builder) openFanout(level int) error {
	b.level = level
	b.hashPartitions = make([]*Partition, b.cfg.PartitionFanout)
	for i := range b.hashPartitions {
		p, err := b.newPartition(level, false)
		if err != nil {
			return err
		}
		b.hashPartitions[i] = p
	}
	if b.metrics != nil {
		for i := 0; i < b.cfg.PartitionFanout; i++ {
			b.metrics.PartitionsCreated.Inc()
		}
	}
	return nil
}

func (b *Builder) extractKey(r row.Row) []byte {
	key, _ := buildKey(r, b.desc, b.eqConjuncts)
	return key
}

func (b *Builder) extractKeyWithNull(r row.Row) ([]byte, bool) {
	return buildKey(r, b.desc, b.eqConjuncts)
}

// Send routes every row of batch into its partition, including null-aware
// routing for anti-join build sides. ctx is polled once per call, matching
// a RETURN_IF_CANCELLED check between batches rather than per row.
func (b *Builder) Send(ctx context.Context, batch *row.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.state != PartitioningBuild && b.state != RepartitioningBuild {
		return joinerr.ErrInvariant
	}
	for _, r := range batch.Rows {
		key, hasNull := buildKey(r, b.desc, b.eqConjuncts)
		b.nonEmptyBuild = true

		if b.joinOp == NullAwareLeftAntiJoin && hasNull {
			if err := b.addRowWithSpillRetry(b.nullAwarePartition, r); err != nil {
				return err
			}
			continue
		}

		idx := partitionIndex(b.level, key, b.cfg.PartitionFanout)
		p := b.hashPartitions[idx]
		if err := b.addRowWithSpillRetry(p, r); err != nil {
			return err
		}

		if b.level == 0 && !b.cfg.DisableRowRuntimeFiltering {
			b.updateFiltersFromRow(r, key)
		}
		if b.metrics != nil {
			b.metrics.BuildRowsPartitioned.Inc()
		}
	}
	return nil
}

func (b *Builder) addRowWithSpillRetry(p *Partition, r row.Row) error {
	for {
		ok, err := p.AddRow(r)
		if err == nil {
			if ok {
				return nil
			}
			return errors.Newf(
				"join: row of %d bytes exceeds page size %d", row.EncodedSize(b.desc, r), b.cfg.SpillableBufferSize)
		}
		if err != joinerr.ErrOutOfMemory {
			return err
		}
		victim, verr := b.selectSpillVictim()
		if verr != nil {
			return errors.Newf("join: out of memory for hash join: %s", b.client.DebugString())
		}
		if err := b.spillPartition(victim, tuplestream.UnpinAllExceptCurrent); err != nil {
			return err
		}
	}
}

func (b *Builder) updateFiltersFromRow(r row.Row, key []byte) {
	for _, fd := range b.filterDescs {
		v := r[fd.BuildColumn]
		if v == nil {
			continue
		}
		var numeric float64
		hasNumeric := false
		switch n := v.(type) {
		case int64:
			numeric, hasNumeric = float64(n), true
		case float64:
			numeric, hasNumeric = n, true
		}
		_ = b.filterBank.UpdateFilterFromLocal(fd.Desc.ID, key, numeric, hasNumeric)
	}
}

// FlushFinal finishes the current build round: computes the partition size
// histogram, publishes runtime filters (level 0 only), runs the Partition
// Planner, and transitions to the matching *_PROBE state.
func (b *Builder) FlushFinal(ctx context.Context, inputWasSpilled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.state != PartitioningBuild && b.state != RepartitioningBuild {
		return joinerr.ErrInvariant
	}

	b.logPartitionStats()

	if b.level == 0 {
		if err := b.publishRuntimeFilters(); err != nil {
			return err
		}
	}

	if err := b.buildHashTablesAndReserveProbeBuffers(inputWasSpilled); err != nil {
		return err
	}

	if b.state == PartitioningBuild {
		return b.UpdateState(PartitioningProbe)
	}
	return b.UpdateState(RepartitioningProbe)
}

func (b *Builder) logPartitionStats() {
	var total, largest int64
	stats := make([]PartitionStat, 0, len(b.hashPartitions))
	for _, p := range b.hashPartitions {
		if p == nil {
			continue
		}
		n := p.NumRows()
		total += n
		if n > largest {
			largest = n
		}
		stats = append(stats, PartitionStat{
			ID:      p.id,
			Level:   p.level,
			NumRows: n,
			Spilled: p.isSpilled,
		})
	}
	b.lastStats = stats

	pct := 0.0
	if total > 0 {
		pct = 100 * float64(largest) / float64(total)
	}
	if b.metrics != nil {
		b.metrics.LargestPartitionPercent.Set(pct)
		b.metrics.MaxPartitionLevel.Set(float64(b.level))
	}
	b.log.Info("partition size histogram",
		zap.Int("level", b.level),
		zap.Int64("total_rows", total),
		zap.Float64("largest_partition_percent", pct),
		zap.Any("partitions", stats))
}

// LastPartitionStats returns the per-partition row-count and spilled
// status computed by the most recent FlushFinal, matching the original's
// VLOG(2) dump there.
func (b *Builder) LastPartitionStats() []PartitionStat {
	return b.lastStats
}

// publishRuntimeFilters finalizes every registered filter now that the
// build side's row count is known: a Bloom filter whose estimated
// false-positive rate would exceed the configured bound is suppressed as
// always-true; min-max filters publish unless they never saw a value.
func (b *Builder) publishRuntimeFilters() error {
	var total int64
	for _, p := range b.hashPartitions {
		if p != nil {
			total += p.NumRows()
		}
	}
	for _, fd := range b.filterDescs {
		if _, err := b.filterBank.Publish(fd.Desc.ID, total); err != nil {
			return err
		}
	}
	return nil
}

// LastNonEmptyBuild reports whether Send has ever been called with at
// least one row, exposed to the probe side via HashPartitions.
func (b *Builder) LastNonEmptyBuild() bool { return b.nonEmptyBuild }

// CurrentFanout exposes the active hash_partitions as the probe side's
// HashPartitions view.
func (b *Builder) CurrentFanout() HashPartitions {
	return HashPartitions{
		Level:         b.level,
		Partitions:    b.hashPartitions,
		NonEmptyBuild: b.nonEmptyBuild,
	}
}

func (b *Builder) NullAwarePartition() *Partition { return b.nullAwarePartition }

// BeginInitialProbe transfers the probe-stream reservation to probeClient
// and hands over the current fanout.
func (b *Builder) BeginInitialProbe(probeClient *bufpool.Client) (HashPartitions, error) {
	if b.state != PartitioningProbe {
		return HashPartitions{}, joinerr.ErrInvariant
	}
	if err := b.transferProbeReservation(probeClient); err != nil {
		return HashPartitions{}, err
	}
	return b.CurrentFanout(), nil
}

func (b *Builder) transferProbeReservation(probeClient *bufpool.Client) error {
	amount := b.client.Reservation(probeStreamReservationName)
	b.probeClient = probeClient
	b.probeReservationAmount = amount
	if amount == 0 {
		return nil
	}
	return b.client.TransferReservation(probeClient, probeStreamReservationName, amount)
}

// reclaimProbeReservation temporarily pulls back the bytes last handed to
// the probe side so they can be used for a fresh fanout while
// repartitioning. It is a best-effort internal transfer, not
// the named sub-reservation protocol: the probe client already holds these
// bytes as ordinary consumed memory, not under the
// probe_stream_reservation name.
func (b *Builder) reclaimProbeReservation() error {
	if b.probeClient == nil || b.probeReservationAmount == 0 {
		return nil
	}
	amount := b.probeReservationAmount
	b.probeClient.Release(amount)
	if err := b.client.SaveReservation(probeStreamReservationName, amount); err != nil {
		return err
	}
	b.probeReservationAmount = 0
	return nil
}

// DoneProbingHashPartitions finalizes every partition in the current
// fanout now that the probe side is done with this round. A spilled
// partition whose corresponding slot in retain is set still needs a
// further probe pass (e.g. against a deeper repartitioning) and is left
// open; every other spilled partition, and every in-memory partition
// regardless of retain, is either pushed into outputPartitions (if this
// join op needs unmatched build rows and the partition is non-empty) or
// closed outright.
func (b *Builder) DoneProbingHashPartitions(retain []bool, outputPartitions *[]*Partition) error {
	if len(retain) != len(b.hashPartitions) {
		return errors.Newf(
			"join: retain has %d entries, fanout has %d", len(retain), len(b.hashPartitions))
	}
	needUnmatched := b.joinOp.NeedsUnmatchedBuildRows()
	for i, p := range b.hashPartitions {
		if p == nil || p.closed {
			continue
		}
		if p.IsSpilled() && retain[i] {
			continue
		}
		if needUnmatched && !p.IsEmpty() {
			*outputPartitions = append(*outputPartitions, p)
			continue
		}
		if err := p.Close(); err != nil {
			return err
		}
	}
	return nil
}

// DoneProbingSinglePartition applies the same retention logic as
// DoneProbingHashPartitions to one spilled partition that has just
// finished being probed (e.g. after BeginSpilledProbe).
func (b *Builder) DoneProbingSinglePartition(p *Partition, outputPartitions *[]*Partition) error {
	if p == nil || p.closed {
		return nil
	}
	if b.joinOp.NeedsUnmatchedBuildRows() && !p.IsEmpty() {
		*outputPartitions = append(*outputPartitions, p)
		return nil
	}
	return p.Close()
}

// Reset drains and closes every partition and restores PARTITIONING_BUILD,
// ready for a new build.
func (b *Builder) Reset() error {
	for _, p := range b.allPartitions {
		if err := p.Close(); err != nil {
			return err
		}
	}
	b.allPartitions = nil
	b.hashPartitions = nil
	b.nullAwarePartition = nil
	b.nextPartitionID = 0
	b.level = 0
	b.nonEmptyBuild = false
	b.state = PartitioningBuild
	return nil
}

// Close tears down every resource this builder owns. Safe after a partial
// failure: partitions are valid at any point they were left in.
func (b *Builder) Close() error {
	var firstErr error
	for _, p := range b.allPartitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.allPartitions = nil
	b.hashPartitions = nil
	b.nullAwarePartition = nil
	return firstErr
}

func (b *Builder) State() HashJoinState { return b.state }
func (b *Builder) Level() int           { return b.level }

// DebugString renders the builder's state, level, and per-partition
// stats, the same information UpdateState logs with an illegal
// transition and that tests assert against.
func (b *Builder) DebugString() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Builder{state=%s level=%d partitions=[", b.state, b.level)
	for i, p := range b.hashPartitions {
		if p == nil {
			continue
		}
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(p.DebugString())
	}
	buf.WriteString("]")
	if b.nullAwarePartition != nil {
		fmt.Fprintf(&buf, " nullAware=%s", b.nullAwarePartition.DebugString())
	}
	buf.WriteString("}")
	return buf.String()
}
