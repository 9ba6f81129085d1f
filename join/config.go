package join

import "github.com/dropbox/godropbox/errors"

type RuntimeFilterMode int

const (
	FilterModeGlobal RuntimeFilterMode = iota
	FilterModeLocal
	FilterModeOff
)

type PrefetchMode int

const (
	PrefetchNone PrefetchMode = iota
	PrefetchHTBucket
)

// Config holds every recognized build-side tuning knob, including the
// NDV-estimation and filter-FP-rate settings that govern runtime filter
// production. There is deliberately no config-file or flag-parsing
// library behind this struct: a join builder is constructed in-process by
// its driving fragment, which already has these values computed from the
// query plan, so a CLI/file layer would have nothing real to parse.
type Config struct {
	// PARTITION_FANOUT, a power of two; 16 is the original's default.
	PartitionFanout int

	// NUM_PARTITIONING_BITS constrains the max hash-table bucket count at
	// log2(PartitionFanout) bits consumed per level.
	NumPartitioningBits int

	// MAX_PARTITION_DEPTH, the recursion cap before the join aborts.
	MaxPartitionDepth int

	// SpillableBufferSize is the default tuple-stream page size.
	SpillableBufferSize int64

	// MaxRowBufferSize must be at least SpillableBufferSize (Validate
	// checks this). Streams do not grow their pages: every page is
	// SpillableBufferSize bytes, and Send rejects a row larger than that.
	MaxRowBufferSize int64

	RuntimeFilterMode          RuntimeFilterMode
	DisableRowRuntimeFiltering bool
	PrefetchMode               PrefetchMode

	// TargetFilterFpRate bounds the Bloom filter's acceptable estimated
	// false-positive rate before FlushFinal suppresses it.
	TargetFilterFpRate float64

	// MemoryLimit is the build-side buffer-pool client's byte budget.
	MemoryLimit int64

	// SpillDir is where partition spill files are created.
	SpillDir string
}

// DefaultConfig mirrors the original's own defaults (16-way fanout, 4 bits
// consumed per level since log2(16) == 4).
func DefaultConfig() Config {
	return Config{
		PartitionFanout:     16,
		NumPartitioningBits: 4,
		MaxPartitionDepth:   8,
		SpillableBufferSize: 2 << 20,
		MaxRowBufferSize:    8 << 20,
		RuntimeFilterMode:   FilterModeGlobal,
		TargetFilterFpRate:  0.05,
		MemoryLimit:         256 << 20,
		SpillDir:            ".",
	}
}

func (c Config) Validate() error {
	if c.PartitionFanout <= 0 || c.PartitionFanout&(c.PartitionFanout-1) != 0 {
		return errors.Newf("join: PartitionFanout must be a power of two, got %d", c.PartitionFanout)
	}
	if 1<<c.NumPartitioningBits != c.PartitionFanout {
		return errors.Newf(
			"join: NumPartitioningBits %d does not match PartitionFanout %d",
			c.NumPartitioningBits, c.PartitionFanout)
	}
	if c.MaxPartitionDepth <= 0 {
		return errors.Newf("join: MaxPartitionDepth must be positive, got %d", c.MaxPartitionDepth)
	}
	if c.SpillableBufferSize <= 0 {
		return errors.Newf("join: SpillableBufferSize must be positive, got %d", c.SpillableBufferSize)
	}
	if c.MaxRowBufferSize < c.SpillableBufferSize {
		return errors.Newf(
			"join: MaxRowBufferSize %d must be >= SpillableBufferSize %d",
			c.MaxRowBufferSize, c.SpillableBufferSize)
	}
	if c.TargetFilterFpRate <= 0 || c.TargetFilterFpRate >= 1 {
		return errors.Newf(
			"join: TargetFilterFpRate must be in (0, 1), got %v", c.TargetFilterFpRate)
	}
	if c.MemoryLimit <= 0 {
		return errors.Newf("join: MemoryLimit must be positive, got %d", c.MemoryLimit)
	}
	if c.SpillDir == "" {
		return errors.Newf("join: SpillDir must be set")
	}
	return nil
}
