// Package metrics exposes the join builder's profile counters through
// Prometheus client_golang, in the style cockroachdb-cockroach and
// matrixorigin-matrixone use for this kind of per-component counter/gauge
// set. This gives the build side's ambient observability a home,
// mirroring the profile counters a runtime profile would expose
// (num-partitions, spilled-partitions, rows-partitioned, and so on).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Builder holds one join builder instance's counters, all under the
// join_builder namespace and told apart by a caller-chosen join_node_id
// label, so multiple concurrent builders (one per query fragment instance)
// don't collide.
type Builder struct {
	PartitionsCreated          prometheus.Counter
	SpilledPartitions          prometheus.Counter
	NumRepartitions            prometheus.Counter
	BuildRowsPartitioned       prometheus.Counter
	NumHashTableBuildsSkipped  prometheus.Counter
	LargestPartitionPercent    prometheus.Gauge
	MaxPartitionLevel          prometheus.Gauge
}

// NewBuilder constructs a fresh, unregistered set of counters labeled with
// the given join node ID. Callers register it with a prometheus.Registerer
// of their choosing (or none, for tests).
func NewBuilder(joinNodeID string) *Builder {
	labels := prometheus.Labels{"join_node_id": joinNodeID}
	return &Builder{
		PartitionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "join_builder",
			Name:        "partitions_created_total",
			Help:        "Number of partitions created, including via repartitioning.",
			ConstLabels: labels,
		}),
		SpilledPartitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "join_builder",
			Name:        "spilled_partitions_total",
			Help:        "Number of partitions spilled to disk.",
			ConstLabels: labels,
		}),
		NumRepartitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "join_builder",
			Name:        "repartitions_total",
			Help:        "Number of times a spilled partition was recursively repartitioned.",
			ConstLabels: labels,
		}),
		BuildRowsPartitioned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "join_builder",
			Name:        "build_rows_partitioned_total",
			Help:        "Number of build rows routed into a partition.",
			ConstLabels: labels,
		}),
		NumHashTableBuildsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "join_builder",
			Name:        "hash_table_builds_skipped_total",
			Help:        "Number of partitions that stayed spilled instead of building an in-memory hash table.",
			ConstLabels: labels,
		}),
		LargestPartitionPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "join_builder",
			Name:        "largest_partition_percent",
			Help:        "Percentage of build rows in the largest partition, as of the last FlushFinal.",
			ConstLabels: labels,
		}),
		MaxPartitionLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "join_builder",
			Name:        "max_partition_level",
			Help:        "Deepest recursion level reached by any partition so far.",
			ConstLabels: labels,
		}),
	}
}

// Collectors returns every metric in Builder, for bulk registration.
func (b *Builder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		b.PartitionsCreated,
		b.SpilledPartitions,
		b.NumRepartitions,
		b.BuildRowsPartitioned,
		b.NumHashTableBuildsSkipped,
		b.LargestPartitionPercent,
		b.MaxPartitionLevel,
	}
}
