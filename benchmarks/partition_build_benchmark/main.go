package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/ravowlga123/impala/bufpool"
	"github.com/ravowlga123/impala/filter"
	"github.com/ravowlga123/impala/join"
	"github.com/ravowlga123/impala/metrics"
	"github.com/ravowlga123/impala/pagestore"
	"github.com/ravowlga123/impala/row"
)

func main() {
	go func() {
		log.Println(http.ListenAndServe("localhost:6060", nil))
	}()

	var flagNumRows int
	var flagNumDistinctKeys int
	var flagMemoryLimitMB int
	var flagSpillDir string
	flag.IntVar(&flagNumRows, "rows", 10_000_000, "number of synthetic build rows")
	flag.IntVar(&flagNumDistinctKeys, "keys", 1_000_000, "number of distinct join keys")
	flag.IntVar(&flagMemoryLimitMB, "memory_mb", 256, "build-side memory budget in MB")
	flag.StringVar(&flagSpillDir, "spill_dir", ".", "directory for partition spill files")
	flag.Parse()

	desc := &row.Descriptor{Columns: []row.Column{
		{Name: "key", Type: row.Int64},
		{Name: "payload", Type: row.String},
	}}

	cfg := join.DefaultConfig()
	cfg.MemoryLimit = int64(flagMemoryLimitMB) << 20
	cfg.SpillDir = flagSpillDir

	client := bufpool.NewClient("partition_build_benchmark", cfg.MemoryLimit)
	dir := pagestore.NewDir(cfg.SpillDir, "bench")
	bank := filter.NewBank(cfg.TargetFilterFpRate)
	m := metrics.NewBuilder("partition_build_benchmark")

	b, err := join.New(cfg, nil, client, dir, bank, m, desc, join.InnerJoin)
	if err != nil {
		log.Fatal(err)
	}
	eqConjuncts := []join.EqConjunct{{BuildColumn: 0, ProbeColumn: 0}}
	filterDescs := []join.FilterDesc{
		{Desc: filter.Desc{ID: 1, Kind: filter.Bloom}, BuildColumn: 0, ProducedHere: true},
	}
	if err := b.Init(eqConjuncts, filterDescs); err != nil {
		log.Fatal(err)
	}
	if err := b.Prepare(); err != nil {
		log.Fatal(err)
	}
	if err := b.Open(); err != nil {
		log.Fatal(err)
	}

	start := time.Now()
	rng := rand.New(rand.NewSource(1))
	const batchSize = 4096
	batch := row.NewBatch(desc, batchSize)
	for i := 0; i < flagNumRows; i++ {
		key := int64(rng.Intn(flagNumDistinctKeys))
		batch.Append(row.Row{key, "payload-value"})
		if batch.NumRows() == batchSize {
			if err := b.Send(context.Background(), batch); err != nil {
				log.Fatal(err)
			}
			batch.Reset()
		}
	}
	if batch.NumRows() > 0 {
		if err := b.Send(context.Background(), batch); err != nil {
			log.Fatal(err)
		}
	}
	fmt.Printf("Done partitioning %d rows after %v\n", flagNumRows, time.Since(start))

	start = time.Now()
	if err := b.FlushFinal(context.Background(), false); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Done building hash tables after %v\n", time.Since(start))

	fanout := b.CurrentFanout()
	var spilled int
	for _, p := range fanout.Partitions {
		if p.IsSpilled() {
			spilled++
		}
	}
	fmt.Printf(
		"Level %d, %d partitions, %d spilled, %s\n",
		fanout.Level, len(fanout.Partitions), spilled, client.DebugString())

	if err := b.Close(); err != nil {
		log.Fatal(err)
	}
}
