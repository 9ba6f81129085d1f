package join

import (
	. "gopkg.in/check.v1"

	"github.com/ravowlga123/impala/bufpool"
	"github.com/ravowlga123/impala/joinerr"
	"github.com/ravowlga123/impala/pagestore"
	"github.com/ravowlga123/impala/row"
	"github.com/ravowlga123/impala/tuplestream"
)

type PartitionSuite struct {
	desc *row.Descriptor
}

var _ = Suite(&PartitionSuite{})

func (s *PartitionSuite) SetUpTest(c *C) {
	s.desc = &row.Descriptor{Columns: []row.Column{
		{Name: "k", Type: row.Int64},
		{Name: "v", Type: row.String},
	}}
}

func (s *PartitionSuite) newPartition(c *C, client *bufpool.Client, isNullSide bool) *Partition {
	return s.newPartitionWithMaxBuckets(c, client, isNullSide, 0)
}

func (s *PartitionSuite) newPartitionWithMaxBuckets(c *C, client *bufpool.Client, isNullSide bool, maxBuckets uint32) *Partition {
	dir := pagestore.NewDir(c.MkDir(), "p")
	st := tuplestream.New(s.desc, 4096, client, dir, 0, "build")
	c.Assert(st.PrepareForWrite(), IsNil)
	return newPartition(0, 0, isNullSide, st, maxBuckets)
}

func extractKey(r row.Row) []byte {
	return []byte{byte(r[0].(int64))}
}

func extractKeyWithNull(r row.Row) ([]byte, bool) {
	if r[0] == nil {
		return nil, true
	}
	return []byte{byte(r[0].(int64))}, false
}

func (s *PartitionSuite) TestBuildHashTableSucceeds(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	defer p.Close()

	for i := int64(0); i < 10; i++ {
		ok, err := p.AddRow(row.Row{i, "v"})
		c.Assert(err, IsNil)
		c.Assert(ok, Equals, true)
	}

	c.Assert(p.BuildHashTable(client, extractKeyWithNull, false), IsNil)
	c.Assert(p.HasHashTable(), Equals, true)
	c.Assert(p.IsSpilled(), Equals, false)

	m := p.HashTable().Probe(extractKey(row.Row{int64(5), ""}))
	r, ok := m.Next()
	c.Assert(ok, Equals, true)
	c.Assert(r[0], Equals, int64(5))
}

func (s *PartitionSuite) TestBuildHashTableDiscardsNullKeysByDefault(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	defer p.Close()

	_, err := p.AddRow(row.Row{nil, "n"})
	c.Assert(err, IsNil)
	_, err = p.AddRow(row.Row{int64(1), "v"})
	c.Assert(err, IsNil)

	c.Assert(p.BuildHashTable(client, extractKeyWithNull, false), IsNil)
	c.Assert(p.HashTable().NumRows(), Equals, int64(1))
}

func (s *PartitionSuite) TestBuildHashTableKeepsNullKeysWhenRequested(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	defer p.Close()

	_, err := p.AddRow(row.Row{nil, "n"})
	c.Assert(err, IsNil)
	_, err = p.AddRow(row.Row{int64(1), "v"})
	c.Assert(err, IsNil)

	c.Assert(p.BuildHashTable(client, extractKeyWithNull, true), IsNil)
	c.Assert(p.HashTable().NumRows(), Equals, int64(2))
}

func (s *PartitionSuite) TestBuildHashTableFailsWithoutCapacity(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	defer p.Close()

	for i := int64(0); i < 1000; i++ {
		_, err := p.AddRow(row.Row{i, "some longer value to grow the table"})
		c.Assert(err, IsNil)
	}

	tiny := bufpool.NewClient("tiny", 64)
	err := p.BuildHashTable(tiny, extractKeyWithNull, false)
	c.Assert(err, Equals, joinerr.ErrOutOfMemory)
	// Partition is left untouched on failure: caller can still spill it.
	c.Assert(p.HasHashTable(), Equals, false)
	c.Assert(p.IsSpilled(), Equals, false)
}

func (s *PartitionSuite) TestSpillClosesHashTableAndUnpins(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	defer p.Close()

	for i := int64(0); i < 5; i++ {
		_, err := p.AddRow(row.Row{i, "v"})
		c.Assert(err, IsNil)
	}
	c.Assert(p.BuildHashTable(client, extractKeyWithNull, false), IsNil)
	c.Assert(p.HasHashTable(), Equals, true)

	c.Assert(p.Spill(tuplestream.UnpinAll), IsNil)
	c.Assert(p.IsSpilled(), Equals, true)
	c.Assert(p.HasHashTable(), Equals, false)
	c.Assert(p.BytesPinned(), Equals, int64(0))
}

func (s *PartitionSuite) TestSpillRejectsPartitionWithRecordedMatches(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	defer p.Close()

	p.hasRecordedMatches = true
	c.Assert(p.Spill(tuplestream.UnpinAll), Equals, joinerr.ErrInvariant)
	c.Assert(p.IsSpilled(), Equals, false)
}

func (s *PartitionSuite) TestByteSizeIncludesHashTable(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	defer p.Close()

	before := p.ByteSize()
	for i := int64(0); i < 20; i++ {
		_, err := p.AddRow(row.Row{i, "v"})
		c.Assert(err, IsNil)
	}
	c.Assert(p.BuildHashTable(client, extractKeyWithNull, false), IsNil)
	c.Assert(p.ByteSize() > before, Equals, true)
	c.Assert(p.ByteSize() >= p.BytesPinned()+p.HashTable().ByteSize(), Equals, true)
}

func (s *PartitionSuite) TestRebuildAfterSpillClearsSpilledState(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	defer p.Close()

	for i := int64(0); i < 5; i++ {
		_, err := p.AddRow(row.Row{i, "v"})
		c.Assert(err, IsNil)
	}
	c.Assert(p.Spill(tuplestream.UnpinAll), IsNil)
	c.Assert(p.IsSpilled(), Equals, true)

	c.Assert(p.BuildHashTable(client, extractKeyWithNull, false), IsNil)
	c.Assert(p.IsSpilled(), Equals, false)
	c.Assert(p.HashTable().NumRows(), Equals, int64(5))
}

func (s *PartitionSuite) TestCloseIsIdempotent(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	c.Assert(p.Close(), IsNil)
	c.Assert(p.Close(), IsNil)
	c.Assert(p.IsClosed(), Equals, true)
}

func (s *PartitionSuite) TestBuildHashTableRespectsMaxBucketsCeiling(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartitionWithMaxBuckets(c, client, false, 4)
	defer p.Close()

	for i := int64(0); i < 100; i++ {
		_, err := p.AddRow(row.Row{i, "v"})
		c.Assert(err, IsNil)
	}

	c.Assert(p.BuildHashTable(client, extractKeyWithNull, false), IsNil)
	// Without a ceiling, 100 rows at the default load factor would need
	// well over 4 buckets; the configured ceiling must still win.
	c.Assert(p.HashTable().NumBuckets(), Equals, uint32(4))
}

func (s *PartitionSuite) TestEstimatedInMemSizeGrowsWithRowsEvenWithoutTable(c *C) {
	client := bufpool.NewClient("c", 1<<20)
	p := s.newPartition(c, client, false)
	defer p.Close()

	before := p.EstimatedInMemSize()
	for i := int64(0); i < 20; i++ {
		_, err := p.AddRow(row.Row{i, "v"})
		c.Assert(err, IsNil)
	}
	c.Assert(p.HasHashTable(), Equals, false)
	c.Assert(p.EstimatedInMemSize() > before, Equals, true)
}
