package join

import (
	. "gopkg.in/check.v1"
)

type StateSuite struct{}

var _ = Suite(&StateSuite{})

func (s *StateSuite) TestLegalTransitions(c *C) {
	b := &Builder{state: PartitioningBuild}
	c.Assert(b.UpdateState(PartitioningProbe), IsNil)
	c.Assert(b.state, Equals, PartitioningProbe)

	c.Assert(b.UpdateState(RepartitioningBuild), IsNil)
	c.Assert(b.UpdateState(RepartitioningProbe), IsNil)
	c.Assert(b.UpdateState(ProbingSpilledPartition), IsNil)
	c.Assert(b.UpdateState(ProbingSpilledPartition), IsNil)
	c.Assert(b.UpdateState(RepartitioningBuild), IsNil)
}

func (s *StateSuite) TestIllegalTransitionIsRejected(c *C) {
	b := &Builder{state: PartitioningBuild}
	c.Assert(b.UpdateState(RepartitioningBuild), NotNil)
	c.Assert(b.state, Equals, PartitioningBuild)
}

func (s *StateSuite) TestStateStringer(c *C) {
	c.Assert(PartitioningBuild.String(), Equals, "PARTITIONING_BUILD")
	c.Assert(HashJoinState(99).String(), Equals, "UNKNOWN")
}
