package segmentgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nbtaylor/d2/event"
	"github.com/nbtaylor/d2/ids"
)

func TestEmptyGraphIsAcyclicAndHasInitialSegment(t *testing.T) {
	g := New(nil)
	assert.True(t, g.Acyclic())
	assert.Contains(t, g.Vertices(), ids.Segment(0))
}

func TestStartAddsThreeVertexAndTwoEdges(t *testing.T) {
	g := New(nil)
	g.Apply(event.Start(1, 0, 1, 2))
	g.Freeze()

	assert.ElementsMatch(t, []ids.Segment{0, 1, 2}, g.Vertices())
	assert.True(t, g.HappensBefore(0, 1))
	assert.True(t, g.HappensBefore(0, 2))
	assert.False(t, g.HappensBefore(1, 2))
	assert.False(t, g.HappensBefore(2, 1))
}

func TestJoinAddsConvergingEdges(t *testing.T) {
	g := New(nil)
	g.Apply(event.Start(1, 0, 1, 2))
	g.Apply(event.Join(1, 1, 3, 2))
	g.Freeze()

	assert.True(t, g.HappensBefore(0, 3))
	assert.True(t, g.HappensBefore(2, 3))
	assert.True(t, g.HappensBefore(0, 2))
}

func TestTransitiveHappensBefore(t *testing.T) {
	g := New(nil)
	g.Apply(event.Start(1, 0, 1, 2))
	g.Apply(event.Start(2, 2, 3, 4))
	g.Freeze()

	assert.True(t, g.HappensBefore(0, 4))
	assert.True(t, g.HappensBefore(0, 3))
}

func TestAcyclicUnderManySegments(t *testing.T) {
	g := New(nil)
	for i := ids.Segment(0); i < 50; i += 2 {
		g.Apply(event.Start(1, i, i+1, i+2))
	}
	assert.True(t, g.Acyclic())
}

func TestUnrelatedEventsAreIgnored(t *testing.T) {
	g := New(nil)
	g.Apply(event.Acquire(1, 1, nil))
	g.Apply(event.SegmentHop(1, 5))
	assert.Equal(t, []ids.Segment{0}, g.Vertices())
}

func TestHappensBeforeFalseBeforeFreeze(t *testing.T) {
	g := New(nil)
	g.Apply(event.Start(1, 0, 1, 2))
	assert.False(t, g.HappensBefore(0, 1))
}
