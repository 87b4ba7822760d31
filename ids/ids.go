// Package ids hands out opaque, dense identifiers for threads and locks.
//
// Two ThreadIDs (or two LockIDs) compare equal iff they denote the same
// thread (or lock) in the observed program. Ids are obtained lazily, once
// per participant, from a single process-wide monotonic counter per kind;
// the same counter pattern the teacher's Mutex uses to pack per-state
// holder counts into a lock-free word, but here there is nothing to pack:
// fetch-and-add is the whole algorithm.
package ids

import (
	"strconv"
	"sync/atomic"
)

// ThreadID uniquely identifies a thread for the lifetime of an observation.
type ThreadID uint64

// String renders the id in decimal, matching the diagnostic surface's
// "thread ids... emitted in decimal" requirement.
func (t ThreadID) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// LockID uniquely identifies a lock for the lifetime of an observation.
type LockID uint64

// String renders the id in decimal.
func (l LockID) String() string {
	return strconv.FormatUint(uint64(l), 10)
}

// Segment is a totally ordered tag for a thread's happens-before interval.
// The initial segment of the main thread is 0; new segments are minted
// strictly increasing, which is what lets segmentgraph claim acyclicity
// by construction.
type Segment uint64

func (s Segment) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Generator is a process-wide source of fresh ThreadID, LockID, and
// Segment values. The zero value is not usable; use NewGenerator.
//
// Each counter is advanced with a single atomic fetch-and-add: there is
// no suspension point and no ordering guarantee beyond uniqueness, per
// the identifier service's contract.
type Generator struct {
	nextThread  atomic.Uint64
	nextLock    atomic.Uint64
	nextSegment atomic.Uint64
}

// NewGenerator returns a Generator whose first minted Segment is 1 (segment
// 0 is reserved for the initial/main thread segment and is never minted by
// the generator itself).
func NewGenerator() *Generator {
	g := &Generator{}
	g.nextSegment.Store(1)
	return g
}

// FreshThread returns a new, never-before-returned ThreadID.
func (g *Generator) FreshThread() ThreadID {
	return ThreadID(g.nextThread.Add(1) - 1)
}

// FreshLock returns a new, never-before-returned LockID.
func (g *Generator) FreshLock() LockID {
	return LockID(g.nextLock.Add(1) - 1)
}

// FreshSegment returns a new Segment strictly greater than every Segment
// returned so far (and greater than the initial segment 0).
func (g *Generator) FreshSegment() Segment {
	return Segment(g.nextSegment.Add(1) - 1)
}
