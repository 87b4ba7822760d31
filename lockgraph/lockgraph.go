// Package lockgraph builds the lock graph described in the spec: a
// directed multigraph over lock ids where an edge l1 -> l2 is emitted
// every time a thread holds l1 and then acquires l2 without releasing
// l1. Construction happens per thread, fed from that thread's own event
// stream; multiple threads may build into the same Graph concurrently.
package lockgraph

import (
	"sync"

	"github.com/alphadose/haxmap"
	"go.uber.org/zap"

	"github.com/nbtaylor/d2/event"
	"github.com/nbtaylor/d2/ids"
)

// Edge is one lock-graph edge: l1 -> l2, annotated with everything the
// cycle analyzer needs to filter and the diagnostic surface needs to
// report.
type Edge struct {
	From, To ids.LockID
	Thread   ids.ThreadID
	S1, S2   ids.Segment // segment when From (S1) and To (S2) were acquired

	// Gatelocks holds every other lock the thread held at the moment To
	// was acquired (From excluded by construction), in acquisition order.
	// This is the full held set, ancestors of From included, and is what
	// the gatelock-disjointness filter checks.
	Gatelocks []ids.LockID

	// Between holds the subsequence of Gatelocks acquired strictly after
	// From and before To: the locks this edge's transitive closure jumps
	// over. A direct, adjacent acquisition (nothing held in between) has
	// an empty Between even when Gatelocks is not.
	Between []ids.LockID

	Stack1 []event.Frame
	Stack2 []event.Frame
}

// GatelockIDs returns e.Gatelocks, in acquisition order. Callers that need
// a stable display or comparison order sort the result themselves.
func (e Edge) GatelockIDs() []ids.LockID {
	out := make([]ids.LockID, len(e.Gatelocks))
	copy(out, e.Gatelocks)
	return out
}

type vertex struct {
	mu    sync.Mutex
	lock  ids.LockID
	edges []Edge // outgoing
}

// Graph is the lock graph under construction (and, after the analyzer
// starts, immutable per §3 Lifecycles).
type Graph struct {
	log      *zap.Logger
	vertices *haxmap.Map[uint64, *vertex]
}

// New returns an empty Graph.
func New(log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{
		log:      log,
		vertices: haxmap.New[uint64, *vertex](),
	}
}

func (g *Graph) vertexFor(l ids.LockID) *vertex {
	v, _ := g.vertices.GetOrCompute(uint64(l), func() *vertex {
		return &vertex{lock: l}
	})
	return v
}

func (g *Graph) addEdge(e Edge) {
	g.vertexFor(e.To) // ensure the target is a vertex even with no outgoing edges of its own
	v := g.vertexFor(e.From)
	v.mu.Lock()
	v.edges = append(v.edges, e)
	v.mu.Unlock()
}

// Vertices returns every lock id that was ever acquired.
func (g *Graph) Vertices() []ids.LockID {
	out := make([]ids.LockID, 0, g.vertices.Len())
	g.vertices.ForEach(func(k uint64, _ *vertex) bool {
		out = append(out, ids.LockID(k))
		return true
	})
	return out
}

// OutEdges returns a copy of l's outgoing edges, or nil if l has none.
func (g *Graph) OutEdges(l ids.LockID) []Edge {
	v, ok := g.vertices.Get(uint64(l))
	if !ok {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Edge, len(v.edges))
	copy(out, v.edges)
	return out
}

// EdgeCount returns the total number of edges in the graph (including
// parallel/duplicate edges; deduplication happens only during analysis).
func (g *Graph) EdgeCount() int {
	n := 0
	g.vertices.ForEach(func(_ uint64, v *vertex) bool {
		v.mu.Lock()
		n += len(v.edges)
		v.mu.Unlock()
		return true
	})
	return n
}

// held is one entry of a thread's ordered held-locks stack.
type held struct {
	lock     ids.LockID
	acquired ids.Segment
	stack    []event.Frame
	depth    int
}

// ThreadBuilder folds a single thread's acquire/release/hop events into a
// shared Graph. Construct one per thread; do not share a ThreadBuilder
// across goroutines.
type ThreadBuilder struct {
	graph   *Graph
	thread  ids.ThreadID
	log     *zap.Logger
	current ids.Segment
	held    []held // ordered by acquisition time
}

// NewThreadBuilder returns a builder that will feed edges for `thread`
// into `graph`.
func NewThreadBuilder(graph *Graph, thread ids.ThreadID, log *zap.Logger) *ThreadBuilder {
	if log == nil {
		log = zap.NewNop()
	}
	return &ThreadBuilder{graph: graph, thread: thread, log: log}
}

// Apply folds a single event into the builder's state. Events outside
// this thread's scope (Start, Join) are ignored, matching the builder's
// license to tolerate events from other scopes in the same stream.
func (b *ThreadBuilder) Apply(e event.Event) error {
	switch e.Tag {
	case event.TagAcquire:
		b.acquire(e.Lock, e.Stack, 1)
	case event.TagRecursiveAcquire:
		if idx := b.indexOf(e.Lock); idx >= 0 {
			b.held[idx].depth++
		} else {
			b.acquire(e.Lock, e.Stack, 1)
		}
	case event.TagRelease:
		return b.release(e.Lock)
	case event.TagRecursiveRelease:
		idx := b.indexOf(e.Lock)
		if idx < 0 {
			return b.release(e.Lock) // will produce InvalidReleaseOrder
		}
		b.held[idx].depth--
		if b.held[idx].depth <= 0 {
			b.removeAt(idx)
		}
	case event.TagSegmentHop:
		b.current = e.NewSegment
	default:
		// Start/Join: unrelated to this thread's lock stack.
	}
	return nil
}

func (b *ThreadBuilder) indexOf(l ids.LockID) int {
	for i, h := range b.held {
		if h.lock == l {
			return i
		}
	}
	return -1
}

// acquire implements the transitive-closure edge emission: every lock
// currently held gets an edge to the newly acquired one, not just the
// most recently held lock. This is what lets the analyzer find cycles
// where the intermediate lock is only ever held transiently within the
// same thread (scenario: miss_unless_transitive_closure).
func (b *ThreadBuilder) acquire(l ids.LockID, stack []event.Frame, depth int) {
	for i, h := range b.held {
		gatelocks := make([]ids.LockID, 0, len(b.held)-1)
		for _, other := range b.held {
			if other.lock != h.lock {
				gatelocks = append(gatelocks, other.lock)
			}
		}
		between := make([]ids.LockID, 0, len(b.held)-i-1)
		for _, other := range b.held[i+1:] {
			between = append(between, other.lock)
		}
		b.graph.addEdge(Edge{
			From:      h.lock,
			To:        l,
			Thread:    b.thread,
			S1:        h.acquired,
			S2:        b.current,
			Gatelocks: gatelocks,
			Between:   between,
			Stack1:    h.stack,
			Stack2:    stack,
		})
	}
	// Ensure l itself is a vertex even if nothing was currently held
	// (first acquisition in the stream, or an isolated lock).
	b.graph.vertexFor(l)

	b.held = append(b.held, held{lock: l, acquired: b.current, stack: stack, depth: depth})
}

// ErrInvalidReleaseOrder is returned (and logged) when a thread releases
// a lock it does not currently hold, per the spec's InvalidReleaseOrder
// error kind; the builder does not abort, it skips the spurious release.
type ErrInvalidReleaseOrder struct {
	Thread ids.ThreadID
	Lock   ids.LockID
}

func (e *ErrInvalidReleaseOrder) Error() string {
	return "lockgraph: thread " + e.Thread.String() + " released lock " + e.Lock.String() + " it does not hold"
}

func (b *ThreadBuilder) release(l ids.LockID) error {
	idx := b.indexOf(l)
	if idx < 0 {
		err := &ErrInvalidReleaseOrder{Thread: b.thread, Lock: l}
		b.log.Warn("lockgraph: invalid release order, skipping", zap.Uint64("thread", uint64(b.thread)), zap.Uint64("lock", uint64(l)))
		return err
	}
	b.removeAt(idx)
	return nil
}

func (b *ThreadBuilder) removeAt(idx int) {
	b.held = append(b.held[:idx], b.held[idx+1:]...)
}

// HeldCount returns the number of locks currently held by this thread's
// builder, used by tests asserting that a balanced sequence empties the
// stack.
func (b *ThreadBuilder) HeldCount() int {
	return len(b.held)
}
