// Package segmentgraph builds and queries the segmentation graph: a
// directed acyclic graph of Segments where an edge s_parent -> s_child
// asserts "s_parent happens-before s_child". It is built from a thread's
// Start and Join process-scope events and queried by the cycle analyzer
// for the happens-before predicate.
package segmentgraph

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nbtaylor/d2/event"
	"github.com/nbtaylor/d2/ids"
)

// Graph is a built, immutable-after-Freeze segmentation graph.
//
// Vertices are born lazily as Start/Join events are processed; segment 0
// (the initial process segment) always exists even if never explicitly
// added, since every other segment is reachable from it by construction.
type Graph struct {
	log *zap.Logger

	mu       sync.Mutex // guards everything below during the build phase
	edges    map[ids.Segment][]ids.Segment
	vertices map[ids.Segment]struct{}

	frozen  bool
	reachMu sync.RWMutex
	reach   map[ids.Segment]map[ids.Segment]bool // memoized hb(a,*) once frozen
}

// New returns an empty Graph seeded with the initial segment 0.
func New(log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Graph{
		log:      log,
		edges:    make(map[ids.Segment][]ids.Segment),
		vertices: map[ids.Segment]struct{}{0: {}},
	}
	return g
}

func (g *Graph) addVertex(s ids.Segment) {
	if _, ok := g.vertices[s]; !ok {
		g.vertices[s] = struct{}{}
		g.edges[s] = nil
	}
}

func (g *Graph) addEdge(from, to ids.Segment) {
	g.addVertex(from)
	g.addVertex(to)
	for _, existing := range g.edges[from] {
		if existing == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
}

// Apply folds a single process-scope event (Start or Join) into the
// graph. Any other event tag is ignored, matching the builder's license
// to tolerate and skip events from other scopes in the same stream.
func (g *Graph) Apply(e event.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		g.log.Warn("segmentgraph: Apply called after Freeze, ignoring")
		return
	}
	switch e.Tag {
	case event.TagStart:
		g.addEdge(e.ParentSegmentBefore, e.ParentSegmentAfter)
		g.addEdge(e.ParentSegmentBefore, e.ChildSegment)
	case event.TagJoin:
		g.addEdge(e.ParentSegmentBefore, e.ParentSegmentAfter)
		g.addEdge(e.ChildSegment, e.ParentSegmentAfter)
	default:
		// unrelated event; ignore
	}
}

// Freeze marks the graph immutable and precomputes reachability. After
// Freeze, HappensBefore is safe to call concurrently from many goroutines
// (the cycle analyzer may run over disjoint SCCs in parallel).
func (g *Graph) Freeze() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return
	}
	g.frozen = true

	reach := make(map[ids.Segment]map[ids.Segment]bool, len(g.vertices))
	for v := range g.vertices {
		visited := make(map[ids.Segment]bool)
		var stack []ids.Segment
		for _, next := range g.edges[v] {
			stack = append(stack, next)
		}
		for len(stack) > 0 {
			n := len(stack) - 1
			cur := stack[n]
			stack = stack[:n]
			if visited[cur] {
				continue
			}
			visited[cur] = true
			stack = append(stack, g.edges[cur]...)
		}
		reach[v] = visited
	}
	g.reachMu.Lock()
	g.reach = reach
	g.reachMu.Unlock()
}

// HappensBefore reports whether there is a directed path from a to b in
// the segmentation graph (a == b counts as trivially not-before; the
// predicate is strict).
func (g *Graph) HappensBefore(a, b ids.Segment) bool {
	g.reachMu.RLock()
	defer g.reachMu.RUnlock()
	if g.reach == nil {
		return false
	}
	return g.reach[a][b]
}

// Vertices returns every segment currently known to the graph. The
// returned slice is a fresh copy and safe to retain.
func (g *Graph) Vertices() []ids.Segment {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ids.Segment, 0, len(g.vertices))
	for v := range g.vertices {
		out = append(out, v)
	}
	return out
}

// EdgeCount returns the total number of distinct edges, for graph
// statistics tooling.
func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, vs := range g.edges {
		n += len(vs)
	}
	return n
}

// Acyclic reports whether the graph, as currently built, contains no
// cycle. True by construction (segments only ever increase), kept as a
// checkable invariant for tests rather than trusted blindly.
func (g *Graph) Acyclic() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[ids.Segment]int, len(g.vertices))
	var dfs func(v ids.Segment) bool
	dfs = func(v ids.Segment) bool {
		color[v] = gray
		for _, next := range g.edges[v] {
			switch color[next] {
			case gray:
				return false
			case white:
				if !dfs(next) {
					return false
				}
			}
		}
		color[v] = black
		return true
	}
	for v := range g.vertices {
		if color[v] == white {
			if !dfs(v) {
				return false
			}
		}
	}
	return true
}
