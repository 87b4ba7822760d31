// Package cycles implements the cycle-based deadlock analyzer: it
// enumerates simple cycles in a lock graph, filters each against thread
// distinctness, gatelock disjointness, and segmentation-graph ordering,
// discards cycles dominated by a longer surviving cycle over the same
// locks, deduplicates what remains, and reports the rest as diagnostics.
package cycles

import (
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nbtaylor/d2/diagnostic"
	"github.com/nbtaylor/d2/event"
	"github.com/nbtaylor/d2/ids"
	"github.com/nbtaylor/d2/lockgraph"
)

// HappensBefore is the predicate the analyzer consults to discard cycles
// where one edge is already ordered before another by start/join
// synchronization. *segmentgraph.Graph satisfies this.
type HappensBefore interface {
	HappensBefore(a, b ids.Segment) bool
}

// Analyzer walks a completed lock graph and reports potential deadlock
// cycles to a diagnostic.Visitor.
type Analyzer struct {
	log *zap.Logger
}

// New returns an Analyzer.
func New(log *zap.Logger) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Analyzer{log: log}
}

// Analyze enumerates every simple cycle in lg, filters, discards dominated
// candidates and deduplicates the rest against sg, and invokes visit once
// per surviving cycle in deterministic order.
func (a *Analyzer) Analyze(lg *lockgraph.Graph, sg HappensBefore, visit diagnostic.Visitor) {
	vertexCycles := enumerateVertexCycles(lg)

	type candidate struct {
		streaks  []diagnostic.AcquireStreak
		key      string
		vertices map[ids.LockID]bool
	}
	var candidates []candidate
	for _, vc := range vertexCycles {
		for _, cycle := range expandToEdgeCycles(lg, vc) {
			if !threadDistinct(cycle) {
				continue
			}
			if !gatelocksDisjoint(cycle) {
				continue
			}
			if !concurrentUnderHappensBefore(cycle, sg) {
				continue
			}
			streaks, key := renderCycle(cycle)
			candidates = append(candidates, candidate{streaks: streaks, key: key, vertices: vertexSet(cycle)})
		}
	}

	// Mandatory transitive closure means the same deadlock is often
	// discoverable as more than one vertex cycle: a short one using a
	// shortcut edge, and a longer "spanning" one whose extra vertices are
	// locks the shortcut already jumps over. A candidate whose vertex set
	// is a proper subset of another surviving candidate's is exactly that
	// short cycle; only the maximal candidates are reported (see
	// miss_unless_transitive_closure, ABBA_false_middle_gate).
	seen := make(map[string]bool)
	var kept int
	for i, c := range candidates {
		dominated := false
		for j, other := range candidates {
			if i == j {
				continue
			}
			if len(other.vertices) > len(c.vertices) && isSubset(c.vertices, other.vertices) {
				dominated = true
				break
			}
		}
		if dominated || seen[c.key] {
			continue
		}
		seen[c.key] = true
		kept++
		visit(diagnostic.Diagnostic{Streaks: c.streaks})
	}
	a.log.Debug("cycles: analysis complete", zap.Int("vertex_cycles", len(vertexCycles)), zap.Int("diagnostics", kept))
}

func vertexSet(cycle []lockgraph.Edge) map[ids.LockID]bool {
	out := make(map[ids.LockID]bool, len(cycle))
	for _, e := range cycle {
		out[e.From] = true
		out[e.To] = true
	}
	return out
}

func isSubset(a, b map[ids.LockID]bool) bool {
	for l := range a {
		if !b[l] {
			return false
		}
	}
	return true
}

// --- vertex-level simple cycle enumeration -------------------------------

// enumerateVertexCycles finds every elementary circuit of lg's vertex
// graph, each reported exactly once. This is the vertex-restriction trick
// Johnson's algorithm is built on: a circuit is only ever discovered
// starting from its own minimum-valued vertex, searching only through
// vertices of equal-or-greater value, which both finds every circuit and
// prevents reporting the same one from each of its member vertices.
func enumerateVertexCycles(lg *lockgraph.Graph) [][]ids.LockID {
	vertices := lg.Vertices()
	sort.Slice(vertices, func(i, j int) bool { return vertices[i] < vertices[j] })

	neighbors := make(map[ids.LockID][]ids.LockID, len(vertices))
	for _, v := range vertices {
		seenTo := make(map[ids.LockID]bool)
		var out []ids.LockID
		for _, e := range lg.OutEdges(v) {
			if !seenTo[e.To] {
				seenTo[e.To] = true
				out = append(out, e.To)
			}
		}
		neighbors[v] = out
	}

	var cycles [][]ids.LockID
	for _, s := range vertices {
		blocked := map[ids.LockID]bool{s: true}
		path := []ids.LockID{s}

		var dfs func(cur ids.LockID)
		dfs = func(cur ids.LockID) {
			for _, next := range neighbors[cur] {
				if next < s {
					continue // restrict to the subgraph induced on vertices >= s
				}
				if next == s {
					cyc := make([]ids.LockID, len(path))
					copy(cyc, path)
					cycles = append(cycles, cyc)
					continue
				}
				if blocked[next] {
					continue
				}
				blocked[next] = true
				path = append(path, next)
				dfs(next)
				path = path[:len(path)-1]
				blocked[next] = false
			}
		}
		dfs(s)
	}
	return cycles
}

// expandToEdgeCycles turns a vertex circuit into every concrete edge
// sequence realizing it: the lock graph is a multigraph, so a vertex hop
// u -> v may be backed by several distinct edges (different threads,
// gatelocks, or call sites), each of which is its own deadlock candidate.
func expandToEdgeCycles(lg *lockgraph.Graph, vertices []ids.LockID) [][]lockgraph.Edge {
	n := len(vertices)
	hopEdges := make([][]lockgraph.Edge, n)
	for i := 0; i < n; i++ {
		from := vertices[i]
		to := vertices[(i+1)%n]
		for _, e := range lg.OutEdges(from) {
			if e.To == to {
				hopEdges[i] = append(hopEdges[i], e)
			}
		}
		if len(hopEdges[i]) == 0 {
			return nil // shouldn't happen; defensive
		}
	}

	var results [][]lockgraph.Edge
	combo := make([]lockgraph.Edge, n)
	var rec func(i int)
	rec = func(i int) {
		if i == n {
			out := make([]lockgraph.Edge, n)
			copy(out, combo)
			results = append(results, out)
			return
		}
		for _, e := range hopEdges[i] {
			combo[i] = e
			rec(i + 1)
		}
	}
	rec(0)
	return results
}

// --- filters --------------------------------------------------------------

func threadDistinct(cycle []lockgraph.Edge) bool {
	threads := make(map[ids.ThreadID]bool)
	for _, e := range cycle {
		threads[e.Thread] = true
	}
	return len(threads) >= 2
}

func gatelocksDisjoint(cycle []lockgraph.Edge) bool {
	for i := 0; i < len(cycle); i++ {
		for j := i + 1; j < len(cycle); j++ {
			ei, ej := cycle[i], cycle[j]
			if ei.Thread == ej.Thread {
				continue
			}
			ejSet := make(map[ids.LockID]bool, len(ej.Gatelocks))
			for _, l := range ej.Gatelocks {
				ejSet[l] = true
			}
			for _, l := range ei.Gatelocks {
				if ejSet[l] {
					return false
				}
			}
		}
	}
	return true
}

// concurrentUnderHappensBefore implements the happens-before non-ordering
// check. For every cross-thread pair of edges, neither may already be
// ordered before the other via segmentation-graph reachability; checking
// both directions is mandatory, not an optimization, since ordering can
// be evident only "the other way round" for a given pair.
func concurrentUnderHappensBefore(cycle []lockgraph.Edge, sg HappensBefore) bool {
	for i := 0; i < len(cycle); i++ {
		for j := i + 1; j < len(cycle); j++ {
			ei, ej := cycle[i], cycle[j]
			if ei.Thread == ej.Thread {
				continue
			}
			if sg.HappensBefore(ei.S2, ej.S1) {
				return false
			}
			if sg.HappensBefore(ej.S2, ei.S1) {
				return false
			}
		}
	}
	return true
}

// stackKey collapses a stack trace to a comparable string; an empty or
// absent stack is its own distinct key (the zero call site), consistent
// with stacks being optional.
func stackKey(frames []event.Frame) string {
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = strconv.FormatUint(f.IP, 10) + ":" + f.Function + ":" + f.Module
	}
	return strings.Join(parts, "|")
}

// --- streak / diagnostic construction and dedup ----------------------------

// renderCycle groups a cycle's edges into per-thread acquisition streaks
// and, in the same pass, builds the dedup key used to collapse equivalent
// candidates.
//
// Each streak is built from one or more consecutive same-thread edges.
// An edge's Between locks are spliced in between From and To, so a
// transitive-closure edge that jumps over an intermediate lock renders
// the full chain the thread actually acquired (miss_unless_transitive_closure,
// ABBA_false_middle_gate), not just the jump's two endpoints. Because the
// lock graph's mandatory transitive closure means the same deadlock
// candidate is often discoverable as more than one vertex cycle (a short
// one using a shortcut edge, and a longer "spanning" one using the direct
// edges it shortcuts), two such cycles render identical streaks once
// Between is spliced in; keying dedup on that rendered content (thread,
// full lock sequence, and the run's first/last acquisition call sites)
// collapses them to the single diagnostic the ground truth expects,
// while two otherwise-identical streaks acquired from distinct call
// sites (ABBA_redundant_diff_functions) still keep their own key.
func renderCycle(cycle []lockgraph.Edge) ([]diagnostic.AcquireStreak, string) {
	n := len(cycle)
	streaks := make([]diagnostic.AcquireStreak, 0, n)
	keyParts := make([]string, 0, n)

	// Find a starting index whose edge starts a new thread-run (i.e. the
	// previous edge, cyclically, belongs to a different thread), so the
	// streak grouping below never splits a run across the wrap-around.
	start := 0
	for i := 0; i < n; i++ {
		prev := (i - 1 + n) % n
		if cycle[prev].Thread != cycle[i].Thread {
			start = i
			break
		}
	}

	i := 0
	for i < n {
		idx := (start + i) % n
		thread := cycle[idx].Thread
		locks := append([]ids.LockID{cycle[idx].From}, cycle[idx].Between...)
		locks = append(locks, cycle[idx].To)
		firstStack := cycle[idx].Stack1
		lastStack := cycle[idx].Stack2
		i++
		for i < n {
			nextIdx := (start + i) % n
			if cycle[nextIdx].Thread != thread {
				break
			}
			locks = append(locks, cycle[nextIdx].Between...)
			locks = append(locks, cycle[nextIdx].To)
			lastStack = cycle[nextIdx].Stack2
			i++
		}
		streaks = append(streaks, diagnostic.AcquireStreak{Thread: thread, Locks: locks})

		lockStrs := make([]string, len(locks))
		for j, l := range locks {
			lockStrs[j] = l.String()
		}
		keyParts = append(keyParts, thread.String()+"["+strings.Join(lockStrs, ",")+"]"+
			"#"+stackKey(firstStack)+"/"+stackKey(lastStack))
	}

	sort.Strings(keyParts)
	return streaks, strings.Join(keyParts, ";")
}
