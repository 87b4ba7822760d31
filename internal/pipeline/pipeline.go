// Package pipeline wires loader, lockgraph, segmentgraph and cycles
// together into the "repository -> diagnostics" flow shared by every
// cmd/* collaborator: load_events -> build_graphs -> analyze(visitor).
package pipeline

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nbtaylor/d2/cycles"
	"github.com/nbtaylor/d2/diagnostic"
	"github.com/nbtaylor/d2/loader"
	"github.com/nbtaylor/d2/lockgraph"
	"github.com/nbtaylor/d2/segmentgraph"
)

// Graphs holds the two graphs built from a repository, ready for analysis.
type Graphs struct {
	Lock    *lockgraph.Graph
	Segment *segmentgraph.Graph
}

// BuildGraphs loads every event in the repository l points at and folds
// it into a fresh lock graph and segmentation graph. Malformed lines are
// reported in the aggregated error but never stop the build: per §7's
// propagation policy, the caller still gets every graph edge recoverable
// from the parseable prefix.
func BuildGraphs(l *loader.Loader, log *zap.Logger) (Graphs, error) {
	if log == nil {
		log = zap.NewNop()
	}

	lg := lockgraph.New(log)
	sg := segmentgraph.New(log)
	var errs error

	pit, err := l.ProcessEvents()
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		for pit.Next() {
			sg.Apply(pit.Event())
		}
		errs = multierr.Append(errs, pit.Err())
		errs = multierr.Append(errs, pit.Close())
	}
	sg.Freeze()

	threadIDs, err := l.ThreadIDs()
	if err != nil {
		return Graphs{Lock: lg, Segment: sg}, multierr.Append(errs, err)
	}

	for _, tid := range threadIDs {
		tit, err := l.ThreadEvents(tid)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		b := lockgraph.NewThreadBuilder(lg, tid, log)
		for tit.Next() {
			if applyErr := b.Apply(tit.Event()); applyErr != nil {
				errs = multierr.Append(errs, applyErr)
			}
		}
		errs = multierr.Append(errs, tit.Err())
		errs = multierr.Append(errs, tit.Close())
	}

	return Graphs{Lock: lg, Segment: sg}, errs
}

// Analyze runs the cycle analyzer over g and returns every surviving
// diagnostic in discovery order.
func Analyze(g Graphs, log *zap.Logger) []diagnostic.Diagnostic {
	var out []diagnostic.Diagnostic
	cycles.New(log).Analyze(g.Lock, g.Segment, func(d diagnostic.Diagnostic) {
		out = append(out, d)
	})
	return out
}
