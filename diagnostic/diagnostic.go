// Package diagnostic defines the deadlock diagnostic value type and its
// human-readable text formatter. Its output layout is fixed by the
// external interface contract: thread ids and lock ids in decimal, lock
// lists comma-separated in acquisition order.
package diagnostic

import (
	"fmt"
	"strings"

	"github.com/nbtaylor/d2/ids"
)

// AcquireStreak is the slice of a deadlock cycle attributable to a single
// thread: that thread plus the ordered sequence of locks it held during
// the cycle, in acquisition order.
type AcquireStreak struct {
	Thread ids.ThreadID
	Locks  []ids.LockID
}

// String renders "thread T acquired A, X, B".
func (s AcquireStreak) String() string {
	parts := make([]string, len(s.Locks))
	for i, l := range s.Locks {
		parts[i] = l.String()
	}
	return fmt.Sprintf("thread %s acquired %s", s.Thread, strings.Join(parts, ", "))
}

// explanation renders "thread T acquires FIRST and waits for LAST".
func (s AcquireStreak) explanation() string {
	if len(s.Locks) < 2 {
		// Shouldn't happen for a real cycle streak, but degrade gracefully
		// rather than panic on a formatting helper.
		return fmt.Sprintf("thread %s acquires %s", s.Thread, s.Locks)
	}
	return fmt.Sprintf("    thread %s acquires %s and waits for %s",
		s.Thread, s.Locks[0], s.Locks[len(s.Locks)-1])
}

// Diagnostic describes one potential deadlock: a cycle of AcquireStreaks,
// one per thread-run inside the cycle.
type Diagnostic struct {
	Streaks []AcquireStreak
}

// String renders the diagnostic per the spec's fixed text layout:
//
//	thread T1 acquired A, X, B
//	while
//	thread T2 acquired B, X, A
//	which creates a deadlock if
//	    thread T1 acquires A and waits for B
//	    thread T2 acquires B and waits for A
func (d Diagnostic) String() string {
	lines := make([]string, len(d.Streaks))
	for i, s := range d.Streaks {
		lines[i] = s.String()
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(lines, "\nwhile\n"))
	sb.WriteString("\nwhich creates a deadlock if\n")

	explanations := make([]string, len(d.Streaks))
	for i, s := range d.Streaks {
		explanations[i] = s.explanation()
	}
	sb.WriteString(strings.Join(explanations, "\n"))
	return sb.String()
}

// Visitor receives one Diagnostic per surviving, deduplicated cycle.
type Visitor func(Diagnostic)
