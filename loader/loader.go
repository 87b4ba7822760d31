// Package loader reads a repository written by store and exposes its
// events as single-pass iterators: one over process_wide, one per
// discovered thread file. Malformed lines are reported as
// event.MalformedEvent but never abort a scan outright — the analyzer is
// expected to work from whatever parseable prefix it got.
package loader

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nbtaylor/d2/event"
	"github.com/nbtaylor/d2/ids"
	"github.com/nbtaylor/d2/store"
)

// Loader reads events back out of a repository directory.
type Loader struct {
	log  *zap.Logger
	root string
}

// New returns a Loader reading from root.
func New(root string, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{log: log, root: root}
}

// ThreadIDs returns every thread id with a file in the repository,
// sorted ascending. Entries that aren't purely-numeric filenames (or that
// are the process_wide file) are skipped.
func (l *Loader) ThreadIDs() ([]ids.ThreadID, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}

	var out []ids.ThreadID
	for _, e := range entries {
		if e.IsDir() || e.Name() == store.ProcessWideFile {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ids.ThreadID(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Iterator is a single-pass, forward-only cursor over one event file.
// Usage mirrors bufio.Scanner: call Next in a loop, read Event after each
// successful Next, check Err once the loop ends.
type Iterator struct {
	log     *zap.Logger
	file    *os.File
	scanner *bufio.Scanner
	offset  int64
	cur     event.Event
	err     error
}

func newIterator(path string, log *zap.Logger) (*Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := bufio.NewScanner(f)
	s.Split(event.ScanLines)
	return &Iterator{log: log, file: f, scanner: s}, nil
}

// Next advances to the next event, returning false at EOF or once an
// unrecoverable read error has occurred (see Err). A MalformedEvent on one
// line does not stop iteration: it's recorded via Err's aggregate and the
// next line is attempted.
func (it *Iterator) Next() bool {
	for it.scanner.Scan() {
		line := it.scanner.Text()
		lineLen := int64(len(line)) + 1 // account for the newline Split consumed
		e, err := event.Decode(line, it.offset)
		it.offset += lineLen
		if err != nil {
			it.err = multierr.Append(it.err, err)
			it.log.Warn("loader: skipping malformed event", zap.Error(err))
			continue
		}
		it.cur = e
		return true
	}
	if err := it.scanner.Err(); err != nil {
		it.err = multierr.Append(it.err, err)
	}
	return false
}

// Event returns the event produced by the most recent successful Next.
func (it *Iterator) Event() event.Event {
	return it.cur
}

// Err returns every error accumulated during the scan: malformed lines
// plus any terminal I/O error. A non-nil Err does not mean Next produced
// no usable events; callers should still process whatever it.Event()
// values were seen.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the underlying file. Safe to call multiple times.
func (it *Iterator) Close() error {
	return it.file.Close()
}

// ProcessEvents opens an iterator over the repository's process_wide file.
func (l *Loader) ProcessEvents() (*Iterator, error) {
	return newIterator(filepath.Join(l.root, store.ProcessWideFile), l.log)
}

// ThreadEvents opens an iterator over one thread's event file.
func (l *Loader) ThreadEvents(thread ids.ThreadID) (*Iterator, error) {
	return newIterator(filepath.Join(l.root, thread.String()), l.log)
}
