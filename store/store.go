// Package store implements the event sink and repository described in
// the spec's event sink section: one append-only file per thread plus a
// process_wide file for process-scope events, all living under a single
// repository directory.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nbtaylor/d2/event"
	"github.com/nbtaylor/d2/ids"
)

// ProcessWideFile is the fixed name of the process-scope event file within
// a repository.
const ProcessWideFile = "process_wide"

const lockFileName = ".d2-repository.lock"

// sink wraps one append-only file and the mutex serializing writes to it.
type sink struct {
	mu   sync.Mutex
	file *os.File
}

func (s *sink) writeLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.file.WriteString(line + "\n")
	return err
}

func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Repository is the dispatcher described in the spec: it owns the
// repository root, the process-wide sink, and a map from thread id to
// per-thread sink. SetRepository is the only operation that suspends
// writers long enough to atomically close old sinks and open new ones;
// every other operation only ever takes a short-lived lock on its own
// piece of state.
type Repository struct {
	log *zap.Logger

	mu         sync.RWMutex // guards root, generation, flock and process sink together
	root       string
	generation uint64
	fileLock   *flock.Flock
	process    *sink

	threads *haxmap.Map[uint64, *sink]
}

// NewRepository returns a Repository with no root set. Writes fail until
// SetRepository succeeds.
func NewRepository(log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{
		log:     log,
		threads: haxmap.New[uint64, *sink](),
	}
}

// ErrNoRepository is returned by write operations before any repository
// root has been set.
var ErrNoRepository = fmt.Errorf("store: no repository root set")

// SetRepository points the dispatcher at root, creating it if it does not
// exist. It fails if root exists and is not an empty directory. Any
// previously open sinks are closed (errors aggregated, not fatal to the
// reroot itself) and every thread's cached handle is invalidated by
// bumping the generation counter.
func (r *Repository) SetRepository(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(root, 0o755); mkErr != nil {
			return fmt.Errorf("store: creating repository root: %w", mkErr)
		}
	case err != nil:
		return fmt.Errorf("store: stat repository root: %w", err)
	case !info.IsDir():
		return fmt.Errorf("store: repository root %q is not a directory", root)
	default:
		entries, rdErr := os.ReadDir(root)
		if rdErr != nil {
			return fmt.Errorf("store: reading repository root: %w", rdErr)
		}
		if len(entries) != 0 {
			return fmt.Errorf("store: repository root %q exists and is not empty", root)
		}
	}

	closeErr := r.closeLocked()

	fl := flock.New(filepath.Join(root, lockFileName))
	locked, lockErr := fl.TryLock()
	if lockErr != nil {
		return multierr.Combine(closeErr, fmt.Errorf("store: locking repository root: %w", lockErr))
	}
	if !locked {
		return multierr.Combine(closeErr, fmt.Errorf("store: repository root %q is locked by another process", root))
	}

	processFile, openErr := openAppend(filepath.Join(root, ProcessWideFile))
	if openErr != nil {
		_ = fl.Unlock()
		return multierr.Combine(closeErr, openErr)
	}

	r.root = root
	r.fileLock = fl
	r.process = &sink{file: processFile}
	r.threads = haxmap.New[uint64, *sink]()
	r.generation++

	r.log.Info("store: repository root set", zap.String("root", root), zap.Uint64("generation", r.generation))
	return closeErr
}

// UnsetRepository closes every open sink, releases the root lock, and
// leaves the dispatcher with no repository set.
func (r *Repository) UnsetRepository() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.closeLocked()
	r.root = ""
	r.generation++
	return err
}

// closeLocked closes the process sink, every thread sink, and releases
// the file lock. Callers must hold r.mu.
func (r *Repository) closeLocked() error {
	var errs error
	if r.process != nil {
		errs = multierr.Append(errs, r.process.close())
		r.process = nil
	}
	if r.threads != nil {
		r.threads.ForEach(func(_ uint64, s *sink) bool {
			errs = multierr.Append(errs, s.close())
			return true
		})
	}
	if r.fileLock != nil {
		errs = multierr.Append(errs, r.fileLock.Unlock())
		r.fileLock = nil
	}
	return errs
}

// Generation returns the dispatcher's current reroot generation, used by
// SinkHandle to detect staleness.
func (r *Repository) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// WriteProcess appends a process-scope event to process_wide.
func (r *Repository) WriteProcess(e event.Event) error {
	var sb strings.Builder
	if err := e.Encode(&sb); err != nil {
		return err
	}

	r.mu.RLock()
	s := r.process
	r.mu.RUnlock()
	if s == nil {
		return ErrNoRepository
	}
	return s.writeLine(sb.String())
}

// SinkHandle is the per-thread write handle described in the spec's
// thread-local caching strategy. Go has no goroutine-local storage, so the
// handle is obtained once per goroutine and explicitly revalidated against
// the dispatcher's generation counter on every write, rather than being
// implicitly refreshed by the runtime.
type SinkHandle struct {
	repo       *Repository
	thread     ids.ThreadID
	generation uint64
	sink       *sink
}

// ThreadHandle returns a SinkHandle for thread, opening its file the first
// time it's requested against the current generation.
func (r *Repository) ThreadHandle(thread ids.ThreadID) (*SinkHandle, error) {
	r.mu.RLock()
	root := r.root
	gen := r.generation
	threads := r.threads
	r.mu.RUnlock()
	if root == "" {
		return nil, ErrNoRepository
	}

	s, err := threadSinkFor(threads, root, thread)
	if err != nil {
		return nil, err
	}
	return &SinkHandle{repo: r, thread: thread, generation: gen, sink: s}, nil
}

func threadSinkFor(threads *haxmap.Map[uint64, *sink], root string, thread ids.ThreadID) (*sink, error) {
	// GetOrCompute only invokes the closure if the key is absent, but two
	// callers can race into it concurrently; if our own open loses that
	// race, close the file we opened rather than leak it.
	var openErr error
	var opened *sink
	got, _ := threads.GetOrCompute(uint64(thread), func() *sink {
		f, err := openAppend(filepath.Join(root, thread.String()))
		if err != nil {
			openErr = err
			return nil
		}
		opened = &sink{file: f}
		return opened
	})
	if got == nil {
		return nil, openErr
	}
	if opened != nil && got != opened {
		_ = opened.close()
	}
	return got, nil
}

// Write appends a thread-scope event via h, transparently reopening
// against the dispatcher's current repository if a reroot happened since
// h was obtained.
func (h *SinkHandle) Write(e event.Event) error {
	if h.generation != h.repo.Generation() {
		fresh, err := h.repo.ThreadHandle(h.thread)
		if err != nil {
			return err
		}
		*h = *fresh
	}

	var sb strings.Builder
	if err := e.Encode(&sb); err != nil {
		return err
	}
	return h.sink.writeLine(sb.String())
}

// openAppend opens path for appending, creating it if necessary, retrying
// transient failures (e.g. a momentarily unavailable network filesystem).
func openAppend(path string) (*os.File, error) {
	var f *os.File
	err := retry.Do(
		func() error {
			var openErr error
			f, openErr = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			return openErr
		},
		retry.Attempts(3),
		retry.Delay(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	return f, nil
}

// Root returns the repository's current root directory, or "" if unset.
func (r *Repository) Root() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}
