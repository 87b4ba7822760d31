// Package framework is the process-wide facade: the single entry point
// notify_* calls (and the capi C-ABI shim) go through. It owns the
// dispatcher, the enabled flag, and the thread -> current-segment map
// that start/join bookkeeping needs.
package framework

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nbtaylor/d2/event"
	"github.com/nbtaylor/d2/ids"
	"github.com/nbtaylor/d2/internal/config"
	"github.com/nbtaylor/d2/store"
)

// Notifier is the subset of Framework that lock-holding data structures
// (ilock.Mutex, in this module) call into when attached. Defined here so
// such types depend only on the interface, not the concrete facade.
type Notifier interface {
	NotifyAcquire(thread ids.ThreadID, lock ids.LockID)
	NotifyRecursiveAcquire(thread ids.ThreadID, lock ids.LockID)
	NotifyRelease(thread ids.ThreadID, lock ids.LockID)
	NotifyRecursiveRelease(thread ids.ThreadID, lock ids.LockID)
}

// Framework is a process-wide dispatcher of synchronization events. The
// zero value is not usable; construct with New.
type Framework struct {
	log *zap.Logger

	enabled       atomic.Bool
	maxStackDepth int

	repo *store.Repository

	segMu     sync.Mutex
	segmentOf map[ids.ThreadID]ids.Segment
	segGen    atomic.Uint64 // fresh segment minting, independent of any one thread's ids.Generator
}

// New returns a Framework with no repository set and logging enabled.
func New(log *zap.Logger) *Framework {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Framework{
		log:           log,
		maxStackDepth: config.DefaultMaxStackDepth,
		repo:          store.NewRepository(log),
		segmentOf:     make(map[ids.ThreadID]ids.Segment),
	}
	f.enabled.Store(true)
	return f
}

// NewFromConfig builds a Framework from an already-read Config, opening
// cfg.RepositoryRoot immediately if set.
func NewFromConfig(cfg config.Config, log *zap.Logger) (*Framework, error) {
	f := New(log)
	f.maxStackDepth = cfg.MaxStackDepth
	f.enabled.Store(cfg.Enabled)
	if cfg.RepositoryRoot != "" {
		if err := f.SetRepository(cfg.RepositoryRoot); err != nil {
			return nil, err
		}
	}
	return f, nil
}

var (
	defaultOnce sync.Once
	defaultInst *Framework
)

// Default returns the process-wide Framework singleton, built from the
// environment the first time it's requested.
func Default() *Framework {
	defaultOnce.Do(func() {
		cfg := config.FromEnv()
		f, err := NewFromConfig(cfg, nil)
		if err != nil {
			// A bad repository root at startup shouldn't make the whole
			// process unusable; fall back to "enabled, no repository" and
			// let the first explicit SetRepository call report the error.
			f = New(nil)
			f.log.Warn("framework: could not open configured repository", zap.Error(err))
		}
		defaultInst = f
	})
	return defaultInst
}

// Enable turns event logging on.
func (f *Framework) Enable() { f.enabled.Store(true) }

// Disable turns event logging off; every notify_* call becomes a no-op.
func (f *Framework) Disable() { f.enabled.Store(false) }

// IsEnabled reports the current enabled state.
func (f *Framework) IsEnabled() bool { return f.enabled.Load() }

// SetRepository points the dispatcher at a new repository root.
func (f *Framework) SetRepository(path string) error {
	return f.repo.SetRepository(path)
}

// UnsetRepository closes every open sink and clears the repository root.
func (f *Framework) UnsetRepository() error {
	return f.repo.UnsetRepository()
}

func (f *Framework) currentSegment(thread ids.ThreadID) ids.Segment {
	f.segMu.Lock()
	defer f.segMu.Unlock()
	return f.segmentOf[thread] // zero value (segment 0) for a thread never seen before
}

func (f *Framework) setSegment(thread ids.ThreadID, s ids.Segment) {
	f.segMu.Lock()
	defer f.segMu.Unlock()
	f.segmentOf[thread] = s
}

// freshSegment mints a new, process-wide-unique segment number. Segment 0
// is reserved for "never hopped"; minting starts at 1.
func (f *Framework) freshSegment() ids.Segment {
	return ids.Segment(f.segGen.Add(1))
}

// captureStack walks the caller's stack (skipping this function and its
// immediate notify_* caller) up to f.maxStackDepth frames.
func (f *Framework) captureStack(skip int) []event.Frame {
	pcs := make([]uintptr, f.maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]event.Frame, 0, n)
	for {
		fr, more := frames.Next()
		out = append(out, event.Frame{IP: uint64(fr.PC), Function: fr.Function, Module: fr.File})
		if !more {
			break
		}
	}
	return out
}

func (f *Framework) writeThread(thread ids.ThreadID, e event.Event) {
	h, err := f.repo.ThreadHandle(thread)
	if err != nil {
		f.log.Debug("framework: dropping event, no repository", zap.Stringer("thread", thread), zap.Stringer("tag", e.Tag))
		return
	}
	if err := h.Write(e); err != nil {
		f.log.Warn("framework: write failed", zap.Error(err), zap.Stringer("thread", thread))
	}
}

func (f *Framework) writeProcess(e event.Event) {
	if err := f.repo.WriteProcess(e); err != nil {
		f.log.Warn("framework: process write failed", zap.Error(err))
	}
}

// NotifyAcquire records thread acquiring lock with the caller's stack.
func (f *Framework) NotifyAcquire(thread ids.ThreadID, lock ids.LockID) {
	if !f.enabled.Load() {
		return
	}
	f.writeThread(thread, event.Acquire(thread, lock, f.captureStack(1)))
}

// NotifyRecursiveAcquire records a recursive (same-thread, nested) acquire.
func (f *Framework) NotifyRecursiveAcquire(thread ids.ThreadID, lock ids.LockID) {
	if !f.enabled.Load() {
		return
	}
	f.writeThread(thread, event.RecursiveAcquire(thread, lock, f.captureStack(1)))
}

// NotifyRelease records thread releasing lock.
func (f *Framework) NotifyRelease(thread ids.ThreadID, lock ids.LockID) {
	if !f.enabled.Load() {
		return
	}
	f.writeThread(thread, event.Release(thread, lock))
}

// NotifyRecursiveRelease records a recursive release.
func (f *Framework) NotifyRecursiveRelease(thread ids.ThreadID, lock ids.LockID) {
	if !f.enabled.Load() {
		return
	}
	f.writeThread(thread, event.RecursiveRelease(thread, lock))
}

// NotifyStart records parent spawning child: mints two fresh segments,
// emits the process-scope Start event, and hops both threads onto their
// new segments.
func (f *Framework) NotifyStart(parent, child ids.ThreadID) {
	if !f.enabled.Load() {
		return
	}
	before := f.currentSegment(parent)
	parentAfter := f.freshSegment()
	childSeg := f.freshSegment()

	f.setSegment(parent, parentAfter)
	f.setSegment(child, childSeg)

	f.writeProcess(event.Start(parent, before, parentAfter, childSeg))
	f.writeThread(parent, event.SegmentHop(parent, parentAfter))
	f.writeThread(child, event.SegmentHop(child, childSeg))
}

// NotifyJoin records parent joining on child: mints a fresh segment for
// the parent, emits the process-scope Join event, and hops the parent
// onto its new segment.
func (f *Framework) NotifyJoin(parent, child ids.ThreadID) {
	if !f.enabled.Load() {
		return
	}
	parentBefore := f.currentSegment(parent)
	childFinal := f.currentSegment(child)
	parentAfter := f.freshSegment()

	f.setSegment(parent, parentAfter)

	f.writeProcess(event.Join(parent, parentBefore, parentAfter, childFinal))
	f.writeThread(parent, event.SegmentHop(parent, parentAfter))
}
