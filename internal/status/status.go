// Package status implements the mutex-protected flag/progress aggregator
// every worker reports through (spec 4.7). Observers register a callback
// that fires synchronously under the lock; it must only enqueue a redraw
// signal, never block on I/O.
package status

import "sync"

// Flag is one bit of the aggregator's state bitset.
type Flag uint32

const (
	Connecting Flag = 1 << iota
	Connected
	Disconnecting
	Idle
	Fetching
	Sending
	Prefetching
	Searching
	Indexing
	Exiting
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Update is a diff applied to the aggregator: bits to set, bits to clear,
// and an optional progress delta for one flag's progress entry.
type Update struct {
	Set      Flag
	Clear    Flag
	Progress *ProgressDelta
}

// ProgressDelta adds Delta to the running progress value tracked for For.
type ProgressDelta struct {
	For   Flag
	Delta float64
}

// Snapshot is a point-in-time, lock-free copy of the aggregator's state
// handed to observers and callers of Get.
type Snapshot struct {
	Flags    Flag
	Progress map[Flag]float64
}

// Aggregator is the single mutex-protected status struct shared by every
// worker thread.
type Aggregator struct {
	mu        sync.Mutex
	flags     Flag
	progress  map[Flag]float64
	observers []func(Snapshot)
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{progress: make(map[Flag]float64)}
}

// Observe registers a callback invoked synchronously, under the lock,
// after every Apply.
func (a *Aggregator) Observe(cb func(Snapshot)) {
	a.mu.Lock()
	a.observers = append(a.observers, cb)
	a.mu.Unlock()
}

// Apply merges a diff-encoded Update into the aggregator and fans it out
// to every registered observer. Observers run synchronously while the
// lock is held, so they must only enqueue a redraw signal, never block.
func (a *Aggregator) Apply(u Update) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.flags |= u.Set
	a.flags &^= u.Clear
	if u.Progress != nil {
		a.progress[u.Progress.For] += u.Progress.Delta
	}
	snap := a.snapshotLocked()
	for _, cb := range a.observers {
		cb(snap)
	}
}

// Get returns the current snapshot.
func (a *Aggregator) Get() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	progress := make(map[Flag]float64, len(a.progress))
	for k, v := range a.progress {
		progress[k] = v
	}
	return Snapshot{Flags: a.flags, Progress: progress}
}
