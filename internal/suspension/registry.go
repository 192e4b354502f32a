package suspension

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the PIDs the engine has stopped, split by kind. A PID is a
// member of at most one kind. Only the engine mutates it; the mutex exists so
// status readers on other goroutines see a consistent snapshot.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]map[int]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: map[Kind]map[int]Entry{
			KindHighCPU: {},
			KindDaemon:  {},
		},
	}
}

// add records pid under kind. It returns false, leaving the registry
// unchanged, if pid is already registered under any kind.
func (r *Registry) add(kind Kind, pid int, name string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, set := range r.entries {
		if _, ok := set[pid]; ok {
			return false
		}
	}
	r.entries[kind][pid] = Entry{PID: pid, Name: name, Kind: kind, SuspendedAt: at}
	return true
}

// drain removes and returns every entry of kind, ordered by PID.
func (r *Registry) drain(kind Kind) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.entries[kind]
	out := make([]Entry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	r.entries[kind] = map[int]Entry{}

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Contains reports whether pid is registered under any kind.
func (r *Registry) Contains(pid int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.entries {
		if _, ok := set[pid]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of PIDs registered under kind.
func (r *Registry) Len(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[kind])
}

// Total returns the number of PIDs registered under all kinds.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[KindHighCPU]) + len(r.entries[KindDaemon])
}

// Snapshot returns a copy of every entry ordered by kind then PID.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, kind := range []Kind{KindHighCPU, KindDaemon} {
		for _, e := range r.entries[kind] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == KindHighCPU
		}
		return out[i].PID < out[j].PID
	})
	return out
}
