package proc

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"
)

// Registry is the per-pid hash plus LRU list spec §4.8 describes for
// tracked processes.
type Registry struct {
	mu    sync.Mutex
	byPID map[int]*list.Element
	lru   *list.List // list.Element.Value is *Process
	max   int
}

// NewRegistry returns a registry evicting least-recently-touched
// entries past max tracked processes (0 means unbounded).
func NewRegistry(max int) *Registry {
	return &Registry{byPID: make(map[int]*list.Element), lru: list.New(), max: max}
}

// Grab attaches to pid if not already tracked, touching it to the front
// of the LRU either way.
func (r *Registry) Grab(pid int, flags StopFlags) (*Process, error) {
	r.mu.Lock()
	if el, ok := r.byPID[pid]; ok {
		r.lru.MoveToFront(el)
		p := el.Value.(*Process)
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	p, err := Grab(pid, flags)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	el := r.lru.PushFront(p)
	r.byPID[pid] = el
	r.evictLocked()
	r.mu.Unlock()
	return p, nil
}

func (r *Registry) evictLocked() {
	if r.max <= 0 {
		return
	}
	for r.lru.Len() > r.max {
		back := r.lru.Back()
		if back == nil {
			return
		}
		p := back.Value.(*Process)
		r.lru.Remove(back)
		delete(r.byPID, p.PID)
		go p.Release(context.Background())
	}
}

// Release releases and untracks pid.
func (r *Registry) Release(ctx context.Context, pid int) error {
	r.mu.Lock()
	el, ok := r.byPID[pid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("proc: pid %d not tracked", pid)
	}
	delete(r.byPID, pid)
	r.lru.Remove(el)
	p := el.Value.(*Process)
	r.mu.Unlock()

	return p.Release(ctx)
}

// Lookup returns the tracked Process for pid, touching its LRU
// position.
func (r *Registry) Lookup(pid int) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.byPID[pid]
	if !ok {
		return nil, false
	}
	r.lru.MoveToFront(el)
	return el.Value.(*Process), true
}

// Len returns the number of currently tracked processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// Pids returns every currently tracked pid, for teardown sweeps.
func (r *Registry) Pids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.byPID))
	for pid := range r.byPID {
		out = append(out, pid)
	}
	return out
}

// MapEntry is one parsed /proc/<pid>/maps row, used by rtld-activity
// tracking and by the pid provider's user-space module resolution.
type MapEntry struct {
	StartAddr uint64
	EndAddr   uint64
	Pathname  string
}

// ReadMaps returns pid's memory map via github.com/prometheus/procfs,
// the already-covered /proc/<pid>/maps reader this repository reuses
// rather than hand-parsing the format itself.
func ReadMaps(pid int) ([]MapEntry, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, fmt.Errorf("proc: opening /proc/%d: %w", pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("proc: reading maps for %d: %w", pid, err)
	}
	out := make([]MapEntry, 0, len(maps))
	for _, m := range maps {
		out = append(out, MapEntry{StartAddr: uint64(m.StartAddr), EndAddr: uint64(m.EndAddr), Pathname: m.Pathname})
	}
	return out, nil
}
