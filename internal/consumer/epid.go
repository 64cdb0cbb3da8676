package consumer

import "sync"

// ProbeRef identifies the probe a compiled enabling corresponds to,
// carried alongside each EPID so chew-probe callbacks can report which
// probe fired without a second lookup into the probe catalog.
type ProbeRef struct {
	Provider string
	Module   string
	Function string
	Name     string
}

// EPIDEntry binds one enabled-probe ID to the data descriptor its
// clause emits records against and the probe it was enabled on.
type EPIDEntry struct {
	Data  *DataDescriptor
	Probe ProbeRef
}

// EPIDTable hands out monotonically increasing EPIDs, starting at 1 (0
// is never assigned), at enabling time
// and resolves them back to a descriptor/probe pair when records
// arrive off the ring buffer, per spec §3's EPID/data-descriptor pair.
type EPIDTable struct {
	mu      sync.Mutex
	entries map[uint32]*EPIDEntry
	next    uint32
}

// NewEPIDTable returns an empty table.
func NewEPIDTable() *EPIDTable {
	return &EPIDTable{entries: make(map[uint32]*EPIDEntry)}
}

// Register assigns a fresh EPID to (data, probe) and returns it.
func (t *EPIDTable) Register(data *DataDescriptor, probe ProbeRef) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.entries[id] = &EPIDEntry{Data: data, Probe: probe}
	return id
}

// Lookup resolves an EPID observed on the wire back to its entry.
func (t *EPIDTable) Lookup(epid uint32) (*EPIDEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[epid]
	return e, ok
}

// Len reports how many EPIDs have been registered, mainly for tests.
func (t *EPIDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
