package handle

import (
	"sync"

	"github.com/tracebeam/dbpf/internal/diag"
)

// ErrorBuffer is the handle's runtime-tier error buffer (spec §3):
// a bounded ring of the most recent faults, drops, and status
// transitions, available for a client to drain alongside (or in place
// of) its own registered diag.Handler callbacks.
type ErrorBuffer struct {
	mu       sync.Mutex
	capacity int
	faults   []*diag.RuntimeFault
	drops    []*diag.Drop
	statuses []*diag.Status

	inner diag.Handler // optional client handler, called in addition to buffering
}

// NewErrorBuffer returns an ErrorBuffer retaining up to capacity
// entries per category.
func NewErrorBuffer(capacity int) *ErrorBuffer {
	if capacity <= 0 {
		capacity = 64
	}
	return &ErrorBuffer{capacity: capacity}
}

// SetHandler registers a client callback invoked after buffering. Pass
// nil to only buffer.
func (b *ErrorBuffer) SetHandler(h diag.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inner = h
}

// HandleFault implements diag.Handler.
func (b *ErrorBuffer) HandleFault(f *diag.RuntimeFault) diag.Action {
	b.mu.Lock()
	b.faults = appendBounded(b.faults, f, b.capacity)
	inner := b.inner
	b.mu.Unlock()
	if inner != nil {
		return inner.HandleFault(f)
	}
	return diag.ActionContinue
}

// HandleDrop implements diag.Handler.
func (b *ErrorBuffer) HandleDrop(d *diag.Drop) {
	b.mu.Lock()
	b.drops = appendBounded(b.drops, d, b.capacity)
	inner := b.inner
	b.mu.Unlock()
	if inner != nil {
		inner.HandleDrop(d)
	}
}

// HandleStatus implements diag.Handler.
func (b *ErrorBuffer) HandleStatus(s *diag.Status) {
	b.mu.Lock()
	b.statuses = appendBounded(b.statuses, s, b.capacity)
	inner := b.inner
	b.mu.Unlock()
	if inner != nil {
		inner.HandleStatus(s)
	}
}

// Faults, Drops, and Statuses return a snapshot copy of each buffered
// category, oldest first.
func (b *ErrorBuffer) Faults() []*diag.RuntimeFault {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*diag.RuntimeFault(nil), b.faults...)
}

func (b *ErrorBuffer) Drops() []*diag.Drop {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*diag.Drop(nil), b.drops...)
}

func (b *ErrorBuffer) Statuses() []*diag.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*diag.Status(nil), b.statuses...)
}

func appendBounded[T any](s []T, v T, capacity int) []T {
	s = append(s, v)
	if len(s) > capacity {
		s = s[len(s)-capacity:]
	}
	return s
}
