// Package strtab implements the interned, deduplicated byte-sequence
// tables of spec §3: the clause string table and the read-only data
// table. Both containers share this implementation; only the zero-value
// semantics at offset 0 differ by convention at the call site (the
// empty string for a string table, a zero-filled reserved slot for an
// rodata table).
//
// Storage is a growable list of fixed-size chunks, never moved once
// allocated, so offsets returned by Insert remain valid for the table's
// entire lifetime — mirroring the source's chunked allocator, which the
// rest of the compiler relies on to hold raw pointers into the table
// across passes.
package strtab

import (
	"bytes"
	"encoding/binary"
)

// chunkSize is the allocation granularity for table storage. Chosen to
// amortize allocation cost while keeping a single clause's rodata well
// under one chunk in the common case.
const chunkSize = 4096

// Table interns byte sequences and returns a stable, non-negative byte
// offset for each. Offset 0 is reserved for the empty sequence so a
// null pointer into the table is always a valid offset.
type Table struct {
	chunks []*chunk
	size   uint32          // total bytes (and next-insert offset) across all chunks
	index  map[string]uint32 // hash-chain dedup: content -> offset
}

type chunk struct {
	buf [chunkSize]byte
	len int
}

// New returns an empty table with offset 0 reserved for the empty
// sequence.
func New() *Table {
	t := &Table{index: make(map[string]uint32)}
	t.reserveZero()
	return t
}

func (t *Table) reserveZero() {
	c := &chunk{}
	c.len = 1 // one reserved null byte
	t.chunks = append(t.chunks, c)
	t.size = 1
	t.index[""] = 0
}

// Insert interns value and returns its byte offset. Inserting an
// already-present value returns the same offset it was first given.
func (t *Table) Insert(value []byte) uint32 {
	if len(value) == 0 {
		return 0
	}
	if off, ok := t.index[string(value)]; ok {
		return off
	}
	off := t.size
	t.append(value)
	t.index[string(value)] = off
	return off
}

// InsertString is a convenience wrapper around Insert for text values.
func (t *Table) InsertString(s string) uint32 {
	return t.Insert([]byte(s))
}

func (t *Table) append(value []byte) {
	remaining := value
	for len(remaining) > 0 {
		last := t.chunks[len(t.chunks)-1]
		free := chunkSize - last.len
		if free == 0 {
			last = &chunk{}
			t.chunks = append(t.chunks, last)
			free = chunkSize
		}
		n := len(remaining)
		if n > free {
			n = free
		}
		copy(last.buf[last.len:], remaining[:n])
		last.len += n
		t.size += uint32(n)
		remaining = remaining[n:]
	}
}

// At returns the bytes stored from off up to the first NUL byte or the
// end of the table. Values are stored without terminators, so the
// result is not bounded by the start of the next inserted value.
// Callers that need raw byte sequences (rodata use) should use AtLen
// instead.
func (t *Table) At(off uint32) []byte {
	if off == 0 {
		return nil
	}
	raw := t.rawFrom(off)
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		return raw[:idx]
	}
	return raw
}

// AtLen returns exactly n bytes starting at off.
func (t *Table) AtLen(off, n uint32) []byte {
	raw := t.rawFrom(off)
	if uint32(len(raw)) < n {
		return raw
	}
	return raw[:n]
}

// rawFrom returns every byte stored from off to the end of the table.
// Because chunks are never moved, this is a stable view as long as the
// table does not shrink (it never does).
func (t *Table) rawFrom(off uint32) []byte {
	if off >= t.size {
		return nil
	}
	out := make([]byte, 0, t.size-off)
	var cursor uint32
	for _, c := range t.chunks {
		end := cursor + uint32(c.len)
		if end > off {
			start := uint32(0)
			if off > cursor {
				start = off - cursor
			}
			out = append(out, c.buf[start:c.len]...)
		}
		cursor = end
	}
	return out
}

// Size returns the total number of bytes interned, including the
// reserved zero slot.
func (t *Table) Size() uint32 { return t.size }

// Len returns the number of distinct values interned, including the
// reserved empty value.
func (t *Table) Len() int { return len(t.index) }

// PutUint32 writes v as a little-endian uint32 helper used by callers
// that serialize offsets into relocatable instruction immediates.
func PutUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
