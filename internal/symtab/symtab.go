// Package symtab implements the insert-then-sort/pack symbol store and
// its derived address range map, per spec §4.5.
//
// Lifecycle: symbols are inserted in any order (O(1) each, via an
// insert-phase linked list plus a name hash). Sort() is a precondition
// for both ByAddr lookup and Pack(); Pack() copies every distinct name
// into one contiguous NUL-separated buffer (NameBuffer). The per-symbol
// name strings are kept and lookups keep using them, and Insert does
// not check whether Pack has run.
package symtab

import (
	"math"
	"sort"
)

// symType orders type preference during sort: ordinary symbols are
// preferred over NOTYPE, ties further broken by weak-vs-non-weak.
type SymType int

const (
	TypeNoType SymType = iota
	TypeObject
	TypeFunc
)

// cleanupSymbolSuffix demotes a well-known class of module-cleanup
// symbols to sort last among same-address, same-size, same-type
// candidates — per the original's dt_symtab.c treatment of fini-style
// teardown routines, which otherwise tend to alias a module's primary
// entry point at address 0.
const cleanupSymbolSuffix = "_fini"

// Symbol is one inserted (name, addr, size, info) tuple.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
	Type SymType
	Weak bool
}

func (s Symbol) end() uint64 { return s.Addr + s.Size }

// Range is one disjoint, sorted entry in the frozen address map: the
// half-open interval [Lo, Hi) maps to Sym, the narrowest (tightest)
// symbol covering any point in the interval.
type Range struct {
	Lo, Hi uint64
	Sym    Symbol
}

// Table is an insert-phase symbol store. Call Sort to freeze it into a
// binary-searchable range map, and Pack afterward to compact storage.
type Table struct {
	syms   []Symbol
	byName map[string]int // name -> index into syms, insert order

	sorted bool
	packed bool
	ranges []Range

	names []byte // populated by Pack: concatenated name buffer
}

// New returns an empty symbol table.
func New() *Table {
	return &Table{byName: make(map[string]int)}
}

// Insert adds a symbol. O(1); does not require the table to be
// unsorted, but Sort must be re-run before ByAddr reflects it (ByName
// finds a new name at once).
func (t *Table) Insert(s Symbol) {
	t.syms = append(t.syms, s)
	if _, exists := t.byName[s.Name]; !exists {
		t.byName[s.Name] = len(t.syms) - 1
	}
	t.sorted = false
}

// Len returns the number of inserted symbols.
func (t *Table) Len() int { return len(t.syms) }

// ByName returns the first-inserted symbol with the given name as the
// canonical winner of any name-hash collision.
func (t *Table) ByName(name string) (Symbol, bool) {
	idx, ok := t.byName[name]
	if !ok {
		return Symbol{}, false
	}
	return t.syms[idx], true
}

// PurgeDuplicateName removes name from the name-hash chain only — it
// remains reachable by address lookup in all the ranges it already won,
// but ByName will no longer resolve it. Matches the source's
// dt_symtab_purge, whose invariant is to give every module-level
// duplicate name a single canonical winner without disturbing address
// lookups already computed by Sort.
func (t *Table) PurgeDuplicateName(name string) {
	delete(t.byName, name)
}

// Sort freezes the insertion-order list into sort order and derives the
// disjoint address-range map via the coalescing algorithm of spec §4.5.
func (t *Table) Sort() {
	ordered := append([]Symbol(nil), t.syms...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Addr != b.Addr {
			return a.Addr < b.Addr
		}
		if a.Size != b.Size {
			return a.Size > b.Size // larger ranges sort first
		}
		at, bt := typeRank(a), typeRank(b)
		if at != bt {
			return at < bt // ordinary before NOTYPE
		}
		if a.Weak != b.Weak {
			return !a.Weak // non-weak before weak
		}
		aFini, bFini := isCleanupName(a.Name), isCleanupName(b.Name)
		if aFini != bFini {
			return !aFini // demote cleanup-named symbols
		}
		return a.Name < b.Name
	})
	t.syms = ordered
	t.byName = make(map[string]int, len(ordered))
	for i, s := range ordered {
		if _, exists := t.byName[s.Name]; !exists {
			t.byName[s.Name] = i
		}
	}
	t.ranges = coalesce(ordered)
	t.sorted = true
}

func typeRank(s Symbol) int {
	if s.Type == TypeNoType {
		return 1
	}
	return 0
}

func isCleanupName(name string) bool {
	return len(name) > len(cleanupSymbolSuffix) &&
		name[len(name)-len(cleanupSymbolSuffix):] == cleanupSymbolSuffix
}

// coalesce implements the range-coalescing pass of spec §4.5. At every
// address breakpoint introduced by an inserted symbol's start or end,
// the narrowest symbol covering that sub-interval wins; a symbol that
// is only partly shadowed by a narrower one resumes coverage past it
// (spec §8 scenario 3: a 100-byte symbol containing a 40-byte symbol
// containing a 20-byte symbol produces five ranges, not three).
// Adjacent sub-intervals won by the same symbol are merged.
func coalesce(ordered []Symbol) []Range {
	var symbols []Symbol
	for _, s := range ordered {
		if s.Size > 0 {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		return nil
	}

	breakSet := make(map[uint64]bool, len(symbols)*2)
	for _, s := range symbols {
		breakSet[s.Addr] = true
		breakSet[s.end()] = true
	}
	breaks := make([]uint64, 0, len(breakSet))
	for b := range breakSet {
		breaks = append(breaks, b)
	}
	sort.Slice(breaks, func(i, j int) bool { return breaks[i] < breaks[j] })

	var out []Range
	for i := 0; i+1 < len(breaks); i++ {
		lo, hi := breaks[i], breaks[i+1]
		if lo >= hi {
			continue
		}
		var winner *Symbol
		for idx := range symbols {
			s := &symbols[idx]
			if s.Addr <= lo && s.end() >= hi && (winner == nil || narrower(*s, *winner)) {
				winner = s
			}
		}
		if winner == nil {
			continue // no symbol covers this sub-interval
		}
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Hi == lo && sameSymbol(last.Sym, *winner) {
				last.Hi = hi
				continue
			}
		}
		out = append(out, Range{Lo: lo, Hi: hi, Sym: *winner})
	}
	return out
}

// narrower reports whether a should win over b as the covering symbol
// for a sub-interval: smaller size first, then the same type/weak/name
// preferences used by Sort.
func narrower(a, b Symbol) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	at, bt := typeRank(a), typeRank(b)
	if at != bt {
		return at < bt
	}
	if a.Weak != b.Weak {
		return !a.Weak
	}
	af, bf := isCleanupName(a.Name), isCleanupName(b.Name)
	if af != bf {
		return !af
	}
	return a.Name < b.Name
}

func sameSymbol(a, b Symbol) bool {
	return a.Name == b.Name && a.Addr == b.Addr && a.Size == b.Size
}

// ByAddr returns the narrowest symbol covering addr, per the frozen
// range map. Sort must have been called first.
func (t *Table) ByAddr(addr uint64) (Symbol, bool) {
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].Hi > addr })
	if i >= len(t.ranges) || addr < t.ranges[i].Lo {
		return Symbol{}, false
	}
	return t.ranges[i].Sym, true
}

// Ranges exposes the frozen, disjoint, sorted range map for callers
// (such as module-level coverage computation) that need the whole set.
func (t *Table) Ranges() []Range {
	return t.ranges
}

// Pack concatenates every distinct name into a single NUL-separated
// buffer, mirroring the source's dt_symtab_pack, and marks the table
// packed. Lookups still use the per-symbol names, and a later Insert is
// not rejected.
func (t *Table) Pack() {
	if t.packed {
		return
	}
	seen := make(map[string]uint32, len(t.byName))
	var buf []byte
	for i := range t.syms {
		name := t.syms[i].Name
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = uint32(len(buf))
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	t.names = buf
	t.packed = true
}

// Packed reports whether Pack has run.
func (t *Table) Packed() bool { return t.packed }

// NameBuffer returns the concatenated NUL-separated name buffer built
// by Pack, or nil before Pack.
func (t *Table) NameBuffer() []byte { return t.names }

// MaxUint64 is exposed for callers building identity values (e.g. the
// min-aggregation identity in package agg) without importing math
// directly for a single constant.
const MaxUint64 = math.MaxUint64
