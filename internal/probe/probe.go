// Package probe implements the probe catalog of spec §4.4: a five-way
// indexed store of probe descriptors with glob-aware lookup.
package probe

import (
	"fmt"
	"strings"
)

// ID is a probe's sequential catalog id. Zero is reserved as a sentinel
// and is never assigned to a live probe (spec §8 catalog invariant).
type ID uint32

const NoneID ID = 0

// Desc is the four-tuple probe description of spec §3. Empty string
// denotes "any" only during matching, never in storage.
type Desc struct {
	Provider string
	Module   string
	Function string
	Name     string
}

func (d Desc) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", d.Provider, d.Module, d.Function, d.Name)
}

// isEmpty reports whether every component of d is the empty string,
// which spec §4.4 rejects at insertion.
func (d Desc) isEmpty() bool {
	return d.Provider == "" && d.Module == "" && d.Function == "" && d.Name == ""
}

// hasGlob reports whether any component of d contains a glob
// metacharacter from spec's stated set: ? * [ \.
func (d Desc) hasGlob() bool {
	for _, c := range []string{d.Provider, d.Module, d.Function, d.Name} {
		if strings.ContainsAny(c, "?*[\\") {
			return true
		}
	}
	return false
}

func (d Desc) hasEmpty() bool {
	return d.Provider == "" || d.Module == "" || d.Function == "" || d.Name == ""
}

// Record is a catalog entry: the descriptor plus the bookkeeping the
// rest of the compiler needs once a probe is resolved.
type Record struct {
	ID       ID
	Desc     Desc
	Provider string // provider name owning this probe (back-pointer by name)
}

// Catalog is the five-index probe store of spec §4.4: one hash per
// component, a fully-qualified-name table, and a sparse id array.
type Catalog struct {
	byID       []*Record // index 0 unused (NoneID sentinel)
	byFQN      map[string]ID
	byProvider map[string][]ID
	byModule   map[string][]ID
	byFunction map[string][]ID
	byName     map[string][]ID
	nextID     ID
}

// New returns an empty catalog.
func New() *Catalog {
	c := &Catalog{
		byID:       make([]*Record, 1), // reserve index 0
		byFQN:      make(map[string]ID),
		byProvider: make(map[string][]ID),
		byModule:   make(map[string][]ID),
		byFunction: make(map[string][]ID),
		byName:     make(map[string][]ID),
		nextID:     1,
	}
	return c
}

// Insert adds desc under the given owning provider name, writing into
// all five indices. Returns an error if desc is fully empty or already
// present (the tuple must be unique across the live catalog).
func (c *Catalog) Insert(provider string, desc Desc) (ID, error) {
	if desc.isEmpty() {
		return NoneID, fmt.Errorf("probe: fully empty descriptor rejected")
	}
	if _, exists := c.byFQN[desc.String()]; exists {
		return NoneID, fmt.Errorf("probe: descriptor %s already present", desc)
	}

	id := c.nextID
	c.nextID++
	rec := &Record{ID: id, Desc: desc, Provider: provider}

	if int(id) >= len(c.byID) {
		grown := make([]*Record, len(c.byID)*2)
		if len(grown) == 0 {
			grown = make([]*Record, 2)
		}
		copy(grown, c.byID)
		c.byID = grown
	}
	c.byID[id] = rec

	c.byFQN[desc.String()] = id
	c.byProvider[desc.Provider] = append(c.byProvider[desc.Provider], id)
	c.byModule[desc.Module] = append(c.byModule[desc.Module], id)
	c.byFunction[desc.Function] = append(c.byFunction[desc.Function], id)
	c.byName[desc.Name] = append(c.byName[desc.Name], id)
	return id, nil
}

// Delete removes id from all five indices.
func (c *Catalog) Delete(id ID) {
	if int(id) >= len(c.byID) || c.byID[id] == nil {
		return
	}
	rec := c.byID[id]
	c.byID[id] = nil
	delete(c.byFQN, rec.Desc.String())
	removeID(c.byProvider, rec.Desc.Provider, id)
	removeID(c.byModule, rec.Desc.Module, id)
	removeID(c.byFunction, rec.Desc.Function, id)
	removeID(c.byName, rec.Desc.Name, id)
}

func removeID(idx map[string][]ID, key string, id ID) {
	ids := idx[key]
	for i, v := range ids {
		if v == id {
			idx[key] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// ByID returns the record for id, or nil if absent.
func (c *Catalog) ByID(id ID) *Record {
	if int(id) >= len(c.byID) {
		return nil
	}
	return c.byID[id]
}

// Lookup resolves a single descriptor (possibly wildcarded) to exactly
// one matching record, or an error if zero or more than one match.
func Lookup(c *Catalog, q Desc) (*Record, error) {
	matches := c.Iter(q)
	if len(matches) == 0 {
		return nil, fmt.Errorf("probe: no match for %s", q)
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("probe: ambiguous match for %s (%d probes)", q, len(matches))
	}
	return matches[0], nil
}

// Iter resolves q to every matching record, using the resolver
// strategy of spec §4.4 in order of preference:
//  1. exact id lookup (not supported via Desc; callers use ByID)
//  2. fully-qualified lookup when no component is a glob and none empty
//  3. the exact-component index of the most selective exact component
//     (function > probe > module > provider), glob-matching the rest
//  4. linear scan when every component is a glob
func (c *Catalog) Iter(q Desc) []*Record {
	if !q.hasGlob() && !q.hasEmpty() {
		if id, ok := c.byFQN[q.String()]; ok {
			return []*Record{c.byID[id]}
		}
		return nil
	}

	// Most selective exact (non-glob, non-empty) component, preference
	// order function > probe(name) > module > provider.
	type candidate struct {
		index map[string][]ID
		value string
	}
	var pick *candidate
	tryExact := func(idx map[string][]ID, value string) {
		if pick != nil {
			return
		}
		if value != "" && !hasGlobChars(value) {
			c := candidate{index: idx, value: value}
			pick = &c
		}
	}
	tryExact(c.byFunction, q.Function)
	tryExact(c.byName, q.Name)
	tryExact(c.byModule, q.Module)
	tryExact(c.byProvider, q.Provider)

	if pick == nil {
		return c.linearScan(q)
	}

	var out []*Record
	for _, id := range pick.index[pick.value] {
		rec := c.byID[id]
		if rec == nil {
			continue
		}
		if matches(q, rec.Desc) {
			out = append(out, rec)
		}
	}
	return out
}

func (c *Catalog) linearScan(q Desc) []*Record {
	var out []*Record
	for _, rec := range c.byID {
		if rec == nil {
			continue
		}
		if matches(q, rec.Desc) {
			out = append(out, rec)
		}
	}
	return out
}

func hasGlobChars(s string) bool {
	return strings.ContainsAny(s, "?*[\\")
}

func matches(q, d Desc) bool {
	return matchComponent(q.Provider, d.Provider) &&
		matchComponent(q.Module, d.Module) &&
		matchComponent(q.Function, d.Function) &&
		matchComponent(q.Name, d.Name)
}

// matchComponent implements the glob semantics of spec §4.1/§4.4 for a
// single component: empty pattern matches anything; otherwise ? * [ ]
// behave as shell-style glob metacharacters and \ escapes the next
// character literally.
func matchComponent(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	return globMatch(pattern, value)
}

func globMatch(pattern, s string) bool {
	return globMatchAt(pattern, s)
}

// globMatchAt is a small shell-glob matcher supporting ? * [...] and \
// escapes, implemented directly (not via path.Match) because path.Match
// does not treat \ as a literal escape the way spec §4.1 requires.
func globMatchAt(pattern, s string) bool {
	var memo map[[2]int]bool
	var rec func(pi, si int) bool
	rec = func(pi, si int) bool {
		key := [2]int{pi, si}
		if memo == nil {
			memo = make(map[[2]int]bool)
		}
		if v, ok := memo[key]; ok {
			return v
		}
		res := matchRec(pattern, s, pi, si, rec)
		memo[key] = res
		return res
	}
	return rec(0, 0)
}

func matchRec(pattern, s string, pi, si int, rec func(int, int) bool) bool {
	for pi < len(pattern) {
		switch pattern[pi] {
		case '*':
			// Try every possible split; memoized recursion keeps this
			// polynomial rather than exponential.
			for k := si; k <= len(s); k++ {
				if rec(pi+1, k) {
					return true
				}
			}
			return false
		case '?':
			if si >= len(s) {
				return false
			}
			pi++
			si++
		case '[':
			end := strings.IndexByte(pattern[pi:], ']')
			if end < 0 {
				// unterminated class: treat '[' literally
				if si >= len(s) || s[si] != '[' {
					return false
				}
				pi++
				si++
				continue
			}
			class := pattern[pi+1 : pi+end]
			if si >= len(s) || !classMatch(class, s[si]) {
				return false
			}
			pi += end + 1
			si++
		case '\\':
			if pi+1 >= len(pattern) {
				if si >= len(s) || s[si] != '\\' {
					return false
				}
				pi++
				si++
				continue
			}
			lit := pattern[pi+1]
			if si >= len(s) || s[si] != lit {
				return false
			}
			pi += 2
			si++
		default:
			if si >= len(s) || s[si] != pattern[pi] {
				return false
			}
			pi++
			si++
		}
	}
	return si == len(s)
}

func classMatch(class string, c byte) bool {
	negate := false
	if strings.HasPrefix(class, "!") || strings.HasPrefix(class, "^") {
		negate = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				matched = true
			}
			i += 2
			continue
		}
		if class[i] == c {
			matched = true
		}
	}
	if negate {
		return !matched
	}
	return matched
}
