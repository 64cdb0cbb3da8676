// Package module implements the module & kernel-path registry of spec
// §3/§4.5: mapping module names to on-disk paths via a modules.dep-style
// index, and hosting per-module symbol and type state.
package module

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tracebeam/dbpf/internal/ctf"
	"github.com/tracebeam/dbpf/internal/symtab"
)

// Kind distinguishes a kernel module (backed by a kernel-wide symbol
// table slice) from a user-space module (backed by its own ELF handle).
type Kind int

const (
	KindKernel Kind = iota
	KindUser
)

// Module is a named code region: either a kernel module (sharing the
// kernel symbol table, scoped by address range) or a user-space module
// (its own symbol table, typically built from one ELF object).
type Module struct {
	Name string
	Kind Kind
	Path string

	Syms *symtab.Table
	Dict *ctf.Dict

	// CodeRanges/DataRanges are the one-or-two disjoint address ranges
	// per section a kernel module occupies, resolved from possibly
	// overlapping raw /proc/kallmodsyms ranges by the symtab coalescing
	// algorithm (spec §4.5).
	CodeRanges []symtab.Range
	DataRanges []symtab.Range
}

// Registry maps module names to their Module record and on-disk path,
// built from a modules.dep-style dependency index plus lazily-populated
// per-module state.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Module
	depPath map[string]string // module name -> absolute on-disk path, from modules.dep
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byName:  make(map[string]*Module),
		depPath: make(map[string]string),
	}
}

// LoadDepFile parses a modules.dep-style index: one line per module,
// "path: dep1 dep2 ...", where the module name is derived from the
// basename of path with a trailing ".ko"/".ko.xz"/".ko.zst" stripped.
// Only the path mapping is retained; the dependency list after the
// colon is ignored, since this compiler never auto-loads a module's
// dependencies.
func (r *Registry) LoadDepFile(rd io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		path := strings.TrimSpace(line[:colon])
		if path == "" {
			continue
		}
		name := moduleNameFromPath(path)
		r.depPath[name] = path
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("module: reading dep file: %w", err)
	}
	return nil
}

func moduleNameFromPath(path string) string {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	for _, suf := range []string{".ko.zst", ".ko.xz", ".ko.gz", ".ko"} {
		if strings.HasSuffix(base, suf) {
			return strings.TrimSuffix(base, suf)
		}
	}
	return base
}

// PathOf returns the on-disk path registered for name via LoadDepFile.
func (r *Registry) PathOf(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.depPath[name]
	return p, ok
}

// Get returns the Module record for name, creating an empty one of the
// given kind on first reference so callers can populate it lazily.
func (r *Registry) Get(name string, kind Kind) *Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byName[name]; ok {
		return m
	}
	path, _ := r.depPath[name]
	m := &Module{Name: name, Kind: kind, Path: path, Syms: symtab.New()}
	r.byName[name] = m
	return m
}

// Lookup returns the Module record for name if it has already been
// created via Get, without creating it.
func (r *Registry) Lookup(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// Names returns every module name currently known to the registry,
// whether from the dep index or from an already-materialized Module.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.depPath)+len(r.byName))
	for n := range r.depPath {
		seen[n] = true
	}
	for n := range r.byName {
		seen[n] = true
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	return out
}

// FinalizeRanges sorts m's symbol table and sets CodeRanges from the
// resulting coalesced map; DataRanges is not set here. Kernel modules call
// this once their kallmodsyms-derived symbols are fully inserted.
func (m *Module) FinalizeRanges() {
	m.Syms.Sort()
	m.CodeRanges = m.Syms.Ranges()
}

// ContainsAddr reports whether addr falls within any of m's resolved
// code ranges.
func (m *Module) ContainsAddr(addr uint64) bool {
	for _, r := range m.CodeRanges {
		if addr >= r.Lo && addr < r.Hi {
			return true
		}
	}
	return false
}
