// Package link implements the DIFO linker of spec §4.3: it composes a
// clause's assembled instruction buffer with the helper routines it
// calls into one final, loadable DIFO, resolving every relocation to a
// concrete byte offset or immediate.
package link

import (
	"time"

	"github.com/tracebeam/dbpf/internal/asm"
	"github.com/tracebeam/dbpf/internal/codegen"
	"github.com/tracebeam/dbpf/internal/diag"
)

// Flags mirrors the global-nodefs/user-nodefs tolerance spec §4.3's
// failure-semantics paragraph names: an unresolved external symbol is
// normally a fatal link diagnostic, but under one of these flags it is
// left as a relocation entry for the OS to resolve instead.
type Flags struct {
	GlobalNodefs bool
	UserNodefs   bool
}

// HelperLibrary resolves an external function symbol to its own
// assembled DIFO body, per spec §4.3's helper-library hand-off.
type HelperLibrary interface {
	// Lookup returns the helper's assembled instructions/relocations
	// and whether it carries the codegen-register flag (the caller
	// promises to inline it rather than actually call it, so the
	// layout pass must not recurse into it).
	Lookup(symbol string) (prog *asm.Program, codegenRegister bool, ok bool)
}

// ScalarConstants carries the handle-wide well-known scalar values
// spec §4.3's construct pass resolves inline: EPID, PRID, string-table
// size, maximum string size, tuple size, maximum speculation count,
// per-CPU count, stack-frame size, and the boot-time constant
// (realtime_now - monotonic_now, computed once per handle and cached
// by the caller — Link never recomputes it).
type ScalarConstants struct {
	EPID              uint32
	PRID              uint32
	StrTabSize        int32
	MaxStrSize        int32
	TupleSize         int32
	MaxSpeculations   int32
	NumCPU            int32
	StackFrameSize    int32
	BootTimeNanos     int64
	TypeFieldOffsets  map[string]int32 // kernel-type field name -> byte offset, queried from the type service
}

// scalarName is the relocation symbol naming convention this linker
// recognizes for the well-known constants; anything else is treated as
// a helper-function or genuine external symbol.
var scalarName = map[string]func(ScalarConstants) (int64, bool){
	"EPID":            func(c ScalarConstants) (int64, bool) { return int64(c.EPID), true },
	"PRID":            func(c ScalarConstants) (int64, bool) { return int64(c.PRID), true },
	"STRTABSZ":        func(c ScalarConstants) (int64, bool) { return int64(c.StrTabSize), true },
	"MAXSTRSZ":        func(c ScalarConstants) (int64, bool) { return int64(c.MaxStrSize), true },
	"TUPSZ":           func(c ScalarConstants) (int64, bool) { return int64(c.TupleSize), true },
	"MAXSPEC":         func(c ScalarConstants) (int64, bool) { return int64(c.MaxSpeculations), true },
	"NCPU":            func(c ScalarConstants) (int64, bool) { return int64(c.NumCPU), true },
	"STACKSZ":         func(c ScalarConstants) (int64, bool) { return int64(c.StackFrameSize), true },
	"BOOTTIME":        func(c ScalarConstants) (int64, bool) { return c.BootTimeNanos, true },
}

// ComputeBootTime returns the boot-time constant spec §4.3 requires be
// computed exactly once per handle and cached by the caller.
func ComputeBootTime(realtimeNow, monotonicNow time.Duration) int64 {
	return int64(realtimeNow - monotonicNow)
}

// layoutEntry is one helper's position within the final instruction
// buffer, recorded during the layout pass and consumed by construct.
// Symbol is empty for the clause's own trailing entry.
type layoutEntry struct {
	prog   *asm.Program
	symbol string
	basePC int
}

// DIFO is the final, loadable compiled-clause object: a contiguous
// instruction buffer, the merged variable table, and the relocation
// records still needing resolution against this handle's scalar
// constants (already resolved here; retained for introspection/tests).
type DIFO struct {
	Instructions []codegen.Instruction
	Variables    []asm.Variable
	Relocations  []asm.Reloc
}

// Linker composes one clause's assembled program with the helper
// routines it calls into.
type Linker struct {
	helpers HelperLibrary
	flags   Flags
}

// New returns a linker resolving external-symbol relocations against
// helpers, honoring flags' unresolved-symbol tolerance.
func New(helpers HelperLibrary, flags Flags) *Linker {
	return &Linker{helpers: helpers, flags: flags}
}

// Link composes clause (the clause's own assembled program) with every
// helper it transitively calls, and resolves every relocation against
// consts, producing a final loadable DIFO.
func (l *Linker) Link(clause *asm.Program, consts ScalarConstants) (*DIFO, error) {
	entries, err := l.layout(clause)
	if err != nil {
		return nil, err
	}
	return l.construct(entries, consts)
}

// layout performs the topological walk spec §4.3 names: the clause's
// own program always comes last (it calls into everything laid out
// before it), each external function symbol recursively laid out
// first, each helper identifier visited only once.
func (l *Linker) layout(clause *asm.Program) ([]layoutEntry, error) {
	visited := make(map[string]bool)
	var entries []layoutEntry

	var visit func(prog *asm.Program) error
	visit = func(prog *asm.Program) error {
		for _, reloc := range prog.Relocations {
			if reloc.Symbol == "" {
				continue // branch relocation, not a function/variable reference
			}
			if _, isScalar := scalarName[reloc.Symbol]; isScalar {
				continue
			}
			if visited[reloc.Symbol] {
				continue
			}
			helperProg, codegenRegister, ok := l.helpers.Lookup(reloc.Symbol)
			if !ok {
				if l.flags.GlobalNodefs || l.flags.UserNodefs {
					continue // left unresolved for the OS, per spec §4.3 failure semantics
				}
				return diag.Fatalf(diag.StageLink, diag.CodeUnknownSym, 0,
					"unresolved external symbol %q", reloc.Symbol)
			}
			visited[reloc.Symbol] = true
			if codegenRegister {
				// The caller promises to inline this helper rather than
				// actually call it: do not recurse into its own
				// dependencies or include its body in the final layout.
				continue
			}
			if err := visit(helperProg); err != nil {
				return err
			}
			entries = append(entries, layoutEntry{prog: helperProg, symbol: reloc.Symbol})
		}
		return nil
	}

	if err := visit(clause); err != nil {
		return nil, err
	}
	entries = append(entries, layoutEntry{prog: clause})
	return entries, nil
}

// construct allocates the final buffers, copies each program's
// instruction bytes and tables into its assigned slot (biasing
// instruction-relative offsets by that program's base PC), and hands
// off to resolve for scalar/function relocation patching.
func (l *Linker) construct(entries []layoutEntry, consts ScalarConstants) (*DIFO, error) {
	out := &DIFO{}
	helperBase := make(map[string]int, len(entries))

	for i, entry := range entries {
		entries[i].basePC = len(out.Instructions)
		if entry.symbol != "" {
			helperBase[entry.symbol] = entries[i].basePC
		}
		out.Instructions = append(out.Instructions, entry.prog.Instructions...)
		out.Variables = append(out.Variables, entry.prog.Variables...)
	}

	for _, entry := range entries {
		for _, reloc := range entry.prog.Relocations {
			biased := reloc
			biased.InstrIndex += entry.basePC
			out.Relocations = append(out.Relocations, biased)
		}
	}

	return l.resolve(out, helperBase, consts)
}

// resolve implements spec §4.3's resolve pass: each scalar relocation
// patches its immediate directly into the instruction; each function
// relocation patches the call's relative offset to its helper's base
// PC, using the same PC-relative-to-the-following-instruction
// convention the assembler uses for branches. ld64 patches write
// low-32 to the first instruction's immediate and high-32 to the
// following instruction's immediate.
func (l *Linker) resolve(out *DIFO, helperBase map[string]int, consts ScalarConstants) (*DIFO, error) {
	for i := range out.Relocations {
		r := &out.Relocations[i]
		if r.Symbol == "" {
			continue // branch relocation, already resolved by the assembler
		}
		if r.InstrIndex < 0 || r.InstrIndex >= len(out.Instructions) {
			return nil, diag.Fatalf(diag.StageLink, diag.CodeBadSpec, 0,
				"relocation for %q targets out-of-range instruction %d", r.Symbol, r.InstrIndex)
		}

		if compute, ok := scalarName[r.Symbol]; ok {
			val, _ := compute(consts)
			switch r.Type {
			case asm.Reloc6464:
				out.Instructions[r.InstrIndex].Imm = int32(val)
				if r.InstrIndex+1 < len(out.Instructions) {
					out.Instructions[r.InstrIndex+1].Imm = int32(val >> 32)
				}
			default:
				out.Instructions[r.InstrIndex].Imm = int32(val)
			}
			continue
		}

		base, ok := helperBase[r.Symbol]
		if !ok {
			if l.flags.GlobalNodefs || l.flags.UserNodefs {
				continue // left unresolved for the OS
			}
			return nil, diag.Fatalf(diag.StageLink, diag.CodeUnknownSym, 0,
				"relocation for %q resolved to no laid-out helper", r.Symbol)
		}
		delta := int32(base - r.InstrIndex - 1)
		out.Instructions[r.InstrIndex].Imm = delta
	}
	return out, nil
}
