// Package asm implements the two-pass assembler of spec §4.3: it walks
// a codegen.Program's raw instruction/relocation lists and produces a
// concrete DIFO-ready instruction buffer with branch targets rewritten
// to PC-relative offsets and relocation records classified by type.
package asm

import (
	"fmt"

	"github.com/tracebeam/dbpf/internal/codegen"
	"github.com/tracebeam/dbpf/internal/diag"
)

// RelocType is the wire relocation-type tag spec §4.3 names: 64-64 for
// a full 64-bit immediate load, 64-32 for everything else (store-word,
// 32-bit mov-immediate, and pseudo-call targets).
type RelocType int

const (
	Reloc6464 RelocType = iota
	Reloc6432
)

// VarScope enumerates the scopes the variable table's enumeration
// walks, per spec §4.3: TLS, aggregate, global, local.
type VarScope int

const (
	VarScopeTLS VarScope = iota
	VarScopeAggregate
	VarScopeGlobal
	VarScopeLocal
)

// Variable is one entry in the assembled variable table: every
// distinct identifier referenced across the four scopes, enumerated
// once regardless of how many instructions reference it.
type Variable struct {
	Name  string
	Scope VarScope
}

// Reloc is one assembled relocation record, classified by kind/type
// and ready for the linker's resolve pass.
type Reloc struct {
	Kind       codegen.RelocKind
	Type       RelocType
	InstrIndex int // index into Program.Instructions after no-op removal
	Symbol     string
	LabelDelta int32 // resolved PC-relative delta, valid once assembled
}

// Program is the assembler's output: the no-op-free instruction
// buffer, classified relocation records, and the enumerated variable
// table.
type Program struct {
	Instructions []codegen.Instruction
	Relocations  []Reloc
	Variables    []Variable
}

// branchOps are opcodes whose Imm, pre-assembly, carries a label id
// rather than an immediate value or a "no target" marker — everything
// except call, exit, and no-op per spec §4.3's post-check.
var branchOps = map[codegen.Op]bool{
	codegen.OpJEq: true, codegen.OpJNE: true, codegen.OpJGT: true,
	codegen.OpJGE: true, codegen.OpJLT: true, codegen.OpJLE: true,
	codegen.OpJA: true,
}

// Assemble runs the two-pass assembler over prog.
func Assemble(prog *codegen.Program) (*Program, error) {
	// Pass 1: drop no-ops, build the label->PC table, and collect the
	// set of referenced variable-table identifiers.
	labelPC := make(map[int32]int)
	out := &Program{}
	instrRelocByOld := make(map[int][]codegen.Relocation)
	for _, r := range prog.Relocations {
		instrRelocByOld[r.InstrIndex] = append(instrRelocByOld[r.InstrIndex], r)
	}

	oldToNew := make(map[int]int, len(prog.Instructions))
	seenVar := make(map[string]bool)

	for i, instr := range prog.Instructions {
		if instr.Op == codegen.OpNop {
			// A label placeholder: record its PC as the position of the
			// next real instruction (or, if it's the trailing
			// instruction, leave it pointing one past the last real PC,
			// matching "produces a no-op placeholder if it is the last
			// declaration").
			labelPC[instr.Imm] = len(out.Instructions)
			continue
		}
		oldToNew[i] = len(out.Instructions)
		out.Instructions = append(out.Instructions, instr)

		for _, reloc := range instrRelocByOld[i] {
			if reloc.Symbol != "" {
				if !seenVar[reloc.Symbol] {
					seenVar[reloc.Symbol] = true
					out.Variables = append(out.Variables, Variable{Name: reloc.Symbol, Scope: VarScopeGlobal})
				}
			}
		}
	}

	// Pass 2: rewrite branch targets to PC-relative offsets and emit
	// classified relocation records in instruction order.
	for i, instr := range prog.Instructions {
		if instr.Op == codegen.OpNop {
			continue
		}
		newIdx, ok := oldToNew[i]
		if !ok {
			continue
		}

		for _, reloc := range instrRelocByOld[i] {
			if branchOps[instr.Op] {
				target, ok := labelPC[reloc.LabelID]
				if !ok {
					return nil, diag.Fatalf(diag.StageAsm, diag.CodeBadSpec, 0,
						"branch at instruction %d references undeclared label %d", newIdx, reloc.LabelID)
				}
				// BPF-style jumps are relative to the following
				// instruction, hence the -1 bias.
				delta := int32(target - newIdx - 1)
				out.Instructions[newIdx].Off = int16(delta)
				out.Relocations = append(out.Relocations, Reloc{
					Kind: reloc.Kind, Type: Reloc6432, InstrIndex: newIdx, LabelDelta: delta,
				})
				continue
			}

			relocType := classifyRelocType(instr.Op)
			out.Relocations = append(out.Relocations, Reloc{
				Kind: reloc.Kind, Type: relocType, InstrIndex: newIdx, Symbol: reloc.Symbol,
			})
		}

		// Post-check: every non-call/exit/no-op jump must carry a valid
		// label-id operand strictly less than the maximum allocated
		// label. Already enforced above via labelPC lookup failure;
		// this second check additionally guards against a branch
		// opcode with *no* recorded relocation at all, which would
		// otherwise silently assemble with an Off of zero.
		if branchOps[instr.Op] {
			if _, ok := hasRelocFor(instrRelocByOld[i]); !ok {
				return nil, diag.Fatalf(diag.StageAsm, diag.CodeBadSpec, 0,
					"branch at instruction %d has no label operand", newIdx)
			}
		}
	}

	return out, nil
}

func hasRelocFor(relocs []codegen.Relocation) (codegen.Relocation, bool) {
	for _, r := range relocs {
		return r, true
	}
	return codegen.Relocation{}, false
}

// classifyRelocType implements spec §4.3's opcode-form differentiation:
// ld64 against an immediate uses 64-64; store-word, 32-bit mov
// immediates, and pseudo-call targets use 64-32.
func classifyRelocType(op codegen.Op) RelocType {
	switch op {
	case codegen.OpLoad64Imm:
		return Reloc6464
	default:
		return Reloc6432
	}
}

func (p *Program) String() string {
	return fmt.Sprintf("asm.Program{instrs=%d relocs=%d vars=%d}", len(p.Instructions), len(p.Relocations), len(p.Variables))
}
