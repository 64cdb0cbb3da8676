// Package codegen implements the code generator of spec §4.2: it walks
// a cooked statement tree and a program-control block, emitting a
// fixed-width 64-bit BPF pseudo-instruction list plus external-symbol
// relocation references for the assembler to resolve later.
package codegen

import (
	"fmt"

	"github.com/tracebeam/dbpf/internal/diag"
	"github.com/tracebeam/dbpf/internal/lang/parser"
)

// Op is a BPF pseudo-opcode. The numeric values are this toolchain's
// own sequential numbering (in declaration order from zero), not the
// kernel BPF opcode encoding.
type Op byte

const (
	OpMovImm Op = iota
	OpMovReg
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpAnd
	OpOr
	OpXor
	OpLoad64Imm // ld64: two-instruction wide load of a 64-bit immediate
	OpStoreWord
	OpJEq
	OpJNE
	OpJGT
	OpJGE
	OpJLT
	OpJLE
	OpJA // unconditional jump
	OpCall
	OpExit
	OpNop // placeholder, dropped by the assembler's pass 1
)

// Instruction is the fixed-width 64-bit BPF pseudo-instruction format,
// kept independent of any kernel BPF library's instruction type so the
// code generator, assembler, and linker can be unit-tested without
// kernel access; only the final hand-off to cilium/ebpf (in
// internal/link) converts into that library's own type.
type Instruction struct {
	Op  Op
	Dst uint8
	Src uint8
	Off int16
	Imm int32
}

// RelocKind distinguishes which relocation table (spec §4.3) an
// external-symbol reference belongs to.
type RelocKind int

const (
	RelocBPFSymbol RelocKind = iota
	RelocKernelSymbol
	RelocUserSymbol
	RelocTranslatorMember
)

// Relocation is one external-symbol reference recorded during codegen,
// resolved later by the assembler/linker.
type Relocation struct {
	Kind         RelocKind
	InstrIndex   int // index into Program.Instructions of the referencing instruction
	Symbol       string
	LabelID      int32 // set for branch-target relocations (placeholder operand)
}

// Label is a monotonically-allocated branch target. Branches emit an
// OpNop placeholder instruction whose Imm carries the label id, which
// the assembler later rewrites to a PC-relative offset.
type Label int32

// Program is the codegen output for one clause: its instruction list,
// relocation references, and the next unallocated label id.
type Program struct {
	Instructions []Instruction
	Relocations  []Relocation
	NextLabel    int32
}

// numGeneralRegisters bounds the pseudo-machine's general register
// file; allocation past this is a compile-time diagnostic (spec §4.2).
const numGeneralRegisters = 10

// Generator walks a cooked tree emitting instructions into a Program.
type Generator struct {
	prog    *Program
	regFree [numGeneralRegisters]bool
}

// New returns a generator with a fresh, all-free register file.
func New() *Generator {
	g := &Generator{prog: &Program{}}
	for i := range g.regFree {
		g.regFree[i] = true
	}
	return g
}

// Program returns the accumulated instruction/relocation output.
func (g *Generator) Program() *Program { return g.prog }

func (g *Generator) allocReg(line int) (int, error) {
	for i, free := range g.regFree {
		if free {
			g.regFree[i] = false
			return i, nil
		}
	}
	return 0, diag.Fatalf(diag.StageCodegen, diag.CodeNoRegister, line,
		"expression tree depth exceeds the %d-register file", numGeneralRegisters)
}

func (g *Generator) freeReg(r int) { g.regFree[r] = true }

func (g *Generator) emit(instr Instruction) int {
	g.prog.Instructions = append(g.prog.Instructions, instr)
	return len(g.prog.Instructions) - 1
}

func (g *Generator) newLabel() Label {
	l := Label(g.prog.NextLabel)
	g.prog.NextLabel++
	return l
}

// emitLabelPlaceholder emits an OpNop carrying label as its Imm; the
// assembler's pass 1 drops it after recording the label->PC mapping.
func (g *Generator) emitLabelPlaceholder(label Label) int {
	return g.emit(Instruction{Op: OpNop, Imm: int32(label)})
}

// GenClause emits instructions for every statement in clause (already
// cooked), in order, returning the accumulated Program.
func (g *Generator) GenClause(clause *parser.Node) (*Program, error) {
	if len(clause.Extra) == 1 {
		reg, err := g.genExpr(clause.Extra[0])
		if err != nil {
			return nil, err
		}
		g.freeReg(reg)
	}
	for _, stmt := range clause.Children {
		if err := g.genStmt(stmt); err != nil {
			return nil, err
		}
	}
	g.emit(Instruction{Op: OpExit})
	return g.prog, nil
}

func (g *Generator) genStmt(n *parser.Node) error {
	switch n.Kind {
	case parser.KindExprStmt:
		reg, err := g.genExpr(n.Children[0])
		if err != nil {
			return err
		}
		g.freeReg(reg)
		return nil
	case parser.KindAggregation:
		return g.genAggregation(n)
	default:
		return diag.Fatalf(diag.StageCodegen, diag.CodeBadSpec, n.Line, "unsupported statement kind %v", n.Kind)
	}
}

// genAggregation emits the key-tuple construction into the reserved
// tuple-register file (modeled here as ordinary general registers,
// since this repository's pseudo-machine does not need a physically
// distinct file to keep the assembler's relocation rules correct) plus
// a call to the aggregation-kind's named helper (spec §4.2's "named
// helpers" list: aggregation slot lookup and friends).
func (g *Generator) genAggregation(n *parser.Node) error {
	for _, key := range n.Children {
		reg, err := g.genExpr(key)
		if err != nil {
			return err
		}
		g.freeReg(reg)
	}
	if len(n.Extra) != 1 {
		return diag.Fatalf(diag.StageCodegen, diag.CodeBadSpec, n.Line, "aggregation %q missing its combinator call", n.Ident)
	}
	call := n.Extra[0]
	for _, arg := range call.Children {
		reg, err := g.genExpr(arg)
		if err != nil {
			return err
		}
		g.freeReg(reg)
	}
	idx := g.emit(Instruction{Op: OpCall})
	g.prog.Relocations = append(g.prog.Relocations, Relocation{
		Kind: RelocBPFSymbol, InstrIndex: idx, Symbol: helperNameForAgg(call.Ident),
	})
	return nil
}

func helperNameForAgg(kind string) string {
	return fmt.Sprintf("agg_%s", kind)
}

// genExpr emits n's instructions and returns the register holding its
// result. The caller is responsible for freeing that register once
// done with it.
func (g *Generator) genExpr(n *parser.Node) (int, error) {
	switch n.Kind {
	case parser.KindIntLit:
		reg, err := g.allocReg(n.Line)
		if err != nil {
			return 0, err
		}
		if n.IntVal > 0x7fffffff || n.IntVal < -0x80000000 {
			g.emit(Instruction{Op: OpLoad64Imm, Dst: uint8(reg), Imm: int32(n.IntVal)})
			g.emit(Instruction{Op: OpLoad64Imm, Dst: uint8(reg), Imm: int32(n.IntVal >> 32)})
		} else {
			g.emit(Instruction{Op: OpMovImm, Dst: uint8(reg), Imm: int32(n.IntVal)})
		}
		return reg, nil

	case parser.KindStringLit, parser.KindIdent, parser.KindVarRef, parser.KindMember:
		reg, err := g.allocReg(n.Line)
		if err != nil {
			return 0, err
		}
		idx := g.emit(Instruction{Op: OpLoad64Imm, Dst: uint8(reg)})
		g.prog.Relocations = append(g.prog.Relocations, Relocation{
			Kind: RelocBPFSymbol, InstrIndex: idx, Symbol: identSymbol(n),
		})
		return reg, nil

	case parser.KindUnaryOp:
		operand, err := g.genExpr(n.Children[0])
		if err != nil {
			return 0, err
		}
		return operand, nil

	case parser.KindBinaryOp:
		return g.genBinary(n)

	case parser.KindTernaryOp:
		return g.genTernary(n)

	case parser.KindFuncCall:
		return g.genCall(n)

	default:
		return 0, diag.Fatalf(diag.StageCodegen, diag.CodeBadSpec, n.Line, "unsupported expression kind %v", n.Kind)
	}
}

func identSymbol(n *parser.Node) string {
	if n.Ident != "" {
		return n.Ident
	}
	return n.StrVal
}

var binaryOps = map[string]Op{
	"+": OpAdd, "-": OpSub, "*": OpMul, "/": OpDiv, "%": OpMod,
	"&": OpAnd, "|": OpOr, "^": OpXor,
}

var compareOps = map[string]Op{
	"==": OpJEq, "!=": OpJNE, ">": OpJGT, ">=": OpJGE, "<": OpJLT, "<=": OpJLE,
}

func (g *Generator) genBinary(n *parser.Node) (int, error) {
	left, err := g.genExpr(n.Children[0])
	if err != nil {
		return 0, err
	}
	right, err := g.genExpr(n.Children[1])
	if err != nil {
		return 0, err
	}
	defer g.freeReg(right)

	if op, ok := binaryOps[n.Op]; ok {
		g.emit(Instruction{Op: op, Dst: uint8(left), Src: uint8(right)})
		return left, nil
	}
	if _, ok := compareOps[n.Op]; ok {
		// A comparison used as a value (not a branch condition) produces
		// a 0/1 result via branch-around-mov, matching the pseudo-
		// machine's lack of a dedicated compare-to-register opcode.
		falseLabel := g.newLabel()
		endLabel := g.newLabel()
		op := compareOps[invertCompare(n.Op)]
		idx := g.emit(Instruction{Op: op, Dst: uint8(left), Src: uint8(right)})
		g.prog.Relocations = append(g.prog.Relocations, Relocation{Kind: RelocBPFSymbol, InstrIndex: idx, LabelID: int32(falseLabel)})
		g.emit(Instruction{Op: OpMovImm, Dst: uint8(left), Imm: 1})
		jaIdx := g.emit(Instruction{Op: OpJA})
		g.prog.Relocations = append(g.prog.Relocations, Relocation{Kind: RelocBPFSymbol, InstrIndex: jaIdx, LabelID: int32(endLabel)})
		g.emitLabelPlaceholder(falseLabel)
		g.emit(Instruction{Op: OpMovImm, Dst: uint8(left), Imm: 0})
		g.emitLabelPlaceholder(endLabel)
		return left, nil
	}
	return 0, fmt.Errorf("codegen: unknown binary operator %q", n.Op)
}

func invertCompare(op string) string {
	switch op {
	case "==":
		return "!="
	case "!=":
		return "=="
	case ">":
		return "<="
	case ">=":
		return "<"
	case "<":
		return ">="
	case "<=":
		return ">"
	}
	return op
}

func (g *Generator) genTernary(n *parser.Node) (int, error) {
	cond, err := g.genExpr(n.Children[0])
	if err != nil {
		return 0, err
	}
	g.freeReg(cond)

	elseLabel := g.newLabel()
	endLabel := g.newLabel()
	idx := g.emit(Instruction{Op: OpJEq, Dst: uint8(cond), Imm: 0})
	g.prog.Relocations = append(g.prog.Relocations, Relocation{Kind: RelocBPFSymbol, InstrIndex: idx, LabelID: int32(elseLabel)})

	thenReg, err := g.genExpr(n.Children[1])
	if err != nil {
		return 0, err
	}
	jaIdx := g.emit(Instruction{Op: OpJA})
	g.prog.Relocations = append(g.prog.Relocations, Relocation{Kind: RelocBPFSymbol, InstrIndex: jaIdx, LabelID: int32(endLabel)})

	g.emitLabelPlaceholder(elseLabel)
	elseReg, err := g.genExpr(n.Children[2])
	if err != nil {
		return 0, err
	}
	if elseReg != thenReg {
		g.emit(Instruction{Op: OpMovReg, Dst: uint8(thenReg), Src: uint8(elseReg)})
		g.freeReg(elseReg)
	}
	g.emitLabelPlaceholder(endLabel)
	return thenReg, nil
}

// genCall emits argument evaluation followed by a call to a named
// helper (spec §4.2's "codegen emits calls to helper functions by name
// rather than inlining them").
func (g *Generator) genCall(n *parser.Node) (int, error) {
	for _, arg := range n.Children {
		reg, err := g.genExpr(arg)
		if err != nil {
			return 0, err
		}
		g.freeReg(reg)
	}
	result, err := g.allocReg(n.Line)
	if err != nil {
		return 0, err
	}
	idx := g.emit(Instruction{Op: OpCall, Dst: uint8(result)})
	g.prog.Relocations = append(g.prog.Relocations, Relocation{Kind: RelocBPFSymbol, InstrIndex: idx, Symbol: n.Ident})
	return result, nil
}
