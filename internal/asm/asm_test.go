package asm

import (
	"testing"

	"github.com/tracebeam/dbpf/internal/codegen"
	"github.com/tracebeam/dbpf/internal/lang/parser"
)

func mustGen(t *testing.T, src string) *codegen.Program {
	t.Helper()
	p := parser.New(src)
	prog, err := p.ParseProgram()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	g := codegen.New()
	out, err := g.GenClause(prog.Children[0])
	if err != nil {
		t.Fatalf("codegen error: %v", err)
	}
	return out
}

func TestAssembleDropsNops(t *testing.T) {
	cg := mustGen(t, `syscall::open:entry { trace(1 == 2); }`)
	var hadNop bool
	for _, instr := range cg.Instructions {
		if instr.Op == codegen.OpNop {
			hadNop = true
		}
	}
	if !hadNop {
		t.Fatal("expected the comparison-as-value codegen to emit label placeholders")
	}

	out, err := Assemble(cg)
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	for _, instr := range out.Instructions {
		if instr.Op == codegen.OpNop {
			t.Fatalf("assembled output still contains a no-op: %+v", out.Instructions)
		}
	}
}

func TestAssembleRewritesBranchOffsetsRelativeToFollowingInstruction(t *testing.T) {
	cg := mustGen(t, `syscall::open:entry { trace(1 == 2); }`)
	out, err := Assemble(cg)
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	var sawBranch bool
	for _, instr := range out.Instructions {
		if branchOps[instr.Op] {
			sawBranch = true
			// The jump-around-mov shape always has a non-negative forward
			// offset in this codegen pattern.
			if instr.Off < 0 {
				t.Fatalf("expected a forward branch offset, got %d", instr.Off)
			}
		}
	}
	if !sawBranch {
		t.Fatal("expected at least one branch instruction")
	}
}

func TestAssembleClassifiesRelocationTypes(t *testing.T) {
	cg := mustGen(t, `syscall::open:entry { trace(myvar); }`)
	out, err := Assemble(cg)
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	found := false
	for _, r := range out.Relocations {
		if r.Symbol == "myvar" {
			found = true
			if r.Type != Reloc6464 {
				t.Fatalf("expected a 64-64 relocation for an ld64 identifier load, got %v", r.Type)
			}
		}
	}
	if !found {
		t.Fatal("expected a relocation referencing myvar")
	}
}

func TestAssembleCallRelocationUses6432(t *testing.T) {
	cg := mustGen(t, `syscall::open:entry { trace(1); }`)
	out, err := Assemble(cg)
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	found := false
	for _, r := range out.Relocations {
		if r.Symbol == "trace" {
			found = true
			if r.Type != Reloc6432 {
				t.Fatalf("expected a 64-32 relocation for a call target, got %v", r.Type)
			}
		}
	}
	if !found {
		t.Fatal("expected a relocation referencing the trace helper")
	}
}

func TestAssembleVariableTableDeduplicatesReferences(t *testing.T) {
	cg := mustGen(t, `syscall::open:entry { trace(myvar + myvar); }`)
	out, err := Assemble(cg)
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	count := 0
	for _, v := range out.Variables {
		if v.Name == "myvar" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected myvar to be enumerated exactly once in the variable table, got %d", count)
	}
}
