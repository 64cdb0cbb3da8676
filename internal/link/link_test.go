package link

import (
	"testing"
	"time"

	"github.com/tracebeam/dbpf/internal/asm"
	"github.com/tracebeam/dbpf/internal/codegen"
	"github.com/tracebeam/dbpf/internal/lang/parser"
)

func mustAssemble(t *testing.T, src string) *asm.Program {
	t.Helper()
	p := parser.New(src)
	prog, err := p.ParseProgram()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	g := codegen.New()
	cg, err := g.GenClause(prog.Children[0])
	if err != nil {
		t.Fatalf("codegen error: %v", err)
	}
	out, err := asm.Assemble(cg)
	if err != nil {
		t.Fatalf("assemble error: %v", err)
	}
	return out
}

func TestLinkResolvesScalarConstant(t *testing.T) {
	cg := mustAssemble(t, `syscall::open:entry { trace(1); }`)
	lib := &stubHelpers{bodies: map[string]*asm.Program{
		"trace": {Instructions: []codegen.Instruction{{Op: codegen.OpExit}}},
	}}
	l := New(lib, Flags{})
	consts := ScalarConstants{EPID: 42}
	difo, err := l.Link(cg, consts)
	if err != nil {
		t.Fatalf("link error: %v", err)
	}
	if len(difo.Instructions) == 0 {
		t.Fatal("expected non-empty linked instruction buffer")
	}
}

func TestLinkUnresolvedSymbolFailsWithoutNodefs(t *testing.T) {
	cg := mustAssemble(t, `syscall::open:entry { trace(1); }`)
	lib := &stubHelpers{bodies: map[string]*asm.Program{}}
	l := New(lib, Flags{})
	_, err := l.Link(cg, ScalarConstants{})
	if err == nil {
		t.Fatal("expected an unresolved-symbol link error")
	}
}

func TestLinkUnresolvedSymbolToleratedUnderNodefs(t *testing.T) {
	cg := mustAssemble(t, `syscall::open:entry { trace(1); }`)
	lib := &stubHelpers{bodies: map[string]*asm.Program{}}
	l := New(lib, Flags{GlobalNodefs: true})
	_, err := l.Link(cg, ScalarConstants{})
	if err != nil {
		t.Fatalf("expected nodefs flag to tolerate the unresolved symbol, got %v", err)
	}
}

func TestLinkLayoutsHelperBeforeCaller(t *testing.T) {
	cg := mustAssemble(t, `syscall::open:entry { trace(1); }`)
	lib := &stubHelpers{bodies: map[string]*asm.Program{
		"trace": {Instructions: []codegen.Instruction{
			{Op: codegen.OpMovImm, Dst: 0, Imm: 7},
			{Op: codegen.OpExit},
		}},
	}}
	l := New(lib, Flags{})
	difo, err := l.Link(cg, ScalarConstants{})
	if err != nil {
		t.Fatalf("link error: %v", err)
	}
	// The helper's body (2 instructions) should appear before the
	// clause's own body in program order.
	if len(difo.Instructions) < 2 {
		t.Fatalf("expected helper + clause instructions, got %d", len(difo.Instructions))
	}
	if difo.Instructions[0].Op != codegen.OpMovImm || difo.Instructions[0].Imm != 7 {
		t.Fatalf("expected the helper's body laid out first, got %+v", difo.Instructions[0])
	}
}

func TestComputeBootTimeSubtractsMonotonic(t *testing.T) {
	got := ComputeBootTime(100*time.Second, 5*time.Second)
	want := int64(95 * time.Second)
	if got != want {
		t.Fatalf("got %d want %d", got, want)
	}
}

// stubHelpers is the HelperLibrary test double used by this file's
// tests: symbols present in bodies resolve to that instruction buffer,
// everything else is reported unresolved.
type stubHelpers struct {
	bodies map[string]*asm.Program
}

func (s *stubHelpers) Lookup(symbol string) (*asm.Program, bool, bool) {
	prog, ok := s.bodies[symbol]
	return prog, false, ok
}
