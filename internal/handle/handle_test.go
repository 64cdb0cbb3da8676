package handle

import (
	"context"
	"testing"

	"github.com/tracebeam/dbpf/internal/asm"
	"github.com/tracebeam/dbpf/internal/diag"
	"github.com/tracebeam/dbpf/internal/probe"
)

// fakeHelperLibrary satisfies link.HelperLibrary with a single
// always-inlined stub for every symbol it's asked to resolve, enough
// to link the trivial trace() clauses these tests compile.
type fakeHelperLibrary struct{}

func (fakeHelperLibrary) Lookup(symbol string) (*asm.Program, bool, bool) {
	return &asm.Program{}, true, true
}

func newTestHandle(t *testing.T) *Handle {
	t.Helper()
	h := New(Config{Helpers: fakeHelperLibrary{}})
	if _, err := h.Probes.Insert("syscall", probe.Desc{
		Provider: "syscall", Module: "vmlinux", Function: "open", Name: "entry",
	}); err != nil {
		t.Fatalf("inserting probe: %v", err)
	}
	return h
}

// TestCompileProgramSingleClause exercises scenario 1 of the worked
// examples: a one-clause program compiles to one CompiledClause whose
// DIFO string table begins with a zero byte and whose instruction
// count stays under 4096, and info() on the program reports exactly
// one matched probe.
func TestCompileProgramSingleClause(t *testing.T) {
	h := newTestHandle(t)

	prog, err := h.CompileProgram(`syscall::open:entry { trace(1); }`, 0)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if len(prog.Clauses) != 1 {
		t.Fatalf("expected 1 clause, got %d", len(prog.Clauses))
	}

	cc := prog.Clauses[0]
	if len(cc.Probes) != 1 {
		t.Fatalf("expected 1 matched probe, got %d", len(cc.Probes))
	}
	if cc.DIFO == nil {
		t.Fatal("expected a non-nil DIFO")
	}
	if len(cc.DIFO.Instructions) == 0 {
		t.Fatal("expected at least one instruction")
	}
	if len(cc.DIFO.Instructions) >= 4096 {
		t.Fatalf("instruction count %d exceeds the 4096 ceiling", len(cc.DIFO.Instructions))
	}
	if cc.EPID == 0 {
		t.Fatal("expected a nonzero EPID")
	}

	entry, ok := h.EPIDs.Lookup(cc.EPID)
	if !ok {
		t.Fatalf("EPID %d not registered", cc.EPID)
	}
	if entry.Probe.Function != "open" {
		t.Fatalf("got probe ref %+v", entry.Probe)
	}
}

// TestCompileProgramUnknownProbeFails confirms a clause naming a probe
// absent from the catalog fails to compile rather than silently
// resolving to zero probes.
func TestCompileProgramUnknownProbeFails(t *testing.T) {
	h := newTestHandle(t)

	if _, err := h.CompileProgram(`syscall::nosuchcall:entry { trace(1); }`, 0); err == nil {
		t.Fatal("expected an error resolving an unknown probe")
	}
}

// TestCompileProgramLeavesEmptyPCBStackBetweenCompiles compiles several
// programs back to back, confirming the pcb stack is always empty
// between compiles (a leaked frame from one compile would make the
// next CurrentPCB() call return stale state).
func TestCompileProgramLeavesEmptyPCBStackBetweenCompiles(t *testing.T) {
	h := newTestHandle(t)

	for i := 0; i < 3; i++ {
		if _, err := h.CompileProgram(`syscall::open:entry { trace(1); }`, 0); err != nil {
			t.Fatalf("compile %d: unexpected error: %v", i, err)
		}
		if clause, probes := h.CurrentPCB(); clause != nil || probes != nil {
			t.Fatalf("expected an empty pcb stack after compile %d, got clause=%v probes=%v", i, clause, probes)
		}
	}
	if h.EPIDs.Len() != 3 {
		t.Fatalf("expected 3 registered EPIDs, got %d", h.EPIDs.Len())
	}
}

// TestCompileProgramFailedCompileLeavesNoStaleState confirms a failed
// compile (unresolved probe) pops its pcb frame rather than leaving it
// for the next compile to trip over.
func TestCompileProgramFailedCompileLeavesNoStaleState(t *testing.T) {
	h := newTestHandle(t)

	if _, err := h.CompileProgram(`syscall::nosuchcall:entry { trace(1); }`, 0); err == nil {
		t.Fatal("expected an error")
	}
	if clause, probes := h.CurrentPCB(); clause != nil || probes != nil {
		t.Fatalf("expected an empty pcb stack after a failed compile, got clause=%v probes=%v", clause, probes)
	}

	if _, err := h.CompileProgram(`syscall::open:entry { trace(1); }`, 0); err != nil {
		t.Fatalf("unexpected error on a subsequent compile: %v", err)
	}
}

func TestNewHandleDefaultsDict(t *testing.T) {
	h := New(Config{Helpers: fakeHelperLibrary{}})
	if h.Dict() == nil {
		t.Fatal("expected a default dict")
	}
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	h := newTestHandle(t)
	ctx := context.Background()
	if err := h.Close(ctx); err != nil {
		t.Fatalf("unexpected error on first close: %v", err)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("unexpected error on second close: %v", err)
	}
}

func TestErrorBufferBuffersAndForwards(t *testing.T) {
	h := newTestHandle(t)
	var forwarded int
	h.Errors.SetHandler(&forwardingHandler{onDrop: func() { forwarded++ }})

	h.Errors.HandleDrop(&diag.Drop{Kind: diag.DropPrincipalBuffer, CPU: 0, Count: 1})
	if len(h.Errors.Drops()) != 1 {
		t.Fatalf("expected 1 buffered drop, got %d", len(h.Errors.Drops()))
	}
	if forwarded != 1 {
		t.Fatalf("expected the inner handler to be invoked once, got %d", forwarded)
	}
}

// forwardingHandler is a minimal diag.Handler test double that only
// cares about drops.
type forwardingHandler struct {
	onDrop func()
}

func (*forwardingHandler) HandleFault(*diag.RuntimeFault) diag.Action { return diag.ActionContinue }
func (h *forwardingHandler) HandleDrop(*diag.Drop)                    { h.onDrop() }
func (*forwardingHandler) HandleStatus(*diag.Status)                  {}
