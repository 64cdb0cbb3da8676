package handle

import (
	"fmt"

	"github.com/tracebeam/dbpf/internal/asm"
	"github.com/tracebeam/dbpf/internal/codegen"
	"github.com/tracebeam/dbpf/internal/consumer"
	"github.com/tracebeam/dbpf/internal/lang/cook"
	"github.com/tracebeam/dbpf/internal/lang/parser"
	"github.com/tracebeam/dbpf/internal/link"
	"github.com/tracebeam/dbpf/internal/probe"
)

// pcb is the per-compile program control block spec §9 says should
// become an explicit per-handle stack entry (replacing the source's
// global PCB pointer): the clause currently being compiled and the
// probe records it resolves to. Pushed by compileClause for the
// duration of one clause's compile, popped on return — including on error, so
// a failed nested compile cannot leave stale state for the next one.
type pcb struct {
	clause *parser.Node
	probes []probe.ID
}

// CompiledClause is one clause's fully linked output: the probes it
// was enabled on, its EPID, and the final DIFO ready for the kernel
// ABI loader.
type CompiledClause struct {
	Probes []probe.ID
	EPID   uint32
	DIFO   *link.DIFO
}

// Program is the result of compiling one source buffer: one
// CompiledClause per clause in program (textual) order.
type Program struct {
	Clauses []*CompiledClause
}

// CompileProgram runs the full pipeline — parse, cook, codegen,
// assemble, link — over source, serialized against any other
// concurrent compile on this handle (spec §3: "single-threaded with
// respect to compilation"). argc is the clause's macro-argument count
// ($0..$argc-1).
func (h *Handle) CompileProgram(source string, argc int) (*Program, error) {
	h.cpMu.Lock()
	defer h.cpMu.Unlock()

	p := parser.New(source)
	prog, err := p.ParseProgram()
	if err != nil {
		log.WithError(err).Debug("parse failed")
		return nil, fmt.Errorf("handle: parse: %w", err)
	}

	ck := cook.New(h.dict, h.global, argc)
	if err := ck.CookProgram(prog); err != nil {
		return nil, fmt.Errorf("handle: cook: %w", err)
	}

	out := &Program{}
	for _, clause := range prog.Children {
		cc, err := h.compileClause(clause)
		if err != nil {
			return nil, err
		}
		out.Clauses = append(out.Clauses, cc)
	}
	log.WithField("clauses", len(out.Clauses)).Debug("compiled program")
	return out, nil
}

// compileClause pushes a fresh pcb for clause, runs it through
// codegen/asm/link, registers its EPID, and pops the pcb before
// returning — on every path, including error returns.
func (h *Handle) compileClause(clause *parser.Node) (*CompiledClause, error) {
	probeIDs, probeRef, err := h.resolveClauseProbes(clause)
	if err != nil {
		return nil, err
	}

	frame := &pcb{clause: clause, probes: probeIDs}
	h.pcbStack = append(h.pcbStack, frame)
	defer func() { h.pcbStack = h.pcbStack[:len(h.pcbStack)-1] }()

	gen := codegen.New()
	codeProg, err := gen.GenClause(clause)
	if err != nil {
		return nil, fmt.Errorf("handle: codegen: %w", err)
	}

	asmProg, err := asm.Assemble(codeProg)
	if err != nil {
		return nil, fmt.Errorf("handle: assemble: %w", err)
	}

	desc, err := dataDescriptorForClause(clause)
	if err != nil {
		return nil, fmt.Errorf("handle: data descriptor: %w", err)
	}
	epid := h.EPIDs.Register(desc, probeRef)

	consts := h.consts
	consts.EPID = epid
	difo, err := h.linker.Link(asmProg, consts)
	if err != nil {
		return nil, fmt.Errorf("handle: link: %w", err)
	}

	return &CompiledClause{Probes: probeIDs, EPID: epid, DIFO: difo}, nil
}

// resolveClauseProbes looks up every probe description a clause
// enables on and returns their catalog ids plus a ProbeRef describing
// the first for EPID registration (spec §3's EPID carries exactly one
// probe_descriptor). A clause enabled on more than one probe gets one
// data descriptor, one generated body and one EPID, registered against
// the first probe; no per-(clause, probe) EPIDs are produced.
func (h *Handle) resolveClauseProbes(clause *parser.Node) ([]probe.ID, consumer.ProbeRef, error) {
	var ids []probe.ID
	var ref consumer.ProbeRef
	for i, pd := range clause.Probes {
		desc := probe.Desc{Provider: pd.Provider, Module: pd.Module, Function: pd.Function, Name: pd.ProbeName}
		rec, err := probe.Lookup(h.Probes, desc)
		if err != nil {
			return nil, consumer.ProbeRef{}, fmt.Errorf("handle: resolving probe %s: %w", desc, err)
		}
		ids = append(ids, rec.ID)
		if i == 0 {
			ref = consumer.ProbeRef{
				Provider: rec.Desc.Provider,
				Module:   rec.Desc.Module,
				Function: rec.Desc.Function,
				Name:     rec.Desc.Name,
			}
		}
	}
	return ids, ref, nil
}

// dataDescriptorForClause derives the wire record layout a clause's
// trace/printf actions emit. Full derivation from each action's
// argument CTF types belongs to codegen (not yet emitting per-record
// layout metadata); until then every clause gets a single
// fixed-width 8-byte trace record, which is sufficient for today's
// int-literal clause bodies and documented as a placeholder pending
// codegen-level record-layout tracking.
func dataDescriptorForClause(clause *parser.Node) (*consumer.DataDescriptor, error) {
	return consumer.NewDataDescriptor([]consumer.ActionRecord{
		{Kind: consumer.ActionTrace, Size: 8, Offset: 0, Align: 8},
	})
}

// CurrentPCB returns the clause and resolved probe ids of the
// innermost compile in progress on this handle, or nil if none.
func (h *Handle) CurrentPCB() (clause *parser.Node, probes []probe.ID) {
	h.cpMu.Lock()
	defer h.cpMu.Unlock()
	if len(h.pcbStack) == 0 {
		return nil, nil
	}
	top := h.pcbStack[len(h.pcbStack)-1]
	return top.clause, top.probes
}
