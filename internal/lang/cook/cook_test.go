package cook

import (
	"testing"

	"github.com/tracebeam/dbpf/internal/ctf"
	"github.com/tracebeam/dbpf/internal/diag"
	"github.com/tracebeam/dbpf/internal/lang/parser"
)

func TestCookIntLiteral(t *testing.T) {
	d := ctf.NewDict("vmlinux", nil)
	scope := NewGlobalScope()
	c := New(d, scope, 0)

	p := parser.New(`syscall::open:entry { trace(1); }`)
	prog, err := p.ParseProgram()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if err := c.CookProgram(prog); err != nil {
		t.Fatalf("cook error: %v", err)
	}
	clause := prog.Children[0]
	if clause.Flags&parser.FlagCooked == 0 {
		t.Error("expected clause to be marked cooked")
	}
	lit := clause.Children[0].Children[0].Children[0]
	if lit.Kind != parser.KindIntLit {
		t.Fatalf("got %+v", lit)
	}
	if lit.Flags&parser.FlagCooked == 0 {
		t.Error("expected literal to be marked cooked")
	}
}

func TestCookUnknownIdentifierFails(t *testing.T) {
	d := ctf.NewDict("vmlinux", nil)
	scope := NewGlobalScope()
	c := New(d, scope, 0)

	p := parser.New(`syscall::open:entry { trace(bogus); }`)
	prog, err := p.ParseProgram()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if err := c.CookProgram(prog); err == nil {
		t.Error("expected unknown-identifier error")
	}
}

func TestCookMacroArgOutOfBounds(t *testing.T) {
	d := ctf.NewDict("vmlinux", nil)
	scope := NewGlobalScope()
	c := New(d, scope, 1) // only $0 is valid

	p := parser.New(`syscall::open:entry { trace($5); }`)
	prog, err := p.ParseProgram()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if err := c.CookProgram(prog); err == nil {
		t.Error("expected macro-arg-out-of-bounds error")
	}
}

func TestCookPragmaPinsNewIdentifier(t *testing.T) {
	d := ctf.NewDict("vmlinux", nil)
	scope := NewGlobalScope()
	c := New(d, scope, 0)

	src := "#pragma D attributes Stable/Stable/Common myvar\n" +
		"syscall::open:entry { trace(myvar); }"
	p := parser.New(src)
	prog, err := p.ParseProgram()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(prog.Extra) != 1 || prog.Extra[0].Kind != parser.KindPragmaAttr || prog.Extra[0].Ident != "myvar" {
		t.Fatalf("expected one pragma directive for myvar, got %+v", prog.Extra)
	}

	if err := c.CookProgram(prog); err != nil {
		t.Fatalf("cook error: %v", err)
	}
	id, ok := scope.Lookup("myvar")
	if !ok {
		t.Fatal("expected pragma to declare myvar in the global scope")
	}
	if !id.Pinned {
		t.Error("expected myvar to be marked pinned")
	}
	if id.Attrs != (parser.Attributes{NameStability: parser.ClassStable, DataStability: parser.ClassStable, Class: parser.ClassStandard}) {
		t.Fatalf("got attrs %+v", id.Attrs)
	}
}

func TestCookPragmaLoweringExistingAttrFails(t *testing.T) {
	d := ctf.NewDict("vmlinux", nil)
	scope := NewGlobalScope()
	scope.Declare(&Ident{
		Name: "myvar", Type: ctf.VoidID,
		Attrs: parser.Attributes{NameStability: parser.ClassStable, DataStability: parser.ClassStable, Class: parser.ClassStandard},
	})
	c := New(d, scope, 0)

	src := "#pragma D attributes Unstable/Unstable/Unstable myvar\n" +
		"syscall::open:entry { trace(1); }"
	p := parser.New(src)
	prog, err := p.ParseProgram()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	err = c.CookProgram(prog)
	if err == nil {
		t.Fatal("expected attribute-lowering error")
	}
	if !diag.IsCode(err, diag.CodeAttrLower) {
		t.Fatalf("expected D_ATTR_PINNED, got %v", err)
	}
}

func TestCookDeclaredIdentifierResolves(t *testing.T) {
	d := ctf.NewDict("vmlinux", nil)
	scope := NewGlobalScope()
	scope.Declare(&Ident{Name: "myvar", Type: ctf.VoidID, Writable: true})
	c := New(d, scope, 0)

	p := parser.New(`syscall::open:entry { trace(myvar); }`)
	prog, err := p.ParseProgram()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if err := c.CookProgram(prog); err != nil {
		t.Fatalf("cook error: %v", err)
	}
	ref := prog.Children[0].Children[0].Children[0].Children[0]
	if ref.Kind != parser.KindIdent || ref.Flags&parser.FlagWritable == 0 {
		t.Fatalf("expected writable resolved ident, got %+v", ref)
	}
}
