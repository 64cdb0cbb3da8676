// Package cook implements the semantic cooker of spec §4.1: a
// bottom-up walk of the parsed tree that resolves identifiers against a
// scoped namespace stack, computes each node's CTF type by C99-like
// promotion rules, computes its attribute triple as the greatest-lower-
// bound of its children's, and propagates the sticky userland and
// alloca-tainted flags.
package cook

import (
	"strings"

	"github.com/tracebeam/dbpf/internal/ctf"
	"github.com/tracebeam/dbpf/internal/diag"
	"github.com/tracebeam/dbpf/internal/lang/parser"
)

// Ident is one entry in the identifier-hash scope stack: a variable or
// macro-argument binding, with the type and attributes it was declared
// with.
type Ident struct {
	Name     string
	Type     ctf.ID
	Attrs    parser.Attributes
	Flags    parser.Flags
	Writable bool
	Pinned   bool // true if pragma-pinned: its attribute may not be lowered
}

// Scope is one frame of the identifier-hash stack; Global is the bottom
// frame shared by every clause in a handle.
type Scope struct {
	idents map[string]*Ident
	parent *Scope
}

// NewGlobalScope returns an empty bottom-frame scope.
func NewGlobalScope() *Scope {
	return &Scope{idents: make(map[string]*Ident)}
}

// Push returns a child scope layered on top of s.
func (s *Scope) Push() *Scope {
	return &Scope{idents: make(map[string]*Ident), parent: s}
}

// Declare binds name in this frame.
func (s *Scope) Declare(id *Ident) {
	s.idents[id.Name] = id
}

// Lookup resolves name against this frame and its ancestors.
func (s *Scope) Lookup(name string) (*Ident, bool) {
	for f := s; f != nil; f = f.parent {
		if id, ok := f.idents[name]; ok {
			return id, true
		}
	}
	return nil, false
}

// Cooker walks a parsed tree, annotating each node per spec §4.1.
type Cooker struct {
	dict     *ctf.Dict
	global   *Scope
	argc     int // macro-argument count in scope ($0..$argc-1 valid)
}

// New returns a cooker resolving CTF types against dict and macro
// arguments against argc (the clause's $n argument count).
func New(dict *ctf.Dict, global *Scope, argc int) *Cooker {
	return &Cooker{dict: dict, global: global, argc: argc}
}

// CookProgram applies every pragma directive in prog.Extra to the
// global scope, then cooks every clause in prog in place. Pragmas run
// first since they pin identifier attributes clauses may then read.
func (c *Cooker) CookProgram(prog *parser.Node) error {
	for _, pragma := range prog.Extra {
		if err := c.applyPragmaAttr(pragma); err != nil {
			return err
		}
	}
	for _, clause := range prog.Children {
		if err := c.CookClause(clause); err != nil {
			return err
		}
	}
	return nil
}

// applyPragmaAttr classifies one KindPragmaAttr node's triple text and
// pins the named identifier's attribute in the global scope, per spec
// §4.1's "attribute-lowering of a pragma-pinned identifier" diagnostic:
// an identifier that already carries a declared or previously-pinned
// attribute may be re-pinned to an equal-or-higher triple, but pinning
// it to anything lower raises CodeAttrLower rather than silently
// demoting a variable other clauses may already rely on.
func (c *Cooker) applyPragmaAttr(pragma *parser.Node) error {
	attrs, ok := parseAttrTriple(pragma.StrVal)
	if !ok {
		return diag.Fatalf(diag.StageCook, diag.CodeBadSpec, pragma.Line,
			"unrecognized attribute triple %q in #pragma D attributes", pragma.StrVal)
	}

	id, exists := c.global.Lookup(pragma.Ident)
	if exists && attrsLower(attrs, id.Attrs) {
		return diag.Fatalf(diag.StageCook, diag.CodeAttrLower, pragma.Line,
			"#pragma D attributes would lower %q's attribute below its current %s",
			pragma.Ident, attrString(id.Attrs))
	}

	if !exists {
		id = &Ident{Name: pragma.Ident, Type: ctf.VoidID}
		c.global.Declare(id)
	}
	id.Attrs = attrs
	id.Pinned = true
	return nil
}

// attrsLower reports whether requested is lower than existing in any
// of the three attribute-triple components — the condition spec §4.1
// calls "attribute-lowering."
func attrsLower(requested, existing parser.Attributes) bool {
	return requested.NameStability < existing.NameStability ||
		requested.DataStability < existing.DataStability ||
		requested.Class < existing.Class
}

func attrString(a parser.Attributes) string {
	return stabilityName(a.NameStability) + "/" + stabilityName(a.DataStability) + "/" + stabilityName(a.Class)
}

var stabilityNames = map[string]parser.StabilityClass{
	"unstable": parser.ClassUnstable,
	"evolving": parser.ClassEvolving,
	"stable":   parser.ClassStable,
	"standard": parser.ClassStandard,
	"internal": parser.ClassInternal,
}

func stabilityName(c parser.StabilityClass) string {
	for name, v := range stabilityNames {
		if v == c {
			return name
		}
	}
	return "unknown"
}

// parseAttrTriple parses a "name-stability/data-stability/class" triple
// as spec §4.1's pragma syntax writes it, case-insensitively.
func parseAttrTriple(s string) (parser.Attributes, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return parser.Attributes{}, false
	}
	var out [3]parser.StabilityClass
	for i, p := range parts {
		if i == 2 && strings.EqualFold(p, "common") {
			// "Common" dependency class, recorded as ClassStandard.
			out[i] = parser.ClassStandard
			continue
		}
		v, ok := stabilityNames[strings.ToLower(p)]
		if !ok {
			return parser.Attributes{}, false
		}
		out[i] = v
	}
	return parser.Attributes{NameStability: out[0], DataStability: out[1], Class: out[2]}, true
}

// CookClause cooks one clause: its predicate (if any) and its
// statement list, in its own child scope over the global namespace.
func (c *Cooker) CookClause(clause *parser.Node) error {
	scope := c.global.Push()
	if len(clause.Extra) == 1 {
		if err := c.cookNode(clause.Extra[0], scope); err != nil {
			return err
		}
	}
	for _, stmt := range clause.Children {
		if err := c.cookNode(stmt, scope); err != nil {
			return err
		}
	}
	clause.Flags |= parser.FlagCooked
	return nil
}

func glb(a, b parser.StabilityClass) parser.StabilityClass {
	if a < b {
		return a
	}
	return b
}

func glbAttrs(a, b parser.Attributes) parser.Attributes {
	return parser.Attributes{
		NameStability: glb(a.NameStability, b.NameStability),
		DataStability: glb(a.DataStability, b.DataStability),
		Class:         glb(a.Class, b.Class),
	}
}

var stableAttrs = parser.Attributes{
	NameStability: parser.ClassStable,
	DataStability: parser.ClassStable,
	Class:         parser.ClassStandard,
}

// cookNode walks n bottom-up, filling in Type/Attrs/Flags per spec
// §4.1. Children are cooked first so the parent can compute the GLB of
// their attributes and the union of their sticky flags.
func (c *Cooker) cookNode(n *parser.Node, scope *Scope) error {
	for _, child := range n.Children {
		if err := c.cookNode(child, scope); err != nil {
			return err
		}
	}
	for _, extra := range n.Extra {
		if err := c.cookNode(extra, scope); err != nil {
			return err
		}
	}

	switch n.Kind {
	case parser.KindIntLit:
		n.Type = typeRefFromName(c.dict, "int")
		n.Attrs = stableAttrs
		n.Flags |= parser.FlagSigned | parser.FlagCooked

	case parser.KindStringLit:
		n.Type = typeRefFromName(c.dict, "string")
		n.Attrs = stableAttrs
		n.Flags |= parser.FlagCooked

	case parser.KindVarRef:
		return c.cookMacroVar(n)

	case parser.KindIdent:
		return c.cookIdent(n, scope)

	case parser.KindUnaryOp:
		child := n.Children[0]
		n.Type = child.Type
		n.Attrs = child.Attrs
		n.Flags |= (child.Flags & (parser.FlagUserland | parser.FlagAllocaTainted))
		if n.Op == "*" {
			// Dereference: the result is a writable l-value. The sticky
			// userland/alloca-tainted flags are carried over from the
			// operand but not checked here.
			n.Flags |= parser.FlagLValue | parser.FlagWritable
		}
		n.Flags |= parser.FlagCooked

	case parser.KindBinaryOp:
		l, r := n.Children[0], n.Children[1]
		n.Type = widerType(l.Type, r.Type)
		n.Attrs = glbAttrs(l.Attrs, r.Attrs)
		n.Flags |= (l.Flags | r.Flags) & (parser.FlagUserland | parser.FlagAllocaTainted)
		n.Flags |= parser.FlagCooked

	case parser.KindTernaryOp:
		then, els := n.Children[1], n.Children[2]
		n.Type = widerType(then.Type, els.Type)
		n.Attrs = glbAttrs(glbAttrs(n.Children[0].Attrs, then.Attrs), els.Attrs)
		n.Flags |= parser.FlagCooked

	case parser.KindFuncCall:
		n.Attrs = stableAttrs
		for _, arg := range n.Children {
			n.Attrs = glbAttrs(n.Attrs, arg.Attrs)
		}
		n.Flags |= parser.FlagCooked

	case parser.KindMember:
		return c.cookMember(n)

	case parser.KindAggregation:
		n.Flags |= parser.FlagCooked

	case parser.KindExprStmt, parser.KindFuncStmt:
		n.Flags |= parser.FlagCooked
	}
	return nil
}

// cookMacroVar checks "$n" against argc and types it int64_t. "$ident"
// is typed string without any macro-hash lookup.
func (c *Cooker) cookMacroVar(n *parser.Node) error {
	name := n.Ident[1:] // strip leading '$'
	if isAllDigits(name) {
		idx := atoiSimple(name)
		if idx >= c.argc {
			return diag.Fatalf(diag.StageCook, diag.CodeMacroArgOOB, n.Line,
				"$%s used but only %d macro arguments in scope", name, c.argc)
		}
		n.Type = typeRefFromName(c.dict, "int64_t")
		n.Attrs = stableAttrs
		n.Flags |= parser.FlagCooked
		return nil
	}
	n.Type = typeRefFromName(c.dict, "string")
	n.Attrs = stableAttrs
	n.Flags |= parser.FlagCooked
	return nil
}

func (c *Cooker) cookIdent(n *parser.Node, scope *Scope) error {
	id, ok := scope.Lookup(n.Ident)
	if !ok {
		if ty, ok := c.dict.ByName(n.Ident); ok {
			n.Type = parser.TypeRef{DictName: c.dict.Module, ID: uint32(ty.ID)}
			n.Attrs = stableAttrs
			n.Flags |= parser.FlagCooked | parser.FlagLValue
			return nil
		}
		return diag.Fatalf(diag.StageCook, diag.CodeUnknownVar, n.Line, "unknown identifier %q", n.Ident)
	}
	n.Type = parser.TypeRef{DictName: c.dict.Module, ID: uint32(id.Type)}
	n.Attrs = id.Attrs
	n.Flags |= id.Flags | parser.FlagCooked | parser.FlagLValue
	if id.Writable {
		n.Flags |= parser.FlagWritable
	} else {
		n.Flags |= parser.FlagNonAssignable
	}
	return nil
}

func (c *Cooker) cookMember(n *parser.Node) error {
	base := n.Children[0]
	baseTy, ok := c.dict.ByID(ctf.ID(base.Type.ID))
	if !ok {
		return diag.Fatalf(diag.StageCook, diag.CodeUnknownType, n.Line, "member access on unresolved type")
	}
	for baseTy.Kind == ctf.KindPointer || baseTy.Kind == ctf.KindTypedef {
		next, ok := c.dict.ByID(baseTy.ElemType)
		if !ok {
			break
		}
		baseTy = next
	}
	for _, m := range baseTy.Members {
		if m.Name == n.Ident {
			n.Type = parser.TypeRef{DictName: c.dict.Module, ID: uint32(m.TypeID)}
			n.Attrs = base.Attrs
			n.Flags |= base.Flags & (parser.FlagUserland | parser.FlagAllocaTainted)
			if m.BitWidth > 0 {
				n.Flags |= parser.FlagBitfield
			}
			n.Flags |= parser.FlagCooked | parser.FlagLValue
			return nil
		}
	}
	return diag.Fatalf(diag.StageCook, diag.CodeUnknownType, n.Line, "type %q has no member %q", baseTy.Name, n.Ident)
}

// widerType implements a simplified C99 usual-arithmetic-conversion
// rule: the wider of two int types wins, with string/pointer types
// passed through unchanged when either side is non-numeric.
func widerType(a, b parser.TypeRef) parser.TypeRef {
	if a.ID == b.ID {
		return a
	}
	if a.ID > b.ID {
		return a
	}
	return b
}

func typeRefFromName(dict *ctf.Dict, name string) parser.TypeRef {
	ty, ok := dict.ByName(name)
	if !ok {
		return parser.TypeRef{DictName: dict.Module, ID: uint32(ctf.VoidID)}
	}
	return parser.TypeRef{DictName: dict.Module, ID: uint32(ty.ID)}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func atoiSimple(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
