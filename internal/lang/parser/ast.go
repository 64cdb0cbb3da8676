// Package parser implements the D-language grammar and AST construction
// of spec §4.1: a recursive-descent parser driven by the scanner's
// mode switches, producing the tagged-variant cooked-node shape spec §3
// names (annotations are filled in later by package cook).
package parser

// Kind discriminates one AST node's variant, matching spec §3's "Cooked
// AST node" tag list exactly.
type Kind int

const (
	KindIntLit Kind = iota
	KindStringLit
	KindIdent
	KindVarRef
	KindSymRef
	KindTypeDecl
	KindFuncCall
	KindUnaryOp
	KindBinaryOp
	KindTernaryOp
	KindExprStmt
	KindFuncStmt
	KindAggregation
	KindProbeDesc
	KindClause
	KindInline
	KindMember
	KindTranslator
	KindProbe
	KindProvider
	KindProgram
	KindTrampoline
	KindTmpString

	// KindPragmaAttr is not one of spec §3's expression-tree tags: a
	// pragma directive declares or pins a global identifier's attribute
	// triple rather than producing a value, so it lives in KindProgram's
	// Extra list alongside the clauses it precedes, not inside any
	// clause's expression tree.
	KindPragmaAttr
)

// Flags is a bitmask of the node flags spec §3 names: signed, cooked,
// by-reference, l-value, writable, bitfield, userland, alloca-tainted,
// non-assignable, dynamic-pointer.
type Flags uint16

const (
	FlagSigned Flags = 1 << iota
	FlagCooked
	FlagByRef
	FlagLValue
	FlagWritable
	FlagBitfield
	FlagUserland
	FlagAllocaTainted
	FlagNonAssignable
	FlagDynamicPointer
)

// StabilityClass mirrors provider.StabilityClass without importing
// package provider, keeping the AST free of a dependency cycle (cook,
// which does import provider's sibling packages, is the layer that
// cross-references the two).
type StabilityClass int

const (
	ClassUnknown StabilityClass = iota
	ClassUnstable
	ClassEvolving
	ClassStable
	ClassStandard
	ClassInternal
)

// Attributes is the (name-stability, data-stability, class) triple
// spec §3 calls the attribute triple.
type Attributes struct {
	NameStability StabilityClass
	DataStability StabilityClass
	Class         StabilityClass
}

// TypeRef is a CTF type reference: dictionary pointer (opaque to the
// parser; filled in by cook) plus a type id.
type TypeRef struct {
	DictName string // which module's dictionary id refers into
	ID       uint32
}

// Node is one AST node. Union fields are discriminated by Kind; only
// the subset relevant to that Kind is meaningful, matching the
// source's tagged-union layout without reproducing C-style unsafe
// field aliasing.
type Node struct {
	Kind  Kind
	Line  int
	Type  TypeRef
	Attrs Attributes
	Flags Flags
	Reg   int // register-allocation slot; codegen tracks registers itself and does not set it

	// Literal/identifier payloads.
	IntVal    int64
	StrVal    string
	Ident     string

	// Probe description payload (KindProbeDesc).
	Provider, Module, Function, ProbeName string

	// Structural children, reused across several kinds:
	// KindUnaryOp: Children[0] is the operand, Op is the operator text.
	// KindBinaryOp: Children[0], Children[1] are left/right.
	// KindTernaryOp: Children[0..2] are cond/then/else.
	// KindFuncCall: Children are arguments; Ident is the callee name.
	// KindExprStmt/KindFuncStmt: Children[0] is the expression.
	// KindAggregation: Children are key-tuple expressions; Ident is the
	//   aggregation's name (after '@'); Extra[0] is the KindFuncCall of
	//   the aggregating function (its Ident is count/sum/..., its
	//   Children the arguments).
	// KindClause: Children are statements; Probes holds one or more
	//   KindProbeDesc nodes; Extra[0] if present is the predicate.
	// KindProgram: Children are KindClause nodes; Extra holds any
	//   KindPragmaAttr directives that preceded them.
	Op       string
	Children []*Node
	Extra    []*Node
	Probes   []*Node

	// KindMember: Ident is the member name, Children[0] the base
	// expression.
	// KindTranslator: Ident is the translated-to type name, Children[0]
	// the source expression.
	// KindPragmaAttr: Ident is the identifier being pinned; StrVal holds
	// the unparsed "name-stability/data-stability/class" triple text,
	// left for cook to classify (Attrs stays zero-valued until then).
}

func (n *Node) String() string {
	return n.Ident
}
