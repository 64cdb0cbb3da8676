// Package ctf implements the BTF→CTF type service of spec §4 (type
// service) and §6 (BTF decode): translating kernel BPF Type Format data
// into the richer Compact C Type Format dictionary the compiler's
// semantic cooker consumes.
package ctf

import (
	"fmt"

	"github.com/cilium/ebpf/btf"
)

// Kind discriminates a CTF type's representation, mirroring the BTF
// kinds it is translated from plus the qualifier/typedef wrapper kinds.
type Kind int

const (
	KindInt Kind = iota
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindEnum
	KindFunc
	KindFuncProto
	KindTypedef
	KindVoid
)

// Qualifier is a const/volatile/restrict wrapper recorded on a typedef
// chain. Each wrapper becomes its own entry rather than being folded
// away, so a translated `const volatile int` is a chain of two
// qualifier entries over int and keeps both.
type Qualifier int

const (
	QualConst Qualifier = iota
	QualVolatile
	QualRestrict
)

// Member is one field of a struct or union type: name, member type id,
// and bit offset (spec §6 scenario: two ints at bit offsets 0 and 32).
type Member struct {
	Name     string
	TypeID   ID
	BitOff   uint32
	BitWidth uint32 // nonzero only for a genuine bitfield member
}

// ID is a dictionary-local type id, stable for the lifetime of the
// Dict it was produced in.
type ID uint32

// VoidID is the reserved id for the synthetic void type every
// dictionary seeds at construction.
const VoidID ID = 0

// Type is one CTF dictionary entry.
type Type struct {
	ID         ID
	Name       string
	Kind       Kind
	Size       uint64 // byte size for int/struct/union/array/pointer targets; 0 for func kinds
	IntBits    uint32 // KindInt: bit width
	IntSigned  bool   // KindInt: signedness
	Members    []Member
	ElemType   ID     // KindArray/KindPointer/KindTypedef: element/target/aliased type
	ElemCount  uint64 // KindArray: element count
	Qualifiers []Qualifier
	Params     []ID // KindFuncProto: parameter type ids
	Return     ID   // KindFuncProto: return type id
	EnumVals   map[string]int64
}

// Dict is a module-keyed type dictionary. The vmlinux module's
// dictionary is the shared base; every other module's dictionary
// imports it (spec §6), realized here as an explicit parent pointer
// that ByName/ByID fall back to.
type Dict struct {
	Module string
	Parent *Dict

	types  []Type // index 0 is always the synthetic void type
	byName map[string]ID
}

// NewDict returns an empty dictionary for module, seeded with the
// synthetic void type at id 0, optionally importing parent.
func NewDict(module string, parent *Dict) *Dict {
	d := &Dict{
		Module: module,
		Parent: parent,
		types:  []Type{{ID: VoidID, Name: "void", Kind: KindVoid}},
		byName: make(map[string]ID),
	}
	d.byName["void"] = VoidID
	return d
}

// ByID returns the type for id, checking the parent dictionary if id is
// not local (ids are only comparable within the dictionary that
// produced them; cross-dictionary references are by name, not id).
func (d *Dict) ByID(id ID) (Type, bool) {
	if int(id) < len(d.types) {
		return d.types[id], true
	}
	if d.Parent != nil {
		return d.Parent.ByID(id)
	}
	return Type{}, false
}

// ByName resolves a type name, checking the importing chain up to the
// vmlinux base dictionary if not found locally.
func (d *Dict) ByName(name string) (Type, bool) {
	if id, ok := d.byName[name]; ok {
		return d.types[id], true
	}
	if d.Parent != nil {
		return d.Parent.ByName(name)
	}
	return Type{}, false
}

func (d *Dict) insert(t Type) ID {
	t.ID = ID(len(d.types))
	d.types = append(d.types, t)
	if t.Name != "" {
		if _, exists := d.byName[t.Name]; !exists {
			d.byName[t.Name] = t.ID
		}
	}
	return t.ID
}

// Len returns the number of types defined directly in d (excluding any
// imported parent dictionary).
func (d *Dict) Len() int { return len(d.types) }

// DecodeBTF translates every type in spec (as produced by
// github.com/cilium/ebpf/btf, which parses the raw
// /sys/kernel/btf/$module blob) into d, preserving struct/union layouts
// with bitfield offsets, enum values, function prototypes, typedef
// chains, and qualifier stacking, per spec §6.
func DecodeBTF(d *Dict, spec *btf.Spec) error {
	it := spec.Iterate()
	btfToCTF := make(map[btf.Type]ID)

	// First pass: allocate a CTF id per BTF type so forward references
	// (a struct member pointing at a type declared later) resolve.
	var pending []btf.Type
	for it.Next() {
		pending = append(pending, it.Type)
	}

	var resolve func(bt btf.Type) ID
	resolve = func(bt btf.Type) ID {
		if bt == nil {
			return VoidID
		}
		if id, ok := btfToCTF[bt]; ok {
			return id
		}
		// Reserve a slot before recursing so cyclic/self-referential
		// pointer types (e.g. a linked-list node) terminate.
		placeholder := d.insert(Type{Kind: KindVoid})
		btfToCTF[bt] = placeholder

		t, err := translate(bt, resolve)
		if err != nil {
			return placeholder
		}
		t.ID = placeholder
		d.types[placeholder] = t
		if t.Name != "" {
			if _, exists := d.byName[t.Name]; !exists {
				d.byName[t.Name] = placeholder
			}
		}
		return placeholder
	}

	for _, bt := range pending {
		resolve(bt)
	}
	return nil
}

func translate(bt btf.Type, resolve func(btf.Type) ID) (Type, error) {
	switch v := bt.(type) {
	case *btf.Int:
		signed := v.Encoding&btf.Signed != 0
		return Type{Name: v.Name, Kind: KindInt, Size: uint64(v.Size), IntBits: v.Bits, IntSigned: signed}, nil

	case *btf.Pointer:
		return Type{Kind: KindPointer, Size: 8, ElemType: resolve(v.Target)}, nil

	case *btf.Array:
		elem := resolve(v.Type)
		return Type{Kind: KindArray, ElemType: elem, ElemCount: uint64(v.Nelems)}, nil

	case *btf.Struct:
		members := make([]Member, 0, len(v.Members))
		for _, m := range v.Members {
			members = append(members, Member{
				Name:     m.Name,
				TypeID:   resolve(m.Type),
				BitOff:   uint32(m.Offset),
				BitWidth: uint32(m.BitfieldSize),
			})
		}
		return Type{Name: v.Name, Kind: KindStruct, Size: uint64(v.Size), Members: members}, nil

	case *btf.Union:
		members := make([]Member, 0, len(v.Members))
		for _, m := range v.Members {
			members = append(members, Member{
				Name:     m.Name,
				TypeID:   resolve(m.Type),
				BitOff:   uint32(m.Offset),
				BitWidth: uint32(m.BitfieldSize),
			})
		}
		return Type{Name: v.Name, Kind: KindUnion, Size: uint64(v.Size), Members: members}, nil

	case *btf.Enum:
		vals := make(map[string]int64, len(v.Values))
		for _, ev := range v.Values {
			vals[ev.Name] = ev.Value
		}
		return Type{Name: v.Name, Kind: KindEnum, Size: uint64(v.Size), EnumVals: vals}, nil

	case *btf.Typedef:
		return Type{Name: v.Name, Kind: KindTypedef, ElemType: resolve(v.Type)}, nil

	case *btf.Const:
		inner, err := wrapQualifier(v.Type, QualConst, resolve)
		return inner, err

	case *btf.Volatile:
		inner, err := wrapQualifier(v.Type, QualVolatile, resolve)
		return inner, err

	case *btf.Restrict:
		inner, err := wrapQualifier(v.Type, QualRestrict, resolve)
		return inner, err

	case *btf.Func:
		proto, ok := v.Type.(*btf.FuncProto)
		if !ok {
			return Type{Name: v.Name, Kind: KindFunc}, nil
		}
		params := make([]ID, 0, len(proto.Params))
		for _, p := range proto.Params {
			params = append(params, resolve(p.Type))
		}
		return Type{Name: v.Name, Kind: KindFunc, Params: params, Return: resolve(proto.Return)}, nil

	case *btf.FuncProto:
		params := make([]ID, 0, len(v.Params))
		for _, p := range v.Params {
			params = append(params, resolve(p.Type))
		}
		return Type{Kind: KindFuncProto, Params: params, Return: resolve(v.Return)}, nil

	case *btf.Void:
		return Type{Kind: KindVoid, Name: "void"}, nil

	default:
		return Type{}, fmt.Errorf("ctf: unsupported BTF kind %T", bt)
	}
}

// wrapQualifier turns a const/volatile/restrict BTF wrapper into a new
// unnamed KindTypedef entry carrying q, whose ElemType is the wrapped
// type. Stacked wrappers each get such an entry, so a const-volatile-int
// chain keeps both qualifiers.
func wrapQualifier(target btf.Type, q Qualifier, resolve func(btf.Type) ID) (Type, error) {
	id := resolve(target)
	// The referenced type has already been materialized (or reserved);
	// the qualifier lives on the new entry, so the underlying type is
	// untouched.
	return Type{Kind: KindTypedef, ElemType: id, Qualifiers: []Qualifier{q}}, nil
}
