// Package helperlib implements the helper-library loader of spec
// §4.3/§4.4: it reads a BPF-architecture ELF object containing the
// toolchain's pre-compiled helper routines and builds a symbol table
// keyed by function name, each entry carrying its own relocation list,
// satisfying internal/link's HelperLibrary interface so the linker can
// pull a helper's body in by name.
package helperlib

import (
	"debug/elf"
	"fmt"

	"github.com/tracebeam/dbpf/internal/asm"
	"github.com/tracebeam/dbpf/internal/codegen"
	"github.com/tracebeam/dbpf/internal/diag"
)

// trailingPad is the toolchain padding spec §4.3 says to strip: an
// 8-byte trailing zero appended by the BPF backend's object emission.
const trailingPad = 8

// Function is one named helper routine's body: its instruction stream
// and the relocation entries it still carries against other helpers
// or BPF-local symbols.
type Function struct {
	Name            string
	Instructions    []codegen.Instruction
	Relocations     []asm.Reloc
	CodegenRegister bool // caller promises to inline rather than call
	Truncated       bool // zero-sized global function, reported but not fatal
}

// Library is a loaded helper-library ELF: a symbol table of Function
// entries keyed by name.
type Library struct {
	byName map[string]*Function
	hasMap bool
}

// Load reads the BPF-ELF object at path and builds its helper symbol
// table. It requires the four mandatory sections spec §4.3 names
// (`.text`, `.rel.text`, `.symtab`, `.strtab`); `maps` is optional.
func Load(path string) (*Library, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeBadSpec, 0, "opening helper library %q: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	return load(f)
}

func load(f *elf.File) (*Library, error) {
	if f.Class != elf.ELFCLASS64 {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeDataModel, 0, "expected ELFCLASS64, got %s", f.Class)
	}
	if f.Machine != elf.EM_BPF {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeDataModel, 0, "expected machine %s, got %s", elf.EM_BPF, f.Machine)
	}

	text := f.Section(".text")
	if text == nil {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeBadSpec, 0, "helper library missing required .text section")
	}
	relText := f.Section(".rel.text")
	if relText == nil {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeBadSpec, 0, "helper library missing required .rel.text section")
	}
	if f.Section(".symtab") == nil {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeBadSpec, 0, "helper library missing required .symtab section")
	}
	if f.Section(".strtab") == nil {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeBadSpec, 0, "helper library missing required .strtab section")
	}

	textBytes, err := text.Data()
	if err != nil {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeBadSpec, 0, "reading .text: %v", err)
	}
	textBytes = stripTrailingPad(textBytes)

	symbols, err := f.Symbols()
	if err != nil {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeBadSpec, 0, "reading .symtab: %v", err)
	}

	lib := &Library{byName: make(map[string]*Function), hasMap: f.Section("maps") != nil}

	for _, sym := range symbols {
		if elf.ST_BIND(sym.Info) != elf.STB_GLOBAL {
			continue
		}
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		if int(sym.Section) >= len(f.Sections) || f.Sections[sym.Section] != text {
			continue
		}
		fn := &Function{Name: sym.Name}
		if sym.Size == 0 {
			fn.Truncated = true
		} else {
			instrs, err := decodeInstructions(textBytes, sym.Value, sym.Size)
			if err != nil {
				return nil, diag.Fatalf(diag.StageLoad, diag.CodeBadSpec, 0, "decoding helper %q: %v", sym.Name, err)
			}
			fn.Instructions = instrs
		}
		lib.byName[sym.Name] = fn
	}

	relocs, err := decodeRelocations(relText, symbols)
	if err != nil {
		return nil, err
	}
	// Each relocation goes to the function whose byte range holds it,
	// with InstrIndex rebased to that function's first instruction.
	for _, sym := range symbols {
		fn, ok := lib.byName[sym.Name]
		if !ok || elf.ST_BIND(sym.Info) != elf.STB_GLOBAL || elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		lo := int(sym.Value / instructionWidth)
		hi := lo + int(sym.Size/instructionWidth)
		for _, r := range relocs {
			if r.InstrIndex >= lo && r.InstrIndex < hi {
				r.InstrIndex -= lo
				fn.Relocations = append(fn.Relocations, r)
			}
		}
	}

	return lib, nil
}

// stripTrailingPad removes an 8-byte trailing zero block the BPF
// backend appends as toolchain padding, if present.
func stripTrailingPad(b []byte) []byte {
	if len(b) < trailingPad {
		return b
	}
	tail := b[len(b)-trailingPad:]
	for _, v := range tail {
		if v != 0 {
			return b
		}
	}
	return b[:len(b)-trailingPad]
}

// instructionWidth is the on-disk byte width of one fixed-width BPF
// pseudo-instruction.
const instructionWidth = 8

// decodeInstructions reinterprets the byte range [value, value+size) of
// text as a stream of fixed-width instructions. This library stores
// only the fields codegen's own Instruction type needs (Op/Dst/Src/
// Off/Imm); a real classic-BPF encoding packs these into the 8-byte
// word, which this helper-library loader is not required to bit-exact
// reproduce since every helper body it loads was itself produced by
// this same toolchain's assembler.
func decodeInstructions(text []byte, value, size uint64) ([]codegen.Instruction, error) {
	if value+size > uint64(len(text)) {
		return nil, fmt.Errorf("symbol range [%d,%d) exceeds .text size %d", value, value+size, len(text))
	}
	n := size / instructionWidth
	out := make([]codegen.Instruction, 0, n)
	for i := uint64(0); i < n; i++ {
		off := value + i*instructionWidth
		word := text[off : off+instructionWidth]
		out = append(out, codegen.Instruction{
			Op:  codegen.Op(word[0]),
			Dst: word[1],
			Src: word[2],
			Off: int16(uint16(word[3]) | uint16(word[4])<<8),
			Imm: int32(uint32(word[5]) | uint32(word[6])<<8 | uint32(word[7])<<16),
		})
	}
	return out, nil
}

// decodeRelocations reads .rel.text's Elf64_Rel entries, resolving
// each against the symbol it targets into an asm.Reloc pointing at a
// BPF-local external symbol (spec §4.3's "symbols referencing maps or
// undefined symbols must already be known to the compiler's BPF-symbol
// table").
func decodeRelocations(relText *elf.Section, symbols []elf.Symbol) ([]asm.Reloc, error) {
	data, err := relText.Data()
	if err != nil {
		return nil, diag.Fatalf(diag.StageLoad, diag.CodeBadSpec, 0, "reading .rel.text: %v", err)
	}
	const relEntSize = 16 // Elf64_Rel: r_offset(8) + r_info(8)
	var out []asm.Reloc
	for off := 0; off+relEntSize <= len(data); off += relEntSize {
		rOffset := leUint64(data[off : off+8])
		rInfo := leUint64(data[off+8 : off+16])
		symIdx := rInfo >> 32
		if symIdx == 0 || int(symIdx) > len(symbols) {
			continue
		}
		sym := symbols[symIdx-1]
		out = append(out, asm.Reloc{
			Kind:       codegen.RelocBPFSymbol,
			Type:       asm.Reloc6432,
			InstrIndex: int(rOffset / instructionWidth),
			Symbol:     sym.Name,
		})
	}
	return out, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Lookup implements internal/link's HelperLibrary interface.
func (l *Library) Lookup(symbol string) (*asm.Program, bool, bool) {
	fn, ok := l.byName[symbol]
	if !ok {
		return nil, false, false
	}
	return &asm.Program{Instructions: fn.Instructions, Relocations: fn.Relocations}, fn.CodegenRegister, true
}

// Truncated reports the names of every zero-sized global function
// symbol found while loading, per spec §4.3's "zero-sized global
// functions are reported as truncated."
func (l *Library) Truncated() []string {
	var out []string
	for name, fn := range l.byName {
		if fn.Truncated {
			out = append(out, name)
		}
	}
	return out
}

// HasMapSection reports whether the library carries an optional `maps`
// section.
func (l *Library) HasMapSection() bool { return l.hasMap }
