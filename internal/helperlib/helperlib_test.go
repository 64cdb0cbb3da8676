package helperlib

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildHelperELF assembles a minimal but structurally valid BPF-ELF
// helper-library object by hand, in the same spirit as the teacher's
// own synthetic-ELF test builder: a .text section holding one global
// helper function's instruction bytes, a .rel.text section recording
// one relocation against an undefined external symbol, and the
// required .symtab/.strtab/.shstrtab tables. withMaps optionally adds
// an empty "maps" section; zeroSized reports the helper function with
// st_size 0 to exercise the truncated-symbol path.
func buildHelperELF(withMaps, zeroSized bool) []byte {
	hdr := make([]byte, 64)
	copy(hdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // little-endian
	hdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(hdr[16:18], 1)      // ET_REL
	binary.LittleEndian.PutUint16(hdr[18:20], 0x00F7)  // EM_BPF
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	binary.LittleEndian.PutUint16(hdr[52:54], 64) // e_ehsize
	binary.LittleEndian.PutUint16(hdr[58:60], 64) // e_shentsize

	// .text: two 8-byte pseudo-instructions forming "myhelper".
	codeData := []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x07, 0x00, 0x00, // OpMovImm dst=0 imm=7
		0x14, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // OpExit (Op=20, matches codegen.OpExit ordinal)
	}
	helperSize := uint64(len(codeData))
	if zeroSized {
		helperSize = 0
	}

	// .rel.text: one Elf64_Rel entry at offset 8 (the second
	// instruction) pointing at symbol index 2 ("dep_symbol").
	relData := make([]byte, 16)
	binary.LittleEndian.PutUint64(relData[0:8], 8)
	const depSymIdx = 2
	const relTypeLd64 = 1
	binary.LittleEndian.PutUint64(relData[8:16], uint64(depSymIdx)<<32|relTypeLd64)

	var mapsData []byte // empty PROGBITS section, present only if withMaps

	// String tables.
	shstrtab := []byte{0}
	textNameOff := len(shstrtab)
	shstrtab = append(shstrtab, ".text\x00"...)
	relTextNameOff := len(shstrtab)
	shstrtab = append(shstrtab, ".rel.text\x00"...)
	mapsNameOff := len(shstrtab)
	if withMaps {
		shstrtab = append(shstrtab, "maps\x00"...)
	}
	symtabNameOff := len(shstrtab)
	shstrtab = append(shstrtab, ".symtab\x00"...)
	strtabNameOff := len(shstrtab)
	shstrtab = append(shstrtab, ".strtab\x00"...)
	shstrtabNameOff := len(shstrtab)
	shstrtab = append(shstrtab, ".shstrtab\x00"...)
	for len(shstrtab)%8 != 0 {
		shstrtab = append(shstrtab, 0)
	}

	strtab := []byte{0}
	helperNameOff := len(strtab)
	strtab = append(strtab, "myhelper\x00"...)
	depNameOff := len(strtab)
	strtab = append(strtab, "dep_symbol\x00"...)
	for len(strtab)%8 != 0 {
		strtab = append(strtab, 0)
	}

	// .symtab: null entry, "myhelper" (GLOBAL FUNC in .text), "dep_symbol"
	// (GLOBAL NOTYPE, undefined).
	nullSym := make([]byte, 24)
	helperSym := make([]byte, 24)
	binary.LittleEndian.PutUint32(helperSym[0:4], uint32(helperNameOff))
	helperSym[4] = 0x12 // STB_GLOBAL<<4 | STT_FUNC
	// st_shndx filled in once section indices are known, below.
	binary.LittleEndian.PutUint64(helperSym[8:16], 0) // st_value
	binary.LittleEndian.PutUint64(helperSym[16:24], helperSize)

	depSym := make([]byte, 24)
	binary.LittleEndian.PutUint32(depSym[0:4], uint32(depNameOff))
	depSym[4] = 0x10 // STB_GLOBAL<<4 | STT_NOTYPE
	binary.LittleEndian.PutUint16(depSym[6:8], 0)  // SHN_UNDEF
	symtabData := append(append(append([]byte{}, nullSym...), helperSym...), depSym...)

	offset := uint64(64)
	var sectionData []byte

	textOff := offset
	sectionData = append(sectionData, codeData...)
	for len(sectionData)%8 != 0 {
		sectionData = append(sectionData, 0)
	}

	relTextOff := offset + uint64(len(sectionData))
	sectionData = append(sectionData, relData...)
	for len(sectionData)%8 != 0 {
		sectionData = append(sectionData, 0)
	}

	var mapsOff uint64
	if withMaps {
		mapsOff = offset + uint64(len(sectionData))
		sectionData = append(sectionData, mapsData...)
	}

	symtabOff := offset + uint64(len(sectionData))
	sectionData = append(sectionData, symtabData...)
	for len(sectionData)%8 != 0 {
		sectionData = append(sectionData, 0)
	}

	strtabOff := offset + uint64(len(sectionData))
	sectionData = append(sectionData, strtab...)
	for len(sectionData)%8 != 0 {
		sectionData = append(sectionData, 0)
	}

	shstrtabOff := offset + uint64(len(sectionData))
	sectionData = append(sectionData, shstrtab...)

	var sectionHeaders []byte
	shnum := uint16(0)
	appendSH := func(nameOff int, shType uint32, flags uint64, shOffset, size uint64, link, info uint32, entsize uint64) uint16 {
		sh := make([]byte, 64)
		binary.LittleEndian.PutUint32(sh[0:4], uint32(nameOff))
		binary.LittleEndian.PutUint32(sh[4:8], shType)
		binary.LittleEndian.PutUint64(sh[8:16], flags)
		binary.LittleEndian.PutUint64(sh[24:32], shOffset)
		binary.LittleEndian.PutUint64(sh[32:40], size)
		binary.LittleEndian.PutUint32(sh[40:44], link)
		binary.LittleEndian.PutUint32(sh[44:48], info)
		binary.LittleEndian.PutUint64(sh[48:56], 8)
		binary.LittleEndian.PutUint64(sh[56:64], entsize)
		sectionHeaders = append(sectionHeaders, sh...)
		idx := shnum
		shnum++
		return idx
	}

	appendSH(0, 0, 0, 0, 0, 0, 0, 0) // NULL

	const shfAlloc, shfExecinstr = 0x2, 0x4
	textIdx := appendSH(textNameOff, 1 /*SHT_PROGBITS*/, shfAlloc|shfExecinstr, textOff, uint64(len(codeData)), 0, 0, 0)

	var mapsIdx uint16
	if withMaps {
		mapsIdx = appendSH(mapsNameOff, 1 /*SHT_PROGBITS*/, shfAlloc, mapsOff, uint64(len(mapsData)), 0, 0, 0)
	}
	_ = mapsIdx

	strtabIdx := appendSH(strtabNameOff, 3 /*SHT_STRTAB*/, 0, strtabOff, uint64(len(strtab)), 0, 0, 0)
	symtabIdx := appendSH(symtabNameOff, 2 /*SHT_SYMTAB*/, 0, symtabOff, uint64(len(symtabData)), uint32(strtabIdx), 1, 24)
	appendSH(relTextNameOff, 9 /*SHT_REL*/, 0, relTextOff, uint64(len(relData)), uint32(symtabIdx), uint32(textIdx), 16)
	shstrtabIdx := appendSH(shstrtabNameOff, 3 /*SHT_STRTAB*/, 0, shstrtabOff, uint64(len(shstrtab)), 0, 0, 0)

	// Now that textIdx is known, patch the helper symbol's st_shndx in
	// the copy of .symtab already placed in sectionData.
	symOff := symtabOff - offset + 24
	binary.LittleEndian.PutUint16(sectionData[symOff+6:symOff+8], textIdx)

	shoff := offset + uint64(len(sectionData))
	binary.LittleEndian.PutUint64(hdr[40:48], shoff)
	binary.LittleEndian.PutUint16(hdr[60:62], shnum)
	binary.LittleEndian.PutUint16(hdr[62:64], shstrtabIdx)

	var out []byte
	out = append(out, hdr...)
	out = append(out, sectionData...)
	out = append(out, sectionHeaders...)
	return out
}

func writeELF(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesGlobalFunctionSymbol(t *testing.T) {
	path := writeELF(t, "helpers.o", buildHelperELF(false, false))
	lib, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	prog, codegenRegister, ok := lib.Lookup("myhelper")
	if !ok {
		t.Fatal("expected myhelper to be found")
	}
	if codegenRegister {
		t.Fatal("did not expect the codegen-register flag to be set")
	}
	if len(prog.Instructions) != 2 {
		t.Fatalf("expected 2 decoded instructions, got %d", len(prog.Instructions))
	}
	if len(prog.Relocations) != 1 || prog.Relocations[0].Symbol != "dep_symbol" {
		t.Fatalf("expected a relocation against dep_symbol, got %+v", prog.Relocations)
	}
}

func TestLoadReportsTruncatedZeroSizedFunction(t *testing.T) {
	path := writeELF(t, "truncated.o", buildHelperELF(false, true))
	lib, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	truncated := lib.Truncated()
	if len(truncated) != 1 || truncated[0] != "myhelper" {
		t.Fatalf("expected myhelper reported truncated, got %v", truncated)
	}
}

func TestLoadDetectsOptionalMapsSection(t *testing.T) {
	path := writeELF(t, "withmaps.o", buildHelperELF(true, false))
	lib, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if !lib.HasMapSection() {
		t.Fatal("expected the maps section to be detected")
	}
}

func TestLoadRejectsNonexistentPath(t *testing.T) {
	// Covers the open-failure path: a path with no file behind it is
	// reported as an error.
	_, err := Load("/does/not/exist.o")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
