package kernel

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Symbol is one parsed /proc/kallsyms or /proc/kallmodsyms line.
type Symbol struct {
	Addr   uint64
	Size   uint64
	Type   byte
	Name   string
	Module string
}

// excludedPrefixes lists the symbol-name prefixes spec §6 excludes
// from the symbol table proper while still letting them contribute to
// address-range computation (compiler-generated scaffolding symbols
// that would otherwise pollute name lookups).
var excludedPrefixes = []string{
	"__crc_",
	"__ksymtab_",
	"__kcrctab_",
	"__kstrtab_",
	"__param_",
	"__syscall_meta__",
	"__event_",
}

func hasExcludedPrefix(name string) bool {
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// KallsymsResult splits a parsed kallsyms/kallmodsyms stream into
// symbols that belong in the compiler's symbol table and symbols that
// only contribute to address-range computation, per spec §6.
type KallsymsResult struct {
	Symbols   []Symbol
	RangeOnly []Symbol
}

// ParseKallsyms parses the text format of /proc/kallsyms or
// /proc/kallmodsyms: lines `addr [size] type name [modulename]`. Type
// `a`/`A` symbols are dropped outright. The region between
// `__init_scratch_begin` and `__init_scratch_end` (inclusive) is
// skipped entirely.
func ParseKallsyms(r io.Reader) (*KallsymsResult, error) {
	scanner := bufio.NewScanner(r)
	// kallsyms lines can be long for heavily-mangled symbol names.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var result KallsymsResult
	inScratch := false
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		sym, ok := parseKallsymsLine(fields)
		if !ok {
			continue
		}

		if sym.Name == "__init_scratch_begin" {
			inScratch = true
			continue
		}
		if sym.Name == "__init_scratch_end" {
			inScratch = false
			continue
		}
		if inScratch {
			continue
		}
		if sym.Type == 'a' || sym.Type == 'A' {
			continue
		}

		if hasExcludedPrefix(sym.Name) {
			result.RangeOnly = append(result.RangeOnly, sym)
			continue
		}
		result.Symbols = append(result.Symbols, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &result, nil
}

// parseKallsymsLine handles both the classic three/four-field
// `addr type name [module]` format and the DTrace kallmodsyms
// extension that inserts an optional hex size before the type.
func parseKallsymsLine(fields []string) (Symbol, bool) {
	if len(fields) < 3 {
		return Symbol{}, false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return Symbol{}, false
	}

	idx := 1
	var size uint64
	if len(fields[idx]) != 1 {
		sz, err := strconv.ParseUint(fields[idx], 16, 64)
		if err != nil {
			return Symbol{}, false
		}
		size = sz
		idx++
	}
	if idx >= len(fields) || len(fields[idx]) != 1 {
		return Symbol{}, false
	}
	typ := fields[idx][0]
	idx++
	if idx >= len(fields) {
		return Symbol{}, false
	}
	name := fields[idx]
	idx++

	var module string
	if idx < len(fields) {
		module = strings.Trim(fields[idx], "[]")
	}
	return Symbol{Addr: addr, Size: size, Type: typ, Name: name, Module: module}, true
}
