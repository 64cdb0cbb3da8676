// Package usdt implements the USDT provider backend (spec §4.4): it
// reads parsed probe-description files from a well-known, glob-
// expandable path layout, "$stash/probes/$pid/$prv/$mod/$fun/$prb",
// whose format version must equal the compiled-in version constant —
// a mismatch is logged and the file skipped, never fatal.
package usdt

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tracebeam/dbpf/internal/probe"
	"github.com/tracebeam/dbpf/internal/provider"
)

// FormatVersion is the compiled-in probe-description file format this
// reader understands. A file whose header version differs is skipped.
const FormatVersion uint32 = 3

// Arg describes one parsed probe-description file's argument layout:
// a native type string plus the byte offset within the USDT note where
// the argument's value is encoded.
type Arg struct {
	NativeType string
	Offset     uint32
}

// Description is one parsed "$stash/probes/..." file's contents: the
// probe's attach address plus its argument layout.
type Description struct {
	Address uint32
	Args    []Arg
}

// Backend implements provider.Backend for the USDT provider, reading
// probe-description files rooted at Stash.
type Backend struct {
	fsys fs.FS
	log  *slog.Logger

	args map[probe.ID][]provider.ArgInfo
}

// New returns a USDT backend reading probe-description files from fsys
// (typically an os.DirFS rooted at the stash directory).
func New(fsys fs.FS, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{fsys: fsys, log: logger, args: make(map[probe.ID][]provider.ArgInfo)}
}

func (b *Backend) Name() string { return "usdt" }

// Provide walks "probes/$pid/$prv/$mod/$fun/$prb" under the stash,
// glob-matching each path component against pattern, parsing every
// matching file and inserting a probe for each one whose header
// version matches FormatVersion.
func (b *Backend) Provide(cat *probe.Catalog, pattern probe.Desc) error {
	pidGlob := "*"
	prvGlob := globOrStar(pattern.Provider)
	modGlob := globOrStar(pattern.Module)
	funGlob := globOrStar(pattern.Function)
	prbGlob := globOrStar(pattern.Name)

	root := "probes"
	entries, err := fs.Glob(b.fsys, path.Join(root, pidGlob, prvGlob, modGlob, funGlob, prbGlob))
	if err != nil {
		return fmt.Errorf("usdt: globbing stash: %w", err)
	}

	for _, p := range entries {
		parts := strings.Split(p, "/")
		if len(parts) != 6 {
			continue
		}
		prv, mod, fun, prb := parts[2], parts[3], parts[4], parts[5]

		data, err := fs.ReadFile(b.fsys, p)
		if err != nil {
			b.log.Warn("usdt: reading probe description", "path", p, "error", err)
			continue
		}
		desc, version, ok := parseDescription(data)
		if !ok {
			b.log.Warn("usdt: malformed probe description", "path", p)
			continue
		}
		if version != FormatVersion {
			b.log.Warn("usdt: probe description version mismatch, skipping",
				"path", p, "got", version, "want", FormatVersion)
			continue
		}

		d := probe.Desc{Provider: prv, Module: mod, Function: fun, Name: prb}
		id, err := cat.Insert(b.Name(), d)
		if err != nil {
			return err
		}
		b.args[id] = argInfoFromDescription(desc)
	}
	return nil
}

// argInfoFromDescription builds the argument-type vector spec §3 and
// §4.4's info() require from a parsed probe-description file's native
// per-argument types, applying the small set of stable USDT type
// translations (e.g. a C string pointer reads back as the D "string"
// type) the rest of the translator leaves unnamed types alone under.
func argInfoFromDescription(desc Description) []provider.ArgInfo {
	out := make([]provider.ArgInfo, len(desc.Args))
	for i, a := range desc.Args {
		out[i] = provider.ArgInfo{NativeType: a.NativeType, TranslatedType: translateType(a.NativeType)}
	}
	return out
}

// translateType applies the handful of stable native-to-D type
// translations the USDT backend is responsible for; any native type
// outside this set passes through unchanged, matching the "untranslated"
// case spec §4.4 calls out.
func translateType(native string) string {
	switch native {
	case "char *", "const char *":
		return "string"
	case "long", "int64_t":
		return "int64_t"
	case "int", "int32_t":
		return "int32_t"
	default:
		return native
	}
}

func globOrStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

// parseDescription decodes a probe-description file: a 4-byte
// version, a 4-byte attach address, a 4-byte arg count, then per-arg a
// 4-byte offset and a length-prefixed native-type string.
func parseDescription(data []byte) (Description, uint32, bool) {
	if len(data) < 12 {
		return Description{}, 0, false
	}
	version := binary.LittleEndian.Uint32(data[0:4])
	addr := binary.LittleEndian.Uint32(data[4:8])
	argc := binary.LittleEndian.Uint32(data[8:12])
	off := 12

	args := make([]Arg, 0, argc)
	for i := uint32(0); i < argc; i++ {
		if off+8 > len(data) {
			return Description{}, version, false
		}
		argOff := binary.LittleEndian.Uint32(data[off : off+4])
		nameLen := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += 8
		if off+int(nameLen) > len(data) {
			return Description{}, version, false
		}
		args = append(args, Arg{NativeType: string(data[off : off+int(nameLen)]), Offset: argOff})
		off += int(nameLen)
	}
	return Description{Address: addr, Args: args}, version, true
}

func (b *Backend) ProvidePSP(cat *probe.Catalog, desc probe.Desc) (probe.ID, error) {
	return cat.Insert(b.Name(), desc)
}

func (b *Backend) Enable(id probe.ID) error { return nil }

// Info returns the argument-type vector parsed from this probe's
// on-disk description file. ProvidePSP-instantiated probes carry no
// parsed description (the caller supplied the tuple directly, not a
// stash path), so Info reports an error for those rather than
// fabricating argument types it was never given.
func (b *Backend) Info(id probe.ID) ([]provider.ArgInfo, error) {
	args, ok := b.args[id]
	if !ok {
		return nil, fmt.Errorf("usdt: no parsed argument description for probe %d", id)
	}
	return args, nil
}

func (b *Backend) ProbeFini(id probe.ID) error {
	delete(b.args, id)
	return nil
}

func (b *Backend) ProbeDestroy(private any) error { return nil }

// StashPath builds the on-disk path for one probe description file, the
// write-side counterpart to the glob Provide reads back.
func StashPath(pid int, prv, mod, fun, prb string) string {
	return filepath.Join("probes", strconv.Itoa(pid), prv, mod, fun, prb)
}
