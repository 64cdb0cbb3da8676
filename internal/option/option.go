// Package option implements the handle's typed getopt/setopt surface
// (spec §3, §6): every accepted option name, its value domain, and
// parsing/formatting for each domain (size string, nanosecond rate,
// bounded integer, toggle, enum).
package option

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Domain identifies how an option's string form is parsed.
type Domain int

const (
	DomainSize Domain = iota // "\d+[kmg]"
	DomainRate               // nanoseconds, or "\d+(ns|us|ms|s|m|h|hz)"
	DomainInt                // bounded integer
	DomainBool               // toggle
	DomainEnum               // one of a fixed set of strings
)

// Spec describes one accepted option: its domain, and for DomainInt a
// bound, for DomainEnum the allowed values.
type Spec struct {
	Name    string
	Domain  Domain
	Min     int64
	Max     int64
	Choices []string
	Default string
}

// Registry is the closed set of option names spec §6 accepts.
var Registry = []Spec{
	{Name: "bufsize", Domain: DomainSize, Default: "4m"},
	{Name: "aggsize", Domain: DomainSize, Default: "4m"},
	{Name: "aggrate", Domain: DomainRate, Default: "1s"},
	{Name: "aggsortkey", Domain: DomainBool, Default: "0"},
	{Name: "aggsortrev", Domain: DomainBool, Default: "0"},
	{Name: "aggsortkeypos", Domain: DomainInt, Min: 0, Max: 64, Default: "0"},
	{Name: "aggsortpos", Domain: DomainInt, Min: 0, Max: 64, Default: "0"},
	{Name: "cpu", Domain: DomainInt, Min: -1, Max: 1 << 16, Default: "-1"},
	{Name: "cleanrate", Domain: DomainRate, Default: "9900ms"},
	{Name: "define", Domain: DomainEnum, Choices: nil}, // repeatable macro define; validated at use site
	{Name: "destructive", Domain: DomainBool, Default: "0"},
	{Name: "dynvarsize", Domain: DomainSize, Default: "1m"},
	{Name: "flowindent", Domain: DomainBool, Default: "0"},
	{Name: "grabanon", Domain: DomainBool, Default: "0"},
	{Name: "incdir", Domain: DomainEnum, Choices: nil},
	{Name: "libdir", Domain: DomainEnum, Choices: nil},
	{Name: "linkmode", Domain: DomainEnum, Choices: []string{"kernel", "dynamic", "static"}, Default: "kernel"},
	{Name: "maxframes", Domain: DomainInt, Min: 0, Max: 1000, Default: "200"},
	{Name: "noresolve", Domain: DomainBool, Default: "0"},
	{Name: "nspec", Domain: DomainInt, Min: 0, Max: 1 << 20, Default: "0"},
	{Name: "quiet", Domain: DomainBool, Default: "0"},
	{Name: "quietresize", Domain: DomainBool, Default: "0"},
	{Name: "specsize", Domain: DomainSize, Default: "32k"},
	{Name: "statusrate", Domain: DomainRate, Default: "1s"},
	{Name: "stdc", Domain: DomainEnum, Choices: []string{"a", "s"}, Default: "a"},
	{Name: "strsize", Domain: DomainSize, Default: "256"},
	{Name: "undef", Domain: DomainEnum, Choices: nil},
}

var byName = func() map[string]Spec {
	m := make(map[string]Spec, len(Registry))
	for _, s := range Registry {
		m[s.Name] = s
	}
	return m
}()

// Value is a parsed option value; exactly one of the typed fields is
// meaningful per Spec.Domain.
type Value struct {
	Size  uint64 // bytes
	Rate  int64  // nanoseconds
	Int   int64
	Bool  bool
	Enum  string
	Multi []string // repeatable string-valued options (define, incdir, libdir, undef)
}

// Set holds the resolved option values for one handle.
type Set struct {
	values map[string]Value
}

// NewSet returns a Set populated with every registry default.
func NewSet() *Set {
	s := &Set{values: make(map[string]Value, len(Registry))}
	for _, spec := range Registry {
		if spec.Default == "" && spec.Domain == DomainEnum && len(spec.Choices) == 0 {
			s.values[spec.Name] = Value{}
			continue
		}
		v, err := parse(spec, spec.Default)
		if err != nil {
			// registry defaults are compiled-in and must always parse
			panic(fmt.Sprintf("option: bad default for %q: %v", spec.Name, err))
		}
		s.values[spec.Name] = v
	}
	return s
}

// Set parses raw per the named option's domain and stores it, or the
// repeatable string-valued options which accumulate.
func (s *Set) Set(name, raw string) error {
	spec, ok := byName[name]
	if !ok {
		return fmt.Errorf("option: unknown option %q", name)
	}
	if spec.Domain == DomainEnum && len(spec.Choices) == 0 {
		v := s.values[name]
		v.Multi = append(v.Multi, raw)
		s.values[name] = v
		return nil
	}
	v, err := parse(spec, raw)
	if err != nil {
		return fmt.Errorf("option %q: %w", name, err)
	}
	s.values[name] = v
	return nil
}

// Get returns the current value of name.
func (s *Set) Get(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

func parse(spec Spec, raw string) (Value, error) {
	switch spec.Domain {
	case DomainSize:
		n, err := parseSize(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Size: n}, nil
	case DomainRate:
		n, err := parseRate(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Rate: n}, nil
	case DomainInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("not an integer: %q", raw)
		}
		if n < spec.Min || n > spec.Max {
			return Value{}, fmt.Errorf("%d out of range [%d, %d]", n, spec.Min, spec.Max)
		}
		return Value{Int: n}, nil
	case DomainBool:
		b, err := parseToggle(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Bool: b}, nil
	case DomainEnum:
		for _, c := range spec.Choices {
			if c == raw {
				return Value{Enum: raw}, nil
			}
		}
		return Value{}, fmt.Errorf("%q is not one of %v", raw, spec.Choices)
	default:
		return Value{}, fmt.Errorf("unknown domain")
	}
}

// parseSize parses a "\d+[kmg]" size string into bytes.
func parseSize(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	suffix := raw[len(raw)-1]
	numPart := raw
	switch suffix {
	case 'k', 'K':
		mult = 1 << 10
		numPart = raw[:len(raw)-1]
	case 'm', 'M':
		mult = 1 << 20
		numPart = raw[:len(raw)-1]
	case 'g', 'G':
		mult = 1 << 30
		numPart = raw[:len(raw)-1]
	}
	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q", raw)
	}
	return n * mult, nil
}

// parseRate parses a nanosecond rate: a bare integer (nanoseconds) or a
// "\d+(ns|us|ms|s|m|h)" duration string.
func parseRate(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	units := []struct {
		suffix string
		factor int64
	}{
		{"ns", 1},
		{"us", 1_000},
		{"ms", 1_000_000},
		{"hz", 0}, // handled specially below
		{"s", 1_000_000_000},
		{"m", 60_000_000_000},
		{"h", 3_600_000_000_000},
	}
	for _, u := range units {
		if strings.HasSuffix(raw, u.suffix) {
			numPart := strings.TrimSuffix(raw, u.suffix)
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("bad rate %q", raw)
			}
			if u.suffix == "hz" {
				if n <= 0 {
					return 0, fmt.Errorf("hz rate must be positive: %q", raw)
				}
				return 1_000_000_000 / n, nil
			}
			return n * u.factor, nil
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad rate %q", raw)
	}
	return n, nil
}

func parseToggle(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("bad toggle %q", raw)
	}
}

// yamlDoc is the on-disk shape for Load/Save: a flat name->string map,
// matching how a human would hand-edit a sidecar options file.
type yamlDoc map[string]string

// Load reads a YAML options sidecar file and applies every entry to s
// via Set, so bad entries surface the same validation as programmatic
// Set calls.
func Load(s *Set, data []byte) error {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("option: parsing YAML: %w", err)
	}
	for name, raw := range doc {
		if err := s.Set(name, raw); err != nil {
			return err
		}
	}
	return nil
}

// Save serializes every currently-set option back to YAML text.
func (s *Set) Save() ([]byte, error) {
	doc := make(yamlDoc, len(s.values))
	for _, spec := range Registry {
		v := s.values[spec.Name]
		doc[spec.Name] = formatValue(spec, v)
	}
	return yaml.Marshal(doc)
}

func formatValue(spec Spec, v Value) string {
	switch spec.Domain {
	case DomainSize:
		return strconv.FormatUint(v.Size, 10)
	case DomainRate:
		return strconv.FormatInt(v.Rate, 10)
	case DomainInt:
		return strconv.FormatInt(v.Int, 10)
	case DomainBool:
		if v.Bool {
			return "1"
		}
		return "0"
	case DomainEnum:
		if len(spec.Choices) == 0 {
			return strings.Join(v.Multi, ",")
		}
		return v.Enum
	default:
		return ""
	}
}
