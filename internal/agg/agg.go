// Package agg implements the aggregation engine of spec §4.6: a
// per-CPU snapshot reader merging partial counters into a global
// hashtable under generation-tracked coherency, plus sorted and
// key-joined walks over the merged result.
package agg

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"
)

// Kind enumerates the aggregating-function kinds spec §4.6 names,
// each with its own payload shape and associative combinator.
type Kind int

const (
	KindCount Kind = iota
	KindSum
	KindMin
	KindMax
	KindAvg
	KindStddev
	KindQuantize
	KindLQuantize
	KindLLQuantize
)

// quantizeBuckets is this implementation's fixed log2-bucket count for
// plain quantize(): one bucket per bit of a signed 64-bit value, plus
// a zero bucket, mirroring the shape (if not the exact bucket count)
// of the source's power-of-two histogram.
const quantizeBuckets = 65

// Signature carries the aggregation-kind-dependent encoded parameters
// spec §3's aggregation-descriptor entry names. Only llquantize uses
// all four bucket-factor fields (base, low/high exponent range, steps
// per magnitude); lquantize uses Base/Low/High as (base, min, max) with
// Steps as the fixed linear step size.
type Signature struct {
	Kind  Kind
	Base  int64
	Low   int64
	High  int64
	Steps int64
}

// payloadSize returns the byte width of one per-CPU sample's value
// payload for sig's kind, per spec §4.6's size table.
func (sig Signature) payloadSize() int {
	switch sig.Kind {
	case KindCount, KindSum, KindMin, KindMax:
		return 8
	case KindAvg:
		return 16
	case KindStddev:
		return 32
	case KindQuantize:
		return quantizeBuckets * 8
	case KindLQuantize:
		return int(lquantizeBucketCount(sig)) * 8
	case KindLLQuantize:
		return int(llquantizeBucketCount(sig)) * 8
	default:
		return 8
	}
}

func lquantizeBucketCount(sig Signature) int64 {
	if sig.Steps <= 0 {
		return 2 // underflow + overflow only
	}
	span := sig.High - sig.Low
	return span/sig.Steps + 3 // +underflow +overflow +1 for fencepost
}

func llquantizeBucketCount(sig Signature) int64 {
	if sig.Steps <= 0 {
		return 2
	}
	magnitudes := sig.High - sig.Low
	if magnitudes < 0 {
		magnitudes = 0
	}
	return magnitudes*sig.Steps + 2
}

// Descriptor is the aggregation descriptor of spec §3: a name, the
// kind-dependent signature, the number of key records, and the
// variable id disambiguating keys across aggregations that share a
// tuple shape (the descriptor's first record, per spec).
type Descriptor struct {
	VarID      uint32
	Name       string
	Sig        Signature
	KeyRecords int
}

// identity returns the kind-appropriate reset value spec §4.6 step 3
// names: INT64_MAX for min, INT64_MIN for max, zero (all-zero buffer)
// otherwise.
func (d *Descriptor) identity() []byte {
	buf := make([]byte, d.Sig.payloadSize())
	switch d.Sig.Kind {
	case KindMin:
		binary.LittleEndian.PutUint64(buf[0:8], uint64(int64(math.MaxInt64)))
	case KindMax:
		binary.LittleEndian.PutUint64(buf[0:8], uint64(int64(math.MinInt64)))
	}
	return buf
}

// merge applies sig's associative combinator, folding sample into
// acc in place: '+' for count/sum/avg/stddev/quantize-variants,
// max/min respectively, element-wise addition for quantize arrays.
func merge(sig Signature, acc, sample []byte) {
	switch sig.Kind {
	case KindCount, KindSum:
		a := int64(binary.LittleEndian.Uint64(acc))
		s := int64(binary.LittleEndian.Uint64(sample))
		binary.LittleEndian.PutUint64(acc, uint64(a+s))
	case KindMin:
		a := int64(binary.LittleEndian.Uint64(acc))
		s := int64(binary.LittleEndian.Uint64(sample))
		if s < a {
			binary.LittleEndian.PutUint64(acc, uint64(s))
		}
	case KindMax:
		a := int64(binary.LittleEndian.Uint64(acc))
		s := int64(binary.LittleEndian.Uint64(sample))
		if s > a {
			binary.LittleEndian.PutUint64(acc, uint64(s))
		}
	case KindAvg, KindStddev, KindQuantize, KindLQuantize, KindLLQuantize:
		// Every remaining shape is a fixed array of int64 counters
		// (sum/count pair, sum/sumsq/count triple, or a bucket array);
		// all combine with the same element-wise addition.
		n := len(acc) / 8
		for i := 0; i < n; i++ {
			off := i * 8
			a := int64(binary.LittleEndian.Uint64(acc[off : off+8]))
			s := int64(binary.LittleEndian.Uint64(sample[off : off+8]))
			binary.LittleEndian.PutUint64(acc[off:off+8], uint64(a+s))
		}
	}
}

// Sample is one per-CPU partial value read during a snapshot, keyed by
// the serialized (aggregation-id, key-records) tuple spec §4.6 names.
type Sample struct {
	Key        string
	Generation uint64
	Payload    []byte
}

// CPUSource drains the per-CPU aggregation hashmap, per spec's
// `LookupAndDelete`/`BatchLookup`-style read: every call returns and
// clears the currently-pending per-CPU partials.
type CPUSource interface {
	Drain() ([]Sample, error)
}

// entry is one merged global-hashtable slot.
type entry struct {
	generation uint64
	payload    []byte
}

// Table is the global aggregation hashtable: merged values keyed by
// the same (aggregation-id, key-records) tuple the per-CPU samples
// carry, created on first snap of a novel key and destroyed only by
// explicit walk-and-remove or handle teardown.
type Table struct {
	mu          sync.Mutex
	descriptors map[uint32]*Descriptor
	entries     map[string]*entry
}

// NewTable returns an empty aggregation table.
func NewTable() *Table {
	return &Table{
		descriptors: make(map[uint32]*Descriptor),
		entries:     make(map[string]*entry),
	}
}

// Declare registers an aggregation's descriptor so later samples
// carrying its variable id can be decoded and merged correctly.
func (t *Table) Declare(d *Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.descriptors[d.VarID] = d
}

// varIDFromKey extracts the aggregation-id key-prefix spec §4.6 step 1
// names. Keys are produced by the codegen/link layer as
// "<varid>:<key-records...>"; the id is the run of decimal digits
// before the first colon.
func varIDFromKey(key string) (uint32, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			var v uint32
			for j := 0; j < i; j++ {
				c := key[j]
				if c < '0' || c > '9' {
					return 0, false
				}
				v = v*10 + uint32(c-'0')
			}
			return v, true
		}
	}
	return 0, false
}

// Snap performs one snapshot cycle (spec §4.6 steps 1-5): drain the
// per-CPU source, look up each sample's descriptor by its key's
// variable-id prefix, reset on a newer generation, skip stale
// generations, and merge everything else into the global table. A
// sample whose generation equals the stored entry's is merged, so a
// second Snap adds nothing only when the source's Drain does not return
// the same samples again (CiliumPerCPUSource deletes what it drains).
func (t *Table) Snap(src CPUSource) error {
	samples, err := src.Drain()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range samples {
		varID, ok := varIDFromKey(s.Key)
		if !ok {
			continue
		}
		desc, ok := t.descriptors[varID]
		if !ok {
			continue // unknown aggregation id; drop rather than guess a shape
		}
		e, ok := t.entries[s.Key]
		if !ok {
			e = &entry{generation: s.Generation, payload: desc.identity()}
			t.entries[s.Key] = e
		}
		if s.Generation > e.generation {
			e.payload = desc.identity()
			e.generation = s.Generation
		}
		if s.Generation < e.generation {
			continue
		}
		merge(desc.Sig, e.payload, s.Payload)
	}
	return nil
}

// Bundle is one key-group record_for walk/WalkJoined: the shared key
// and, for WalkJoined, one payload slot per requested aggregation. A
// slot whose aggregation had no entry for this key is filled by
// WalkJoined with a zero payload before cb sees the bundle.
type Bundle struct {
	Key      string
	Payloads [][]byte
}

// Walk visits every entry for the single aggregation varID in
// ascending key order, invoking cb once per key.
func (t *Table) Walk(varID uint32, cb func(key string, payload []byte)) {
	t.mu.Lock()
	type kv struct {
		key     string
		payload []byte
	}
	var rows []kv
	prefix := keyPrefix(varID)
	for k, e := range t.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			rows = append(rows, kv{key: k, payload: e.payload})
		}
	}
	t.mu.Unlock()

	// The source uses one process-wide mutex held across the entire
	// sort because the comparator is driven by globals that cannot be
	// passed through the platform's qsort; this port keeps the same
	// single-global-lock-around-the-whole-sort shape even though Go's
	// sort.Slice comparator closes over local state instead of a true
	// global, to preserve the "calls across sort boundaries must not
	// nest" invariant spec §5 calls out.
	sortMu.Lock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	sortMu.Unlock()

	for _, row := range rows {
		cb(row.key, row.payload)
	}
}

func keyPrefix(varID uint32) string {
	return uitoa(varID) + ":"
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// sortMu is the single process-wide aggregation-sort mutex spec §5
// names, held across the entire sort call (never just around
// individual comparisons) because multiple aggregation tables may
// share a handle and the source treats the sort context as global.
var sortMu sync.Mutex

// WalkJoined implements `walk_joined`: joins the aggregations named by
// varIDs on their shared key, grouping consecutive-equal keys into
// bundles (missing aggregations within a bundle are padded with a zero
// payload as long as the bundle's first present payload), sorts bundles for
// output keyed by the aggregation at sortpos, and invokes cb once per
// bundle.
func (t *Table) WalkJoined(varIDs []uint32, sortpos int, cb func(Bundle)) {
	if len(varIDs) == 0 {
		return
	}
	t.mu.Lock()
	byKey := make(map[string][][]byte) // key (minus varid prefix) -> one payload slot per varID, nil if absent
	keyOrder := make(map[string]bool)
	for slot, varID := range varIDs {
		prefix := keyPrefix(varID)
		for k, e := range t.entries {
			if len(k) < len(prefix) || k[:len(prefix)] != prefix {
				continue
			}
			shared := k[len(prefix):]
			if byKey[shared] == nil {
				byKey[shared] = make([][]byte, len(varIDs))
			}
			byKey[shared][slot] = e.payload
			keyOrder[shared] = true
		}
	}
	t.mu.Unlock()

	bundles := make([]Bundle, 0, len(byKey))
	for k, payloads := range byKey {
		padZeroPayloads(payloads)
		bundles = append(bundles, Bundle{Key: k, Payloads: payloads})
	}

	if sortpos < 0 || sortpos >= len(varIDs) {
		sortpos = 0
	}
	sortMu.Lock()
	sort.Slice(bundles, func(i, j int) bool {
		return bundleSortValue(bundles[i], sortpos) < bundleSortValue(bundles[j], sortpos)
	})
	sortMu.Unlock()

	for _, b := range bundles {
		cb(b)
	}
}

// padZeroPayloads fills any nil slot with a zero-length-matched buffer
// sized from the first non-nil slot's shape, per spec's "padded with
// zero-payloads synthesized from a first-seen non-zero entry's
// descriptor shape."
func padZeroPayloads(payloads [][]byte) {
	size := 0
	for _, p := range payloads {
		if p != nil {
			size = len(p)
			break
		}
	}
	if size == 0 {
		return
	}
	for i, p := range payloads {
		if p == nil {
			payloads[i] = make([]byte, size)
		}
	}
}

func bundleSortValue(b Bundle, pos int) int64 {
	if pos >= len(b.Payloads) || len(b.Payloads[pos]) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b.Payloads[pos][:8]))
}
