package consumer

import (
	"encoding/binary"
	"fmt"
)

// wireHeaderSize is the fixed prefix of every ring-buffer record,
// following spec §4.7: a 32-bit size, a 4-byte alignment pad, then a
// 32-bit EPID. The perf-event header itself is stripped by the perf
// reader before RawSample reaches decodeRecord.
const wireHeaderSize = 4 + 4 + 4

// Record is one decoded action-record batch read off a per-CPU
// buffer: the EPID it was enabled under, the CPU it arrived on, the
// probe it corresponds to, and the raw byte slice of each action
// record in the EPID's data descriptor, in order.
type Record struct {
	EPID   uint32
	CPU    int
	Probe  ProbeRef
	Fields [][]byte
}

// decodeRecord parses one ring-buffer payload (already stripped of
// its perf-event header by the reader) against the EPID table,
// slicing out each action record's bytes per its data descriptor.
func decodeRecord(epids *EPIDTable, cpu int, raw []byte) (*Record, error) {
	if len(raw) < wireHeaderSize {
		return nil, fmt.Errorf("consumer: short record (%d bytes, need at least %d)", len(raw), wireHeaderSize)
	}
	size := binary.LittleEndian.Uint32(raw[0:4])
	// raw[4:8] is the alignment pad, carried on the wire but otherwise unused.
	epid := binary.LittleEndian.Uint32(raw[8:12])
	if int(size) > len(raw) {
		return nil, fmt.Errorf("consumer: epid %d declares size %d, only %d bytes present", epid, size, len(raw))
	}
	payload := raw[wireHeaderSize:size]

	entry, ok := epids.Lookup(epid)
	if !ok {
		return nil, fmt.Errorf("consumer: unknown epid %d", epid)
	}

	recs := entry.Data.Records()
	fields := make([][]byte, len(recs))
	for i, ar := range recs {
		end := ar.Offset + ar.Size
		if end > len(payload) {
			return nil, fmt.Errorf("consumer: epid %d record %d [%d,%d) exceeds payload length %d", epid, i, ar.Offset, end, len(payload))
		}
		fields[i] = payload[ar.Offset:end]
	}
	return &Record{EPID: epid, CPU: cpu, Probe: entry.Probe, Fields: fields}, nil
}

// actionKind reports the kind of the record's i'th field as declared
// by its data descriptor, or ok=false if i is out of range.
func (r *Record) actionKind(epids *EPIDTable, i int) (ActionKind, bool) {
	entry, ok := epids.Lookup(r.EPID)
	if !ok || i >= len(entry.Data.Records()) {
		return 0, false
	}
	return entry.Data.Records()[i].Kind, true
}

// findAction returns the index of the first field of the given kind,
// or -1 if the record's descriptor declares none.
func findAction(epids *EPIDTable, r *Record, kind ActionKind) int {
	entry, ok := epids.Lookup(r.EPID)
	if !ok {
		return -1
	}
	for i, ar := range entry.Data.Records() {
		if ar.Kind == kind {
			return i
		}
	}
	return -1
}
