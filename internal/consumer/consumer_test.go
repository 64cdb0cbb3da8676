package consumer

import (
	"encoding/binary"
	"testing"

	"github.com/tracebeam/dbpf/internal/diag"
)

func encodeRecord(epid uint32, payload []byte) []byte {
	buf := make([]byte, wireHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[8:12], epid)
	copy(buf[wireHeaderSize:], payload)
	return buf
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestNewDataDescriptorRejectsOverlappingRecords(t *testing.T) {
	_, err := NewDataDescriptor([]ActionRecord{
		{Kind: ActionTrace, Size: 8, Offset: 0, Align: 8},
		{Kind: ActionTrace, Size: 8, Offset: 4, Align: 4},
	})
	if err == nil {
		t.Fatal("expected overlap to be rejected")
	}
}

func TestNewDataDescriptorRejectsMisalignedOffset(t *testing.T) {
	_, err := NewDataDescriptor([]ActionRecord{
		{Kind: ActionTrace, Size: 8, Offset: 4, Align: 8},
	})
	if err == nil {
		t.Fatal("expected misaligned offset to be rejected")
	}
}

func TestDecodeRecordSlicesFieldsPerDescriptor(t *testing.T) {
	desc, err := NewDataDescriptor([]ActionRecord{
		{Kind: ActionTrace, Size: 4, Offset: 0, Align: 4},
		{Kind: ActionTrace, Size: 8, Offset: 4, Align: 4},
	})
	if err != nil {
		t.Fatalf("descriptor error: %v", err)
	}
	epids := NewEPIDTable()
	id := epids.Register(desc, ProbeRef{Provider: "syscall", Name: "entry"})

	payload := append(u32le(42), make([]byte, 8)...)
	raw := encodeRecord(id, payload)

	rec, err := decodeRecord(epids, 3, raw)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if rec.CPU != 3 || rec.EPID != id {
		t.Fatalf("unexpected record header: %+v", rec)
	}
	if len(rec.Fields) != 2 || len(rec.Fields[0]) != 4 || len(rec.Fields[1]) != 8 {
		t.Fatalf("unexpected fields: %+v", rec.Fields)
	}
	if binary.LittleEndian.Uint32(rec.Fields[0]) != 42 {
		t.Fatalf("expected first field 42, got %v", rec.Fields[0])
	}
}

func TestDecodeRecordRejectsUnknownEPID(t *testing.T) {
	epids := NewEPIDTable()
	raw := encodeRecord(99, nil)
	if _, err := decodeRecord(epids, 0, raw); err == nil {
		t.Fatal("expected unknown epid to be rejected")
	}
}

type recordingHandler struct {
	probed []*Record
	chewed []*Record
}

func (h *recordingHandler) ChewProbe(rec *Record) error {
	h.probed = append(h.probed, rec)
	return nil
}

func (h *recordingHandler) ChewRecord(rec *Record) error {
	h.chewed = append(h.chewed, rec)
	return nil
}

type recordingFaultHandler struct {
	faults   []*diag.RuntimeFault
	drops    []*diag.Drop
	statuses []*diag.Status
}

func (h *recordingFaultHandler) HandleFault(f *diag.RuntimeFault) diag.Action {
	h.faults = append(h.faults, f)
	return diag.ActionContinue
}
func (h *recordingFaultHandler) HandleDrop(d *diag.Drop)     { h.drops = append(h.drops, d) }
func (h *recordingFaultHandler) HandleStatus(s *diag.Status) { h.statuses = append(h.statuses, s) }

func TestDispatchRoutesOrdinaryRecordToChewRecord(t *testing.T) {
	desc, _ := NewDataDescriptor([]ActionRecord{{Kind: ActionTrace, Size: 8, Offset: 0, Align: 8}})
	epids := NewEPIDTable()
	id := epids.Register(desc, ProbeRef{Name: "p"})

	h := &recordingHandler{}
	fh := &recordingFaultHandler{}
	l := &Loop{epids: epids, handler: h, faults: fh}

	raw := encodeRecord(id, make([]byte, 8))
	if err := l.dispatch(0, raw); err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if len(h.probed) != 1 || len(h.chewed) != 1 {
		t.Fatalf("expected one probe and one chew, got %d/%d", len(h.probed), len(h.chewed))
	}
}

func TestDispatchExitActionSkipsChewRecordAndReportsStatus(t *testing.T) {
	desc, _ := NewDataDescriptor([]ActionRecord{{Kind: ActionExit, Size: 4, Offset: 0, Align: 4}})
	epids := NewEPIDTable()
	id := epids.Register(desc, ProbeRef{Name: "end"})

	h := &recordingHandler{}
	fh := &recordingFaultHandler{}
	l := &Loop{epids: epids, handler: h, faults: fh}

	raw := encodeRecord(id, u32le(0))
	if err := l.dispatch(0, raw); err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if len(h.chewed) != 0 {
		t.Fatal("expected exit action to bypass ChewRecord")
	}
	if len(fh.statuses) != 1 || fh.statuses[0].Kind != diag.StatusEnding {
		t.Fatalf("expected one ending status, got %+v", fh.statuses)
	}
}

func TestDispatchErrorActionDecodesFaultAndDispatchesHandler(t *testing.T) {
	desc, _ := NewDataDescriptor([]ActionRecord{{Kind: ActionError, Size: errorRecordSize, Offset: 0, Align: 8}})
	epids := NewEPIDTable()
	id := epids.Register(desc, ProbeRef{Name: "fault"})

	payload := make([]byte, errorRecordSize)
	payload[0] = 3 // divide-by-zero
	binary.LittleEndian.PutUint64(payload[8:16], 0x1000)

	h := &recordingHandler{}
	fh := &recordingFaultHandler{}
	l := &Loop{epids: epids, handler: h, faults: fh}

	raw := encodeRecord(id, payload)
	if err := l.dispatch(2, raw); err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if len(h.chewed) != 0 {
		t.Fatal("expected error action to bypass ChewRecord")
	}
	if len(fh.faults) != 1 {
		t.Fatalf("expected one fault, got %d", len(fh.faults))
	}
	f := fh.faults[0]
	if f.Kind != diag.FaultDivZero || f.Offset != 0x1000 || f.CPU != 2 {
		t.Fatalf("unexpected fault: %+v", f)
	}
}

func TestDispatchMalformedRecordIsDroppedNotFatal(t *testing.T) {
	epids := NewEPIDTable()
	h := &recordingHandler{}
	fh := &recordingFaultHandler{}
	l := &Loop{epids: epids, handler: h, faults: fh}

	if err := l.dispatch(0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("expected malformed record to be silently dropped, got %v", err)
	}
	if len(h.probed) != 0 {
		t.Fatal("expected no callback for an undecodable record")
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 2: 2, 3: 4, 5: 8, 8: 8, 9: 16}
	for in, want := range cases {
		if got := nextPowerOfTwo(in); got != want {
			t.Fatalf("nextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}
