package consumer

import (
	"encoding/binary"

	"github.com/tracebeam/dbpf/internal/diag"
)

// faultKindByte maps the single-byte fault-kind tag an error action
// record carries on the wire to the runtime fault kind the registered
// handler expects, per spec §7's closed set of recoverable faults.
var faultKindByte = map[byte]diag.RuntimeFaultKind{
	0: diag.FaultBadAddress,
	1: diag.FaultBadAlign,
	2: diag.FaultIllegalOp,
	3: diag.FaultDivZero,
	4: diag.FaultNoScratch,
	5: diag.FaultPrivilege,
	6: diag.FaultBadStack,
	7: diag.FaultBadSize,
	8: diag.FaultLibraryFail,
}

// errorRecordSize is the fixed wire size of an ActionError record: a
// one-byte fault kind tag, seven bytes of padding to an 8-byte
// boundary, then an 8-byte little-endian faulting offset.
const errorRecordSize = 16

// decodeFault builds a diag.RuntimeFault from the bytes of the
// record's field at idx, which must be an ActionError field.
func decodeFault(r *Record, idx int) *diag.RuntimeFault {
	kind := diag.FaultIllegalOp
	var offset uint64
	if idx >= 0 && idx < len(r.Fields) {
		f := r.Fields[idx]
		if len(f) > 0 {
			if k, ok := faultKindByte[f[0]]; ok {
				kind = k
			}
		}
		if len(f) >= errorRecordSize {
			offset = binary.LittleEndian.Uint64(f[8:16])
		}
	}
	return &diag.RuntimeFault{
		Kind:    kind,
		EPID:    r.EPID,
		CPU:     r.CPU,
		Offset:  offset,
		Message: string(kind),
	}
}
