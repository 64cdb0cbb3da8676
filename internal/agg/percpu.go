package agg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// CiliumPerCPUSource adapts a `cilium/ebpf` per-CPU hash map
// (`BPF_MAP_TYPE_PERCPU_HASH`) to the CPUSource interface, draining
// every currently-populated key by iterating the map, collecting every
// CPU slot's value for each key, then deleting each key once, per spec
// §4.6's snapshot read. Each value is wire-laid-out as an
// 8-byte little-endian generation counter followed by the
// aggregation-kind-dependent payload described by the entry's own
// Descriptor.
type CiliumPerCPUSource struct {
	Map *ebpf.Map
}

// Drain implements CPUSource.
func (c *CiliumPerCPUSource) Drain() ([]Sample, error) {
	var out []Sample
	var rawKey []byte
	var perCPU [][]byte

	iter := c.Map.Iterate()
	for iter.Next(&rawKey, &perCPU) {
		key := string(rawKey)
		for _, raw := range perCPU {
			if len(raw) < 8 {
				continue
			}
			gen := binary.LittleEndian.Uint64(raw[:8])
			payload := append([]byte(nil), raw[8:]...)
			out = append(out, Sample{Key: key, Generation: gen, Payload: payload})
		}
		if err := c.Map.Delete(rawKey); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, fmt.Errorf("agg: deleting drained key: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("agg: iterating per-cpu aggregation map: %w", err)
	}
	return out, nil
}
