package agg

import (
	"encoding/binary"
	"testing"
)

func u64le(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

type stubSource struct {
	samples []Sample
}

func (s *stubSource) Drain() ([]Sample, error) {
	out := s.samples
	s.samples = nil
	return out, nil
}

func TestSnapMergesAcrossCPUsAndIsIdempotent(t *testing.T) {
	table := NewTable()
	table.Declare(&Descriptor{VarID: 1, Name: "counts", Sig: Signature{Kind: KindCount}, KeyRecords: 1})

	src := &stubSource{samples: []Sample{
		{Key: "1:execname=a", Generation: 1, Payload: u64le(300)},
		{Key: "1:execname=a", Generation: 1, Payload: u64le(250)},
		{Key: "1:execname=a", Generation: 1, Payload: u64le(250)},
		{Key: "1:execname=a", Generation: 1, Payload: u64le(200)},
	}}
	if err := table.Snap(src); err != nil {
		t.Fatalf("snap error: %v", err)
	}

	var got int64
	table.Walk(1, func(key string, payload []byte) {
		got = int64(binary.LittleEndian.Uint64(payload))
	})
	if got != 1000 {
		t.Fatalf("expected merged total 1000, got %d", got)
	}

	// A second snap with no new samples must report the same total.
	if err := table.Snap(&stubSource{}); err != nil {
		t.Fatalf("second snap error: %v", err)
	}
	table.Walk(1, func(key string, payload []byte) {
		got = int64(binary.LittleEndian.Uint64(payload))
	})
	if got != 1000 {
		t.Fatalf("expected idempotent total 1000, got %d", got)
	}
}

func TestSnapSkipsStaleGeneration(t *testing.T) {
	table := NewTable()
	table.Declare(&Descriptor{VarID: 2, Name: "last", Sig: Signature{Kind: KindSum}, KeyRecords: 1})

	src := &stubSource{samples: []Sample{{Key: "2:k", Generation: 5, Payload: u64le(10)}}}
	if err := table.Snap(src); err != nil {
		t.Fatalf("snap error: %v", err)
	}
	stale := &stubSource{samples: []Sample{{Key: "2:k", Generation: 3, Payload: u64le(999)}}}
	if err := table.Snap(stale); err != nil {
		t.Fatalf("snap error: %v", err)
	}
	var got int64
	table.Walk(2, func(key string, payload []byte) { got = int64(binary.LittleEndian.Uint64(payload)) })
	if got != 10 {
		t.Fatalf("expected stale-generation sample to be skipped, got %d", got)
	}
}

func TestSnapResetsOnNewerGeneration(t *testing.T) {
	table := NewTable()
	table.Declare(&Descriptor{VarID: 3, Name: "g", Sig: Signature{Kind: KindMax}, KeyRecords: 1})

	src := &stubSource{samples: []Sample{{Key: "3:k", Generation: 1, Payload: u64le(500)}}}
	if err := table.Snap(src); err != nil {
		t.Fatalf("snap error: %v", err)
	}
	newer := &stubSource{samples: []Sample{{Key: "3:k", Generation: 2, Payload: u64le(5)}}}
	if err := table.Snap(newer); err != nil {
		t.Fatalf("snap error: %v", err)
	}
	var got int64
	table.Walk(3, func(key string, payload []byte) { got = int64(binary.LittleEndian.Uint64(payload)) })
	if got != 5 {
		t.Fatalf("expected the stored max to reset to the new generation's sample (5), got %d", got)
	}
}

func TestMinIdentityStartsAtMaxInt64(t *testing.T) {
	table := NewTable()
	table.Declare(&Descriptor{VarID: 4, Name: "m", Sig: Signature{Kind: KindMin}, KeyRecords: 1})
	src := &stubSource{samples: []Sample{{Key: "4:k", Generation: 1, Payload: u64le(42)}}}
	if err := table.Snap(src); err != nil {
		t.Fatalf("snap error: %v", err)
	}
	var got int64
	table.Walk(4, func(key string, payload []byte) { got = int64(binary.LittleEndian.Uint64(payload)) })
	if got != 42 {
		t.Fatalf("expected min(42) == 42, got %d", got)
	}
}

func TestWalkJoinedPadsMissingAggregationsWithZero(t *testing.T) {
	table := NewTable()
	table.Declare(&Descriptor{VarID: 10, Name: "a", Sig: Signature{Kind: KindCount}, KeyRecords: 1})
	table.Declare(&Descriptor{VarID: 11, Name: "b", Sig: Signature{Kind: KindCount}, KeyRecords: 1})

	src := &stubSource{samples: []Sample{
		{Key: "10:x", Generation: 1, Payload: u64le(3)},
		{Key: "11:x", Generation: 1, Payload: u64le(7)},
		{Key: "10:y", Generation: 1, Payload: u64le(9)},
		// no "11:y" entry at all: must be padded with a zero payload.
	}}
	if err := table.Snap(src); err != nil {
		t.Fatalf("snap error: %v", err)
	}

	var bundles []Bundle
	table.WalkJoined([]uint32{10, 11}, 0, func(b Bundle) {
		bundles = append(bundles, b)
	})
	if len(bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(bundles))
	}
	for _, b := range bundles {
		if b.Key == "y" {
			if b.Payloads[1] == nil || int64(binary.LittleEndian.Uint64(b.Payloads[1])) != 0 {
				t.Fatalf("expected the missing aggregation to be zero-padded, got %+v", b.Payloads)
			}
		}
	}
}

func TestWalkJoinedSortsBySortpos(t *testing.T) {
	table := NewTable()
	table.Declare(&Descriptor{VarID: 20, Name: "a", Sig: Signature{Kind: KindCount}, KeyRecords: 1})

	src := &stubSource{samples: []Sample{
		{Key: "20:x", Generation: 1, Payload: u64le(5)},
		{Key: "20:y", Generation: 1, Payload: u64le(1)},
	}}
	if err := table.Snap(src); err != nil {
		t.Fatalf("snap error: %v", err)
	}
	var order []string
	table.WalkJoined([]uint32{20}, 0, func(b Bundle) { order = append(order, b.Key) })
	if len(order) != 2 || order[0] != "y" || order[1] != "x" {
		t.Fatalf("expected ascending sort by payload value (y=1 before x=5), got %v", order)
	}
}
