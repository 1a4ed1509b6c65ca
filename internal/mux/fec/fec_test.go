package fec

import (
	"bytes"
	"fmt"
	"testing"
)

func TestEncoderEmitsParityWhenGroupFills(t *testing.T) {
	enc, err := NewEncoder(&Config{DataShards: 4, ParityShards: 2})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	for i := 0; i < 3; i++ {
		gid, parity, err := enc.Add([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if parity != nil || gid != 0 {
			t.Fatalf("parity emitted before the group filled (i=%d)", i)
		}
	}

	gid, parity, err := enc.Add([]byte{3})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if gid != 1 {
		t.Errorf("group id = %d, want 1", gid)
	}
	if len(parity) != 2 {
		t.Fatalf("parity count = %d, want 2", len(parity))
	}

	// Second group gets the next id.
	for i := 0; i < 3; i++ {
		enc.Add([]byte{byte(i)})
	}
	gid, _, _ = enc.Add([]byte{9})
	if gid != 2 {
		t.Errorf("second group id = %d, want 2", gid)
	}
}

func TestGroupOf(t *testing.T) {
	cases := []struct {
		n     uint64
		group uint64
		index int
	}{
		{0, 1, 0},
		{3, 1, 3},
		{4, 2, 0},
		{11, 3, 3},
	}
	for _, c := range cases {
		g, i := GroupOf(c.n, 4)
		if g != c.group || i != c.index {
			t.Errorf("GroupOf(%d) = (%d, %d), want (%d, %d)", c.n, g, i, c.group, c.index)
		}
	}
}

func TestDecoderRecoversMissingPayload(t *testing.T) {
	cfg := &Config{DataShards: 4, ParityShards: 2}
	enc, _ := NewEncoder(cfg)
	dec, _ := NewDecoder(cfg)

	payloads := [][]byte{
		[]byte("shard zero"),
		[]byte("shard one is a bit longer"),
		[]byte("s2"),
		[]byte("the last shard"),
	}

	var gid uint64
	var parity [][]byte
	for _, p := range payloads {
		var err error
		gid, parity, err = enc.Add(p)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if parity == nil {
		t.Fatal("group should have filled")
	}

	// Deliver everything except payload 1, plus one parity shard.
	for i, p := range payloads {
		if i == 1 {
			continue
		}
		recovered, err := dec.AddData(gid, i, p)
		if err != nil {
			t.Fatalf("AddData(%d): %v", i, err)
		}
		if recovered != nil {
			t.Fatalf("recovered too early at shard %d", i)
		}
	}

	recovered, err := dec.AddParity(gid, 0, parity[0])
	if err != nil {
		t.Fatalf("AddParity: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d payloads, want 1", len(recovered))
	}
	if recovered[0].Index != 1 {
		t.Errorf("recovered index = %d, want 1", recovered[0].Index)
	}
	if !bytes.Equal(recovered[0].Payload, payloads[1]) {
		t.Errorf("recovered payload = %q, want %q", recovered[0].Payload, payloads[1])
	}

	stats := dec.Statistics()
	if stats["total_recovered"] != 1 {
		t.Errorf("total_recovered = %d, want 1", stats["total_recovered"])
	}
}

func TestDecoderCompleteGroupRecoversNothing(t *testing.T) {
	cfg := &Config{DataShards: 3, ParityShards: 1}
	enc, _ := NewEncoder(cfg)
	dec, _ := NewDecoder(cfg)

	var gid uint64
	for i := 0; i < 3; i++ {
		gid, _, _ = enc.Add([]byte{byte(i)})
	}

	for i := 0; i < 3; i++ {
		recovered, err := dec.AddData(gid, i, []byte{byte(i)})
		if err != nil {
			t.Fatalf("AddData: %v", err)
		}
		if recovered != nil {
			t.Error("nothing was lost, nothing should be recovered")
		}
	}
}

func TestDecoderDuplicateShardsAreIdempotent(t *testing.T) {
	cfg := &Config{DataShards: 2, ParityShards: 1}
	dec, _ := NewDecoder(cfg)

	if _, err := dec.AddData(1, 0, []byte("a")); err != nil {
		t.Fatalf("AddData: %v", err)
	}
	// The same shard again must not count toward reconstruction.
	if recovered, err := dec.AddData(1, 0, []byte("a")); err != nil || recovered != nil {
		t.Fatalf("duplicate AddData = %v, %v", recovered, err)
	}
}

func TestDecoderRejectsBadIndex(t *testing.T) {
	dec, _ := NewDecoder(&Config{DataShards: 2, ParityShards: 1})

	if _, err := dec.AddData(1, 2, []byte("x")); err == nil {
		t.Error("data index out of range should error")
	}
	if _, err := dec.AddParity(1, 1, []byte("x")); err == nil {
		t.Error("parity index out of range should error")
	}
}

func TestShardRoundTrip(t *testing.T) {
	wire := MarshalShard(77, 2, []byte("parity bytes"))

	gid, index, parity, err := UnmarshalShard(wire)
	if err != nil {
		t.Fatalf("UnmarshalShard: %v", err)
	}
	if gid != 77 || index != 2 {
		t.Errorf("shard header = (%d, %d), want (77, 2)", gid, index)
	}
	if !bytes.Equal(parity, []byte("parity bytes")) {
		t.Errorf("parity = %q", parity)
	}

	if _, _, _, err := UnmarshalShard(wire[:ShardHeaderSize-1]); err == nil {
		t.Error("truncated shard should fail to parse")
	}
}

func TestCleanupOldGroups(t *testing.T) {
	dec, _ := NewDecoder(&Config{DataShards: 4, ParityShards: 1})

	for g := uint64(1); g <= 10; g++ {
		dec.AddData(g, 0, []byte{byte(g)})
	}

	dec.CleanupOldGroups(3)
	if got := dec.Statistics()["active_groups"]; got != 3 {
		t.Errorf("active_groups = %d, want 3", got)
	}

	// The survivors are the newest groups: more data for group 10 still
	// lands in the same group.
	if _, err := dec.AddData(10, 1, []byte("x")); err != nil {
		t.Errorf("AddData to surviving group: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []*Config{
		{DataShards: 0, ParityShards: 1},
		{DataShards: 1, ParityShards: 0},
		{DataShards: 300, ParityShards: 1},
	}
	for _, cfg := range bad {
		if _, err := NewEncoder(cfg); err == nil {
			t.Errorf("NewEncoder(%+v) should fail", cfg)
		}
		if _, err := NewDecoder(cfg); err == nil {
			t.Errorf("NewDecoder(%+v) should fail", cfg)
		}
	}
}

func TestCalculateOverhead(t *testing.T) {
	if o := CalculateOverhead(10, 3); o != 0.3 {
		t.Errorf("overhead = %v, want 0.3", o)
	}
	if o := CalculateOverhead(0, 3); o != 0 {
		t.Errorf("overhead with zero data shards = %v, want 0", o)
	}
}

func BenchmarkEncoderGroup(b *testing.B) {
	enc, _ := NewEncoder(nil)
	payload := make([]byte, 1200)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := enc.Add(payload); err != nil {
			b.Fatal(fmt.Errorf("Add: %w", err))
		}
	}
}
