// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/bech32"

	"github.com/nyxstratum/pool/pool/chainutil"
)

func encodeBechAddress(t *testing.T, hrp string, identifier []byte) string {
	t.Helper()
	converted, err := bech32.ConvertBits(identifier, 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits: %v", err)
	}
	addr, err := bech32.Encode(hrp, append([]byte{0}, converted...))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return addr
}

// buildTestCoinbase assembles a minimal single-input, single-output
// coinbase transaction paying ownerScript the full block reward.
func buildTestCoinbase(value int64, ownerScript []byte) []byte {
	var buf bytes.Buffer
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], 1)
	buf.Write(v[:])

	buf.Write(chainutil.EncodeCompactSize(1))
	buf.Write(bytes.Repeat([]byte{0x00}, 32))
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	buf.Write(chainutil.EncodeCompactSize(4))
	buf.Write([]byte{0x01, 0x02, 0x03, 0x04})
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})

	buf.Write(chainutil.EncodeCompactSize(1))
	var val [8]byte
	binary.LittleEndian.PutUint64(val[:], uint64(value))
	buf.Write(val[:])
	buf.Write(chainutil.EncodeCompactSize(uint64(len(ownerScript))))
	buf.Write(ownerScript)
	buf.Write([]byte{0x00, 0x00, 0x00, 0x00})
	return buf.Bytes()
}

func TestDistributionRecodeSoloFallback(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(t, s)

	cfg := &Config{OwnerFee: 0.01}
	d := NewDistributionTracker(s, cfg)

	if got := d.Latest("sha256d"); got != nil {
		t.Fatalf("expected no distribution before the first Recode, got %+v", got)
	}

	if err := d.Recode([]string{"sha256d"}, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dist := d.Latest("sha256d")
	if dist == nil {
		t.Fatalf("expected a distribution after Recode")
	}
	if len(dist.Entries) != 1 || dist.Entries[0].Address != nil || dist.Entries[0].Ratio != 1.0 {
		t.Fatalf("expected a single solo-owner entry with ratio 1.0, got %+v", dist.Entries)
	}
}

func TestDistributionRecodeSplitsByShare(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(t, s)

	acctX, err := s.AddressToAccountID("Ssp7J7TUmi5iPhoQnWYNGQbeGhu6V3otJcS", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acctY, err := s.AddressToAccountID("SsWKp7wtdTZYabYFYSc9cnxhwFEjA5g4pFc", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.InsertShare(&Share{AccountID: acctX, Algorithm: "sha256d", Value: 1}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := s.InsertShare(&Share{AccountID: acctY, Algorithm: "sha256d", Value: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := &Config{OwnerFee: 0.0}
	d := NewDistributionTracker(s, cfg)
	if err := d.Recode([]string{"sha256d"}, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dist := d.Latest("sha256d")
	if dist == nil {
		t.Fatalf("expected a distribution after Recode")
	}
	// One owner entry (Address == nil) plus one entry per contributing
	// account, ordered smallest-share-first.
	if len(dist.Entries) != 3 {
		t.Fatalf("expected 3 entries (owner + 2 accounts), got %d: %+v", len(dist.Entries), dist.Entries)
	}
	if dist.Entries[0].Address != nil {
		t.Fatalf("expected the owner entry first with a nil address")
	}

	var total float64
	for _, e := range dist.Entries {
		total += e.Ratio
	}
	if total < 0.999 || total > 1.001 {
		t.Fatalf("expected entry ratios to sum to ~1.0, got %v", total)
	}
}

func TestDistributionRecodeUnknownAlgorithmIsEmptyNotError(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(t, s)

	cfg := &Config{OwnerFee: 0.01}
	d := NewDistributionTracker(s, cfg)
	if err := d.Recode([]string{"nonexistent-algo"}, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dist := d.Latest("nonexistent-algo")
	if dist == nil || len(dist.Entries) != 1 || dist.Entries[0].Ratio != 1.0 {
		t.Fatalf("expected solo-owner fallback distribution, got %+v", dist)
	}
}

func TestRewriteCoinbaseNoDistributionIsNoop(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(t, s)

	d := NewDistributionTracker(s, &Config{OwnerFee: 0.01})
	coinbase1 := []byte{0x01, 0x02, 0x03}
	got := d.RewriteCoinbase("sha256d", coinbase1, 100)
	if string(got) != string(coinbase1) {
		t.Fatalf("expected coinbase1 unchanged with no recorded distribution")
	}
}

func TestRewriteCoinbaseSplitsAcrossEntries(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(t, s)

	d := NewDistributionTracker(s, &Config{OwnerFee: 0.01})

	ownerScript := []byte{0x00, 0x14}
	ownerScript = append(ownerScript, bytes.Repeat([]byte{0xAA}, 20)...)
	coinbase1 := buildTestCoinbase(10000, ownerScript)

	minerAddr := encodeBechAddress(t, "nx", bytes.Repeat([]byte{0xBB}, 20))
	d.current["sha256d"] = &Distribution{
		Algorithm: "sha256d",
		Entries: []DistributionEntry{
			{Address: nil, Ratio: 0.01},
			{Address: &minerAddr, Ratio: 0.99},
		},
	}

	const extraOutputFee = 100
	rewritten := d.RewriteCoinbase("sha256d", coinbase1, extraOutputFee)
	if string(rewritten) == string(coinbase1) {
		t.Fatalf("expected coinbase to be rewritten")
	}

	_, outputs, _, err := chainutil.SplitCoinbaseOutputs(rewritten)
	if err != nil {
		t.Fatalf("SplitCoinbaseOutputs: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d: %+v", len(outputs), outputs)
	}
	if !bytes.Equal(outputs[0].ScriptPubKey, ownerScript) {
		t.Fatalf("owner scriptPubKey = %x, want %x", outputs[0].ScriptPubKey, ownerScript)
	}
	wantMinerScript := chainutil.WitnessScript(0, bytes.Repeat([]byte{0xBB}, 20))
	if !bytes.Equal(outputs[1].ScriptPubKey, wantMinerScript) {
		t.Fatalf("miner scriptPubKey = %x, want %x", outputs[1].ScriptPubKey, wantMinerScript)
	}

	var total int64
	for _, o := range outputs {
		total += o.Value
	}
	if want := int64(10000) - extraOutputFee; total != want {
		t.Fatalf("total output value = %d, want %d", total, want)
	}
}

func TestRewriteCoinbaseUnparseableIsNoop(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(t, s)

	d := NewDistributionTracker(s, &Config{OwnerFee: 0.01})
	minerAddr := encodeBechAddress(t, "nx", bytes.Repeat([]byte{0xBB}, 20))
	d.current["sha256d"] = &Distribution{
		Algorithm: "sha256d",
		Entries: []DistributionEntry{
			{Address: nil, Ratio: 0.01},
			{Address: &minerAddr, Ratio: 0.99},
		},
	}

	garbage := []byte{0x01, 0x02}
	got := d.RewriteCoinbase("sha256d", garbage, 100)
	if string(got) != string(garbage) {
		t.Fatalf("expected unparseable coinbase returned unchanged")
	}
}
