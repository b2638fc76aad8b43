// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainutil

import (
	"encoding/hex"
	"testing"
)

func mustHash(t *testing.T, s string) [32]byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	var h [32]byte
	copy(h[:], b)
	return h
}

// TestMerkleBranch exercises a fixed five-leaf set against known output.
func TestMerkleBranch(t *testing.T) {
	leaves := []string{
		"41091d1f9b4f2a4f562c4d24793a46d55c915f25e24342bf1918540d317c4c42",
		"281324435c35f53301df50ed9b3af215247f0ab74c35d5df5177d439e0fc87ec",
		"a2500f840f2d53f24dad53b272404fca16798d06e20cba608ea1c0e17e73efd3",
		"1ad525dd7674f427482e9b3a1e57084ca85dc46c4c90d96388a17801f056d65c",
		"a7f52fb50483f77c297e5ab30519102d1a8499412ba6f8c184bd79cb24034705",
	}
	expect := []string{
		"41091d1f9b4f2a4f562c4d24793a46d55c915f25e24342bf1918540d317c4c42",
		"a1bc6f3b480c62ebc04ddfc1e58967e77e56a1ace34c73796008fdba8c2024ab",
		"2532aed76199db600abf31e120c4a70e0405d475f17226553a991d6d54acb3d6",
	}

	in := make([][32]byte, len(leaves))
	for i, h := range leaves {
		in[i] = mustHash(t, h)
	}

	branch := MerkleBranch(in)
	if len(branch) != len(expect) {
		t.Fatalf("branch length = %d, want %d", len(branch), len(expect))
	}
	for i, want := range expect {
		got := hex.EncodeToString(branch[i][:])
		if got != want {
			t.Errorf("branch[%d] = %s, want %s", i, got, want)
		}
	}
}

// TestMerkleRootMatchesBranch checks the invariant that the merkle branch
// of a set plus the coinbase yields the same root as the full merkle tree
// of [coinbase] ++ set.
func TestMerkleRootMatchesBranch(t *testing.T) {
	cb := mustHash(t, "0100000000000000000000000000000000000000000000000000000000000000"[:64])
	others := []string{
		"1111111111111111111111111111111111111111111111111111111111111111"[:64],
		"2222222222222222222222222222222222222222222222222222222222222222"[:64],
		"3333333333333333333333333333333333333333333333333333333333333333"[:64],
	}
	leaves := make([][32]byte, len(others))
	for i, h := range others {
		leaves[i] = mustHash(t, h)
	}

	branch := MerkleBranch(leaves)
	gotRoot := MerkleRootFromBranch(cb, branch)

	full := append([][32]byte{cb}, leaves...)
	wantRoot := MerkleRoot(full)

	if gotRoot != wantRoot {
		t.Errorf("merkle root from branch = %x, want %x", gotRoot, wantRoot)
	}
}
