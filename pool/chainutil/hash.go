// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainutil provides the pure, algorithm-agnostic primitives the
// pool needs to reconstruct and score a candidate block: double-SHA-256,
// Merkle tree computation, CompactSize encoding, bech32 address decoding,
// and a minimal Block codec exposing Header/WorkHash. It treats the
// upstream node's own block/transaction format as opaque wire bytes; this
// package never validates a block beyond computing its work hash.
package chainutil

import (
	"crypto/sha256"
	"math/big"
)

// DoubleSHA256 returns SHA-256(SHA-256(b)), the hash used throughout the
// Bitcoin-family wire format for both transaction ids and block headers.
func DoubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// ReverseBytes returns a copy of b with byte order reversed. Block hashes
// and tx hashes are produced in internal (little-endian) byte order but are
// transmitted reversed ("big-endian" display order) in Stratum messages.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// SwapPreProcessedWords reverses each of the eight 4-byte words of a 32-byte
// hash in place, leaving word order unchanged. This is the previous-hash
// preprocessing mining.notify requires.
func SwapPreProcessedWords(h [32]byte) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i += 4 {
		out[i] = h[i+3]
		out[i+1] = h[i+2]
		out[i+2] = h[i+1]
		out[i+3] = h[i]
	}
	return out
}

// CompactToBig expands an nBits-style compact target encoding into a big.Int,
// mirroring the teacher's standalone.CompactToBig.
func CompactToBig(bits uint32) *big.Int {
	mantissa := bits & 0x007fffff
	exponent := uint(bits >> 24)

	var result *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		result = big.NewInt(int64(mantissa))
	} else {
		result = big.NewInt(int64(mantissa))
		result.Lsh(result, 8*(exponent-3))
	}

	if bits&0x00800000 != 0 {
		result.Neg(result)
	}
	return result
}

// HashToBig interprets a hash (internal byte order) as an unsigned big.Int
// by reversing it into display order first, matching the teacher's
// standalone.HashToBig.
func HashToBig(hash [32]byte) *big.Int {
	rev := ReverseBytes(hash[:])
	return new(big.Int).SetBytes(rev)
}
