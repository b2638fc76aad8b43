// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainutil

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// HashFunc computes a 32-byte proof-of-work digest from a serialized block
// header.
type HashFunc func(header []byte) [32]byte

var (
	algoMtx sync.RWMutex
	algos   = map[string]HashFunc{
		"sha256d": func(header []byte) [32]byte { return DoubleSHA256(header) },
		"scrypt":  scryptWorkHash,
	}
)

// scryptWorkHash computes the classic Litecoin-style scrypt PoW digest
// (N=1024, r=1, p=1) over the block header, salted with itself.
func scryptWorkHash(header []byte) [32]byte {
	digest, err := scrypt.Key(header, header, 1024, 1, 1, 32)
	if err != nil {
		// scrypt only fails on invalid parameters, which are fixed
		// constants above; treat as unreachable.
		panic(fmt.Sprintf("chainutil: scrypt params rejected: %v", err))
	}
	var out [32]byte
	copy(out[:], digest)
	return out
}

// RegisterAlgorithm adds or replaces the hash function used for a named
// mining algorithm. Pool configuration maps each stratum listener to one of
// these names via its co-efficiency table.
func RegisterAlgorithm(name string, fn HashFunc) {
	algoMtx.Lock()
	defer algoMtx.Unlock()
	algos[name] = fn
}

// AlgorithmHasher looks up the hash function for a named algorithm.
func AlgorithmHasher(name string) (HashFunc, error) {
	algoMtx.RLock()
	defer algoMtx.RUnlock()
	fn, ok := algos[name]
	if !ok {
		return nil, fmt.Errorf("chainutil: unknown algorithm %q", name)
	}
	return fn, nil
}
