// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainutil

import (
	"encoding/binary"
	"math/big"
)

// HeaderSize is the length in bytes of a serialized block header: 4-byte
// version, 32-byte previous hash, 32-byte merkle root, 4-byte time, 4-byte
// bits, 4-byte nonce.
const HeaderSize = 80

// Block is the minimal, opaque candidate-block view the pool needs: enough
// to serialize a header, compute its work hash under a pluggable algorithm,
// and report its own hash and network target. It never parses or validates a
// block beyond that — full block/transaction codec logic is the upstream
// node's job.
type Block struct {
	Version      uint32
	PreviousHash [32]byte
	MerkleRoot   [32]byte
	Time         uint32
	Bits         uint32
	Nonce        uint32
	Height       uint32
	Algorithm    string
}

// Header serializes the 80-byte block header in wire (little-endian) order.
func (b *Block) Header() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], b.Version)
	copy(buf[4:36], b.PreviousHash[:])
	copy(buf[36:68], b.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], b.Time)
	binary.LittleEndian.PutUint32(buf[72:76], b.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], b.Nonce)
	return buf
}

// Hash returns the block's identity hash (double-SHA-256 of the header),
// regardless of mining algorithm — this is distinct from WorkHash.
func (b *Block) Hash() [32]byte {
	return DoubleSHA256(b.Header())
}

// WorkHash returns the algorithm-specific proof-of-work digest used for
// target comparisons, per spec.md's glossary distinction between "work
// hash" and "block hash".
func (b *Block) WorkHash() ([32]byte, error) {
	fn, err := AlgorithmHasher(b.Algorithm)
	if err != nil {
		return [32]byte{}, err
	}
	return fn(b.Header()), nil
}

// Target returns the network target this block's Bits field encodes.
func (b *Block) Target() *big.Int {
	return CompactToBig(b.Bits)
}
