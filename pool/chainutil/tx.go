// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainutil

import (
	"encoding/binary"
	"errors"
)

// ErrTxFormat is returned when raw bytes don't parse as a minimal,
// single-input coinbase transaction.
var ErrTxFormat = errors.New("chainutil: malformed coinbase transaction")

// TxOut is one transaction output: an amount in the chain's base unit and
// the raw scriptPubKey bytes that lock it.
type TxOut struct {
	Value        int64
	ScriptPubKey []byte
}

// DecodeCompactSize decodes a CompactSize-prefixed integer from the front
// of b, returning the value and the number of bytes it consumed.
func DecodeCompactSize(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTxFormat
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0, ErrTxFormat
		}
		return uint64(b[1]) | uint64(b[2])<<8, 3, nil
	case 0xfe:
		if len(b) < 5 {
			return 0, 0, ErrTxFormat
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16 | uint64(b[4])<<24, 5, nil
	case 0xff:
		if len(b) < 9 {
			return 0, 0, ErrTxFormat
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(b[1+i]) << (8 * uint(i))
		}
		return v, 9, nil
	default:
		return uint64(b[0]), 1, nil
	}
}

// SplitCoinbaseOutputs parses raw as a serialized coinbase transaction and
// separates it into the prefix (version through the single input's
// sequence field), its decoded output list, and the trailing locktime
// bytes. EncodeCoinbaseOutputs is its inverse: callers rewrite the output
// list and re-encode with prefix and locktime unchanged.
func SplitCoinbaseOutputs(raw []byte) (prefix []byte, outputs []TxOut, locktime []byte, err error) {
	if len(raw) < 4 {
		return nil, nil, nil, ErrTxFormat
	}
	offset := 4 // version

	inCount, n, err := DecodeCompactSize(raw[offset:])
	if err != nil {
		return nil, nil, nil, err
	}
	offset += n
	for i := uint64(0); i < inCount; i++ {
		if len(raw) < offset+36 {
			return nil, nil, nil, ErrTxFormat
		}
		offset += 36 // previous outpoint hash + index
		scriptLen, n, err := DecodeCompactSize(raw[offset:])
		if err != nil {
			return nil, nil, nil, err
		}
		offset += n + int(scriptLen) + 4 // scriptSig + sequence
		if len(raw) < offset {
			return nil, nil, nil, ErrTxFormat
		}
	}
	prefix = append([]byte(nil), raw[:offset]...)

	outCount, n, err := DecodeCompactSize(raw[offset:])
	if err != nil {
		return nil, nil, nil, err
	}
	offset += n

	outputs = make([]TxOut, 0, outCount)
	for i := uint64(0); i < outCount; i++ {
		if len(raw) < offset+8 {
			return nil, nil, nil, ErrTxFormat
		}
		value := int64(binary.LittleEndian.Uint64(raw[offset : offset+8]))
		offset += 8

		scriptLen, n, err := DecodeCompactSize(raw[offset:])
		if err != nil {
			return nil, nil, nil, err
		}
		offset += n
		if len(raw) < offset+int(scriptLen) {
			return nil, nil, nil, ErrTxFormat
		}
		script := append([]byte(nil), raw[offset:offset+int(scriptLen)]...)
		offset += int(scriptLen)

		outputs = append(outputs, TxOut{Value: value, ScriptPubKey: script})
	}

	if len(raw) < offset+4 {
		return nil, nil, nil, ErrTxFormat
	}
	locktime = append([]byte(nil), raw[offset:offset+4]...)
	return prefix, outputs, locktime, nil
}

// EncodeCoinbaseOutputs re-serializes prefix, outputs, and locktime into a
// full coinbase transaction, the inverse of SplitCoinbaseOutputs with a
// rewritten output list.
func EncodeCoinbaseOutputs(prefix []byte, outputs []TxOut, locktime []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(locktime)+len(outputs)*40)
	out = append(out, prefix...)
	out = append(out, EncodeCompactSize(uint64(len(outputs)))...)
	for _, o := range outputs {
		var v [8]byte
		binary.LittleEndian.PutUint64(v[:], uint64(o.Value))
		out = append(out, v[:]...)
		out = append(out, EncodeCompactSize(uint64(len(o.ScriptPubKey)))...)
		out = append(out, o.ScriptPubKey...)
	}
	out = append(out, locktime...)
	return out
}
