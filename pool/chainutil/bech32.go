// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainutil

import (
	"errors"

	"github.com/btcsuite/btcutil/bech32"
)

// ErrAddressFormat is returned by DecodeAddress when the decoded payload
// doesn't match the expected witness-version-0, 20-byte identifier shape.
var ErrAddressFormat = errors.New("chainutil: unexpected address format")

// DecodeAddress decodes a bech32-encoded pool address, mirroring the
// source's address2bech contract: it returns the human-readable part, the
// witness version byte, and the identifier payload. mining.authorize
// additionally requires hrp == configured prefix, version == 0 and
// len(identifier) == 20.
func DecodeAddress(address string) (hrp string, version byte, identifier []byte, err error) {
	hrp, data, err := bech32.Decode(address)
	if err != nil {
		return "", 0, nil, err
	}
	if len(data) == 0 {
		return "", 0, nil, ErrAddressFormat
	}
	version = data[0]
	converted, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return "", 0, nil, err
	}
	return hrp, version, converted, nil
}

// ValidatePoolAddress applies the authorize-time shape check: configured
// human-readable prefix, witness version 0, and a 20-byte identifier.
func ValidatePoolAddress(address, wantHRP string) error {
	hrp, version, identifier, err := DecodeAddress(address)
	if err != nil {
		return err
	}
	if hrp != wantHRP || version != 0 || len(identifier) != 20 {
		return ErrAddressFormat
	}
	return nil
}

// WitnessScript builds the scriptPubKey a standard witness program of the
// given version locks funds to: a version-0 push opcode (OP_0) or
// version-(n) push opcode (OP_1..OP_16) followed by a length-prefixed
// identifier.
func WitnessScript(version byte, identifier []byte) []byte {
	script := make([]byte, 0, len(identifier)+2)
	if version == 0 {
		script = append(script, 0x00)
	} else {
		script = append(script, 0x50+version)
	}
	script = append(script, byte(len(identifier)))
	script = append(script, identifier...)
	return script
}
