// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainutil

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcutil/bech32"
)

func encodeTestAddress(t *testing.T, hrp string, version byte, identifier []byte) string {
	t.Helper()
	converted, err := bech32.ConvertBits(identifier, 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits: %v", err)
	}
	data := append([]byte{version}, converted...)
	addr, err := bech32.Encode(hrp, data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return addr
}

func TestDecodeAddressRoundTrip(t *testing.T) {
	identifier := bytes.Repeat([]byte{0xAB}, 20)
	addr := encodeTestAddress(t, "nx", 0, identifier)

	hrp, version, got, err := DecodeAddress(addr)
	if err != nil {
		t.Fatalf("DecodeAddress: %v", err)
	}
	if hrp != "nx" || version != 0 {
		t.Fatalf("hrp=%s version=%d", hrp, version)
	}
	if !bytes.Equal(got, identifier) {
		t.Errorf("identifier = %x, want %x", got, identifier)
	}
}

func TestValidatePoolAddress(t *testing.T) {
	identifier := bytes.Repeat([]byte{0x01}, 20)
	addr := encodeTestAddress(t, "nx", 0, identifier)

	if err := ValidatePoolAddress(addr, "nx"); err != nil {
		t.Fatalf("ValidatePoolAddress: %v", err)
	}
	if err := ValidatePoolAddress(addr, "wrong"); err == nil {
		t.Fatalf("expected error for mismatched hrp")
	}

	shortIdentifier := bytes.Repeat([]byte{0x01}, 10)
	shortAddr := encodeTestAddress(t, "nx", 0, shortIdentifier)
	if err := ValidatePoolAddress(shortAddr, "nx"); err == nil {
		t.Fatalf("expected error for short identifier")
	}
}
