// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"math/rand"
	"os"
	"testing"
	"time"

	bolt "github.com/coreos/bbolt"
)

// testDBPath is the database file used across this package's tests.
var testDBPath = "pooltestdb"

// setupStore opens a fresh store at testDBPath, removing any leftover file
// from a prior failed run first.
func setupStore(t *testing.T) *Store {
	t.Helper()
	os.Remove(testDBPath)
	s, err := OpenStore(testDBPath)
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}
	return s
}

// teardownStore closes the store and removes its backing file.
func teardownStore(t *testing.T, s *Store) {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Fatalf("teardown error: %v", err)
	}
	if err := os.Remove(testDBPath); err != nil {
		t.Fatalf("teardown error: %v", err)
	}
}

func randomRowKeyFunc() func() ([6]byte, error) {
	r := rand.New(rand.NewSource(1))
	return func() ([6]byte, error) {
		var k [6]byte
		r.Read(k[:])
		return k, nil
	}
}

func TestAccountRoundTrip(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(t, s)

	addr := "Ssp7J7TUmi5iPhoQnWYNGQbeGhu6V3otJcS"

	if _, err := s.AddressToAccountID(addr, false); !IsError(err, ErrValueNotFound) {
		t.Fatalf("expected ErrValueNotFound, got %v", err)
	}

	id, err := s.AddressToAccountID(addr, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected a nonzero account id")
	}

	again, err := s.AddressToAccountID(addr, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again != id {
		t.Fatalf("expected idempotent lookup, got %d want %d", again, id)
	}

	gotAddr, err := s.AccountIDToAddress(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAddr != addr {
		t.Fatalf("expected %s, got %s", addr, gotAddr)
	}

	if _, err := s.AccountIDToAddress(id + 1000); !IsError(err, ErrValueNotFound) {
		t.Fatalf("expected ErrValueNotFound, got %v", err)
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(t, s)

	en1 := [4]byte{0x01, 0x02, 0x03, 0x04}
	subID, err := s.InsertSubscription(en1, randomRowKeyFunc())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, b := range subscriptionMarker {
		if subID[i] != b {
			t.Fatalf("subscription id missing marker prefix at byte %d", i)
		}
	}

	got, err := s.SubscriptionExtraNonce1(subID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != en1 {
		t.Fatalf("expected %x, got %x", en1, got)
	}

	var bogus [32]byte
	if _, err := s.SubscriptionExtraNonce1(bogus); !IsError(err, ErrValueNotFound) {
		t.Fatalf("expected ErrValueNotFound, got %v", err)
	}
}

func TestShareLifecycle(t *testing.T) {
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

	for i := 0; i < 5; i++ {
		if err := s.InsertShare(&Share{AccountID: acctX, Algorithm: "sha256d", Value: 1}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := s.InsertShare(&Share{AccountID: acctY, Algorithm: "sha256d", Value: 2}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	begin := 0.0
	end := float64(time.Now().Unix()) + 3600

	total, err := s.TotalUnpaidShares(begin, end, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 11 {
		t.Fatalf("expected total 11, got %v", total)
	}

	xTotal, err := s.AccountUnpaidShares(begin, end, acctX)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if xTotal != 5 {
		t.Fatalf("expected 5, got %v", xTotal)
	}

	dist, err := s.DistributionShares(begin, end, "sha256d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dist[acctX] != 5 || dist[acctY] != 6 {
		t.Fatalf("unexpected distribution: %+v", dist)
	}

	related, err := s.RelatedAccounts(begin, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("expected 2 related accounts, got %d", len(related))
	}

	_, ok, err := s.LastUnpaidTime()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected an open unpaid window")
	}

	var payoutID int64
	err = s.Transact(func(tx *bolt.Tx) error {
		id, err := InsertPayoutTx(tx, [32]byte{0xaa}, 1000, begin, end)
		if err != nil {
			return err
		}
		payoutID = id
		return MarkSharesPaidTx(tx, id, begin, end, []uint64{acctX, acctY})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total, err = s.TotalUnpaidShares(begin, end, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected all shares marked paid, got total %v", total)
	}

	p, err := s.PayoutByID(payoutID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Amount != 1000 {
		t.Fatalf("expected amount 1000, got %d", p.Amount)
	}

	p2, err := s.PayoutByTxHash([32]byte{0xaa})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p2.ID != p.ID {
		t.Fatalf("expected matching payout by txhash lookup")
	}

	err = s.Transact(func(tx *bolt.Tx) error {
		return RevertPaidSharesTx(tx, begin, end, payoutID)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total, err = s.TotalUnpaidShares(begin, end, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 11 {
		t.Fatalf("expected shares reverted to unpaid, got total %v", total)
	}
}

func TestGC(t *testing.T) {
	s := setupStore(t)
	defer teardownStore(t, s)

	acct, err := s.AddressToAccountID("SsWKp7wtdTZYabYFYSc9cnxhwFEjA5g4pFc", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.InsertShare(&Share{AccountID: acct, Algorithm: "sha256d", Value: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.GC(24 * time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total, err := s.TotalUnpaidShares(0, float64(time.Now().Unix())+3600, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected recent share to survive gc, got total %v", total)
	}
}
