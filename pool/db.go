// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
	"time"

	bolt "github.com/coreos/bbolt"
)

// Bucket names, one per persistent table, plus the reverse-lookup indices
// the store needs to serve its read contract without a full-bucket scan.
var (
	bucketAccounts        = []byte("accounts")
	bucketAccountsByAddr  = []byte("accounts-by-address")
	bucketSubscriptions   = []byte("subscriptions")
	bucketShares          = []byte("shares")
	bucketPayouts         = []byte("payouts")
	bucketPayoutsByTxHash = []byte("payouts-by-txhash")
)

// subscriptionMarker is the fixed 26-byte prefix prepended to a
// subscription's random 6-byte row key to form the 32-byte id handed back
// to the client, grounded on the source's literal constant.
var subscriptionMarker = [26]byte{
	0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff,
}

// Store is the pool's single-writer persistence layer, opened once at
// startup with a bounded wait matching the teacher's bolt.Open usage
// pattern for its account bucket.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if absent) the bbolt database at path and
// ensures every bucket named above exists.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 120 * time.Second})
	if err != nil {
		return nil, wrapf(ErrPersistence, "unable to open database: %v", err)
	}
	s := &Store{db: db}
	if err := s.createBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketAccounts, bucketAccountsByAddr, bucketSubscriptions,
			bucketShares, bucketPayouts, bucketPayoutsByTxHash,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return wrapf(ErrPersistence, "unable to create bucket %s: %v", name, err)
			}
		}
		return nil
	})
}

// Transact runs fn inside a single read-write bbolt transaction, rolling
// back automatically on any returned error.
func (s *Store) Transact(fn func(tx *bolt.Tx) error) error {
	return s.db.Update(fn)
}

// View runs fn inside a read-only bbolt transaction.
func (s *Store) View(fn func(tx *bolt.Tx) error) error {
	return s.db.View(fn)
}

func u64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func timeKey(t float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(t))
	return b
}

func keyToTime(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// --- accounts ---------------------------------------------------------

// AddressToAccountID resolves address to its account id, optionally
// creating the account if absent.
func (s *Store) AddressToAccountID(address string, createIfMissing bool) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		byAddr := tx.Bucket(bucketAccountsByAddr)
		if v := byAddr.Get([]byte(address)); v != nil {
			id = bytesToU64(v)
			return nil
		}
		if !createIfMissing {
			return MakeError(ErrValueNotFound, "no account for address "+address)
		}
		accounts := tx.Bucket(bucketAccounts)
		seq, err := accounts.NextSequence()
		if err != nil {
			return wrapf(ErrPersistence, "unable to allocate account id: %v", err)
		}
		id = seq
		if err := accounts.Put(u64ToBytes(id), []byte(address)); err != nil {
			return wrapf(ErrPersistence, "unable to persist account: %v", err)
		}
		if err := byAddr.Put([]byte(address), u64ToBytes(id)); err != nil {
			return wrapf(ErrPersistence, "unable to index account: %v", err)
		}
		return nil
	})
	return id, err
}

// AccountIDToAddress returns the address for account id, or
// ErrValueNotFound if no such account exists.
func (s *Store) AccountIDToAddress(id uint64) (string, error) {
	var addr string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAccounts).Get(u64ToBytes(id))
		if v == nil {
			return MakeError(ErrValueNotFound, "no account with that id")
		}
		addr = string(v)
		return nil
	})
	return addr, err
}

// --- subscriptions ------------------------------------------------------

// subscriptionRowKey returns the low-order 6 bytes of a 32-byte
// subscription id, the row key subscriptions are stored under.
func subscriptionRowKey(id [32]byte) []byte {
	return id[26:32]
}

// SubscriptionExtraNonce1 looks up the extranonce1 recorded for
// subscriptionID, or ErrValueNotFound.
func (s *Store) SubscriptionExtraNonce1(subscriptionID [32]byte) ([4]byte, error) {
	var en [4]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSubscriptions).Get(subscriptionRowKey(subscriptionID))
		if v == nil || len(v) < 4 {
			return MakeError(ErrValueNotFound, "no subscription with that id")
		}
		copy(en[:], v[:4])
		return nil
	})
	return en, err
}

// InsertSubscription records a fresh extranonce1 under a new random 6-byte
// row key and returns the 32-byte subscription id formed by prefixing it
// with subscriptionMarker.
func (s *Store) InsertSubscription(extraNonce1 [4]byte, randomRowKey func() ([6]byte, error)) ([32]byte, error) {
	var subID [32]byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSubscriptions)
		var rowKey [6]byte
		for attempt := 0; attempt < 8; attempt++ {
			k, err := randomRowKey()
			if err != nil {
				return wrapf(ErrPersistence, "unable to generate subscription id: %v", err)
			}
			if bucket.Get(k[:]) == nil {
				rowKey = k
				break
			}
		}
		value := make([]byte, 4+8)
		copy(value[:4], extraNonce1[:])
		binary.BigEndian.PutUint64(value[4:], uint64(time.Now().Unix()))
		if err := bucket.Put(rowKey[:], value); err != nil {
			return wrapf(ErrPersistence, "unable to persist subscription: %v", err)
		}
		copy(subID[:26], subscriptionMarker[:])
		copy(subID[26:], rowKey[:])
		return nil
	})
	return subID, err
}

// gcSubscriptions deletes subscriptions created before cutoff.
func gcSubscriptions(tx *bolt.Tx, cutoff time.Time) error {
	bucket := tx.Bucket(bucketSubscriptions)
	c := bucket.Cursor()
	var stale [][]byte
	cutoffUnix := uint64(cutoff.Unix())
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(v) < 12 {
			continue
		}
		created := binary.BigEndian.Uint64(v[4:])
		if created < cutoffUnix {
			stale = append(stale, append([]byte{}, k...))
		}
	}
	for _, k := range stale {
		if err := bucket.Delete(k); err != nil {
			return wrapf(ErrPersistence, "unable to gc subscription: %v", err)
		}
	}
	return nil
}

// --- shares ---------------------------------------------------------

func encodeShare(sh *Share) []byte {
	algoBytes := []byte(sh.Algorithm)
	buf := make([]byte, 8+2+len(algoBytes)+1+32+8+8)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], sh.AccountID)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(len(algoBytes)))
	off += 2
	copy(buf[off:], algoBytes)
	off += len(algoBytes)
	if sh.BlockHash != nil {
		buf[off] = 1
		off++
		copy(buf[off:], sh.BlockHash[:])
		off += 32
	} else {
		buf[off] = 0
		off++
		off += 32
	}
	binary.BigEndian.PutUint64(buf[off:], math.Float64bits(sh.Value))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(sh.PayoutID))
	return buf
}

func decodeShare(key, value []byte) (*Share, error) {
	if len(value) < 8+2 {
		return nil, wrapf(ErrPersistence, "corrupt share record")
	}
	off := 0
	accountID := binary.BigEndian.Uint64(value[off:])
	off += 8
	algoLen := int(binary.BigEndian.Uint16(value[off:]))
	off += 2
	if len(value) < off+algoLen+1+32+16 {
		return nil, wrapf(ErrPersistence, "corrupt share record")
	}
	algorithm := string(value[off : off+algoLen])
	off += algoLen
	hasHash := value[off] == 1
	off++
	var blockHash *[32]byte
	if hasHash {
		var h [32]byte
		copy(h[:], value[off:off+32])
		blockHash = &h
	}
	off += 32
	shareValue := math.Float64frombits(binary.BigEndian.Uint64(value[off:]))
	off += 8
	payoutID := int64(binary.BigEndian.Uint64(value[off:]))
	return &Share{
		Time:      keyToTime(key),
		AccountID: accountID,
		Algorithm: algorithm,
		BlockHash: blockHash,
		Value:     shareValue,
		PayoutID:  payoutID,
	}, nil
}

// InsertShare persists a new share row, timestamped with the wall clock at
// insertion. If the clock has not advanced since the previous insert, the
// key is nudged forward by one ULP to preserve the single-writer
// monotonic-primary-key assumption shares rely on for ordering.
func (s *Store) InsertShare(sh *Share) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return insertShareTx(tx, sh)
	})
}

func insertShareTx(tx *bolt.Tx, sh *Share) error {
	bucket := tx.Bucket(bucketShares)
	now := float64(time.Now().UnixNano()) / 1e9
	c := bucket.Cursor()
	if k, _ := c.Last(); k != nil {
		last := keyToTime(k)
		if now <= last {
			now = math.Nextafter(last, math.Inf(1))
		}
	}
	sh.Time = now
	if err := bucket.Put(timeKey(now), encodeShare(sh)); err != nil {
		return wrapf(ErrPersistence, "unable to persist share: %v", err)
	}
	return nil
}

// rangeShares iterates share rows with begin <= time < end in ascending
// time order, calling fn for each until it returns false or an error.
func rangeShares(tx *bolt.Tx, begin, end float64, fn func(sh *Share) (bool, error)) error {
	bucket := tx.Bucket(bucketShares)
	c := bucket.Cursor()
	for k, v := c.Seek(timeKey(begin)); k != nil && keyToTime(k) < end; k, v = c.Next() {
		sh, err := decodeShare(k, v)
		if err != nil {
			return err
		}
		cont, err := fn(sh)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// rangeSharesDesc iterates every share row, newest first.
func rangeSharesDesc(tx *bolt.Tx, fn func(sh *Share) (bool, error)) error {
	bucket := tx.Bucket(bucketShares)
	c := bucket.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		sh, err := decodeShare(k, v)
		if err != nil {
			return err
		}
		cont, err := fn(sh)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// TotalUnpaidShares sums share values in [begin, end) with payout_id < 1.
// Matching the source's adopted reading of its own edge case, absence of
// matching rows returns 0 rather than an error; raiseOnEmpty is accepted
// but purely advisory (only affects the logged message).
func (s *Store) TotalUnpaidShares(begin, end float64, raiseOnEmpty bool) (float64, error) {
	var total float64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		return rangeShares(tx, begin, end, func(sh *Share) (bool, error) {
			if sh.PayoutID < 1 {
				total += sh.Value
				found = true
			}
			return true, nil
		})
	})
	if err != nil {
		return 0, err
	}
	if !found && raiseOnEmpty {
		log.Debugf("no total share info %v -> %v", begin, end)
	}
	return total, nil
}

// AccountUnpaidShares sums one account's unpaid share values in
// [begin, end).
func (s *Store) AccountUnpaidShares(begin, end float64, accountID uint64) (float64, error) {
	var total float64
	err := s.db.View(func(tx *bolt.Tx) error {
		return rangeShares(tx, begin, end, func(sh *Share) (bool, error) {
			if sh.PayoutID < 1 && sh.AccountID == accountID {
				total += sh.Value
			}
			return true, nil
		})
	})
	return total, err
}

// DistributionShares groups share values by account for one algorithm in
// [begin, end).
func (s *Store) DistributionShares(begin, end float64, algorithm string) (map[uint64]float64, error) {
	dist := make(map[uint64]float64)
	err := s.db.View(func(tx *bolt.Tx) error {
		return rangeShares(tx, begin, end, func(sh *Share) (bool, error) {
			if sh.Algorithm == algorithm {
				dist[sh.AccountID] += sh.Value
			}
			return true, nil
		})
	})
	return dist, err
}

// RelatedAccounts returns the distinct account ids with shares in
// [begin, end).
func (s *Store) RelatedAccounts(begin, end float64) ([]uint64, error) {
	seen := make(map[uint64]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		return rangeShares(tx, begin, end, func(sh *Share) (bool, error) {
			seen[sh.AccountID] = struct{}{}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// RelatedBlockHashes returns the distinct non-nil block hashes with shares
// in [begin, end).
func (s *Store) RelatedBlockHashes(begin, end float64) ([][32]byte, error) {
	seen := make(map[[32]byte]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		return rangeShares(tx, begin, end, func(sh *Share) (bool, error) {
			if sh.BlockHash != nil {
				seen[*sh.BlockHash] = struct{}{}
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	return out, nil
}

// LastUnpaidTime scans shares in descending time order and returns the
// oldest contiguous unpaid time before the first paid row. ok is false
// when the newest share is already paid (no open window, not an error).
// err is ErrValueNotFound only when the store has no shares at all.
func (s *Store) LastUnpaidTime() (t float64, ok bool, err error) {
	var beforeTime float64
	sawAny := false
	sawUnpaid := false
	err = s.db.View(func(tx *bolt.Tx) error {
		return rangeSharesDesc(tx, func(sh *Share) (bool, error) {
			sawAny = true
			if sh.PayoutID != 0 {
				return false, nil
			}
			beforeTime = sh.Time
			sawUnpaid = true
			return true, nil
		})
	})
	if err != nil {
		return 0, false, err
	}
	if !sawAny {
		return 0, false, MakeError(ErrValueNotFound, "no share recorded")
	}
	return beforeTime, sawUnpaid, nil
}

// MinedShare pairs a share's time with the block it solved, as yielded by
// IterMinedSharesDesc.
type MinedShare struct {
	Time      float64
	BlockHash [32]byte
}

// IterMinedSharesDesc walks shares newest-first, stopping at the first
// paid row, invoking fn for every row with a non-null block hash.
func (s *Store) IterMinedSharesDesc(fn func(MinedShare) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return rangeSharesDesc(tx, func(sh *Share) (bool, error) {
			if sh.PayoutID != 0 {
				return false, nil
			}
			if sh.BlockHash == nil {
				return true, nil
			}
			return fn(MinedShare{Time: sh.Time, BlockHash: *sh.BlockHash})
		})
	})
}

// MarkSharesPaidTx updates every unpaid share in [begin, end) belonging to
// one of accounts to payoutID, inside an already-open transaction.
func MarkSharesPaidTx(tx *bolt.Tx, payoutID int64, begin, end float64, accounts []uint64) error {
	want := make(map[uint64]struct{}, len(accounts))
	for _, a := range accounts {
		want[a] = struct{}{}
	}
	bucket := tx.Bucket(bucketShares)
	c := bucket.Cursor()
	for k, v := c.Seek(timeKey(begin)); k != nil && keyToTime(k) < end; k, v = c.Next() {
		sh, err := decodeShare(k, v)
		if err != nil {
			return err
		}
		if sh.PayoutID != 0 {
			continue
		}
		if _, ok := want[sh.AccountID]; !ok {
			continue
		}
		sh.PayoutID = payoutID
		if err := bucket.Put(append([]byte{}, k...), encodeShare(sh)); err != nil {
			return wrapf(ErrPersistence, "unable to mark share paid: %v", err)
		}
	}
	return nil
}

// RevertPaidSharesTx is the inverse of MarkSharesPaidTx: every share in
// [begin, end) with payout_id == payoutID reverts to payout_id == 0.
func RevertPaidSharesTx(tx *bolt.Tx, begin, end float64, payoutID int64) error {
	bucket := tx.Bucket(bucketShares)
	c := bucket.Cursor()
	for k, v := c.Seek(timeKey(begin)); k != nil && keyToTime(k) < end; k, v = c.Next() {
		sh, err := decodeShare(k, v)
		if err != nil {
			return err
		}
		if sh.PayoutID != payoutID {
			continue
		}
		sh.PayoutID = 0
		if err := bucket.Put(append([]byte{}, k...), encodeShare(sh)); err != nil {
			return wrapf(ErrPersistence, "unable to revert paid share: %v", err)
		}
	}
	return nil
}

// gcShares deletes every share row older than cutoff.
func gcShares(tx *bolt.Tx, cutoff float64) error {
	bucket := tx.Bucket(bucketShares)
	c := bucket.Cursor()
	var stale [][]byte
	for k, _ := c.First(); k != nil && keyToTime(k) < cutoff; k, _ = c.Next() {
		stale = append(stale, append([]byte{}, k...))
	}
	for _, k := range stale {
		if err := bucket.Delete(k); err != nil {
			return wrapf(ErrPersistence, "unable to gc share: %v", err)
		}
	}
	return nil
}

// --- payouts -----------------------------------------------------------

func encodePayout(p *Payout) []byte {
	buf := make([]byte, 32+8+8+8+8)
	copy(buf[0:32], p.TxHash[:])
	binary.BigEndian.PutUint64(buf[32:40], uint64(p.Amount))
	binary.BigEndian.PutUint64(buf[40:48], math.Float64bits(p.Begin))
	binary.BigEndian.PutUint64(buf[48:56], math.Float64bits(p.End))
	binary.BigEndian.PutUint64(buf[56:64], uint64(p.Time.Unix()))
	return buf
}

func decodePayout(id int64, v []byte) *Payout {
	p := &Payout{ID: id}
	copy(p.TxHash[:], v[0:32])
	p.Amount = int64(binary.BigEndian.Uint64(v[32:40]))
	p.Begin = math.Float64frombits(binary.BigEndian.Uint64(v[40:48]))
	p.End = math.Float64frombits(binary.BigEndian.Uint64(v[48:56]))
	p.Time = time.Unix(int64(binary.BigEndian.Uint64(v[56:64])), 0)
	return p
}

// InsertPayoutTx records a new payout row inside an already-open
// transaction and returns its id.
func InsertPayoutTx(tx *bolt.Tx, txHash [32]byte, amount int64, begin, end float64) (int64, error) {
	bucket := tx.Bucket(bucketPayouts)
	seq, err := bucket.NextSequence()
	if err != nil {
		return 0, wrapf(ErrPersistence, "unable to allocate payout id: %v", err)
	}
	p := &Payout{ID: int64(seq), TxHash: txHash, Amount: amount, Begin: begin, End: end, Time: time.Now()}
	if err := bucket.Put(u64ToBytes(seq), encodePayout(p)); err != nil {
		return 0, wrapf(ErrPersistence, "unable to persist payout: %v", err)
	}
	byHash := tx.Bucket(bucketPayoutsByTxHash)
	if err := byHash.Put(txHash[:], u64ToBytes(seq)); err != nil {
		return 0, wrapf(ErrPersistence, "unable to index payout: %v", err)
	}
	return p.ID, nil
}

// PayoutByID looks up a payout row by id.
func (s *Store) PayoutByID(id int64) (*Payout, error) {
	var p *Payout
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPayouts).Get(u64ToBytes(uint64(id)))
		if v == nil {
			return wrapf(ErrValueNotFound, "not found payout id=%d", id)
		}
		p = decodePayout(id, v)
		return nil
	})
	return p, err
}

// PayoutByTxHash looks up a payout row by its transaction hash.
func (s *Store) PayoutByTxHash(txHash [32]byte) (*Payout, error) {
	var p *Payout
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketPayoutsByTxHash).Get(txHash[:])
		if idBytes == nil {
			return wrapf(ErrValueNotFound, "not found txhash %x", txHash)
		}
		id := int64(bytesToU64(idBytes))
		v := tx.Bucket(bucketPayouts).Get(u64ToBytes(uint64(id)))
		if v == nil {
			return wrapf(ErrValueNotFound, "not found payout id=%d", id)
		}
		p = decodePayout(id, v)
		return nil
	})
	return p, err
}

// --- garbage collection --------------------------------------------------

// GC deletes subscriptions and shares older than retention, run
// periodically by the gc loop.
func (s *Store) GC(retention time.Duration) error {
	cutoffWall := time.Now().Add(-retention)
	cutoffShare := float64(cutoffWall.Unix())
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := gcSubscriptions(tx, cutoffWall); err != nil {
			return err
		}
		return gcShares(tx, cutoffShare)
	})
}

// accountSeed derives a stable 6-byte value from an input for tests that
// need a deterministic, collision-free randomRowKey function without
// touching crypto/rand.
func accountSeed(seed []byte) [6]byte {
	sum := sha256.Sum256(seed)
	var out [6]byte
	copy(out[:], sum[:6])
	return out
}
