// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/nyxstratum/pool/pool/chainutil"
)

// defaultTarget is the difficulty-1 target shared by every algorithm this
// pool serves, used to convert a fixed share difficulty into the integer
// target pow_check compares a work hash against.
var defaultTarget = func() *big.Int {
	t, _ := new(big.Int).SetString("ffff0000000000000000000000000000000000000000000000000000", 16)
	return t
}()

// Transaction is one non-coinbase transaction offered by a block template,
// carried forward unparsed for inclusion in a mined block's submit payload.
type Transaction struct {
	Hash [32]byte
	Data []byte
}

// Job is an immutable unit of work handed to miners via mining.notify.
// coinbase2 is always empty; the node's own template already appends the
// dummy trailer this pool never varies.
type Job struct {
	ID           uint64
	PreviousHash [32]byte
	Coinbase1    []byte
	Unconfirmed  []Transaction
	MerkleBranch [][32]byte
	Version      uint32
	Bits         uint32
	NTime        uint32
	Height       uint32
	Algorithm    string
	CreatedAt    time.Time

	mtx          sync.Mutex
	submitHashes map[[32]byte]struct{}
}

// Difficulty reports the network difficulty this job's target represents,
// relative to defaultTarget.
func (j *Job) Difficulty() float64 {
	target := chainutil.CompactToBig(j.Bits)
	if target.Sign() <= 0 {
		return 0
	}
	num := new(big.Rat).SetInt(defaultTarget)
	den := new(big.Rat).SetInt(target)
	f, _ := new(big.Rat).Quo(num, den).Float64()
	return f
}

// seenHash reports whether hash was already claimed for this job, and
// records it if not, atomically.
func (j *Job) seenHash(hash [32]byte) bool {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	if j.submitHashes == nil {
		j.submitHashes = make(map[[32]byte]struct{})
	}
	if _, ok := j.submitHashes[hash]; ok {
		return true
	}
	j.submitHashes[hash] = struct{}{}
	return false
}

// SubmitResult is the outcome of reconstructing and validating one
// mining.submit against a Job.
type SubmitResult struct {
	Block       *chainutil.Block
	BlockHash   [32]byte
	WorkHash    [32]byte
	Mined       bool
	Shared      bool
	Duplicate   bool
	SubmitBytes []byte // populated only when Mined
}

// BuildSubmit reconstructs the coinbase, header, and merkle root for one
// mining.submit and classifies it against the network target and the
// miner's fixed share target, the Go analogue of the source's
// get_submit_data.
func (j *Job) BuildSubmit(extraNonce1, extraNonce2 [4]byte, nonce [4]byte, nTime uint32, shareDifficulty float64) (*SubmitResult, error) {
	coinbase := make([]byte, 0, len(j.Coinbase1)+8)
	coinbase = append(coinbase, j.Coinbase1...)
	coinbase = append(coinbase, extraNonce1[:]...)
	coinbase = append(coinbase, extraNonce2[:]...)
	coinbaseHash := chainutil.DoubleSHA256(coinbase)

	merkleRoot := chainutil.MerkleRootFromBranch(coinbaseHash, j.MerkleBranch)

	block := &chainutil.Block{
		Version:      j.Version,
		PreviousHash: j.PreviousHash,
		MerkleRoot:   merkleRoot,
		Time:         nTime,
		Bits:         j.Bits,
		Nonce:        binaryLEUint32(nonce),
		Height:       j.Height,
		Algorithm:    j.Algorithm,
	}

	workHash, err := block.WorkHash()
	if err != nil {
		return nil, err
	}
	blockHash := block.Hash()

	networkTarget := block.Target()
	workBig := chainutil.HashToBig(workHash)
	mined := networkTarget.Sign() > 0 && workBig.Cmp(networkTarget) <= 0

	shareTarget := shareTargetFromDifficulty(shareDifficulty)
	shared := shareTarget.Sign() > 0 && workBig.Cmp(shareTarget) <= 0

	res := &SubmitResult{
		Block:     block,
		BlockHash: blockHash,
		WorkHash:  workHash,
		Mined:     mined,
		Shared:    shared,
	}

	if mined || shared {
		if j.seenHash(blockHash) {
			res.Duplicate = true
			return res, nil
		}
	}

	if mined {
		res.SubmitBytes = j.assembleSubmission(coinbase, block)
	}
	return res, nil
}

// shareTargetFromDifficulty converts a fixed share difficulty into the
// integer target pow_check compares a work hash against: floor(defaultTarget / difficulty).
func shareTargetFromDifficulty(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return big.NewInt(0)
	}
	num := new(big.Rat).SetInt(defaultTarget)
	q := new(big.Rat).Quo(num, new(big.Rat).SetFloat64(difficulty))
	return new(big.Int).Quo(q.Num(), q.Denom())
}

// assembleSubmission builds the raw bytes the upstream node's submitblock
// expects: header, CompactSize transaction count, coinbase, then every
// other transaction's raw bytes in template order.
func (j *Job) assembleSubmission(coinbase []byte, block *chainutil.Block) []byte {
	out := make([]byte, 0, chainutil.HeaderSize+len(coinbase)+1024)
	out = append(out, block.Header()...)
	txCount := uint64(len(j.Unconfirmed) + 1)
	out = append(out, chainutil.EncodeCompactSize(txCount)...)
	out = append(out, coinbase...)
	for _, tx := range j.Unconfirmed {
		out = append(out, tx.Data...)
	}
	return out
}

func binaryLEUint32(b [4]byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// hexDecodeString decodes an even-length hex string.
func hexDecodeString(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// hexReverse32 decodes a 64-character hex string and byte-reverses it,
// the convention block explorers and node RPCs use for displaying hashes.
func hexReverse32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, wrapf(ErrUpstreamTransient, "expected 32-byte hash, got %d bytes", len(b))
	}
	for i := 0; i < 32; i++ {
		out[i] = b[31-i]
	}
	return out, nil
}

// hexUint32BE decodes a big-endian hex-encoded nBits field.
func hexUint32BE(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, wrapf(ErrUpstreamTransient, "expected 4-byte bits field, got %d bytes", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// maxCachedJobs caps how many jobs a JobCache holds at once.
const maxCachedJobs = 2000

// JobCache tracks every live job per algorithm, the way the source's
// ExpiringDict does (spec.md §4.C): AddNewJob evicts the oldest job once
// maxCachedJobs are held, and the Housekeeper prunes jobs older than
// jobPruneAge.
type JobCache struct {
	cfg      *Config
	upstream *UpstreamClient
	store    *Store
	dist     *DistributionTracker

	mtx    sync.RWMutex
	nextID uint64
	jobs   map[uint64]*Job
}

// NewJobCache builds a cache wired to the given upstream client, store,
// and distribution tracker (used only in coinbase-split payout mode).
func NewJobCache(cfg *Config, upstream *UpstreamClient, store *Store, dist *DistributionTracker) *JobCache {
	return &JobCache{
		cfg:      cfg,
		upstream: upstream,
		store:    store,
		dist:     dist,
		jobs:     make(map[uint64]*Job),
	}
}

// ByID returns a job by id, or nil if it has aged out of the cache.
func (jc *JobCache) ByID(id uint64) *Job {
	jc.mtx.RLock()
	defer jc.mtx.RUnlock()
	return jc.jobs[id]
}

// Best returns the most recently created job for algorithm, or nil.
func (jc *JobCache) Best(algorithm string) *Job {
	jc.mtx.RLock()
	defer jc.mtx.RUnlock()
	var best *Job
	for _, j := range jc.jobs {
		if j.Algorithm != algorithm {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	return best
}

// prune drops jobs older than span, the bounded-lifetime behaviour the
// source gets for free from ExpiringDict(max_age_seconds=300).
func (jc *JobCache) prune(span time.Duration) {
	cutoff := time.Now().Add(-span)
	jc.mtx.Lock()
	defer jc.mtx.Unlock()
	for id, j := range jc.jobs {
		if j.CreatedAt.Before(cutoff) {
			delete(jc.jobs, id)
		}
	}
}

// AddNewJob builds the next job for algorithm, either from a fresh block
// template (forceRenew, or no prior job exists) or by timestamp-rolling
// the previous job forward.
func (jc *JobCache) AddNewJob(ctx context.Context, algorithm string, forceRenew bool) (*Job, error) {
	jc.mtx.Lock()
	defer jc.mtx.Unlock()

	jc.nextID++
	id := jc.nextID

	latest := jc.bestLocked(algorithm)

	var j *Job
	if forceRenew || latest == nil {
		tmpl, err := jc.upstream.GetBlockTemplate(ctx, []string{"segwit"})
		if err != nil {
			return nil, err
		}
		j, err = jobFromTemplate(id, algorithm, tmpl)
		if err != nil {
			return nil, err
		}
		if jc.cfg.PayoutMethod == PayoutMethodCoinbase && jc.dist != nil {
			j.Coinbase1 = jc.dist.RewriteCoinbase(algorithm, j.Coinbase1, jc.cfg.ExtraOutputFee)
		}
	} else {
		elapsed := time.Since(latest.CreatedAt)
		j = &Job{
			ID:           id,
			PreviousHash: latest.PreviousHash,
			Coinbase1:    latest.Coinbase1,
			Unconfirmed:  latest.Unconfirmed,
			MerkleBranch: latest.MerkleBranch,
			Version:      latest.Version,
			Bits:         latest.Bits,
			NTime:        latest.NTime + uint32(elapsed.Seconds()),
			Height:       latest.Height,
			Algorithm:    algorithm,
			CreatedAt:    time.Now(),
		}
	}

	if len(jc.jobs) >= maxCachedJobs {
		var oldestID uint64
		var oldest *Job
		for oid, oj := range jc.jobs {
			if oldest == nil || oj.CreatedAt.Before(oldest.CreatedAt) {
				oldestID, oldest = oid, oj
			}
		}
		delete(jc.jobs, oldestID)
	}
	jc.jobs[id] = j
	return j, nil
}

func (jc *JobCache) bestLocked(algorithm string) *Job {
	var best *Job
	for _, j := range jc.jobs {
		if j.Algorithm != algorithm {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	return best
}

func jobFromTemplate(id uint64, algorithm string, tmpl *BlockTemplate) (*Job, error) {
	prevHash, err := hexReverse32(tmpl.PreviousHash)
	if err != nil {
		return nil, wrapf(ErrUpstreamTransient, "malformed previousblockhash: %v", err)
	}
	bits, err := hexUint32BE(tmpl.Bits)
	if err != nil {
		return nil, wrapf(ErrUpstreamTransient, "malformed bits: %v", err)
	}

	unconfirmed := make([]Transaction, 0, len(tmpl.Transactions))
	leaves := make([][32]byte, 0, len(tmpl.Transactions))
	for _, tx := range tmpl.Transactions {
		h, err := hexReverse32(tx.Hash)
		if err != nil {
			return nil, wrapf(ErrUpstreamTransient, "malformed tx hash: %v", err)
		}
		data, err := hexDecodeString(tx.Data)
		if err != nil {
			return nil, wrapf(ErrUpstreamTransient, "malformed tx data: %v", err)
		}
		unconfirmed = append(unconfirmed, Transaction{Hash: h, Data: data})
		leaves = append(leaves, h)
	}

	j := &Job{
		ID:           id,
		PreviousHash: prevHash,
		Unconfirmed:  unconfirmed,
		MerkleBranch: chainutil.MerkleBranch(leaves),
		Version:      uint32(tmpl.Version),
		Bits:         bits,
		NTime:        uint32(tmpl.CurTime),
		Height:       uint32(tmpl.Height),
		Algorithm:    algorithm,
		CreatedAt:    time.Now(),
	}

	coinbase, err := hexDecodeString(tmpl.CoinbaseTxn.Data)
	if err != nil {
		return nil, wrapf(ErrUpstreamTransient, "malformed coinbase data: %v", err)
	}
	if len(coinbase) < 8 {
		return nil, wrapf(ErrUpstreamTransient, "coinbase too short for extranonce split")
	}
	j.Coinbase1 = coinbase[:len(coinbase)-8]
	return j, nil
}
