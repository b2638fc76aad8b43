// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"testing"
	"time"
)

func newTestJob(id uint64, algorithm string, bits uint32) *Job {
	return &Job{
		ID:        id,
		Coinbase1: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		Version:   1,
		Bits:      bits,
		NTime:     uint32(time.Now().Unix()),
		Height:    100,
		Algorithm: algorithm,
		CreatedAt: time.Now(),
	}
}

// hardBits encodes a compact target of exactly 1, effectively unminable,
// so BuildSubmit's mined branch can be exercised as always-false.
const hardBits = 0x03000001

func TestJobDifficultyMatchesDefaultTargetRatio(t *testing.T) {
	j := newTestJob(1, "sha256d", hardBits)
	diff := j.Difficulty()
	if diff <= 1 {
		t.Fatalf("expected a hard target to report difficulty > 1, got %v", diff)
	}
}

func TestBuildSubmitSharedNotMined(t *testing.T) {
	j := newTestJob(1, "sha256d", hardBits)

	var en1, en2, nonce [4]byte
	en1 = [4]byte{0xde, 0xad, 0xbe, 0xef}

	// A share difficulty this small inflates the share target far past the
	// maximum possible 256-bit hash, so Shared is guaranteed true
	// regardless of the actual work hash value, while hardBits' target of
	// 1 makes Mined guaranteed false.
	res, err := j.BuildSubmit(en1, en2, nonce, j.NTime, 1e-30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mined {
		t.Fatalf("expected Mined = false against an unminable target")
	}
	if !res.Shared {
		t.Fatalf("expected Shared = true against a vanishingly small share difficulty")
	}
	if res.Duplicate {
		t.Fatalf("expected the first submission for a given header not to be a duplicate")
	}
	if res.SubmitBytes != nil {
		t.Fatalf("expected SubmitBytes to stay nil when Mined is false")
	}
}

func TestBuildSubmitDuplicateDetection(t *testing.T) {
	j := newTestJob(1, "sha256d", hardBits)

	var en1, en2, nonce [4]byte
	en1 = [4]byte{0x01, 0x02, 0x03, 0x04}

	// A share difficulty of 1e-30 puts the share target above every
	// possible work hash, so both submissions count as accepted shares.
	first, err := j.BuildSubmit(en1, en2, nonce, j.NTime, 1e-30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first submission should not be flagged duplicate")
	}

	second, err := j.BuildSubmit(en1, en2, nonce, j.NTime, 1e-30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("resubmitting identical parameters should be flagged duplicate")
	}
}

func TestBuildSubmitUnknownAlgorithmErrors(t *testing.T) {
	j := newTestJob(1, "not-a-real-algorithm", hardBits)
	var en1, en2, nonce [4]byte
	if _, err := j.BuildSubmit(en1, en2, nonce, j.NTime, 1); err == nil {
		t.Fatalf("expected an error for an unregistered algorithm")
	}
}

func TestJobCacheByIDAndBest(t *testing.T) {
	jc := &JobCache{jobs: make(map[uint64]*Job)}

	older := newTestJob(1, "sha256d", hardBits)
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := newTestJob(2, "sha256d", hardBits)
	other := newTestJob(3, "scrypt", hardBits)

	jc.jobs[older.ID] = older
	jc.jobs[newer.ID] = newer
	jc.jobs[other.ID] = other

	if got := jc.ByID(2); got != newer {
		t.Fatalf("ByID(2) returned the wrong job")
	}
	if got := jc.ByID(999); got != nil {
		t.Fatalf("expected nil for an unknown job id")
	}
	if got := jc.Best("sha256d"); got != newer {
		t.Fatalf("Best(sha256d) should return the most recently created job")
	}
	if got := jc.Best("nonexistent"); got != nil {
		t.Fatalf("Best for an algorithm with no jobs should be nil")
	}
}

func TestJobCachePrune(t *testing.T) {
	jc := &JobCache{jobs: make(map[uint64]*Job)}

	stale := newTestJob(1, "sha256d", hardBits)
	stale.CreatedAt = time.Now().Add(-time.Hour)
	fresh := newTestJob(2, "sha256d", hardBits)

	jc.jobs[stale.ID] = stale
	jc.jobs[fresh.ID] = fresh

	jc.prune(5 * time.Minute)

	if jc.ByID(1) != nil {
		t.Fatalf("expected the stale job to be pruned")
	}
	if jc.ByID(2) == nil {
		t.Fatalf("expected the fresh job to survive pruning")
	}
}
