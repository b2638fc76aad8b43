// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"testing"
)

func TestStatusRecorderLatestNilBeforeRecode(t *testing.T) {
	store := setupStore(t)
	defer teardownStore(t, store)

	registry := NewSessionRegistry()
	jobCache := &JobCache{jobs: make(map[uint64]*Job)}
	r := NewStatusRecorder(registry, jobCache, store, []string{"sha256d"})

	if got := r.Latest(); got != nil {
		t.Fatalf("expected nil status before the first Recode, got %+v", got)
	}
}

func TestStatusRecorderRecodeEmptyPool(t *testing.T) {
	store := setupStore(t)
	defer teardownStore(t, store)

	registry := NewSessionRegistry()
	jobCache := &JobCache{jobs: make(map[uint64]*Job)}
	r := NewStatusRecorder(registry, jobCache, store, []string{"sha256d", "scrypt"})

	if err := r.Recode(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status := r.Latest()
	if status == nil {
		t.Fatalf("expected a status after Recode")
	}
	if len(status.PerAlgorithm) != 2 {
		t.Fatalf("expected 2 per-algorithm entries, got %d", len(status.PerAlgorithm))
	}
	for _, a := range status.PerAlgorithm {
		if a.Workers != 0 || a.PoolHashrate != 0 {
			t.Fatalf("expected an empty registry to report zero workers/hashrate, got %+v", a)
		}
	}
	if status.WindowShare != 0 {
		t.Fatalf("expected zero window share with no recorded shares, got %v", status.WindowShare)
	}
}

func TestStatusRecorderRecodeReflectsBestJobDifficulty(t *testing.T) {
	store := setupStore(t)
	defer teardownStore(t, store)

	registry := NewSessionRegistry()
	jobCache := &JobCache{jobs: make(map[uint64]*Job)}
	jobCache.jobs[1] = newTestJob(1, "sha256d", hardBits)

	r := NewStatusRecorder(registry, jobCache, store, []string{"sha256d"})
	if err := r.Recode(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status := r.Latest()
	if len(status.PerAlgorithm) != 1 {
		t.Fatalf("expected 1 per-algorithm entry, got %d", len(status.PerAlgorithm))
	}
	if status.PerAlgorithm[0].NetworkHashrate <= 0 {
		t.Fatalf("expected a positive network hashrate derived from the best job's difficulty")
	}
}
