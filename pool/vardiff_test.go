// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"testing"
	"time"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		v, lo, hi, want float64
	}{
		{0.5, 0.7, 1.3, 0.7},
		{5, 0.7, 1.3, 1.3},
		{1.1, 0.7, 1.3, 1.1},
	}
	for _, tc := range tests {
		if got := clamp(tc.v, tc.lo, tc.hi); got != tc.want {
			t.Errorf("clamp(%v, %v, %v) = %v, want %v", tc.v, tc.lo, tc.hi, got, tc.want)
		}
	}
}

func TestMaxFloat(t *testing.T) {
	if got := maxFloat(1, 2); got != 2 {
		t.Errorf("maxFloat(1, 2) = %v, want 2", got)
	}
	if got := maxFloat(3, 2); got != 3 {
		t.Errorf("maxFloat(3, 2) = %v, want 3", got)
	}
}

func TestWeightedMeanInterArrivalEmpty(t *testing.T) {
	if _, ok := weightedMeanInterArrival(nil, vardiffWindow); ok {
		t.Fatalf("expected no result for an empty sample set")
	}
}

func TestWeightedMeanInterArrivalSingleSample(t *testing.T) {
	now := float64(time.Now().Unix())
	samples := []timeWork{{submitTime: now, difficulty: 1}}
	if _, ok := weightedMeanInterArrival(samples, vardiffWindow); ok {
		t.Fatalf("a single sample has no inter-arrival gap to weight, want ok=false")
	}
}

func TestWeightedMeanInterArrivalEvenSpacing(t *testing.T) {
	now := float64(time.Now().Unix())
	var samples []timeWork
	for i := 0; i < 5; i++ {
		samples = append(samples, timeWork{submitTime: now - float64((4-i)*10), difficulty: 1})
	}
	mean, ok := weightedMeanInterArrival(samples, vardiffWindow)
	if !ok {
		t.Fatalf("expected a result for evenly spaced samples")
	}
	// Every gap is exactly 10 seconds, so the index-weighted mean must
	// also land on 10 regardless of the weighting scheme.
	if mean < 9.999 || mean > 10.001 {
		t.Fatalf("weightedMeanInterArrival = %v, want ~10", mean)
	}
}

func TestWeightedMeanInterArrivalIgnoresStaleSamples(t *testing.T) {
	now := float64(time.Now().Unix())
	samples := []timeWork{
		{submitTime: now - vardiffWindow.Seconds()*10, difficulty: 1},
		{submitTime: now - 20, difficulty: 1},
		{submitTime: now - 10, difficulty: 1},
		{submitTime: now, difficulty: 1},
	}
	mean, ok := weightedMeanInterArrival(samples, vardiffWindow)
	if !ok {
		t.Fatalf("expected a result once stale samples are filtered out")
	}
	if mean < 9.999 || mean > 10.001 {
		t.Fatalf("weightedMeanInterArrival = %v, want ~10 after dropping the stale sample", mean)
	}
}

// TestRunVardiffWarmupHalvesDifficulty exercises the <10-samples branch: the
// controller should halve the live difficulty rather than wait for a full
// window, per the redesign note in runVardiff's doc comment.
func TestRunVardiffWarmupHalvesDifficulty(t *testing.T) {
	s := newTestSession(t, "scrypt", 1000)
	s.mtx.Lock()
	s.subscribed = true
	s.mtx.Unlock()

	now := float64(time.Now().Unix())
	for i := 0; i < 5; i++ {
		s.recordSubmit(timeWork{submitTime: now - float64(i), difficulty: 1000})
	}
	s.submitTargetSpan = 30 * time.Second

	before := s.currentDifficulty()
	vardiffTick(s)
	after := s.currentDifficulty()
	if after != before*0.5 {
		t.Fatalf("warm-up tick: currentDifficulty = %v, want %v (halved)", after, before*0.5)
	}
}

// TestRunVardiffNeverDropsBelowPinnedMinimum confirms min_difficulty stays
// pinned to one thousandth of the session's starting difficulty: a
// lowering tick at that floor leaves the difficulty unchanged, matching
// schedule_dynamic_difficulty.
func TestRunVardiffNeverDropsBelowPinnedMinimum(t *testing.T) {
	s := newTestSession(t, "scrypt", 1000)
	s.mtx.Lock()
	s.subscribed = true
	s.mtx.Unlock()
	s.submitTargetSpan = 30 * time.Second

	minDiff := s.initialDifficultySnapshot() / 1000
	s.setDifficulty(minDiff) // already at the floor

	now := float64(time.Now().Unix())
	for i := 0; i < 5; i++ {
		s.recordSubmit(timeWork{submitTime: now - float64(i), difficulty: minDiff})
	}

	vardiffTick(s)
	if got := s.currentDifficulty(); got != minDiff {
		t.Fatalf("currentDifficulty = %v, want unchanged floor %v", got, minDiff)
	}
}
