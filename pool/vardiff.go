// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"time"
)

// vardiffScheduleSpan is the default tick interval of the variable-
// difficulty controller.
const vardiffScheduleSpan = 75 * time.Second

// vardiffWindow bounds how far back into time_works the weighted mean
// inter-arrival calculation looks.
const vardiffWindow = 15 * time.Minute

// runVardiff ticks the variable-difficulty controller for one session
// until ctx is done, adjusting difficulty toward the session's configured
// submit-target cadence. Its warm-up branch diverges from this pool's
// source material in where the "not enough data yet" cutoff falls — a
// deliberate redesign choice recorded in this repository's design notes.
// min_difficulty is pinned once to one thousandth of the session's starting
// difficulty, not recomputed from the live value each tick, matching the
// source's schedule_dynamic_difficulty.
func runVardiff(ctx context.Context, s *Session) {
	ticker := time.NewTicker(vardiffScheduleSpan)
	defer ticker.Stop()

	state := &vardiffState{minDiff: s.initialDifficultySnapshot() / 1000}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.isOpen() {
				return
			}
			state.tick(s)
		}
	}
}

// vardiffState carries the bias memoized across ticks of one session's
// controller (schedule_dynamic_difficulty keeps this as closure state).
type vardiffState struct {
	minDiff      float64
	lastBias     float64
	haveLastBias bool
}

// tick runs one vardiff evaluation for s, split out of runVardiff's loop so
// it can be driven directly by tests without waiting on vardiffScheduleSpan.
func (v *vardiffState) tick(s *Session) {
	if !s.isSubscribed() {
		return
	}

	timeWorks := s.snapshotTimeWorks()
	if len(timeWorks) < 2 {
		return
	}

	currentDiff := s.currentDifficulty()

	var newDiff float64
	act := true

	switch {
	case len(timeWorks) < 10:
		newDiff = currentDiff * 0.5

	default:
		realSpan, ok := weightedMeanInterArrival(timeWorks, vardiffWindow)
		if !ok {
			newDiff = currentDiff * 0.7
		} else {
			bias := s.submitTargetSpan.Seconds() / maxFloat(1, realSpan)
			if v.haveLastBias && bias == v.lastBias {
				act = false
			} else if bias > 0.90 && bias < 1.10 {
				act = false
			} else {
				newDiff = currentDiff * clamp(bias, 0.7, 1.3)
			}
			v.lastBias = bias
			v.haveLastBias = true
		}
	}

	if !act {
		return
	}
	if newDiff < v.minDiff {
		return
	}
	s.setDifficulty(newDiff)
}

// vardiffTick runs a single, state-free vardiff evaluation for s, pinning
// min_difficulty to one thousandth of s's own starting difficulty. Used
// directly by tests;
// runVardiff's loop uses vardiffState to additionally memoize bias across
// ticks.
func vardiffTick(s *Session) {
	state := &vardiffState{minDiff: s.initialDifficultySnapshot() / 1000}
	state.tick(s)
}

// weightedMeanInterArrival computes the index-weighted mean inter-arrival
// time across timeWorks entries newer than now-window, mirroring the
// source's average_submit_span: each gap is weighted by its position in
// the filtered sequence.
func weightedMeanInterArrival(timeWorks []timeWork, window time.Duration) (float64, bool) {
	cutoff := float64(time.Now().Add(-window).Unix())

	var filtered []timeWork
	for _, tw := range timeWorks {
		if tw.submitTime > cutoff {
			filtered = append(filtered, tw)
		}
	}

	if len(filtered) == 0 {
		return 0, false
	}

	var real float64
	var divide int
	oldTime := filtered[0].submitTime
	for index, tw := range filtered {
		real += (tw.submitTime - oldTime) * float64(index)
		divide += index
		oldTime = tw.submitTime
	}
	if divide == 0 {
		return 0, false
	}
	return real / float64(divide), true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
