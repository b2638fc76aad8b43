// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"sync"
	"time"
)

// networkHashrateConstant converts a difficulty figure into an estimated
// hashrate, the same conversion the source's hashrate_str-adjacent code
// applies to a block's reported difficulty.
const networkHashrateConstant = 7158278.8

// statusWindow bounds how far back WindowShare looks when summing share
// value across every algorithm, paid and unpaid alike.
const statusWindow = 10 * time.Minute

// StatusRecorder periodically snapshots a pool-wide view of worker counts
// and hashrates, grounded on the source's auto_pool_status_recode. It only
// produces and retains snapshots; serving them to a dashboard or explorer
// is outside this pool's scope.
type StatusRecorder struct {
	registry   *SessionRegistry
	jobCache   *JobCache
	store      *Store
	algorithms []string

	mtx    sync.RWMutex
	latest *PoolStatus
}

// NewStatusRecorder builds a recorder over registry/jobCache/store for the
// given set of algorithms.
func NewStatusRecorder(registry *SessionRegistry, jobCache *JobCache, store *Store, algorithms []string) *StatusRecorder {
	return &StatusRecorder{registry: registry, jobCache: jobCache, store: store, algorithms: algorithms}
}

// Latest returns the most recently recorded PoolStatus, or nil if Recode
// has never run.
func (r *StatusRecorder) Latest() *PoolStatus {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.latest
}

// Recode rebuilds the PoolStatus snapshot from live session state and the
// current best job of each algorithm.
func (r *StatusRecorder) Recode() error {
	counts := r.registry.Count()
	hashrates := r.registry.Hashrates()

	end := float64(time.Now().Unix())
	begin := end - statusWindow.Seconds()

	perAlgorithm := make([]AlgorithmPoolStatus, 0, len(r.algorithms))
	var windowShare float64
	for _, algo := range r.algorithms {
		var networkHashrate float64
		if job := r.jobCache.Best(algo); job != nil {
			networkHashrate = job.Difficulty() * networkHashrateConstant
		}
		perAlgorithm = append(perAlgorithm, AlgorithmPoolStatus{
			Algorithm:       algo,
			Workers:         counts[algo],
			PoolHashrate:    hashrates[algo],
			NetworkHashrate: networkHashrate,
		})

		total, err := r.store.DistributionShares(begin, end, algo)
		if err != nil {
			return err
		}
		for _, share := range total {
			windowShare += share
		}
	}

	status := &PoolStatus{
		Time:         time.Now(),
		PerAlgorithm: perAlgorithm,
		WindowShare:  windowShare,
	}
	r.mtx.Lock()
	r.latest = status
	r.mtx.Unlock()
	return nil
}

// Run ticks Recode every interval until ctx is done.
func (r *StatusRecorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Recode(); err != nil {
				log.Errorf("status recode failed: %v", err)
			}
		}
	}
}
