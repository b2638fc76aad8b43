// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"time"
)

// gcInterval is how often the store's retention sweep and the rate
// limiter's idle-entry sweep run.
const gcInterval = 1 * time.Hour

// jobPruneInterval is how often stale cache entries are dropped from every
// JobCache, independent of the upstream notify loop's own renewal cadence.
const jobPruneInterval = 5 * time.Minute

// jobPruneAge bounds how long after its creation a job remains servable by
// ByID; the sweep runs every jobPruneInterval, so a job can outlive this
// age by up to one interval.
const jobPruneAge = 5 * time.Minute

// Housekeeper runs the pool's periodic background maintenance: database
// retention, job cache pruning, distribution recoding, and rate-limiter
// cleanup, none of which are driven by a miner request.
type Housekeeper struct {
	cfg      *Config
	store    *Store
	jobCache *JobCache
	dist     *DistributionTracker
	limiter  *IPRateLimiter
}

// NewHousekeeper builds a Housekeeper over the given components.
func NewHousekeeper(cfg *Config, store *Store, jobCache *JobCache, dist *DistributionTracker, limiter *IPRateLimiter) *Housekeeper {
	return &Housekeeper{cfg: cfg, store: store, jobCache: jobCache, dist: dist, limiter: limiter}
}

// Run starts every maintenance ticker and blocks until ctx is done.
func (h *Housekeeper) Run(ctx context.Context, algorithms []string) {
	gcTicker := time.NewTicker(gcInterval)
	defer gcTicker.Stop()
	jobTicker := time.NewTicker(jobPruneInterval)
	defer jobTicker.Stop()
	distTicker := time.NewTicker(h.cfg.JobSpan)
	defer distTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-gcTicker.C:
			if err := h.store.GC(h.cfg.ShareRetention); err != nil {
				log.Errorf("store GC failed: %v", err)
			}
			h.limiter.GC()

		case <-jobTicker.C:
			h.jobCache.prune(jobPruneAge)

		case <-distTicker.C:
			if h.cfg.PayoutMethod != PayoutMethodCoinbase {
				continue
			}
			if err := h.dist.Recode(algorithms, h.cfg.DistributionSearchSpan); err != nil {
				log.Errorf("distribution recode failed: %v", err)
			}
		}
	}
}
