// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/nyxstratum/pool/pool/chainutil"
)

// maxDistributionOutputs caps the number of coinbase/payout outputs at
// 255 total (254 miners plus the owner), the limit most transaction
// formats place on output counts.
const maxDistributionOutputs = 255

// DistributionTracker periodically snapshots how each algorithm's
// coinbase reward should be split across recently contributing accounts,
// grounded on the source's auto_distribution_recode.
type DistributionTracker struct {
	store *Store
	cfg   *Config

	mtx     sync.RWMutex
	current map[string]*Distribution
}

// NewDistributionTracker builds a tracker over store using cfg's owner
// fee.
func NewDistributionTracker(store *Store, cfg *Config) *DistributionTracker {
	return &DistributionTracker{
		store:   store,
		cfg:     cfg,
		current: make(map[string]*Distribution),
	}
}

// Latest returns the most recently recorded Distribution for algorithm,
// or nil if none has been recorded yet.
func (d *DistributionTracker) Latest(algorithm string) *Distribution {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return d.current[algorithm]
}

// Recode recomputes the Distribution for every algorithm in algorithms
// from shares in [now-searchSpan, now). Accounts beyond
// maxDistributionOutputs-1 are dropped, smallest share first, the way the
// source trims account_shares before building the final ratio list.
func (d *DistributionTracker) Recode(algorithms []string, searchSpan time.Duration) error {
	end := float64(time.Now().UnixNano()) / 1e9
	begin := end - searchSpan.Seconds()

	for _, algorithm := range algorithms {
		shares, err := d.store.DistributionShares(begin, end, algorithm)
		if err != nil {
			return err
		}

		var entries []DistributionEntry
		if len(shares) == 0 {
			entries = []DistributionEntry{{Address: nil, Ratio: 1.0}}
		} else {
			type accountShare struct {
				account uint64
				share   float64
			}
			ordered := make([]accountShare, 0, len(shares))
			for acct, share := range shares {
				ordered = append(ordered, accountShare{acct, share})
			}
			sort.Slice(ordered, func(i, j int) bool { return ordered[i].share < ordered[j].share })

			overSize := len(ordered) + 1 - maxDistributionOutputs
			for overSize > 0 {
				dropped := ordered[0]
				ordered = ordered[1:]
				overSize--
				log.Debugf("removed from distribution account=%d share=%.8f", dropped.account, dropped.share)
			}

			var totalShare float64
			for _, as := range ordered {
				totalShare += as.share
			}
			totalShare /= (1 - d.cfg.OwnerFee)

			entries = make([]DistributionEntry, 0, len(ordered)+1)
			entries = append(entries, DistributionEntry{Address: nil, Ratio: d.cfg.OwnerFee})
			for _, as := range ordered {
				addr, err := d.store.AccountIDToAddress(as.account)
				if err != nil {
					return err
				}
				ratio := as.share / totalShare
				a := addr
				entries = append(entries, DistributionEntry{Address: &a, Ratio: ratio})
			}
		}

		dist := &Distribution{CreatedAt: time.Now(), Algorithm: algorithm, Entries: entries}
		d.mtx.Lock()
		d.current[algorithm] = dist
		d.mtx.Unlock()
		log.Debugf("recoded distribution algorithm=%s entries=%d", algorithm, len(entries))
	}
	return nil
}

// RewriteCoinbase replaces coinbase1's single owner output with one
// output per entry of algorithm's latest Distribution, subtracting
// extraOutputFee per additional output it introduces. If no Distribution
// has been recorded yet, or the outputs can't be parsed or afforded,
// coinbase1 is returned unmodified and the job falls back to paying the
// solo finder in full.
func (d *DistributionTracker) RewriteCoinbase(algorithm string, coinbase1 []byte, extraOutputFee int64) []byte {
	dist := d.Latest(algorithm)
	if dist == nil || len(dist.Entries) < 2 {
		log.Debugf("no distribution data for %s, not editing coinbase", algorithm)
		return coinbase1
	}

	prefix, outputs, locktime, err := chainutil.SplitCoinbaseOutputs(coinbase1)
	if err != nil || len(outputs) == 0 {
		log.Warnf("unable to parse coinbase outputs for %s: %v", algorithm, err)
		return coinbase1
	}

	var total int64
	for _, o := range outputs {
		total += o.Value
	}
	extra := extraOutputFee * int64(len(dist.Entries)-1)
	if extra >= total {
		log.Warnf("extra output fee exceeds coinbase value for %s, not editing coinbase", algorithm)
		return coinbase1
	}
	splittable := total - extra

	rewritten := make([]chainutil.TxOut, 0, len(dist.Entries))
	for _, entry := range dist.Entries {
		amount := int64(float64(splittable) * entry.Ratio)
		script := outputs[0].ScriptPubKey
		if entry.Address != nil {
			_, version, identifier, err := chainutil.DecodeAddress(*entry.Address)
			if err != nil {
				log.Warnf("unable to decode distribution address %s for %s: %v", *entry.Address, algorithm, err)
				return coinbase1
			}
			script = chainutil.WitnessScript(version, identifier)
		}
		rewritten = append(rewritten, chainutil.TxOut{Value: amount, ScriptPubKey: script})
	}

	log.Debugf("overwrite new coinbase outputs=%d", len(rewritten))
	return chainutil.EncodeCoinbaseOutputs(prefix, rewritten, locktime)
}
