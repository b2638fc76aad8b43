// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"time"

	bolt "github.com/coreos/bbolt"

	"github.com/nyxstratum/pool/pool/chainutil"
)

// PayoutScheduler periodically batches unpaid shares into a single wallet
// transaction, grounded on the source's auto_payout_system.
type PayoutScheduler struct {
	cfg         *Config
	store       *Store
	upstream    *UpstreamClient
	broadcaster *Broadcaster
}

// NewPayoutScheduler builds a scheduler over store/upstream using cfg's
// payout thresholds, announcing each successful cycle through broadcaster.
func NewPayoutScheduler(cfg *Config, store *Store, upstream *UpstreamClient, broadcaster *Broadcaster) *PayoutScheduler {
	return &PayoutScheduler{cfg: cfg, store: store, upstream: upstream, broadcaster: broadcaster}
}

// Run ticks the scheduler every cfg.PayoutCheckSpan until ctx is done.
func (p *PayoutScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PayoutCheckSpan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				log.Errorf("payout cycle failed: %v", err)
			}
		}
	}
}

// tick runs one payout cycle. The window's end is set to the time of the
// newest mined share that has cleared MinConfirmations, not the oldest
// qualifying one — a quirk preserved verbatim from this pool's source
// material rather than corrected, since correcting it would change which
// shares settle in a given cycle for operators already relying on it.
func (p *PayoutScheduler) tick(ctx context.Context) error {
	chainInfo, err := p.upstream.GetChainInfo(ctx)
	if err != nil {
		return err
	}
	bestHeight := chainInfo.Best.Height

	var end float64
	found := false
	var totalMined int64
	err = p.store.IterMinedSharesDesc(func(ms MinedShare) (bool, error) {
		hashHex := hexEncodeBytes(chainutil.ReverseBytes(ms.BlockHash[:]))
		block, berr := p.upstream.GetBlockByHash(ctx, hashHex)
		if berr != nil {
			log.Warnf("payout: orphan? unable to fetch block %s: %v", hashHex, berr)
			return true, nil
		}
		if bestHeight-int64(p.cfg.MinConfirmations) < block.Height {
			return true, nil
		}
		if !found {
			end = ms.Time
			found = true
		}
		if block.Orphan {
			return true, nil
		}
		if len(block.Txs) > 0 && len(block.Txs[0].Outputs) > 0 {
			totalMined += block.Txs[0].Outputs[0].Amount
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	totalSend := int64(float64(totalMined) * (1.0 - p.cfg.OwnerFee))
	if totalSend < p.cfg.MinPayoutAmount {
		log.Debugf("payout: total mined amount %d below minimum payout amount %d", totalSend, p.cfg.MinPayoutAmount)
		return nil
	}
	if !found {
		log.Debugf("payout: no confirmed mined share clears the window yet")
		return nil
	}

	begin, ok, err := p.store.LastUnpaidTime()
	if err != nil {
		return err
	}
	if !ok || end <= begin {
		log.Debugf("payout: no unpaid shares outstanding in window")
		return nil
	}

	accounts, err := p.store.RelatedAccounts(begin, end)
	if err != nil {
		return err
	}

	shares := make(map[uint64]float64, len(accounts))
	var totalShare float64
	for _, acct := range accounts {
		share, err := p.store.AccountUnpaidShares(begin, end, acct)
		if err != nil {
			return err
		}
		shares[acct] = share
		totalShare += share
	}
	if totalShare <= 0 {
		log.Debugf("payout: no unpaid share weight in window")
		return nil
	}

	var pairs []TxOutput
	var paidAccounts []uint64
	for _, acct := range accounts {
		amount := int64(float64(totalSend) * (shares[acct] / totalShare))
		if amount <= p.cfg.IgnorePayoutAmount {
			log.Debugf("payout: ignoring account %d, amount %d below threshold", acct, amount)
			continue
		}
		addr, err := p.store.AccountIDToAddress(acct)
		if err != nil {
			return err
		}
		pairs = append(pairs, TxOutput{Address: addr, CoinID: 0, Amount: amount})
		paidAccounts = append(paidAccounts, acct)
	}
	if len(pairs) == 0 {
		log.Debugf("payout: no account clears the ignore-payout threshold this cycle")
		return nil
	}

	txidHex, err := p.upstream.SendMany(ctx, pairs)
	if err != nil {
		return err
	}
	txHash, err := hexReverse32(txidHex)
	if err != nil {
		return wrapf(ErrUpstreamTransient, "malformed sendmany txid: %v", err)
	}

	err = p.store.Transact(func(tx *bolt.Tx) error {
		payoutID, err := InsertPayoutTx(tx, txHash, totalSend, begin, end)
		if err != nil {
			return err
		}
		return MarkSharesPaidTx(tx, payoutID, begin, end, paidAccounts)
	})
	if err != nil {
		return err
	}
	log.Infof("payout: sent %d accounts totaling %d satoshis, window [%.4f, %.4f)", len(pairs), totalSend, begin, end)
	if p.broadcaster != nil {
		p.broadcaster.ShowMessage(fmt.Sprintf("payout sent to %d miners", len(pairs)))
	}
	return nil
}
