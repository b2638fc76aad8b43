// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import "time"

// Account is a persistent miner identity, created lazily on first
// authorize. Never mutated, never deleted.
type Account struct {
	ID        uint64
	Address   string
	CreatedAt time.Time
}

// Subscription is a persistent per-connection resumption record,
// garbage collected past ShareRetention.
type Subscription struct {
	ID          [32]byte
	ExtraNonce1 [4]byte
	CreatedAt   time.Time
}

// Share is a persistent proof of contributed work. PayoutID semantics:
// 0 = unpaid and eligible, >0 = paid in that payout, -1 = paid
// out-of-band via coinbase-split mode.
type Share struct {
	Time      float64
	AccountID uint64
	Algorithm string
	BlockHash *[32]byte
	Value     float64
	PayoutID  int64
}

// Payout is an append-only record of one batched send.
type Payout struct {
	ID     int64
	TxHash [32]byte
	Amount int64
	Begin  float64
	End    float64
	Time   time.Time
}

// DistributionEntry is one (address, ratio) pair of a Distribution
// snapshot. Address == nil denotes the pool operator's own cut.
type DistributionEntry struct {
	Address *string
	Ratio   float64
}

// Distribution is an in-memory, per-algorithm snapshot of how a coinbase
// reward (or a payout) should be split.
type Distribution struct {
	CreatedAt time.Time
	Algorithm string
	Entries   []DistributionEntry
}

// AlgorithmPoolStatus is one algorithm's slice of a PoolStatus snapshot.
type AlgorithmPoolStatus struct {
	Algorithm        string
	Workers          int
	PoolHashrate     float64
	NetworkHashrate  float64
}

// PoolStatus is a periodic, pool-wide snapshot for the dashboard/explorer;
// the pool core only produces and retains these, it does not serve them.
type PoolStatus struct {
	Time           time.Time
	PerAlgorithm   []AlgorithmPoolStatus
	WindowShare    float64
}
