// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import "time"

// PayoutMethod selects how miners are rewarded: a periodic on-chain
// transaction, or a rewrite of the block's own coinbase outputs.
type PayoutMethod string

const (
	// PayoutMethodTransaction pays miners via the periodic payout
	// scheduler (component I).
	PayoutMethodTransaction PayoutMethod = "transaction"
	// PayoutMethodCoinbase splits the coinbase reward directly across
	// the most recent Distribution snapshot when a job is built.
	PayoutMethodCoinbase PayoutMethod = "coinbase"
)

// StratumListenerConfig describes one per-algorithm stratum endpoint, a
// repeatable configuration group.
type StratumListenerConfig struct {
	Port             uint16        `long:"port" description:"TCP port to listen on"`
	Algorithm        string        `long:"algorithm" description:"Mining algorithm name, keying CoEfficiency"`
	InitialDifficulty float64      `long:"initialdifficulty" description:"Starting share difficulty"`
	VariableDiff     bool          `long:"variablediff" description:"Enable the vardiff controller for this listener"`
	SubmitTargetSpan time.Duration `long:"submittargetspan" default:"30s" description:"Target seconds between share submissions"`
}

// Config enumerates the pool's full configuration surface, parsed with
// go-flags (long-form CLI flags with INI file fallback), the way the
// teacher's own daemons are bootstrapped.
type Config struct {
	DatabasePath string       `long:"dbpath" description:"Path to the bbolt database file"`
	RESTAPI      string       `long:"restapi" description:"Base URL of the upstream node's REST/JSON-RPC API"`
	RPCUser      string       `long:"rpcuser" description:"JSON-RPC basic auth username"`
	RPCPass      string       `long:"rpcpass" description:"JSON-RPC basic auth password"`
	NotifyWSURL  string       `long:"notifywsurl" description:"Upstream node's block/transaction event stream URL"`
	HostName     string       `long:"hostname" description:"Hostname advertised to miners on client.reconnect"`
	PayoutMethod PayoutMethod `long:"payoutmethod" default:"transaction" description:"transaction or coinbase"`
	BechHRP      string       `long:"bechhrp" description:"Expected bech32 human-readable prefix of miner payout addresses"`

	CoEfficiency map[string]float64 `no-flag:"true"`

	ShareRetention    time.Duration `long:"shareretention" default:"1440h" description:"GC age for shares and subscriptions (default 60 days)"`
	OwnerFee          float64       `long:"ownerfee" default:"0.05" description:"Pool operator's cut of each payout/distribution"`
	MinConfirmations  int32         `long:"minconfirmations" default:"60" description:"Required confirmations before a mined block counts toward payout"`
	MinPayoutAmount   int64         `long:"minpayoutamount" default:"5000000000" description:"Skip a payout cycle below this total amount"`
	IgnorePayoutAmount int64        `long:"ignorepayoutamount" default:"10000" description:"Drop individual payouts below this amount"`
	ExtraOutputFee    int64         `long:"extraoutputfee" description:"Per-extra-output fee subtracted from coinbase-split rewards"`

	PayoutCheckSpan        time.Duration `long:"payoutcheckspan" default:"1h" description:"Payout scheduler tick interval"`
	DistributionSearchSpan time.Duration `long:"distributionsearchspan" default:"3h" description:"Sliding window for distribution snapshots"`
	JobSpan                time.Duration `long:"jobspan" default:"60s" description:"Max job age before a non-forced refresh"`

	Listeners []StratumListenerConfig `no-flag:"true"`
}

// Coefficient returns the configured coefficient for algorithm, or 1 if
// unconfigured (never zero — a zero coefficient would divide by zero in
// share-value and hashrate calculations).
func (c *Config) Coefficient(algorithm string) float64 {
	if v, ok := c.CoEfficiency[algorithm]; ok && v != 0 {
		return v
	}
	return 1
}
