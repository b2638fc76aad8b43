// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// notifyReconnectBackoff is how long the upstream notify loop waits after a
// dial failure or a dropped connection before redialing.
const notifyReconnectBackoff = 10 * time.Second

// notifyPollInterval is the read deadline applied while waiting for the
// next upstream event, the loop's tick for staleness checks.
const notifyPollInterval = 1 * time.Second

// upstreamEvent is the minimal shape of a message on the node's public
// event stream: a "block" event on a newly connected block, a "tx" event on
// a newly seen mempool transaction.
type upstreamEvent struct {
	Type string `json:"type"`
}

// NotifyLoop keeps every algorithm's job fresh by watching the upstream
// node's block/transaction event stream, grounded on the source's job.py
// update loop and stratum.py's server bootstrap.
type NotifyLoop struct {
	wsURL       string
	jobSpan     time.Duration
	jobCache    *JobCache
	broadcaster *Broadcaster
	algorithms  []string
}

// NewNotifyLoop builds a loop dialing wsURL, rebuilding jobs for every
// algorithm in algorithms.
func NewNotifyLoop(wsURL string, jobSpan time.Duration, jobCache *JobCache, broadcaster *Broadcaster, algorithms []string) *NotifyLoop {
	return &NotifyLoop{
		wsURL:       wsURL,
		jobSpan:     jobSpan,
		jobCache:    jobCache,
		broadcaster: broadcaster,
		algorithms:  algorithms,
	}
}

// Run dials the upstream event stream and drains it until ctx is done,
// reconnecting with a fixed backoff on transport failure.
func (n *NotifyLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, n.wsURL, nil)
		if err != nil {
			log.Errorf("unable to dial upstream notify socket: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(notifyReconnectBackoff):
			}
			continue
		}

		n.drain(ctx, conn)
		conn.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(notifyReconnectBackoff):
		}
	}
}

// drain reads events off conn until it errors or ctx is done, force-
// renewing every job on a block event and, absent any event for longer than
// jobSpan, performing a non-forced timestamp-rolled renewal.
func (n *NotifyLoop) drain(ctx context.Context, conn *websocket.Conn) {
	lastRenew := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(notifyPollInterval)); err != nil {
			log.Errorf("unable to set notify socket deadline: %v", err)
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if time.Since(lastRenew) > n.jobSpan {
					n.renewAll(ctx, false)
					lastRenew = time.Now()
				}
				continue
			}
			log.Debugf("upstream notify socket closed: %v", err)
			return
		}

		var evt upstreamEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Debugf("malformed upstream notify event: %v", err)
			continue
		}
		switch evt.Type {
		case "block":
			n.renewAll(ctx, true)
			lastRenew = time.Now()
		case "tx":
			// Mempool churn alone does not justify rebuilding every job;
			// the next staleness-triggered renewal will pick it up.
		}
	}
}

// renewAll rebuilds and broadcasts a job for every configured algorithm.
func (n *NotifyLoop) renewAll(ctx context.Context, forceRenew bool) {
	for _, algo := range n.algorithms {
		job, err := n.jobCache.AddNewJob(ctx, algo, forceRenew)
		if err != nil {
			log.Errorf("unable to build job for %s: %v", algo, err)
			continue
		}
		n.broadcaster.NotifyJob(job, forceRenew)
	}
}
