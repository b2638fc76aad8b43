// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connectionBurst and connectionRate bound how quickly one remote IP may
// open new Stratum connections, independent of anything it does once
// connected.
const (
	connectionRate  = rate.Limit(1)
	connectionBurst = 5
)

// ipIdleTTL is how long an IP's limiter entry survives without a new
// connection attempt before IPRateLimiter's janitor reclaims it.
const ipIdleTTL = 10 * time.Minute

// IPRateLimiter caps new-connection attempts per remote IP, the accept-
// time counterpart to the teacher's per-request WithinLimit check.
type IPRateLimiter struct {
	mtx   sync.Mutex
	limiters map[string]*ipEntry
}

type ipEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// NewIPRateLimiter builds an empty limiter table.
func NewIPRateLimiter() *IPRateLimiter {
	return &IPRateLimiter{limiters: make(map[string]*ipEntry)}
}

// Allow reports whether ip may open a new connection now, creating its
// limiter on first use.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mtx.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(connectionRate, connectionBurst)}
		l.limiters[ip] = entry
	}
	entry.lastUse = time.Now()
	l.mtx.Unlock()
	return entry.limiter.Allow()
}

// GC removes limiter entries untouched for longer than ipIdleTTL, bounding
// the table's memory footprint across a long-running pool process.
func (l *IPRateLimiter) GC() {
	cutoff := time.Now().Add(-ipIdleTTL)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for ip, entry := range l.limiters {
		if entry.lastUse.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}
