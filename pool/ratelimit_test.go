// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"testing"
	"time"
)

func TestIPRateLimiterBurstThenDeny(t *testing.T) {
	l := NewIPRateLimiter()
	ip := "203.0.113.7"

	for i := 0; i < connectionBurst; i++ {
		if !l.Allow(ip) {
			t.Fatalf("expected attempt %d within burst to be allowed", i)
		}
	}
	if l.Allow(ip) {
		t.Fatalf("expected attempt beyond burst to be denied")
	}
}

func TestIPRateLimiterIndependentPerIP(t *testing.T) {
	l := NewIPRateLimiter()
	for i := 0; i < connectionBurst; i++ {
		if !l.Allow("198.51.100.1") {
			t.Fatalf("unexpected denial for first ip at attempt %d", i)
		}
	}
	if !l.Allow("198.51.100.2") {
		t.Fatalf("a different ip should have its own independent burst")
	}
}

func TestIPRateLimiterGCRemovesIdleEntries(t *testing.T) {
	l := NewIPRateLimiter()
	l.Allow("192.0.2.1")
	l.mtx.Lock()
	l.limiters["192.0.2.1"].lastUse = time.Now().Add(-2 * ipIdleTTL)
	l.mtx.Unlock()

	l.GC()

	l.mtx.Lock()
	_, ok := l.limiters["192.0.2.1"]
	l.mtx.Unlock()
	if ok {
		t.Fatalf("expected idle entry to be garbage collected")
	}
}
