// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func templateUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"version":1,` +
			`"previousblockhash":"0000000000000000000000000000000000000000000000000000000000000abc",` +
			`"transactions":[],"coinbasetxn":{"data":"0102030405060708"},` +
			`"coinbasevalue":5000000000,"bits":"1d00ffff","height":42,"curtime":1700000000},` +
			`"error":null,"id":null}`))
	}))
}

func TestNotifyLoopRenewAllBuildsJobPerAlgorithm(t *testing.T) {
	srv := templateUpstream(t)
	defer srv.Close()

	store := setupStore(t)
	defer teardownStore(t, store)

	cfg := &Config{PayoutMethod: PayoutMethodTransaction}
	upstream := NewUpstreamClient(srv.URL, "u", "p")
	dist := NewDistributionTracker(store, cfg)
	jobCache := NewJobCache(cfg, upstream, store, dist)
	registry := NewSessionRegistry()
	broadcaster := NewBroadcaster(registry)

	n := NewNotifyLoop(srv.URL, 0, jobCache, broadcaster, []string{"sha256d", "scrypt"})
	n.renewAll(context.Background(), true)

	if jobCache.Best("sha256d") == nil {
		t.Fatalf("expected a sha256d job after renewAll")
	}
	if jobCache.Best("scrypt") == nil {
		t.Fatalf("expected a scrypt job after renewAll")
	}
}

func TestNotifyLoopRenewAllSkipsFailingAlgorithm(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	store := setupStore(t)
	defer teardownStore(t, store)

	cfg := &Config{PayoutMethod: PayoutMethodTransaction}
	upstream := NewUpstreamClient(failing.URL, "u", "p")
	dist := NewDistributionTracker(store, cfg)
	jobCache := NewJobCache(cfg, upstream, store, dist)
	registry := NewSessionRegistry()
	broadcaster := NewBroadcaster(registry)

	n := NewNotifyLoop(failing.URL, 0, jobCache, broadcaster, []string{"sha256d"})
	// Must not panic despite the upstream failure; the loop logs and moves on.
	n.renewAll(context.Background(), true)

	if jobCache.Best("sha256d") != nil {
		t.Fatalf("expected no job to be cached when the upstream template fetch fails")
	}
}
