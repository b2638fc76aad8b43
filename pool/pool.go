// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// statusRecordInterval is how often the pool-wide PoolStatus snapshot is
// rebuilt.
const statusRecordInterval = 60 * time.Second

// Pool wires every component together: persistence, the upstream node
// client, the session registry and broadcaster, the job cache,
// distribution tracking, the payout scheduler, the status recorder, and
// one TCP listener per configured algorithm. It is the generalization
// of the teacher's package-level globals into a single owned value.
type Pool struct {
	cfg      *Config
	store    *Store
	upstream *UpstreamClient

	registry    *SessionRegistry
	jobCache    *JobCache
	dist        *DistributionTracker
	broadcaster *Broadcaster
	closedRing  *closedSessionRing
	limiter     *IPRateLimiter

	payout      *PayoutScheduler
	status      *StatusRecorder
	notify      *NotifyLoop
	housekeeper *Housekeeper

	endpointWg sync.WaitGroup
	listeners  []net.Listener
}

// New builds a Pool from cfg, opening its store and wiring every
// component. It does not yet listen for connections; call Run for that.
func New(cfg *Config) (*Pool, error) {
	store, err := OpenStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	upstream := NewUpstreamClient(cfg.RESTAPI, cfg.RPCUser, cfg.RPCPass)
	registry := NewSessionRegistry()
	dist := NewDistributionTracker(store, cfg)
	jobCache := NewJobCache(cfg, upstream, store, dist)
	broadcaster := NewBroadcaster(registry)
	closedRing := newClosedSessionRing(25)
	limiter := NewIPRateLimiter()

	algorithms := make([]string, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		algorithms = append(algorithms, l.Algorithm)
	}

	p := &Pool{
		cfg:         cfg,
		store:       store,
		upstream:    upstream,
		registry:    registry,
		jobCache:    jobCache,
		dist:        dist,
		broadcaster: broadcaster,
		closedRing:  closedRing,
		limiter:     limiter,
		payout:      NewPayoutScheduler(cfg, store, upstream, broadcaster),
		status:      NewStatusRecorder(registry, jobCache, store, algorithms),
		notify:      NewNotifyLoop(cfg.NotifyWSURL, cfg.JobSpan, jobCache, broadcaster, algorithms),
		housekeeper: NewHousekeeper(cfg, store, jobCache, dist, limiter),
	}
	return p, nil
}

// Run starts every background component and one TCP listener per
// configured algorithm, blocking until ctx is canceled, then shutting
// everything down in reverse order.
func (p *Pool) Run(ctx context.Context) error {
	algorithms := make([]string, 0, len(p.cfg.Listeners))
	for _, l := range p.cfg.Listeners {
		algorithms = append(algorithms, l.Algorithm)
	}

	go p.notify.Run(ctx)
	go p.housekeeper.Run(ctx, algorithms)
	go p.status.Run(ctx, statusRecordInterval)
	if p.cfg.PayoutMethod == PayoutMethodTransaction {
		go p.payout.Run(ctx)
	}

	for _, lc := range p.cfg.Listeners {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", lc.Port))
		if err != nil {
			p.Close()
			return wrapf(ErrFatal, "unable to listen on port %d: %v", lc.Port, err)
		}
		p.listeners = append(p.listeners, ln)
		go p.acceptLoop(ctx, ln, lc)
	}

	<-ctx.Done()
	p.Close()
	p.endpointWg.Wait()
	return nil
}

// acceptLoop accepts connections on ln, constructing and running one
// Session per accepted connection, subject to the per-IP rate limiter.
func (p *Pool) acceptLoop(ctx context.Context, ln net.Listener, lc StratumListenerConfig) {
	sessCfg := &SessionConfig{
		Cfg:               p.cfg,
		Algorithm:         lc.Algorithm,
		InitialDifficulty: lc.InitialDifficulty,
		VariableDiff:      lc.VariableDiff,
		SubmitTargetSpan:  lc.SubmitTargetSpan,
		JobCache:          p.jobCache,
		Store:             p.store,
		Upstream:          p.upstream,
		Registry:          p.registry,
		ClosedRing:        p.closedRing,
		EndpointWg:        &p.endpointWg,
		RemoveSession:     func(*Session) {},
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Errorf("accept error on %s: %v", lc.Algorithm, err)
				return
			}
		}

		tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			conn.Close()
			continue
		}
		if !p.limiter.Allow(tcpAddr.IP.String()) {
			log.Debugf("rejecting connection from %s: rate limited", tcpAddr.IP)
			conn.Close()
			continue
		}

		session := NewSession(conn, tcpAddr, sessCfg)
		go func() {
			select {
			case <-ctx.Done():
				session.cancel()
			case <-session.ctx.Done():
			}
		}()
		go session.Run()
	}
}

// Close shuts every listener down and closes the store; already-running
// sessions drain via their own context cancellation path when the caller's
// ctx is canceled.
func (p *Pool) Close() {
	for _, ln := range p.listeners {
		ln.Close()
	}
	if err := p.store.Close(); err != nil {
		log.Errorf("error closing store: %v", err)
	}
}
