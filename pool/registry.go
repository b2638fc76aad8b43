// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"sync"
	"time"
)

// SessionRegistry is the global table of live sessions, guarded by one
// mutex, the generalization of the teacher's endpoint-scoped client
// bookkeeping to a pool-wide set.
type SessionRegistry struct {
	mtx      sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry builds an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Add registers s under its id.
func (r *SessionRegistry) Add(s *Session) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.sessions[s.id] = s
}

// Remove unregisters a session by id.
func (r *SessionRegistry) Remove(s *Session) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.sessions, s.id)
}

// Count returns the number of live sessions per algorithm, for the
// status recorder (component K).
func (r *SessionRegistry) Count() map[string]int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	counts := make(map[string]int)
	for _, s := range r.sessions {
		counts[s.algorithmName()]++
	}
	return counts
}

// Hashrates returns the sum of each session's hashrate per algorithm, for
// the status recorder (component K).
func (r *SessionRegistry) Hashrates() map[string]float64 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	totals := make(map[string]float64)
	for _, s := range r.sessions {
		totals[s.algorithmName()] += s.hashrate()
	}
	return totals
}

// broadcast writes method/params to every session whose algorithm matches,
// skipping and logging individual write failures, and returns the count
// of successful writes.
func (r *SessionRegistry) broadcast(method string, buildParams func() interface{}, algorithm string) int {
	r.mtx.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.algorithmName() == algorithm {
			targets = append(targets, s)
		}
	}
	r.mtx.RUnlock()

	count := 0
	for _, s := range targets {
		if err := s.deliver(notification(method, buildParams())); err != nil {
			log.Debugf("broadcast to %s failed: %v", s.id, err)
			continue
		}
		count++
	}
	return count
}

// broadcastAll writes method/params to every live session regardless of
// algorithm, the unfiltered counterpart to broadcast used for pool-wide
// announcements (client.show_message).
func (r *SessionRegistry) broadcastAll(method string, buildParams func() interface{}) int {
	r.mtx.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mtx.RUnlock()

	count := 0
	for _, s := range targets {
		if err := s.deliver(notification(method, buildParams())); err != nil {
			log.Debugf("broadcast to %s failed: %v", s.id, err)
			continue
		}
		count++
	}
	return count
}

// closedSession is a snapshot of a session's resumable state, kept around
// briefly so a reconnecting miner can pick its vardiff state back up on
// its next mining.subscribe.
type closedSession struct {
	subscriptionID   [32]byte
	algorithm        string
	extraNonce1      [4]byte
	timeWorks        []timeWork
	difficultyHistory []float64
	submitTargetSpan time.Duration
	nAccept          int64
	nReject          int64
}

// closedSessionRing is a fixed-capacity ring of recently closed sessions,
// capacity 25.
type closedSessionRing struct {
	mtx   sync.Mutex
	items []closedSession
	cap   int
}

func newClosedSessionRing(capacity int) *closedSessionRing {
	return &closedSessionRing{cap: capacity}
}

// push appends cs, evicting the oldest entry once at capacity.
func (r *closedSessionRing) push(cs closedSession) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.items = append(r.items, cs)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// takeMatching removes and returns the most recently pushed entry with a
// matching subscriptionID and algorithm, or ok=false if none exists.
func (r *closedSessionRing) takeMatching(subscriptionID [32]byte, algorithm string) (closedSession, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for i := len(r.items) - 1; i >= 0; i-- {
		cs := r.items[i]
		if cs.subscriptionID == subscriptionID && cs.algorithm == algorithm {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return cs, true
		}
	}
	return closedSession{}, false
}
