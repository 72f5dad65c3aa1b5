// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package txnlock serializes overlapping transactions by store set and
// write-need. Any
// number of concurrent readers are allowed; a writer is exclusive with
// respect to other writers whose store sets intersect, and with respect
// to readers of any intersecting store. Writer-writer requests on disjoint
// store sets proceed in parallel.
package txnlock

import (
	"sync"

	"github.com/google/uuid"
)

// Token identifies one granted transaction lock.
type Token string

type request struct {
	token       Token
	stores      map[string]struct{}
	write       bool
	grant       chan struct{}
	granted     bool
}

// Scheduler is the FIFO lock scheduler. Zero value is not usable; use New.
type Scheduler struct {
	mu sync.Mutex

	active map[Token]*request
	queue  []*request

	closing  bool
	closedCh chan struct{}
}

// New returns a ready Scheduler.
func New() *Scheduler {
	return &Scheduler{
		active: map[Token]*request{},
	}
}

// OpenTransaction requests a lock over storeNames. It blocks until the
// request can be granted (no active conflicting transaction), then
// returns a Token identifying the grant. If the scheduler is closing, the
// request is rejected.
func (s *Scheduler) OpenTransaction(storeNames []string, writeNeeded bool) (Token, bool) {
	storeSet := make(map[string]struct{}, len(storeNames))
	for _, n := range storeNames {
		storeSet[n] = struct{}{}
	}

	req := &request{
		token:  Token(uuid.NewString()),
		stores: storeSet,
		write:  writeNeeded,
		grant:  make(chan struct{}),
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return "", false
	}
	s.queue = append(s.queue, req)
	s.runSchedulerPassLocked()
	s.mu.Unlock()

	<-req.grant
	return req.token, true
}

// TransactionComplete releases the lock held by token and runs a scheduler
// pass to grant any now-unblocked queued requests.
func (s *Scheduler) TransactionComplete(token Token) {
	s.release(token)
}

// TransactionFailed releases the lock held by token, same as
// TransactionComplete; reason is accepted for future diagnostics but does
// not change behavior.
func (s *Scheduler) TransactionFailed(token Token, reason error) {
	_ = reason
	s.release(token)
}

func (s *Scheduler) release(token Token) {
	s.mu.Lock()
	delete(s.active, token)
	s.runSchedulerPassLocked()
	if s.closing && len(s.active) == 0 {
		s.signalClosedLocked()
	}
	s.mu.Unlock()
}

// CloseWhenPossible refuses new requests and returns a channel that closes
// once the last active transaction finishes. Requests already queued
// before the call are still granted by runSchedulerPassLocked as their
// conflicts clear; only OpenTransaction calls made after closing is set
// are refused.
func (s *Scheduler) CloseWhenPossible() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.closedCh == nil {
		s.closedCh = make(chan struct{})
	}
	if len(s.active) == 0 && len(s.queue) == 0 {
		s.signalClosedLocked()
	}
	return s.closedCh
}

func (s *Scheduler) signalClosedLocked() {
	if s.closedCh == nil {
		s.closedCh = make(chan struct{})
	}
	select {
	case <-s.closedCh:
		// already closed
	default:
		close(s.closedCh)
	}
}

// runSchedulerPassLocked scans the FIFO queue in order, granting every
// request that does not conflict with any currently-active transaction or
// with a request granted earlier in this same pass. Must be called with
// s.mu held.
func (s *Scheduler) runSchedulerPassLocked() {
	remaining := s.queue[:0:0]
	grantedThisPass := []*request{}

	conflicts := func(r *request) bool {
		for _, active := range s.active {
			if !intersects(r.stores, active.stores) {
				continue
			}
			if r.write || active.write {
				return true
			}
		}
		for _, g := range grantedThisPass {
			if !intersects(r.stores, g.stores) {
				continue
			}
			if r.write || g.write {
				return true
			}
		}
		return false
	}

	for _, r := range s.queue {
		if r.granted {
			continue
		}
		if conflicts(r) {
			remaining = append(remaining, r)
			continue
		}
		r.granted = true
		s.active[r.token] = r
		grantedThisPass = append(grantedThisPass, r)
		close(r.grant)
	}
	s.queue = remaining
}

func intersects(a, b map[string]struct{}) bool {
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	for k := range small {
		if _, ok := big[k]; ok {
			return true
		}
	}
	return false
}
