// Package tenant implements the Tenant and Timeline objects, the Attach &
// Preload pipeline, and the shutdown-admission-control primitive ("gate")
// both rely on.
//
// The gate generalizes a sync.WaitGroup draining pattern into a reusable
// countdown-latch type. Only Tenant holds a gate; Timeline has none, and no
// code in this module calls Enter, so Close waits on no holder.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package tenant

import (
	"sync"

	"github.com/pageserver/pageserver/cmn"
)

// ErrGateClosed is returned by Enter once the gate has started (or
// finished) closing.
var ErrGateClosed = cmn.NewError(cmn.ErrUnavailable, "gate is closed")

// Gate admits callers that need to hold a reference across an await point
// (a background loop iteration, an in-flight remote call) while a single
// Close call drains every admitted holder before returning. Once Close has
// been called, no further Enter succeeds.
//
// A holder either got in before the close began (and will be waited for)
// or is refused outright.
type Gate struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// GateGuard is held for the duration of one admitted unit of work. Exit
// must be called exactly once.
type GateGuard struct {
	gate *Gate
}

// Enter admits one holder, or fails with ErrGateClosed if Close has begun.
func (g *Gate) Enter() (*GateGuard, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGateClosed
	}
	g.wg.Add(1)
	return &GateGuard{gate: g}, nil
}

// Exit releases the holder's slot. Safe to call at most once per guard.
func (g *GateGuard) Exit() {
	g.gate.wg.Done()
}

// Close marks the gate closed to new entrants and blocks until every
// already-admitted holder has called Exit. Idempotent.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

// IsClosed reports whether Close has been invoked (not necessarily
// finished draining).
func (g *Gate) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
