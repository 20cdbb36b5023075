// Package cluster implements the Tenant Slot Manager: a process-wide map
// from tenant-shard identity to {attached, secondary, in-progress
// transition} state.
// This file implements SlotGuard, the RAII-style acquire/finalize handle
// returned by AcquireSlot.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/metrics"
)

// SlotGuard is returned by AcquireSlot: the slot is InProgress for as long
// as the guard is live. Exactly one of Upsert/DropOldValue/Revert should be
// called to finalize it; Release applies the "Drop" fallback if none was
// (e.g. on an early-return error path via `defer guard.Release()`).
type SlotGuard struct {
	tm       *TenantsMap
	id       cmn.TenantShardId
	old      *TenantSlot
	consumed bool
}

// OldValue returns the slot's contents before acquisition (nil if absent).
func (g *SlotGuard) OldValue() *TenantSlot { return g.old }

// Upsert replaces the slot with newSlot. Requires the old value (if any) to
// already be shut down.
func (g *SlotGuard) Upsert(newSlot *TenantSlot) error {
	if g.consumed {
		return ErrGuardConsumed
	}
	if !g.old.shutDown() {
		return ErrNotShutDown
	}
	g.tm.mu.Lock()
	if g.tm.state == mapShuttingDown {
		g.tm.mu.Unlock()
		return ErrShuttingDown
	}
	g.tm.slots[g.id] = newSlot
	g.tm.mu.Unlock()
	metrics.SlotWrites.Inc()
	g.consumed = true
	return nil
}

// DropOldValue explicitly releases the previous slot after confirming it is
// fully shut down, leaving the slot empty.
func (g *SlotGuard) DropOldValue() error {
	if g.consumed {
		return ErrGuardConsumed
	}
	if !g.old.shutDown() {
		return ErrNotShutDown
	}
	g.tm.mu.Lock()
	delete(g.tm.slots, g.id)
	g.tm.mu.Unlock()
	metrics.SlotWrites.Inc()
	g.consumed = true
	return nil
}

// Revert reinstates the old value unchanged, discarding whatever work the
// caller was attempting.
func (g *SlotGuard) Revert() {
	if g.consumed {
		return
	}
	g.tm.mu.Lock()
	if g.old != nil {
		g.tm.slots[g.id] = g.old
	} else {
		delete(g.tm.slots, g.id)
	}
	g.tm.mu.Unlock()
	metrics.SlotWrites.Inc()
	g.consumed = true
}

// Release applies the "Drop" behavior: if nothing else was called,
// reinstate the old value (same as Revert). Safe to call unconditionally
// via defer; a no-op once the guard has been finalized.
func (g *SlotGuard) Release() {
	if g.consumed {
		return
	}
	g.Revert()
}
