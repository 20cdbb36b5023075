// Package cluster implements the Tenant Slot Manager: a
// process-wide map from tenant-shard identity to {attached, secondary,
// in-progress transition}, serializing administrative mutations per
// tenant-shard while allowing unbounded parallelism across tenant-shards.
//
// A single RWMutex-guarded map plus a small metric counter on every
// mutation, with an explicit in-progress marker guarding each slot so a
// concurrent acquire fails fast instead of blocking.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"sync"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/metrics"
)

// SlotObject is the minimal surface the slot manager needs from whatever a
// guard upserts into a slot (an Attached or Secondary tenant handle). The
// tenant package's Tenant type satisfies this without cluster importing it.
type SlotObject interface {
	// ShutDown reports whether this object has completed shutdown, gating
	// Upsert/DropOldValue.
	ShutDown() bool
}

// SlotKind tags the TenantSlot variants.
type SlotKind uint8

const (
	SlotEmpty SlotKind = iota
	SlotAttached
	SlotSecondary
	SlotInProgress
)

// TenantSlot is the process-wide map's value type: at most one Attached or
// Secondary object per tenant-shard, or a time-bounded InProgress marker.
type TenantSlot struct {
	Kind      SlotKind
	Attached  SlotObject
	Secondary SlotObject
}

func (s *TenantSlot) shutDown() bool {
	if s == nil {
		return true
	}
	switch s.Kind {
	case SlotAttached:
		return s.Attached.ShutDown()
	case SlotSecondary:
		return s.Secondary.ShutDown()
	default:
		return true
	}
}

// AcquireMode selects acquire_slot's precondition on the existing slot.
type AcquireMode uint8

const (
	MustNotExist AcquireMode = iota
	MustExist
	Any
)

// PeekMode selects peek_slot's access intent.
type PeekMode uint8

const (
	Read PeekMode = iota
	Write
)

var (
	ErrInProgress    = cmn.NewError(cmn.ErrConflict, "tenant-shard slot has an in-progress transition")
	ErrAlreadyExists = cmn.NewError(cmn.ErrConflict, "tenant-shard slot already exists")
	ErrSlotNotFound  = cmn.NewError(cmn.ErrNotFound, "tenant-shard slot not found")
	ErrShuttingDown  = cmn.NewError(cmn.ErrUnavailable, "tenants map is shutting down")
	ErrNotShutDown   = cmn.NewError(cmn.ErrConflict, "old slot value is not yet shut down")
	ErrGuardConsumed = cmn.NewError(cmn.ErrConflict, "slot guard already consumed")
)

// mapState is the TenantsMap sum type.
type mapState uint8

const (
	mapInitializing mapState = iota
	mapOpen
	mapShuttingDown
)

// TenantsMap is the process-wide singleton.
type TenantsMap struct {
	mu    sync.RWMutex
	state mapState
	slots map[cmn.TenantShardId]*TenantSlot
}

func NewTenantsMap() *TenantsMap {
	return &TenantsMap{state: mapInitializing, slots: make(map[cmn.TenantShardId]*TenantSlot)}
}

// MarkOpen transitions Initializing -> Open once startup recovery has run.
func (tm *TenantsMap) MarkOpen() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.state = mapOpen
}

// BeginShutdown transitions to ShuttingDown and drops every InProgress slot
// from the visible map immediately; any guard
// still live for those slots will fail its Upsert with ErrShuttingDown.
func (tm *TenantsMap) BeginShutdown() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.state = mapShuttingDown
	for id, slot := range tm.slots {
		if slot.Kind == SlotInProgress {
			delete(tm.slots, id)
			metrics.SlotWrites.Inc()
		}
	}
}

// AcquireSlot implements acquire_slot.
func (tm *TenantsMap) AcquireSlot(id cmn.TenantShardId, mode AcquireMode) (*SlotGuard, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.state == mapShuttingDown {
		return nil, ErrShuttingDown
	}

	existing, ok := tm.slots[id]
	if ok && existing.Kind == SlotInProgress {
		return nil, ErrInProgress
	}

	switch mode {
	case MustNotExist:
		if ok {
			return nil, ErrAlreadyExists
		}
	case MustExist:
		if !ok {
			return nil, ErrSlotNotFound
		}
	case Any:
		// both absent and present are fine
	}

	var old *TenantSlot
	if ok {
		old = existing
	}
	tm.slots[id] = &TenantSlot{Kind: SlotInProgress}
	metrics.SlotWrites.Inc()

	return &SlotGuard{tm: tm, id: id, old: old}, nil
}

// PeekSlot implements peek_slot.
func (tm *TenantsMap) PeekSlot(id cmn.TenantShardId, mode PeekMode) (*TenantSlot, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	slot, ok := tm.slots[id]

	if tm.state == mapShuttingDown {
		if mode == Write {
			return nil, ErrShuttingDown
		}
		if !ok {
			return nil, ErrShuttingDown
		}
		// Read with a present id falls through: callers see a definite
		// answer for slots that did exist.
	}

	if !ok {
		return nil, ErrSlotNotFound
	}
	if slot.Kind == SlotInProgress {
		return nil, ErrInProgress
	}
	return slot, nil
}
