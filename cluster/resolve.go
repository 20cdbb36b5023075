// Package cluster implements the Tenant Slot Manager: a process-wide map
// from tenant-shard identity to {attached, secondary, in-progress
// transition} state.
// This file maps a page-service request's tenant-id to a concrete
// attached tenant-shard.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import (
	"github.com/OneOfOne/xxhash"

	"github.com/pageserver/pageserver/cmn"
)

// ResolveMode selects how a page-service request's tenant-id is mapped to a
// concrete attached tenant-shard.
type ResolveMode uint8

const (
	First ResolveMode = iota
	Zero
	Page
)

// Resolve implements tenant-id -> tenant-shard-id resolution. For Page
// mode, key selects the owning shard via ShardNumberForKey.
func (tm *TenantsMap) Resolve(tenant cmn.TenantId, mode ResolveMode, key []byte) (cmn.TenantShardId, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	switch mode {
	case First:
		for id, slot := range tm.slots {
			if id.TenantId == tenant && slot.Kind == SlotAttached {
				return id, nil
			}
		}
	case Zero:
		for id, slot := range tm.slots {
			if id.TenantId == tenant && id.Shard.Number == 0 && slot.Kind == SlotAttached {
				return id, nil
			}
		}
	case Page:
		for id, slot := range tm.slots {
			if id.TenantId != tenant || slot.Kind != SlotAttached || id.Shard.IsUnsharded() {
				continue
			}
			if ShardNumberForKey(key, id.Shard.Count) == id.Shard.Number {
				return id, nil
			}
		}
		// Unsharded tenants have exactly one shard; fall through to First
		// semantics for them.
		for id, slot := range tm.slots {
			if id.TenantId == tenant && id.Shard.IsUnsharded() && slot.Kind == SlotAttached {
				return id, nil
			}
		}
	}
	return cmn.TenantShardId{}, ErrSlotNotFound
}

// ShardNumberForKey computes the owning shard-number for key under a
// tenant sharded into count shards, hashing with xxhash for consistent-ish
// bucket placement the way deterministic object-to-target assignment does
// elsewhere in this codebase.
func ShardNumberForKey(key []byte, count uint8) uint8 {
	if count == 0 {
		return 0
	}
	h := xxhash.Checksum64(key)
	return uint8(h % uint64(count))
}
