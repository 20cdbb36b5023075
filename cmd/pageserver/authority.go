// Package main is the pageserver process entrypoint: config load, remote
// adapter construction, and attach/deletion-queue wiring.
// This file implements deletion.GenerationAuthority against the
// in-process Tenant Slot Manager.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"

	"github.com/pageserver/pageserver/cluster"
	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/deletion"
)

// mapAuthority implements deletion.GenerationAuthority against the
// in-process Tenant Slot Manager: a generation is current if the
// tenant-shard's slot is Attached at exactly that generation. The real
// control-plane re-attach RPC would additionally
// catch the case where this process's slot is stale but the control plane
// has already re-attached the shard elsewhere; this narrower, in-process
// check is what's available without that collaborator.
type mapAuthority struct {
	tenants *cluster.TenantsMap
}

func (a *mapAuthority) IsCurrent(_ context.Context, tsid cmn.TenantShardId, gen cmn.Generation) (bool, error) {
	slot, err := a.tenants.PeekSlot(tsid, cluster.Read)
	if err != nil {
		return false, nil // absent/in-progress/shutting-down: not current, not an error worth surfacing
	}
	if slot.Kind != cluster.SlotAttached || slot.Attached == nil {
		return false, nil
	}
	live, ok := slot.Attached.(interface{ Generation() cmn.Generation })
	if !ok {
		return false, nil
	}
	return live.Generation() == gen, nil
}

var _ deletion.GenerationAuthority = (*mapAuthority)(nil)
