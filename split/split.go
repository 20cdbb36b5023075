// Package split implements shard split prepare: forking a
// parent timeline's durable state into N children without rewriting any
// layer object, so the children become independently recoverable while
// the parent is still attached.
//
// It runs as a multi-stage pipeline over a fixed set of targets that
// re-keys existing objects rather than re-streaming their bytes, plus a
// best-effort hard-link pass for locally-resident data.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package split

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/index"
	"github.com/pageserver/pageserver/remote"
	"github.com/pageserver/pageserver/tenant"
)

// ChildSpec is one target child shard and the generation the control plane
// has already assigned it.
type ChildSpec struct {
	Tsid cmn.TenantShardId
	Gen  cmn.Generation
}

// Advisory is the narrow slice of the Deletion Queue contract split
// prepare needs: a prompt-processing nudge after re-keying index parts.
// deletion.Queue satisfies this.
type Advisory interface {
	FlushAdvisory()
}

// Deps are split prepare's external collaborators.
type Deps struct {
	Remote   remote.Adapter
	Deletion Advisory
	Attach   *tenant.Manager
	Config   *cmn.Config
}

// ChildShardIds computes the target shard ids for splitting parent's shard
// count to newCount.
//
// Open question: this assigns
// parent shard number i to children i, i+oldCount, i+2*oldCount, ...,
// i+(factor-1)*oldCount, so that a key's owning shard under the new count
// is reachable by taking its old shard-number assignment and refining it
// with the next bits of the key hash, matching the hash-of-key stride
// cluster.ShardNumberForKey already uses for modulo-N assignment.
func ChildShardIds(parent cmn.TenantShardId, newCount uint8) ([]cmn.TenantShardId, error) {
	oldCount := parent.Shard.Count
	if oldCount == 0 {
		oldCount = 1 // unsharded tenant is shard 0 of 1 for stride purposes
	}
	if newCount == 0 || newCount <= oldCount || newCount%oldCount != 0 {
		return nil, cmn.NewError(cmn.ErrBadRequest, "new shard count %d must be a multiple of current count %d", newCount, oldCount)
	}
	factor := newCount / oldCount
	if factor&(factor-1) != 0 {
		return nil, cmn.NewError(cmn.ErrBadRequest, "new shard count %d is not a power-of-two multiple of current count %d", newCount, oldCount)
	}
	oldNumber := parent.Shard.Number
	ids := make([]cmn.TenantShardId, 0, factor)
	for k := uint8(0); k < factor; k++ {
		ids = append(ids, cmn.NewTenantShardId(parent.TenantId, oldNumber+k*oldCount, newCount))
	}
	return ids, nil
}

// Prepare runs the shard-split preparation sequence for one parent shard
// against an already resident (Active or Broken-tolerant) *tenant.Tenant:
// flush and shut down every timeline's upload queue, fork each one's
// current IndexPart to every child at its assigned generation, hard-link
// locally-resident layers, attach the children, then erase the parent's
// local state.
func Prepare(ctx context.Context, deps Deps, parent *tenant.Tenant, children []ChildSpec) error {
	timelines := parent.Timelines()
	forked := make(map[cmn.TimelineId]*index.IndexPart, len(timelines))

	for _, tl := range timelines {
		ip, err := forkTimeline(ctx, deps, parent.Tsid, parent.Gen, tl, children)
		if err != nil {
			return err
		}
		forked[tl.Id] = ip
	}

	// Step 2: advisory flush to minimize orphan-object risk. Best-effort;
	// the deletion queue's own generation gate is the real safety net.
	if deps.Deletion != nil {
		deps.Deletion.FlushAdvisory()
	}

	// Step 3: hard-link every locally-resident layer file of the parent
	// into each child's local timeline directory.
	if err := linkLocalLayers(deps.Config, parent.Tsid, forked, children); err != nil {
		return err
	}

	// Step 4: attach every child. Its queue seeds from the IndexPart we
	// just uploaded, so it will not re-upload any inherited layer object.
	for _, c := range children {
		if _, err := deps.Attach.Attach(ctx, c.Tsid, c.Gen, tenant.ModeNormal); err != nil {
			return cmn.NewError(cmn.ErrOther, "attach child shard %s", c.Tsid).Wrap(err)
		}
	}

	// Step 5 (WAL ingest catchup to the parent's last-record LSN) is a
	// property of the WAL-apply collaborator this core doesn't own;
	// callers that need it poll the child's timeline metadata after attach.

	// Step 6: shut down and erase the parent shard locally. Its remote
	// objects stay put; children now reference them via their own
	// IndexParts.
	parent.Shutdown()
	localDir := filepath.Join(deps.Config.WorkDir, parent.Tsid.String())
	if err := os.RemoveAll(localDir); err != nil {
		return cmn.NewError(cmn.ErrOther, "erase parent shard local state %s", localDir).Wrap(err)
	}
	return nil
}

// forkTimeline flushes the parent's latest state, shuts its queue down so
// nothing further invalidates the IndexPart we are about to fork, downloads
// that authoritative IndexPart, and uploads an unmodified copy of it to
// every child at the child's generation-suffixed key. Layer-metadata
// entries retain their original CreatingShard (the parent's), which is
// what makes a child's shard filter reject deleting an inherited object.
func forkTimeline(ctx context.Context, deps Deps, parentTsid cmn.TenantShardId, parentGen cmn.Generation, tl *tenant.Timeline, children []ChildSpec) (*index.IndexPart, error) {
	if err := tl.Queue.ScheduleIndexUpdateIfDirty(); err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "flush timeline %s before split", tl.Id).Wrap(err)
	}
	if err := tl.Queue.WaitCompletion(); err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "wait for timeline %s flush before split", tl.Id).Wrap(err)
	}
	if err := tl.Queue.Shutdown(); err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "shut down timeline %s for split", tl.Id).Wrap(err)
	}

	ip, err := index.Resolve(ctx, deps.Remote, parentTsid, tl.Id, parentGen)
	if err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "resolve parent index part for timeline %s", tl.Id).Wrap(err)
	}
	if ip.IsDeleted() {
		return nil, cmn.NewError(cmn.ErrConflict, "timeline %s is being deleted, split cannot proceed", tl.Id)
	}

	data, err := index.Marshal(ip)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		key := index.ObjectKey(c.Tsid, tl.Id, c.Gen)
		if err := deps.Remote.Put(ctx, key, bytes.NewReader(data), int64(len(data)), nil); err != nil {
			return nil, cmn.NewError(cmn.ErrRemoteIO, "upload child index part %s", key).Wrap(err)
		}
	}
	return ip, nil
}

// linkLocalLayers hard-links every layer file named in each forked
// IndexPart from the parent's local timeline directory into every child's
// local timeline directory. Best-effort: AlreadyExists and NotFound are
// both tolerated.
func linkLocalLayers(cfg *cmn.Config, parentTsid cmn.TenantShardId, forked map[cmn.TimelineId]*index.IndexPart, children []ChildSpec) error {
	for tlID, ip := range forked {
		parentDir := filepath.Join(cfg.WorkDir, parentTsid.String(), "timelines", tlID.String())
		for name := range ip.LayerMetadata {
			src := filepath.Join(parentDir, name.String())
			if _, err := os.Stat(src); err != nil {
				if os.IsNotExist(err) {
					continue // evicted locally; the child will re-download on demand
				}
				return cmn.NewError(cmn.ErrOther, "stat parent layer file %s", src).Wrap(err)
			}
			for _, c := range children {
				childDir := filepath.Join(cfg.WorkDir, c.Tsid.String(), "timelines", tlID.String())
				if err := os.MkdirAll(childDir, 0o755); err != nil {
					return cmn.NewError(cmn.ErrOther, "create child timeline dir %s", childDir).Wrap(err)
				}
				dst := filepath.Join(childDir, name.String())
				if err := os.Link(src, dst); err != nil && !os.IsExist(err) {
					return cmn.NewError(cmn.ErrOther, "hard-link layer %s into %s", name, c.Tsid).Wrap(err)
				}
			}
		}
	}
	return nil
}
