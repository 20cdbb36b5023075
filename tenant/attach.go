// Package tenant implements the Tenant and Timeline objects, the Attach &
// Preload pipeline, and the shutdown-admission-control primitive ("gate")
// both rely on.
// This file implements Manager, the Attach & Preload pipeline.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package tenant

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pageserver/pageserver/cluster"
	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/cmn/cos"
	"github.com/pageserver/pageserver/index"
	"github.com/pageserver/pageserver/remote"
	"github.com/pageserver/pageserver/upload"
)

// Mode selects whether this attach is part of a process cold start
// (subject to warmup gating) or an on-demand promotion triggered by a
// client request.
type Mode uint8

const (
	ModeWarmup Mode = iota
	ModeNormal
)

// preloadConcurrency bounds concurrent IndexPart downloads during stage 1.
const preloadConcurrency = 16

// Manager runs the attach pipeline against a process-wide tenants map,
// remote adapter, and deletion sink: the object that owns slot acquisition
// plus the long-running work performed while a slot is InProgress.
type Manager struct {
	Tenants  *cluster.TenantsMap
	Remote   remote.Adapter
	Deletion upload.DeletionSink
	Config   *cmn.Config

	// Root is the process-lifetime parent of every attached tenant's
	// cancellation token (not the per-call ctx an individual Attach
	// invocation is preempted by — that one only bounds the attach
	// pipeline itself). Defaults to context.Background(); callers that
	// want attached tenants to unwind on process shutdown should set it
	// to the process's shutdown context before calling Attach.
	Root context.Context

	warmup *semaphore.Weighted
}

func NewManager(tenants *cluster.TenantsMap, remoteAdapter remote.Adapter, deletionSink upload.DeletionSink, cfg *cmn.Config) *Manager {
	if cfg == nil {
		cfg = cmn.DefaultConfig()
	}
	return &Manager{
		Tenants:  tenants,
		Remote:   remoteAdapter,
		Deletion: deletionSink,
		Config:   cfg,
		Root:     context.Background(),
		warmup:   semaphore.NewWeighted(int64(cfg.WarmupConcurrency)),
	}
}

type preloadEntry struct {
	id  cmn.TimelineId
	ip  *index.IndexPart
	err error // non-NotFound preload error; kept in existent-set but not loaded
}

// Attach runs the full attach pipeline for tsid at generation gen and, on
// either success or a stage 1-5 failure, installs the resulting Tenant
// into the tenants map.
func (m *Manager) Attach(ctx context.Context, tsid cmn.TenantShardId, gen cmn.Generation, mode Mode) (*Tenant, error) {
	guard, err := m.Tenants.AcquireSlot(tsid, cluster.Any)
	if err != nil {
		return nil, err
	}

	t := newTenant(m.Root, tsid, gen, Deps{Upload: upload.Deps{Remote: m.Remote, Deletion: m.Deletion}})

	pipelineErr := m.runPipeline(ctx, t, mode)

	if upErr := guard.Upsert(&cluster.TenantSlot{Kind: cluster.SlotAttached, Attached: t}); upErr != nil {
		return t, upErr
	}
	return t, pipelineErr
}

func (m *Manager) runPipeline(ctx context.Context, t *Tenant, mode Mode) error {
	if err := ctx.Err(); err != nil {
		t.markBroken("shut down while attaching")
		return err
	}

	deleted, entries, err := m.preload(ctx, t.Tsid, t.Gen)
	if err != nil {
		t.markBroken(err.Error())
		return err
	}

	if deleted {
		// Supplemented from original_source/pageserver/src/tenant/mgr.rs:
		// a tombstoned tenant short-circuits the remaining stages. It never activates; recorded as
		// Broken so it stays observable in the slot like any other
		// non-activating outcome.
		t.markBroken("tenant is marked deleted")
		return nil
	}

	warmupHeld := false
	if mode == ModeWarmup {
		if err := m.warmup.Acquire(ctx, 1); err != nil {
			t.markBroken("shut down while attaching")
			return err
		}
		warmupHeld = true
	}
	if warmupHeld {
		defer m.warmup.Release(1)
	}

	if err := ctx.Err(); err != nil {
		t.markBroken("shut down while attaching")
		return err
	}

	if err := m.topologicalLoad(t, entries); err != nil {
		t.markBroken(err.Error())
		return err
	}

	if err := m.purgeStaleLocalDirs(t.Tsid, entries); err != nil {
		t.markBroken(err.Error())
		return err
	}

	t.setState(StateActivating)
	// Background loops (GC, compaction, eviction) are out-of-scope
	// collaborators; activation here is the state transition alone.
	t.setState(StateActive)

	if warmupHeld {
		for _, tl := range t.Timelines() {
			select {
			case <-tl.InitialSizeDone():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}

// preload implements stage 1: list timeline ids, check the tenant-level
// deleted marker, and concurrently resolve each timeline's authoritative
// IndexPart.
func (m *Manager) preload(ctx context.Context, tsid cmn.TenantShardId, gen cmn.Generation) (bool, []preloadEntry, error) {
	deleted, err := m.checkDeletedMarker(ctx, tsid)
	if err != nil {
		return false, nil, err
	}

	listing, err := m.Remote.List(ctx, index.TimelinesPrefix(tsid), 0, remote.WithDelimiter)
	if err != nil {
		return false, nil, cmn.NewError(cmn.ErrRemoteIO, "list timelines for %s", tsid).Wrap(err)
	}

	ids := make([]cmn.TimelineId, 0, len(listing.CommonPrefixes))
	base := index.TimelinesPrefix(tsid)
	for _, p := range listing.CommonPrefixes {
		rest := strings.TrimPrefix(p, base)
		rest = strings.TrimSuffix(rest, "/")
		id, perr := cmn.ParseTimelineId(rest)
		if perr != nil {
			continue
		}
		ids = append(ids, id)
	}

	entries := make([]preloadEntry, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			ip, rerr := index.Resolve(gctx, m.Remote, tsid, id, gen)
			switch {
			case rerr == nil:
				entries[i] = preloadEntry{id: id, ip: ip}
			case cmn.IsNotFound(rerr):
				entries[i] = preloadEntry{id: id, ip: nil, err: nil} // non-existent, dropped below
			default:
				entries[i] = preloadEntry{id: id, err: rerr}
			}
			return nil
		})
	}
	_ = g.Wait()

	existent := entries[:0]
	for _, e := range entries {
		if e.ip == nil && e.err == nil {
			continue // NotFound: treated as non-existent
		}
		existent = append(existent, e)
	}
	return deleted, existent, nil
}

func (m *Manager) checkDeletedMarker(ctx context.Context, tsid cmn.TenantShardId) (bool, error) {
	res, err := m.Remote.Get(ctx, index.DeletedMarkerKey(tsid), nil)
	if err == nil {
		if res.Body != nil {
			res.Body.Close()
		}
		return true, nil
	}
	if cmn.IsNotFound(err) {
		return false, nil
	}
	return false, cmn.NewError(cmn.ErrRemoteIO, "check deleted marker for %s", tsid).Wrap(err)
}

// topologicalLoad implements stages 3-4: sort timelines ancestor-first,
// then for each one create the Timeline object, initialize its upload
// queue (Stopped-for-deletion if its IndexPart carries deleted_at), and
// resolve its ancestor link.
func (m *Manager) topologicalLoad(t *Tenant, entries []preloadEntry) error {
	byID := make(map[cmn.TimelineId]*preloadEntry, len(entries))
	for i := range entries {
		if entries[i].ip != nil {
			byID[entries[i].id] = &entries[i]
		}
		// entries with a non-NotFound err are existent (kept for purge
		// purposes) but have no IndexPart to load from; skip loading.
	}

	adjacency := make(map[cmn.TimelineId][]cmn.TimelineId)
	indegree := make(map[cmn.TimelineId]int)
	for id, e := range byID {
		indegree[id] = 0
		if anc := e.ip.Metadata.AncestorTimelineID; anc != nil {
			if _, ok := byID[*anc]; ok {
				indegree[id] = 1
				adjacency[*anc] = append(adjacency[*anc], id)
			}
		}
	}

	var queue []cmn.TimelineId
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].String() < queue[j].String() })

	processed := make(map[cmn.TimelineId]bool, len(byID))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		e := byID[id]

		var ancestor *Timeline
		if anc := e.ip.Metadata.AncestorTimelineID; anc != nil {
			ancestor, _ = t.Timeline(*anc)
		}

		timelineDeps := t.deps.Upload
		timelineDeps.Cancel = t.ctx // tenant token is parent of every timeline's token
		q := upload.New(t.Tsid, id, t.Gen, timelineDeps)
		if e.ip.IsDeleted() {
			if err := q.InitializeStoppedForDeletion(e.ip); err != nil {
				return err
			}
		} else if err := q.InitializeFromRemote(e.ip); err != nil {
			return err
		}

		tl := newTimeline(id, q, ancestor)
		tl.markInitialSizeDone() // logical-size calculator is out of scope

		if ancestor == nil && !e.ip.IsDeleted() {
			if err := m.bootstrapFromInitdb(t.Tsid, id); err != nil {
				return err
			}
		}

		t.mu.Lock()
		t.timelines[id] = tl
		t.mu.Unlock()

		processed[id] = true

		children := adjacency[id]
		sort.Slice(children, func(i, j int) bool { return children[i].String() < children[j].String() })
		for _, child := range children {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	return nil
}

// bootstrapFromInitdb materializes a root timeline's local directory from
// its remote initdb.tar.zst archive the first time it is loaded.
//
// A timeline with no local directory yet but an ancestor link never hits
// this path: only roots carry an archive. Already-materialized local
// directories are left untouched; a missing archive (already unpacked and
// GC'd by a prior run) is not an error.
func (m *Manager) bootstrapFromInitdb(tsid cmn.TenantShardId, timeline cmn.TimelineId) error {
	localDir := filepath.Join(m.Config.WorkDir, tsid.String(), "timelines", timeline.String())
	if _, err := os.Stat(localDir); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return cmn.NewError(cmn.ErrOther, "stat local timeline dir %s", localDir).Wrap(err)
	}

	res, err := m.Remote.Get(context.Background(), index.InitdbArchiveKey(tsid, timeline), nil)
	if err != nil {
		if cmn.IsNotFound(err) {
			return nil
		}
		return cmn.NewError(cmn.ErrRemoteIO, "fetch initdb archive for %s", timeline).Wrap(err)
	}
	defer res.Body.Close()

	files, err := cos.ReadInitdbArchive(res.Body)
	if err != nil {
		return cmn.NewError(cmn.ErrOther, "unpack initdb archive for %s", timeline).Wrap(err)
	}
	for name, content := range files {
		f, err := cos.CreateFile(filepath.Join(localDir, name))
		if err != nil {
			return err
		}
		_, werr := f.Write(content)
		cerr := f.Close()
		if werr != nil {
			return cmn.NewError(cmn.ErrOther, "write initdb file %s", name).Wrap(werr)
		}
		if cerr != nil {
			return cmn.NewError(cmn.ErrOther, "close initdb file %s", name).Wrap(cerr)
		}
	}
	return nil
}

// purgeStaleLocalDirs implements stage 5: remove local timeline
// directories whose id is not in the existent set computed by stage 1.
func (m *Manager) purgeStaleLocalDirs(tsid cmn.TenantShardId, existent []preloadEntry) error {
	want := make(map[string]bool, len(existent))
	for _, e := range existent {
		want[e.id.String()] = true
	}

	dir := filepath.Join(m.Config.WorkDir, tsid.String(), "timelines")
	children, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cmn.NewError(cmn.ErrOther, "read timelines dir %s", dir).Wrap(err)
	}
	for _, c := range children {
		if !c.IsDir() || want[c.Name()] {
			continue
		}
		if _, err := cmn.ParseTimelineId(c.Name()); err != nil {
			// Unparseable timeline directory names are left alone rather
			// than risk deleting something a corrupted rename left behind.
			// Decision recorded in DESIGN.md: skip, don't delete.
			cmn.Warnf("purge: leaving unparseable timeline dir %s/%s alone", dir, c.Name())
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, c.Name())); err != nil {
			return cmn.NewError(cmn.ErrOther, "purge stale timeline dir %s", c.Name()).Wrap(err)
		}
	}
	return nil
}
