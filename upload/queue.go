// Package upload implements the per-timeline Upload Queue state machine:
// ordering of layer uploads, index uploads, and deletions; barriers and
// shutdown.
// This file implements Queue, the upload queue state machine.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package upload

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/index"
	"github.com/pageserver/pageserver/remote"
)

// State is the upload queue's sum type. Transitions are monotonic:
// Uninitialized -> Initialized -> Stopped.
type State uint8

const (
	StateUninitialized State = iota
	StateInitialized
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateStopped:
		return "Stopped"
	default:
		return "Uninitialized"
	}
}

// Metadata bundles the embedded TimelineMetadata with the top-level
// disk_consistent_lsn an IndexPart carries.
type Metadata struct {
	Timeline          index.TimelineMetadata
	DiskConsistentLsn cmn.Lsn
}

var (
	ErrQueueNotReady = cmn.NewError(cmn.ErrConflict, "upload queue not ready (uninitialized or stopped)")
	ErrQueueStopped  = cmn.NewError(cmn.ErrUnavailable, "upload queue stopped")
)

// StoppedSnapshot retains what Stopped needs for deletion completion.
type StoppedSnapshot struct {
	LatestFiles    map[cmn.LayerFileName]index.LayerFileMetadata
	LatestMetadata Metadata
	DeletedAt      *index.IndexPart
}

// Queue is the per-timeline upload queue.
type Queue struct {
	mu sync.Mutex

	state State
	tsid  cmn.TenantShardId
	tl    cmn.TimelineId
	gen   cmn.Generation

	deps Deps

	// Initialized fields
	latestFiles    map[cmn.LayerFileName]index.LayerFileMetadata
	latestMetadata Metadata
	dirtySinceLastIndex int

	queued     []*UploadOp
	inprogress map[int64]*UploadOp
	nextTaskID int64

	inprogressLayerUploads    int
	inprogressMetadataUploads int
	inprogressDeletions       int

	projectedRemoteConsistentLsn cmn.Lsn
	visibleRemoteConsistentLsn   atomic.Uint64 // shared handle, concurrent readers

	shuttingDown  bool
	shutdownReady chan struct{}
	stoppedCh     chan struct{} // closed exactly once, when the queue transitions to Stopped

	stopped *StoppedSnapshot
}

// Deps are the queue's external collaborators: the remote adapter it
// uploads/deletes against and the deletion queue it notifies for
// generation-gated visible-LSN advancement.
type Deps struct {
	Remote   remote.Adapter
	Deletion DeletionSink

	// Cancel is the hierarchical cancellation token: a timeline's queue
	// watches the parent tenant's token (a child context derived from it)
	// and force-stops when it fires mid-execution. Nil means no
	// cancellation source is wired (context.Background() is used instead).
	Cancel context.Context
}

// DeletionSink is the narrow slice of the Deletion Queue contract the upload queue needs on a successful UploadIndex completion.
type DeletionSink interface {
	UpdateRemoteConsistentLsn(tsid cmn.TenantShardId, timeline cmn.TimelineId, gen cmn.Generation, lsn cmn.Lsn, visible *atomic.Uint64)
}

// New constructs an Uninitialized queue for one timeline.
func New(tsid cmn.TenantShardId, tl cmn.TimelineId, gen cmn.Generation, deps Deps) *Queue {
	return &Queue{tsid: tsid, tl: tl, gen: gen, deps: deps, state: StateUninitialized}
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// VisibleRemoteConsistentLsn is safe for concurrent readers without taking
// the queue lock.
func (q *Queue) VisibleRemoteConsistentLsn() cmn.Lsn {
	return cmn.Lsn(q.visibleRemoteConsistentLsn.Load())
}

func (q *Queue) ProjectedRemoteConsistentLsn() cmn.Lsn {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.projectedRemoteConsistentLsn
}

// --- op 1: initialize_from_remote ---

func (q *Queue) InitializeFromRemote(ip *index.IndexPart) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateUninitialized {
		return ErrQueueNotReady
	}
	q.seedLocked(ip)
	q.state = StateInitialized
	return nil
}

func (q *Queue) seedLocked(ip *index.IndexPart) {
	q.latestFiles = make(map[cmn.LayerFileName]index.LayerFileMetadata, len(ip.LayerMetadata))
	for k, v := range ip.LayerMetadata {
		q.latestFiles[k] = v
	}
	q.latestMetadata = Metadata{Timeline: ip.Metadata, DiskConsistentLsn: ip.DiskConsistentLsn}
	q.projectedRemoteConsistentLsn = ip.DiskConsistentLsn
	q.visibleRemoteConsistentLsn.Store(uint64(ip.DiskConsistentLsn))
	q.queued = nil
	q.inprogress = make(map[int64]*UploadOp)
	q.shutdownReady = make(chan struct{})
	q.stoppedCh = make(chan struct{})
	q.startCancelWatcherLocked()
}

// startCancelWatcherLocked spawns the cancellation observer once per
// Initialized lifetime: if the hierarchical token fires before the queue
// reaches Stopped on its own, force-stop it — the current op is abandoned
// and the queue transitions to Stopped. A nil Cancel means nothing to
// watch.
func (q *Queue) startCancelWatcherLocked() {
	if q.deps.Cancel == nil {
		return
	}
	cancelled := q.deps.Cancel.Done()
	stopped := q.stoppedCh
	go func() {
		select {
		case <-cancelled:
			q.Stop()
		case <-stopped:
		}
	}()
}

// ctx returns the queue's cancellation source for in-flight I/O, defaulting
// to context.Background() when none is wired.
func (q *Queue) ctx() context.Context {
	if q.deps.Cancel != nil {
		return q.deps.Cancel
	}
	return context.Background()
}

// --- op 2: initialize_empty ---

func (q *Queue) InitializeEmpty(metadata Metadata) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateUninitialized {
		return ErrQueueNotReady
	}
	q.seedLocked(index.NewEmpty(metadata.Timeline))
	q.latestMetadata = metadata
	q.projectedRemoteConsistentLsn = metadata.DiskConsistentLsn
	q.visibleRemoteConsistentLsn.Store(uint64(metadata.DiskConsistentLsn))
	q.state = StateInitialized
	return nil
}

// --- op 3: initialize_stopped_for_deletion ---

func (q *Queue) InitializeStoppedForDeletion(ip *index.IndexPart) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateUninitialized {
		return ErrQueueNotReady
	}
	q.seedLocked(ip)
	q.state = StateStopped
	close(q.stoppedCh)
	snap := &StoppedSnapshot{LatestFiles: q.latestFiles, LatestMetadata: q.latestMetadata}
	if ip.IsDeleted() {
		snap.DeletedAt = ip
	}
	q.stopped = snap
	return nil
}

func (q *Queue) requireInitializedLocked() error {
	if q.state != StateInitialized {
		if q.state == StateStopped {
			return ErrQueueStopped
		}
		return ErrQueueNotReady
	}
	return nil
}

// --- op 4: schedule_layer_upload ---

func (q *Queue) ScheduleLayerUpload(layer ResidentLayer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireInitializedLocked(); err != nil {
		return err
	}
	q.latestFiles[layer.Name()] = layer.Metadata()
	q.dirtySinceLastIndex++
	q.enqueueLocked(&UploadOp{Kind: OpUploadLayer, Layer: layer})
	return nil
}

// --- op 5: schedule_unlink_layers ---

func (q *Queue) ScheduleUnlinkLayers(names []cmn.LayerFileName) ([]DeleteEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireInitializedLocked(); err != nil {
		return nil, err
	}
	var collected []DeleteEntry
	for _, n := range names {
		if meta, ok := q.latestFiles[n]; ok {
			collected = append(collected, DeleteEntry{Name: n, Metadata: meta})
			delete(q.latestFiles, n)
			q.dirtySinceLastIndex++
		}
	}
	if len(collected) > 0 {
		q.enqueueIndexUploadLocked()
	}
	return collected, nil
}

// --- op 6: schedule_delete_of_unlinked ---

func (q *Queue) ScheduleDeleteOfUnlinked(entries []DeleteEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireInitializedLocked(); err != nil {
		return err
	}
	ownShard := q.tsid.Shard
	var own []DeleteEntry
	for _, e := range entries {
		if e.Metadata.CreatingShard.Equal(ownShard) {
			own = append(own, e)
		}
		// else: silently dropped — not this shard's object to delete
	}
	if len(own) == 0 {
		return nil // empty delete list is a no-op
	}
	q.enqueueLocked(&UploadOp{Kind: OpDelete, DeleteEntries: own})
	return nil
}

// --- op 7: schedule_index_update_for_metadata ---

func (q *Queue) ScheduleIndexUpdateForMetadata(metadata Metadata) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireInitializedLocked(); err != nil {
		return err
	}
	q.latestMetadata = metadata
	q.dirtySinceLastIndex++
	q.enqueueIndexUploadLocked()
	return nil
}

// --- op 8: schedule_index_update_if_dirty ---

func (q *Queue) ScheduleIndexUpdateIfDirty() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireInitializedLocked(); err != nil {
		return err
	}
	if q.dirtySinceLastIndex > 0 {
		q.enqueueIndexUploadLocked()
	}
	return nil
}

// --- op 9: schedule_compaction_update ---

func (q *Queue) ScheduleCompactionUpdate(added []ResidentLayer, removed []cmn.LayerFileName) error {
	q.mu.Lock()
	if err := q.requireInitializedLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	for _, l := range added {
		q.latestFiles[l.Name()] = l.Metadata()
		q.dirtySinceLastIndex++
		q.enqueueLocked(&UploadOp{Kind: OpUploadLayer, Layer: l})
	}
	q.mu.Unlock()

	_, err := q.ScheduleUnlinkLayers(removed)
	return err
}

// --- op 10: schedule_barrier ---

func (q *Queue) ScheduleBarrier() (*Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requireInitializedLocked(); err != nil {
		return nil, err
	}
	sig := newSignal()
	q.enqueueLocked(&UploadOp{Kind: OpBarrier, Signal: sig})
	return sig, nil
}

// --- op 11: wait_completion ---

func (q *Queue) WaitCompletion() error {
	sig, err := q.ScheduleBarrier()
	if err != nil {
		return err
	}
	return sig.Wait()
}

// --- op 12: shutdown ---

// Shutdown appends Shutdown, stops admitting new ops, awaits drain, and
// transitions to Stopped. Not cancel-safe: callers
// must let it run to completion once invoked.
func (q *Queue) Shutdown() error {
	q.mu.Lock()
	if q.state == StateStopped {
		q.mu.Unlock()
		return nil
	}
	if err := q.requireInitializedLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	q.shuttingDown = true
	q.enqueueLocked(&UploadOp{Kind: OpShutdown})
	ready := q.shutdownReady
	q.mu.Unlock()

	<-ready

	q.mu.Lock()
	q.transitionToStoppedLocked()
	q.mu.Unlock()
	return nil
}

// --- op 13: stop ---

// Stop force-transitions to Stopped: drains queued ops (dropping any
// Barrier receivers so their waiters observe failure), leaves in-progress
// ops to finish on their own. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateStopped {
		return // idempotent
	}
	q.transitionToStoppedLocked()
}

func (q *Queue) transitionToStoppedLocked() {
	if q.state == StateStopped {
		return
	}
	for _, op := range q.queued {
		if op.Kind == OpBarrier && op.Signal != nil {
			op.Signal.fire(ErrQueueStopped)
		}
	}
	q.queued = nil
	q.stopped = &StoppedSnapshot{LatestFiles: q.latestFiles, LatestMetadata: q.latestMetadata}
	q.state = StateStopped
	if q.stoppedCh != nil {
		close(q.stoppedCh)
	}
}

func (q *Queue) enqueueIndexUploadLocked() {
	ip := &index.IndexPart{
		Version:           index.CurrentVersion,
		LayerMetadata:     cloneFiles(q.latestFiles),
		DiskConsistentLsn: q.latestMetadata.DiskConsistentLsn,
		Metadata:          q.latestMetadata.Timeline,
	}
	q.dirtySinceLastIndex = 0
	q.enqueueLocked(&UploadOp{Kind: OpUploadIndex, Index: ip, DiskConsistentLsn: ip.DiskConsistentLsn})
}

func cloneFiles(m map[cmn.LayerFileName]index.LayerFileMetadata) map[cmn.LayerFileName]index.LayerFileMetadata {
	out := make(map[cmn.LayerFileName]index.LayerFileMetadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (q *Queue) enqueueLocked(op *UploadOp) {
	q.queued = append(q.queued, op)
	q.tryDispatchLocked()
}
