// Package deletion implements the Deletion Queue contract:
// generation-validated, durable object deletion decoupled from the upload
// queue that discovers work for it.
// This file implements Queue, the in-process scheduler over the
// persisted store.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package deletion

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/index"
	"github.com/pageserver/pageserver/remote"
)

// GenerationAuthority validates a tenant-shard's attached generation. The
// real implementation calls the control plane's re-attach/validate RPC
//; this is the narrow slice a caller wires.
type GenerationAuthority interface {
	IsCurrent(ctx context.Context, tsid cmn.TenantShardId, gen cmn.Generation) (bool, error)
}

// Queue is the process-wide Deletion Queue singleton.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	store    *Store
	remote   remote.Adapter
	auth     GenerationAuthority

	nextSeq uint64
	pending map[uint64]struct{} // sequences persisted but not yet executed

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewQueue(store *Store, remoteAdapter remote.Adapter, auth GenerationAuthority) *Queue {
	q := &Queue{
		store:   store,
		remote:  remoteAdapter,
		auth:    auth,
		pending: make(map[uint64]struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Stop halts the background worker. Already-persisted pending lists remain
// on disk for the next recover().
func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

// NamedLayer is a (name, metadata) pair as produced by the upload queue's
// schedule_unlink_layers and handed to PushLayers.
type NamedLayer struct {
	Name     cmn.LayerFileName
	Metadata index.LayerFileMetadata
}

// PushLayers enqueues a batch of (name, metadata) pairs belonging to one
// (tenant-shard, timeline, generation) for eventual, generation-validated
// deletion. Returns immediately.
func (q *Queue) PushLayers(tsid cmn.TenantShardId, timeline cmn.TimelineId, gen cmn.Generation, entries []NamedLayer) error {
	list := &DeletionList{Entries: make([]ListEntry, len(entries))}
	for i, e := range entries {
		list.Entries[i] = ListEntry{Tsid: tsid, Timeline: timeline, Generation: gen, Name: e.Name, Metadata: e.Metadata}
	}

	q.mu.Lock()
	q.nextSeq++
	list.Sequence = q.nextSeq
	q.pending[list.Sequence] = struct{}{}
	q.mu.Unlock()

	if err := q.store.SaveList(list); err != nil {
		return err
	}
	q.wakeWorker()
	return nil
}

// PushImmediate bypasses generation validation and deletes keys now, used
// during tenant-erase where there is no surviving tenant
// shard left to hold a stale generation against.
func (q *Queue) PushImmediate(ctx context.Context, keys []string) []remote.DeleteError {
	return q.remote.Delete(ctx, keys)
}

// FlushAdvisory requests prompt processing without waiting for it.
func (q *Queue) FlushAdvisory() {
	q.wakeWorker()
}

// FlushExecute awaits completion of everything enqueued up to this call.
func (q *Queue) FlushExecute() {
	q.wakeWorker()
	q.mu.Lock()
	target := make([]uint64, 0, len(q.pending))
	for seq := range q.pending {
		target = append(target, seq)
	}
	for _, seq := range target {
		for q.isPendingLocked(seq) {
			q.cond.Wait()
		}
	}
	q.mu.Unlock()
}

func (q *Queue) isPendingLocked(seq uint64) bool {
	_, ok := q.pending[seq]
	return ok
}

// UpdateRemoteConsistentLsn implements upload.DeletionSink structurally:
// validate gen against the control plane and, on success, publish lsn into
// visible. On a stale generation the request is dropped silently — a
// split-brain peer may still need the objects this LSN would make eligible
// for deletion.
func (q *Queue) UpdateRemoteConsistentLsn(tsid cmn.TenantShardId, timeline cmn.TimelineId, gen cmn.Generation, lsn cmn.Lsn, visible *atomic.Uint64) {
	go func() {
		ctx := context.Background()
		current, err := q.auth.IsCurrent(ctx, tsid, gen)
		if err != nil || !current {
			return
		}
		visible.Store(uint64(lsn))
	}()
}

// Recover feeds the post-crash set of attached generations so in-flight
// pre-crash deletion lists can be validated before execution. Entries whose recorded generation no longer matches the attached
// generation in attached are dropped; everything else is re-queued.
func (q *Queue) Recover(ctx context.Context, attached map[cmn.TenantShardId]cmn.Generation) error {
	lists, err := q.store.LoadPending()
	if err != nil {
		return err
	}
	var maxSeq uint64
	for _, l := range lists {
		if l.Sequence > maxSeq {
			maxSeq = l.Sequence
		}
		var survivors []ListEntry
		for _, e := range l.Entries {
			if cur, ok := attached[e.Tsid]; ok && cur == e.Generation {
				survivors = append(survivors, e)
			}
			// else: tenant-shard no longer attached at that generation
			// (or at all) — stale, drop.
		}
		if len(survivors) == 0 {
			_ = q.store.DeleteList(l.Sequence)
			continue
		}
		l.Entries = survivors
		if err := q.store.SaveList(l); err != nil {
			return err
		}
		q.mu.Lock()
		q.pending[l.Sequence] = struct{}{}
		q.mu.Unlock()
	}
	q.mu.Lock()
	if maxSeq > q.nextSeq {
		q.nextSeq = maxSeq
	}
	q.mu.Unlock()
	q.wakeWorker()
	return nil
}

func (q *Queue) wakeWorker() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
			q.processPending()
		}
	}
}

func (q *Queue) processPending() {
	lists, err := q.store.LoadPending()
	if err != nil {
		cmn.Errf("deletion queue: load pending lists: %v", err)
		return
	}
	ctx := context.Background()
	for _, l := range lists {
		q.executeList(ctx, l)
	}
}

func (q *Queue) executeList(ctx context.Context, l *DeletionList) {
	var keys []string
	for _, e := range l.Entries {
		current, err := q.auth.IsCurrent(ctx, e.Tsid, e.Generation)
		if err != nil {
			cmn.Warnf("deletion queue: validate generation for %s: %v", e.Tsid, err)
			return // leave the list persisted, retry on next wake
		}
		if !current {
			continue // stale: entry's generation no longer current, drop silently
		}
		keys = append(keys, e.key())
	}
	for _, chunk := range remote.ChunkKeys(keys, 1000) {
		if derrs := q.remote.Delete(ctx, chunk); len(derrs) > 0 {
			cmn.Warnf("deletion queue: %d of %d deletes failed in list %d", len(derrs), len(chunk), l.Sequence)
			return // retry the whole list next wake
		}
	}
	if err := q.store.DeleteList(l.Sequence); err != nil {
		cmn.Errf("deletion queue: remove completed list %d: %v", l.Sequence, err)
		return
	}
	q.mu.Lock()
	delete(q.pending, l.Sequence)
	q.cond.Broadcast()
	q.mu.Unlock()
}
