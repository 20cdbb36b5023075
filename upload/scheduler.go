// Package upload implements the per-timeline Upload Queue state machine:
// ordering of layer uploads, index uploads, and deletions; barriers and
// shutdown.
// This file implements the queue's dispatch and completion logic.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package upload

import (
	"bytes"
	"context"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/index"
)

// tryDispatchLocked implements the scheduling loop: repeatedly pick the
// next runnable op off the head of the queue. Called with q.mu held,
// whenever the queue changes
// (enqueue, task completion). Eligible ops are popped from the head and
// handed to goroutines (or, for Barrier, fired synchronously since they do
// no I/O); ineligible heads stop the loop.
func (q *Queue) tryDispatchLocked() {
	for len(q.queued) > 0 {
		head := q.queued[0]
		switch head.Kind {
		case OpUploadLayer:
			q.popLocked()
			q.dispatchLocked(head)
			// always eligible: keep draining the head.

		case OpUploadIndex:
			if len(q.inprogress) != 0 {
				return
			}
			q.popLocked()
			q.dispatchLocked(head)
			// a just-started index upload doesn't block a following
			// UploadLayer, so keep looping; it will naturally stop the
			// loop at the next UploadIndex/Delete head.

		case OpDelete:
			if !q.allInprogressAreDeletesLocked() {
				return
			}
			q.popLocked()
			q.dispatchLocked(head)

		case OpBarrier:
			if len(q.inprogress) != 0 {
				return
			}
			q.popLocked()
			head.Signal.fire(nil)
			// doesn't occupy a task slot; keep draining.

		case OpShutdown:
			if len(q.inprogress) != 0 {
				return
			}
			// leaves itself at the head: Shutdown() is waiting on this
			// channel to then transition the queue to Stopped.
			select {
			case <-q.shutdownReady:
				// already closed (Stop()/Shutdown() raced); nothing to do.
			default:
				close(q.shutdownReady)
			}
			return
		}
	}
}

func (q *Queue) popLocked() *UploadOp {
	op := q.queued[0]
	q.queued = q.queued[1:]
	return op
}

func (q *Queue) allInprogressAreDeletesLocked() bool {
	for _, op := range q.inprogress {
		if op.Kind != OpDelete {
			return false
		}
	}
	return true
}

// dispatchLocked assigns a task id, records the op as in-progress, and
// spawns its execution. Must be called with q.mu held; the spawned
// goroutine takes the lock itself on completion.
func (q *Queue) dispatchLocked(op *UploadOp) {
	q.nextTaskID++
	op.TaskID = q.nextTaskID
	q.inprogress[op.TaskID] = op
	switch op.Kind {
	case OpUploadLayer:
		q.inprogressLayerUploads++
	case OpUploadIndex:
		q.inprogressMetadataUploads++
	case OpDelete:
		q.inprogressDeletions++
	}
	go q.runTask(op)
}

// runTask executes one dispatched op with indefinite retry, then reports
// completion back into the queue under lock.
func (q *Queue) runTask(op *UploadOp) {
	ctx := q.ctx()
	err := RetryIndefinitely(ctx, op.String(), func() error {
		return q.executeOnce(ctx, op)
	})
	q.onTaskComplete(op, err)
}

func (op *UploadOp) String() string {
	return op.Kind.String()
}

// executeOnce performs the op's I/O exactly once, with no retry of its own
// (RetryIndefinitely wraps it).
func (q *Queue) executeOnce(ctx context.Context, op *UploadOp) error {
	switch op.Kind {
	case OpUploadLayer:
		return q.uploadLayer(ctx, op)
	case OpUploadIndex:
		return q.uploadIndex(ctx, op)
	case OpDelete:
		return q.deleteLayers(ctx, op)
	default:
		return nil
	}
}

func (q *Queue) uploadLayer(ctx context.Context, op *UploadOp) error {
	r, err := op.Layer.Open()
	if err != nil {
		return cmn.NewError(cmn.ErrRemoteIO, "open layer %s for upload", op.Layer.Name()).Wrap(err)
	}
	defer r.Close()
	key := index.LayerKey(q.tsid, q.tl, op.Layer.Name(), q.gen)
	return q.deps.Remote.Put(ctx, key, r, r.Size(), nil)
}

func (q *Queue) uploadIndex(ctx context.Context, op *UploadOp) error {
	data, err := index.Marshal(op.Index)
	if err != nil {
		return err
	}
	key := index.ObjectKey(q.tsid, q.tl, q.gen)
	return q.deps.Remote.Put(ctx, key, bytes.NewReader(data), int64(len(data)), nil)
}

func (q *Queue) deleteLayers(ctx context.Context, op *UploadOp) error {
	keys := make([]string, len(op.DeleteEntries))
	for i, e := range op.DeleteEntries {
		gen := e.Metadata.CreatingGeneration
		keys[i] = index.LayerKey(q.tsid, q.tl, e.Name, gen)
	}
	if derrs := q.deps.Remote.Delete(ctx, keys); len(derrs) > 0 {
		return cmn.NewError(cmn.ErrRemoteIO, "delete %d of %d layer objects failed", len(derrs), len(keys))
	}
	return nil
}

// onTaskComplete applies completion side effects: remove from
// in-progress, advance projected/visible remote-consistent LSN on a
// successful index upload, notify the deletion queue, and re-evaluate
// dispatch.
func (q *Queue) onTaskComplete(op *UploadOp, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inprogress, op.TaskID)
	switch op.Kind {
	case OpUploadLayer:
		q.inprogressLayerUploads--
	case OpUploadIndex:
		q.inprogressMetadataUploads--
	case OpDelete:
		q.inprogressDeletions--
	}

	if err == nil && op.Kind == OpUploadIndex {
		q.projectedRemoteConsistentLsn = op.DiskConsistentLsn
		if !q.gen.Valid() {
			// no generation to validate against a split-brain peer: visible
			// immediately.
			q.visibleRemoteConsistentLsn.Store(uint64(op.DiskConsistentLsn))
		} else if q.deps.Deletion != nil {
			// becomes visible once the Deletion Queue confirms our
			// generation is still current.
			q.deps.Deletion.UpdateRemoteConsistentLsn(q.tsid, q.tl, q.gen, op.DiskConsistentLsn, &q.visibleRemoteConsistentLsn)
		}
	}

	q.tryDispatchLocked()
}
