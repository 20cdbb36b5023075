// Package tenant implements the Tenant and Timeline objects, the Attach &
// Preload pipeline, and the shutdown-admission-control primitive ("gate")
// both rely on.
// This file implements Tenant and Timeline, the per-shard and
// per-timeline runtime objects.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package tenant

import (
	"context"
	"sync"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/upload"
)

// State is the tenant lifecycle sum type: Attaching ->
// Activating -> Active, or Attaching -> Broken on failure, or any state ->
// Stopping on shutdown.
type State uint8

const (
	StateAttaching State = iota
	StateActivating
	StateActive
	StateStopping
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "Attaching"
	case StateActivating:
		return "Activating"
	case StateActive:
		return "Active"
	case StateStopping:
		return "Stopping"
	case StateBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// Timeline wraps one timeline's upload queue together with the ancestry
// link the topological-load stage resolves.
type Timeline struct {
	Id       cmn.TimelineId
	Ancestor *Timeline

	Queue *upload.Queue

	mu              sync.Mutex
	initialSizeDone chan struct{}
}

func newTimeline(id cmn.TimelineId, q *upload.Queue, ancestor *Timeline) *Timeline {
	return &Timeline{Id: id, Queue: q, Ancestor: ancestor, initialSizeDone: make(chan struct{})}
}

// markInitialSizeDone signals the warm-up tail that
// this timeline's initial logical size calculation has completed. A real
// size calculator is an out-of-scope collaborator; attach just needs
// something to wait on.
func (t *Timeline) markInitialSizeDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.initialSizeDone:
		// already closed
	default:
		close(t.initialSizeDone)
	}
}

// InitialSizeDone is closed once this timeline's initial logical size
// calculation completes.
func (t *Timeline) InitialSizeDone() <-chan struct{} { return t.initialSizeDone }

// Tenant is the per-tenant-shard object the slot manager (cluster package)
// holds once attached. It satisfies cluster.SlotObject
// structurally via ShutDown, without cluster importing this package.
type Tenant struct {
	Tsid cmn.TenantShardId
	Gen  cmn.Generation

	deps Deps

	// ctx is the hierarchical cancellation token: the parent of every
	// timeline's upload-queue token. cancel fires it on Shutdown so any
	// in-flight remote op currently retrying abandons and the queue
	// transitions to Stopped.
	ctx    context.Context
	cancel context.CancelFunc

	gate *Gate

	mu           sync.RWMutex
	state        State
	brokenReason string
	timelines    map[cmn.TimelineId]*Timeline

	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// Deps are a tenant's external collaborators, threaded through to every
// timeline's upload queue.
type Deps struct {
	Upload upload.Deps
}

func newTenant(parentCtx context.Context, tsid cmn.TenantShardId, gen cmn.Generation, deps Deps) *Tenant {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Tenant{
		Tsid:         tsid,
		Gen:          gen,
		deps:         deps,
		ctx:          ctx,
		cancel:       cancel,
		gate:         &Gate{},
		state:        StateAttaching,
		timelines:    make(map[cmn.TimelineId]*Timeline),
		shutdownDone: make(chan struct{}),
	}
}

// Generation returns the generation this tenant shard was attached at,
// satisfying the narrow interface the deletion queue's generation
// authority checks against (cmd/pageserver/authority.go).
func (t *Tenant) Generation() cmn.Generation { return t.Gen }

func (t *Tenant) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// BrokenReason returns the reason recorded when the tenant transitioned to
// Broken, or "" if it never did.
func (t *Tenant) BrokenReason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.brokenReason
}

func (t *Tenant) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// markBroken transitions to Broken, recording reason, unless the tenant is
// already Stopping.
func (t *Tenant) markBroken(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStopping {
		return
	}
	t.state = StateBroken
	t.brokenReason = reason
}

// Timeline looks up an already-loaded timeline by id.
func (t *Tenant) Timeline(id cmn.TimelineId) (*Timeline, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tl, ok := t.timelines[id]
	return tl, ok
}

// Timelines returns a snapshot slice of every loaded timeline.
func (t *Tenant) Timelines() []*Timeline {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Timeline, 0, len(t.timelines))
	for _, tl := range t.timelines {
		out = append(out, tl)
	}
	return out
}

// ShutDown implements cluster.SlotObject: true once shutdown has fully
// drained.
func (t *Tenant) ShutDown() bool {
	select {
	case <-t.shutdownDone:
		return true
	default:
		return false
	}
}

// Shutdown transitions to Stopping, closes the tenant's gate (no code
// enters it, so this waits on no holder), shuts down every timeline's
// upload queue, then fires the tenant's cancellation token. Idempotent;
// safe to call concurrently.
func (t *Tenant) Shutdown() {
	t.shutdownOnce.Do(func() {
		t.setState(StateStopping)
		t.gate.Close()
		for _, tl := range t.Timelines() {
			_ = tl.Queue.Shutdown()
		}
		t.cancel()
		close(t.shutdownDone)
	})
}
