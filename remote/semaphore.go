// Package remote defines the Remote Storage Adapter capability set: a
// capability-set interface over S3-compatible, local filesystem, and
// Azure/GCS backends.
// This file implements Limiter, the per-operation-kind semaphore pool.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package remote

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pageserver/pageserver/cmn"
)

// OpKind is one of the six capability-set operations, each with its own
// permit pool "to prevent head-of-line blocking".
type OpKind uint8

const (
	OpGet OpKind = iota
	OpPut
	OpList
	OpDelete
	OpCopy
	OpTimeTravel
)

// Limiter holds one semaphore per operation kind plus a shared per-request
// timeout, wrapping any Adapter to enforce concurrency control and timeout
// rules using golang.org/x/sync/semaphore.Weighted.
type Limiter struct {
	sems    map[OpKind]*semaphore.Weighted
	timeout time.Duration
}

func NewLimiter(cfg cmn.SemaphoreConfig, timeout time.Duration) *Limiter {
	return &Limiter{
		sems: map[OpKind]*semaphore.Weighted{
			OpGet:        semaphore.NewWeighted(max1(cfg.Get)),
			OpPut:        semaphore.NewWeighted(max1(cfg.Put)),
			OpList:       semaphore.NewWeighted(max1(cfg.List)),
			OpDelete:     semaphore.NewWeighted(max1(cfg.Delete)),
			OpCopy:       semaphore.NewWeighted(max1(cfg.Copy)),
			OpTimeTravel: semaphore.NewWeighted(max1(cfg.TimeTravel)),
		},
		timeout: timeout,
	}
}

func max1(n int64) int64 {
	if n < 1 {
		return 1
	}
	return n
}

// Guard acquires the permit for kind (suspending until available or ctx is
// done) and returns a per-request-timeout-bounded context plus a release
// function. Timeout is distinguished from cancellation by the caller
// inspecting ctx.Err() against the deadline: a Timeout error is reported
// when the returned context's deadline is what fired, a Cancelled error
// when the parent ctx fired first.
func (l *Limiter) Guard(ctx context.Context, kind OpKind) (context.Context, context.CancelFunc, error) {
	sem := l.sems[kind]
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, nil, cmn.NewError(cmn.ErrCancelled, "acquire %v permit", kind).Wrap(err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, l.timeout)
	release := func() {
		cancel()
		sem.Release(1)
	}
	return reqCtx, release, nil
}

// ClassifyTimeout distinguishes a request that failed because its own
// per-request deadline elapsed (ErrTimeout) from one cancelled by a parent
// token (ErrCancelled).
func ClassifyTimeout(reqCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if reqCtx.Err() == nil {
		// The request context never expired or was cancelled: err is a
		// domain error (NotFound, RemoteIO, ...) the backend returned on
		// its own, not a consequence of our timeout/cancellation
		// scaffolding. Passing it through unchanged is what lets callers
		// like cmn.IsNotFound keep working through a guarded adapter.
		return err
	}
	if reqCtx.Err() == context.DeadlineExceeded {
		return cmn.NewError(cmn.ErrTimeout, "remote request timed out").Wrap(err)
	}
	return cmn.NewError(cmn.ErrCancelled, "remote request cancelled").Wrap(err)
}
