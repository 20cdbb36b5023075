// Package remote defines the Remote Storage Adapter capability set: a
// capability-set interface over S3-compatible, local filesystem, and
// Azure/GCS backends.
// This file implements LimitedAdapter, the permit-gated Adapter wrapper.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package remote

import (
	"context"
	"io"
)

// LimitedAdapter wraps any Adapter with per-operation-kind permit pools and
// a request timeout, so every concrete backend gets the same concurrency
// control without re-implementing it per provider.
type LimitedAdapter struct {
	inner Adapter
	lim   *Limiter
}

func NewLimitedAdapter(inner Adapter, lim *Limiter) *LimitedAdapter {
	return &LimitedAdapter{inner: inner, lim: lim}
}

func (a *LimitedAdapter) guarded(ctx context.Context, kind OpKind, fn func(context.Context) error) error {
	reqCtx, release, err := a.lim.Guard(ctx, kind)
	if err != nil {
		return err
	}
	defer release()
	if err := fn(reqCtx); err != nil {
		return ClassifyTimeout(reqCtx, err)
	}
	return nil
}

func (a *LimitedAdapter) List(ctx context.Context, prefix string, maxKeys int, mode ListMode) (ListResult, error) {
	var out ListResult
	err := a.guarded(ctx, OpList, func(rc context.Context) error {
		var err error
		out, err = a.inner.List(rc, prefix, maxKeys, mode)
		return err
	})
	return out, err
}

func (a *LimitedAdapter) Get(ctx context.Context, key string, rng *ByteRange) (GetResult, error) {
	var out GetResult
	err := a.guarded(ctx, OpGet, func(rc context.Context) error {
		var err error
		out, err = a.inner.Get(rc, key, rng)
		return err
	})
	return out, err
}

func (a *LimitedAdapter) Put(ctx context.Context, key string, body io.Reader, size int64, userMetadata map[string]string) error {
	return a.guarded(ctx, OpPut, func(rc context.Context) error {
		return a.inner.Put(rc, key, body, size, userMetadata)
	})
}

func (a *LimitedAdapter) Copy(ctx context.Context, srcKey, dstKey string) error {
	return a.guarded(ctx, OpCopy, func(rc context.Context) error {
		return a.inner.Copy(rc, srcKey, dstKey)
	})
}

// Delete acquires the OpDelete permit once per batch, like every other
// operation: the batch cap bounds keys-per-call, and the permit pool bounds
// concurrent calls, which are independent knobs.
func (a *LimitedAdapter) Delete(ctx context.Context, keys []string) []DeleteError {
	reqCtx, release, err := a.lim.Guard(ctx, OpDelete)
	if err != nil {
		return []DeleteError{{Err: err}}
	}
	defer release()
	return a.inner.Delete(reqCtx, keys)
}

func (a *LimitedAdapter) ListVersions(ctx context.Context, prefix string) ([]ObjectVersion, error) {
	var out []ObjectVersion
	err := a.guarded(ctx, OpTimeTravel, func(rc context.Context) error {
		var err error
		out, err = a.inner.ListVersions(rc, prefix)
		return err
	})
	return out, err
}

func (a *LimitedAdapter) CopyVersion(ctx context.Context, key, versionID string) error {
	return a.guarded(ctx, OpTimeTravel, func(rc context.Context) error {
		return a.inner.CopyVersion(rc, key, versionID)
	})
}

func (a *LimitedAdapter) Kind() string { return a.inner.Kind() }

var _ Adapter = (*LimitedAdapter)(nil)
