// Package remote defines the Remote Storage Adapter capability set: a
// capability-set interface over S3-compatible, local filesystem, and
// Azure/GCS backends. Concrete backends live in remote/backend/*; this
// package owns only the contract, the per-op-kind semaphore pools, and the
// backend-agnostic time-travel-restore algorithm. Each concrete provider
// lives in its own file under backend/, guarded by an "interface guard"
// var.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package remote

import (
	"context"
	"io"
	"strings"
	"time"
)

// ListMode selects between a flat listing of every key under a prefix and
// a delimited listing that also returns common prefixes (directory-style).
type ListMode uint8

const (
	FlatAllKeys ListMode = iota
	WithDelimiter
)

// ListResult is the result of a List call.
type ListResult struct {
	Keys           []ObjectInfo
	CommonPrefixes []string
}

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// GetResult is the result of a Get call.
type GetResult struct {
	Body         io.ReadCloser
	UserMetadata map[string]string
	ETag         string
	LastModified time.Time
	Size         int64
}

// ByteRange requests a partial object; End == -1 means "to EOF".
type ByteRange struct {
	Start, End int64
}

// ObjectVersion describes one version of a key in a versioned bucket,
// used by time-travel restore.
type ObjectVersion struct {
	Key          string
	VersionID    string
	IsDeleteMarker bool
	LastModified time.Time
}

// DeleteError is one per-key failure from a batch Delete call. Callers
// treat ANY per-key error as a batch failure, but the adapter still
// reports which keys failed for diagnostics.
type DeleteError struct {
	Key string
	Err error
}

// Adapter is the capability set every concrete backend implements. Every
// method is asynchronous (accepts a context) and cancellable.
type Adapter interface {
	List(ctx context.Context, prefix string, maxKeys int, mode ListMode) (ListResult, error)
	Get(ctx context.Context, key string, rng *ByteRange) (GetResult, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, userMetadata map[string]string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	// Delete deletes keys in batches of at most 1000;
	// implementations chunk internally. A non-nil, non-empty return means
	// at least one key failed; callers must treat that as a batch failure.
	Delete(ctx context.Context, keys []string) []DeleteError

	// ListVersions lists every version and delete marker of objects under
	// prefix, paginated internally, for time-travel restore. Backends that
	// don't support object versioning return ErrBadRequest.
	ListVersions(ctx context.Context, prefix string) ([]ObjectVersion, error)
	// CopyVersion restores a specific historical version over the current
	// object.
	CopyVersion(ctx context.Context, key, versionID string) error

	// Kind identifies the concrete backend for metrics/logging.
	Kind() string
}

// NormalizePrefix applies the key-prefix convention: empty or slash-only
// prefixes are normalized away, and the separator is "/".
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// JoinKey joins a normalized bucket prefix with a logical key.
func JoinKey(prefixInBucket, key string) string {
	p := NormalizePrefix(prefixInBucket)
	if p == "" {
		return key
	}
	return p + key
}
