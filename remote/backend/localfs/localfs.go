// Package localfs implements the Remote Storage Adapter (remote.Adapter)
// against a local filesystem directory tree, for tests and single-node
// deployments. Directory listing uses github.com/karrick/godirwalk for
// fast local tree walks.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package localfs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/karrick/godirwalk"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/cmn/cos"
	"github.com/pageserver/pageserver/remote"
)

// Backend is a remote.Adapter backed by a local directory. It fakes object
// versioning (for time-travel-restore tests) by recording every Put and
// Delete of a key as a version in an in-memory map; that history is not
// written to disk.
type Backend struct {
	root           string
	prefixInBucket string

	mu       sync.Mutex
	versions map[string][]versionEntry // key -> versions, newest last
}

type versionEntry struct {
	versionID    string
	lastModified time.Time
	deleted      bool
	content      []byte
}

var _ remote.Adapter = (*Backend)(nil)

func New(root, prefixInBucket string) *Backend {
	return &Backend{root: root, prefixInBucket: prefixInBucket, versions: make(map[string][]versionEntry)}
}

func (b *Backend) Kind() string { return "localfs" }

func (b *Backend) path(key string) string {
	full := remote.JoinKey(b.prefixInBucket, key)
	return filepath.Join(b.root, filepath.FromSlash(full))
}

func (b *Backend) List(ctx context.Context, prefix string, maxKeys int, mode remote.ListMode) (remote.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return remote.ListResult{}, err
	}
	base := b.path(prefix)
	var result remote.ListResult
	commonSet := make(map[string]bool)

	err := godirwalk.Walk(b.root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			if !strings.HasPrefix(osPathname, base) {
				return nil
			}
			rel, rerr := filepath.Rel(b.root, osPathname)
			if rerr != nil {
				return nil
			}
			key := strings.TrimPrefix(filepath.ToSlash(rel), remote.NormalizePrefix(b.prefixInBucket))
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			if mode == remote.WithDelimiter {
				rest := strings.TrimPrefix(key, prefix)
				if idx := strings.IndexByte(rest, '/'); idx >= 0 {
					commonSet[prefix+rest[:idx+1]] = true
					return nil
				}
			}
			info, statErr := os.Stat(osPathname)
			if statErr != nil {
				return nil
			}
			result.Keys = append(result.Keys, remote.ObjectInfo{
				Key: key, Size: info.Size(), LastModified: info.ModTime(),
			})
			return nil
		},
		ErrorCallback: func(_ string, _ error) godirwalk.ErrorAction { return godirwalk.SkipNode },
	})
	if err != nil && !os.IsNotExist(err) {
		return remote.ListResult{}, cmn.NewError(cmn.ErrRemoteIO, "walk %s", b.root).Wrap(err)
	}
	sort.Slice(result.Keys, func(i, j int) bool { return result.Keys[i].Key < result.Keys[j].Key })
	if maxKeys > 0 && len(result.Keys) > maxKeys {
		result.Keys = result.Keys[:maxKeys]
	}
	for p := range commonSet {
		result.CommonPrefixes = append(result.CommonPrefixes, p)
	}
	sort.Strings(result.CommonPrefixes)
	return result, nil
}

func (b *Backend) Get(ctx context.Context, key string, rng *remote.ByteRange) (remote.GetResult, error) {
	if err := ctx.Err(); err != nil {
		return remote.GetResult{}, err
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return remote.GetResult{}, cmn.NewError(cmn.ErrNotFound, "key %s", key).Wrap(err)
		}
		return remote.GetResult{}, cmn.NewError(cmn.ErrRemoteIO, "read %s", key).Wrap(err)
	}
	if rng != nil {
		end := rng.End
		if end < 0 || end > int64(len(data)) {
			end = int64(len(data))
		}
		if rng.Start > end {
			data = nil
		} else {
			data = data[rng.Start:end]
		}
	}
	info, _ := os.Stat(b.path(key))
	var lastModified time.Time
	if info != nil {
		lastModified = info.ModTime()
	}
	return remote.GetResult{
		Body:         io.NopCloser(bytes.NewReader(data)),
		Size:         int64(len(data)),
		LastModified: lastModified,
	}, nil
}

func (b *Backend) Put(ctx context.Context, key string, body io.Reader, _ int64, _ map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := b.path(key)
	tmp := full + ".tmp." + cos.GenTie()
	f, err := cos.CreateFile(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		cos.Close(f)
		_ = cos.RemoveFile(tmp)
		return cmn.NewError(cmn.ErrRemoteIO, "write %s", key).Wrap(err)
	}
	cos.Close(f)
	if err := cos.RenameFile(tmp, full); err != nil {
		return err
	}
	b.recordVersion(key, false)
	return nil
}

func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(b.path(srcKey))
	if err != nil {
		if os.IsNotExist(err) {
			return cmn.NewError(cmn.ErrNotFound, "copy source %s", srcKey).Wrap(err)
		}
		return cmn.NewError(cmn.ErrRemoteIO, "copy source %s", srcKey).Wrap(err)
	}
	return b.Put(ctx, dstKey, bytes.NewReader(data), int64(len(data)), nil)
}

func (b *Backend) Delete(ctx context.Context, keys []string) []remote.DeleteError {
	var errs []remote.DeleteError
	for _, batch := range remote.ChunkKeys(keys, 1000) {
		for _, k := range batch {
			if err := ctx.Err(); err != nil {
				errs = append(errs, remote.DeleteError{Key: k, Err: err})
				continue
			}
			if err := os.Remove(b.path(k)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, remote.DeleteError{Key: k, Err: err})
				continue
			}
			b.recordVersion(k, true)
		}
	}
	return errs
}

// ListVersions / CopyVersion implement the in-memory shadow versioning this
// backend fakes, so S5 (time-travel restore) can be exercised without a
// real object-store backend.
func (b *Backend) ListVersions(ctx context.Context, prefix string) ([]remote.ObjectVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []remote.ObjectVersion
	for key, vs := range b.versions {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, v := range vs {
			out = append(out, remote.ObjectVersion{
				Key: key, VersionID: v.versionID, IsDeleteMarker: v.deleted, LastModified: v.lastModified,
			})
		}
	}
	return out, nil
}

func (b *Backend) CopyVersion(ctx context.Context, key, versionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	var content []byte
	found := false
	for _, v := range b.versions[key] {
		if v.versionID == versionID {
			content = v.content
			found = true
			break
		}
	}
	b.mu.Unlock()
	if !found {
		return cmn.NewError(cmn.ErrNotFound, "version %s of %s", versionID, key)
	}
	return b.Put(ctx, key, bytes.NewReader(content), int64(len(content)), nil)
}

func (b *Backend) recordVersion(key string, deleted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var content []byte
	if !deleted {
		content, _ = os.ReadFile(b.path(key))
	}
	b.versions[key] = append(b.versions[key], versionEntry{
		versionID:    time.Now().Format(time.RFC3339Nano) + "-" + cos.GenTie(),
		lastModified: time.Now(),
		deleted:      deleted,
		content:      content,
	})
}
