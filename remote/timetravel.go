// Package remote defines the Remote Storage Adapter capability set: a
// capability-set interface over S3-compatible, local filesystem, and
// Azure/GCS backends.
// This file implements TimeTravelRestore.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package remote

import (
	"context"
	"sort"
	"time"

	"github.com/pageserver/pageserver/cmn"
)

// TimeTravelRestore restores every key under a prefix to the state it had
// at targetTime, against any Adapter that supports
// ListVersions/CopyVersion/Delete. It is backend-agnostic: S3 and
// GCS concrete adapters supply the versioned listing, this function does
// the per-key decision and chunking.
//
//  1. List all object versions and delete markers under the prefix (the
//     Adapter is expected to paginate internally).
//  2. Sort versions per key by last-modified time.
//  3. For each key, find the version immediately preceding targetTime:
//     - none: delete the key.
//     - a delete marker: delete the key.
//     - otherwise: copy that version over the current version.
//  4. Skip keys whose latest version is newer than completedIfAfter (the
//     operation is resumable; another runner already handled them).
//  5. Refuse if any version id is "null" (unversioned bucket).
//  6. Refuse if the version list exceeds versionLimit.
func TimeTravelRestore(ctx context.Context, a Adapter, prefix string, targetTime, completedIfAfter time.Time, versionLimit int) error {
	versions, err := a.ListVersions(ctx, prefix)
	if err != nil {
		return cmn.NewError(cmn.ErrOther, "list versions under %s", prefix).Wrap(err)
	}
	if len(versions) > versionLimit {
		return cmn.NewError(cmn.ErrBadRequest, "time-travel restore: %d versions exceeds limit %d (prefix %s)", len(versions), versionLimit, prefix)
	}

	byKey := make(map[string][]ObjectVersion, len(versions))
	for _, v := range versions {
		if v.VersionID == "null" {
			return cmn.NewError(cmn.ErrBadRequest, "time-travel restore: key %s has unversioned (\"null\") version id; bucket is not versioned", v.Key)
		}
		byKey[v.Key] = append(byKey[v.Key], v)
	}

	var toDelete []string
	for key, vs := range byKey {
		sort.Slice(vs, func(i, j int) bool { return vs[i].LastModified.Before(vs[j].LastModified) })

		latest := vs[len(vs)-1]
		if latest.LastModified.After(completedIfAfter) {
			continue // step 4: already handled by a concurrent runner
		}

		var preceding *ObjectVersion
		for i := range vs {
			if vs[i].LastModified.Before(targetTime) {
				v := vs[i]
				preceding = &v
			} else {
				break
			}
		}

		switch {
		case preceding == nil:
			toDelete = append(toDelete, key)
		case preceding.IsDeleteMarker:
			toDelete = append(toDelete, key)
		default:
			if err := copyWithRetry(ctx, a, key, preceding.VersionID); err != nil {
				return cmn.NewError(cmn.ErrRemoteIO, "time-travel restore: copy %s@%s", key, preceding.VersionID).Wrap(err)
			}
		}
	}

	if len(toDelete) > 0 {
		if errs := deleteWithRetry(ctx, a, toDelete); len(errs) > 0 {
			return cmn.NewError(cmn.ErrRemoteIO, "time-travel restore: %d delete failures", len(errs))
		}
	}
	return nil
}

// copyWithRetry / deleteWithRetry apply a retry policy (bounded attempts,
// permanent cancellation) to the two sub-operations.
func copyWithRetry(ctx context.Context, a Adapter, key, versionID string) error {
	b := cmn.NewBackoff()
	var lastErr error
	for attempt := 0; attempt < cmn.MaxDownloadAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.CopyVersion(ctx, key, versionID); err == nil {
			return nil
		} else {
			lastErr = err
			if cmn.IsCancelled(err) {
				return err
			}
			if sleepErr := b.Sleep(ctx); sleepErr != nil {
				return sleepErr
			}
		}
	}
	return lastErr
}

func deleteWithRetry(ctx context.Context, a Adapter, keys []string) []DeleteError {
	b := cmn.NewBackoff()
	for attempt := 0; attempt < cmn.MaxDownloadAttempts; attempt++ {
		if ctx.Err() != nil {
			return []DeleteError{{Err: ctx.Err()}}
		}
		if errs := a.Delete(ctx, keys); len(errs) == 0 {
			return nil
		} else if attempt == cmn.MaxDownloadAttempts-1 {
			return errs
		} else if sleepErr := b.Sleep(ctx); sleepErr != nil {
			return []DeleteError{{Err: sleepErr}}
		}
	}
	return nil
}
