// Package index implements the IndexPart format: the single durable
// artifact that lists all layers belonging to a timeline at a given
// moment.
// This file implements IndexPart generation resolution.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package index

import (
	"context"
	"io"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/remote"
)

// Resolve discovers the authoritative IndexPart for a (tenant-shard,
// timeline) at a given attached generation.
//
//  1. List object keys under the timeline prefix.
//  2. Select those whose basename starts with "index_part.json".
//  3. Parse the hex8 suffix into a Generation (unsuffixed => None).
//  4. Choose the key with the maximum generation that is <= attached.
//     Keys with a strictly greater generation are ignored.
//  5. Download the chosen object.
func Resolve(ctx context.Context, a remote.Adapter, tsid cmn.TenantShardId, timeline cmn.TimelineId, attached cmn.Generation) (*IndexPart, error) {
	key, err := ResolveKey(ctx, a, tsid, timeline, attached)
	if err != nil {
		return nil, err
	}
	res, err := a.Get(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, cmn.NewError(cmn.ErrRemoteIO, "read index part body %s", key).Wrap(err)
	}
	return Unmarshal(data)
}

// ResolveKey performs steps 1-4 only, returning the chosen object key
// without downloading it (useful for tests asserting resolution alone).
func ResolveKey(ctx context.Context, a remote.Adapter, tsid cmn.TenantShardId, timeline cmn.TimelineId, attached cmn.Generation) (string, error) {
	prefix := TimelinePrefix(tsid, timeline)
	listing, err := a.List(ctx, prefix, 0, remote.FlatAllKeys)
	if err != nil {
		return "", cmn.NewError(cmn.ErrRemoteIO, "list index parts under %s", prefix).Wrap(err)
	}
	keys := make([]string, len(listing.Keys))
	for i, k := range listing.Keys {
		keys[i] = k.Key
	}
	parsed := ParseIndexKeys(keys)

	var best *ParsedIndexKey
	for i := range parsed {
		p := &parsed[i]
		if attached.Valid() && p.Generation.Valid() && p.Generation.Value() > attached.Value() {
			continue // step 4: strictly newer than our attach, not ours to trust
		}
		if best == nil || p.Generation.Newer(best.Generation) {
			best = p
		}
	}
	if best == nil {
		return "", cmn.NewError(cmn.ErrNotFound, "no index part under %s at or below generation %s", prefix, attached)
	}
	return best.Key, nil
}
