// Package index implements the IndexPart format: the single durable
// artifact that lists all layers belonging to a timeline at a given
// moment.
// This file implements object-key generation suffixing.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package index

import (
	"strconv"

	"github.com/pageserver/pageserver/cmn"
)

// ObjectKey returns the durable object key for an IndexPart at the given
// generation: "tenants/<tenant-shard>/timelines/<timeline-id>/index_part.json<-hex8-generation>".
func ObjectKey(tsid cmn.TenantShardId, timeline cmn.TimelineId, gen cmn.Generation) string {
	return TimelinePrefix(tsid, timeline) + FileName + gen.Suffix()
}

// TimelinePrefix returns the "tenants/<tsid>/timelines/<timeline-id>/"
// prefix, the parent of every object belonging to one timeline.
func TimelinePrefix(tsid cmn.TenantShardId, timeline cmn.TimelineId) string {
	return "tenants/" + tsid.String() + "/timelines/" + timeline.String() + "/"
}

// TenantPrefix returns the "tenants/<tsid>/" prefix.
func TenantPrefix(tsid cmn.TenantShardId) string {
	return "tenants/" + tsid.String() + "/"
}

// TimelinesPrefix returns the "tenants/<tsid>/timelines/" delimited-listing
// prefix used to enumerate a tenant-shard's timeline ids.
func TimelinesPrefix(tsid cmn.TenantShardId) string {
	return TenantPrefix(tsid) + "timelines/"
}

// LayerKey returns the durable object key for a layer file at the given
// generation.
func LayerKey(tsid cmn.TenantShardId, timeline cmn.TimelineId, name cmn.LayerFileName, gen cmn.Generation) string {
	return TimelinePrefix(tsid, timeline) + name.String() + gen.Suffix()
}

// DeletedMarkerKey returns the tenant-level deletion tombstone key.
func DeletedMarkerKey(tsid cmn.TenantShardId) string {
	return TenantPrefix(tsid) + "deleted"
}

// InitdbArchiveKey returns the object key for a root timeline's bootstrap
// archive. Only root timelines (no ancestor) have one.
func InitdbArchiveKey(tsid cmn.TenantShardId, timeline cmn.TimelineId) string {
	return TimelinePrefix(tsid, timeline) + "initdb.tar.zst"
}

// ParsedIndexKey is a listed index_part.json[-gen] object, decomposed for
// resolution.
type ParsedIndexKey struct {
	Key        string
	Generation cmn.Generation
}

// ParseIndexKeys filters a listing down to index_part.json basenames and
// parses their generation suffix. Unsuffixed objects parse as generation
// None, ordered below all real generations.
func ParseIndexKeys(keys []string) []ParsedIndexKey {
	var out []ParsedIndexKey
	for _, k := range keys {
		base := basename(k)
		if base != FileName && !hasPrefixAndSuffix(base, FileName+"-") {
			continue
		}
		gen, stem, _ := cmn.ParseGenerationSuffix(base)
		if stem != FileName {
			continue
		}
		out = append(out, ParsedIndexKey{Key: k, Generation: gen})
	}
	return out
}

func hasPrefixAndSuffix(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)] == prefix
}

func basename(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}

// FormatGenerationSuffix is the inverse of cmn.ParseGenerationSuffix,
// exposed here for the "generation-suffix parse" round-trip law: parse_suffix(format_suffix(g)) == Some(g).
func FormatGenerationSuffix(g cmn.Generation) string { return g.Suffix() }

// ParseGeneration parses a bare hex8 string (without the leading '-'),
// used by callers that already split the suffix off.
func ParseGeneration(hex8 string) (cmn.Generation, error) {
	if len(hex8) != 8 {
		return cmn.NoGeneration, cmn.NewError(cmn.ErrBadRequest, "generation suffix must be 8 hex digits, got %q", hex8)
	}
	v, err := strconv.ParseUint(hex8, 16, 32)
	if err != nil {
		return cmn.NoGeneration, cmn.NewError(cmn.ErrBadRequest, "invalid generation suffix %q", hex8).Wrap(err)
	}
	return cmn.NewGeneration(uint32(v)), nil
}
