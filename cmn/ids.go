// Package cmn provides types, error taxonomy, configuration, and other
// utilities shared across the page server core.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// TenantId identifies a customer's logical database.
type TenantId uuid.UUID

func (t TenantId) String() string { return uuid.UUID(t).String() }

func ParseTenantId(s string) (TenantId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TenantId{}, NewError(ErrBadRequest, "invalid tenant id %q", s).Wrap(err)
	}
	return TenantId(u), nil
}

// TimelineId identifies a branch of a tenant's history.
type TimelineId uuid.UUID

func (t TimelineId) String() string { return uuid.UUID(t).String() }

func ParseTimelineId(s string) (TimelineId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TimelineId{}, NewError(ErrBadRequest, "invalid timeline id %q", s).Wrap(err)
	}
	return TimelineId(u), nil
}

// ShardIndex is the (shard-number, shard-count) pair recorded against every
// layer to remember which shard created it. Count == 0 means an
// unsharded legacy tenant.
type ShardIndex struct {
	Number uint8 `json:"shard_number"`
	Count  uint8 `json:"shard_count"`
}

func (s ShardIndex) IsUnsharded() bool { return s.Count == 0 }

func (s ShardIndex) Equal(o ShardIndex) bool { return s == o }

func (s ShardIndex) String() string {
	if s.IsUnsharded() {
		return "unsharded"
	}
	return fmt.Sprintf("%02x%02x", s.Number, s.Count)
}

// TenantShardId identifies one of a tenant's shards. Equality is by all
// three fields.
type TenantShardId struct {
	TenantId TenantId
	Shard    ShardIndex
}

func NewTenantShardId(tenantID TenantId, shardNumber, shardCount uint8) TenantShardId {
	return TenantShardId{TenantId: tenantID, Shard: ShardIndex{Number: shardNumber, Count: shardCount}}
}

func UnshardedTenantShardId(tenantID TenantId) TenantShardId {
	return TenantShardId{TenantId: tenantID}
}

func (t TenantShardId) Equal(o TenantShardId) bool {
	return t.TenantId == o.TenantId && t.Shard == o.Shard
}

// String returns the canonical object-key / filesystem-directory component:
// "<tenant-id>" for unsharded tenants, "<tenant-id>-<hex2 number><hex2 count>"
// for sharded ones.
func (t TenantShardId) String() string {
	if t.Shard.IsUnsharded() {
		return t.TenantId.String()
	}
	return fmt.Sprintf("%s-%02x%02x", t.TenantId.String(), t.Shard.Number, t.Shard.Count)
}

// ParseTenantShardId parses the canonical string form produced by String().
func ParseTenantShardId(s string) (TenantShardId, error) {
	// sharded form appends "-<hex2><hex2>" after the 36-char uuid.
	if len(s) == 36 {
		id, err := ParseTenantId(s)
		if err != nil {
			return TenantShardId{}, err
		}
		return UnshardedTenantShardId(id), nil
	}
	if len(s) != 36+5 || s[36] != '-' {
		return TenantShardId{}, NewError(ErrBadRequest, "invalid tenant-shard id %q", s)
	}
	id, err := ParseTenantId(s[:36])
	if err != nil {
		return TenantShardId{}, err
	}
	suffix := s[37:]
	number, err := strconv.ParseUint(suffix[0:2], 16, 8)
	if err != nil {
		return TenantShardId{}, NewError(ErrBadRequest, "invalid shard number in %q", s).Wrap(err)
	}
	count, err := strconv.ParseUint(suffix[2:4], 16, 8)
	if err != nil {
		return TenantShardId{}, NewError(ErrBadRequest, "invalid shard count in %q", s).Wrap(err)
	}
	return NewTenantShardId(id, uint8(number), uint8(count)), nil
}

// Generation is the monotonic counter the control plane assigns on every
// attach. A zero value combined with Valid()==false represents the
// legacy "None" generation of pre-generation tenants.
type Generation struct {
	valid bool
	value uint32
}

var NoGeneration = Generation{}

func NewGeneration(v uint32) Generation { return Generation{valid: true, value: v} }

func (g Generation) Valid() bool  { return g.valid }
func (g Generation) Value() uint32 {
	if !g.valid {
		panic("cmn: Value() called on None generation")
	}
	return g.value
}

// Newer reports whether g is strictly newer than o. None is considered older
// than every real generation.
func (g Generation) Newer(o Generation) bool {
	if !g.valid {
		return false
	}
	if !o.valid {
		return true
	}
	return g.value > o.value
}

func (g Generation) NewerOrEqual(o Generation) bool {
	return g == o || g.Newer(o)
}

// Suffix returns the "-<hex8>" object-key suffix, or "" for the legacy
// generation.
func (g Generation) Suffix() string {
	if !g.valid {
		return ""
	}
	return fmt.Sprintf("-%08x", g.value)
}

func (g Generation) String() string {
	if !g.valid {
		return "none"
	}
	return strconv.FormatUint(uint64(g.value), 10)
}

// ParseGenerationSuffix parses the "-<hex8>" suffix of an object key
// basename. A key with no such suffix parses as NoGeneration.
func ParseGenerationSuffix(basename string) (Generation, string, error) {
	idx := strings.LastIndexByte(basename, '-')
	if idx < 0 || len(basename)-idx-1 != 8 {
		return NoGeneration, basename, nil
	}
	suffix := basename[idx+1:]
	v, err := strconv.ParseUint(suffix, 16, 32)
	if err != nil {
		// not a generation suffix; treat whole name as the stem
		return NoGeneration, basename, nil
	}
	return NewGeneration(uint32(v)), basename[:idx], nil
}

// Lsn is a postgres-style write-ahead-log position: hi32 "/" lo32 in hex.
type Lsn uint64

func NewLsn(hi, lo uint32) Lsn { return Lsn(uint64(hi)<<32 | uint64(lo)) }

func (l Lsn) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

func ParseLsn(s string) (Lsn, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, NewError(ErrBadRequest, "invalid lsn %q", s)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, NewError(ErrBadRequest, "invalid lsn %q", s).Wrap(err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, NewError(ErrBadRequest, "invalid lsn %q", s).Wrap(err)
	}
	return NewLsn(uint32(hi), uint32(lo)), nil
}

// LayerFileName is an opaque, totally-ordered identifier of an immutable
// layer file (delta or image), carrying key range and LSN range encoded in
// its string form. The core treats it as an opaque, comparable string; the
// layer map / WAL redo engine (out of scope) is responsible for generating
// and parsing the key/LSN ranges it embeds.
type LayerFileName string

func (l LayerFileName) String() string { return string(l) }
func (l LayerFileName) Less(o LayerFileName) bool { return string(l) < string(o) }
