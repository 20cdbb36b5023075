// Package index implements the IndexPart format: the single durable
// artifact that lists all layers belonging to a timeline at a given
// moment.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package index

import (
	"encoding/binary"
	"time"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"

	"github.com/pageserver/pageserver/cmn"
)

// CurrentVersion is the schema version this build writes.
const CurrentVersion = 4

// FileName is the constant basename every IndexPart object uses, before
// the optional generation suffix.
const FileName = "index_part.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LayerFileMetadata is attached to every entry in an IndexPart.
type LayerFileMetadata struct {
	FileSizeBytes   uint64        `json:"file_size"`
	CreatingGeneration cmn.Generation `json:"-"`
	CreatingShard   cmn.ShardIndex `json:"shard"`
}

// wire representation of LayerFileMetadata: the generation field is
// `u32|null` on the wire, which cmn.Generation's Valid()/Value() capture.
type layerFileMetadataWire struct {
	FileSizeBytes uint64         `json:"file_size"`
	Generation    *uint32        `json:"generation"`
	Shard         cmn.ShardIndex `json:"shard"`
}

func (m LayerFileMetadata) toWire() layerFileMetadataWire {
	w := layerFileMetadataWire{FileSizeBytes: m.FileSizeBytes, Shard: m.CreatingShard}
	if m.CreatingGeneration.Valid() {
		v := m.CreatingGeneration.Value()
		w.Generation = &v
	}
	return w
}

func (w layerFileMetadataWire) fromWire() LayerFileMetadata {
	m := LayerFileMetadata{FileSizeBytes: w.FileSizeBytes, CreatingShard: w.Shard}
	if w.Generation != nil {
		m.CreatingGeneration = cmn.NewGeneration(*w.Generation)
	}
	return m
}

// TimelineMetadata is the embedded metadata blob: ancestor timeline id,
// ancestor LSN, initdb LSN, postgres major version, prev/last record LSNs.
// On the wire it is an opaque, internally-versioned, checksummed byte blob
// ("metadata_bytes"); this core treats its contents as a value object it
// round-trips, not a format it interprets.
type TimelineMetadata struct {
	AncestorTimelineID *cmn.TimelineId `json:"ancestor_timeline_id,omitempty"`
	AncestorLsn        cmn.Lsn         `json:"ancestor_lsn"`
	InitdbLsn          cmn.Lsn         `json:"initdb_lsn"`
	PgVersion          uint32          `json:"pg_version"`
	PrevRecordLsn      *cmn.Lsn        `json:"prev_record_lsn,omitempty"`
	LastRecordLsn      cmn.Lsn         `json:"last_record_lsn"`
}

// metadataBlobVersion is the version byte prefixing every encoded
// metadata_bytes blob.
const metadataBlobVersion byte = 1

// encodeMetadataBytes serializes a TimelineMetadata into the opaque,
// internally-versioned, checksummed byte blob that metadata_bytes is on
// the wire: a version byte, an 8-byte xxhash64 checksum of the body, then
// the body itself. The body's own encoding is this core's concern alone;
// an external reader need only treat the whole blob as bytes.
func encodeMetadataBytes(m TimelineMetadata) ([]byte, error) {
	body, err := json.Marshal(&m)
	if err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "encode metadata_bytes body").Wrap(err)
	}
	sum := xxhash.Checksum64(body)
	blob := make([]byte, 1+8+len(body))
	blob[0] = metadataBlobVersion
	binary.BigEndian.PutUint64(blob[1:9], sum)
	copy(blob[9:], body)
	return blob, nil
}

// decodeMetadataBytes is the inverse of encodeMetadataBytes, rejecting a
// blob with an unknown version byte or a checksum that doesn't match its
// body.
func decodeMetadataBytes(blob []byte) (TimelineMetadata, error) {
	var m TimelineMetadata
	if len(blob) < 9 {
		return m, cmn.NewError(cmn.ErrOther, "metadata_bytes too short (%d bytes)", len(blob))
	}
	if blob[0] != metadataBlobVersion {
		return m, cmn.NewError(cmn.ErrOther, "unsupported metadata_bytes version %d", blob[0])
	}
	wantSum := binary.BigEndian.Uint64(blob[1:9])
	body := blob[9:]
	if xxhash.Checksum64(body) != wantSum {
		return m, cmn.NewError(cmn.ErrOther, "metadata_bytes checksum mismatch")
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return m, cmn.NewError(cmn.ErrOther, "decode metadata_bytes body").Wrap(err)
	}
	return m, nil
}

// IndexPart is the source-of-truth listing of a timeline's remote layer
// files and their metadata.
type IndexPart struct {
	Version          int
	LayerMetadata    map[cmn.LayerFileName]LayerFileMetadata
	DiskConsistentLsn cmn.Lsn
	Metadata         TimelineMetadata
	// DeletedAt: presence means "this timeline is being deleted".
	DeletedAt *time.Time
}

// NewEmpty builds an IndexPart with no layers, used by
// upload.Queue.InitializeEmpty.
func NewEmpty(metadata TimelineMetadata) *IndexPart {
	return &IndexPart{
		Version:       CurrentVersion,
		LayerMetadata: make(map[cmn.LayerFileName]LayerFileMetadata),
		Metadata:      metadata,
	}
}

func (ip *IndexPart) Clone() *IndexPart {
	out := &IndexPart{
		Version:           ip.Version,
		LayerMetadata:     make(map[cmn.LayerFileName]LayerFileMetadata, len(ip.LayerMetadata)),
		DiskConsistentLsn: ip.DiskConsistentLsn,
		Metadata:          ip.Metadata,
	}
	for k, v := range ip.LayerMetadata {
		out.LayerMetadata[k] = v
	}
	if ip.DeletedAt != nil {
		t := *ip.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// IsDeleted reports whether this IndexPart is a deletion tombstone.
func (ip *IndexPart) IsDeleted() bool { return ip.DeletedAt != nil }

// wire is the on-disk/on-wire JSON shape. Unknown fields are ignored on
// read (jsoniter's default decode behavior); fields missing on read default
// per-field.
type wire struct {
	Version           int                              `json:"version"`
	LayerMetadata     map[string]layerFileMetadataWire  `json:"layer_metadata"`
	DiskConsistentLsn string                            `json:"disk_consistent_lsn"`
	MetadataBytes     []byte                            `json:"metadata_bytes"`
	DeletedAt         *string                           `json:"deleted_at,omitempty"`
}

// isoNoTZ is the wire format for deleted_at: an ISO-8601 UTC timestamp
// without a timezone suffix.
const isoNoTZ = "2006-01-02T15:04:05.999999"

// Marshal serializes an IndexPart to its wire format, always at
// CurrentVersion.
func Marshal(ip *IndexPart) ([]byte, error) {
	metaBlob, err := encodeMetadataBytes(ip.Metadata)
	if err != nil {
		return nil, err
	}
	w := wire{
		Version:           CurrentVersion,
		LayerMetadata:     make(map[string]layerFileMetadataWire, len(ip.LayerMetadata)),
		DiskConsistentLsn: ip.DiskConsistentLsn.String(),
		MetadataBytes:     metaBlob,
	}
	for name, meta := range ip.LayerMetadata {
		w.LayerMetadata[name.String()] = meta.toWire()
	}
	if ip.DeletedAt != nil {
		s := ip.DeletedAt.UTC().Format(isoNoTZ)
		w.DeletedAt = &s
	}
	data, err := json.Marshal(&w)
	if err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "marshal index part").Wrap(err)
	}
	return data, nil
}

// Unmarshal parses the wire format, defaulting missing optional fields.
func Unmarshal(data []byte) (*IndexPart, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "unmarshal index part").Wrap(err)
	}
	meta, err := decodeMetadataBytes(w.MetadataBytes)
	if err != nil {
		return nil, err
	}
	ip := &IndexPart{
		Version:       w.Version,
		LayerMetadata: make(map[cmn.LayerFileName]LayerFileMetadata, len(w.LayerMetadata)),
		Metadata:      meta,
	}
	if w.Version == 0 {
		ip.Version = CurrentVersion
	}
	for name, meta := range w.LayerMetadata {
		ip.LayerMetadata[cmn.LayerFileName(name)] = meta.fromWire()
	}
	if w.DiskConsistentLsn != "" {
		lsn, err := cmn.ParseLsn(w.DiskConsistentLsn)
		if err != nil {
			return nil, err
		}
		ip.DiskConsistentLsn = lsn
	}
	if w.DeletedAt != nil {
		t, err := time.Parse(isoNoTZ, *w.DeletedAt)
		if err != nil {
			return nil, cmn.NewError(cmn.ErrOther, "parse deleted_at %q", *w.DeletedAt).Wrap(err)
		}
		ip.DeletedAt = &t
	}
	return ip, nil
}
