// Package cos ("common oriented stuff") holds small filesystem, hashing,
// and serialization helpers shared by the core: CreateFile/RemoveFile/
// Close/GenTie for crash-safe local writes.
// This file implements the initdb.tar.zst archive format.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"archive/tar"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/pageserver/pageserver/cmn"
)

// WriteInitdbArchive streams a tar archive, zstd-compressed, to w. Grounded
// on original_source/pageserver/src/tenant.rs's bootstrap-from-initdb flow
//, which materializes a local `initdb.tar.zst` /
// `initdb-preserved.tar.zst` object; the core only needs to produce and
// consume the archive bytes; initdb's subprocess invocation itself remains
// an external collaborator.
func WriteInitdbArchive(w io.Writer, files map[string][]byte) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return cmn.NewError(cmn.ErrOther, "zstd writer").Wrap(err)
	}
	defer zw.Close()
	tw := tar.NewWriter(zw)
	defer tw.Close()
	for name, content := range files {
		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}
		if err := tw.WriteHeader(hdr); err != nil {
			return cmn.NewError(cmn.ErrOther, "tar header %s", name).Wrap(err)
		}
		if _, err := tw.Write(content); err != nil {
			return cmn.NewError(cmn.ErrOther, "tar body %s", name).Wrap(err)
		}
	}
	return nil
}

// ReadInitdbArchive decompresses and untars an initdb archive, returning
// its member files in memory. Bootstrap archives are small (a handful of
// postgres control/catalog files), so in-memory extraction is appropriate.
func ReadInitdbArchive(r io.Reader) (map[string][]byte, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "zstd reader").Wrap(err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	out := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cmn.NewError(cmn.ErrOther, "tar read").Wrap(err)
		}
		content := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, content); err != nil {
			return nil, cmn.NewError(cmn.ErrOther, "tar body %s", hdr.Name).Wrap(err)
		}
		out[hdr.Name] = content
	}
	return out, nil
}
