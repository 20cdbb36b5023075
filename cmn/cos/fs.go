// Package cos ("common oriented stuff") holds small filesystem, hashing,
// and serialization helpers shared by the core: CreateFile/RemoveFile/
// Close/GenTie for crash-safe local writes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pageserver/pageserver/cmn"
)

// CreateFile creates (truncating) the file at path, including any missing
// parent directories.
func CreateFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "mkdir for %s", path).Wrap(err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, cmn.NewError(cmn.ErrOther, "create %s", path).Wrap(err)
	}
	return f, nil
}

func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cmn.NewError(cmn.ErrOther, "remove %s", path).Wrap(err)
	}
	return nil
}

func Close(f io.Closer) {
	if f == nil {
		return
	}
	_ = f.Close()
}

// RenameFile performs an atomic same-filesystem rename, used to make local
// writes (layer files, IndexPart snapshots) crash-safe: write to a ".tmp."
// sibling, fsync, then rename over the final name.
func RenameFile(tmp, final string) error {
	if err := os.Rename(tmp, final); err != nil {
		return cmn.NewError(cmn.ErrOther, "rename %s -> %s", tmp, final).Wrap(err)
	}
	return nil
}

// GenTie returns a short random tie-breaker string for temp-file names.
func GenTie() string {
	const abc = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = abc[rand.Intn(len(abc))]
	}
	return string(b)
}

// SHA256Hex returns the lowercase-hex sha256 digest of r's contents.
func SHA256Hex(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", cmn.NewError(cmn.ErrOther, "checksum").Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

const SizeofI64 = 8
