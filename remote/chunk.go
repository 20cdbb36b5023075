// Package remote defines the Remote Storage Adapter capability set: a
// capability-set interface over S3-compatible, local filesystem, and
// Azure/GCS backends.
// This file implements ChunkKeys, the delete-batch splitter.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package remote

// ChunkKeys splits keys into batches of at most size, the delete batch
// cap. A delete list exceeding the cap is transparently chunked.
func ChunkKeys(keys []string, size int) [][]string {
	if size <= 0 {
		size = 1000
	}
	if len(keys) == 0 {
		return nil
	}
	var out [][]string
	for len(keys) > 0 {
		n := size
		if n > len(keys) {
			n = len(keys)
		}
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}
