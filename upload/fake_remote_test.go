package upload

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/remote"
)

// fakeAdapter is an in-memory remote.Adapter for upload-queue tests: no
// network, no versioning, just enough to observe what the scheduler wrote.
type fakeAdapter struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	deletes []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{objects: make(map[string][]byte)}
}

func (f *fakeAdapter) List(ctx context.Context, prefix string, maxKeys int, mode remote.ListMode) (remote.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []remote.ObjectInfo
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, remote.ObjectInfo{Key: k, Size: int64(len(v)), LastModified: time.Unix(0, 0)})
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })
	return remote.ListResult{Keys: keys}, nil
}

func (f *fakeAdapter) Get(ctx context.Context, key string, rng *remote.ByteRange) (remote.GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return remote.GetResult{}, cmn.NewError(cmn.ErrNotFound, "no such key %s", key)
	}
	return remote.GetResult{Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data))}, nil
}

func (f *fakeAdapter) Put(ctx context.Context, key string, body io.Reader, size int64, userMetadata map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.puts = append(f.puts, key)
	return nil
}

func (f *fakeAdapter) Copy(ctx context.Context, srcKey, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[srcKey]
	if !ok {
		return cmn.NewError(cmn.ErrNotFound, "no such key %s", srcKey)
	}
	f.objects[dstKey] = data
	return nil
}

func (f *fakeAdapter) Delete(ctx context.Context, keys []string) []remote.DeleteError {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, k)
		f.deletes = append(f.deletes, k)
	}
	return nil
}

func (f *fakeAdapter) ListVersions(ctx context.Context, prefix string) ([]remote.ObjectVersion, error) {
	return nil, cmn.NewError(cmn.ErrBadRequest, "fake adapter does not support versioning")
}

func (f *fakeAdapter) CopyVersion(ctx context.Context, key, versionID string) error {
	return cmn.NewError(cmn.ErrBadRequest, "fake adapter does not support versioning")
}

func (f *fakeAdapter) Kind() string { return "fake" }

func (f *fakeAdapter) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

var _ remote.Adapter = (*fakeAdapter)(nil)

// fakeDeletionSink records UpdateRemoteConsistentLsn calls (the only slice
// of the Deletion Queue contract the upload queue touches).
type fakeDeletionSink struct {
	mu    sync.Mutex
	calls []cmn.Lsn
}

// UpdateRemoteConsistentLsn simulates a Deletion Queue that always confirms
// the generation is current: it writes lsn into the visible slot, the same
// effect the real queue has on a successful control-plane validation.
func (d *fakeDeletionSink) UpdateRemoteConsistentLsn(tsid cmn.TenantShardId, timeline cmn.TimelineId, gen cmn.Generation, lsn cmn.Lsn, visible *atomic.Uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, lsn)
	visible.Store(uint64(lsn))
}

var _ DeletionSink = (*fakeDeletionSink)(nil)
