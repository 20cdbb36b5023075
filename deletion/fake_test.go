package deletion

import (
	"context"
	"io"
	"sync"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/remote"
)

type fakeAdapter struct {
	mu      sync.Mutex
	objects map[string]struct{}
	deleted []string
}

func newFakeAdapter(keys ...string) *fakeAdapter {
	f := &fakeAdapter{objects: make(map[string]struct{})}
	for _, k := range keys {
		f.objects[k] = struct{}{}
	}
	return f
}

func (f *fakeAdapter) List(ctx context.Context, prefix string, maxKeys int, mode remote.ListMode) (remote.ListResult, error) {
	return remote.ListResult{}, nil
}
func (f *fakeAdapter) Get(ctx context.Context, key string, rng *remote.ByteRange) (remote.GetResult, error) {
	return remote.GetResult{}, cmn.NewError(cmn.ErrNotFound, "no such key %s", key)
}
func (f *fakeAdapter) Put(ctx context.Context, key string, body io.Reader, size int64, userMetadata map[string]string) error {
	return nil
}
func (f *fakeAdapter) Copy(ctx context.Context, srcKey, dstKey string) error { return nil }
func (f *fakeAdapter) Delete(ctx context.Context, keys []string) []remote.DeleteError {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, k)
		f.deleted = append(f.deleted, k)
	}
	return nil
}
func (f *fakeAdapter) ListVersions(ctx context.Context, prefix string) ([]remote.ObjectVersion, error) {
	return nil, cmn.NewError(cmn.ErrBadRequest, "unsupported")
}
func (f *fakeAdapter) CopyVersion(ctx context.Context, key, versionID string) error {
	return cmn.NewError(cmn.ErrBadRequest, "unsupported")
}
func (f *fakeAdapter) Kind() string { return "fake" }

func (f *fakeAdapter) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

var _ remote.Adapter = (*fakeAdapter)(nil)

// fakeAuthority treats every generation in `current` as valid for its
// tenant-shard; anything else is stale.
type fakeAuthority struct {
	mu      sync.Mutex
	current map[cmn.TenantShardId]cmn.Generation
	calls   int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{current: make(map[cmn.TenantShardId]cmn.Generation)}
}

func (a *fakeAuthority) set(tsid cmn.TenantShardId, gen cmn.Generation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current[tsid] = gen
}

func (a *fakeAuthority) IsCurrent(ctx context.Context, tsid cmn.TenantShardId, gen cmn.Generation) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	cur, ok := a.current[tsid]
	return ok && cur == gen, nil
}

var _ GenerationAuthority = (*fakeAuthority)(nil)
