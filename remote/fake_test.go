package remote

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pageserver/pageserver/cmn"
)

// fakeVersionedAdapter is an in-memory Adapter whose ObjectVersion
// timestamps are caller-controlled, so time-travel-restore scenarios can be
// built from literal inputs instead of wall-clock timing.
type fakeVersionedAdapter struct {
	mu       sync.Mutex
	current  map[string][]byte
	versions map[string][]ObjectVersion
	contents map[string]map[string][]byte // key -> versionID -> content

	copies  []string
	deletes []string
}

func newFakeVersionedAdapter() *fakeVersionedAdapter {
	return &fakeVersionedAdapter{
		current:  make(map[string][]byte),
		versions: make(map[string][]ObjectVersion),
		contents: make(map[string]map[string][]byte),
	}
}

// seedVersion registers a historical version of key without touching the
// "current" object, the way a versioned bucket already contains history
// before a restore runs.
func (f *fakeVersionedAdapter) seedVersion(v ObjectVersion, content []byte) {
	f.versions[v.Key] = append(f.versions[v.Key], v)
	if f.contents[v.Key] == nil {
		f.contents[v.Key] = make(map[string][]byte)
	}
	f.contents[v.Key][v.VersionID] = content
	if !v.IsDeleteMarker {
		f.current[v.Key] = content
	} else {
		delete(f.current, v.Key)
	}
}

func (f *fakeVersionedAdapter) List(ctx context.Context, prefix string, maxKeys int, mode ListMode) (ListResult, error) {
	return ListResult{}, nil
}

func (f *fakeVersionedAdapter) Get(ctx context.Context, key string, rng *ByteRange) (GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.current[key]
	if !ok {
		return GetResult{}, cmn.NewError(cmn.ErrNotFound, "no such key %s", key)
	}
	return GetResult{Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data))}, nil
}

func (f *fakeVersionedAdapter) Put(ctx context.Context, key string, body io.Reader, size int64, userMetadata map[string]string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[key] = data
	return nil
}

func (f *fakeVersionedAdapter) Copy(ctx context.Context, srcKey, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.current[srcKey]
	if !ok {
		return cmn.NewError(cmn.ErrNotFound, "no such key %s", srcKey)
	}
	f.current[dstKey] = data
	return nil
}

func (f *fakeVersionedAdapter) Delete(ctx context.Context, keys []string) []DeleteError {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.current, k)
		f.deletes = append(f.deletes, k)
	}
	return nil
}

func (f *fakeVersionedAdapter) ListVersions(ctx context.Context, prefix string) ([]ObjectVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ObjectVersion
	for _, vs := range f.versions {
		out = append(out, vs...)
	}
	return out, nil
}

func (f *fakeVersionedAdapter) CopyVersion(ctx context.Context, key, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.contents[key][versionID]
	if !ok {
		return cmn.NewError(cmn.ErrNotFound, "version %s of %s", versionID, key)
	}
	f.current[key] = content
	f.copies = append(f.copies, key+"@"+versionID)
	return nil
}

func (f *fakeVersionedAdapter) Kind() string { return "fake-versioned" }

func (f *fakeVersionedAdapter) currentOf(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.current[key]
	return v, ok
}

var _ Adapter = (*fakeVersionedAdapter)(nil)
