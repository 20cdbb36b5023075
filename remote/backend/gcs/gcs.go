// Package gcs implements the Remote Storage Adapter against Google Cloud
// Storage using cloud.google.com/go/storage.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package gcs

import (
	"context"
	"errors"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/remote"
)

type Backend struct {
	bucket         *storage.BucketHandle
	prefixInBucket string
	requestTimeout time.Duration
}

var _ remote.Adapter = (*Backend)(nil)

func New(client *storage.Client, bucketName, prefixInBucket string, requestTimeout time.Duration) *Backend {
	return &Backend{bucket: client.Bucket(bucketName), prefixInBucket: prefixInBucket, requestTimeout: requestTimeout}
}

func (b *Backend) Kind() string { return "gcs" }

func (b *Backend) fullKey(key string) string { return remote.JoinKey(b.prefixInBucket, key) }

func stripPrefix(full, prefixInBucket string) string {
	p := remote.NormalizePrefix(prefixInBucket)
	if p == "" {
		return full
	}
	if len(full) >= len(p) && full[:len(p)] == p {
		return full[len(p):]
	}
	return full
}

func classify(reqCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return cmn.NewError(cmn.ErrNotFound, "gcs object not found").Wrap(err)
	}
	if reqCtx.Err() == context.DeadlineExceeded {
		return cmn.NewError(cmn.ErrTimeout, "gcs request timed out").Wrap(err)
	}
	if reqCtx.Err() == context.Canceled {
		return cmn.NewError(cmn.ErrCancelled, "gcs request cancelled").Wrap(err)
	}
	return cmn.NewError(cmn.ErrRemoteIO, "gcs request failed").Wrap(err)
}

func (b *Backend) List(ctx context.Context, prefix string, maxKeys int, mode remote.ListMode) (remote.ListResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	q := &storage.Query{Prefix: b.fullKey(prefix)}
	if mode == remote.WithDelimiter {
		q.Delimiter = "/"
	}
	it := b.bucket.Objects(reqCtx, q)
	var out remote.ListResult
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return remote.ListResult{}, classify(reqCtx, err)
		}
		if attrs.Prefix != "" {
			out.CommonPrefixes = append(out.CommonPrefixes, stripPrefix(attrs.Prefix, b.prefixInBucket))
			continue
		}
		out.Keys = append(out.Keys, remote.ObjectInfo{
			Key: stripPrefix(attrs.Name, b.prefixInBucket), Size: attrs.Size, LastModified: attrs.Updated, ETag: attrs.Etag,
		})
		if maxKeys > 0 && len(out.Keys) >= maxKeys {
			break
		}
	}
	return out, nil
}

func (b *Backend) Get(ctx context.Context, key string, rng *remote.ByteRange) (remote.GetResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	obj := b.bucket.Object(b.fullKey(key))
	var r *storage.Reader
	var err error
	if rng != nil {
		length := int64(-1)
		if rng.End >= 0 {
			length = rng.End - rng.Start
		}
		r, err = obj.NewRangeReader(reqCtx, rng.Start, length)
	} else {
		r, err = obj.NewReader(reqCtx)
	}
	if err != nil {
		cancel()
		return remote.GetResult{}, classify(reqCtx, err)
	}
	return remote.GetResult{
		Body: wrapCancel(r, cancel), Size: r.Attrs.Size, LastModified: r.Attrs.LastModified,
	}, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func wrapCancel(rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}
}

func (b *Backend) Put(ctx context.Context, key string, body io.Reader, _ int64, userMetadata map[string]string) error {
	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()
	w := b.bucket.Object(b.fullKey(key)).NewWriter(reqCtx)
	w.Metadata = userMetadata
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return classify(reqCtx, err)
	}
	return classify(reqCtx, w.Close())
}

func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()
	src := b.bucket.Object(b.fullKey(srcKey))
	dst := b.bucket.Object(b.fullKey(dstKey))
	_, err := dst.CopierFrom(src).Run(reqCtx)
	return classify(reqCtx, err)
}

func (b *Backend) Delete(ctx context.Context, keys []string) []remote.DeleteError {
	var errs []remote.DeleteError
	for _, k := range keys {
		reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
		err := b.bucket.Object(b.fullKey(k)).Delete(reqCtx)
		cancel()
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, remote.DeleteError{Key: k, Err: err})
		}
	}
	return errs
}

func (b *Backend) ListVersions(ctx context.Context, prefix string) ([]remote.ObjectVersion, error) {
	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()
	q := &storage.Query{Prefix: b.fullKey(prefix), Versions: true}
	it := b.bucket.Objects(reqCtx, q)
	var out []remote.ObjectVersion
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(reqCtx, err)
		}
		out = append(out, remote.ObjectVersion{
			Key: stripPrefix(attrs.Name, b.prefixInBucket),
			VersionID: formatGeneration(attrs.Generation), LastModified: attrs.Updated,
			IsDeleteMarker: attrs.Deleted.Unix() > 0,
		})
	}
	return out, nil
}

func formatGeneration(g int64) string {
	if g == 0 {
		return "null"
	}
	return itoa64(g)
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

func (b *Backend) CopyVersion(ctx context.Context, key, versionID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()
	gen, err := parseGeneration(versionID)
	if err != nil {
		return cmn.NewError(cmn.ErrBadRequest, "version id %s", versionID).Wrap(err)
	}
	src := b.bucket.Object(b.fullKey(key)).Generation(gen)
	dst := b.bucket.Object(b.fullKey(key))
	_, copyErr := dst.CopierFrom(src).Run(reqCtx)
	return classify(reqCtx, copyErr)
}

func parseGeneration(versionID string) (int64, error) {
	var neg bool
	var v int64
	if len(versionID) == 0 {
		return 0, cmn.NewError(cmn.ErrBadRequest, "empty version id")
	}
	s := versionID
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, cmn.NewError(cmn.ErrBadRequest, "malformed generation %s", versionID)
		}
		v = v*10 + int64(c-'0')
	}
	if neg {
		v = -v
	}
	return v, nil
}
