// Package s3 implements the Remote Storage Adapter against any
// S3-compatible object store using github.com/aws/aws-sdk-go.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package s3

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/remote"
)

type Backend struct {
	client         *s3.S3
	bucket         string
	prefixInBucket string
	requestTimeout time.Duration
}

var _ remote.Adapter = (*Backend)(nil)

func New(sess *session.Session, bucket, prefixInBucket string, requestTimeout time.Duration) *Backend {
	return &Backend{client: s3.New(sess), bucket: bucket, prefixInBucket: prefixInBucket, requestTimeout: requestTimeout}
}

func (b *Backend) Kind() string { return "s3" }

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.requestTimeout)
}

func (b *Backend) fullKey(key string) string { return remote.JoinKey(b.prefixInBucket, key) }

func classify(reqCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return cmn.NewError(cmn.ErrNotFound, "s3 object not found").Wrap(err)
		}
	}
	if reqCtx.Err() == context.DeadlineExceeded {
		return cmn.NewError(cmn.ErrTimeout, "s3 request timed out").Wrap(err)
	}
	if reqCtx.Err() == context.Canceled {
		return cmn.NewError(cmn.ErrCancelled, "s3 request cancelled").Wrap(err)
	}
	return cmn.NewError(cmn.ErrRemoteIO, "s3 request failed").Wrap(err)
}

func (b *Backend) List(ctx context.Context, prefix string, maxKeys int, mode remote.ListMode) (remote.ListResult, error) {
	reqCtx, cancel := b.withTimeout(ctx)
	defer cancel()

	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.fullKey(prefix)),
	}
	if mode == remote.WithDelimiter {
		in.Delimiter = aws.String("/")
	}
	if maxKeys > 0 {
		in.MaxKeys = aws.Int64(int64(maxKeys))
	}

	var out remote.ListResult
	err := b.client.ListObjectsV2PagesWithContext(reqCtx, in, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			out.Keys = append(out.Keys, remote.ObjectInfo{
				Key: stripPrefix(aws.StringValue(obj.Key), b.prefixInBucket), Size: aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified), ETag: aws.StringValue(obj.ETag),
			})
		}
		for _, cp := range page.CommonPrefixes {
			out.CommonPrefixes = append(out.CommonPrefixes, stripPrefix(aws.StringValue(cp.Prefix), b.prefixInBucket))
		}
		return maxKeys == 0 || len(out.Keys) < maxKeys
	})
	if err != nil {
		return remote.ListResult{}, classify(reqCtx, err)
	}
	return out, nil
}

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

func (b *Backend) Get(ctx context.Context, key string, rng *remote.ByteRange) (remote.GetResult, error) {
	reqCtx, cancel := b.withTimeout(ctx)
	in := &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.fullKey(key))}
	if rng != nil {
		in.Range = aws.String(httpRange(rng.Start, rng.End))
	}
	resp, err := b.client.GetObjectWithContext(reqCtx, in)
	if err != nil {
		cancel()
		return remote.GetResult{}, classify(reqCtx, err)
	}
	meta := make(map[string]string, len(resp.Metadata))
	for k, v := range resp.Metadata {
		meta[k] = aws.StringValue(v)
	}
	return remote.GetResult{
		Body:         wrapCancel(resp.Body, cancel),
		UserMetadata: meta,
		ETag:         aws.StringValue(resp.ETag),
		LastModified: aws.TimeValue(resp.LastModified),
		Size:         aws.Int64Value(resp.ContentLength),
	}, nil
}

func httpRange(start, end int64) string {
	if end < 0 {
		return "bytes=" + strconv.FormatInt(start, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end-1, 10)
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

func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, userMetadata map[string]string) error {
	reqCtx, cancel := b.withTimeout(ctx)
	defer cancel()

	buf, ok := body.(*bytes.Reader)
	var rs io.ReadSeeker
	if ok {
		rs = buf
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return cmn.NewError(cmn.ErrOther, "buffer put body for %s", key).Wrap(err)
		}
		rs = bytes.NewReader(data)
		size = int64(len(data))
	}

	meta := make(map[string]*string, len(userMetadata))
	for k, v := range userMetadata {
		meta[k] = aws.String(v)
	}
	_, err := b.client.PutObjectWithContext(reqCtx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(b.fullKey(key)), Body: rs,
		ContentLength: aws.Int64(size), Metadata: meta,
	})
	return classify(reqCtx, err)
}

func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) error {
	reqCtx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.client.CopyObjectWithContext(reqCtx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.fullKey(dstKey)),
		CopySource: aws.String(b.bucket + "/" + b.fullKey(srcKey)),
	})
	return classify(reqCtx, err)
}

func (b *Backend) Delete(ctx context.Context, keys []string) []remote.DeleteError {
	var errs []remote.DeleteError
	for _, batch := range remote.ChunkKeys(keys, 1000) {
		reqCtx, cancel := b.withTimeout(ctx)
		objs := make([]*s3.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objs[i] = &s3.ObjectIdentifier{Key: aws.String(b.fullKey(k))}
		}
		resp, err := b.client.DeleteObjectsWithContext(reqCtx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &s3.Delete{Objects: objs, Quiet: aws.Bool(true)},
		})
		cancel()
		if err != nil {
			for _, k := range batch {
				errs = append(errs, remote.DeleteError{Key: k, Err: err})
			}
			continue
		}
		for _, e := range resp.Errors {
			errs = append(errs, remote.DeleteError{Key: stripPrefix(aws.StringValue(e.Key), b.prefixInBucket), Err: cmn.NewError(cmn.ErrRemoteIO, "%s", aws.StringValue(e.Message))})
		}
	}
	return errs
}

func (b *Backend) ListVersions(ctx context.Context, prefix string) ([]remote.ObjectVersion, error) {
	reqCtx, cancel := b.withTimeout(ctx)
	defer cancel()
	var out []remote.ObjectVersion
	in := &s3.ListObjectVersionsInput{Bucket: aws.String(b.bucket), Prefix: aws.String(b.fullKey(prefix))}
	err := b.client.ListObjectVersionsPagesWithContext(reqCtx, in, func(page *s3.ListObjectVersionsOutput, lastPage bool) bool {
		for _, v := range page.Versions {
			out = append(out, remote.ObjectVersion{
				Key: stripPrefix(aws.StringValue(v.Key), b.prefixInBucket), VersionID: aws.StringValue(v.VersionId),
				LastModified: aws.TimeValue(v.LastModified),
			})
		}
		for _, m := range page.DeleteMarkers {
			out = append(out, remote.ObjectVersion{
				Key: stripPrefix(aws.StringValue(m.Key), b.prefixInBucket), VersionID: aws.StringValue(m.VersionId),
				IsDeleteMarker: true, LastModified: aws.TimeValue(m.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, classify(reqCtx, err)
	}
	return out, nil
}

func (b *Backend) CopyVersion(ctx context.Context, key, versionID string) error {
	reqCtx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.client.CopyObjectWithContext(reqCtx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(b.fullKey(key)),
		CopySource: aws.String(b.bucket + "/" + b.fullKey(key) + "?versionId=" + versionID),
	})
	return classify(reqCtx, err)
}
