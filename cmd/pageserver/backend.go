// Package main is the pageserver process entrypoint: config load, remote
// adapter construction, and attach/deletion-queue wiring.
// This file builds the concrete Remote Storage Adapter from configuration.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/remote"
	"github.com/pageserver/pageserver/remote/backend/azure"
	"github.com/pageserver/pageserver/remote/backend/gcs"
	"github.com/pageserver/pageserver/remote/backend/localfs"
	"github.com/pageserver/pageserver/remote/backend/s3"
)

// buildAdapter constructs the configured Remote Storage Adapter: a switch
// over the storage kind selecting localfs/s3/azure/gcs, wrapped in a
// concurrency-limited adapter before anything else touches it. It
// constructs the concrete backend named by cfg.Kind and wraps it with the
// per-operation-kind permit pools.
func buildAdapter(ctx context.Context, cfg cmn.RemoteStorageConfig) (remote.Adapter, error) {
	var inner remote.Adapter
	switch cfg.Kind {
	case cmn.RemoteLocalFS:
		inner = localfs.New(cfg.LocalRoot, cfg.PrefixInBucket)

	case cmn.RemoteS3:
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region), Endpoint: aws.String(cfg.Endpoint)})
		if err != nil {
			return nil, cmn.NewError(cmn.ErrOther, "create s3 session").Wrap(err)
		}
		inner = s3.New(sess, cfg.Bucket, cfg.PrefixInBucket, cfg.RequestTimeout)

	case cmn.RemoteAzure:
		b, err := azure.New(cfg.AccountName, cfg.AccountKey, cfg.Bucket, cfg.PrefixInBucket, cfg.RequestTimeout)
		if err != nil {
			return nil, cmn.NewError(cmn.ErrOther, "create azure backend").Wrap(err)
		}
		inner = b

	case cmn.RemoteGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, cmn.NewError(cmn.ErrOther, "create gcs client").Wrap(err)
		}
		inner = gcs.New(client, cfg.Bucket, cfg.PrefixInBucket, cfg.RequestTimeout)

	default:
		return nil, cmn.NewError(cmn.ErrBadRequest, "unknown remote storage kind %q", cfg.Kind)
	}

	lim := remote.NewLimiter(cfg.Semaphores, cfg.RequestTimeout)
	return remote.NewLimitedAdapter(inner, lim), nil
}
