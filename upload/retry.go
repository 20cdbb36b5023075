// Package upload implements the per-timeline Upload Queue state machine:
// ordering of layer uploads, index uploads, and deletions; barriers and
// shutdown.
// This file implements RetryIndefinitely, the shared retry helper.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package upload

import (
	"context"

	"github.com/pageserver/pageserver/cmn"
	"github.com/pageserver/pageserver/metrics"
)

// RetryIndefinitely runs fn until it succeeds or ctx is cancelled, applying
// exponential backoff with full jitter (base 0.1s, cap 60s), escalating to
// warning-severity logging once the retry count passes cmn.WarnThreshold.
// A Cancelled error from fn is not retried.
func RetryIndefinitely(ctx context.Context, what string, fn func() error) error {
	b := cmn.NewBackoff()
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if cmn.IsCancelled(err) || ctx.Err() != nil {
			return err
		}
		if !cmn.Retryable(err) {
			cmn.Errf("upload task %s failed with non-retryable error: %v", what, err)
			return err
		}
		attempt := b.Attempt() + 1
		if attempt >= cmn.WarnThreshold {
			metrics.RetriesEscalated.Inc()
			cmn.Warnf("upload task %s failed (attempt %d), retrying: %v", what, attempt, err)
		} else {
			cmn.Logf("upload task %s failed (attempt %d), retrying: %v", what, attempt, err)
		}
		if serr := b.Sleep(ctx); serr != nil {
			return cmn.NewError(cmn.ErrCancelled, "upload task %s cancelled during retry backoff", what).Wrap(serr)
		}
	}
}
