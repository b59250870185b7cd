// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"math/rand"
	"time"

	"go.mongocore.dev/driver/internal/randutil"
)

// transactionErrorLabel strings recognized by the convenient-transaction
// retry loop. These mirror driver.TransientTransactionErrorLabel and
// driver.UnknownTransactionCommitResultLabel verbatim; duplicated here
// rather than imported since the driver package already imports this one.
const (
	transientTransactionErrorLabel      = "TransientTransactionError"
	unknownTransactionCommitResultLabel = "UnknownTransactionCommitResult"
)

// defaultTxnRetryTimeout bounds how long WithTransaction keeps retrying the
// callback and commit before giving up and surfacing the last error.
const defaultTxnRetryTimeout = 120 * time.Second

const (
	backoffBase = 5 * time.Millisecond
	backoffCap  = 1 * time.Second
)

var txnRand = randutil.NewLockedRand(rand.NewSource(time.Now().UnixNano()))

// nextBackoff applies decorrelated jitter: the next wait is drawn uniformly
// from [backoffBase, prev*3) and clamped to backoffCap, so consecutive
// retries spread out rather than synchronizing on a fixed exponential curve.
func nextBackoff(prev time.Duration) time.Duration {
	if prev < backoffBase {
		prev = backoffBase
	}
	hi := prev * 3
	next := backoffBase + time.Duration(txnRand.Float64()*float64(hi-backoffBase))
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

// errorLabeler is satisfied by driver.Error and driver.WriteConcernError
// without this package importing the driver package, which itself imports
// this one.
type errorLabeler interface {
	HasErrorLabel(string) bool
}

func hasErrorLabel(err error, label string) bool {
	for err != nil {
		if le, ok := err.(errorLabeler); ok && le.HasErrorLabel(label) {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// TransactionFunc is the application callback WithTransaction runs inside a
// transaction. Its result is returned by WithTransaction on success; fn may
// run more than once if the server reports a transient error.
type TransactionFunc func(ctx context.Context) (interface{}, error)

// TransactionCommand runs commitTransaction or abortTransaction bound to a
// specific session. Accepted as a parameter rather than built internally
// since the command implementation lives in the operation layer built on
// top of this package.
type TransactionCommand func(ctx context.Context) error

// sleepOrDone waits for d, returning false early if ctx is done first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// WithTransaction starts a transaction on c, runs fn, and commits: a
// TransientTransactionError from fn (or from commit) restarts the whole
// attempt from a fresh StartTransaction, and an UnknownTransactionCommitResult
// from commit retries only the commit, both with decorrelated-jitter backoff
// and both bounded by a 120-second wall-clock deadline from the first
// attempt. Any other error from fn is returned after abort has been given a
// chance to run; any other error from commit is returned immediately,
// without calling abort.
func (c *Client) WithTransaction(
	ctx context.Context,
	fn TransactionFunc,
	commit TransactionCommand,
	abort TransactionCommand,
) (interface{}, error) {
	start := time.Now()
	var backoff time.Duration

retry:
	for {
		if err := c.StartTransaction(); err != nil {
			return nil, err
		}

		result, err := fn(ctx)
		if err != nil {
			_ = abort(ctx)
			_ = c.AbortTransaction()
			if hasErrorLabel(err, transientTransactionErrorLabel) && time.Since(start) < defaultTxnRetryTimeout {
				backoff = nextBackoff(backoff)
				if !sleepOrDone(ctx, backoff) {
					return nil, ctx.Err()
				}
				continue retry
			}
			return nil, err
		}

		for {
			cerr := commit(ctx)
			if cerr == nil {
				_ = c.CommitTransaction()
				return result, nil
			}
			if time.Since(start) >= defaultTxnRetryTimeout {
				return nil, cerr
			}
			if hasErrorLabel(cerr, unknownTransactionCommitResultLabel) {
				backoff = nextBackoff(backoff)
				if !sleepOrDone(ctx, backoff) {
					return nil, ctx.Err()
				}
				continue
			}
			if hasErrorLabel(cerr, transientTransactionErrorLabel) {
				_ = c.AbortTransaction()
				backoff = nextBackoff(backoff)
				if !sleepOrDone(ctx, backoff) {
					return nil, ctx.Err()
				}
				continue retry
			}
			return nil, cerr
		}
	}
}
