// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type labeledError struct {
	msg    string
	labels []string
}

func (e labeledError) Error() string { return e.msg }

func (e labeledError) HasErrorLabel(label string) bool {
	for _, l := range e.labels {
		if l == label {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(NewPool(), Explicit)
}

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	c := newTestClient(t)

	fnCalls, commitCalls, abortCalls := 0, 0, 0
	result, err := c.WithTransaction(
		context.Background(),
		func(ctx context.Context) (interface{}, error) {
			fnCalls++
			return "ok", nil
		},
		func(ctx context.Context) error { commitCalls++; return nil },
		func(ctx context.Context) error { abortCalls++; return nil },
	)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, fnCalls)
	assert.Equal(t, 1, commitCalls)
	assert.Equal(t, 0, abortCalls)
	assert.Equal(t, Committed, c.TransactionState())
}

func TestWithTransactionRetriesOnTransientError(t *testing.T) {
	c := newTestClient(t)

	attempts := 0
	result, err := c.WithTransaction(
		context.Background(),
		func(ctx context.Context) (interface{}, error) {
			attempts++
			if attempts < 3 {
				return nil, labeledError{msg: "transient", labels: []string{transientTransactionErrorLabel}}
			}
			return 42, nil
		},
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
	)

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, attempts)
}

func TestWithTransactionSurfacesNonTransientError(t *testing.T) {
	c := newTestClient(t)

	aborted := false
	wantErr := errors.New("boom")
	_, err := c.WithTransaction(
		context.Background(),
		func(ctx context.Context) (interface{}, error) {
			return nil, wantErr
		},
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { aborted = true; return nil },
	)

	require.ErrorIs(t, err, wantErr)
	assert.True(t, aborted)
}

func TestWithTransactionRetriesCommitOnUnknownResult(t *testing.T) {
	c := newTestClient(t)

	commitAttempts := 0
	result, err := c.WithTransaction(
		context.Background(),
		func(ctx context.Context) (interface{}, error) { return "v", nil },
		func(ctx context.Context) error {
			commitAttempts++
			if commitAttempts < 2 {
				return labeledError{msg: "unknown", labels: []string{unknownTransactionCommitResultLabel}}
			}
			return nil
		},
		func(ctx context.Context) error { return nil },
	)

	require.NoError(t, err)
	assert.Equal(t, "v", result)
	assert.Equal(t, 2, commitAttempts)
}

func TestWithTransactionRespectsContextCancellation(t *testing.T) {
	c := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.WithTransaction(
		ctx,
		func(ctx context.Context) (interface{}, error) {
			return nil, labeledError{msg: "transient", labels: []string{transientTransactionErrorLabel}}
		},
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
	)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextBackoffStaysWithinBounds(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i < 100; i++ {
		next := nextBackoff(prev)
		assert.GreaterOrEqual(t, next, backoffBase)
		assert.LessOrEqual(t, next, backoffCap)
		prev = next
	}
}
