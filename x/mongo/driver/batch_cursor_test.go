// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/x/mongo/driver/description"
)

// fakeConnection is a minimal Connection for cursor tests that never touch
// the network; only Close is ever exercised.
type fakeConnection struct {
	closed bool
}

func (f *fakeConnection) WriteWireMessage(context.Context, []byte) error { return nil }
func (f *fakeConnection) ReadWireMessage(context.Context) ([]byte, error) {
	return nil, nil
}
func (f *fakeConnection) Description() description.Server { return description.Server{} }
func (f *fakeConnection) Close() error                     { f.closed = true; return nil }
func (f *fakeConnection) ID() string                        { return "fake" }
func (f *fakeConnection) DriverConnectionID() uint64        { return 1 }
func (f *fakeConnection) Address() address.Address          { return address.Address("a:27017") }
func (f *fakeConnection) Stale() bool                        { return false }

// trackedFakeConnection additionally implements PinTracker, so
// NewBatchCursor's pin-marking can be observed.
type trackedFakeConnection struct {
	fakeConnection
	pinnedForCursor  bool
	pinnedForSession bool
}

func (c *trackedFakeConnection) MarkPinnedForCursor()  { c.pinnedForCursor = true }
func (c *trackedFakeConnection) MarkPinnedForSession() { c.pinnedForSession = true }

func TestBatchCursorCloseReleasesPinnedConnection(t *testing.T) {
	conn := &fakeConnection{}
	bc := &BatchCursor{id: 0, pinnedConnection: conn}

	require.NoError(t, bc.Close(context.Background()))

	assert.True(t, conn.closed, "Close must release the real pinned connection back to its pool")
	assert.Nil(t, bc.pinnedConnection)
}

func TestBatchCursorCloseIsIdempotent(t *testing.T) {
	conn := &fakeConnection{}
	bc := &BatchCursor{id: 0, pinnedConnection: conn}

	require.NoError(t, bc.Close(context.Background()))
	require.NoError(t, bc.Close(context.Background()))
	assert.True(t, conn.closed)
}

func TestNewBatchCursorMarksPinTrackerConnection(t *testing.T) {
	conn := &trackedFakeConnection{}
	cr := CursorResponse{Namespace: "db.coll"}

	NewBatchCursor(cr, nil, nil, conn)

	assert.True(t, conn.pinnedForCursor)
	assert.False(t, conn.pinnedForSession)
}

func TestNewBatchCursorToleratesNonTrackingConnection(t *testing.T) {
	conn := &fakeConnection{}
	cr := CursorResponse{Namespace: "db.coll"}

	assert.NotPanics(t, func() {
		NewBatchCursor(cr, nil, nil, conn)
	})
}
