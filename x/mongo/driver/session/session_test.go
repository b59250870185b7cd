// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/bson/primitive"
	"go.mongocore.dev/driver/x/mongo/driver/description"
)

// fakePinnedConnection is a minimal PinnedConnection for exercising a
// load-balanced transaction's connection pin without a real network
// connection; only Close is ever exercised by the state machine itself.
type fakePinnedConnection struct {
	closed bool
}

func (f *fakePinnedConnection) WriteWireMessage(context.Context, []byte) error { return nil }
func (f *fakePinnedConnection) ReadWireMessage(context.Context) ([]byte, error) {
	return nil, nil
}
func (f *fakePinnedConnection) Description() description.Server   { return description.Server{} }
func (f *fakePinnedConnection) Close() error                      { f.closed = true; return nil }
func (f *fakePinnedConnection) ID() string                        { return "fake" }
func (f *fakePinnedConnection) DriverConnectionID() uint64        { return 1 }
func (f *fakePinnedConnection) Address() address.Address          { return address.Address("a:27017") }
func (f *fakePinnedConnection) Stale() bool                       { return false }

func clusterTimeDoc(t, i uint32) bsoncore.Document {
	return bsoncore.BuildDocumentFromElements(bsoncore.AppendTimestampElement(nil, "clusterTime", t, i))
}

func TestMaxClusterTimePicksNewer(t *testing.T) {
	older := clusterTimeDoc(100, 1)
	newer := clusterTimeDoc(100, 2)

	assert.Equal(t, newer, MaxClusterTime(older, newer))
	assert.Equal(t, newer, MaxClusterTime(newer, older))
	assert.Equal(t, newer, MaxClusterTime(nil, newer))
	assert.Equal(t, newer, MaxClusterTime(newer, nil))
}

func TestClusterClockAdvance(t *testing.T) {
	var cc ClusterClock
	assert.Nil(t, cc.GetClusterTime())

	cc.AdvanceClusterTime(clusterTimeDoc(5, 1))
	cc.AdvanceClusterTime(clusterTimeDoc(3, 9))
	assert.Equal(t, clusterTimeDoc(5, 1), cc.GetClusterTime())

	cc.AdvanceClusterTime(clusterTimeDoc(9, 0))
	assert.Equal(t, clusterTimeDoc(9, 0), cc.GetClusterTime())
}

func TestPoolRecyclesSessions(t *testing.T) {
	p := NewPool()
	ss := p.GetSession()
	id := ss.SessionID
	p.ReturnSession(ss)

	recycled := p.GetSession()
	assert.Equal(t, id, recycled.SessionID)
}

func TestPoolDropsDirtySessions(t *testing.T) {
	p := NewPool()
	ss := p.GetSession()
	ss.Dirty = true
	id := ss.SessionID
	p.ReturnSession(ss)

	fresh := p.GetSession()
	assert.NotEqual(t, id, fresh.SessionID)
}

func TestPoolDropsExpiredSessions(t *testing.T) {
	p := NewPool()
	p.SetTimeout(30)
	ss := p.GetSession()
	ss.LastUsed = time.Now().Add(-time.Hour)
	id := ss.SessionID
	p.ReturnSession(ss)

	fresh := p.GetSession()
	assert.NotEqual(t, id, fresh.SessionID)
}

func TestTransactionStateMachine(t *testing.T) {
	c := NewClient(NewPool(), Explicit)

	assert.Equal(t, None, c.TransactionState())
	require.NoError(t, c.StartTransaction())
	assert.True(t, c.TransactionStarting())
	assert.ErrorIs(t, c.StartTransaction(), ErrTransactInProgress)

	c.ApplyCommand(description.Server{Kind: description.RSPrimary})
	assert.Equal(t, InProgress, c.TransactionState())
	assert.False(t, c.TransactionStarting())

	require.NoError(t, c.CommitTransaction())
	assert.Equal(t, Committed, c.TransactionState())

	require.Error(t, c.AbortTransaction())
}

func TestCommitWithoutStartFails(t *testing.T) {
	c := NewClient(NewPool(), Implicit)
	assert.ErrorIs(t, c.CommitTransaction(), ErrNoTransactStarted)
	assert.ErrorIs(t, c.AbortTransaction(), ErrNoTransactStarted)
}

func TestEndSessionReturnsToPoolAndBlocksFurtherUse(t *testing.T) {
	pool := NewPool()
	c := NewClient(pool, Implicit)
	c.EndSession()
	assert.True(t, c.Terminated)
	assert.ErrorIs(t, c.AdvanceClusterTime(clusterTimeDoc(1, 1)), ErrSessionEnded)

	recycled := pool.GetSession()
	assert.Equal(t, c.ServerSession.SessionID, recycled.SessionID)
}

func TestPinnedConnectionReleasedOnAbort(t *testing.T) {
	c := NewClient(NewPool(), Explicit)
	require.NoError(t, c.StartTransaction())

	conn := &fakePinnedConnection{}
	c.SetPinnedConnection(conn)
	assert.Same(t, conn, c.PinnedConnection())

	require.NoError(t, c.AbortTransaction())
	assert.True(t, conn.closed)
	assert.Nil(t, c.PinnedConnection())
}

func TestPinnedConnectionReleasedOnClearTransactionState(t *testing.T) {
	c := NewClient(NewPool(), Explicit)
	require.NoError(t, c.StartTransaction())

	conn := &fakePinnedConnection{}
	c.SetPinnedConnection(conn)

	c.ClearTransactionState()
	assert.True(t, conn.closed)
	assert.Nil(t, c.PinnedConnection())
}

func TestPinnedConnectionReleasedOnEndSession(t *testing.T) {
	c := NewClient(NewPool(), Explicit)
	require.NoError(t, c.StartTransaction())

	conn := &fakePinnedConnection{}
	c.SetPinnedConnection(conn)

	c.EndSession()
	assert.True(t, conn.closed)
	assert.Nil(t, c.PinnedConnection())
}

func TestAdvanceOperationTimeKeepsMax(t *testing.T) {
	c := NewClient(NewPool(), Implicit)
	require.NoError(t, c.AdvanceOperationTime(&primitive.Timestamp{T: 5, I: 1}))
	require.NoError(t, c.AdvanceOperationTime(&primitive.Timestamp{T: 3, I: 9}))
	assert.Equal(t, primitive.Timestamp{T: 5, I: 1}, *c.OperationTime)

	require.NoError(t, c.AdvanceOperationTime(&primitive.Timestamp{T: 9, I: 0}))
	assert.Equal(t, primitive.Timestamp{T: 9, I: 0}, *c.OperationTime)
}
