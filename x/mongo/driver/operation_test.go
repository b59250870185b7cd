// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// pinningServer implements both Server and ConnectionPinner, recording how
// many times a load-balanced pin was established.
type pinningServer struct {
	pinned   Connection
	pinCalls int
}

func (p *pinningServer) Connection(context.Context) (Connection, error) {
	return &fakeConnection{}, nil
}

func (p *pinningServer) PinConnection(ctx context.Context, owner *session.Client) (Connection, error) {
	p.pinCalls++
	return p.pinned, nil
}

type fakeLBDeployment struct{}

func (fakeLBDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return nil, errors.New("fakeLBDeployment.SelectServer is not used by these tests")
}

func (fakeLBDeployment) Kind() description.TopologyKind { return description.LoadBalanced }

func TestObtainConnectionPinsOnLoadBalancedTransactionStart(t *testing.T) {
	pc := &fakeConnection{}
	server := &pinningServer{pinned: pc}
	c := session.NewClient(session.NewPool(), session.Explicit)
	require.NoError(t, c.StartTransaction())

	op := Operation{Client: c, Deployment: fakeLBDeployment{}}
	conn, err := op.obtainConnection(context.Background(), server)
	require.NoError(t, err)
	require.NotNil(t, conn)

	assert.Same(t, Connection(pc), c.PinnedConnection())
	assert.Equal(t, 1, server.pinCalls)
}

func TestObtainConnectionReusesExistingPinWithoutReselecting(t *testing.T) {
	existing := &fakeConnection{}
	c := session.NewClient(session.NewPool(), session.Explicit)
	require.NoError(t, c.StartTransaction())
	c.SetPinnedConnection(existing)

	server := &pinningServer{pinned: &fakeConnection{}}
	op := Operation{Client: c, Deployment: fakeLBDeployment{}}
	_, err := op.obtainConnection(context.Background(), server)
	require.NoError(t, err)
	assert.Equal(t, 0, server.pinCalls, "an existing pin must not trigger another PinConnection call")
}

func TestSelectServerReturnsPinnedConnServerWhenPinned(t *testing.T) {
	pc := &fakeConnection{}
	c := session.NewClient(session.NewPool(), session.Explicit)
	c.SetPinnedConnection(pc)

	op := Operation{Client: c, Deployment: fakeLBDeployment{}}
	server, err := op.selectServer(context.Background(), nil)
	require.NoError(t, err)

	conn, err := server.Connection(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.False(t, pc.closed, "the pinned server must hand back a non-closing wrapper")
}
