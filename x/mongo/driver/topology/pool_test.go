// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/address"
)

func fakePooledConnection(t *testing.T, p *pool, serviceID string, generation uint64) *pooledConnection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	cfg, err := newConnectionConfig()
	require.NoError(t, err)
	conn := newConnection(address.Address("a:27017"), cfg)
	conn.nc = client

	return &pooledConnection{
		connection: conn,
		pool:       p,
		generation: generation,
		serviceID:  serviceID,
	}
}

func TestPoolStartsPausedThenReadyThenClosed(t *testing.T) {
	p := newPool(address.Address("a:27017"), mustServerConfig(t))
	assert.Equal(t, poolPaused, p.state)
	p.ready()
	assert.Equal(t, poolReady, p.state)
	p.close()
	assert.Equal(t, poolClosed, p.state)
}

func TestPoolClearBumpsGenerationAndDiscardsIdle(t *testing.T) {
	p := newPool(address.Address("a:27017"), mustServerConfig(t))
	p.ready()

	pc := fakePooledConnection(t, p, "", p.currentGeneration(""))
	require.NoError(t, p.checkin(pc))
	assert.Len(t, p.idle, 1)

	p.clear("", ClearReasonError)
	assert.Equal(t, poolPaused, p.state)
	assert.Empty(t, p.idle)
}

func TestPoolStaleConnectionDiscardedOnCheckin(t *testing.T) {
	p := newPool(address.Address("a:27017"), mustServerConfig(t))
	p.ready()

	pc := fakePooledConnection(t, p, "", p.currentGeneration(""))
	p.clear("", ClearReasonError) // bumps the generation past pc's
	require.NoError(t, p.checkin(pc))
	assert.Empty(t, p.idle)
}

func TestPoolPerServiceIDGenerations(t *testing.T) {
	p := newPool(address.Address("a:27017"), mustServerConfig(t))
	p.ready()

	other := fakePooledConnection(t, p, "svc-1", p.currentGeneration("svc-1"))
	p.clear("svc-2", ClearReasonError)

	require.NoError(t, p.checkin(other))
	assert.Len(t, p.idle, 1, "clearing a different serviceId must not invalidate svc-1's connections")
}

func TestPoolCheckinEmitsUnpinnedForPinnedConnection(t *testing.T) {
	p := newPool(address.Address("a:27017"), mustServerConfig(t))
	p.ready()

	var events []*PoolEvent
	p.monitor = func(e *PoolEvent) { events = append(events, e) }

	pc := fakePooledConnection(t, p, "", p.currentGeneration(""))
	pc.MarkPinnedForSession()

	require.NoError(t, p.checkin(pc))

	assert.False(t, pc.pinnedSession, "checkin must clear the pin once the connection is released")
	var sawUnpinned bool
	for _, e := range events {
		if e.Type == "ConnectionUnpinned" {
			sawUnpinned = true
		}
	}
	assert.True(t, sawUnpinned, "checkin of a pinned connection must emit ConnectionUnpinned")
}

func mustServerConfig(t *testing.T) *serverConfig {
	t.Helper()
	cfg, err := newServerConfig()
	require.NoError(t, err)
	return cfg
}
