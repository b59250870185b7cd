// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/readpref"
	"go.mongocore.dev/driver/x/mongo/driver/description"
)

func replicaSetTopology(servers ...description.Server) description.Topology {
	kind := description.ReplicaSetNoPrimary
	for _, s := range servers {
		if s.Kind == description.RSPrimary {
			kind = description.ReplicaSetWithPrimary
		}
	}
	return description.Topology{Kind: kind, Servers: servers, HeartbeatInterval: 10 * time.Second}
}

func rsServer(addr string, kind description.ServerKind, rtt time.Duration) description.Server {
	s := description.NewDefaultServer(address.Address(addr))
	s.Kind = kind
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

func TestSelectorPrimaryModeReturnsOnlyPrimary(t *testing.T) {
	primary := rsServer("a:27017", description.RSPrimary, time.Millisecond)
	secondary := rsServer("b:27017", description.RSSecondary, time.Millisecond)
	topo := replicaSetTopology(primary, secondary)

	selector := newReadPrefServerSelector(readpref.Primary(), 15*time.Millisecond)
	result, err := selector.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, description.RSPrimary, result[0].Kind)
}

func TestSelectorSecondaryPreferredFallsBackToPrimary(t *testing.T) {
	primary := rsServer("a:27017", description.RSPrimary, time.Millisecond)
	topo := replicaSetTopology(primary)

	selector := newReadPrefServerSelector(readpref.SecondaryPreferred(), 15*time.Millisecond)
	result, err := selector.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, description.RSPrimary, result[0].Kind)
}

func TestSelectorLatencyWindowExcludesFarServers(t *testing.T) {
	near := rsServer("a:27017", description.RSSecondary, 5*time.Millisecond)
	far := rsServer("b:27017", description.RSSecondary, 50*time.Millisecond)
	topo := replicaSetTopology(near, far)

	selector := newReadPrefServerSelector(readpref.Secondary(), 15*time.Millisecond)
	result, err := selector.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, address.Address("a:27017"), result[0].Addr)
}

func TestSelectorTagSetFiltering(t *testing.T) {
	tagged := rsServer("a:27017", description.RSSecondary, time.Millisecond)
	tagged.Tags = description.TagSet{"region": "east"}
	untagged := rsServer("b:27017", description.RSSecondary, time.Millisecond)
	topo := replicaSetTopology(tagged, untagged)

	selector := newReadPrefServerSelector(
		readpref.Secondary(readpref.WithTagSets(description.TagSet{"region": "east"})),
		15*time.Millisecond,
	)
	result, err := selector.SelectServer(topo, topo.Servers)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, address.Address("a:27017"), result[0].Addr)
}

func TestSelectorCompatibilityErrorRejected(t *testing.T) {
	topo := description.Topology{CompatibilityError: assertError{}}
	selector := newReadPrefServerSelector(readpref.Primary(), 15*time.Millisecond)
	_, err := selector.SelectServer(topo, nil)
	assert.Error(t, err)
}

type assertError struct{}

func (assertError) Error() string { return "incompatible" }

func TestPickTwoPrefersLowerOperationCount(t *testing.T) {
	busy := &Server{operationCount: 5}
	idle := &Server{operationCount: 0}

	for i := 0; i < 20; i++ {
		assert.Same(t, idle, pickTwo([]*Server{busy, idle}))
		assert.Same(t, idle, pickTwo([]*Server{idle, busy}))
	}
}

func TestPickTwoSingleCandidateReturnedUnchanged(t *testing.T) {
	only := &Server{}
	assert.Same(t, only, pickTwo([]*Server{only}))
}

func TestPickTwoEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, pickTwo(nil))
}

func TestServerOperationCountIncrementsAndDecrements(t *testing.T) {
	s := &Server{}
	assert.EqualValues(t, 0, s.OperationCount())

	s.IncrementOperationCount()
	s.IncrementOperationCount()
	assert.EqualValues(t, 2, s.OperationCount())

	s.DecrementOperationCount()
	assert.EqualValues(t, 1, s.OperationCount())
}
