// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/primitive"
	"go.mongocore.dev/driver/x/mongo/driver/description"
)

func seedFSM(addrs ...string) *fsm {
	f := newFSM("")
	for _, a := range addrs {
		f.Servers = append(f.Servers, description.NewDefaultServer(address.Address(a)))
	}
	return f
}

func TestFSMStandaloneSingleMember(t *testing.T) {
	f := seedFSM("a:27017")
	desc := description.NewDefaultServer(address.Address("a:27017"))
	desc.Kind = description.Standalone

	topo := f.apply(desc)
	assert.Equal(t, description.Single, topo.Kind)
}

func TestFSMMongosBecomesSharded(t *testing.T) {
	f := seedFSM("a:27017")
	desc := description.NewDefaultServer(address.Address("a:27017"))
	desc.Kind = description.Mongos

	topo := f.apply(desc)
	assert.Equal(t, description.Sharded, topo.Kind)
}

func TestFSMPrimaryExpandsMembership(t *testing.T) {
	f := seedFSM("a:27017")
	desc := description.NewDefaultServer(address.Address("a:27017"))
	desc.Kind = description.RSPrimary
	desc.SetName = "rs0"
	desc.Hosts = []string{"a:27017", "b:27017"}
	desc.Passives = []string{"c:27017"}

	topo := f.apply(desc)
	require.Equal(t, description.ReplicaSetWithPrimary, topo.Kind)
	require.Len(t, topo.Servers, 3)
	assert.True(t, topo.HasPrimary())
}

func TestFSMSecondaryWithoutPrimary(t *testing.T) {
	f := seedFSM("a:27017")
	desc := description.NewDefaultServer(address.Address("a:27017"))
	desc.Kind = description.RSSecondary
	desc.SetName = "rs0"
	desc.Hosts = []string{"a:27017", "b:27017"}

	topo := f.apply(desc)
	assert.Equal(t, description.ReplicaSetNoPrimary, topo.Kind)
	assert.Len(t, topo.Servers, 2)
}

func TestFSMMismatchedSetNameRemovesMember(t *testing.T) {
	f := seedFSM("a:27017", "b:27017")
	f.Kind = description.ReplicaSetNoPrimary
	f.setName = "rs0"

	desc := description.NewDefaultServer(address.Address("b:27017"))
	desc.Kind = description.RSSecondary
	desc.SetName = "rs1"

	topo := f.apply(desc)
	assert.Len(t, topo.Servers, 1)
	_, ok := topo.Server(address.Address("b:27017"))
	assert.False(t, ok)
}

func TestFSMStalePrimaryDemoted(t *testing.T) {
	f := seedFSM("a:27017")
	f.Kind = description.ReplicaSetWithPrimary
	f.setName = "rs0"
	newerVersion := int64(5)
	f.maxSetVersion = &newerVersion
	newerElectionID := primitive.ObjectID{9, 9, 9}
	f.maxElectionID = &newerElectionID
	primaryDesc := description.NewDefaultServer(address.Address("a:27017"))
	primaryDesc.Kind = description.RSPrimary
	primaryDesc.SetName = "rs0"
	primaryDesc.SetVersion = &newerVersion
	primaryDesc.ElectionID = &newerElectionID
	f.Servers[0] = primaryDesc

	staleVersion := int64(3)
	staleElectionID := primitive.ObjectID{1, 1, 1}
	stale := description.NewDefaultServer(address.Address("a:27017"))
	stale.Kind = description.RSPrimary
	stale.SetName = "rs0"
	stale.SetVersion = &staleVersion
	stale.ElectionID = &staleElectionID

	topo := f.apply(stale)
	srv, ok := topo.Server(address.Address("a:27017"))
	require.True(t, ok)
	assert.Equal(t, description.Unknown, srv.Kind)
}

func TestFSMApplyIsIdempotentForUnchangedDescription(t *testing.T) {
	f := seedFSM("a:27017", "b:27017")
	desc := description.NewDefaultServer(address.Address("a:27017"))
	desc.Kind = description.RSPrimary
	desc.SetName = "rs0"
	desc.Hosts = []string{"a:27017", "b:27017"}

	first := f.apply(desc)
	second := f.apply(desc)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("applying the same server description twice changed the topology (-first +second):\n%s", diff)
	}
}
