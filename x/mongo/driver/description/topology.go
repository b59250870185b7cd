// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"time"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/primitive"
)

// TopologyKind enumerates the deployment shapes the Topology (C5) can
// classify itself as.
type TopologyKind uint32

// Recognized topology kinds.
const (
	TopologyUnknown TopologyKind = iota
	Single
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

// String implements the fmt.Stringer interface.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	default:
		return "Unknown"
	}
}

// Minimum and maximum wire protocol versions this driver core supports.
const (
	MinSupportedWireVersion int32 = 6
	MaxSupportedWireVersion int32 = 21
)

// DefaultLocalThreshold and DefaultHeartbeatInterval are the defaults used
// for Topology construction.
const (
	DefaultLocalThreshold    = 15 * time.Millisecond
	DefaultHeartbeatInterval = 10 * time.Second
	MinHeartbeatInterval     = 500 * time.Millisecond
)

// Topology is the process-wide authoritative view of every member of a
// deployment.
type Topology struct {
	Kind TopologyKind

	SetName string

	MaxSetVersion *int64
	MaxElectionID *primitive.ObjectID

	CompatibilityError error

	LocalThreshold    time.Duration
	HeartbeatInterval time.Duration

	SessionTimeoutMinutes *int64

	Servers []Server
}

// Server looks up the Server Description for addr, returning (Server{},
// false) if the topology does not (or no longer) contains it.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, s := range t.Servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return Server{}, false
}

// HasPrimary reports whether any member is currently an RSPrimary.
func (t Topology) HasPrimary() bool {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return true
		}
	}
	return false
}

// Equal reports whether two Topology Descriptions are semantically
// identical for the purpose of deciding whether a
// TopologyDescriptionChanged event should fire.
func (t Topology) Equal(other Topology) bool {
	if t.Kind != other.Kind || t.SetName != other.SetName || len(t.Servers) != len(other.Servers) {
		return false
	}
	for i := range t.Servers {
		if !t.Servers[i].Equal(other.Servers[i]) {
			return false
		}
	}
	return true
}

// CheckCompatible validates every member's wire version range against
// MinSupportedWireVersion/MaxSupportedWireVersion, returning a
// descriptive error the first time it finds a mismatch.
func (t Topology) CheckCompatible() error {
	for _, s := range t.Servers {
		if s.Kind == Unknown || s.WireVersion == nil {
			continue
		}
		if s.WireVersion.Max < MinSupportedWireVersion {
			return fmt.Errorf(
				"server at %s reports wire version %d, but this driver requires at least %d (MongoDB %s)",
				s.Addr, s.WireVersion.Max, MinSupportedWireVersion, minServerVersionHint())
		}
		if s.WireVersion.Min > MaxSupportedWireVersion {
			return fmt.Errorf(
				"server at %s requires wire version %d, but this driver only supports up to %d",
				s.Addr, s.WireVersion.Min, MaxSupportedWireVersion)
		}
	}
	return nil
}

func minServerVersionHint() string {
	return "3.6 or newer"
}

// SelectedServer decorates a selected Server with the TopologyKind it was
// selected from, since some selection/retry decisions (e.g. deprioritizing
// a mongos on retry) depend on whether the deployment is sharded.
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// ServerSelector selects zero or more suitable servers from candidates,
// given the full topology description for context.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc adapts a function to the ServerSelector interface.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements ServerSelector.
func (f ServerSelectorFunc) SelectServer(t Topology, candidates []Server) ([]Server, error) {
	return f(t, candidates)
}
