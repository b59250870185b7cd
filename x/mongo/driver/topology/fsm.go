// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/primitive"
	"go.mongocore.dev/driver/x/mongo/driver/description"
)

// fsm applies one incoming Server Description to a Topology Description,
// implementing the SDAM state machine: membership expansion from a
// primary's hosts/passives/arbiters list, setName/setVersion/electionId
// adoption, stale-primary demotion, and removal of members that report a
// mismatched replica set name.
type fsm struct {
	description.Topology
	setName       string
	maxSetVersion *int64
	maxElectionID *primitive.ObjectID
}

func newFSM(setName string) *fsm {
	return &fsm{
		Topology: description.Topology{Kind: description.TopologyUnknown},
		setName:  setName,
	}
}

// apply folds one Server Description into the Topology, returning the new
// Topology Description. The caller is responsible for publishing it and
// deciding whether anything observable changed.
func (f *fsm) apply(desc description.Server) description.Topology {
	if !f.hasServer(desc.Addr) {
		return f.Topology
	}

	newServers := make([]description.Server, len(f.Servers))
	copy(newServers, f.Servers)
	f.Servers = newServers

	switch f.Kind {
	case description.TopologyUnknown:
		f.applyUnknown(desc)
	case description.Single:
		f.setServer(desc)
	case description.Sharded:
		f.applySharded(desc)
	case description.ReplicaSetNoPrimary:
		f.applyReplicaSetNoPrimary(desc)
	case description.ReplicaSetWithPrimary:
		f.applyReplicaSetWithPrimary(desc)
	}

	return f.Topology
}

func (f *fsm) hasServer(addr address.Address) bool {
	_, ok := f.Topology.Server(addr)
	return ok
}

func (f *fsm) setServer(desc description.Server) {
	for i, s := range f.Servers {
		if s.Addr == desc.Addr {
			f.Servers[i] = desc
			return
		}
	}
}

func (f *fsm) removeServer(addr address.Address) {
	out := f.Servers[:0]
	for _, s := range f.Servers {
		if s.Addr != addr {
			out = append(out, s)
		}
	}
	f.Servers = out
}

func (f *fsm) applyUnknown(desc description.Server) {
	switch desc.Kind {
	case description.Standalone:
		if len(f.Servers) == 1 {
			f.Kind = description.Single
			f.setServer(desc)
			return
		}
		// A non-Single topology observing a standalone treats it as noise:
		// drop it rather than adopt Single semantics for the whole set.
		f.removeServer(desc.Addr)
	case description.Mongos:
		f.Kind = description.Sharded
		f.setServer(desc)
	case description.RSPrimary:
		f.Kind = description.ReplicaSetWithPrimary
		f.updateRSFromPrimary(desc)
	case description.RSSecondary, description.RSArbiter, description.RSOther:
		f.Kind = description.ReplicaSetNoPrimary
		f.updateRSWithoutPrimary(desc)
	case description.LoadBalancer:
		f.Kind = description.LoadBalanced
		f.setServer(desc)
	default:
		f.setServer(desc)
	}
}

func (f *fsm) applySharded(desc description.Server) {
	if desc.Kind != description.Mongos && desc.Kind != description.Unknown {
		f.removeServer(desc.Addr)
		return
	}
	f.setServer(desc)
}

func (f *fsm) applyReplicaSetNoPrimary(desc description.Server) {
	switch desc.Kind {
	case description.RSPrimary:
		f.Kind = description.ReplicaSetWithPrimary
		f.updateRSFromPrimary(desc)
	case description.RSSecondary, description.RSArbiter, description.RSOther:
		f.updateRSWithoutPrimary(desc)
	case description.Unknown, description.RSGhost:
		f.setServer(desc)
	default:
		f.removeServer(desc.Addr)
	}
	f.checkIfHasPrimary()
}

func (f *fsm) applyReplicaSetWithPrimary(desc description.Server) {
	switch desc.Kind {
	case description.RSPrimary:
		f.updateRSFromPrimary(desc)
	case description.RSSecondary, description.RSArbiter, description.RSOther:
		f.updateRSWithPrimaryFromMember(desc)
	case description.Unknown, description.RSGhost:
		f.setServer(desc)
	default:
		f.removeServer(desc.Addr)
	}
	f.checkIfHasPrimary()
}

// updateRSFromPrimary adopts the setName on first primary observation,
// demotes a stale primary whose (setVersion, electionId) predates the one
// already recorded, and otherwise expands membership to the primary's
// hosts/passives/arbiters list. Members the primary does not list are kept.
func (f *fsm) updateRSFromPrimary(desc description.Server) {
	if f.setName == "" {
		f.setName = desc.SetName
	} else if f.setName != desc.SetName {
		f.removeServer(desc.Addr)
		f.checkIfHasPrimary()
		return
	}

	if desc.SetVersion != nil && desc.ElectionID != nil {
		if f.maxSetVersion != nil && f.maxElectionID != nil {
			if *f.maxSetVersion > *desc.SetVersion ||
				(*f.maxSetVersion == *desc.SetVersion && electionIDGreater(*f.maxElectionID, *desc.ElectionID)) {
				// Stale primary: demote to Unknown instead of adopting it.
				stale := description.NewDefaultServer(desc.Addr)
				f.setServer(stale)
				f.checkIfHasPrimary()
				return
			}
		}
		f.maxSetVersion = desc.SetVersion
		f.maxElectionID = desc.ElectionID
	}

	for _, s := range f.Servers {
		if s.Kind == description.RSPrimary && s.Addr != desc.Addr {
			demoted := description.NewDefaultServer(s.Addr)
			f.setServer(demoted)
		}
	}

	f.setServer(desc)
	f.expandMembership(desc)
	f.checkIfHasPrimary()
}

func (f *fsm) updateRSWithoutPrimary(desc description.Server) {
	if f.setName == "" {
		f.setName = desc.SetName
	} else if f.setName != desc.SetName {
		f.removeServer(desc.Addr)
		return
	}
	f.setServer(desc)
	f.expandMembership(desc)
}

func (f *fsm) updateRSWithPrimaryFromMember(desc description.Server) {
	if f.setName != desc.SetName {
		f.removeServer(desc.Addr)
		return
	}
	if desc.Me != "" && desc.Me != string(desc.Addr) {
		f.removeServer(desc.Addr)
		return
	}
	f.setServer(desc)
}

func (f *fsm) expandMembership(desc description.Server) {
	known := map[address.Address]bool{}
	for _, s := range f.Servers {
		known[s.Addr] = true
	}
	for _, host := range allMembers(desc) {
		addr := address.Address(host)
		if !known[addr] {
			f.Servers = append(f.Servers, description.NewDefaultServer(addr))
			known[addr] = true
		}
	}
}

func allMembers(desc description.Server) []string {
	all := make([]string, 0, len(desc.Hosts)+len(desc.Passives)+len(desc.Arbiters))
	all = append(all, desc.Hosts...)
	all = append(all, desc.Passives...)
	all = append(all, desc.Arbiters...)
	return all
}

func (f *fsm) checkIfHasPrimary() {
	if f.Topology.HasPrimary() {
		f.Kind = description.ReplicaSetWithPrimary
	} else if f.Kind == description.ReplicaSetWithPrimary {
		f.Kind = description.ReplicaSetNoPrimary
	}
}

// electionIDGreater reports whether a sorts after b as a 12-byte big-endian
// value, used to break setVersion ties between two primaries.
func electionIDGreater(a, b primitive.ObjectID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
