// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"math/rand"
	"time"

	"go.mongocore.dev/driver/internal/randutil"
	"go.mongocore.dev/driver/readpref"
	"go.mongocore.dev/driver/x/mongo/driver/description"
)

var selectorRand = randutil.NewLockedRand(rand.NewSource(time.Now().UnixNano()))

// readPrefServerSelector implements description.ServerSelector against a
// readpref.ReadPref: compatibility check, topology-kind/mode filtering,
// maxStaleness, tag sets and the latency window. The final power-of-two
// choices draw among the survivors is made by Topology.SelectServer.
type readPrefServerSelector struct {
	rp             *readpref.ReadPref
	localThreshold time.Duration
}

// newReadPrefServerSelector builds a ServerSelector for rp, defaulting to
// Primary if rp is nil.
func newReadPrefServerSelector(rp *readpref.ReadPref, localThreshold time.Duration) description.ServerSelector {
	if rp == nil {
		rp = readpref.Primary()
	}
	return &readPrefServerSelector{rp: rp, localThreshold: localThreshold}
}

// NewReadPrefServerSelector builds a ServerSelector for rp (defaulting to
// Primary if rp is nil), for operation packages outside topology that need
// to select against a read preference directly rather than through a
// Topology's own default selector.
func NewReadPrefServerSelector(rp *readpref.ReadPref, localThreshold time.Duration) description.ServerSelector {
	return newReadPrefServerSelector(rp, localThreshold)
}

// SelectServer implements description.ServerSelector. The returned slice is
// every candidate within the latency window, not yet narrowed to one: the
// final power-of-two-choices draw needs each candidate's live in-flight
// operation count, which only the Topology (holding the real Server
// objects, not these description.Server snapshots) can supply, so that
// draw happens in Topology.SelectServer after this selector returns.
func (s *readPrefServerSelector) SelectServer(topo description.Topology, candidates []description.Server) ([]description.Server, error) {
	if topo.CompatibilityError != nil {
		return nil, topo.CompatibilityError
	}
	if err := s.rp.ValidateMaxStaleness(topo.HeartbeatInterval); err != nil {
		return nil, err
	}

	suitable := s.byKindAndMode(topo, candidates)
	suitable = filterByMaxStaleness(topo, suitable, s.rp)
	suitable = filterByTagSets(suitable, s.rp)
	suitable = filterByLatencyWindow(suitable, s.localThreshold)

	return suitable, nil
}

// byKindAndMode applies topology-kind-specific filtering: a Single
// topology always returns its one member unconditionally; Sharded returns
// every data-bearing mongos (the read preference is left to the mongos
// itself); a replica set filters by mode against RSPrimary/RSSecondary.
func (s *readPrefServerSelector) byKindAndMode(topo description.Topology, candidates []description.Server) []description.Server {
	switch topo.Kind {
	case description.Single:
		return candidates
	case description.Sharded, description.LoadBalanced:
		out := make([]description.Server, 0, len(candidates))
		for _, c := range candidates {
			if c.DataBearing() {
				out = append(out, c)
			}
		}
		return out
	default:
		return s.filterReplicaSet(candidates)
	}
}

func (s *readPrefServerSelector) filterReplicaSet(candidates []description.Server) []description.Server {
	var primaries, secondaries []description.Server
	for _, c := range candidates {
		switch c.Kind {
		case description.RSPrimary:
			primaries = append(primaries, c)
		case description.RSSecondary:
			secondaries = append(secondaries, c)
		}
	}

	switch s.rp.Mode() {
	case readpref.PrimaryMode:
		return primaries
	case readpref.PrimaryPreferredMode:
		if len(primaries) > 0 {
			return primaries
		}
		return secondaries
	case readpref.SecondaryMode:
		return secondaries
	case readpref.SecondaryPreferredMode:
		if len(secondaries) > 0 {
			return secondaries
		}
		return primaries
	case readpref.NearestMode:
		return append(primaries, secondaries...)
	default:
		return primaries
	}
}

// filterByMaxStaleness drops secondaries whose estimated staleness exceeds
// the configured bound. Staleness is estimated relative to the freshest
// secondary (or, against a primary, relative to the primary's own last
// write), per the max staleness estimation formula.
func filterByMaxStaleness(topo description.Topology, candidates []description.Server, rp *readpref.ReadPref) []description.Server {
	maxStaleness, ok := rp.MaxStaleness()
	if !ok {
		return candidates
	}

	var primary *description.Server
	var freshestSecondaryWrite time.Time
	for i, c := range topo.Servers {
		if c.Kind == description.RSPrimary {
			primary = &topo.Servers[i]
		}
		if c.Kind == description.RSSecondary && c.LastWriteDate.After(freshestSecondaryWrite) {
			freshestSecondaryWrite = c.LastWriteDate
		}
	}

	out := make([]description.Server, 0, len(candidates))
	for _, c := range candidates {
		if c.Kind != description.RSSecondary {
			out = append(out, c)
			continue
		}
		var staleness time.Duration
		switch {
		case primary != nil:
			staleness = (c.LastUpdateTime.Sub(c.LastWriteDate)) -
				(primary.LastUpdateTime.Sub(primary.LastWriteDate)) +
				c.HeartbeatInterval
		default:
			staleness = freshestSecondaryWrite.Sub(c.LastWriteDate) + c.HeartbeatInterval
		}
		if staleness <= maxStaleness {
			out = append(out, c)
		}
	}
	return out
}

func filterByTagSets(candidates []description.Server, rp *readpref.ReadPref) []description.Server {
	tagSets := rp.TagSets()
	if len(tagSets) == 0 {
		return candidates
	}
	for _, ts := range tagSets {
		var matched []description.Server
		for _, c := range candidates {
			if c.Tags.ContainsAll(ts) {
				matched = append(matched, c)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

// filterByLatencyWindow keeps every candidate within localThreshold of the
// single fastest candidate's average RTT.
func filterByLatencyWindow(candidates []description.Server, localThreshold time.Duration) []description.Server {
	if len(candidates) <= 1 {
		return candidates
	}
	min := candidates[0].AverageRTT
	for _, c := range candidates[1:] {
		if c.AverageRTT < min {
			min = c.AverageRTT
		}
	}
	out := make([]description.Server, 0, len(candidates))
	for _, c := range candidates {
		if c.AverageRTT <= min+localThreshold {
			out = append(out, c)
		}
	}
	return out
}

// pickTwo implements power-of-two-choices over the live Server objects
// backing the selector's surviving candidates: draw two distinct members at
// random and keep whichever currently has fewer in-flight operations,
// spreading load without the cost of ranking every member. RTT-based
// filtering already happened in the latency-window step; this step breaks
// ties among equally-fast members by load rather than by RTT again. With
// fewer than two candidates, the only one (or none) is returned unchanged.
func pickTwo(candidates []*Server) *Server {
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		return candidates[0]
	}
	i := selectorRand.Intn(len(candidates))
	j := selectorRand.Intn(len(candidates) - 1)
	if j >= i {
		j++
	}
	if candidates[i].OperationCount() <= candidates[j].OperationCount() {
		return candidates[i]
	}
	return candidates[j]
}
