// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the server discovery and monitoring data
// model: the Server Description and Topology Description value types, plus
// the ServerSelector interface the selector implements against them.
package description

import (
	"time"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/primitive"
)

// ServerKind enumerates the kinds a single server can be classified as.
type ServerKind uint32

// Recognized server kinds.
const (
	Unknown ServerKind = iota
	Standalone
	Mongos
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	LoadBalancer
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case Mongos:
		return "Mongos"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case LoadBalancer:
		return "LoadBalancer"
	default:
		return "Unknown"
	}
}

// VersionRange represents a [Min, Max] inclusive range of supported wire
// protocol versions.
type VersionRange struct {
	Min int32
	Max int32
}

// Includes reports whether v falls within the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// TopologyVersion is the monotonic (processId, counter) pair servers
// advertise since 4.4, used to discard stale monitoring updates.
type TopologyVersion struct {
	ProcessID primitive.ObjectID
	Counter   int64
}

// CompareTopologyVersion returns -1, 0 or 1 comparing current against
// incoming: -1 means incoming is newer. A nil on either side, or a
// different processId, counts as incoming being newer (-1), so an error
// carrying no topologyVersion is never discarded as stale.
func CompareTopologyVersion(current, incoming *TopologyVersion) int {
	if current == nil || incoming == nil {
		return -1
	}
	if current.ProcessID != incoming.ProcessID {
		return -1
	}
	switch {
	case current.Counter < incoming.Counter:
		return -1
	case current.Counter > incoming.Counter:
		return 1
	default:
		return 0
	}
}

// TagSet is an unordered set of key/value tags advertised by a replica set
// member, used for tag-set-filtered read preferences.
type TagSet map[string]string

// ContainsAll reports whether ts has every key/value pair in other.
func (ts TagSet) ContainsAll(other TagSet) bool {
	for k, v := range other {
		if ts[k] != v {
			return false
		}
	}
	return true
}

// Server is the point-in-time description of one deployment member.
type Server struct {
	Addr address.Address

	Kind ServerKind

	AverageRTT    time.Duration
	AverageRTTSet bool
	LastUpdateTime time.Time
	HeartbeatInterval time.Duration

	Hosts    []string
	Passives []string
	Arbiters []string
	SetName  string
	SetVersion *int64
	ElectionID *primitive.ObjectID
	Me         string

	SessionTimeoutMinutes *int64
	WireVersion           *VersionRange
	MaxMessageSize        uint32
	MaxWriteBatchSize     uint32
	MaxDocumentSize       uint32

	Compression []string

	LastWriteDate time.Time

	ServiceID *primitive.ObjectID

	Tags TagSet

	TopologyVersion *TopologyVersion

	LastError error
}

// NewDefaultServer returns the zero-value Server for a freshly discovered
// address: Unknown kind, no reply and no error yet.
func NewDefaultServer(addr address.Address) Server {
	return Server{
		Addr:           addr,
		Kind:           Unknown,
		LastUpdateTime: time.Now(),
	}
}

// NewServerFromError builds the Server that results from a failed
// heartbeat or a command error observed in-band: kind Unknown, carrying the
// error, per the invariant that a Server Description records either an
// error or a parsed reply, never both.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		Kind:            Unknown,
		LastError:       err,
		LastUpdateTime:  time.Now(),
		TopologyVersion: tv,
	}
}

// SetAverageRTT returns a copy of the Server with its AverageRTT field
// updated to rtt (an EWMA computed by the Monitor).
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// DataBearing reports whether this server kind can serve reads/writes
// directly (i.e. is not Unknown, RSGhost, RSArbiter or RSOther).
func (s Server) DataBearing() bool {
	switch s.Kind {
	case Standalone, RSPrimary, RSSecondary, Mongos, LoadBalancer:
		return true
	default:
		return false
	}
}

// Equal reports whether two Server Descriptions are semantically identical,
// used by the Topology (C5) to decide whether a ServerDescriptionChanged
// event should fire.
func (s Server) Equal(other Server) bool {
	if s.Addr != other.Addr || s.Kind != other.Kind || s.SetName != other.SetName {
		return false
	}
	if s.SessionTimeoutMinutesEqual(other) == false {
		return false
	}
	if (s.LastError == nil) != (other.LastError == nil) {
		return false
	}
	if s.LastError != nil && other.LastError != nil && s.LastError.Error() != other.LastError.Error() {
		return false
	}
	if len(s.Hosts) != len(other.Hosts) {
		return false
	}
	for i := range s.Hosts {
		if s.Hosts[i] != other.Hosts[i] {
			return false
		}
	}
	return true
}

// SessionTimeoutMinutesEqual reports whether two servers' advertised
// session timeouts are equal, treating two nil pointers as equal.
func (s Server) SessionTimeoutMinutesEqual(other Server) bool {
	switch {
	case s.SessionTimeoutMinutes == nil && other.SessionTimeoutMinutes == nil:
		return true
	case s.SessionTimeoutMinutes == nil || other.SessionTimeoutMinutes == nil:
		return false
	default:
		return *s.SessionTimeoutMinutes == *other.SessionTimeoutMinutes
	}
}
