// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements the client-side session registry: server
// session ids, the client-wide gossiped cluster time, and the transaction
// state machine that tracks an in-progress multi-statement transaction.
package session

import (
	"sync"

	"go.mongocore.dev/driver/bson/bsoncore"
)

// ClusterClock tracks the highest $clusterTime this client has observed
// from any server, gossiped back out on every subsequent command so the
// whole deployment converges on a single logical clock.
type ClusterClock struct {
	mu          sync.Mutex
	clusterTime bsoncore.Document
}

// GetClusterTime returns the current cluster time, or nil if none has been
// observed yet.
func (cc *ClusterClock) GetClusterTime() bsoncore.Document {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.clusterTime
}

// AdvanceClusterTime updates the clock to clusterTime if it is newer than
// what the clock already holds.
func (cc *ClusterClock) AdvanceClusterTime(clusterTime bsoncore.Document) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.clusterTime = MaxClusterTime(cc.clusterTime, clusterTime)
}

// MaxClusterTime returns whichever of ct1, ct2 carries the greater
// "clusterTime" timestamp field, treating a nil or malformed document as
// strictly older than a well-formed one.
func MaxClusterTime(ct1, ct2 bsoncore.Document) bsoncore.Document {
	if len(ct1) == 0 {
		return ct2
	}
	if len(ct2) == 0 {
		return ct1
	}

	t1, ok1 := clusterTimeValue(ct1)
	t2, ok2 := clusterTimeValue(ct2)
	switch {
	case !ok1 && !ok2:
		return ct1
	case !ok1:
		return ct2
	case !ok2:
		return ct1
	}
	if t1.T > t2.T || (t1.T == t2.T && t1.I > t2.I) {
		return ct1
	}
	return ct2
}

type clusterTimestamp struct {
	T, I uint32
}

func clusterTimeValue(doc bsoncore.Document) (clusterTimestamp, bool) {
	val, err := doc.LookupErr("clusterTime")
	if err != nil {
		return clusterTimestamp{}, false
	}
	t, i, ok := val.TimestampOK()
	return clusterTimestamp{T: t, I: i}, ok
}
