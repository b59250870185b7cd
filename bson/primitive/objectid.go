// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package primitive holds the small set of non-reflective BSON value types
// the driver core needs directly (ObjectID for electionId, topologyVersion
// processId and load-balancer serviceId, DateTime/Timestamp for gossiped
// server fields). Full BSON
// marshal/unmarshal via reflection is a declared non-goal of this module.
package primitive

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// ObjectID is a 12-byte BSON ObjectId: 4-byte seconds since epoch, 5-byte
// random process identifier, 3-byte incrementing counter.
type ObjectID [12]byte

var objectIDCounter = newObjectIDCounter()
var processUnique = newProcessUnique()

func newObjectIDCounter() uint32 {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func newProcessUnique() [5]byte {
	var b [5]byte
	_, _ = rand.Read(b[:])
	return b
}

var globalCounter uint32 = objectIDCounter

// NewObjectID generates a new, globally-unique ObjectID.
func NewObjectID() ObjectID {
	var id ObjectID

	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processUnique[:])

	c := atomic.AddUint32(&globalCounter, 1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)

	return id
}

// NilObjectID is the zero-value ObjectID.
var NilObjectID ObjectID

// IsZero reports whether the ObjectID is the zero value.
func (id ObjectID) IsZero() bool {
	return id == NilObjectID
}

// Hex returns the hex encoding of the ObjectID.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements the fmt.Stringer interface.
func (id ObjectID) String() string {
	return fmt.Sprintf("ObjectID(%q)", id.Hex())
}

// Timestamp returns the time the ObjectID was generated.
func (id ObjectID) Timestamp() time.Time {
	unixSecs := binary.BigEndian.Uint32(id[0:4])
	return time.Unix(int64(unixSecs), 0).UTC()
}
