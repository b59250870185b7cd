// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver implements the operation execution pipeline: server
// selection, session binding, transaction-number assignment, command
// serialization, wire send/receive, response classification and the
// retryable-read/write loop. It also defines the narrow interfaces
// (Connection, Server, Deployment) that the topology package implements and
// the operation package (concrete commands) consumes, keeping the three
// packages free of import cycles.
package driver

import (
	"context"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// Connection is a single authenticated, duplex channel to one server.
type Connection interface {
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context) (wm []byte, err error)
	Description() description.Server
	Close() error
	ID() string
	DriverConnectionID() uint64
	Address() address.Address
	Stale() bool
}

// Server hands out Connections bound to one deployment member.
type Server interface {
	Connection(ctx context.Context) (Connection, error)
}

// ErrorProcessor is implemented by a Server so the Executor can feed
// discovery-and-monitoring error-handling decisions back into the Topology,
// driven by in-band command errors rather than only the heartbeat loop.
type ErrorProcessor interface {
	ProcessError(err error, conn Connection) description.Server
}

// OperationCounter is implemented by a Server that tracks its own in-flight
// operation count for power-of-two-choices selection. The Deployment
// increments the count at selection time; the Executor decrements it once
// the operation is done with that server, whether it succeeded, failed, or
// is about to retry against a different one.
type OperationCounter interface {
	DecrementOperationCount()
}

// ConnectionPinner is implemented by a Server that can check a connection
// out of its pool earmarked for a load-balanced transaction, tagging owner
// as the session holding it instead of handing back an ordinary
// per-operation checkout. The Executor calls it once, for the first
// command of a transaction against a load-balanced deployment; every
// later command on that session reuses the pinned connection directly.
type ConnectionPinner interface {
	PinConnection(ctx context.Context, owner *session.Client) (Connection, error)
}

// PinTracker is implemented by a pooled Connection so a BatchCursor or a
// load-balanced transaction's session pin can record why it is being held
// open past its own command, purely for pool observability: checkin
// reports a distinct event when releasing a connection that was marked
// this way instead of an ordinary checked-in one.
type PinTracker interface {
	MarkPinnedForCursor()
	MarkPinnedForSession()
}

// Deployment is the process-wide view of the cluster the Executor selects
// servers from.
type Deployment interface {
	SelectServer(ctx context.Context, selector description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// Subscription delivers Topology Description updates to a blocked waiter.
type Subscription struct {
	Updates <-chan description.Topology
	ID      uint64
}

// Subscriber is implemented by a Deployment that supports
// publish/subscribe-based selection waits.
type Subscriber interface {
	Subscribe() (*Subscription, error)
	Unsubscribe(*Subscription) error
}

// RequestImmediateCheckRunner is implemented by a Deployment that can be
// asked to heartbeat every member immediately, used when server selection
// finds no suitable candidate and wants fresher data before its next pass.
type RequestImmediateCheckRunner interface {
	RequestImmediateCheck()
}

// Type classifies an operation for retry and idempotence purposes.
type Type uint8

// Recognized operation types.
const (
	Read Type = iota
	Write
)

// RetryMode controls whether and how an operation may be retried.
type RetryMode uint8

// Recognized retry modes.
const (
	// RetryNone disables retry entirely for this operation.
	RetryNone RetryMode = iota
	// RetryOnce allows exactly one retry attempt, for both reads and
	// writes.
	RetryOnce
)

// Enabled reports whether this mode permits any retry at all.
func (rm RetryMode) Enabled() bool {
	return rm == RetryOnce
}

// ResponseInfo carries everything a concrete operation's
// ProcessResponseFn needs to turn a raw reply into a typed result.
type ResponseInfo struct {
	ServerResponse bsoncore.Document
	Server         Server
	Connection     Connection
	CurrentIndex   int
}
