// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"

	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// AbortTransaction aborts the multi-statement transaction currently active
// on its session. Unlike CommitTransaction, a failed abort is not something
// a caller needs to inspect closely: the transaction is gone either way.
type AbortTransaction struct {
	writeConcern bsoncore.Document

	session    *session.Client
	clock      *session.ClusterClock
	deployment driver.Deployment
}

// NewAbortTransaction constructs an AbortTransaction.
func NewAbortTransaction() *AbortTransaction {
	return &AbortTransaction{}
}

// Execute runs the abortTransaction command against the session's pinned
// server if one was set, otherwise through the ordinary selector.
func (at *AbortTransaction) Execute(ctx context.Context) error {
	if at.deployment == nil {
		return errors.New("the AbortTransaction operation must have a Deployment set before Execute can be called")
	}
	if at.session == nil {
		return errors.New("the AbortTransaction operation must have a Session set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:  at.command,
		Client:     at.session,
		Clock:      at.clock,
		Database:   "admin",
		Deployment: at.deployment,
		Selector:   pinnedSelector(at.session),
		Type:       driver.Write,
		RetryMode:  driver.RetryOnce,
		Name:       "abortTransaction",
	}.Execute(ctx)
}

func (at *AbortTransaction) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "abortTransaction", 1)
	if at.writeConcern != nil {
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", at.writeConcern)
	}
	return dst, nil
}

// WriteConcern sets the write concern document for this operation.
func (at *AbortTransaction) WriteConcern(wc bsoncore.Document) *AbortTransaction {
	at.writeConcern = wc
	return at
}

// Session sets the session this transaction is running on.
func (at *AbortTransaction) Session(s *session.Client) *AbortTransaction { at.session = s; return at }

// ClusterClock sets the cluster clock for this operation.
func (at *AbortTransaction) ClusterClock(clock *session.ClusterClock) *AbortTransaction {
	at.clock = clock
	return at
}

// Deployment sets the deployment to use for this operation.
func (at *AbortTransaction) Deployment(d driver.Deployment) *AbortTransaction {
	at.deployment = d
	return at
}
