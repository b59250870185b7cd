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

// CommitTransaction commits the multi-statement transaction currently active
// on its session. A server error with the UnknownTransactionCommitResult
// label is safe for a caller to retry by constructing and running another
// CommitTransaction, since the command itself already retries once here.
type CommitTransaction struct {
	writeConcern bsoncore.Document
	maxTimeMS    *int64

	session    *session.Client
	clock      *session.ClusterClock
	deployment driver.Deployment
}

// NewCommitTransaction constructs a CommitTransaction; its session is set
// with Session.
func NewCommitTransaction() *CommitTransaction {
	return &CommitTransaction{}
}

// Execute runs the commitTransaction command, preferring the session's
// pinned server (set when a sharded transaction's first command ran against
// a mongos) over the ordinary selector.
func (ct *CommitTransaction) Execute(ctx context.Context) error {
	if ct.deployment == nil {
		return errors.New("the CommitTransaction operation must have a Deployment set before Execute can be called")
	}
	if ct.session == nil {
		return errors.New("the CommitTransaction operation must have a Session set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:  ct.command,
		Client:     ct.session,
		Clock:      ct.clock,
		Database:   "admin",
		Deployment: ct.deployment,
		Selector:   pinnedSelector(ct.session),
		Type:       driver.Write,
		RetryMode:  driver.RetryOnce,
		Name:       "commitTransaction",
	}.Execute(ctx)
}

func (ct *CommitTransaction) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "commitTransaction", 1)
	if ct.writeConcern != nil {
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", ct.writeConcern)
	}
	if ct.maxTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", *ct.maxTimeMS)
	}
	return dst, nil
}

// WriteConcern sets the write concern document for this operation.
func (ct *CommitTransaction) WriteConcern(wc bsoncore.Document) *CommitTransaction {
	ct.writeConcern = wc
	return ct
}

// MaxTimeMS bounds how long the server may take applying the commit.
func (ct *CommitTransaction) MaxTimeMS(ms int64) *CommitTransaction { ct.maxTimeMS = &ms; return ct }

// Session sets the session this transaction is running on.
func (ct *CommitTransaction) Session(s *session.Client) *CommitTransaction { ct.session = s; return ct }

// ClusterClock sets the cluster clock for this operation.
func (ct *CommitTransaction) ClusterClock(clock *session.ClusterClock) *CommitTransaction {
	ct.clock = clock
	return ct
}

// Deployment sets the deployment to use for this operation.
func (ct *CommitTransaction) Deployment(d driver.Deployment) *CommitTransaction {
	ct.deployment = d
	return ct
}

// pinnedSelector returns a selector that restricts candidates to the
// session's pinned server address, or nil (the deployment's own default
// selector) when no transaction has pinned one.
func pinnedSelector(s *session.Client) description.ServerSelector {
	pinned := s.PinnedServer()
	if pinned == nil {
		return nil
	}
	addr := pinned.Addr
	return description.ServerSelectorFunc(func(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
		for _, c := range candidates {
			if c.Addr == addr {
				return []description.Server{c}, nil
			}
		}
		return nil, nil
	})
}
