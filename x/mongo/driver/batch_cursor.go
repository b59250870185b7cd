// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"strings"
	"time"

	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// CursorResponse is the {cursor: {id, ns, firstBatch/nextBatch,
// postBatchResumeToken?}} shape common to every cursor-producing command:
// find, aggregate, listCollections, listIndexes and getMore all parse their
// reply into one of these before handing it to NewBatchCursor.
type CursorResponse struct {
	Server     Server
	Connection Connection
	Desc       description.Server

	ID         int64
	Namespace  string
	Batch      []bsoncore.Document

	PostBatchResumeToken bsoncore.Document
}

// NewCursorResponse parses response's cursor sub-document. The batch is read
// from "firstBatch" (initial command reply) when that field is present and
// from "nextBatch" (getMore reply) otherwise; a reply with no cursor field at
// all is an error, since every cursor-producing command always returns one.
func NewCursorResponse(response bsoncore.Document, server Server, conn Connection) (CursorResponse, error) {
	cursorVal, err := response.LookupErr("cursor")
	if err != nil {
		return CursorResponse{}, err
	}
	cursorDoc := cursorVal.Document()

	cr := CursorResponse{Server: server, Connection: conn}

	if v, err := cursorDoc.LookupErr("id"); err == nil {
		cr.ID, _ = v.AsInt64OK()
	}
	if v, err := cursorDoc.LookupErr("ns"); err == nil {
		cr.Namespace, _ = v.StringValueOK()
	}

	batchKey := "firstBatch"
	if _, err := cursorDoc.LookupErr("firstBatch"); err != nil {
		batchKey = "nextBatch"
	}
	if v, err := cursorDoc.LookupErr(batchKey); err == nil {
		values, err := v.Array().Values()
		if err != nil {
			return CursorResponse{}, err
		}
		for _, ev := range values {
			cr.Batch = append(cr.Batch, ev.Document())
		}
	}
	if v, err := cursorDoc.LookupErr("postBatchResumeToken"); err == nil {
		cr.PostBatchResumeToken = v.Document()
	}

	return cr, nil
}

// BatchCursor is the C9 base primitive: iteration over a server-side
// cursor's batches via getMore, always targeted at the exact server that
// produced the cursor, and (when pinnedConnection is set) the exact
// connection, per the load-balancer and sharded-transaction pinning
// invariant. Concrete callers (mongo.Cursor, mongo.ChangeStream) wrap one of
// these rather than reimplementing getMore/killCursors.
type BatchCursor struct {
	id         int64
	db         string
	collection string

	server           Server
	pinnedConnection Connection

	clientSession *session.Client
	clock         *session.ClusterClock

	batchSize   int32
	limit       int32
	numReturned int32
	maxTimeMS   int64
	comment     bsoncore.Value

	batch []bsoncore.Document
	pos   int

	postBatchResumeToken bsoncore.Document

	closed bool
	err    error
}

// NewBatchCursor builds a BatchCursor from a cursor-producing command's
// parsed response. pinnedConnection is nil unless the cursor was opened in
// load-balanced mode or inside a sharded transaction.
func NewBatchCursor(cr CursorResponse, clientSession *session.Client, clock *session.ClusterClock, pinnedConnection Connection) *BatchCursor {
	if pt, ok := pinnedConnection.(PinTracker); ok {
		pt.MarkPinnedForCursor()
	}
	db, coll := splitNamespace(cr.Namespace)
	return &BatchCursor{
		id:                   cr.ID,
		db:                   db,
		collection:           coll,
		server:               cr.Server,
		pinnedConnection:     pinnedConnection,
		clientSession:        clientSession,
		clock:                clock,
		batch:                cr.Batch,
		pos:                  -1,
		postBatchResumeToken: cr.PostBatchResumeToken,
	}
}

func splitNamespace(ns string) (db, collection string) {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i], ns[i+1:]
	}
	return ns, ""
}

// ID returns the server-side cursor id, or 0 once the cursor is exhausted.
func (bc *BatchCursor) ID() int64 { return bc.id }

// Server returns the server this cursor's getMore/killCursors target.
func (bc *BatchCursor) Server() Server { return bc.server }

// SetBatchSize sets the batchSize sent on every subsequent getMore.
func (bc *BatchCursor) SetBatchSize(size int32) { bc.batchSize = size }

// SetLimit records the total number of documents the originating command
// asked for. When a batchSize is also set, getMore requests no more than the
// remaining count; Next itself does not stop at the limit.
func (bc *BatchCursor) SetLimit(limit int32) { bc.limit = limit }

// SetMaxTime sets the maxTimeMS sent on every subsequent getMore, used by
// tailable-awaitData cursors (including change streams) to bound how long
// the server blocks waiting for new documents before returning an empty
// batch.
func (bc *BatchCursor) SetMaxTime(d time.Duration) {
	bc.maxTimeMS = int64(d / time.Millisecond)
}

// SetComment sets the comment sent on every subsequent getMore.
func (bc *BatchCursor) SetComment(comment bsoncore.Value) { bc.comment = comment }

// PostBatchResumeToken returns the resume token from the most recently
// received batch, if the server supplied one.
func (bc *BatchCursor) PostBatchResumeToken() bsoncore.Document { return bc.postBatchResumeToken }

// Err returns the error that caused the most recent Next to return false,
// or nil if the cursor was simply exhausted.
func (bc *BatchCursor) Err() error { return bc.err }

// Next advances to the next document in the current batch, issuing a
// getMore against the owning server once the batch is consumed. For a
// tailable/awaitData cursor (including a change stream's) a getMore may
// return an empty batch without closing the cursor; Next keeps retrying
// until a document arrives, the cursor is closed by the server (id == 0),
// or ctx is done.
func (bc *BatchCursor) Next(ctx context.Context) bool {
	if bc.closed || bc.err != nil {
		return false
	}
	for {
		if bc.pos+1 < len(bc.batch) {
			bc.pos++
			return true
		}
		if bc.id == 0 {
			return false
		}
		bc.batch = nil
		bc.pos = -1
		if err := bc.getMore(ctx); err != nil {
			bc.err = err
			return false
		}
		if len(bc.batch) > 0 {
			bc.pos = 0
			return true
		}
		if bc.id == 0 {
			return false
		}
		select {
		case <-ctx.Done():
			bc.err = ctx.Err()
			return false
		default:
		}
	}
}

// Current returns the document Next most recently positioned on, or nil
// before the first Next call. Once Next has returned false, Current still
// returns the last document unless a getMore has since replaced the batch,
// in which case it returns nil.
func (bc *BatchCursor) Current() bsoncore.Document {
	if bc.pos < 0 || bc.pos >= len(bc.batch) {
		return nil
	}
	return bc.batch[bc.pos]
}

// Close sends a best-effort killCursors for an unexhausted cursor and
// releases any pinned connection. It is safe to call more than once; on an
// already-exhausted cursor it sends no killCursors.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if bc.closed {
		return nil
	}
	bc.closed = true
	defer bc.releasePinnedConnection()
	if bc.id == 0 {
		return nil
	}
	err := bc.killCursors(ctx)
	bc.id = 0
	return err
}

// releasePinnedConnection returns this cursor's pinned connection (if any)
// to its pool. The killCursors command above always ran through
// nonClosingConnection, so this is the only point in a pinned cursor's
// life that actually checks the connection back in.
func (bc *BatchCursor) releasePinnedConnection() {
	if bc.pinnedConnection == nil {
		return
	}
	bc.pinnedConnection.Close()
	bc.pinnedConnection = nil
}

// calcGetMoreBatchSize derives the batchSize field for the next getMore:
// the explicit batchSize, lowered to the number of documents still owed
// under limit when that is smaller, or 0 (no batchSize field) when no
// batchSize was set. ok is false only once more documents than limit have
// been returned; getMore then omits the batchSize field and still sends the
// command.
func calcGetMoreBatchSize(bc BatchCursor) (int32, bool) {
	if bc.limit == 0 {
		return bc.batchSize, true
	}
	remaining := bc.limit - bc.numReturned
	if remaining < 0 {
		return remaining, false
	}
	if bc.batchSize == 0 {
		return bc.batchSize, true
	}
	if bc.batchSize > remaining {
		return remaining, true
	}
	return bc.batchSize, true
}

func (bc *BatchCursor) getMore(ctx context.Context) error {
	commandFn := func(dst []byte, _ description.SelectedServer) ([]byte, error) {
		dst = bsoncore.AppendInt64Element(dst, "getMore", bc.id)
		dst = bsoncore.AppendStringElement(dst, "collection", bc.collection)
		if size, ok := calcGetMoreBatchSize(*bc); ok && size != 0 {
			dst = bsoncore.AppendInt32Element(dst, "batchSize", size)
		}
		if bc.maxTimeMS != 0 {
			dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", bc.maxTimeMS)
		}
		if !bc.comment.IsZero() {
			dst = bsoncore.AppendValueElement(dst, "comment", bc.comment)
		}
		return dst, nil
	}

	op := Operation{
		CommandFn:  commandFn,
		Database:   bc.db,
		Deployment: bc.targetDeployment(),
		Client:     bc.clientSession,
		Clock:      bc.clock,
		Type:       Read,
		RetryMode:  RetryNone,
		Name:       "getMore",
		ProcessResponseFn: func(info ResponseInfo) error {
			cr, err := NewCursorResponse(info.ServerResponse, info.Server, info.Connection)
			if err != nil {
				return err
			}
			bc.id = cr.ID
			bc.batch = cr.Batch
			bc.numReturned += int32(len(cr.Batch))
			bc.postBatchResumeToken = cr.PostBatchResumeToken
			return nil
		},
	}
	return op.Execute(ctx)
}

func (bc *BatchCursor) killCursors(ctx context.Context) error {
	commandFn := func(dst []byte, _ description.SelectedServer) ([]byte, error) {
		dst = bsoncore.AppendStringElement(dst, "killCursors", bc.collection)
		ids := bsoncore.NewArrayBuilder().AppendInt64(bc.id).Build()
		dst = bsoncore.AppendArrayElement(dst, "cursors", ids)
		return dst, nil
	}

	op := Operation{
		CommandFn:  commandFn,
		Database:   bc.db,
		Deployment: bc.targetDeployment(),
		Client:     bc.clientSession,
		Clock:      bc.clock,
		Type:       Read,
		RetryMode:  RetryNone,
		Name:       "killCursors",
	}
	return op.Execute(ctx)
}

// targetDeployment bypasses ordinary server selection entirely, binding the
// Operation to the exact server (and, for a pinned cursor, the exact
// connection) that produced it. This is what the pinning invariant in the
// Cursor type requires: every getMore and the final killCursors travel on
// the same connection id as the originating command.
func (bc *BatchCursor) targetDeployment() Deployment {
	if bc.pinnedConnection != nil {
		return pinnedConnectionDeployment{real: bc.server, conn: bc.pinnedConnection}
	}
	return singleServerDeployment{server: bc.server}
}

// singleServerDeployment always selects the same already-selected Server,
// letting a cursor's continuation commands skip the Selector entirely.
type singleServerDeployment struct {
	server Server
}

func (d singleServerDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return d.server, nil
}

func (d singleServerDeployment) Kind() description.TopologyKind { return description.Single }

// pinnedConnectionDeployment hands out a single already-checked-out
// Connection instead of letting the Server check one out of its pool, and
// wraps that Connection so the Executor's unconditional per-attempt Close
// does not actually release it — the cursor, not any one getMore, owns a
// pinned connection's lifetime.
type pinnedConnectionDeployment struct {
	real Server
	conn Connection
}

func (d pinnedConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return pinnedConnectionServer{real: d.real, conn: nonClosingConnection{d.conn}}, nil
}

func (d pinnedConnectionDeployment) Kind() description.TopologyKind { return description.Single }

type pinnedConnectionServer struct {
	real Server
	conn Connection
}

func (s pinnedConnectionServer) Connection(context.Context) (Connection, error) {
	return s.conn, nil
}

// ProcessError delegates to the real owning Server's ErrorProcessor, if it
// has one, so an in-band error on a pinned connection still reaches SDAM.
func (s pinnedConnectionServer) ProcessError(err error, conn Connection) description.Server {
	if ep, ok := s.real.(ErrorProcessor); ok {
		return ep.ProcessError(err, conn)
	}
	return description.Server{}
}

type nonClosingConnection struct {
	Connection
}

func (nonClosingConnection) Close() error { return nil }
