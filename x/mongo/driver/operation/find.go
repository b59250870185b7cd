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

// Find performs a find operation, its result wrapped in a driver.BatchCursor
// by the caller once Execute returns.
type Find struct {
	filter          bsoncore.Document
	sort            bsoncore.Document
	projection      bsoncore.Document
	hint            bsoncore.Value
	limit           *int64
	skip            *int64
	batchSize       *int32
	maxTimeMS       *int64
	comment         bsoncore.Value
	noCursorTimeout bool

	session    *session.Client
	clock      *session.ClusterClock
	collection string
	database   string
	deployment driver.Deployment
	selector   description.ServerSelector

	result driver.CursorResponse
}

// NewFind constructs a new Find operation against filter.
func NewFind(filter bsoncore.Document) *Find {
	return &Find{filter: filter}
}

// Result wraps the raw cursor response in a BatchCursor, pinning conn when
// non-nil (load-balanced mode).
func (f *Find) Result(conn driver.Connection) (*driver.BatchCursor, error) {
	bc := driver.NewBatchCursor(f.result, f.session, f.clock, conn)
	if f.batchSize != nil {
		bc.SetBatchSize(*f.batchSize)
	}
	if f.limit != nil {
		bc.SetLimit(int32(*f.limit))
	}
	return bc, nil
}

func (f *Find) processResponse(info driver.ResponseInfo) error {
	var err error
	f.result, err = driver.NewCursorResponse(info.ServerResponse, info.Server, info.Connection)
	return err
}

// Execute runs the find command.
func (f *Find) Execute(ctx context.Context) error {
	if f.deployment == nil {
		return errors.New("the Find operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         f.command,
		ProcessResponseFn: f.processResponse,
		Client:            f.session,
		Clock:             f.clock,
		Database:          f.database,
		Deployment:        f.deployment,
		Selector:          f.selector,
		Type:              driver.Read,
		RetryMode:         driver.RetryOnce,
		Name:              "find",
	}.Execute(ctx)
}

func (f *Find) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "find", f.collection)
	if f.filter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "filter", f.filter)
	}
	if f.sort != nil {
		dst = bsoncore.AppendDocumentElement(dst, "sort", f.sort)
	}
	if f.projection != nil {
		dst = bsoncore.AppendDocumentElement(dst, "projection", f.projection)
	}
	if !f.hint.IsZero() {
		dst = bsoncore.AppendValueElement(dst, "hint", f.hint)
	}
	if f.skip != nil {
		dst = bsoncore.AppendInt64Element(dst, "skip", *f.skip)
	}
	if f.limit != nil {
		dst = bsoncore.AppendInt64Element(dst, "limit", *f.limit)
	}
	if f.batchSize != nil {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", *f.batchSize)
	}
	if f.maxTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", *f.maxTimeMS)
	}
	if !f.comment.IsZero() {
		dst = bsoncore.AppendValueElement(dst, "comment", f.comment)
	}
	if f.noCursorTimeout {
		dst = bsoncore.AppendBooleanElement(dst, "noCursorTimeout", true)
	}
	return dst, nil
}

// Sort sets the sort order.
func (f *Find) Sort(sort bsoncore.Document) *Find { f.sort = sort; return f }

// Projection sets the projection document.
func (f *Find) Projection(p bsoncore.Document) *Find { f.projection = p; return f }

// Hint sets the index hint.
func (f *Find) Hint(h bsoncore.Value) *Find { f.hint = h; return f }

// Skip sets the number of documents to skip.
func (f *Find) Skip(skip int64) *Find { f.skip = &skip; return f }

// Limit sets the maximum number of documents to return.
func (f *Find) Limit(limit int64) *Find { f.limit = &limit; return f }

// BatchSize sets the initial and getMore batch size.
func (f *Find) BatchSize(size int32) *Find { f.batchSize = &size; return f }

// MaxTimeMS sets the maximum amount of time to allow the query to run.
func (f *Find) MaxTimeMS(ms int64) *Find { f.maxTimeMS = &ms; return f }

// Comment attaches an opaque comment to the command.
func (f *Find) Comment(c bsoncore.Value) *Find { f.comment = c; return f }

// NoCursorTimeout disables the server's idle-cursor reaper for this cursor.
func (f *Find) NoCursorTimeout(v bool) *Find { f.noCursorTimeout = v; return f }

// Session sets the session for this operation.
func (f *Find) Session(s *session.Client) *Find { f.session = s; return f }

// ClusterClock sets the cluster clock for this operation.
func (f *Find) ClusterClock(clock *session.ClusterClock) *Find { f.clock = clock; return f }

// Collection sets the collection to run this operation against.
func (f *Find) Collection(coll string) *Find { f.collection = coll; return f }

// Database sets the database to run this operation against.
func (f *Find) Database(db string) *Find { f.database = db; return f }

// Deployment sets the deployment to use for this operation.
func (f *Find) Deployment(d driver.Deployment) *Find { f.deployment = d; return f }

// ServerSelector sets the selector used to retrieve a server.
func (f *Find) ServerSelector(s description.ServerSelector) *Find { f.selector = s; return f }
