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

// Aggregate performs an aggregation, run against either a collection or (for
// pipelines with no initial collection-bound stage, e.g. $currentOp) a
// database directly.
type Aggregate struct {
	pipeline                 bsoncore.Array
	hasCollection            bool
	allowDiskUse             *bool
	batchSize                *int32
	bypassDocumentValidation *bool
	collation                bsoncore.Document
	maxTimeMS                *int64
	comment                  bsoncore.Value
	hint                     bsoncore.Value
	writeConcern             bsoncore.Document

	session    *session.Client
	clock      *session.ClusterClock
	collection string
	database   string
	deployment driver.Deployment
	selector   description.ServerSelector

	result driver.CursorResponse
}

// NewAggregate constructs an Aggregate for pipeline.
func NewAggregate(pipeline bsoncore.Array) *Aggregate {
	return &Aggregate{pipeline: pipeline}
}

// Result wraps the raw cursor response in a BatchCursor, pinning conn when
// non-nil (load-balanced mode).
func (a *Aggregate) Result(conn driver.Connection) (*driver.BatchCursor, error) {
	bc := driver.NewBatchCursor(a.result, a.session, a.clock, conn)
	if a.batchSize != nil {
		bc.SetBatchSize(*a.batchSize)
	}
	return bc, nil
}

func (a *Aggregate) processResponse(info driver.ResponseInfo) error {
	var err error
	a.result, err = driver.NewCursorResponse(info.ServerResponse, info.Server, info.Connection)
	return err
}

// Execute runs the aggregate command. Writing pipeline stages (e.g. $out,
// $merge) are not separately detected; a caller running one is responsible
// for knowing the command is effectively a write and for retry semantics
// that follow from that.
func (a *Aggregate) Execute(ctx context.Context) error {
	if a.deployment == nil {
		return errors.New("the Aggregate operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         a.command,
		ProcessResponseFn: a.processResponse,
		Client:            a.session,
		Clock:             a.clock,
		Database:          a.database,
		Deployment:        a.deployment,
		Selector:          a.selector,
		Type:              driver.Read,
		RetryMode:         driver.RetryOnce,
		Name:              "aggregate",
	}.Execute(ctx)
}

func (a *Aggregate) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	if a.hasCollection {
		dst = bsoncore.AppendStringElement(dst, "aggregate", a.collection)
	} else {
		dst = bsoncore.AppendInt32Element(dst, "aggregate", 1)
	}
	dst = bsoncore.AppendArrayElement(dst, "pipeline", a.pipeline)
	cursorDoc := bsoncore.BuildDocumentFromElements(nil)
	if a.batchSize != nil {
		cursorDoc = bsoncore.BuildDocumentFromElements(bsoncore.AppendInt32Element(nil, "batchSize", *a.batchSize))
	}
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cursorDoc)
	if a.allowDiskUse != nil {
		dst = bsoncore.AppendBooleanElement(dst, "allowDiskUse", *a.allowDiskUse)
	}
	if a.bypassDocumentValidation != nil {
		dst = bsoncore.AppendBooleanElement(dst, "bypassDocumentValidation", *a.bypassDocumentValidation)
	}
	if a.collation != nil {
		dst = bsoncore.AppendDocumentElement(dst, "collation", a.collation)
	}
	if a.maxTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", *a.maxTimeMS)
	}
	if !a.comment.IsZero() {
		dst = bsoncore.AppendValueElement(dst, "comment", a.comment)
	}
	if !a.hint.IsZero() {
		dst = bsoncore.AppendValueElement(dst, "hint", a.hint)
	}
	if a.writeConcern != nil {
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", a.writeConcern)
	}
	return dst, nil
}

// AllowDiskUse allows aggregation stages to write to temporary files.
func (a *Aggregate) AllowDiskUse(v bool) *Aggregate { a.allowDiskUse = &v; return a }

// BatchSize sets the initial and getMore batch size.
func (a *Aggregate) BatchSize(size int32) *Aggregate { a.batchSize = &size; return a }

// BypassDocumentValidation opts out of document-level validation.
func (a *Aggregate) BypassDocumentValidation(v bool) *Aggregate {
	a.bypassDocumentValidation = &v
	return a
}

// Collation sets the collation document.
func (a *Aggregate) Collation(c bsoncore.Document) *Aggregate { a.collation = c; return a }

// MaxTimeMS sets the maximum amount of time to allow the pipeline to run.
func (a *Aggregate) MaxTimeMS(ms int64) *Aggregate { a.maxTimeMS = &ms; return a }

// Comment attaches an opaque comment to the command.
func (a *Aggregate) Comment(c bsoncore.Value) *Aggregate { a.comment = c; return a }

// Hint sets the index to use for the aggregation.
func (a *Aggregate) Hint(h bsoncore.Value) *Aggregate { a.hint = h; return a }

// WriteConcern sets the write concern document for this operation.
func (a *Aggregate) WriteConcern(wc bsoncore.Document) *Aggregate { a.writeConcern = wc; return a }

// Session sets the session for this operation.
func (a *Aggregate) Session(s *session.Client) *Aggregate { a.session = s; return a }

// ClusterClock sets the cluster clock for this operation.
func (a *Aggregate) ClusterClock(clock *session.ClusterClock) *Aggregate { a.clock = clock; return a }

// Collection sets the collection to run this aggregation against; omit it
// to run a database-level aggregation (e.g. $currentOp, $listLocalSessions).
func (a *Aggregate) Collection(coll string) *Aggregate {
	a.collection = coll
	a.hasCollection = true
	return a
}

// Database sets the database to run this operation against.
func (a *Aggregate) Database(db string) *Aggregate { a.database = db; return a }

// Deployment sets the deployment to use for this operation.
func (a *Aggregate) Deployment(d driver.Deployment) *Aggregate { a.deployment = d; return a }

// ServerSelector sets the selector used to retrieve a server.
func (a *Aggregate) ServerSelector(s description.ServerSelector) *Aggregate { a.selector = s; return a }
