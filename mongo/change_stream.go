// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"

	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/bson/primitive"
	"go.mongocore.dev/driver/x/mongo/driver"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/operation"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// FullDocument controls what a change event's fullDocument field holds for
// update events.
type FullDocument string

const (
	FullDocumentDefault       FullDocument = ""
	FullDocumentUpdateLookup  FullDocument = "updateLookup"
	FullDocumentWhenAvailable FullDocument = "whenAvailable"
	FullDocumentRequired      FullDocument = "required"
)

// ChangeStreamOptions configures a change stream's $changeStream stage and
// the cursor it opens. Exactly one of ResumeAfter, StartAfter, or
// StartAtOperationTime should be set by a caller resuming an existing
// stream; NewChangeStream does not reject combinations, but the
// $changeStream stage carries only one of them: StartAfter if set, else
// ResumeAfter, else StartAtOperationTime.
type ChangeStreamOptions struct {
	FullDocument             FullDocument
	FullDocumentBeforeChange FullDocument
	ResumeAfter              bsoncore.Document
	StartAfter               bsoncore.Document
	StartAtOperationTime     *primitive.Timestamp
	ShowExpandedEvents       bool
	BatchSize                int32
	Collation                bsoncore.Document
	Comment                  bsoncore.Value
}

// ChangeStream iterates a change stream cursor, transparently reopening it
// once per failed Next when the server reports a resumable error.
type ChangeStream struct {
	deployment driver.Deployment
	selector   description.ServerSelector
	session    *session.Client
	clock      *session.ClusterClock
	database   string
	collection string
	pipeline   bsoncore.Array
	conn       driver.Connection

	opts ChangeStreamOptions

	cursor          *driver.BatchCursor
	resumeToken     bsoncore.Document
	operationTime   *primitive.Timestamp
	delivered       bool
	resumeAttempted bool
	err             error
}

// NewChangeStream opens a change stream against collection (pass an empty
// collection for a database-level stream, e.g. watching every collection in
// database), prepending a $changeStream stage built from opts to pipeline.
// conn pins the stream to a specific connection in load-balanced mode; pass
// nil otherwise.
func NewChangeStream(
	ctx context.Context,
	deployment driver.Deployment,
	selector description.ServerSelector,
	sess *session.Client,
	clock *session.ClusterClock,
	database, collection string,
	pipeline bsoncore.Array,
	opts ChangeStreamOptions,
	conn driver.Connection,
) (*ChangeStream, error) {
	cs := &ChangeStream{
		deployment: deployment,
		selector:   selector,
		session:    sess,
		clock:      clock,
		database:   database,
		collection: collection,
		pipeline:   pipeline,
		conn:       conn,
		opts:       opts,
	}

	bc, err := cs.openCursor(ctx, opts)
	if err != nil {
		return nil, err
	}
	cs.cursor = bc
	if pbr := bc.PostBatchResumeToken(); pbr != nil {
		cs.resumeToken = pbr
	}
	return cs, nil
}

// openCursor runs the aggregate underlying either the initial open or a
// resume, recording the resulting operation time for a later resume that
// falls back to startAtOperationTime.
func (cs *ChangeStream) openCursor(ctx context.Context, opts ChangeStreamOptions) (*driver.BatchCursor, error) {
	ab := bsoncore.NewArrayBuilder()
	ab.AppendDocument(cs.changeStreamStageDoc(opts))
	if len(cs.pipeline) > 0 {
		stages, err := cs.pipeline.Values()
		if err != nil {
			return nil, err
		}
		for _, v := range stages {
			ab.AppendValue(v)
		}
	}
	fullPipeline := ab.Build()

	agg := operation.NewAggregate(fullPipeline).
		Database(cs.database).
		Deployment(cs.deployment).
		ServerSelector(cs.selector).
		Session(cs.session).
		ClusterClock(cs.clock)
	if cs.collection != "" {
		agg.Collection(cs.collection)
	}
	if opts.BatchSize > 0 {
		agg.BatchSize(opts.BatchSize)
	}
	if opts.Collation != nil {
		agg.Collation(opts.Collation)
	}
	if !opts.Comment.IsZero() {
		agg.Comment(opts.Comment)
	}

	if err := agg.Execute(ctx); err != nil {
		return nil, err
	}
	if cs.session != nil {
		cs.operationTime = cs.session.OperationTime
	}
	return agg.Result(cs.conn)
}

// changeStreamStageDoc builds the $changeStream pipeline stage from opts.
func (cs *ChangeStream) changeStreamStageDoc(opts ChangeStreamOptions) bsoncore.Document {
	var dst []byte
	if opts.FullDocument != FullDocumentDefault {
		dst = bsoncore.AppendStringElement(dst, "fullDocument", string(opts.FullDocument))
	}
	if opts.FullDocumentBeforeChange != FullDocumentDefault {
		dst = bsoncore.AppendStringElement(dst, "fullDocumentBeforeChange", string(opts.FullDocumentBeforeChange))
	}
	if opts.StartAfter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "startAfter", opts.StartAfter)
	} else if opts.ResumeAfter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "resumeAfter", opts.ResumeAfter)
	} else if opts.StartAtOperationTime != nil {
		dst = bsoncore.AppendTimestampElement(dst, "startAtOperationTime", opts.StartAtOperationTime.T, opts.StartAtOperationTime.I)
	}
	if opts.ShowExpandedEvents {
		dst = bsoncore.AppendBooleanElement(dst, "showExpandedEvents", true)
	}
	stage := bsoncore.BuildDocumentFromElements(dst)
	return bsoncore.BuildDocumentFromElements(bsoncore.AppendDocumentElement(nil, "$changeStream", stage))
}

// resumeOptions derives the options for a resume attempt: startAfter is
// preferred over resumeAfter only when the original call specified
// startAfter and no event has been delivered yet, matching the rule that a
// startAfter stream resumes from the same point it started from until it
// has actually produced a document.
func (cs *ChangeStream) resumeOptions() ChangeStreamOptions {
	opts := cs.opts
	opts.ResumeAfter = nil
	opts.StartAfter = nil
	opts.StartAtOperationTime = nil

	switch {
	case cs.resumeToken != nil:
		if cs.opts.StartAfter != nil && !cs.delivered {
			opts.StartAfter = cs.resumeToken
		} else {
			opts.ResumeAfter = cs.resumeToken
		}
	case cs.operationTime != nil:
		opts.StartAtOperationTime = cs.operationTime
	}
	return opts
}

func (cs *ChangeStream) resume(ctx context.Context) error {
	_ = cs.cursor.Close(ctx)
	opts := cs.resumeOptions()
	bc, err := cs.openCursor(ctx, opts)
	if err != nil {
		return err
	}
	cs.cursor = bc
	return nil
}

// Next advances to the next change event, resuming the underlying cursor at
// most once per call if the server reports a resumable error. It returns
// false once the stream hits a non-resumable error or ctx is done; Err
// distinguishes the two.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	if cs.err != nil {
		return false
	}

	for {
		if cs.cursor.Next(ctx) {
			cs.captureResumeToken()
			cs.delivered = true
			cs.resumeAttempted = false
			return true
		}

		if pbr := cs.cursor.PostBatchResumeToken(); pbr != nil {
			cs.resumeToken = pbr
		}

		err := cs.cursor.Err()
		if err == nil {
			return false
		}
		if cs.resumeAttempted || !isResumableChangeStreamError(err) {
			cs.err = err
			return false
		}

		cs.resumeAttempted = true
		if rerr := cs.resume(ctx); rerr != nil {
			cs.err = rerr
			return false
		}
	}
}

// captureResumeToken records the _id of the document Next most recently
// positioned on as the resume point for a future resume.
func (cs *ChangeStream) captureResumeToken() {
	v, err := cs.cursor.Current().LookupErr("_id")
	if err != nil {
		return
	}
	if v.Type == bsoncore.TypeEmbeddedDocument {
		cs.resumeToken = v.Document()
	}
}

// Current returns the change event document Next most recently positioned
// on, in full change-event form (operationType, ns, documentKey,
// fullDocument, etc.).
func (cs *ChangeStream) Current() bsoncore.Document {
	return cs.cursor.Current()
}

// ResumeToken returns the token a new change stream should be opened with
// (via ResumeAfter) to continue from this stream's current position.
func (cs *ChangeStream) ResumeToken() bsoncore.Document {
	return cs.resumeToken
}

// Err returns the error that ended the stream, or nil if it was closed
// cleanly or is still open.
func (cs *ChangeStream) Err() error {
	return cs.err
}

// Close stops the stream and releases the underlying server-side cursor.
func (cs *ChangeStream) Close(ctx context.Context) error {
	return cs.cursor.Close(ctx)
}
