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

// BulkWriteOperationType identifies which of the three write shapes a
// BulkWriteModel represents within the cross-collection bulkWrite command.
type BulkWriteOperationType int

// Recognized bulk write operation types.
const (
	BulkWriteInsert BulkWriteOperationType = iota
	BulkWriteUpdate
	BulkWriteDelete
)

// BulkWriteModel is one element of a mixed-namespace, mixed-operation bulk
// write, the server command introduced in MongoDB 8.0 that lets a single
// round trip touch any number of collections and operation types.
type BulkWriteModel struct {
	Type      BulkWriteOperationType
	Namespace string // "database.collection"

	Document bsoncore.Document // insert
	Filter   bsoncore.Document // update, delete

	Update       bsoncore.Value    // update
	ArrayFilters bsoncore.Array    // update
	Collation    bsoncore.Document // update, delete
	Upsert       *bool             // update
	Multi        bool              // update, delete
}

// BulkWrite performs a cross-collection, cross-operation bulk write via the
// bulkWrite command, splitting models into as many batches as the selected
// server's limits require. Result returns the summary counters summed over
// every batch; Cursor returns the per-operation results cursor of the most
// recent batch only.
type BulkWrite struct {
	models       []BulkWriteModel
	ordered      *bool
	errorsOnly   *bool
	writeConcern bsoncore.Document
	comment      bsoncore.Value

	session    *session.Client
	clock      *session.ClusterClock
	deployment driver.Deployment
	selector   description.ServerSelector
	retry      driver.RetryMode

	nsInfo bsoncore.Array
	result driver.CursorResponse

	// summary accumulates the response's top-level counters across batches.
	summary BulkWriteResult
}

// BulkWriteResult holds the summary counters the bulkWrite command returns
// alongside its per-operation results cursor.
type BulkWriteResult struct {
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	DeletedCount  int64
	ErrorCount    int64
}

// NewBulkWrite constructs a BulkWrite for models.
func NewBulkWrite(models ...BulkWriteModel) *BulkWrite {
	return &BulkWrite{models: models}
}

// Result returns the summary counters accumulated across all batches run so
// far; the per-operation cursor for the most recent batch is obtained via
// Cursor.
func (bw *BulkWrite) Result() BulkWriteResult { return bw.summary }

// Cursor wraps the most recently received batch's raw cursor response in a
// BatchCursor over per-operation results, pinning conn when non-nil
// (load-balanced mode).
func (bw *BulkWrite) Cursor(conn driver.Connection) *driver.BatchCursor {
	return driver.NewBatchCursor(bw.result, bw.session, bw.clock, conn)
}

func (bw *BulkWrite) processResponse(info driver.ResponseInfo) error {
	if v, err := info.ServerResponse.LookupErr("nInserted"); err == nil {
		n, _ := v.AsInt64OK()
		bw.summary.InsertedCount += n
	}
	if v, err := info.ServerResponse.LookupErr("nMatched"); err == nil {
		n, _ := v.AsInt64OK()
		bw.summary.MatchedCount += n
	}
	if v, err := info.ServerResponse.LookupErr("nModified"); err == nil {
		n, _ := v.AsInt64OK()
		bw.summary.ModifiedCount += n
	}
	if v, err := info.ServerResponse.LookupErr("nUpserted"); err == nil {
		n, _ := v.AsInt64OK()
		bw.summary.UpsertedCount += n
	}
	if v, err := info.ServerResponse.LookupErr("nDeleted"); err == nil {
		n, _ := v.AsInt64OK()
		bw.summary.DeletedCount += n
	}
	if v, err := info.ServerResponse.LookupErr("nErrors"); err == nil {
		n, _ := v.AsInt64OK()
		bw.summary.ErrorCount += n
	}

	var err error
	bw.result, err = driver.NewCursorResponse(info.ServerResponse, info.Server, info.Connection)
	return err
}

// buildNamespaces assigns each distinct namespace an index into nsInfo,
// appending a new entry the first time a namespace is seen.
func (bw *BulkWrite) buildNamespaces() map[string]int32 {
	indexes := make(map[string]int32)
	ab := bsoncore.NewArrayBuilder()
	for _, m := range bw.models {
		if _, ok := indexes[m.Namespace]; ok {
			continue
		}
		idx := int32(len(indexes))
		indexes[m.Namespace] = idx
		nsDoc := bsoncore.BuildDocumentFromElements(bsoncore.AppendStringElement(nil, "ns", m.Namespace))
		ab.AppendDocument(nsDoc)
	}
	bw.nsInfo = ab.Build()
	return indexes
}

func (m BulkWriteModel) toOpDocument(nsIndex int32) bsoncore.Document {
	switch m.Type {
	case BulkWriteInsert:
		dst := bsoncore.AppendInt32Element(nil, "insert", nsIndex)
		dst = bsoncore.AppendDocumentElement(dst, "document", m.Document)
		return bsoncore.BuildDocumentFromElements(dst)
	case BulkWriteUpdate:
		dst := bsoncore.AppendInt32Element(nil, "update", nsIndex)
		dst = bsoncore.AppendDocumentElement(dst, "filter", m.Filter)
		dst = bsoncore.AppendValueElement(dst, "updateMods", m.Update)
		if m.Upsert != nil {
			dst = bsoncore.AppendBooleanElement(dst, "upsert", *m.Upsert)
		}
		if m.Multi {
			dst = bsoncore.AppendBooleanElement(dst, "multi", true)
		}
		if m.ArrayFilters != nil {
			dst = bsoncore.AppendArrayElement(dst, "arrayFilters", m.ArrayFilters)
		}
		if m.Collation != nil {
			dst = bsoncore.AppendDocumentElement(dst, "collation", m.Collation)
		}
		return bsoncore.BuildDocumentFromElements(dst)
	default: // BulkWriteDelete
		dst := bsoncore.AppendInt32Element(nil, "delete", nsIndex)
		dst = bsoncore.AppendDocumentElement(dst, "filter", m.Filter)
		dst = bsoncore.AppendBooleanElement(dst, "multi", m.Multi)
		if m.Collation != nil {
			dst = bsoncore.AppendDocumentElement(dst, "collation", m.Collation)
		}
		return bsoncore.BuildDocumentFromElements(dst)
	}
}

// Execute runs the bulk write. nsInfo is computed once up front from every
// model (it is small relative to ops and is sent as a plain array rather
// than a second document sequence, since the Executor's wire-message
// builder carries only one document-sequence section per command); ops is
// split into batches the same way Insert/Update/Delete split theirs.
func (bw *BulkWrite) Execute(ctx context.Context) error {
	if bw.deployment == nil {
		return errors.New("the BulkWrite operation must have a Deployment set before Execute can be called")
	}

	indexes := bw.buildNamespaces()
	documents := make([]bsoncore.Document, len(bw.models))
	retryNotSupported := false
	for idx, m := range bw.models {
		documents[idx] = m.toOpDocument(indexes[m.Namespace])
		if m.Type != BulkWriteInsert && m.Multi {
			retryNotSupported = true
		}
	}
	batches := &driver.Batches{
		Identifier:        "ops",
		Documents:         documents,
		Ordered:           bw.ordered,
		RetryNotSupported: retryNotSupported,
	}

	for batches.Remaining() {
		err := driver.Operation{
			CommandFn:         bw.command,
			ProcessResponseFn: bw.processResponse,
			Batches:           batches,
			RetryMode:         bw.retry,
			Type:              driver.Write,
			Client:            bw.session,
			Clock:             bw.clock,
			Database:          "admin",
			Deployment:        bw.deployment,
			Selector:          bw.selector,
			Name:              "bulkWrite",
		}.Execute(ctx)
		if err != nil {
			return err
		}
		if batches.IsOrdered() && bw.summary.ErrorCount > 0 {
			break
		}
	}
	return nil
}

func (bw *BulkWrite) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "bulkWrite", 1)
	if bw.errorsOnly != nil {
		dst = bsoncore.AppendBooleanElement(dst, "errorsOnly", *bw.errorsOnly)
	}
	if bw.ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *bw.ordered)
	}
	if bw.writeConcern != nil {
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", bw.writeConcern)
	}
	if !bw.comment.IsZero() {
		dst = bsoncore.AppendValueElement(dst, "comment", bw.comment)
	}
	dst = bsoncore.AppendArrayElement(dst, "nsInfo", bw.nsInfo)
	return dst, nil
}

// Ordered sets whether a failed operation stops the remaining batches.
func (bw *BulkWrite) Ordered(v bool) *BulkWrite { bw.ordered = &v; return bw }

// ErrorsOnly restricts the per-operation results cursor to only failed
// operations, which is cheaper for a caller that does not need per-success
// detail.
func (bw *BulkWrite) ErrorsOnly(v bool) *BulkWrite { bw.errorsOnly = &v; return bw }

// WriteConcern sets the write concern document for this operation.
func (bw *BulkWrite) WriteConcern(wc bsoncore.Document) *BulkWrite { bw.writeConcern = wc; return bw }

// Comment attaches an opaque comment to the command.
func (bw *BulkWrite) Comment(c bsoncore.Value) *BulkWrite { bw.comment = c; return bw }

// Session sets the session for this operation.
func (bw *BulkWrite) Session(s *session.Client) *BulkWrite { bw.session = s; return bw }

// ClusterClock sets the cluster clock for this operation.
func (bw *BulkWrite) ClusterClock(clock *session.ClusterClock) *BulkWrite { bw.clock = clock; return bw }

// Deployment sets the deployment to use for this operation.
func (bw *BulkWrite) Deployment(d driver.Deployment) *BulkWrite { bw.deployment = d; return bw }

// ServerSelector sets the selector used to retrieve a server.
func (bw *BulkWrite) ServerSelector(s description.ServerSelector) *BulkWrite { bw.selector = s; return bw }

// Retry sets the retry mode for this operation.
func (bw *BulkWrite) Retry(r driver.RetryMode) *BulkWrite { bw.retry = r; return bw }
