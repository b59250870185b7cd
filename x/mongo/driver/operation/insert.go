// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"fmt"

	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// Insert performs a (possibly batch-split) insert.
type Insert struct {
	bypassDocumentValidation *bool
	documents                []bsoncore.Document
	ordered                  *bool
	writeConcern             bsoncore.Document

	session    *session.Client
	clock      *session.ClusterClock
	collection string
	database   string
	deployment driver.Deployment
	selector   description.ServerSelector
	retry      driver.RetryMode

	result InsertResult
}

// InsertResult is the accumulated result across every batch of an insert.
type InsertResult struct {
	N           int32
	WriteErrors []driver.WriteError
}

func buildInsertResult(response bsoncore.Document) (InsertResult, error) {
	ir := InsertResult{}
	if v, err := response.LookupErr("n"); err == nil {
		n, ok := v.Int32OK()
		if !ok {
			return ir, fmt.Errorf("response field 'n' is type int32, but received BSON type %s", v.Type)
		}
		ir.N = n
	}
	if v, err := response.LookupErr("writeErrors"); err == nil {
		values, err := v.Array().Values()
		if err != nil {
			return ir, err
		}
		for _, ev := range values {
			doc := ev.Document()
			we := driver.WriteError{}
			if iv, err := doc.LookupErr("index"); err == nil {
				idx, _ := iv.AsInt64OK()
				we.Index = int(idx)
			}
			if cv, err := doc.LookupErr("code"); err == nil {
				code, _ := cv.AsInt64OK()
				we.Code = int32(code)
			}
			if mv, err := doc.LookupErr("errmsg"); err == nil {
				we.Message, _ = mv.StringValueOK()
			}
			ir.WriteErrors = append(ir.WriteErrors, we)
		}
	}
	return ir, nil
}

// NewInsert constructs an Insert for documents.
func NewInsert(documents ...bsoncore.Document) *Insert {
	return &Insert{documents: documents}
}

// Result returns the accumulated result across all batches run so far.
func (i *Insert) Result() InsertResult { return i.result }

func (i *Insert) processResponse(info driver.ResponseInfo) error {
	ir, err := buildInsertResult(info.ServerResponse)
	i.result.N += ir.N
	i.result.WriteErrors = append(i.result.WriteErrors, ir.WriteErrors...)
	return err
}

// Execute runs the insert, splitting documents into as many batches as the
// selected server's limits require. An ordered insert (the command default)
// stops at the first batch that reports any per-document writeError, since
// the server itself stopped inserting mid-batch; an unordered insert runs
// every batch regardless and lets the caller inspect Result().WriteErrors.
func (i *Insert) Execute(ctx context.Context) error {
	if i.deployment == nil {
		return errors.New("the Insert operation must have a Deployment set before Execute can be called")
	}
	batches := &driver.Batches{
		Identifier: "documents",
		Documents:  i.documents,
		Ordered:    i.ordered,
	}

	for batches.Remaining() {
		errorsBefore := len(i.result.WriteErrors)
		err := driver.Operation{
			CommandFn:         i.command,
			ProcessResponseFn: i.processResponse,
			Batches:           batches,
			RetryMode:         i.retry,
			Type:              driver.Write,
			Client:            i.session,
			Clock:             i.clock,
			Database:          i.database,
			Deployment:        i.deployment,
			Selector:          i.selector,
			Name:              "insert",
		}.Execute(ctx)
		if err != nil {
			return err
		}
		if batches.IsOrdered() && len(i.result.WriteErrors) > errorsBefore {
			break
		}
	}
	return nil
}

func (i *Insert) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "insert", i.collection)
	if i.bypassDocumentValidation != nil && desc.WireVersion != nil && desc.WireVersion.Includes(4) {
		dst = bsoncore.AppendBooleanElement(dst, "bypassDocumentValidation", *i.bypassDocumentValidation)
	}
	if i.ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *i.ordered)
	}
	if i.writeConcern != nil {
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", i.writeConcern)
	}
	return dst, nil
}

// BypassDocumentValidation opts out of document-level validation.
func (i *Insert) BypassDocumentValidation(v bool) *Insert { i.bypassDocumentValidation = &v; return i }

// Ordered sets whether a failed document stops the remaining batches.
func (i *Insert) Ordered(v bool) *Insert { i.ordered = &v; return i }

// WriteConcern sets the write concern document for this operation.
func (i *Insert) WriteConcern(wc bsoncore.Document) *Insert { i.writeConcern = wc; return i }

// Session sets the session for this operation.
func (i *Insert) Session(s *session.Client) *Insert { i.session = s; return i }

// ClusterClock sets the cluster clock for this operation.
func (i *Insert) ClusterClock(clock *session.ClusterClock) *Insert { i.clock = clock; return i }

// Collection sets the collection that this command will run against.
func (i *Insert) Collection(coll string) *Insert { i.collection = coll; return i }

// Database sets the database to run this operation against.
func (i *Insert) Database(db string) *Insert { i.database = db; return i }

// Deployment sets the deployment to use for this operation.
func (i *Insert) Deployment(d driver.Deployment) *Insert { i.deployment = d; return i }

// ServerSelector sets the selector used to retrieve a server.
func (i *Insert) ServerSelector(s description.ServerSelector) *Insert { i.selector = s; return i }

// Retry sets the retry mode for this operation.
func (i *Insert) Retry(r driver.RetryMode) *Insert { i.retry = r; return i }
