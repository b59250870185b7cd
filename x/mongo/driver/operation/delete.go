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

// DeleteModel is one element of a delete command's deletes array.
type DeleteModel struct {
	Filter    bsoncore.Document
	Limit     int32
	Collation bsoncore.Document
}

func (m DeleteModel) toDocument() bsoncore.Document {
	dst := bsoncore.AppendDocumentElement(nil, "q", m.Filter)
	dst = bsoncore.AppendInt32Element(dst, "limit", m.Limit)
	if m.Collation != nil {
		dst = bsoncore.AppendDocumentElement(dst, "collation", m.Collation)
	}
	return bsoncore.BuildDocumentFromElements(dst)
}

// isMulti reports whether this model removes more than one document, the
// delete command's own spelling of update's multi:true.
func (m DeleteModel) isMulti() bool { return m.Limit == 0 }

// Delete performs a (possibly batch-split) delete.
type Delete struct {
	models       []DeleteModel
	ordered      *bool
	writeConcern bsoncore.Document

	session    *session.Client
	clock      *session.ClusterClock
	collection string
	database   string
	deployment driver.Deployment
	selector   description.ServerSelector
	retry      driver.RetryMode

	result DeleteResult
}

// DeleteResult is the accumulated result across every batch of a delete.
type DeleteResult struct {
	N           int64
	WriteErrors []driver.WriteError
}

func buildDeleteResult(response bsoncore.Document) (DeleteResult, error) {
	dr := DeleteResult{}
	if v, err := response.LookupErr("n"); err == nil {
		dr.N, _ = v.AsInt64OK()
	}
	if v, err := response.LookupErr("writeErrors"); err == nil {
		values, err := v.Array().Values()
		if err != nil {
			return dr, err
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
			dr.WriteErrors = append(dr.WriteErrors, we)
		}
	}
	return dr, nil
}

// NewDelete constructs a Delete for models.
func NewDelete(models ...DeleteModel) *Delete {
	return &Delete{models: models}
}

// Result returns the accumulated result across all batches run so far.
func (d *Delete) Result() DeleteResult { return d.result }

func (d *Delete) processResponse(info driver.ResponseInfo) error {
	dr, err := buildDeleteResult(info.ServerResponse)
	d.result.N += dr.N
	d.result.WriteErrors = append(d.result.WriteErrors, dr.WriteErrors...)
	return err
}

// Execute runs the delete, splitting models into as many batches as the
// selected server's limits require. A model with limit:0 removes every
// matching document and so, like update's multi:true, disables retryability
// for the whole operation.
func (d *Delete) Execute(ctx context.Context) error {
	if d.deployment == nil {
		return errors.New("the Delete operation must have a Deployment set before Execute can be called")
	}

	documents := make([]bsoncore.Document, len(d.models))
	retryNotSupported := false
	for idx, m := range d.models {
		documents[idx] = m.toDocument()
		if m.isMulti() {
			retryNotSupported = true
		}
	}
	batches := &driver.Batches{
		Identifier:        "deletes",
		Documents:         documents,
		Ordered:           d.ordered,
		RetryNotSupported: retryNotSupported,
	}

	for batches.Remaining() {
		errorsBefore := len(d.result.WriteErrors)
		err := driver.Operation{
			CommandFn:         d.command,
			ProcessResponseFn: d.processResponse,
			Batches:           batches,
			RetryMode:         d.retry,
			Type:              driver.Write,
			Client:            d.session,
			Clock:             d.clock,
			Database:          d.database,
			Deployment:        d.deployment,
			Selector:          d.selector,
			Name:              "delete",
		}.Execute(ctx)
		if err != nil {
			return err
		}
		if batches.IsOrdered() && len(d.result.WriteErrors) > errorsBefore {
			break
		}
	}
	return nil
}

func (d *Delete) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "delete", d.collection)
	if d.ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *d.ordered)
	}
	if d.writeConcern != nil {
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", d.writeConcern)
	}
	return dst, nil
}

// Ordered sets whether a failed document stops the remaining batches.
func (d *Delete) Ordered(v bool) *Delete { d.ordered = &v; return d }

// WriteConcern sets the write concern document for this operation.
func (d *Delete) WriteConcern(wc bsoncore.Document) *Delete { d.writeConcern = wc; return d }

// Session sets the session for this operation.
func (d *Delete) Session(s *session.Client) *Delete { d.session = s; return d }

// ClusterClock sets the cluster clock for this operation.
func (d *Delete) ClusterClock(clock *session.ClusterClock) *Delete { d.clock = clock; return d }

// Collection sets the collection that this command will run against.
func (d *Delete) Collection(coll string) *Delete { d.collection = coll; return d }

// Database sets the database to run this operation against.
func (d *Delete) Database(db string) *Delete { d.database = db; return d }

// Deployment sets the deployment to use for this operation.
func (d *Delete) Deployment(dep driver.Deployment) *Delete { d.deployment = dep; return d }

// ServerSelector sets the selector used to retrieve a server.
func (d *Delete) ServerSelector(s description.ServerSelector) *Delete { d.selector = s; return d }

// Retry sets the retry mode for this operation.
func (d *Delete) Retry(r driver.RetryMode) *Delete { d.retry = r; return d }
