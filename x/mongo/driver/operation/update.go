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

// UpdateModel is one element of an update command's updates array.
type UpdateModel struct {
	Filter       bsoncore.Document
	Update       bsoncore.Value
	Upsert       *bool
	Multi        bool
	ArrayFilters bsoncore.Array
	Collation    bsoncore.Document
}

func (m UpdateModel) toDocument() bsoncore.Document {
	dst := bsoncore.AppendDocumentElement(nil, "q", m.Filter)
	dst = bsoncore.AppendValueElement(dst, "u", m.Update)
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
}

// Update performs a (possibly batch-split) update.
type Update struct {
	models       []UpdateModel
	ordered      *bool
	writeConcern bsoncore.Document

	session    *session.Client
	clock      *session.ClusterClock
	collection string
	database   string
	deployment driver.Deployment
	selector   description.ServerSelector
	retry      driver.RetryMode

	result UpdateResult
}

// UpdateResult is the accumulated result across every batch of an update.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	WriteErrors   []driver.WriteError
}

func buildUpdateResult(response bsoncore.Document) (UpdateResult, error) {
	ur := UpdateResult{}
	if v, err := response.LookupErr("n"); err == nil {
		ur.MatchedCount, _ = v.AsInt64OK()
	}
	if v, err := response.LookupErr("nModified"); err == nil {
		ur.ModifiedCount, _ = v.AsInt64OK()
	}
	if v, err := response.LookupErr("upserted"); err == nil {
		values, err := v.Array().Values()
		if err == nil {
			ur.UpsertedCount = int64(len(values))
		}
	}
	if v, err := response.LookupErr("writeErrors"); err == nil {
		values, err := v.Array().Values()
		if err != nil {
			return ur, err
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
			ur.WriteErrors = append(ur.WriteErrors, we)
		}
	}
	return ur, nil
}

// NewUpdate constructs an Update for models.
func NewUpdate(models ...UpdateModel) *Update {
	return &Update{models: models}
}

// Result returns the accumulated result across all batches run so far.
func (u *Update) Result() UpdateResult { return u.result }

func (u *Update) processResponse(info driver.ResponseInfo) error {
	ur, err := buildUpdateResult(info.ServerResponse)
	u.result.MatchedCount += ur.MatchedCount
	u.result.ModifiedCount += ur.ModifiedCount
	u.result.UpsertedCount += ur.UpsertedCount
	u.result.WriteErrors = append(u.result.WriteErrors, ur.WriteErrors...)
	return err
}

// Execute runs the update, splitting models into as many batches as the
// selected server's limits require. Any model with Multi set disables
// retryability for the whole operation, since the server cannot apply a
// multi-document update idempotently on retry.
func (u *Update) Execute(ctx context.Context) error {
	if u.deployment == nil {
		return errors.New("the Update operation must have a Deployment set before Execute can be called")
	}

	documents := make([]bsoncore.Document, len(u.models))
	retryNotSupported := false
	for idx, m := range u.models {
		documents[idx] = m.toDocument()
		if m.Multi {
			retryNotSupported = true
		}
	}
	batches := &driver.Batches{
		Identifier:        "updates",
		Documents:         documents,
		Ordered:           u.ordered,
		RetryNotSupported: retryNotSupported,
	}

	for batches.Remaining() {
		errorsBefore := len(u.result.WriteErrors)
		err := driver.Operation{
			CommandFn:         u.command,
			ProcessResponseFn: u.processResponse,
			Batches:           batches,
			RetryMode:         u.retry,
			Type:              driver.Write,
			Client:            u.session,
			Clock:             u.clock,
			Database:          u.database,
			Deployment:        u.deployment,
			Selector:          u.selector,
			Name:              "update",
		}.Execute(ctx)
		if err != nil {
			return err
		}
		if batches.IsOrdered() && len(u.result.WriteErrors) > errorsBefore {
			break
		}
	}
	return nil
}

func (u *Update) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "update", u.collection)
	if u.ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *u.ordered)
	}
	if u.writeConcern != nil {
		dst = bsoncore.AppendDocumentElement(dst, "writeConcern", u.writeConcern)
	}
	return dst, nil
}

// Ordered sets whether a failed document stops the remaining batches.
func (u *Update) Ordered(v bool) *Update { u.ordered = &v; return u }

// WriteConcern sets the write concern document for this operation.
func (u *Update) WriteConcern(wc bsoncore.Document) *Update { u.writeConcern = wc; return u }

// Session sets the session for this operation.
func (u *Update) Session(s *session.Client) *Update { u.session = s; return u }

// ClusterClock sets the cluster clock for this operation.
func (u *Update) ClusterClock(clock *session.ClusterClock) *Update { u.clock = clock; return u }

// Collection sets the collection that this command will run against.
func (u *Update) Collection(coll string) *Update { u.collection = coll; return u }

// Database sets the database to run this operation against.
func (u *Update) Database(db string) *Update { u.database = db; return u }

// Deployment sets the deployment to use for this operation.
func (u *Update) Deployment(d driver.Deployment) *Update { u.deployment = d; return u }

// ServerSelector sets the selector used to retrieve a server.
func (u *Update) ServerSelector(s description.ServerSelector) *Update { u.selector = s; return u }

// Retry sets the retry mode for this operation.
func (u *Update) Retry(r driver.RetryMode) *Update { u.retry = r; return u }
