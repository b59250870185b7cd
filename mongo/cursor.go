// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"

	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver"
)

// Cursor streams the results of a find, aggregate, listCollections or
// listIndexes command, fetching additional batches via getMore as the
// current one is exhausted. It does not decode into application types:
// this package works in raw bsoncore.Document, the same representation the
// rest of the driver speaks, and leaves any struct codec to a layer above
// it.
type Cursor struct {
	bc *driver.BatchCursor
}

// NewCursor wraps a driver.BatchCursor already positioned at a command's
// first batch.
func NewCursor(bc *driver.BatchCursor) *Cursor {
	return &Cursor{bc: bc}
}

// Next advances to the next document, issuing a getMore if the current
// batch is exhausted and the server-side cursor is still open. It blocks
// until a document is available, the cursor is exhausted, or ctx is done.
func (c *Cursor) Next(ctx context.Context) bool {
	return c.bc.Next(ctx)
}

// Current returns the document Next most recently positioned on.
func (c *Cursor) Current() bsoncore.Document {
	return c.bc.Current()
}

// Err returns the error that caused the most recent Next to return false,
// or nil if the cursor was simply exhausted.
func (c *Cursor) Err() error {
	return c.bc.Err()
}

// ID returns the server-side cursor id, or 0 once exhausted.
func (c *Cursor) ID() int64 {
	return c.bc.ID()
}

// Close sends a best-effort killCursors for an unexhausted cursor. Safe to
// call more than once.
func (c *Cursor) Close(ctx context.Context) error {
	return c.bc.Close(ctx)
}

// All drains every remaining document from the cursor and closes it. A
// caller that wants early termination on a large result set should use Next
// directly instead.
func (c *Cursor) All(ctx context.Context) ([]bsoncore.Document, error) {
	defer c.Close(ctx)
	var docs []bsoncore.Document
	for c.Next(ctx) {
		docs = append(docs, c.Current())
	}
	return docs, c.Err()
}
