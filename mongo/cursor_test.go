// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver"
)

func doc(id int32) bsoncore.Document {
	return bsoncore.BuildDocumentFromElements(bsoncore.AppendInt32Element(nil, "_id", id))
}

func exhaustedCursorResponse(batch ...bsoncore.Document) driver.CursorResponse {
	return driver.CursorResponse{
		ID:        0,
		Namespace: "db.coll",
		Batch:     batch,
	}
}

func TestCursorIteratesBatchThenExhausts(t *testing.T) {
	bc := driver.NewBatchCursor(exhaustedCursorResponse(doc(1), doc(2)), nil, nil, nil)
	c := NewCursor(bc)

	require.True(t, c.Next(context.Background()))
	assert.Equal(t, doc(1), c.Current())
	require.True(t, c.Next(context.Background()))
	assert.Equal(t, doc(2), c.Current())
	assert.False(t, c.Next(context.Background()))
	assert.NoError(t, c.Err())
	assert.Equal(t, int64(0), c.ID())
}

func TestCursorAllDrainsAndCloses(t *testing.T) {
	bc := driver.NewBatchCursor(exhaustedCursorResponse(doc(1), doc(2), doc(3)), nil, nil, nil)
	c := NewCursor(bc)

	docs, err := c.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	assert.Equal(t, doc(3), docs[2])
}

func TestCursorAllOnEmptyBatch(t *testing.T) {
	bc := driver.NewBatchCursor(exhaustedCursorResponse(), nil, nil, nil)
	c := NewCursor(bc)

	docs, err := c.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}
