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
	"go.mongocore.dev/driver/bson/primitive"
	"go.mongocore.dev/driver/x/mongo/driver"
)

func changeEventDoc(idToken bsoncore.Document) bsoncore.Document {
	return bsoncore.BuildDocumentFromElements(bsoncore.AppendDocumentElement(nil, "_id", idToken))
}

func resumeTokenDoc(n int32) bsoncore.Document {
	return bsoncore.BuildDocumentFromElements(bsoncore.AppendInt32Element(nil, "_data", n))
}

func TestChangeStreamStageDocFields(t *testing.T) {
	cs := &ChangeStream{}

	token := resumeTokenDoc(1)
	doc := cs.changeStreamStageDoc(ChangeStreamOptions{
		FullDocument:       FullDocumentUpdateLookup,
		ResumeAfter:        token,
		ShowExpandedEvents: true,
	})

	stageVal, err := doc.LookupErr("$changeStream")
	require.NoError(t, err)
	stage := stageVal.Document()

	fdVal, err := stage.LookupErr("fullDocument")
	require.NoError(t, err)
	fd, ok := fdVal.StringValueOK()
	require.True(t, ok)
	assert.Equal(t, "updateLookup", fd)

	raVal, err := stage.LookupErr("resumeAfter")
	require.NoError(t, err)
	assert.Equal(t, token, raVal.Document())

	_, err = stage.LookupErr("startAfter")
	assert.Error(t, err)

	seVal, err := stage.LookupErr("showExpandedEvents")
	require.NoError(t, err)
	b, ok := seVal.BooleanOK()
	require.True(t, ok)
	assert.True(t, b)
}

func TestChangeStreamStageDocPrefersStartAfterOverResumeAfter(t *testing.T) {
	cs := &ChangeStream{}

	token := resumeTokenDoc(2)
	doc := cs.changeStreamStageDoc(ChangeStreamOptions{
		ResumeAfter: token,
		StartAfter:  token,
	})
	stageVal, err := doc.LookupErr("$changeStream")
	require.NoError(t, err)
	stage := stageVal.Document()

	_, err = stage.LookupErr("resumeAfter")
	assert.Error(t, err)
	_, err = stage.LookupErr("startAfter")
	assert.NoError(t, err)
}

func TestChangeStreamStageDocStartAtOperationTime(t *testing.T) {
	cs := &ChangeStream{}

	doc := cs.changeStreamStageDoc(ChangeStreamOptions{
		StartAtOperationTime: &primitive.Timestamp{T: 100, I: 1},
	})
	stageVal, err := doc.LookupErr("$changeStream")
	require.NoError(t, err)
	stage := stageVal.Document()

	v, err := stage.LookupErr("startAtOperationTime")
	require.NoError(t, err)
	tt, ii, ok := v.TimestampOK()
	require.True(t, ok)
	assert.Equal(t, uint32(100), tt)
	assert.Equal(t, uint32(1), ii)
}

func TestChangeStreamResumeOptionsPrefersTokenOverOperationTime(t *testing.T) {
	token := resumeTokenDoc(3)
	cs := &ChangeStream{
		resumeToken:   token,
		operationTime: &primitive.Timestamp{T: 5, I: 0},
	}

	opts := cs.resumeOptions()
	assert.Equal(t, token, opts.ResumeAfter)
	assert.Nil(t, opts.StartAfter)
	assert.Nil(t, opts.StartAtOperationTime)
}

func TestChangeStreamResumeOptionsUsesStartAfterBeforeFirstDelivery(t *testing.T) {
	token := resumeTokenDoc(4)
	cs := &ChangeStream{
		opts:        ChangeStreamOptions{StartAfter: resumeTokenDoc(99)},
		resumeToken: token,
		delivered:   false,
	}

	opts := cs.resumeOptions()
	assert.Equal(t, token, opts.StartAfter)
	assert.Nil(t, opts.ResumeAfter)
}

func TestChangeStreamResumeOptionsUsesResumeAfterOnceDelivered(t *testing.T) {
	token := resumeTokenDoc(5)
	cs := &ChangeStream{
		opts:        ChangeStreamOptions{StartAfter: resumeTokenDoc(99)},
		resumeToken: token,
		delivered:   true,
	}

	opts := cs.resumeOptions()
	assert.Equal(t, token, opts.ResumeAfter)
	assert.Nil(t, opts.StartAfter)
}

func TestChangeStreamResumeOptionsFallsBackToOperationTime(t *testing.T) {
	opTime := &primitive.Timestamp{T: 7, I: 2}
	cs := &ChangeStream{operationTime: opTime}

	opts := cs.resumeOptions()
	assert.Equal(t, opTime, opts.StartAtOperationTime)
}

func TestChangeStreamCapturesResumeTokenFromCurrentDocument(t *testing.T) {
	token := resumeTokenDoc(6)
	bc := driver.NewBatchCursor(exhaustedCursorResponse(changeEventDoc(token)), nil, nil, nil)
	cs := &ChangeStream{cursor: bc}

	require.True(t, cs.Next(context.Background()))
	assert.Equal(t, token, cs.ResumeToken())
	assert.True(t, cs.delivered)
}

func TestChangeStreamNextReturnsFalseOnCleanExhaustion(t *testing.T) {
	bc := driver.NewBatchCursor(exhaustedCursorResponse(), nil, nil, nil)
	cs := &ChangeStream{cursor: bc}

	assert.False(t, cs.Next(context.Background()))
	assert.NoError(t, cs.Err())
}

func TestChangeStreamClosePropagatesToCursor(t *testing.T) {
	bc := driver.NewBatchCursor(exhaustedCursorResponse(), nil, nil, nil)
	cs := &ChangeStream{cursor: bc}

	assert.NoError(t, cs.Close(context.Background()))
}
