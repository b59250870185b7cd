// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/wiremessage"
)

func encodeHelloReply(doc bsoncore.Document) []byte {
	return wiremessage.AppendOpMsg(wiremessage.NextRequestID(), 0, []wiremessage.Section{
		{Kind: 0, Documents: []bsoncore.Document{doc}},
	})
}

func TestParseHelloReplyPrimary(t *testing.T) {
	doc := bsoncore.BuildDocumentFromElements(
		bsoncore.AppendDoubleElement(nil, "ok", 1),
		bsoncore.AppendBooleanElement(nil, "ismaster", true),
		bsoncore.AppendStringElement(nil, "setName", "rs0"),
		bsoncore.AppendInt32Element(nil, "minWireVersion", 6),
		bsoncore.AppendInt32Element(nil, "maxWireVersion", 17),
		bsoncore.AppendInt64Element(nil, "maxWriteBatchSize", 100000),
	)

	addr := address.Address("a:27017")
	desc := parseHelloReply(addr, doc)

	assert.Equal(t, description.RSPrimary, desc.Kind)
	assert.Equal(t, "rs0", desc.SetName)
	require.NotNil(t, desc.WireVersion)
	assert.Equal(t, int32(6), desc.WireVersion.Min)
	assert.Equal(t, int32(17), desc.WireVersion.Max)
	assert.EqualValues(t, 100000, desc.MaxWriteBatchSize)
}

func TestParseHelloReplyMongos(t *testing.T) {
	doc := bsoncore.BuildDocumentFromElements(
		bsoncore.AppendDoubleElement(nil, "ok", 1),
		bsoncore.AppendStringElement(nil, "msg", "isdbgrid"),
	)
	desc := parseHelloReply(address.Address("a:27017"), doc)
	assert.Equal(t, description.Mongos, desc.Kind)
}

func TestDecodeHelloReplySurfacesCommandError(t *testing.T) {
	doc := bsoncore.BuildDocumentFromElements(
		bsoncore.AppendDoubleElement(nil, "ok", 0),
		bsoncore.AppendInt32Element(nil, "code", 13),
		bsoncore.AppendStringElement(nil, "errmsg", "unauthorized"),
	)
	_, err := decodeHelloReply(address.Address("a:27017"), encodeHelloReply(doc))
	assert.Error(t, err)
}

func TestBuildHelloCommandNonStreaming(t *testing.T) {
	wm := buildHelloCommand("test-app", []string{"snappy"}, false, nil)
	_, sections, err := wiremessage.DecodeOpMsg(wm)
	require.NoError(t, err)
	cmd, err := wiremessage.FirstDocument(sections)
	require.NoError(t, err)

	v, err := cmd.LookupErr("isMaster")
	require.NoError(t, err)
	n, ok := v.Int32OK()
	require.True(t, ok)
	assert.Equal(t, int32(1), n)

	_, err = cmd.LookupErr("topologyVersion")
	assert.Error(t, err, "a non-streaming hello must not request an exhaust reply")
}
