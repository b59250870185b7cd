// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/bson/bsoncore"
)

func buildPingDoc() bsoncore.Document {
	idx, dst := bsoncore.ReserveLength(nil)
	dst = bsoncore.AppendInt32Element(dst, "ping", 1)
	dst = append(dst, 0x00)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst)))
}

func TestAppendAndDecodeOpMsgRoundTrip(t *testing.T) {
	doc := buildPingDoc()
	msg := AppendOpMsg(42, 0, []Section{{Kind: 0, Documents: []bsoncore.Document{doc}}})

	h, sections, err := DecodeOpMsg(msg)
	require.NoError(t, err)
	assert.Equal(t, int32(42), h.RequestID)
	assert.Equal(t, OpMsg, h.OpCode)
	require.Len(t, sections, 1)

	first, err := FirstDocument(sections)
	require.NoError(t, err)
	assert.Equal(t, doc, first)
}

func TestDecodeOpMsgWithChecksumDetectsCorruption(t *testing.T) {
	doc := buildPingDoc()
	msg := AppendOpMsg(1, ChecksumPresent, []Section{{Kind: 0, Documents: []bsoncore.Document{doc}}})

	_, _, err := DecodeOpMsg(msg)
	require.NoError(t, err)

	corrupted := append([]byte(nil), msg...)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, _, err = DecodeOpMsg(corrupted)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestDecodeOpMsgRejectsEmptyMessage(t *testing.T) {
	_, _, err := DecodeOpMsg(nil)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestDecodeOpMsgSectionOne(t *testing.T) {
	doc1 := buildPingDoc()
	doc2 := buildPingDoc()
	msg := AppendOpMsg(7, 0, []Section{
		{Kind: 0, Documents: []bsoncore.Document{doc1}},
		{Kind: 1, Identifier: "documents", Documents: []bsoncore.Document{doc2, doc2}},
	})

	_, sections, err := DecodeOpMsg(msg)
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, "documents", sections[1].Identifier)
	assert.Len(t, sections[1].Documents, 2)
}

func TestNextRequestIDIsMonotonic(t *testing.T) {
	a := NextRequestID()
	b := NextRequestID()
	assert.Greater(t, b, a)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	doc := buildPingDoc()
	original := AppendOpMsg(5, 0, []Section{{Kind: 0, Documents: []bsoncore.Document{doc}}})

	for _, id := range []CompressorID{CompressorSnappy, CompressorZLib, CompressorZstd} {
		compressed, err := Compress(original, id, 0)
		require.NoError(t, err, "compressor %d", id)

		h, _, ok := ReadHeader(compressed)
		require.True(t, ok)
		assert.Equal(t, OpCompressed, h.OpCode)

		decompressed, err := Decompress(compressed)
		require.NoError(t, err, "compressor %d", id)
		assert.Equal(t, original, decompressed)
	}
}

func TestCompressorNameRoundTrip(t *testing.T) {
	for name, id := range map[string]CompressorID{
		"snappy": CompressorSnappy,
		"zlib":   CompressorZLib,
		"zstd":   CompressorZstd,
	} {
		assert.Equal(t, name, CompressorName(id))
		got, ok := CompressorByName(name)
		assert.True(t, ok)
		assert.Equal(t, id, got)
	}

	_, ok := CompressorByName("lz4")
	assert.False(t, ok)
}
