// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/wiremessage"
)

// fakeConn answers wire messages with a canned sequence of reply documents,
// letting tests drive a SASL conversation without a real server.
type fakeConn struct {
	replies [][]byte
	sent    []bsoncore.Document
	next    int
}

func newFakeConn(replies ...bsoncore.Document) *fakeConn {
	fc := &fakeConn{}
	for _, r := range replies {
		fc.replies = append(fc.replies, encodeReply(r))
	}
	return fc
}

func encodeReply(doc bsoncore.Document) []byte {
	return wiremessage.AppendOpMsg(wiremessage.NextRequestID(), 0, []wiremessage.Section{
		{Kind: 0, Documents: []bsoncore.Document{doc}},
	})
}

func (f *fakeConn) WriteWireMessage(ctx context.Context, wm []byte) error {
	_, sections, err := wiremessage.DecodeOpMsg(wm)
	if err != nil {
		return err
	}
	doc, err := wiremessage.FirstDocument(sections)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, doc)
	return nil
}

func (f *fakeConn) ReadWireMessage(ctx context.Context) ([]byte, error) {
	if f.next >= len(f.replies) {
		return nil, assertNoMoreReplies
	}
	reply := f.replies[f.next]
	f.next++
	return reply, nil
}

func (f *fakeConn) Description() description.Server { return description.Server{} }
func (f *fakeConn) Close() error                    { return nil }
func (f *fakeConn) ID() string                      { return "fake" }
func (f *fakeConn) DriverConnectionID() uint64      { return 1 }
func (f *fakeConn) Address() address.Address        { return address.Address("a:27017") }
func (f *fakeConn) Stale() bool                     { return false }

var assertNoMoreReplies = &noMoreRepliesError{}

type noMoreRepliesError struct{}

func (*noMoreRepliesError) Error() string { return "fakeConn: no more replies queued" }

func okReply(extra ...[]byte) bsoncore.Document {
	elems := append([]byte(nil), bsoncore.AppendDoubleElement(nil, "ok", 1)...)
	for _, e := range extra {
		elems = append(elems, e...)
	}
	return bsoncore.BuildDocumentFromElements(elems)
}

func TestPlainAuthenticatorSendsSingleMessage(t *testing.T) {
	conn := newFakeConn(okReply(
		bsoncore.AppendInt32Element(nil, "conversationId", 1),
		bsoncore.AppendBooleanElement(nil, "done", true),
		bsoncore.AppendBinaryElement(nil, "payload", 0x00, nil),
	))

	authenticator, err := CreateAuthenticator(PLAIN, &Cred{Username: "user", Password: "pencil", Source: "$external"})
	require.NoError(t, err)

	err = authenticator.Auth(context.Background(), &Config{Connection: conn})
	require.NoError(t, err)
	require.Len(t, conn.sent, 1)

	cmdName, _ := conn.sent[0].Lookup("saslStart").Int32OK()
	assert.Equal(t, int32(1), cmdName)
	mechanism, _ := conn.sent[0].Lookup("mechanism").StringValueOK()
	assert.Equal(t, PLAIN, mechanism)
}

func TestX509AuthenticatorSendsAuthenticateCommand(t *testing.T) {
	conn := newFakeConn(okReply())

	authenticator, err := CreateAuthenticator(MongoDBX509, &Cred{Username: "CN=client"})
	require.NoError(t, err)

	err = authenticator.Auth(context.Background(), &Config{Connection: conn})
	require.NoError(t, err)
	require.Len(t, conn.sent, 1)

	user, _ := conn.sent[0].Lookup("user").StringValueOK()
	assert.Equal(t, "CN=client", user)
}

func TestCreateAuthenticatorRejectsUnknownMechanism(t *testing.T) {
	_, err := CreateAuthenticator("NOT-A-MECHANISM", &Cred{})
	require.Error(t, err)
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "NOT-A-MECHANISM", authErr.Mechanism)
}

func TestCreateAuthenticatorDefaultsToScramSHA256(t *testing.T) {
	authenticator, err := CreateAuthenticator("", &Cred{Username: "u", Password: "p"})
	require.NoError(t, err)
	_, ok := authenticator.(*scramAuthenticator)
	assert.True(t, ok)
}

func TestRunCommandSurfacesServerError(t *testing.T) {
	errReply := bsoncore.BuildDocumentFromElements(
		bsoncore.AppendDoubleElement(nil, "ok", 0),
		bsoncore.AppendInt32Element(nil, "code", 18),
		bsoncore.AppendStringElement(nil, "errmsg", "Authentication failed."),
	)
	conn := newFakeConn(errReply)

	_, err := runCommand(context.Background(), conn, "admin", bsoncore.BuildDocumentFromElements(
		bsoncore.AppendInt32Element(nil, "ping", 1),
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Authentication failed")
}
