// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"

	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver/wiremessage"
)

// SaslClient is the client side of a SASL conversation: it produces the
// initial payload and, for each server challenge, the next response.
type SaslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) (payload []byte, err error)
	Completed() bool
}

// SaslClientCloser is implemented by a SaslClient that holds resources
// (e.g. an HTTP client for credential fetching) that must be released once
// the conversation ends.
type SaslClientCloser interface {
	SaslClient
	Close()
}

// ConductSaslConversation drives a saslStart/saslContinue exchange against
// db (or "$external" callers pass explicitly) until the server reports the
// conversation done and client.Completed() agrees.
func ConductSaslConversation(ctx context.Context, cfg *Config, db string, client SaslClient) error {
	if db == "" {
		db = "$external"
	}
	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	mechanism, payload, err := client.Start()
	if err != nil {
		return newAuthError(mechanism, err)
	}

	cmd := bsoncore.BuildDocumentFromElements(
		bsoncore.AppendInt32Element(nil, "saslStart", 1),
		bsoncore.AppendStringElement(nil, "mechanism", mechanism),
		bsoncore.AppendBinaryElement(nil, "payload", 0x00, payload),
	)
	resp, err := runCommand(ctx, cfg.Connection, db, cmd)
	if err != nil {
		return newAuthError(mechanism, err)
	}

	conversationID, done, challenge, err := parseSaslResponse(resp)
	if err != nil {
		return newAuthError(mechanism, err)
	}

	for {
		if done && client.Completed() {
			return nil
		}

		payload, err = client.Next(challenge)
		if err != nil {
			return newAuthError(mechanism, err)
		}

		if done && client.Completed() {
			return nil
		}
		if done {
			return newAuthError(mechanism, fmt.Errorf("server finished conversation early"))
		}

		cmd = bsoncore.BuildDocumentFromElements(
			bsoncore.AppendInt32Element(nil, "saslContinue", 1),
			conversationID,
			bsoncore.AppendBinaryElement(nil, "payload", 0x00, payload),
		)
		resp, err = runCommand(ctx, cfg.Connection, db, cmd)
		if err != nil {
			return newAuthError(mechanism, err)
		}

		_, done, challenge, err = parseSaslResponse(resp)
		if err != nil {
			return newAuthError(mechanism, err)
		}
	}
}

// parseSaslResponse extracts the conversationId (pre-encoded as an element
// ready to be spliced into the next command), the done flag and the
// server's challenge payload from a saslStart/saslContinue reply.
func parseSaslResponse(resp bsoncore.Document) (conversationIDElem []byte, done bool, challenge []byte, err error) {
	cidVal, err := resp.LookupErr("conversationId")
	if err != nil {
		return nil, false, nil, fmt.Errorf("missing conversationId in sasl response: %w", err)
	}
	conversationIDElem = bsoncore.AppendValueElement(nil, "conversationId", cidVal)

	doneVal, err := resp.LookupErr("done")
	if err == nil {
		done, _ = doneVal.BooleanOK()
	}

	payloadVal, err := resp.LookupErr("payload")
	if err != nil {
		return nil, false, nil, fmt.Errorf("missing payload in sasl response: %w", err)
	}
	challenge = binaryValueBytes(payloadVal)

	return conversationIDElem, done, challenge, nil
}

func binaryValueBytes(v bsoncore.Value) []byte {
	if len(v.Data) < 5 {
		return nil
	}
	// BSON binary: int32 length, subtype byte, then length bytes of data.
	return v.Data[5:]
}

// runCommand sends a single command document over an already-established
// Connection and returns the server's reply document. Authentication runs
// before the Connection is handed to the operation executor, so it speaks
// the wire protocol directly rather than through driver.Operation.
func runCommand(ctx context.Context, conn connectionIO, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = append(dst, cmd[4:len(cmd)-1]...)
	dst = bsoncore.AppendStringElement(dst, "$db", db)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)

	wm := wiremessage.AppendOpMsg(wiremessage.NextRequestID(), 0, []wiremessage.Section{
		{Kind: 0, Documents: []bsoncore.Document{dst}},
	})
	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return nil, err
	}
	reply, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return nil, err
	}
	_, sections, err := wiremessage.DecodeOpMsg(reply)
	if err != nil {
		return nil, err
	}
	respDoc, err := wiremessage.FirstDocument(sections)
	if err != nil {
		return nil, err
	}

	if !commandSucceeded(respDoc) {
		code, _ := respDoc.Lookup("code").Int32OK()
		errmsg, _ := respDoc.Lookup("errmsg").StringValueOK()
		return nil, fmt.Errorf("command failed: (%d) %s", code, errmsg)
	}
	return respDoc, nil
}

// commandSucceeded reports whether a command reply's "ok" field is
// truthy; servers encode it as either a double or, for some legacy
// replies, an int32.
func commandSucceeded(resp bsoncore.Document) bool {
	v := resp.Lookup("ok")
	if f, ok := v.DoubleOK(); ok {
		return f != 0
	}
	if i, ok := v.Int32OK(); ok {
		return i != 0
	}
	return false
}

// connectionIO is the narrow slice of driver.Connection the SASL runner
// needs, kept separate so tests can substitute an in-memory fake without
// satisfying the full Connection interface.
type connectionIO interface {
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context) (wm []byte, err error)
}
