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
)

func newMongoDBX509Authenticator(cred *Cred) (Authenticator, error) {
	return &mongodbX509Authenticator{username: cred.Username}, nil
}

// mongodbX509Authenticator authenticates using the username presented in
// the client's TLS certificate; the server verifies the certificate itself
// over the connection's TLS handshake, so this mechanism only needs to run
// a single authenticate command, not a full SASL conversation.
type mongodbX509Authenticator struct {
	username string
}

func (a *mongodbX509Authenticator) Auth(ctx context.Context, cfg *Config) error {
	elems := []byte(nil)
	elems = bsoncore.AppendInt32Element(elems, "authenticate", 1)
	elems = bsoncore.AppendStringElement(elems, "mechanism", MongoDBX509)
	if a.username != "" {
		elems = bsoncore.AppendStringElement(elems, "user", a.username)
	}
	cmd := bsoncore.BuildDocumentFromElements(elems)

	resp, err := runCommand(ctx, cfg.Connection, "$external", cmd)
	if err != nil {
		return newAuthError(MongoDBX509, err)
	}
	if resp == nil {
		return newAuthError(MongoDBX509, fmt.Errorf("empty authenticate response"))
	}
	return nil
}
