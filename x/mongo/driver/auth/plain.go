// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"fmt"
)

func newPlainAuthenticator(cred *Cred) (Authenticator, error) {
	if cred.Username == "" {
		return nil, newAuthError(PLAIN, fmt.Errorf("username required for PLAIN"))
	}
	return &plainAuthenticator{source: cred.Source, username: cred.Username, password: cred.Password}, nil
}

// plainAuthenticator implements the SASL PLAIN mechanism (RFC 4616): a
// single message carrying authzid, authcid and password separated by NUL
// bytes, sent over TLS.
type plainAuthenticator struct {
	source   string
	username string
	password string
}

func (a *plainAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	source := a.source
	if source == "" {
		source = "$external"
	}
	return ConductSaslConversation(ctx, cfg, source, a)
}

func (a *plainAuthenticator) Start() (string, []byte, error) {
	payload := []byte(fmt.Sprintf("\x00%s\x00%s", a.username, a.password))
	return PLAIN, payload, nil
}

func (a *plainAuthenticator) Next(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("unexpected server challenge in PLAIN conversation")
}

func (a *plainAuthenticator) Completed() bool {
	return true
}
