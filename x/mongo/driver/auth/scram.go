// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/xdg-go/scram"
)

// mongoPasswordDigest implements the legacy MONGODB-CR-style password
// digest (md5(username ':mongo:' password)) that SCRAM-SHA-1 still hashes
// the password through before handing it to the SCRAM mechanism, for
// compatibility with passwords stored under the pre-SCRAM scheme.
func mongoPasswordDigest(username, password string) string {
	h := md5.New()
	_, _ = h.Write([]byte(username))
	_, _ = h.Write([]byte(":mongo:"))
	_, _ = h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

func newScramSHA1Authenticator(cred *Cred) (Authenticator, error) {
	passwd := mongoPasswordDigest(cred.Username, cred.Password)
	client, err := scram.SHA1.NewClient(cred.Username, passwd, "")
	if err != nil {
		return nil, newAuthError(SCRAMSHA1, err)
	}
	return &scramAuthenticator{mechanism: SCRAMSHA1, source: cred.Source, client: client}, nil
}

func newScramSHA256Authenticator(cred *Cred) (Authenticator, error) {
	client, err := scram.SHA256.NewClient(cred.Username, cred.Password, "")
	if err != nil {
		return nil, newAuthError(SCRAMSHA256, err)
	}
	return &scramAuthenticator{mechanism: SCRAMSHA256, source: cred.Source, client: client}, nil
}

// scramAuthenticator drives a SCRAM-SHA-1/256 conversation via
// github.com/xdg-go/scram, adapting its ClientConversation (string-based
// Step/Done) to the byte-oriented SaslClient interface ConductSaslConversation
// expects.
type scramAuthenticator struct {
	mechanism string
	source    string
	client    *scram.Client
	conv      *scram.ClientConversation
}

func (a *scramAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	a.conv = a.client.NewConversation()
	source := a.source
	if source == "" {
		source = "admin"
	}
	return ConductSaslConversation(ctx, cfg, source, a)
}

func (a *scramAuthenticator) Start() (string, []byte, error) {
	resp, err := a.conv.Step("")
	if err != nil {
		return a.mechanism, nil, fmt.Errorf("scram step: %w", err)
	}
	return a.mechanism, []byte(resp), nil
}

func (a *scramAuthenticator) Next(challenge []byte) ([]byte, error) {
	resp, err := a.conv.Step(string(challenge))
	if err != nil {
		return nil, fmt.Errorf("scram step: %w", err)
	}
	return []byte(resp), nil
}

func (a *scramAuthenticator) Completed() bool {
	return a.conv.Done()
}
