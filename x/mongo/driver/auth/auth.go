// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth conducts the SASL/command handshake a Connection runs once,
// during establishment, to authenticate against a deployment.
package auth

import (
	"context"
	"fmt"

	"go.mongocore.dev/driver/x/mongo/driver"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// Mechanism names recognized by CreateAuthenticator.
const (
	SCRAMSHA1   = "SCRAM-SHA-1"
	SCRAMSHA256 = "SCRAM-SHA-256"
	MongoDBX509 = "MONGODB-X509"
	MongoDBAWS  = "MONGODB-AWS"
	PLAIN       = "PLAIN"
)

// Cred holds the credentials and mechanism properties needed to construct
// an Authenticator.
type Cred struct {
	Source      string
	Username    string
	Password    string
	PasswordSet bool
	Props       map[string]string
}

// Config carries what an Authenticator needs to run its handshake over an
// already-connected, not-yet-authenticated Connection.
type Config struct {
	Connection  driver.Connection
	ClusterTime *session.ClusterClock
}

// Authenticator authenticates a Connection against a deployment.
type Authenticator interface {
	// Auth authenticates the connection.
	Auth(ctx context.Context, cfg *Config) error
}

// Error wraps an authentication failure with the mechanism that produced
// it.
type Error struct {
	Mechanism string
	Wrapped   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Mechanism == "" {
		return fmt.Sprintf("auth error: %s", e.Wrapped)
	}
	return fmt.Sprintf("auth error (%s): %s", e.Mechanism, e.Wrapped)
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e *Error) Unwrap() error { return e.Wrapped }

func newAuthError(mechanism string, err error) error {
	return &Error{Mechanism: mechanism, Wrapped: err}
}

// CreateAuthenticator constructs the Authenticator for the named mechanism.
func CreateAuthenticator(mechanism string, cred *Cred) (Authenticator, error) {
	switch mechanism {
	case SCRAMSHA1:
		return newScramSHA1Authenticator(cred)
	case SCRAMSHA256:
		return newScramSHA256Authenticator(cred)
	case MongoDBX509:
		return newMongoDBX509Authenticator(cred)
	case MongoDBAWS:
		return newMongoDBAWSAuthenticator(cred)
	case PLAIN:
		return newPlainAuthenticator(cred)
	case "":
		return newScramSHA256Authenticator(cred)
	default:
		return nil, newAuthError(mechanism, fmt.Errorf("unsupported mechanism"))
	}
}
