// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"

	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// Hello runs the application-level "hello" (or legacy "isMaster") command
// through the ordinary Executor path, distinct from the Monitor's own
// direct handshake wire traffic: it exists for a caller that wants a
// diagnostic round trip to the server it is already connected to, not for
// topology discovery.
type Hello struct {
	appName     string
	compressors []string
	client      *session.Client
	clock       *session.ClusterClock
	database    string
	deployment  driver.Deployment
	selector    description.ServerSelector

	result bsoncore.Document
}

// NewHello constructs a Hello operation.
func NewHello() *Hello {
	return &Hello{}
}

// Result returns the raw server reply.
func (h *Hello) Result() bsoncore.Document { return h.result }

func (h *Hello) processResponse(info driver.ResponseInfo) error {
	h.result = info.ServerResponse
	return nil
}

// Execute runs the hello command.
func (h *Hello) Execute(ctx context.Context) error {
	if h.deployment == nil {
		return errors.New("the Hello operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         h.command,
		ProcessResponseFn: h.processResponse,
		Client:            h.client,
		Clock:             h.clock,
		Database:          h.database,
		Deployment:        h.deployment,
		Selector:          h.selector,
		Type:              driver.Read,
		RetryMode:         driver.RetryOnce,
		Name:              "hello",
	}.Execute(ctx)
}

func (h *Hello) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)
	if len(h.compressors) > 0 {
		ab := bsoncore.NewArrayBuilder()
		for _, c := range h.compressors {
			ab.AppendString(c)
		}
		dst = bsoncore.AppendArrayElement(dst, "compression", ab.Build())
	}
	return dst, nil
}

// AppName records an application name on the operation; the hello command
// this operation sends does not include it.
func (h *Hello) AppName(name string) *Hello {
	h.appName = name
	return h
}

// Compressors sets the wire-compression algorithms this client supports.
func (h *Hello) Compressors(c []string) *Hello {
	h.compressors = c
	return h
}

// Session sets the session for this operation.
func (h *Hello) Session(c *session.Client) *Hello {
	h.client = c
	return h
}

// ClusterClock sets the cluster clock for this operation.
func (h *Hello) ClusterClock(clock *session.ClusterClock) *Hello {
	h.clock = clock
	return h
}

// Database sets the database to run this operation against.
func (h *Hello) Database(db string) *Hello {
	h.database = db
	return h
}

// Deployment sets the deployment to use for this operation.
func (h *Hello) Deployment(d driver.Deployment) *Hello {
	h.deployment = d
	return h
}

// ServerSelector sets the selector used to retrieve a server.
func (h *Hello) ServerSelector(s description.ServerSelector) *Hello {
	h.selector = s
	return h
}
