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

// RunCommand sends an arbitrary database-level command document verbatim.
// No read concern, write concern, or other inspection is applied to it; a
// caller wanting those must put them in command itself.
type RunCommand struct {
	command        bsoncore.Document
	readPreference description.ServerSelector

	session    *session.Client
	clock      *session.ClusterClock
	database   string
	deployment driver.Deployment

	result bsoncore.Document
}

// NewRunCommand constructs a RunCommand for the given raw command document.
func NewRunCommand(command bsoncore.Document) *RunCommand {
	return &RunCommand{command: command}
}

// Result returns the raw server response.
func (rc *RunCommand) Result() bsoncore.Document { return rc.result }

func (rc *RunCommand) processResponse(info driver.ResponseInfo) error {
	rc.result = info.ServerResponse
	return nil
}

// Execute runs the command. A RunCommand is never retried: the driver has no
// way to know whether an arbitrary command is idempotent.
func (rc *RunCommand) Execute(ctx context.Context) error {
	if rc.deployment == nil {
		return errors.New("the RunCommand operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         rc.buildCommand,
		ProcessResponseFn: rc.processResponse,
		Client:            rc.session,
		Clock:             rc.clock,
		Database:          rc.database,
		Deployment:        rc.deployment,
		Selector:          rc.readPreference,
		Type:              driver.Read,
		RetryMode:         driver.RetryNone,
		Name:              "runCommand",
	}.Execute(ctx)
}

func (rc *RunCommand) buildCommand(dst []byte, _ description.SelectedServer) ([]byte, error) {
	if rc.command == nil {
		return dst, nil
	}
	// Strip the command document's own leading/trailing length and null
	// terminator so its elements merge into the outer command body built by
	// Operation.createWireMessage, which owns $db/lsid/txnNumber placement.
	elems, err := rc.command.Elements()
	if err != nil {
		return nil, err
	}
	for _, e := range elems {
		dst = append(dst, e...)
	}
	return dst, nil
}

// ReadPreference sets the selector used to retrieve a server.
func (rc *RunCommand) ReadPreference(s description.ServerSelector) *RunCommand {
	rc.readPreference = s
	return rc
}

// Session sets the session for this operation.
func (rc *RunCommand) Session(s *session.Client) *RunCommand { rc.session = s; return rc }

// ClusterClock sets the cluster clock for this operation.
func (rc *RunCommand) ClusterClock(clock *session.ClusterClock) *RunCommand { rc.clock = clock; return rc }

// Database sets the database to run this command against.
func (rc *RunCommand) Database(db string) *RunCommand { rc.database = db; return rc }

// Deployment sets the deployment to use for this operation.
func (rc *RunCommand) Deployment(d driver.Deployment) *RunCommand { rc.deployment = d; return rc }
