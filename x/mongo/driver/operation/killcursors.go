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

// KillCursors issues a killCursors for one or more cursor ids against a
// fixed server, grounded on the legacy driver's single-responsibility
// command/RoundTrip shape but rebuilt on the Executor.
type KillCursors struct {
	collection string
	ids        []int64
	database   string
	server     driver.Server
	session    *session.Client
}

// NewKillCursors constructs a KillCursors for the given cursor ids.
func NewKillCursors(ids ...int64) *KillCursors {
	return &KillCursors{ids: ids}
}

// Execute runs the killCursors command.
func (kc *KillCursors) Execute(ctx context.Context) error {
	if kc.server == nil {
		return errors.New("the KillCursors operation must have a Server set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:  kc.command,
		Client:     kc.session,
		Database:   kc.database,
		Deployment: fixedServerDeployment{kc.server},
		Type:       driver.Read,
		RetryMode:  driver.RetryNone,
		Name:       "killCursors",
	}.Execute(ctx)
}

func (kc *KillCursors) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "killCursors", kc.collection)
	ab := bsoncore.NewArrayBuilder()
	for _, id := range kc.ids {
		ab.AppendInt64(id)
	}
	dst = bsoncore.AppendArrayElement(dst, "cursors", ab.Build())
	return dst, nil
}

// Collection sets the collection the cursors belong to.
func (kc *KillCursors) Collection(coll string) *KillCursors { kc.collection = coll; return kc }

// Database sets the database the cursors belong to.
func (kc *KillCursors) Database(db string) *KillCursors { kc.database = db; return kc }

// Server fixes the exact server this killCursors must target.
func (kc *KillCursors) Server(s driver.Server) *KillCursors { kc.server = s; return kc }

// Session sets the session this killCursors runs on, so a load-balanced
// transaction's pinned connection (if any) is used instead of server.
func (kc *KillCursors) Session(s *session.Client) *KillCursors { kc.session = s; return kc }
