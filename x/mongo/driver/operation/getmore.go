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

// GetMore issues a getMore directly against a fixed server, for a caller
// that already holds a cursor id and owning server and does not want the
// pooled iteration driver.BatchCursor provides.
type GetMore struct {
	id         int64
	collection string
	batchSize  *int32
	maxTimeMS  *int64

	session    *session.Client
	clock      *session.ClusterClock
	database   string
	server     driver.Server

	result driver.CursorResponse
}

// NewGetMore constructs a GetMore for cursor id.
func NewGetMore(id int64) *GetMore {
	return &GetMore{id: id}
}

// Result returns the parsed cursor response.
func (gm *GetMore) Result() driver.CursorResponse { return gm.result }

func (gm *GetMore) processResponse(info driver.ResponseInfo) error {
	var err error
	gm.result, err = driver.NewCursorResponse(info.ServerResponse, info.Server, info.Connection)
	return err
}

// Execute runs the getMore command against the fixed server set via Server.
func (gm *GetMore) Execute(ctx context.Context) error {
	if gm.server == nil {
		return errors.New("the GetMore operation must have a Server set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         gm.command,
		ProcessResponseFn: gm.processResponse,
		Client:            gm.session,
		Clock:             gm.clock,
		Database:          gm.database,
		Deployment:        fixedServerDeployment{gm.server},
		Type:              driver.Read,
		RetryMode:         driver.RetryNone,
		Name:              "getMore",
	}.Execute(ctx)
}

func (gm *GetMore) command(dst []byte, _ description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt64Element(dst, "getMore", gm.id)
	dst = bsoncore.AppendStringElement(dst, "collection", gm.collection)
	if gm.batchSize != nil {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", *gm.batchSize)
	}
	if gm.maxTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", *gm.maxTimeMS)
	}
	return dst, nil
}

// Collection sets the collection the cursor belongs to.
func (gm *GetMore) Collection(coll string) *GetMore { gm.collection = coll; return gm }

// BatchSize sets the batchSize for this getMore.
func (gm *GetMore) BatchSize(size int32) *GetMore { gm.batchSize = &size; return gm }

// MaxTimeMS bounds how long the server may block for a tailable/awaitData
// batch before returning an empty one.
func (gm *GetMore) MaxTimeMS(ms int64) *GetMore { gm.maxTimeMS = &ms; return gm }

// Session sets the session for this operation.
func (gm *GetMore) Session(s *session.Client) *GetMore { gm.session = s; return gm }

// ClusterClock sets the cluster clock for this operation.
func (gm *GetMore) ClusterClock(clock *session.ClusterClock) *GetMore { gm.clock = clock; return gm }

// Database sets the database the cursor belongs to.
func (gm *GetMore) Database(db string) *GetMore { gm.database = db; return gm }

// Server fixes the exact server this getMore must target.
func (gm *GetMore) Server(s driver.Server) *GetMore { gm.server = s; return gm }

// fixedServerDeployment always selects the same already-selected Server,
// bypassing the ordinary Selector entirely.
type fixedServerDeployment struct {
	server driver.Server
}

func (d fixedServerDeployment) SelectServer(context.Context, description.ServerSelector) (driver.Server, error) {
	return d.server, nil
}

func (d fixedServerDeployment) Kind() description.TopologyKind { return description.Single }
