// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/primitive"
	"go.mongocore.dev/driver/internal/csot"
	"go.mongocore.dev/driver/x/mongo/driver"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// updateTopologyCallback lets a Server's description updates flow into the
// owning Topology without an import cycle: the Topology hands the Server
// this callback at construction time, and the Server invokes it with every
// freshly observed description, receiving back the description that
// should actually be stored locally (the Topology may, e.g., demote a
// stale primary before handing it back).
type updateTopologyCallback func(description.Server) description.Server

// Server owns one deployment member: its Monitor (independent heartbeat
// loop) and its connection Pool, and serves as the driver.Server /
// driver.ErrorProcessor the Executor selects and reports back to.
type Server struct {
	addr address.Address
	cfg  *serverConfig

	pool    *pool
	monitor *monitor

	updateCallback atomic.Value // updateTopologyCallback

	descMu sync.RWMutex
	desc   description.Server

	subMu       sync.Mutex
	subscribers map[uint64]chan description.Server
	nextSubID   uint64
	closed      bool

	operationCount int64
}

// ConnectServer constructs, starts, and returns a new Server: the pool
// begins Paused, the monitor's heartbeat loop starts immediately, and the
// pool transitions to Ready on the first successful heartbeat.
func ConnectServer(addr address.Address, cfg *serverConfig, updateCallback updateTopologyCallback) *Server {
	s := &Server{
		addr:        addr,
		cfg:         cfg,
		pool:        newPool(addr, cfg),
		subscribers: make(map[uint64]chan description.Server),
		desc:        description.NewDefaultServer(addr),
	}
	if updateCallback != nil {
		s.updateCallback.Store(updateCallback)
	}
	s.monitor = newMonitor(addr, cfg, s.publish)
	s.monitor.start()
	return s
}

// Description returns the most recently observed Server Description.
func (s *Server) Description() description.Server {
	s.descMu.RLock()
	defer s.descMu.RUnlock()
	return s.desc
}

// RTTMonitor exposes this server's round-trip-time statistics, gathered by
// its independent heartbeat loop rather than from application traffic.
func (s *Server) RTTMonitor() csot.RTTMonitor { return s.monitor.RTTMonitor() }

// publish is invoked by the Monitor with every new heartbeat result. It
// routes the description through the Topology callback, stores the
// result, transitions the pool, and fans the description out to
// subscribers.
func (s *Server) publish(desc description.Server) {
	if cb, ok := s.updateCallback.Load().(updateTopologyCallback); ok && cb != nil {
		desc = cb(desc)
	}

	s.descMu.Lock()
	s.desc = desc
	s.descMu.Unlock()

	if desc.LastError != nil {
		s.pool.clear("", ClearReasonError)
	} else {
		s.pool.ready()
	}

	s.subMu.Lock()
	for _, c := range s.subscribers {
		select {
		case <-c:
		default:
		}
		c <- desc
	}
	s.subMu.Unlock()
}

// RequestImmediateCheck implements driver.RequestImmediateCheckRunner,
// asking the Monitor to heartbeat now instead of waiting for its next
// tick.
func (s *Server) RequestImmediateCheck() {
	s.monitor.requestImmediateCheck()
}

// Connection implements driver.Server: it checks an application
// connection out of the pool, dialing and handshaking a new one if
// necessary.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	pc, err := s.pool.checkout(ctx)
	if err != nil {
		return nil, driver.ConnectionError{Address: s.addr, Wrapped: err}
	}
	return pc, nil
}

// PinConnection implements driver.ConnectionPinner: it checks a connection
// out of the pool on behalf of owner's load-balanced transaction and tags
// it as held by that session rather than by a single in-flight command, so
// a later checkin can tell the difference.
func (s *Server) PinConnection(ctx context.Context, owner *session.Client) (driver.Connection, error) {
	pc, err := s.pool.checkout(ctx)
	if err != nil {
		return nil, driver.ConnectionError{Address: s.addr, Wrapped: err}
	}
	pc.MarkPinnedForSession()
	return &pinnedConnection{pooledConnection: pc, owner: owner}, nil
}

// IncrementOperationCount records that an operation has been handed this
// server to run against, for power-of-two-choices selection's load signal.
func (s *Server) IncrementOperationCount() {
	atomic.AddInt64(&s.operationCount, 1)
}

// DecrementOperationCount implements driver.OperationCounter: it is called
// once the operation that selected this server has finished with it
// (success, failure, or moving to a retry attempt against another server).
func (s *Server) DecrementOperationCount() {
	atomic.AddInt64(&s.operationCount, -1)
}

// OperationCount returns the number of in-flight operations currently
// running against this server.
func (s *Server) OperationCount() int64 {
	return atomic.LoadInt64(&s.operationCount)
}

// ProcessError implements driver.ErrorProcessor: it classifies an in-band
// command or network error, clears the pool when the failure indicates
// the server state changed out from under an existing connection, and
// returns the resulting Server Description for the Topology to apply.
func (s *Server) ProcessError(err error, conn driver.Connection) description.Server {
	cur := s.Description()

	var connErr driver.ConnectionError
	if errors.As(err, &connErr) {
		desc := description.NewServerFromError(s.addr, err, cur.TopologyVersion)
		s.publish(desc)
		return desc
	}

	var de driver.Error
	if !errors.As(err, &de) {
		return cur
	}

	if de.NodeIsShuttingDown() {
		desc := description.NewServerFromError(s.addr, err, de.TopologyVersion)
		s.publish(desc)
		return desc
	}

	if de.NodeIsRecovering() || de.NotPrimary() {
		if description.CompareTopologyVersion(cur.TopologyVersion, de.TopologyVersion) >= 0 {
			return cur
		}
		desc := description.NewServerFromError(s.addr, err, de.TopologyVersion)
		s.publish(desc)
		if conn != nil && (cur.WireVersion == nil || cur.WireVersion.Max < 8) {
			s.pool.clear(serviceIDString(cur.ServiceID), ClearReasonError)
		}
		return desc
	}

	return cur
}

// ProcessHandshakeError classifies a failure observed while establishing
// or authenticating a brand-new connection, before any Server Description
// existed for it to compare a topologyVersion against.
func (s *Server) ProcessHandshakeError(err error) {
	desc := description.NewServerFromError(s.addr, err, nil)
	s.publish(desc)
}

func serviceIDString(id *primitive.ObjectID) string {
	if id == nil {
		return ""
	}
	return id.Hex()
}

// Subscribe implements driver.Subscriber-like semantics at the per-server
// level: Topology aggregates these to rebuild its own subscription set.
func (s *Server) Subscribe() (<-chan description.Server, func(), error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil, nil, fmt.Errorf("server %s is disconnected", s.addr)
	}
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan description.Server, 1)
	ch <- s.Description()
	s.subscribers[id] = ch
	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
	return ch, unsubscribe, nil
}

// Disconnect stops the Monitor and closes the Pool, releasing every
// resource the Server owns.
func (s *Server) Disconnect(ctx context.Context) error {
	s.monitor.stop()
	s.pool.close()

	s.subMu.Lock()
	for id, c := range s.subscribers {
		close(c)
		delete(s.subscribers, id)
	}
	s.closed = true
	s.subMu.Unlock()
	return nil
}

// String implements fmt.Stringer for diagnostic logging.
func (s *Server) String() string {
	desc := s.Description()
	return fmt.Sprintf("Addr: %s, Type: %s, Avg RTT: %s", s.addr, desc.Kind, desc.AverageRTT)
}
