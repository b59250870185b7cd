// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements Server Discovery and Monitoring (C4/C5),
// Connection Monitoring and Pooling (C2/C3), and the concrete server
// selectors (C6) layered on top of the shared description types.
package topology

import (
	"context"
	"fmt"
	"sync"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/x/mongo/driver"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
)

// Topology is the single authoritative Topology Description for a
// deployment: it owns one Server per discovered address, runs the SDAM
// state machine over their heartbeat results, gossips cluster time, and
// answers SelectServer calls by blocking on a publish/subscribe watcher
// until a suitable member appears or the deadline expires.
type Topology struct {
	cfg *topologyConfig

	mu      sync.Mutex
	fsm     *fsm
	servers map[address.Address]*Server

	subMu     sync.Mutex
	subs      map[uint64]chan description.Topology
	nextSubID uint64

	clock *session.ClusterClock

	serverCfg *serverConfig

	closed  bool
	connect bool
}

// New constructs a Topology from the given options without starting any
// Server monitors; call Connect to begin SDAM.
func New(opts ...Option) (*Topology, error) {
	cfg, err := newTopologyConfig(opts...)
	if err != nil {
		return nil, err
	}
	serverCfg, err := newServerConfig(cfg.serverOpts...)
	if err != nil {
		return nil, err
	}
	t := &Topology{
		cfg:       cfg,
		fsm:       newFSM(cfg.setName),
		servers:   make(map[address.Address]*Server),
		subs:      make(map[uint64]chan description.Topology),
		clock:     &session.ClusterClock{},
		serverCfg: serverCfg,
	}
	t.fsm.LocalThreshold = cfg.localThreshold
	t.fsm.HeartbeatInterval = description.DefaultHeartbeatInterval
	if cfg.mode == SingleMode {
		t.fsm.Kind = description.Single
	}
	return t, nil
}

// Connect seeds the initial Unknown Server Descriptions for the configured
// seed list and starts a monitor for each.
func (t *Topology) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connect {
		return nil
	}
	t.connect = true

	for _, addr := range t.cfg.seedList {
		a := address.Address(addr)
		t.fsm.Servers = append(t.fsm.Servers, description.NewDefaultServer(a))
		srv := ConnectServer(a, t.serverCfg, t.applyServerUpdate)
		t.servers[a] = srv
	}
	return nil
}

// applyServerUpdate is the callback every owned Server invokes with its
// freshly observed Description; it is executed under the Topology's own
// lock so fsm state stays consistent, folds the update through the state
// machine, publishes the resulting Topology Description to subscribers,
// and returns the Server Description the caller (the Server) should store
// locally (identical to the input; the Topology never rewrites an
// individual member's own view of itself).
func (t *Topology) applyServerUpdate(desc description.Server) description.Server {
	t.mu.Lock()
	newTopo := t.fsm.apply(desc)
	if t.cfg.mode == SingleMode {
		newTopo.Kind = description.Single
	}
	if err := newTopo.CheckCompatible(); err != nil {
		newTopo.CompatibilityError = err
	} else {
		newTopo.CompatibilityError = nil
	}
	t.ensureServersFor(newTopo)
	t.mu.Unlock()

	t.publish(newTopo)
	return desc
}

// ensureServersFor starts a Server for every address the fsm's membership
// expansion added, and stops+removes any Server the fsm dropped. Must be
// called with t.mu held.
func (t *Topology) ensureServersFor(topo description.Topology) {
	wanted := make(map[address.Address]bool, len(topo.Servers))
	for _, s := range topo.Servers {
		wanted[s.Addr] = true
		if _, ok := t.servers[s.Addr]; !ok {
			t.servers[s.Addr] = ConnectServer(s.Addr, t.serverCfg, t.applyServerUpdate)
		}
	}
	for addr, srv := range t.servers {
		if !wanted[addr] {
			go srv.Disconnect(context.Background())
			delete(t.servers, addr)
		}
	}
}

func (t *Topology) publish(topo description.Topology) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, c := range t.subs {
		select {
		case <-c:
		default:
		}
		c <- topo
	}
}

// Description returns the current Topology Description.
func (t *Topology) Description() description.Topology {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fsm.Topology
}

// Kind implements driver.Deployment.
func (t *Topology) Kind() description.TopologyKind {
	return t.Description().Kind
}

// Subscribe implements driver.Subscriber.
func (t *Topology) Subscribe() (*driver.Subscription, error) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	ch := make(chan description.Topology, 1)
	ch <- t.Description()
	t.subs[id] = ch
	return &driver.Subscription{Updates: ch, ID: id}, nil
}

// Unsubscribe implements driver.Subscriber.
func (t *Topology) Unsubscribe(sub *driver.Subscription) error {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if c, ok := t.subs[sub.ID]; ok {
		close(c)
		delete(t.subs, sub.ID)
	}
	return nil
}

// RequestImmediateCheck implements driver.RequestImmediateCheckRunner: it
// asks every owned Server to heartbeat now.
func (t *Topology) RequestImmediateCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, srv := range t.servers {
		srv.RequestImmediateCheck()
	}
}

// AdvanceClusterTime gossips a cluster time observed in a server reply
// into the shared clock, from which every subsequent outgoing command
// picks up the greatest value this process has seen.
func (t *Topology) AdvanceClusterTime(clusterTime bsoncore.Document) {
	t.clock.AdvanceClusterTime(clusterTime)
}

// ClusterTime returns the greatest cluster time this process has
// observed, to attach to outgoing commands.
func (t *Topology) ClusterTime() bsoncore.Document {
	return t.clock.GetClusterTime()
}

// SelectServer implements driver.Deployment: it blocks, subscribing to
// Topology Description updates, until ServerSelector picks a candidate or
// ctx/the configured server selection timeout expires.
func (t *Topology) SelectServer(ctx context.Context, selector description.ServerSelector) (driver.Server, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && t.cfg.serverSelectionTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.serverSelectionTO)
		defer cancel()
	}

	sub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}
	defer t.Unsubscribe(sub)

	requestedCheck := false
	for {
		select {
		case topo, ok := <-sub.Updates:
			if !ok {
				return nil, fmt.Errorf("topology subscription closed")
			}
			if topo.CompatibilityError != nil {
				return nil, driver.ServerSelectionError{Wrapped: topo.CompatibilityError, Desc: topo}
			}
			candidates, err := selector.SelectServer(topo, topo.Servers)
			if err != nil {
				return nil, driver.ServerSelectionError{Wrapped: err, Desc: topo}
			}
			if len(candidates) > 0 {
				t.mu.Lock()
				live := make([]*Server, 0, len(candidates))
				for _, c := range candidates {
					if srv, ok := t.servers[c.Addr]; ok {
						live = append(live, srv)
					}
				}
				t.mu.Unlock()
				if srv := pickTwo(live); srv != nil {
					srv.IncrementOperationCount()
					return srv, nil
				}
			}
			if !requestedCheck {
				requestedCheck = true
				t.RequestImmediateCheck()
			}
		case <-ctx.Done():
			return nil, driver.ServerSelectionError{Wrapped: driver.ErrServerSelectionTimeout, Desc: t.Description()}
		}
	}
}

// Disconnect stops every owned Server and its monitor.
func (t *Topology) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	servers := make([]*Server, 0, len(t.servers))
	for _, srv := range t.servers {
		servers = append(servers, srv)
	}
	t.servers = make(map[address.Address]*Server)
	t.closed = true
	t.mu.Unlock()

	for _, srv := range servers {
		srv.Disconnect(ctx)
	}

	t.subMu.Lock()
	for id, c := range t.subs {
		close(c)
		delete(t.subs, id)
	}
	t.subMu.Unlock()
	return nil
}
