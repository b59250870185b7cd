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
	"time"

	"golang.org/x/sync/semaphore"

	"go.mongocore.dev/driver/address"
)

// poolState is the Connection Pool's own state machine, independent of the
// Server's connectionstate: Ready accepts checkouts, Paused fails them fast
// for every deployment type (no checkout is queued), Closed rejects
// everything permanently.
type poolState int32

// Recognized pool states.
const (
	poolPaused poolState = iota
	poolReady
	poolClosed
)

// PoolClearReason classifies why a pool was cleared, surfaced on pool
// events for observability.
type PoolClearReason int

// Recognized clear reasons.
const (
	ClearReasonError PoolClearReason = iota
	ClearReasonStale
	ClearReasonTimeout
	ClearReasonPoolClosed
)

// PoolEvent is emitted by the Pool for every significant lifecycle
// transition (checkout started/succeeded/failed, checked in, cleared,
// ready, closed), matching the Command/Pool Monitoring spec's event shape.
type PoolEvent struct {
	Type         string
	Address      address.Address
	ConnectionID string
	Reason       PoolClearReason
}

// PoolMonitorFunc receives every PoolEvent a Pool emits.
type PoolMonitorFunc func(*PoolEvent)

// ErrPoolClosed is returned by checkout after the pool has been closed.
var ErrPoolClosed = errors.New("connection pool is closed")

// ErrPoolCleared is the retryable error returned by checkout while the pool
// is Paused, for load-balanced and other deployments alike.
var ErrPoolCleared = errors.New("connection pool was cleared, it must be re-populated before it can be used")

// pooledConnection decorates a connection with the bookkeeping a Pool needs
// to decide whether it is still usable: the generation it was created
// under and the time it was last returned to the idle deque.
type pooledConnection struct {
	*connection
	pool          *pool
	generation    uint64
	serviceID     string
	readyAt       time.Time
	pinnedCursor  bool
	pinnedSession bool
}

// Stale reports whether this connection's generation has been superseded
// by a pool clear, so the Executor/Server can tell the difference between
// a genuine command error and routine pool churn.
func (pc *pooledConnection) Stale() bool {
	return pc.pool.stale(pc.serviceID, pc.generation)
}

// MarkPinnedForCursor implements driver.PinTracker: it records that a
// BatchCursor is holding this connection open across multiple getMores
// instead of checking it in after each one.
func (pc *pooledConnection) MarkPinnedForCursor() {
	pc.pinnedCursor = true
}

// MarkPinnedForSession implements driver.PinTracker: it records that a
// load-balanced transaction's session is holding this connection pinned.
func (pc *pooledConnection) MarkPinnedForSession() {
	pc.pinnedSession = true
}

// Close returns the connection to its owning pool instead of tearing down
// the network connection, unless the pool has already closed it.
func (pc *pooledConnection) Close() error {
	return pc.pool.checkin(pc)
}

type idleConn struct {
	conn    *pooledConnection
	readyAt time.Time
}

// pool implements the Connection Pool (C3): Paused/Ready/Closed state,
// bounded concurrent establishment via a weighted semaphore, idle-time
// eviction, a minPoolSize background filler, and generation-based
// invalidation on clear.
type pool struct {
	address address.Address
	cfg     *serverConfig

	mu    sync.Mutex
	state poolState

	generation    uint64
	generationsMu sync.Mutex
	serviceGen    map[string]uint64 // load-balancer per-serviceId generations

	idle []idleConn
	total uint64

	connecting      *semaphore.Weighted
	maxSize         *semaphore.Weighted
	monitor         PoolMonitorFunc

	fillerDone chan struct{}
	fillerWG   sync.WaitGroup
}

func newPool(addr address.Address, cfg *serverConfig) *pool {
	var maxSize *semaphore.Weighted
	if cfg.maxConns > 0 {
		maxSize = semaphore.NewWeighted(int64(cfg.maxConns))
	}
	maxConnecting := cfg.maxConnecting
	if maxConnecting == 0 {
		maxConnecting = 2
	}
	p := &pool{
		address:    addr,
		cfg:        cfg,
		state:      poolPaused,
		serviceGen: make(map[string]uint64),
		connecting: semaphore.NewWeighted(int64(maxConnecting)),
		maxSize:    maxSize,
		monitor:    cfg.poolMonitor,
		fillerDone: make(chan struct{}),
	}
	return p
}

func (p *pool) emit(eventType string, connID string, reason PoolClearReason) {
	if p.monitor == nil {
		return
	}
	p.monitor(&PoolEvent{Type: eventType, Address: p.address, ConnectionID: connID, Reason: reason})
}

// ready transitions Paused -> Ready and starts the minPoolSize filler.
func (p *pool) ready() {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return
	}
	already := p.state == poolReady
	p.state = poolReady
	p.mu.Unlock()
	if already {
		return
	}
	p.emit("PoolReady", "", 0)
	if p.cfg.minConns > 0 {
		p.fillerWG.Add(1)
		go p.fill()
	}
}

// clear bumps the generation (globally, or for a single serviceID under
// load-balancing) and pauses the pool, closing every currently idle
// connection from the superseded generation.
func (p *pool) clear(serviceID string, reason PoolClearReason) {
	p.generationsMu.Lock()
	if serviceID == "" {
		p.generation++
	} else {
		p.serviceGen[serviceID]++
	}
	p.generationsMu.Unlock()

	p.mu.Lock()
	if p.state != poolClosed {
		p.state = poolPaused
	}
	remaining := p.idle[:0]
	for _, ic := range p.idle {
		if p.staleLocked(ic.conn.serviceID, ic.conn.generation) {
			go ic.conn.connection.close()
			p.total--
			continue
		}
		remaining = append(remaining, ic)
	}
	p.idle = remaining
	p.mu.Unlock()

	p.emit("PoolCleared", "", reason)
}

func (p *pool) staleLocked(serviceID string, generation uint64) bool {
	p.generationsMu.Lock()
	defer p.generationsMu.Unlock()
	if serviceID == "" {
		return generation < p.generation
	}
	return generation < p.serviceGen[serviceID]
}

func (p *pool) stale(serviceID string, generation uint64) bool {
	return p.staleLocked(serviceID, generation)
}

func (p *pool) currentGeneration(serviceID string) uint64 {
	p.generationsMu.Lock()
	defer p.generationsMu.Unlock()
	if serviceID == "" {
		return p.generation
	}
	return p.serviceGen[serviceID]
}

// checkout implements the checkout contract: return a live idle connection,
// establish a new one if there is capacity, or block for capacity/an idle
// return, bounded by ctx.
func (p *pool) checkout(ctx context.Context) (*pooledConnection, error) {
	p.emit("ConnectionCheckOutStarted", "", 0)

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	switch state {
	case poolClosed:
		return nil, ErrPoolClosed
	case poolPaused:
		return nil, ErrPoolCleared
	}

	for {
		p.mu.Lock()
		for len(p.idle) > 0 {
			ic := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()

			if p.stale(ic.conn.serviceID, ic.conn.generation) {
				ic.conn.connection.close()
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.mu.Lock()
				continue
			}
			if p.cfg.maxIdleTime > 0 && time.Since(ic.readyAt) >= p.cfg.maxIdleTime {
				ic.conn.connection.close()
				p.emit("ConnectionClosed", ic.conn.connection.id, 0)
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.mu.Lock()
				continue
			}
			p.emit("ConnectionCheckedOut", ic.conn.connection.id, 0)
			return ic.conn, nil
		}
		p.mu.Unlock()

		if p.maxSize != nil {
			if !p.maxSize.TryAcquire(1) {
				if err := p.maxSize.Acquire(ctx, 1); err != nil {
					return nil, fmt.Errorf("timed out waiting for pool capacity: %w", err)
				}
			}
		}

		conn, err := p.establish(ctx, "")
		if err != nil {
			if p.maxSize != nil {
				p.maxSize.Release(1)
			}
			return nil, err
		}
		return conn, nil
	}
}

// establish dials and handshakes a brand-new pooled connection, bounded by
// maxConnecting.
func (p *pool) establish(ctx context.Context, serviceID string) (*pooledConnection, error) {
	if err := p.connecting.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.connecting.Release(1)

	ccfg, err := newConnectionConfig(p.cfg.connectionOpts...)
	if err != nil {
		return nil, err
	}
	bare := newConnection(p.address, ccfg)
	if err := bare.connect(ctx); err != nil {
		return nil, err
	}

	pc := &pooledConnection{
		connection: bare,
		pool:       p,
		generation: p.currentGeneration(serviceID),
		serviceID:  serviceID,
		readyAt:    time.Now(),
	}
	p.mu.Lock()
	p.total++
	p.mu.Unlock()
	p.emit("ConnectionCreated", bare.id, 0)
	return pc, nil
}

// checkin returns a connection to the idle deque, or discards it if the
// pool is closed, the connection has died, or it belongs to a superseded
// generation.
func (p *pool) checkin(pc *pooledConnection) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	if pc.pinnedCursor || pc.pinnedSession {
		pc.pinnedCursor = false
		pc.pinnedSession = false
		p.emit("ConnectionUnpinned", pc.connection.id, 0)
	}

	discard := state == poolClosed || !pc.connection.alive() || p.stale(pc.serviceID, pc.generation)
	if discard {
		err := pc.connection.close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		if p.maxSize != nil {
			p.maxSize.Release(1)
		}
		return err
	}

	pc.readyAt = time.Now()
	p.mu.Lock()
	p.idle = append(p.idle, idleConn{conn: pc, readyAt: pc.readyAt})
	p.mu.Unlock()
	p.emit("ConnectionCheckedIn", pc.connection.id, 0)
	if p.maxSize != nil {
		p.maxSize.Release(1)
	}
	return nil
}

// fill tops idle connections up toward minConns until stopped, honoring
// maxConnecting and stopping its current pass on the first handshake
// error (the caller is expected to have triggered a clear already).
func (p *pool) fill() {
	defer p.fillerWG.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.fillerDone:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		state := p.state
		need := int64(p.cfg.minConns) - int64(p.total)
		p.mu.Unlock()
		if state != poolReady {
			continue
		}
		for need > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			conn, err := p.establish(ctx, "")
			cancel()
			if err != nil {
				break
			}
			if checkinErr := p.checkin(conn); checkinErr != nil {
				break
			}
			need--
		}
	}
}

// close permanently closes the pool: stop the filler, close every idle
// connection, and mark the pool Closed so future checkouts fail fast.
func (p *pool) close() {
	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		return
	}
	p.state = poolClosed
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.fillerDone)
	p.fillerWG.Wait()

	for _, ic := range idle {
		ic.conn.connection.close()
	}
	p.emit("PoolClosed", "", 0)
}
