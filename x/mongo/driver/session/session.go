// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/bson/primitive"
	"go.mongocore.dev/driver/x/mongo/driver/description"
)

// PinnedConnection is the narrow surface a load-balanced transaction's
// pinned connection needs to expose: exactly the driver package's own
// Connection interface, redeclared here rather than imported from it,
// since the driver package already imports session (for Client and
// ClusterClock) and the reverse import would cycle.
type PinnedConnection interface {
	WriteWireMessage(ctx context.Context, wm []byte) error
	ReadWireMessage(ctx context.Context) (wm []byte, err error)
	Description() description.Server
	Close() error
	ID() string
	DriverConnectionID() uint64
	Address() address.Address
	Stale() bool
}

// ErrSessionEnded is returned by any operation attempted against a Client
// whose EndSession has already been called.
var ErrSessionEnded = errors.New("ended session used for command execution")

// ErrNoTransactStarted is returned when a transaction operation is
// attempted without a preceding StartTransaction.
var ErrNoTransactStarted = errors.New("no transaction started")

// ErrTransactInProgress is returned by StartTransaction when a transaction
// is already running on this session.
var ErrTransactInProgress = errors.New("transaction already in progress")

// TransactionState enumerates the states of a session's transaction state
// machine.
type TransactionState uint8

// Recognized transaction states.
const (
	None TransactionState = iota
	Starting
	InProgress
	Committed
	Aborted
)

// String implements the fmt.Stringer interface.
func (ts TransactionState) String() string {
	switch ts {
	case Starting:
		return "starting"
	case InProgress:
		return "in progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "none"
	}
}

// ServerSession is the server-visible half of a session: the id the server
// uses to associate retryable writes and transactions with this client.
type ServerSession struct {
	SessionID bsoncore.Document
	LastUsed  time.Time
	TxnNumber int64

	// Dirty marks a server session whose last command may have left it in
	// an indeterminate server-side state (e.g. a network error after send),
	// making it unsafe to recycle for another client.
	Dirty bool
}

func newServerSessionID() bsoncore.Document {
	var uuid [16]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		panic(err)
	}
	// Per RFC 4122, set bits for version 4 and the variant.
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80

	return bsoncore.BuildDocumentFromElements(bsoncore.AppendBinaryElement(nil, "id", 0x04, uuid[:]))
}

// newServerSession allocates a fresh ServerSession with a new random id.
func newServerSession() *ServerSession {
	return &ServerSession{
		SessionID: newServerSessionID(),
		LastUsed:  time.Now(),
	}
}

// Expired reports whether this server session is due for eviction given the
// server's advertised logical session timeout.
func (ss *ServerSession) Expired(timeoutMinutes int64) bool {
	if timeoutMinutes <= 0 {
		return false
	}
	// The driver treats a session as expired one minute before the server
	// would, to avoid racing the server's own reaper.
	cutoff := time.Duration(timeoutMinutes)*time.Minute - time.Minute
	return time.Since(ss.LastUsed) > cutoff
}

// Pool recycles ServerSessions within a single client, avoiding a fresh
// startSession round trip for every implicit session.
type Pool struct {
	mu      sync.Mutex
	timeout int64 // logical session timeout, minutes; 0 = unknown
	idle    []*ServerSession
}

// NewPool returns an empty session pool.
func NewPool() *Pool {
	return &Pool{}
}

// SetTimeout records the deployment's advertised logical session timeout so
// future GetSession calls can evict sessions approaching that deadline.
func (p *Pool) SetTimeout(minutes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = minutes
}

// GetSession returns a recycled ServerSession if one is available and not
// close to expiring, or a freshly minted one otherwise. Sessions are popped
// LIFO so the most recently returned (least likely to be stale) one is
// reused first.
func (p *Pool) GetSession() *ServerSession {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.idle) > 0 {
		ss := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !ss.Expired(p.timeout) {
			return ss
		}
	}
	return newServerSession()
}

// ReturnSession puts ss back in the pool unless it is dirty or already
// expired, in which case it is dropped so the server can reap it normally.
func (p *Pool) ReturnSession(ss *ServerSession) {
	if ss == nil || ss.Dirty {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ss.Expired(p.timeout) {
		return
	}
	p.idle = append(p.idle, ss)
}

// Type distinguishes a session the application created explicitly from one
// the driver creates implicitly to support retryable writes.
type Type uint8

// Recognized session types.
const (
	Implicit Type = iota
	Explicit
)

// Client is the client-side handle for one logical session: server session
// id, transaction number, cluster/operation time tracking, and (while a
// transaction is active) the transaction state machine.
type Client struct {
	*ServerSession

	SessionType Type
	Terminated  bool

	ClusterTime   bsoncore.Document
	OperationTime *primitive.Timestamp

	TxnNumber      int64
	RetryingCommit bool

	mu               sync.Mutex
	transactionState TransactionState
	pinnedServer     *description.Server
	pinnedConn       PinnedConnection
	consistent       bool

	pool *Pool
}

// NewClient starts a logical session against pool, taking a server session
// from it immediately for both implicit and explicit sessions.
func NewClient(pool *Pool, sessType Type) *Client {
	return &Client{
		ServerSession: pool.GetSession(),
		SessionType:   sessType,
		consistent:    true,
		pool:          pool,
	}
}

// EndSession releases this session's server session back to the pool and
// marks the client unusable for further commands.
func (c *Client) EndSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Terminated {
		return
	}
	c.Terminated = true
	c.releasePinnedConnLocked()
	c.pool.ReturnSession(c.ServerSession)
}

// releasePinnedConnLocked returns a load-balanced transaction's pinned
// connection to its pool, if one is set. Callers must hold c.mu.
func (c *Client) releasePinnedConnLocked() {
	if c.pinnedConn == nil {
		return
	}
	c.pinnedConn.Close()
	c.pinnedConn = nil
}

// SetPinnedConnection pins conn to this session for the remainder of a
// load-balanced transaction: every subsequent commitTransaction,
// abortTransaction, getMore and killCursors the session issues travels on
// this same connection instead of going through ordinary server selection.
func (c *Client) SetPinnedConnection(conn PinnedConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinnedConn = conn
}

// PinnedConnection returns the connection a load-balanced transaction has
// pinned, or nil if none is pinned.
func (c *Client) PinnedConnection() PinnedConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinnedConn
}

// TransactionState returns the current state of the transaction state
// machine.
func (c *Client) TransactionState() TransactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transactionState
}

// TransactionRunning reports whether a transaction is starting or in
// progress on this session.
func (c *Client) TransactionRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transactionState == Starting || c.transactionState == InProgress
}

// TransactionStarting reports whether the next command will be the first
// of a new transaction.
func (c *Client) TransactionStarting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transactionState == Starting
}

// IncrementTxnNumber returns the next transaction number for a retryable
// write issued outside of a multi-statement transaction, incrementing the
// session's counter. The Executor calls this once on the first attempt of a
// retryable write and reuses the same value verbatim on retry.
func (c *Client) IncrementTxnNumber() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TxnNumber++
	return c.TxnNumber
}

// StartTransaction advances the state machine to Starting and assigns a
// fresh transaction number.
func (c *Client) StartTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transactionState == Starting || c.transactionState == InProgress {
		return ErrTransactInProgress
	}
	c.transactionState = Starting
	c.TxnNumber++
	c.RetryingCommit = false
	return nil
}

// ApplyCommand advances Starting to InProgress once the first command of a
// transaction has actually been sent, and clears any stale server pin when
// no transaction is active.
func (c *Client) ApplyCommand(desc description.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.transactionState {
	case Starting:
		c.transactionState = InProgress
		if desc.Kind == description.Mongos {
			d := desc
			c.pinnedServer = &d
		}
	case None, Committed, Aborted:
		c.pinnedServer = nil
		c.releasePinnedConnLocked()
	}
}

// CommitTransaction advances the state machine to Committed.
func (c *Client) CommitTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transactionState == None {
		return ErrNoTransactStarted
	}
	c.transactionState = Committed
	return nil
}

// AbortTransaction advances the state machine to Aborted, discarding any
// pinned server.
func (c *Client) AbortTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transactionState == None {
		return ErrNoTransactStarted
	}
	if c.transactionState == Committed {
		return errors.New("cannot call abortTransaction after calling commitTransaction")
	}
	c.transactionState = Aborted
	c.pinnedServer = nil
	c.releasePinnedConnLocked()
	return nil
}

// ClearTransactionState resets the state machine to None, allowed after a
// transaction has committed or aborted, in preparation for a new one.
func (c *Client) ClearTransactionState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactionState = None
	c.pinnedServer = nil
	c.releasePinnedConnLocked()
}

// Consistent reports whether this session is causally consistent, meaning
// every operation run through it carries the operation time of the one
// before so the server can guarantee read-your-own-writes ordering.
func (c *Client) Consistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consistent
}

// PinnedServer returns the server description a sharded transaction is
// pinned to, if any.
func (c *Client) PinnedServer() *description.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinnedServer
}

// AdvanceClusterTime updates the session's view of the cluster time,
// rejecting the call once the session has ended.
func (c *Client) AdvanceClusterTime(clusterTime bsoncore.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Terminated {
		return ErrSessionEnded
	}
	c.ClusterTime = MaxClusterTime(c.ClusterTime, clusterTime)
	return nil
}

// AdvanceOperationTime updates the session's last-seen operationTime if t
// is newer than what it already holds.
func (c *Client) AdvanceOperationTime(t *primitive.Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Terminated {
		return ErrSessionEnded
	}
	if t == nil {
		return nil
	}
	if c.OperationTime == nil || primitive.CompareTimestamp(*t, *c.OperationTime) > 0 {
		c.OperationTime = t
	}
	return nil
}
