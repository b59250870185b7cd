// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/bson/bsoncore"
	"go.mongocore.dev/driver/bson/primitive"
	"go.mongocore.dev/driver/internal/logger"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
	"go.mongocore.dev/driver/x/mongo/driver/wiremessage"
)

// CommandFn appends the command-specific fields (everything except $db,
// lsid, txnNumber and $clusterTime, which Operation.Execute adds uniformly)
// to dst, given the server the command is about to be sent to.
type CommandFn func(dst []byte, desc description.SelectedServer) ([]byte, error)

// Operation runs one command end-to-end: server selection, session and
// cluster-time plumbing, wire serialization, send/receive, error
// classification and the one-shot retry loop described by the Executor.
type Operation struct {
	CommandFn         CommandFn
	ProcessResponseFn func(ResponseInfo) error

	Database   string
	Deployment Deployment
	Selector   description.ServerSelector

	Type      Type
	RetryMode RetryMode

	// Unacknowledged marks a write issued with an unacknowledged write
	// concern: it MUST NOT carry a session and is never retried, since the
	// driver never sees a reply to classify.
	Unacknowledged bool

	Client  *session.Client
	Clock   *session.ClusterClock
	Batches *Batches

	// Name is the command's field name (e.g. "find", "insert"), used only
	// for log messages and error context.
	Name string

	Logger *logger.Logger
}

// ResponseInfo is redeclared here only in documentation; its definition
// lives in types.go alongside the other shared interfaces.

// Execute runs the operation, retrying at most once as retryEligible and
// isRetryableError allow, and returns the terminal error (if any).
func (op Operation) Execute(ctx context.Context) error {
	if op.Deployment == nil {
		return errors.New("an Operation must have a Deployment set before Execute can be called")
	}

	var deprioritized []address.Address
	var txnNumber int64
	haveTxnNumber := false
	attempt := 0

	for {
		server, err := op.selectServer(ctx, deprioritized)
		if err != nil {
			return err
		}

		conn, err := op.obtainConnection(ctx, server)
		if err != nil {
			op.decrementOperationCount(server)
			return err
		}

		desc := description.SelectedServer{Server: conn.Description(), Kind: op.Deployment.Kind()}
		retrying := attempt == 0 && op.retryEligible(desc)

		if op.Client != nil && !haveTxnNumber {
			switch {
			case op.Client.TransactionRunning():
				txnNumber = op.Client.TxnNumber
				haveTxnNumber = true
			case retrying && op.Type == Write:
				txnNumber = op.Client.IncrementTxnNumber()
				haveTxnNumber = true
			}
		}

		if op.Batches != nil {
			if berr := op.Batches.AdvanceBatch(maxBatchCount(desc), maxBatchBytes(desc)); berr != nil {
				conn.Close()
				op.decrementOperationCount(server)
				return berr
			}
		}

		wm, err := op.createWireMessage(desc, conn, txnNumber, haveTxnNumber)
		if err != nil {
			conn.Close()
			op.decrementOperationCount(server)
			return err
		}

		op.logStarted(conn, wm)

		var reply bsoncore.Document
		sendErr := conn.WriteWireMessage(ctx, wm)
		if sendErr == nil && op.Unacknowledged {
			// moreToCome was set: the server sends no reply to wait for.
			conn.Close()
			op.decrementOperationCount(server)
			return nil
		}
		if sendErr == nil {
			var raw []byte
			raw, sendErr = conn.ReadWireMessage(ctx)
			if sendErr == nil {
				reply, sendErr = op.decodeReply(raw)
			}
		}

		var cmdErr error
		if sendErr != nil {
			cmdErr = sendErr
		} else if !commandOK(reply) {
			cmdErr = op.decodeCommandError(reply)
		}

		if cmdErr != nil {
			op.logFailed(conn, cmdErr)
			op.markDirtyOnTransactionError(cmdErr)
			op.processError(cmdErr, conn, server)
			conn.Close()
			op.decrementOperationCount(server)

			if retrying && op.isRetryableError(cmdErr, desc) {
				attempt = 1
				deprioritized = op.deprioritizeAddress(desc)
				continue
			}
			return cmdErr
		}

		op.gossip(reply)
		op.logSucceeded(conn)

		if op.Batches != nil {
			op.Batches.AdvanceOffset()
		}

		if op.ProcessResponseFn == nil {
			conn.Close()
			op.decrementOperationCount(server)
			return nil
		}
		respErr := op.ProcessResponseFn(ResponseInfo{ServerResponse: reply, Server: server, Connection: conn})
		conn.Close()
		op.decrementOperationCount(server)
		return respErr
	}
}

// selectServer asks the Deployment for a server, excluding deprioritized
// candidates from a retry attempt unless doing so would leave nothing to
// select from.
func (op Operation) selectServer(ctx context.Context, deprioritized []address.Address) (Server, error) {
	if op.Client != nil {
		if pinned := op.Client.PinnedConnection(); pinned != nil {
			return pinnedConnServer{conn: pinned}, nil
		}
	}

	selector := op.Selector
	if selector == nil {
		selector = description.ServerSelectorFunc(
			func(_ description.Topology, candidates []description.Server) ([]description.Server, error) {
				return candidates, nil
			})
	}
	if len(deprioritized) > 0 {
		selector = deprioritizingSelector{wrapped: selector, deprioritized: deprioritized}
	}
	return op.Deployment.SelectServer(ctx, selector)
}

// deprioritizeAddress returns the address to exclude from the retry
// attempt's selection, which per the Executor's idempotence rules is only
// the failed server itself, and only when the deployment is sharded (a
// replica set retry is expected to land on the same member set regardless).
func (op Operation) deprioritizeAddress(desc description.SelectedServer) []address.Address {
	if desc.Kind != description.Sharded {
		return nil
	}
	return []address.Address{desc.Addr}
}

type deprioritizingSelector struct {
	wrapped       description.ServerSelector
	deprioritized []address.Address
}

func (s deprioritizingSelector) SelectServer(topo description.Topology, candidates []description.Server) ([]description.Server, error) {
	selected, err := s.wrapped.SelectServer(topo, candidates)
	if err != nil || len(selected) == 0 {
		return selected, err
	}
	filtered := make([]description.Server, 0, len(selected))
	for _, c := range selected {
		if !addressIn(s.deprioritized, c.Addr) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		// No other candidate exists; reselecting the failed server is the
		// only option left.
		return selected, nil
	}
	return filtered, nil
}

// pinnedConnServer adapts a session's already-pinned connection into a
// Server, so a load-balanced transaction's second and later commands reuse
// it directly instead of asking the Deployment to select a server at all.
type pinnedConnServer struct {
	conn session.PinnedConnection
}

func (s pinnedConnServer) Connection(context.Context) (Connection, error) {
	return nonClosingConnection{s.conn}, nil
}

// obtainConnection checks a connection out of server, pinning it to the
// operation's session the moment a load-balanced transaction's first
// command needs one. Every later command on that session never reaches
// here at all: selectServer already returned a pinnedConnServer wrapping
// the existing pin.
func (op Operation) obtainConnection(ctx context.Context, server Server) (Connection, error) {
	if op.Client != nil && op.Deployment.Kind() == description.LoadBalanced &&
		op.Client.PinnedConnection() == nil && op.Client.TransactionState() == session.Starting {
		if pinner, ok := server.(ConnectionPinner); ok {
			conn, err := pinner.PinConnection(ctx, op.Client)
			if err != nil {
				return nil, err
			}
			op.Client.SetPinnedConnection(conn)
			return nonClosingConnection{conn}, nil
		}
	}
	return server.Connection(ctx)
}

func addressIn(addrs []address.Address, addr address.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// retryEligible reports whether a first attempt against desc may be
// retried once if it fails, per the idempotence rules: writes require an
// acknowledged, non-multi-document, session-bound operation against a
// server that advertises retryable write support; reads require only that
// no transaction is in progress.
func (op Operation) retryEligible(desc description.SelectedServer) bool {
	if !op.RetryMode.Enabled() {
		return false
	}
	// commitTransaction/abortTransaction are themselves transaction-management
	// commands, not statements running inside one, and per the transactions
	// spec always get their own retry-once regardless of transaction state.
	if op.Client != nil && op.Client.TransactionRunning() && op.Name != "commitTransaction" && op.Name != "abortTransaction" {
		return false
	}
	switch op.Type {
	case Read:
		return true
	case Write:
		if op.Unacknowledged || op.Client == nil {
			return false
		}
		if op.Batches != nil && op.Batches.RetryNotSupported {
			return false
		}
		return retryableWritesSupported(desc.Server)
	default:
		return false
	}
}

func retryableWritesSupported(desc description.Server) bool {
	if desc.Kind == description.Standalone {
		return false
	}
	if desc.WireVersion == nil || desc.WireVersion.Max < 6 {
		return false
	}
	return desc.SessionTimeoutMinutes != nil
}

// isRetryableError reports whether cmdErr warrants the Executor's one-shot
// retry, delegating to Error.Retryable for the wire-version-aware code
// table and label check, and treating any bare transport error (one that
// never became a driver.Error) as retryable network failure.
func (op Operation) isRetryableError(cmdErr error, desc description.SelectedServer) bool {
	var de Error
	if errors.As(cmdErr, &de) {
		return de.Retryable(desc.WireVersion)
	}
	return true
}

// markDirtyOnTransactionError marks the session dirty when a network error
// occurs inside a transaction, per the Session Registry's dirty-bit
// invariant: a session left in an indeterminate server-side state is never
// recycled.
func (op Operation) markDirtyOnTransactionError(cmdErr error) {
	if op.Client == nil || !op.Client.TransactionRunning() {
		return
	}
	var de Error
	if errors.As(cmdErr, &de) && !de.NetworkError() {
		return
	}
	op.Client.ServerSession.Dirty = true
}

// processError feeds the observed error back into the Topology via the
// Server's ErrorProcessor, if it implements one, so SDAM can react to an
// in-band command error rather than waiting for the next heartbeat.
func (op Operation) processError(cmdErr error, conn Connection, server Server) {
	if ep, ok := server.(ErrorProcessor); ok {
		ep.ProcessError(cmdErr, conn)
	}
}

// decrementOperationCount releases the load-signal increment the Deployment
// made when it selected server, if server tracks one.
func (op Operation) decrementOperationCount(server Server) {
	if oc, ok := server.(OperationCounter); ok {
		oc.DecrementOperationCount()
	}
}

// createWireMessage builds the full OP_MSG for this attempt: the
// command-specific body from CommandFn, database, session/txnNumber,
// cluster time, and (for a bulk-style operation) the current batch as a
// document-sequence section.
func (op Operation) createWireMessage(desc description.SelectedServer, conn Connection, txnNumber int64, includeTxnNumber bool) ([]byte, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)

	var err error
	dst, err = op.CommandFn(dst, desc)
	if err != nil {
		return nil, err
	}

	dst = bsoncore.AppendStringElement(dst, "$db", op.Database)

	if op.Client != nil && !op.Unacknowledged {
		dst = bsoncore.AppendDocumentElement(dst, "lsid", sessionIDDoc(op.Client))
		if includeTxnNumber {
			dst = bsoncore.AppendInt64Element(dst, "txnNumber", txnNumber)
		}
		if op.Client.TransactionRunning() {
			dst = bsoncore.AppendBooleanElement(dst, "autocommit", false)
			if op.Client.TransactionStarting() {
				dst = bsoncore.AppendBooleanElement(dst, "startTransaction", true)
			}
		}
	}

	if ct := op.clusterTime(); len(ct) > 0 {
		dst = bsoncore.AppendDocumentElement(dst, "$clusterTime", ct)
	}

	dst, err = bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, err
	}

	sections := []wiremessage.Section{{Kind: 0, Documents: []bsoncore.Document{bsoncore.Document(dst)}}}
	if op.Batches != nil && len(op.Batches.current) > 0 {
		sections = append(sections, wiremessage.Section{
			Kind:       1,
			Identifier: op.Batches.Identifier,
			Documents:  op.Batches.current,
		})
	}

	var flags wiremessage.MsgFlag
	if op.Unacknowledged {
		flags |= wiremessage.MoreToCome
	}
	return wiremessage.AppendOpMsg(wiremessage.NextRequestID(), flags, sections), nil
}

func sessionIDDoc(c *session.Client) bsoncore.Document {
	return c.SessionID
}

// clusterTime returns the greatest of the Operation's own clock, its
// session's clock, and nothing at all, since any of the three may be
// absent (an operation run with no explicit session still gossips through
// the client-wide Clock).
func (op Operation) clusterTime() bsoncore.Document {
	var ct bsoncore.Document
	if op.Clock != nil {
		ct = op.Clock.GetClusterTime()
	}
	if op.Client != nil {
		ct = session.MaxClusterTime(ct, op.Client.ClusterTime)
	}
	return ct
}

// gossip advances the Operation's cluster clock and, for a session-bound
// operation, the session's cluster time and operationTime, from the
// gossiped fields of a successful reply.
func (op Operation) gossip(reply bsoncore.Document) {
	if v, err := reply.LookupErr("$clusterTime"); err == nil {
		ct := v.Document()
		if op.Clock != nil {
			op.Clock.AdvanceClusterTime(ct)
		}
		if op.Client != nil {
			op.Client.AdvanceClusterTime(ct)
		}
	}
	if op.Client == nil {
		return
	}
	if v, err := reply.LookupErr("operationTime"); err == nil {
		if t, i, ok := v.TimestampOK(); ok {
			ts := primitive.Timestamp{T: t, I: i}
			op.Client.AdvanceOperationTime(&ts)
		}
	}
	op.Client.ApplyCommand(description.Server{Kind: serverKindHint(op.Deployment.Kind())})
}

// serverKindHint maps a TopologyKind to the ServerKind ApplyCommand checks
// for sharded-transaction mongos pinning; only Sharded maps to Mongos,
// every other kind maps to Unknown (ApplyCommand only special-cases
// Mongos).
func serverKindHint(k description.TopologyKind) description.ServerKind {
	if k == description.Sharded {
		return description.Mongos
	}
	return description.Unknown
}

func commandOK(doc bsoncore.Document) bool {
	v := doc.Lookup("ok")
	if f, ok := v.DoubleOK(); ok {
		return f != 0
	}
	if i, ok := v.AsInt64OK(); ok {
		return i != 0
	}
	return false
}

// decodeReply strips the wire-message envelope from a server reply, the
// counterpart to createWireMessage's framing.
func (op Operation) decodeReply(wm []byte) (bsoncore.Document, error) {
	_, sections, err := wiremessage.DecodeOpMsg(wm)
	if err != nil {
		return nil, err
	}
	return wiremessage.FirstDocument(sections)
}

// decodeCommandError builds the driver.Error for a {ok:0} reply, applying
// the legacy not-primary code table via Error.Retryable's wire-version
// check later in the Executor loop; labels attached by the server are kept
// as-is, and an old server's un-labelled "not primary" code is recognized
// by code alone.
func (op Operation) decodeCommandError(doc bsoncore.Document) error {
	e := Error{}
	if v, err := doc.LookupErr("code"); err == nil {
		if n, ok := v.AsInt64OK(); ok {
			e.Code = int32(n)
		}
	}
	if v, err := doc.LookupErr("codeName"); err == nil {
		e.Name, _ = v.StringValueOK()
	}
	if v, err := doc.LookupErr("errmsg"); err == nil {
		e.Message, _ = v.StringValueOK()
	}
	if v, err := doc.LookupErr("errorLabels"); err == nil {
		if values, err := v.Array().Values(); err == nil {
			for _, lv := range values {
				if s, ok := lv.StringValueOK(); ok {
					e.Labels = append(e.Labels, s)
				}
			}
		}
	}
	if v, err := doc.LookupErr("topologyVersion"); err == nil {
		tvDoc := v.Document()
		tv := &description.TopologyVersion{}
		if pidVal, err := tvDoc.LookupErr("processId"); err == nil {
			tv.ProcessID, _ = pidVal.ObjectIDOK()
		}
		if cVal, err := tvDoc.LookupErr("counter"); err == nil {
			tv.Counter, _ = cVal.AsInt64OK()
		}
		e.TopologyVersion = tv
	}
	return e
}

func maxBatchCount(desc description.SelectedServer) int {
	if desc.MaxWriteBatchSize == 0 {
		return 100000
	}
	return int(desc.MaxWriteBatchSize)
}

func maxBatchBytes(desc description.SelectedServer) int {
	if desc.MaxMessageSize == 0 {
		return 48000000
	}
	const commandOverhead = 16000
	return int(desc.MaxMessageSize) - commandOverhead
}

func (op Operation) logStarted(conn Connection, wm []byte) {
	if op.Logger == nil || !op.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		return
	}
	op.Logger.Print(logger.LevelDebug, commandMessage{
		name: op.Name, addr: conn.Address().String(), text: "command started",
	})
}

func (op Operation) logSucceeded(conn Connection) {
	if op.Logger == nil || !op.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		return
	}
	op.Logger.Print(logger.LevelDebug, commandMessage{
		name: op.Name, addr: conn.Address().String(), text: "command succeeded",
	})
}

func (op Operation) logFailed(conn Connection, err error) {
	if op.Logger == nil || !op.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		return
	}
	op.Logger.Print(logger.LevelDebug, commandMessage{
		name: op.Name, addr: conn.Address().String(), text: "command failed", err: err,
	})
}

// commandMessage implements logger.Message for the three command log
// points the Executor emits.
type commandMessage struct {
	name, addr, text string
	err              error
}

func (m commandMessage) Component() logger.Component { return logger.ComponentCommand }
func (m commandMessage) Message() string             { return m.text }
func (m commandMessage) Keys() []interface{} {
	keys := []interface{}{"commandName", m.name, "serverHost", m.addr}
	if m.err != nil {
		keys = append(keys, "failure", m.err.Error())
	}
	return keys
}

// Batches splits a bulk write's model documents into one or more OP_MSG
// document-sequence sections, respecting both the server's write-batch-count
// limit and its message-size limit. A bulk write with more documents than
// fit in one batch runs one Operation.Execute per batch; Ordered stops the
// caller's loop on the first batch that returns a write error, Unordered
// continues on to the remaining batches.
type Batches struct {
	Identifier string
	Documents  []bsoncore.Document
	Ordered    *bool

	// RetryNotSupported is set once any model in Documents specifies
	// multi:true (a multi-document update or delete), which the server
	// cannot retry idempotently; it disables retryability for every batch
	// carved out of this Batches, not just the offending one.
	RetryNotSupported bool

	offset  int
	current []bsoncore.Document
}

// IsOrdered reports whether the caller's batches must stop at the first
// write error, defaulting to true per the wire protocol's own default.
func (b *Batches) IsOrdered() bool {
	return b.Ordered == nil || *b.Ordered
}

// Remaining reports whether another call to AdvanceBatch would produce a
// non-empty batch.
func (b *Batches) Remaining() bool {
	return b.offset < len(b.Documents)
}

// AdvanceBatch slices the next batch of documents into current, starting at
// offset, stopping once either maxCount documents have been collected or
// adding another document would exceed maxBytes. A batch always contains at
// least one document even if that document alone exceeds maxBytes, since a
// document too large to fit in a batch is still a single unsplittable unit
// the server must reject on its own terms.
func (b *Batches) AdvanceBatch(maxCount, maxBytes int) error {
	if !b.Remaining() {
		b.current = nil
		return nil
	}

	size := 0
	n := 0
	for b.offset+n < len(b.Documents) && n < maxCount {
		doc := b.Documents[b.offset+n]
		if n > 0 && size+len(doc) > maxBytes {
			break
		}
		size += len(doc)
		n++
	}

	b.current = b.Documents[b.offset : b.offset+n]
	return nil
}

// AdvanceOffset commits the batch most recently produced by AdvanceBatch,
// moving offset past it so the next AdvanceBatch call picks up where this
// one left off.
func (b *Batches) AdvanceOffset() {
	b.offset += len(b.current)
}
