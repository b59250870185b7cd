// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/x/mongo/driver/auth"
	"go.mongocore.dev/driver/x/mongo/driver/description"
	"go.mongocore.dev/driver/x/mongo/driver/session"
	"go.mongocore.dev/driver/x/mongo/driver/wiremessage"
)

var globalConnectionID uint64

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

// ConnectionError marks err as having broken the Connection it occurred
// on, distinguishing it from an application-level command error that
// leaves the connection reusable.
type ConnectionError struct {
	ConnectionID string
	Wrapped      error
	message      string
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("connection(%s) %s: %s", e.ConnectionID, e.message, e.Wrapped)
	}
	return fmt.Sprintf("connection(%s) %s", e.ConnectionID, e.message)
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e ConnectionError) Unwrap() error { return e.Wrapped }

// Handshaker performs the hello/authentication exchange on a freshly dialed
// net.Conn, returning the resulting Server Description.
type Handshaker interface {
	Handshake(ctx context.Context, addr address.Address, conn *connection) (description.Server, error)
}

// HandshakerFunc adapts a function to the Handshaker interface.
type HandshakerFunc func(ctx context.Context, addr address.Address, conn *connection) (description.Server, error)

// Handshake implements the Handshaker interface.
func (f HandshakerFunc) Handshake(ctx context.Context, addr address.Address, conn *connection) (description.Server, error) {
	return f(ctx, addr, conn)
}

// connection is a single TCP (or Unix domain socket) connection speaking
// OP_MSG, wrapped to implement driver.Connection. It is not safe for
// concurrent use: the protocol is strictly request/reply per connection.
type connection struct {
	id                 string
	driverConnectionID uint64
	addr               address.Address
	nc                 net.Conn
	cfg                *connectionConfig

	desc description.Server

	compressor          wiremessage.CompressorID
	compressorSupported bool

	connectedAt time.Time

	mu   sync.Mutex
	dead bool
}

func newConnection(addr address.Address, cfg *connectionConfig) *connection {
	id := nextConnectionID()
	return &connection{
		id:                  fmt.Sprintf("%s[-%d]", addr, id),
		driverConnectionID:  id,
		addr:                addr,
		cfg:                 cfg,
		compressorSupported: false,
	}
}

// connect dials the address, optionally upgrades to TLS, runs the
// configured Handshaker, and then calls authenticate when a credential is
// configured. The Monitor clears the credential so its connections skip it.
func (c *connection) connect(ctx context.Context) error {
	dialer := &net.Dialer{}
	if c.cfg.connectTimeout > 0 {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
		defer cancel()
		ctx = dialCtx
	}

	nc, err := dialer.DialContext(ctx, c.addr.Network(), c.addr.String())
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "unable to dial"}
	}

	if c.cfg.tlsConfig != nil {
		tlsConn := tls.Client(nc, c.cfg.tlsConfig.Clone())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			nc.Close()
			return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "TLS handshake failed"}
		}
		nc = tlsConn
	}

	c.nc = nc
	c.connectedAt = time.Now()

	if c.cfg.handshaker != nil {
		desc, err := c.cfg.handshaker.Handshake(ctx, c.addr, c)
		if err != nil {
			c.close()
			return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "handshake failed"}
		}
		c.desc = desc
		c.negotiateCompressor(desc.Compression)
	}

	if c.cfg.cred != nil {
		if err := c.authenticate(ctx); err != nil {
			c.close()
			return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "authentication failed"}
		}
	}

	return nil
}

func (c *connection) authenticate(ctx context.Context) error {
	authenticator, err := auth.CreateAuthenticator(c.cfg.mechanism, c.cfg.cred)
	if err != nil {
		return err
	}
	return authenticator.Auth(ctx, &auth.Config{Connection: c})
}

func (c *connection) negotiateCompressor(serverCompressors []string) {
	for _, name := range c.cfg.compressors {
		for _, serverName := range serverCompressors {
			if name != serverName {
				continue
			}
			if id, ok := wiremessage.CompressorByName(name); ok {
				c.compressor = id
				c.compressorSupported = true
				return
			}
		}
	}
}

// WriteWireMessage implements driver.Connection.
func (c *connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return ConnectionError{ConnectionID: c.id, message: "connection is dead"}
	}

	if c.compressorSupported {
		compressed, err := wiremessage.Compress(wm, c.compressor, c.cfg.zlibLevel)
		if err != nil {
			return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "unable to compress wire message"}
		}
		wm = compressed
	}

	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(dl)
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}

	if _, err := c.nc.Write(wm); err != nil {
		c.close()
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "unable to write wire message"}
	}
	return nil
}

// ReadWireMessage implements driver.Connection.
func (c *connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return nil, ConnectionError{ConnectionID: c.id, message: "connection is dead"}
	}

	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(dl)
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		c.close()
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "unable to decode message length"}
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 16 {
		c.close()
		return nil, ConnectionError{ConnectionID: c.id, message: "invalid message length"}
	}

	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, buf[4:]); err != nil {
		c.close()
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "unable to read full message"}
	}

	h, _, ok := wiremessage.ReadHeader(buf)
	if !ok {
		c.close()
		return nil, ConnectionError{ConnectionID: c.id, message: "unable to decode header"}
	}
	if h.OpCode == wiremessage.OpCompressed {
		uncompressed, err := wiremessage.Decompress(buf)
		if err != nil {
			c.close()
			return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "unable to decompress message"}
		}
		buf = uncompressed
	}
	return buf, nil
}

// Description implements driver.Connection.
func (c *connection) Description() description.Server { return c.desc }

// Close implements driver.Connection.
func (c *connection) Close() error { return c.close() }

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return nil
	}
	c.dead = true
	if c.nc == nil {
		return nil
	}
	if err := c.nc.Close(); err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to close network connection"}
	}
	return nil
}

func (c *connection) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

// ID implements driver.Connection.
func (c *connection) ID() string { return c.id }

// DriverConnectionID implements driver.Connection.
func (c *connection) DriverConnectionID() uint64 { return c.driverConnectionID }

// Address implements driver.Connection.
func (c *connection) Address() address.Address { return c.addr }

// Stale implements driver.Connection; pooled connections override Stale to
// compare against the pool's current generation, a bare (unpooled)
// connection is never considered stale.
func (c *connection) Stale() bool { return false }

// pinnedConnection wraps a pooled connection that Server.PinConnection checks
// out for a load-balanced transaction, recording the Session that owns it.
// Its Close is the embedded pooledConnection.Close, an ordinary pool checkin;
// the pool keeps no separate slot for pinned connections.
type pinnedConnection struct {
	*pooledConnection
	owner *session.Client
}
