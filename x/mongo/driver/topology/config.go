// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"crypto/tls"
	"fmt"
	"time"

	"go.mongocore.dev/driver/internal/logger"
	"go.mongocore.dev/driver/readpref"
	"go.mongocore.dev/driver/x/mongo/driver/auth"
)

// connectionConfig carries the options used to dial and handshake one
// Connection.
type connectionConfig struct {
	connectTimeout time.Duration
	tlsConfig      *tls.Config
	appname        string
	handshaker     Handshaker
	cred           *auth.Cred
	mechanism      string
	compressors    []string
	zlibLevel      int
	logger         *logger.Logger
}

func newConnectionConfig(opts ...ConnectionOption) (*connectionConfig, error) {
	cfg := &connectionConfig{
		connectTimeout: 30 * time.Second,
		zlibLevel:      6,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ConnectionOption configures a single Connection's dial/handshake
// behavior.
type ConnectionOption func(*connectionConfig) error

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) error { c.connectTimeout = d; return nil }
}

// WithTLSConfig enables TLS using the given configuration.
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(c *connectionConfig) error { c.tlsConfig = cfg; return nil }
}

// WithAppName stores an application name in the connection configuration.
// connect does not send it: no hello built by this package reads it.
func WithAppName(name string) ConnectionOption {
	return func(c *connectionConfig) error { c.appname = name; return nil }
}

// WithHandshaker overrides the Handshaker used to establish each
// Connection; the Monitor uses this to substitute a bare hello with no
// authentication.
func WithHandshaker(h Handshaker) ConnectionOption {
	return func(c *connectionConfig) error { c.handshaker = h; return nil }
}

// WithCredential configures the authentication mechanism and credentials a
// Connection authenticates with after the hello handshake.
func WithCredential(mechanism string, cred *auth.Cred) ConnectionOption {
	return func(c *connectionConfig) error {
		c.mechanism = mechanism
		c.cred = cred
		return nil
	}
}

// WithCompressors sets the compressors offered during the handshake, in
// preference order.
func WithCompressors(compressors []string) ConnectionOption {
	return func(c *connectionConfig) error { c.compressors = compressors; return nil }
}

// WithLogger attaches a component-scoped logger to every Connection built
// from this configuration.
func WithLogger(l *logger.Logger) ConnectionOption {
	return func(c *connectionConfig) error { c.logger = l; return nil }
}

// serverConfig carries the options used to construct one Server (monitor +
// pool for a single address).
type serverConfig struct {
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	minConns          uint64
	maxConns          uint64
	maxConnecting     uint64
	maxIdleTime       time.Duration
	appname           string
	compressors       []string
	connectionOpts    []ConnectionOption
	serverMonitor     ServerMonitorFunc
	poolMonitor       PoolMonitorFunc
	logger            *logger.Logger
}

func newServerConfig(opts ...ServerOption) (*serverConfig, error) {
	cfg := &serverConfig{
		heartbeatInterval: 10 * time.Second,
		heartbeatTimeout:  10 * time.Second,
		minConns:          0,
		maxConns:          100,
		maxConnecting:     2,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ServerOption configures a single Server's monitor and pool.
type ServerOption func(*serverConfig) error

// WithServerHeartbeatInterval sets the Monitor's heartbeat cadence; it is
// clamped to description.MinHeartbeatInterval at use.
func WithServerHeartbeatInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) error { c.heartbeatInterval = d; return nil }
}

// WithHeartbeatTimeout sets the per-heartbeat dial/command timeout.
func WithHeartbeatTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) error { c.heartbeatTimeout = d; return nil }
}

// WithMinMaxConns sets the pool's min and max connection counts.
func WithMinMaxConns(min, max uint64) ServerOption {
	return func(c *serverConfig) error {
		if max != 0 && min > max {
			return fmt.Errorf("minPoolSize %d must not exceed maxPoolSize %d", min, max)
		}
		c.minConns, c.maxConns = min, max
		return nil
	}
}

// WithMaxConnecting caps the number of connections a pool may be
// establishing simultaneously.
func WithMaxConnecting(n uint64) ServerOption {
	return func(c *serverConfig) error { c.maxConnecting = n; return nil }
}

// WithMaxIdleTime sets the pool's idle-connection eviction threshold.
func WithMaxIdleTime(d time.Duration) ServerOption {
	return func(c *serverConfig) error { c.maxIdleTime = d; return nil }
}

// WithServerAppName sets the client.name the Monitor sends in its heartbeat
// hello. Application connections from the Server's pool do not receive it.
func WithServerAppName(name string) ServerOption {
	return func(c *serverConfig) error { c.appname = name; return nil }
}

// WithServerCompressors sets the compressors the Monitor offers in its
// heartbeat hello. Application connections negotiate from the list given
// with WithCompressors among the connection options, not from this one.
func WithServerCompressors(compressors []string) ServerOption {
	return func(c *serverConfig) error { c.compressors = compressors; return nil }
}

// WithConnectionOptions appends options applied to every Connection the
// Server's pool creates (application connections; the Monitor builds its
// own with a bare-hello Handshaker).
func WithConnectionOptions(opts ...ConnectionOption) ServerOption {
	return func(c *serverConfig) error { c.connectionOpts = append(c.connectionOpts, opts...); return nil }
}

// WithServerMonitorFunc installs a callback invoked on every heartbeat
// event.
func WithServerMonitorFunc(f ServerMonitorFunc) ServerOption {
	return func(c *serverConfig) error { c.serverMonitor = f; return nil }
}

// WithPoolMonitorFunc installs a callback invoked on every pool event.
func WithPoolMonitorFunc(f PoolMonitorFunc) ServerOption {
	return func(c *serverConfig) error { c.poolMonitor = f; return nil }
}

// WithServerLogger attaches a component-scoped logger to the Server, its
// Monitor and its Pool.
func WithServerLogger(l *logger.Logger) ServerOption {
	return func(c *serverConfig) error { c.logger = l; return nil }
}

// topologyConfig carries the options used to construct a Topology.
type topologyConfig struct {
	seedList          []string
	setName           string
	mode              topologyMode
	serverOpts        []ServerOption
	localThreshold    time.Duration
	serverSelectionTO time.Duration
	readPreference    *readpref.ReadPref
	logger            *logger.Logger
}

// topologyMode distinguishes a single-server deployment from a
// multi-member deployment discovered by replica-set or sharding gossip.
type topologyMode uint8

// Recognized topology modes.
const (
	AutomaticMode topologyMode = iota
	SingleMode
)

func newTopologyConfig(opts ...Option) (*topologyConfig, error) {
	cfg := &topologyConfig{
		mode:              AutomaticMode,
		localThreshold:    15 * time.Millisecond,
		serverSelectionTO: 30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if len(cfg.seedList) == 0 {
		cfg.seedList = []string{"localhost:27017"}
	}
	return cfg, nil
}

// Option configures a Topology.
type Option func(*topologyConfig) error

// WithSeedList sets the initial server addresses to monitor.
func WithSeedList(addrs ...string) Option {
	return func(c *topologyConfig) error { c.seedList = addrs; return nil }
}

// WithReplicaSetName restricts the topology to members advertising the
// given replica set name.
func WithReplicaSetName(name string) Option {
	return func(c *topologyConfig) error { c.setName = name; return nil }
}

// WithSingleMode forces Single-topology semantics: exactly one seed, no
// SDAM membership expansion, every operation routed to it unconditionally.
func WithSingleMode() Option {
	return func(c *topologyConfig) error { c.mode = SingleMode; return nil }
}

// WithServerOptions appends options applied to every Server the Topology
// constructs.
func WithServerOptions(opts ...ServerOption) Option {
	return func(c *topologyConfig) error { c.serverOpts = append(c.serverOpts, opts...); return nil }
}

// WithLocalThreshold sets the latency window width used by the selector.
func WithLocalThreshold(d time.Duration) Option {
	return func(c *topologyConfig) error { c.localThreshold = d; return nil }
}

// WithServerSelectionTimeout sets the default deadline for SelectServer
// calls that don't already carry a context deadline.
func WithServerSelectionTimeout(d time.Duration) Option {
	return func(c *topologyConfig) error { c.serverSelectionTO = d; return nil }
}

// WithTopologyLogger attaches a component-scoped logger to the Topology
// and every Server it constructs.
func WithTopologyLogger(l *logger.Logger) Option {
	return func(c *topologyConfig) error { c.logger = l; return nil }
}
