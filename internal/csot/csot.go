// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package csot computes the single per-call deadline every suspension point
// in the Executor honors.
package csot

import (
	"context"
	"time"
)

type timeoutKey struct{}

// MakeTimeoutContext attaches a client-side operation timeout to ctx. A
// zero Duration means "no timeout attached by this call" but the context is
// still marked as CSOT-aware so downstream code can distinguish "no
// timeout configured" from "timeout not evaluated yet".
func MakeTimeoutContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	cancel := func() {}
	if d != 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
	}
	return context.WithValue(ctx, timeoutKey{}, true), cancel
}

// IsTimeoutContext reports whether ctx was produced by MakeTimeoutContext.
func IsTimeoutContext(ctx context.Context) bool {
	return ctx.Value(timeoutKey{}) != nil
}

type skipMaxTimeKey struct{}

// NewSkipMaxTimeContext marks ctx so that operation construction omits
// maxTimeMS regardless of a context deadline. Used by the monitor for
// non-awaitable heartbeats, which must never carry a server-side time limit
// derived from the monitor's own heartbeat cadence.
func NewSkipMaxTimeContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipMaxTimeKey{}, true)
}

// IsSkipMaxTimeContext reports whether ctx was marked by
// NewSkipMaxTimeContext.
func IsSkipMaxTimeContext(ctx context.Context) bool {
	return ctx.Value(skipMaxTimeKey{}) != nil
}

// WithServerSelectionTimeout bounds ctx to the minimum of its existing
// deadline (if any) and serverSelectionTimeout. Non-positive
// serverSelectionTimeout values are ignored.
func WithServerSelectionTimeout(
	parent context.Context,
	serverSelectionTimeout time.Duration,
) (context.Context, context.CancelFunc) {
	var timeout time.Duration

	deadline, ok := parent.Deadline()
	if ok {
		timeout = time.Until(deadline)
	}

	if !ok && serverSelectionTimeout <= 0 {
		return parent, func() {}
	}

	switch {
	case !ok:
		timeout = serverSelectionTimeout
	case serverSelectionTimeout > 0 && timeout >= serverSelectionTimeout:
		timeout = serverSelectionTimeout
	}

	return context.WithTimeout(parent, timeout)
}

// RTTMonitor is implemented by anything that can report round-trip-time
// statistics for a monitored server.
type RTTMonitor interface {
	EWMA() time.Duration
	Min() time.Duration
	P90() time.Duration
	Stats() string
}

// ZeroRTTMonitor is a test double that always reports a zero RTT.
type ZeroRTTMonitor struct{}

// EWMA implements RTTMonitor.
func (ZeroRTTMonitor) EWMA() time.Duration { return 0 }

// Min implements RTTMonitor.
func (ZeroRTTMonitor) Min() time.Duration { return 0 }

// P90 implements RTTMonitor.
func (ZeroRTTMonitor) P90() time.Duration { return 0 }

// Stats implements RTTMonitor.
func (ZeroRTTMonitor) Stats() string { return "" }
