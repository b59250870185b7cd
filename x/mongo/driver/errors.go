// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"fmt"
	"net"

	"go.mongocore.dev/driver/address"
	"go.mongocore.dev/driver/x/mongo/driver/description"
)

// Error labels the Executor and Topology recognize.
const (
	NetworkErrorLabel                   = "NetworkError"
	RetryableWriteErrorLabel            = "RetryableWriteError"
	TransientTransactionErrorLabel      = "TransientTransactionError"
	UnknownTransactionCommitResultLabel = "UnknownTransactionCommitResult"
	ResumableChangeStreamErrorLabel     = "ResumableChangeStreamError"
)

// legacyNotPrimaryCodes are the server error codes that signify a
// not-primary/node-is-recovering condition on servers below wire version 9,
// which do not label their own errors.
var legacyNotPrimaryCodes = map[int32]bool{
	10107: true, // NotWritablePrimary
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
	189:   true, // PrimarySteppedDown
	91:    true, // ShutdownInProgress
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
	10058: true, // LegacyNotPrimary
	7:     true, // HostNotFound
	6:     true, // HostUnreachable
	9001:  true, // SocketException
}

// shutdownCodes are the subset of legacyNotPrimaryCodes that also mean the
// server is actively shutting down, forcing a synchronous pool clear
// regardless of wire version.
var shutdownCodes = map[int32]bool{
	91:    true,
	189:   true,
	11600: true,
}

// Error is a server command error: {ok:0} with a code, name, message and
// optional labels.
type Error struct {
	Code            int32
	Name            string
	Message         string
	Labels          []string
	TopologyVersion *description.TopologyVersion
	Wrapped         error
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%s) %s", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e Error) Unwrap() error { return e.Wrapped }

// HasErrorLabel reports whether the server (or the driver, for legacy
// servers) attached label to this error.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError reports whether this error represents a transport failure
// rather than a server-returned command error.
func (e Error) NetworkError() bool {
	return e.HasErrorLabel(NetworkErrorLabel)
}

// NotPrimary reports whether the error indicates the target is no longer
// (or never was) primary.
func (e Error) NotPrimary() bool {
	return legacyNotPrimaryCodes[e.Code]
}

// NodeIsRecovering reports whether the target is mid-election/recovery.
func (e Error) NodeIsRecovering() bool {
	return e.Code == 11600 || e.Code == 11602 || e.Code == 189
}

// NodeIsShuttingDown reports whether the target reported it is shutting
// down.
func (e Error) NodeIsShuttingDown() bool {
	return shutdownCodes[e.Code]
}

// Retryable reports whether the Executor's one-shot retry loop may resend
// the command that produced this error. wireVersion is the max wire version
// the failing server advertised.
func (e Error) Retryable(wireVersion *description.VersionRange) bool {
	if e.NetworkError() {
		return true
	}
	if e.HasErrorLabel(RetryableWriteErrorLabel) {
		return true
	}
	// Below wire version 9 servers do not label their own errors; the
	// driver applies the legacy code table instead.
	if wireVersion == nil || wireVersion.Max < 9 {
		return legacyNotPrimaryCodes[e.Code]
	}
	return false
}

// WriteError is a single write error within a bulk/insert/update/delete
// response.
type WriteError struct {
	Index   int
	Code    int32
	Message string
}

// Error implements the error interface.
func (we WriteError) Error() string {
	return fmt.Sprintf("write error at index %d: (%d) %s", we.Index, we.Code, we.Message)
}

// WriteConcernError is a write-concern failure distinct from per-document
// write errors.
type WriteConcernError struct {
	Code            int32
	Name            string
	Message         string
	Labels          []string
	TopologyVersion *description.TopologyVersion
}

// Error implements the error interface.
func (wce WriteConcernError) Error() string {
	return fmt.Sprintf("write concern error: (%s) %s", wce.Name, wce.Message)
}

// HasErrorLabel reports whether label was attached to this write concern
// error.
func (wce WriteConcernError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NotPrimary reports whether the write-concern error indicates the target
// is no longer primary.
func (wce WriteConcernError) NotPrimary() bool {
	return legacyNotPrimaryCodes[wce.Code]
}

// NodeIsRecovering reports whether the target is mid-election/recovery.
func (wce WriteConcernError) NodeIsRecovering() bool {
	return wce.Code == 11600 || wce.Code == 11602 || wce.Code == 189
}

// NodeIsShuttingDown reports whether the target reported it is shutting
// down.
func (wce WriteConcernError) NodeIsShuttingDown() bool {
	return shutdownCodes[wce.Code]
}

// BulkWriteError wraps the partial result of a bulk/batched write operation
// that failed partway through.
type BulkWriteError struct {
	WriteErrors  []WriteError
	WriteConcern *WriteConcernError
	Partial      interface{}
	Cause        error
}

// Error implements the error interface.
func (bwe BulkWriteError) Error() string {
	if bwe.Cause != nil {
		return fmt.Sprintf("bulk write error: %s", bwe.Cause)
	}
	if len(bwe.WriteErrors) > 0 {
		return fmt.Sprintf("bulk write error: %s", bwe.WriteErrors[0])
	}
	if bwe.WriteConcern != nil {
		return bwe.WriteConcern.Error()
	}
	return "bulk write error"
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (bwe BulkWriteError) Unwrap() error { return bwe.Cause }

// ServerSelectionError is returned when server selection times out or the
// topology is permanently incompatible with the driver.
type ServerSelectionError struct {
	Wrapped error
	Desc    description.Topology
}

// Error implements the error interface.
func (e ServerSelectionError) Error() string {
	return fmt.Sprintf("server selection error: %s, topology: %s", e.Wrapped, topologySummary(e.Desc))
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e ServerSelectionError) Unwrap() error { return e.Wrapped }

func topologySummary(t description.Topology) string {
	return fmt.Sprintf("{Kind: %s, Servers: %d}", t.Kind, len(t.Servers))
}

// ErrServerSelectionTimeout is the sentinel wrapped by ServerSelectionError
// when the selection deadline expires without a suitable server appearing.
var ErrServerSelectionTimeout = errors.New("server selection timeout")

// ConnectionError wraps a failure establishing or using a pooled connection.
type ConnectionError struct {
	Address address.Address
	Wrapped error
	init    bool // true if the error occurred during connection establishment
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	if e.init {
		return fmt.Sprintf("connection(%s) failed to establish: %s", e.Address, e.Wrapped)
	}
	return fmt.Sprintf("connection(%s) failed: %s", e.Address, e.Wrapped)
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e ConnectionError) Unwrap() error { return e.Wrapped }

// IsNetworkTimeout reports whether err represents a network-level timeout,
// distinct from a context deadline, used by ProcessError to avoid marking a
// server Unknown for a transient operation timeout.
func IsNetworkTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
