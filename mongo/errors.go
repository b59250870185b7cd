// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongo is the user-facing cursor and change-stream engine built on
// top of x/mongo/driver: it turns a driver.BatchCursor into the resumable,
// resource-managed primitives applications iterate directly.
package mongo

import (
	"context"
	"errors"

	"go.mongocore.dev/driver/x/mongo/driver"
)

// duplicateKeyCodes are the server codes for a unique-index violation across
// the write commands this package resumes or surfaces errors from.
var duplicateKeyCodes = map[int32]bool{
	11000: true,
	11001: true,
	12582: true,
}

// nonResumableChangeStreamCodes are explicitly excluded from resumability
// regardless of label or network classification, per the change-stream
// resume rule: Interrupted, CappedPositionLost, CursorKilled.
var nonResumableChangeStreamCodes = map[int32]bool{
	11601: true,
	136:   true,
	237:   true,
}

// IsDuplicateKeyError reports whether err is a server-reported unique-index
// violation.
func IsDuplicateKeyError(err error) bool {
	var de driver.Error
	if errors.As(err, &de) {
		return duplicateKeyCodes[de.Code]
	}
	var we driver.WriteError
	if errors.As(err, &we) {
		return duplicateKeyCodes[we.Code]
	}
	return false
}

// IsNetworkError reports whether err represents a transport failure rather
// than a server-returned command error.
func IsNetworkError(err error) bool {
	var de driver.Error
	if errors.As(err, &de) {
		return de.NetworkError()
	}
	var ce driver.ConnectionError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is a context deadline or cancellation
// surfaced from a blocking driver call.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// isResumableChangeStreamError applies the Cursor Engine's resumability
// rule: a ResumableChangeStreamError label or CursorNotFound is resumable; a
// command error bearing NonResumableChangeStreamError or one of
// Interrupted/CappedPositionLost/CursorKilled is never resumable regardless
// of any other classification; otherwise fall back to the same
// network/not-primary/node-recovering checks the Executor's own retry path
// uses.
func isResumableChangeStreamError(err error) bool {
	if err == nil {
		return false
	}

	var de driver.Error
	if errors.As(err, &de) {
		if de.HasErrorLabel("NonResumableChangeStreamError") {
			return false
		}
		if nonResumableChangeStreamCodes[de.Code] {
			return false
		}
		if de.HasErrorLabel(driver.ResumableChangeStreamErrorLabel) {
			return true
		}
		if de.Code == 43 { // CursorNotFound
			return true
		}
		return de.NetworkError() || de.NotPrimary() || de.NodeIsRecovering()
	}

	var ce driver.ConnectionError
	return errors.As(err, &ce)
}
