// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateMaxStalenessNoneSet(t *testing.T) {
	rp := Secondary()
	assert.NoError(t, rp.ValidateMaxStaleness(10*time.Second))
}

func TestValidateMaxStalenessBelowMinimum(t *testing.T) {
	rp := Secondary(WithMaxStaleness(60 * time.Second))
	assert.ErrorIs(t, rp.ValidateMaxStaleness(10*time.Second), ErrInvalidMaxStaleness)
}

func TestValidateMaxStalenessHeartbeatDrivenFloor(t *testing.T) {
	// heartbeatFrequency=100s pushes the floor to 110s, above the 90s default,
	// so a staleness of 100s fails even though it clears the default floor.
	rp := Secondary(WithMaxStaleness(100 * time.Second))
	assert.ErrorIs(t, rp.ValidateMaxStaleness(100*time.Second), ErrInvalidMaxStaleness)
}

func TestValidateMaxStalenessNotMultiple(t *testing.T) {
	rp := Secondary(WithMaxStaleness(95 * time.Second))
	assert.ErrorIs(t, rp.ValidateMaxStaleness(10*time.Second), ErrMaxStalenessNotMultiple)
}

func TestValidateMaxStalenessValid(t *testing.T) {
	rp := Secondary(WithMaxStaleness(90 * time.Second))
	assert.NoError(t, rp.ValidateMaxStaleness(9*time.Second))
}
