// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref models the read preference modes and tag-set filtering
// the server selector applies when choosing among replica set members.
package readpref

import (
	"errors"
	"time"

	"go.mongocore.dev/driver/x/mongo/driver/description"
)

// Mode names a read preference mode.
type Mode uint8

// Supported read preference modes.
const (
	PrimaryMode Mode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ReadPref represents a fully configured read preference: a mode plus
// optional tag sets and max staleness.
type ReadPref struct {
	mode          Mode
	tagSets       []description.TagSet
	maxStaleness  time.Duration
	hasMaxStale   bool
}

// Primary returns the (default) Primary read preference.
func Primary() *ReadPref { return &ReadPref{mode: PrimaryMode} }

// PrimaryPreferred returns a PrimaryPreferred read preference.
func PrimaryPreferred(opts ...Option) *ReadPref { return newPref(PrimaryPreferredMode, opts) }

// Secondary returns a Secondary read preference.
func Secondary(opts ...Option) *ReadPref { return newPref(SecondaryMode, opts) }

// SecondaryPreferred returns a SecondaryPreferred read preference.
func SecondaryPreferred(opts ...Option) *ReadPref { return newPref(SecondaryPreferredMode, opts) }

// Nearest returns a Nearest read preference.
func Nearest(opts ...Option) *ReadPref { return newPref(NearestMode, opts) }

func newPref(mode Mode, opts []Option) *ReadPref {
	rp := &ReadPref{mode: mode}
	for _, opt := range opts {
		opt(rp)
	}
	return rp
}

// Option configures a ReadPref at construction.
type Option func(*ReadPref)

// WithTagSets sets, in priority order, the tag sets tried during selection.
func WithTagSets(tagSets ...description.TagSet) Option {
	return func(rp *ReadPref) { rp.tagSets = tagSets }
}

// WithMaxStaleness sets the maximum acceptable secondary staleness.
func WithMaxStaleness(d time.Duration) Option {
	return func(rp *ReadPref) {
		rp.maxStaleness = d
		rp.hasMaxStale = true
	}
}

// Mode returns the read preference's mode.
func (rp *ReadPref) Mode() Mode { return rp.mode }

// TagSets returns the configured tag sets, tried in order.
func (rp *ReadPref) TagSets() []description.TagSet { return rp.tagSets }

// MaxStaleness returns the configured max staleness and whether one was
// set.
func (rp *ReadPref) MaxStaleness() (time.Duration, bool) { return rp.maxStaleness, rp.hasMaxStale }

// ErrInvalidMaxStaleness is returned when a configured max staleness is
// below the required minimum of max(90s, heartbeatFrequency + 10s).
var ErrInvalidMaxStaleness = errors.New("max staleness, if set, must be at least 90 seconds and at least heartbeatFrequency + 10 seconds")

// ErrMaxStalenessNotMultiple is returned when a configured max staleness
// is not an even multiple of the topology's heartbeat frequency, an
// InvalidArgument condition distinct from (and checked independently of)
// the minimum-bound requirement.
var ErrMaxStalenessNotMultiple = errors.New("max staleness, if set, must be a multiple of heartbeatFrequency")

// ValidateMaxStaleness checks the configured max staleness, if any, against
// the minimum bound for the given heartbeat frequency and rejects a
// staleness that is not an even multiple of it.
func (rp *ReadPref) ValidateMaxStaleness(heartbeatFrequency time.Duration) error {
	if !rp.hasMaxStale {
		return nil
	}
	minimum := 90 * time.Second
	if alt := heartbeatFrequency + 10*time.Second; alt > minimum {
		minimum = alt
	}
	if rp.maxStaleness < minimum {
		return ErrInvalidMaxStaleness
	}
	if heartbeatFrequency > 0 && rp.maxStaleness%heartbeatFrequency != 0 {
		return ErrMaxStalenessNotMultiple
	}
	return nil
}
