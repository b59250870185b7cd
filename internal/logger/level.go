// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "strings"

// DiffToInfo is the number of levels that come before "Info" in this
// enumeration. Kept so that a logr-shaped sink (which treats 0 as its most
// verbose "Info" level) receives level numbers offset the same way the
// driver itself offsets them.
const DiffToInfo = 1

// Level is a supported log severity.
type Level int

// Supported severities, ordered least to most verbose.
const (
	LevelOff Level = iota
	LevelInfo
	LevelDebug
)

// LevelLiteralMap maps every environment-variable literal this driver
// accepts for MONGODB_LOG_* variables onto a Level.
var LevelLiteralMap = map[string]Level{
	"off":       LevelOff,
	"emergency": LevelInfo,
	"alert":     LevelInfo,
	"critical":  LevelInfo,
	"error":     LevelInfo,
	"warn":      LevelInfo,
	"notice":    LevelInfo,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelDebug,
}

// ParseLevel resolves an environment-variable literal to a Level, defaulting
// to LevelOff for anything unrecognized.
func ParseLevel(str string) Level {
	for literal, level := range LevelLiteralMap {
		if strings.EqualFold(literal, str) {
			return level
		}
	}
	return LevelOff
}
