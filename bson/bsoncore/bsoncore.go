// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore is the non-reflective layer the driver core builds and
// reads command documents with. A full reflection-based BSON marshal/
// unmarshal codec is out of scope here: the executor and operation builders
// only ever need to append primitive fields and walk replies element by
// element, which this package does without paying for a registry lookup
// per field.
package bsoncore

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type represents a BSON type.
type Type byte

// BSON type constants, matching the wire-format type tag byte.
const (
	TypeDouble           Type = 0x01
	TypeString           Type = 0x02
	TypeEmbeddedDocument Type = 0x03
	TypeArray            Type = 0x04
	TypeBinary           Type = 0x05
	TypeUndefined        Type = 0x06
	TypeObjectID         Type = 0x07
	TypeBoolean          Type = 0x08
	TypeDateTime         Type = 0x09
	TypeNull             Type = 0x0A
	TypeRegex            Type = 0x0B
	TypeDBPointer        Type = 0x0C
	TypeJavaScript       Type = 0x0D
	TypeSymbol           Type = 0x0E
	TypeCodeWithScope    Type = 0x0F
	TypeInt32            Type = 0x10
	TypeTimestamp        Type = 0x11
	TypeInt64            Type = 0x12
	TypeDecimal128       Type = 0x13
	TypeMinKey           Type = 0xFF
	TypeMaxKey           Type = 0x7F
)

// String returns a human-readable name for the Type.
func (t Type) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeEmbeddedDocument:
		return "embedded document"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binary"
	case TypeUndefined:
		return "undefined"
	case TypeObjectID:
		return "objectID"
	case TypeBoolean:
		return "bool"
	case TypeDateTime:
		return "UTC datetime"
	case TypeNull:
		return "null"
	case TypeRegex:
		return "regex"
	case TypeDBPointer:
		return "dbPointer"
	case TypeJavaScript:
		return "javascript"
	case TypeSymbol:
		return "symbol"
	case TypeCodeWithScope:
		return "code with scope"
	case TypeInt32:
		return "32-bit integer"
	case TypeTimestamp:
		return "timestamp"
	case TypeInt64:
		return "64-bit integer"
	case TypeDecimal128:
		return "decimal128"
	case TypeMinKey:
		return "min key"
	case TypeMaxKey:
		return "max key"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(t))
	}
}

// ErrMissingNull indicates that a document or array is missing its trailing
// null byte.
var ErrMissingNull = errors.New("document or array is missing null byte")

// InsufficientBytesError indicates that a document or array is truncated.
type InsufficientBytesError struct {
	Src    []byte
	Remain []byte
}

// NewInsufficientBytesError constructs an InsufficientBytesError.
func NewInsufficientBytesError(src, remain []byte) InsufficientBytesError {
	return InsufficientBytesError{Src: src, Remain: remain}
}

// Error implements the error interface.
func (err InsufficientBytesError) Error() string {
	return "too few bytes to read a valid BSON document or array"
}

type lengthErr struct {
	name   string
	length int
	total  int
}

func lengthError(name string, length, total int) error {
	return lengthErr{name: name, length: length, total: total}
}

func (e lengthErr) Error() string {
	return fmt.Sprintf("%s length read exceeds number of bytes available: length=%d total=%d", e.name, e.length, e.total)
}

// ReadLength reads the leading int32 BSON length prefix from src.
func ReadLength(src []byte) (int32, []byte, bool) {
	return readi32(src)
}

func readi32(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src)), src[4:], true
}

func appendi32(dst []byte, i32 int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(i32))
	return append(dst, b...)
}

func appendi64(dst []byte, i64 int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(i64))
	return append(dst, b...)
}

func readi64(src []byte) (int64, []byte, bool) {
	if len(src) < 8 {
		return 0, src, false
	}
	return int64(binary.LittleEndian.Uint64(src)), src[8:], true
}

// ReserveLength reserves the leading 4 bytes of a new document or array
// under construction and returns the index at which the length should later
// be written via UpdateLength.
func ReserveLength(dst []byte) (int32, []byte) {
	index := len(dst)
	return int32(index), append(dst, 0x00, 0x00, 0x00, 0x00)
}

// UpdateLength writes length at the reserved index produced by
// ReserveLength.
func UpdateLength(dst []byte, index, length int32) []byte {
	binary.LittleEndian.PutUint32(dst[index:], uint32(length))
	return dst
}

// AppendKey appends a document key followed by its null terminator.
func AppendKey(dst []byte, key string) []byte {
	return append(append(dst, key...), 0x00)
}

func readKey(src []byte) (string, []byte, bool) {
	idx := indexNull(src)
	if idx < 0 {
		return "", src, false
	}
	return string(src[:idx]), src[idx+1:], true
}

func indexNull(src []byte) int {
	for i, b := range src {
		if b == 0x00 {
			return i
		}
	}
	return -1
}
