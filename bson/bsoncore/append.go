// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"math"

	"go.mongocore.dev/driver/bson/primitive"
)

func appendHeader(dst []byte, t Type, key string) []byte {
	dst = append(dst, byte(t))
	return AppendKey(dst, key)
}

// AppendDoubleElement appends a double-valued element.
func AppendDoubleElement(dst []byte, key string, f float64) []byte {
	dst = appendHeader(dst, TypeDouble, key)
	return appendi64(dst, int64(math.Float64bits(f)))
}

// AppendStringElement appends a string-valued element.
func AppendStringElement(dst []byte, key, val string) []byte {
	dst = appendHeader(dst, TypeString, key)
	dst = appendi32(dst, int32(len(val)+1))
	dst = append(dst, val...)
	return append(dst, 0x00)
}

// AppendDocumentElement appends an embedded-document-valued element.
func AppendDocumentElement(dst []byte, key string, doc []byte) []byte {
	dst = appendHeader(dst, TypeEmbeddedDocument, key)
	return append(dst, doc...)
}

// AppendArrayElement appends an array-valued element.
func AppendArrayElement(dst []byte, key string, arr []byte) []byte {
	dst = appendHeader(dst, TypeArray, key)
	return append(dst, arr...)
}

// AppendBinaryElement appends a binary-valued element.
func AppendBinaryElement(dst []byte, key string, subtype byte, data []byte) []byte {
	dst = appendHeader(dst, TypeBinary, key)
	dst = appendi32(dst, int32(len(data)))
	dst = append(dst, subtype)
	return append(dst, data...)
}

// AppendUndefinedElement appends the deprecated undefined-valued element.
func AppendUndefinedElement(dst []byte, key string) []byte {
	return appendHeader(dst, TypeUndefined, key)
}

// AppendObjectIDElement appends an ObjectID-valued element.
func AppendObjectIDElement(dst []byte, key string, id primitive.ObjectID) []byte {
	dst = appendHeader(dst, TypeObjectID, key)
	return append(dst, id[:]...)
}

// AppendBooleanElement appends a boolean-valued element.
func AppendBooleanElement(dst []byte, key string, b bool) []byte {
	dst = appendHeader(dst, TypeBoolean, key)
	if b {
		return append(dst, 0x01)
	}
	return append(dst, 0x00)
}

// AppendDateTimeElement appends a datetime-valued element (milliseconds
// since the Unix epoch).
func AppendDateTimeElement(dst []byte, key string, dt int64) []byte {
	dst = appendHeader(dst, TypeDateTime, key)
	return appendi64(dst, dt)
}

// AppendNullElement appends a null-valued element.
func AppendNullElement(dst []byte, key string) []byte {
	return appendHeader(dst, TypeNull, key)
}

// AppendRegexElement appends a regular-expression-valued element.
func AppendRegexElement(dst []byte, key, pattern, options string) []byte {
	dst = appendHeader(dst, TypeRegex, key)
	dst = append(dst, pattern...)
	dst = append(dst, 0x00)
	dst = append(dst, options...)
	return append(dst, 0x00)
}

// AppendInt32Element appends a 32-bit-integer-valued element.
func AppendInt32Element(dst []byte, key string, i32 int32) []byte {
	dst = appendHeader(dst, TypeInt32, key)
	return appendi32(dst, i32)
}

// AppendTimestampElement appends a timestamp-valued element.
func AppendTimestampElement(dst []byte, key string, t, i uint32) []byte {
	dst = appendHeader(dst, TypeTimestamp, key)
	dst = appendi32(dst, int32(i))
	return appendi32(dst, int32(t))
}

// AppendInt64Element appends a 64-bit-integer-valued element.
func AppendInt64Element(dst []byte, key string, i64 int64) []byte {
	dst = appendHeader(dst, TypeInt64, key)
	return appendi64(dst, i64)
}

// AppendMinKeyElement appends a min-key-valued element.
func AppendMinKeyElement(dst []byte, key string) []byte {
	return appendHeader(dst, TypeMinKey, key)
}

// AppendMaxKeyElement appends a max-key-valued element.
func AppendMaxKeyElement(dst []byte, key string) []byte {
	return appendHeader(dst, TypeMaxKey, key)
}

// AppendValueElement appends an arbitrary, already-typed Value.
func AppendValueElement(dst []byte, key string, v Value) []byte {
	dst = appendHeader(dst, v.Type, key)
	return append(dst, v.Data...)
}

// AppendDocumentStart reserves space for a new embedded document and returns
// the index needed by AppendDocumentEnd.
func AppendDocumentStart(dst []byte) (int32, []byte) {
	return ReserveLength(dst)
}

// AppendDocumentElementStart appends the key/type header for an embedded
// document and reserves its length prefix.
func AppendDocumentElementStart(dst []byte, key string) (int32, []byte) {
	dst = appendHeader(dst, TypeEmbeddedDocument, key)
	return AppendDocumentStart(dst)
}

// AppendDocumentEnd null-terminates and finalizes the length of a document
// opened with AppendDocumentStart.
func AppendDocumentEnd(dst []byte, start int32) ([]byte, error) {
	if int(start) > len(dst) {
		return dst, lengthError("document", int(start), len(dst))
	}
	dst = append(dst, 0x00)
	dst = UpdateLength(dst, start, int32(len(dst))-start)
	return dst, nil
}

// BuildDocument produces a complete, null-terminated document from a set of
// already-encoded elements.
func BuildDocument(dst []byte, elems ...[]byte) []byte {
	idx, dst := AppendDocumentStart(dst)
	for _, e := range elems {
		dst = append(dst, e...)
	}
	dst, _ = AppendDocumentEnd(dst, idx)
	return dst
}

// BuildDocumentFromElements is an alias of BuildDocument retained for
// readability at call sites that build a document purely from elements.
func BuildDocumentFromElements(elems ...[]byte) Document {
	return Document(BuildDocument(nil, elems...))
}

// DocumentBuilder incrementally assembles a BSON document.
type DocumentBuilder struct {
	idx int32
	buf []byte
}

// AppendString appends a string field to the document under construction.
func (b *DocumentBuilder) AppendString(key, val string) *DocumentBuilder {
	b.buf = AppendStringElement(b.buf, key, val)
	return b
}

// AppendInt32 appends an int32 field.
func (b *DocumentBuilder) AppendInt32(key string, v int32) *DocumentBuilder {
	b.buf = AppendInt32Element(b.buf, key, v)
	return b
}

// AppendInt64 appends an int64 field.
func (b *DocumentBuilder) AppendInt64(key string, v int64) *DocumentBuilder {
	b.buf = AppendInt64Element(b.buf, key, v)
	return b
}

// AppendDouble appends a double field.
func (b *DocumentBuilder) AppendDouble(key string, v float64) *DocumentBuilder {
	b.buf = AppendDoubleElement(b.buf, key, v)
	return b
}

// AppendBoolean appends a boolean field.
func (b *DocumentBuilder) AppendBoolean(key string, v bool) *DocumentBuilder {
	b.buf = AppendBooleanElement(b.buf, key, v)
	return b
}

// AppendDocument appends an already-built document as a field value.
func (b *DocumentBuilder) AppendDocument(key string, doc []byte) *DocumentBuilder {
	b.buf = AppendDocumentElement(b.buf, key, doc)
	return b
}

// AppendArray appends an already-built array as a field value.
func (b *DocumentBuilder) AppendArray(key string, arr []byte) *DocumentBuilder {
	b.buf = AppendArrayElement(b.buf, key, arr)
	return b
}

// AppendNull appends a null field.
func (b *DocumentBuilder) AppendNull(key string) *DocumentBuilder {
	b.buf = AppendNullElement(b.buf, key)
	return b
}

// AppendValue appends an arbitrary, already-typed Value.
func (b *DocumentBuilder) AppendValue(key string, v Value) *DocumentBuilder {
	b.buf = AppendValueElement(b.buf, key, v)
	return b
}

// Build finalizes the document, terminating and sizing it.
func (b *DocumentBuilder) Build() Document {
	buf, _ := AppendDocumentEnd(b.buf, b.idx)
	return Document(buf)
}

// ArrayBuilder incrementally assembles a BSON array, whose elements are
// keyed by their positional index ("0", "1", ...).
type ArrayBuilder struct {
	idx int32
	buf []byte
	n   int
}

// NewArrayBuilder returns a builder with a reserved length prefix.
func NewArrayBuilder() *ArrayBuilder {
	idx, buf := ReserveLength(nil)
	return &ArrayBuilder{idx: idx, buf: buf}
}

func (b *ArrayBuilder) nextKey() string {
	k := itoa(b.n)
	b.n++
	return k
}

// AppendDocument appends a document element to the array.
func (b *ArrayBuilder) AppendDocument(doc []byte) *ArrayBuilder {
	b.buf = AppendDocumentElement(b.buf, b.nextKey(), doc)
	return b
}

// AppendString appends a string element to the array.
func (b *ArrayBuilder) AppendString(s string) *ArrayBuilder {
	b.buf = AppendStringElement(b.buf, b.nextKey(), s)
	return b
}

// AppendInt32 appends an int32 element to the array.
func (b *ArrayBuilder) AppendInt32(v int32) *ArrayBuilder {
	b.buf = AppendInt32Element(b.buf, b.nextKey(), v)
	return b
}

// AppendInt64 appends an int64 element to the array.
func (b *ArrayBuilder) AppendInt64(v int64) *ArrayBuilder {
	b.buf = AppendInt64Element(b.buf, b.nextKey(), v)
	return b
}

// AppendValue appends an arbitrary, already-typed Value to the array.
func (b *ArrayBuilder) AppendValue(v Value) *ArrayBuilder {
	b.buf = AppendValueElement(b.buf, b.nextKey(), v)
	return b
}

// Build finalizes the array, terminating and sizing it.
func (b *ArrayBuilder) Build() Array {
	buf, _ := AppendDocumentEnd(b.buf, b.idx)
	return Array(buf)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
