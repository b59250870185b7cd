// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"bytes"
	"fmt"
)

// Document is a raw bytes representation of a BSON document.
type Document []byte

// NewDocumentBuilder returns a builder with a reserved length prefix.
func NewDocumentBuilder() *DocumentBuilder {
	idx, buf := ReserveLength(nil)
	return &DocumentBuilder{idx: idx, buf: buf}
}

// Len returns the declared length of the document without validating it.
func (d Document) Len() int32 {
	l, _, ok := ReadLength(d)
	if !ok {
		return 0
	}
	return l
}

// Validate checks that the document's declared length matches the available
// bytes, that every element parses, and that the document is null
// terminated.
func (d Document) Validate() error {
	length, rem, ok := ReadLength(d)
	if !ok {
		return NewInsufficientBytesError(d, rem)
	}
	if int(length) > len(d) {
		return lengthError("document", int(length), len(d))
	}
	if d[length-1] != 0x00 {
		return ErrMissingNull
	}

	length -= 4
	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return NewInsufficientBytesError(d, rem)
		}
		length -= int32(len(elem))
		if err := elem.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Elements parses the document into its top-level elements.
func (d Document) Elements() ([]Element, error) {
	length, rem, ok := ReadLength(d)
	if !ok {
		return nil, NewInsufficientBytesError(d, rem)
	}
	length -= 4

	var elems []Element
	for length > 1 {
		elem, next, ok := ReadElement(rem)
		if !ok {
			return elems, NewInsufficientBytesError(d, rem)
		}
		length -= int32(len(elem))
		rem = next
		elems = append(elems, elem)
	}
	return elems, nil
}

// Lookup finds the value for key, returning the zero Value if absent.
func (d Document) Lookup(key string) Value {
	v, _ := d.LookupErr(key)
	return v
}

// LookupErr finds the value for key, returning an error if it is absent or
// the document cannot be parsed.
func (d Document) LookupErr(key string) (Value, error) {
	elems, err := d.Elements()
	if err != nil {
		return Value{}, err
	}
	for _, e := range elems {
		if e.Key() == key {
			return e.Value(), nil
		}
	}
	return Value{}, fmt.Errorf("key %q not found in document", key)
}

// Value returns this document as a Value of type embedded document, sharing
// the document's bytes.
func (d Document) Value() Value {
	return Value{Type: TypeEmbeddedDocument, Data: d}
}

// String outputs a best-effort extended-JSON-ish rendering, used for
// debugging and log messages.
func (d Document) String() string {
	elems, err := d.Elements()
	if err != nil {
		return "<malformed>"
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range elems {
		if i != 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%s", e.Key(), e.Value().String())
	}
	buf.WriteByte('}')
	return buf.String()
}

// Copy returns an independent copy of the document's bytes.
func (d Document) Copy() Document {
	cp := make([]byte, len(d))
	copy(cp, d)
	return cp
}

// Element is a raw bytes representation of a single BSON document element:
// a type byte, a null-terminated key, and type-specific value bytes.
type Element []byte

// Key returns the element's key.
func (e Element) Key() string {
	k, _, _ := readKey(e[1:])
	return k
}

// Value returns the element's value.
func (e Element) Value() Value {
	t := Type(e[0])
	_, rest, _ := readKey(e[1:])
	return Value{Type: t, Data: rest}
}

// Validate checks that the element's value bytes are well formed for its
// declared type.
func (e Element) Validate() error {
	if len(e) < 1 {
		return NewInsufficientBytesError(e, e)
	}
	_, rest, ok := readKey(e[1:])
	if !ok {
		return NewInsufficientBytesError(e, e)
	}
	switch Type(e[0]) {
	case TypeEmbeddedDocument, TypeArray:
		return Document(rest).Validate()
	}
	return nil
}

// DebugString renders the element for debug/log output.
func (e Element) DebugString() string {
	return fmt.Sprintf("%q: %s", e.Key(), e.Value().String())
}

// String renders the element as extended-JSON-ish text.
func (e Element) String() string {
	return e.DebugString()
}

// ReadElement reads one element from the front of src, returning the
// element, the remaining bytes, and whether the read succeeded.
func ReadElement(src []byte) (Element, []byte, bool) {
	if len(src) < 1 {
		return nil, src, false
	}
	t := Type(src[0])
	key, rem, ok := readKey(src[1:])
	if !ok {
		return nil, src, false
	}

	valLen, ok := valueLength(t, rem)
	if !ok || valLen > len(rem) {
		return nil, src, false
	}

	elemLen := 1 + len(key) + 1 + valLen
	if elemLen > len(src) {
		return nil, src, false
	}
	return Element(src[:elemLen]), src[elemLen:], true
}

// valueLength determines how many bytes of rem belong to the value portion
// of a type-t element.
func valueLength(t Type, rem []byte) (int, bool) {
	switch t {
	case TypeDouble, TypeDateTime, TypeInt64, TypeTimestamp:
		return 8, len(rem) >= 8
	case TypeString, TypeJavaScript, TypeSymbol:
		l, _, ok := readi32(rem)
		if !ok {
			return 0, false
		}
		return 4 + int(l), true
	case TypeEmbeddedDocument, TypeArray:
		l, _, ok := readi32(rem)
		if !ok {
			return 0, false
		}
		return int(l), true
	case TypeBinary:
		l, _, ok := readi32(rem)
		if !ok {
			return 0, false
		}
		return 4 + 1 + int(l), true
	case TypeUndefined, TypeNull, TypeMinKey, TypeMaxKey:
		return 0, true
	case TypeObjectID:
		return 12, len(rem) >= 12
	case TypeBoolean:
		return 1, len(rem) >= 1
	case TypeRegex:
		idx1 := indexNull(rem)
		if idx1 < 0 {
			return 0, false
		}
		idx2 := indexNull(rem[idx1+1:])
		if idx2 < 0 {
			return 0, false
		}
		return idx1 + 1 + idx2 + 1, true
	case TypeInt32:
		return 4, len(rem) >= 4
	case TypeDecimal128:
		return 16, len(rem) >= 16
	case TypeDBPointer:
		l, _, ok := readi32(rem)
		if !ok {
			return 0, false
		}
		return 4 + int(l) + 12, true
	case TypeCodeWithScope:
		l, _, ok := readi32(rem)
		if !ok {
			return 0, false
		}
		return int(l), true
	default:
		return 0, false
	}
}
