// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import "bytes"

// Array is a raw bytes representation of a BSON array. Arrays are encoded
// identically to documents, with positional string keys ("0", "1", ...).
type Array []byte

// Values parses the array into a slice of Values, discarding the positional
// keys.
func (a Array) Values() ([]Value, error) {
	elems, err := Document(a).Elements()
	if err != nil {
		return nil, err
	}
	values := make([]Value, len(elems))
	for i, e := range elems {
		values[i] = e.Value()
	}
	return values, nil
}

// Index returns the element at the given position, panicking if the array
// is malformed or the index is out of range.
func (a Array) Index(index uint) Value {
	values, err := a.Values()
	if err != nil || int(index) >= len(values) {
		panic("index out of range or array malformed")
	}
	return values[index]
}

// Validate validates the array using the same rules as Document.Validate.
func (a Array) Validate() error {
	return Document(a).Validate()
}

// String renders the array as JSON-ish text.
func (a Array) String() string {
	values, err := a.Values()
	if err != nil {
		return "<malformed>"
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range values {
		if i != 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(v.String())
	}
	buf.WriteByte(']')
	return buf.String()
}
