// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"fmt"
	"math"

	"go.mongocore.dev/driver/bson/primitive"
)

// Value represents a single BSON value: a type tag plus its raw,
// type-specific encoded bytes (no leading key, no trailing terminator
// beyond what the type itself requires).
type Value struct {
	Type Type
	Data []byte
}

// IsZero reports whether the Value carries no data.
func (v Value) IsZero() bool {
	return v.Type == 0x00 && len(v.Data) == 0
}

// Document interprets the Value as an embedded document.
func (v Value) Document() Document {
	if v.Type != TypeEmbeddedDocument {
		panic(fmt.Sprintf("value is type %s, not document", v.Type))
	}
	return Document(v.Data)
}

// Array interprets the Value as an array.
func (v Value) Array() Array {
	if v.Type != TypeArray {
		panic(fmt.Sprintf("value is type %s, not array", v.Type))
	}
	return Array(v.Data)
}

// StringValueOK returns the value as a Go string if it is a BSON string.
func (v Value) StringValueOK() (string, bool) {
	if v.Type != TypeString {
		return "", false
	}
	_, rem, ok := readi32(v.Data)
	if !ok || len(rem) == 0 {
		return "", false
	}
	return string(rem[:len(rem)-1]), true
}

// StringValue returns the value as a Go string, panicking if it is not one.
func (v Value) StringValue() string {
	s, ok := v.StringValueOK()
	if !ok {
		panic(fmt.Sprintf("value is type %s, not string", v.Type))
	}
	return s
}

// Int32OK returns the value as an int32 if it is a BSON 32-bit integer.
func (v Value) Int32OK() (int32, bool) {
	if v.Type != TypeInt32 {
		return 0, false
	}
	i, _, ok := readi32(v.Data)
	return i, ok
}

// Int64OK returns the value as an int64 if it is a BSON 64-bit integer.
func (v Value) Int64OK() (int64, bool) {
	if v.Type != TypeInt64 {
		return 0, false
	}
	i, _, ok := readi64(v.Data)
	return i, ok
}

// AsInt64OK coerces numeric BSON types (int32, int64, double) to int64.
func (v Value) AsInt64OK() (int64, bool) {
	switch v.Type {
	case TypeInt64:
		return v.Int64OK()
	case TypeInt32:
		i, ok := v.Int32OK()
		return int64(i), ok
	case TypeDouble:
		d, ok := v.DoubleOK()
		return int64(d), ok
	default:
		return 0, false
	}
}

// DoubleOK returns the value as a float64 if it is a BSON double.
func (v Value) DoubleOK() (float64, bool) {
	if v.Type != TypeDouble {
		return 0, false
	}
	if len(v.Data) < 8 {
		return 0, false
	}
	bits, _, ok := readi64(v.Data)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(uint64(bits)), true
}

// BooleanOK returns the value as a bool if it is a BSON boolean.
func (v Value) BooleanOK() (bool, bool) {
	if v.Type != TypeBoolean || len(v.Data) < 1 {
		return false, false
	}
	return v.Data[0] == 0x01, true
}

// Boolean returns the value as a bool, panicking if it is not one.
func (v Value) Boolean() bool {
	b, ok := v.BooleanOK()
	if !ok {
		panic(fmt.Sprintf("value is type %s, not boolean", v.Type))
	}
	return b
}

// ObjectIDOK returns the value as a primitive.ObjectID if it is one.
func (v Value) ObjectIDOK() (primitive.ObjectID, bool) {
	if v.Type != TypeObjectID || len(v.Data) < 12 {
		return primitive.ObjectID{}, false
	}
	var id primitive.ObjectID
	copy(id[:], v.Data[:12])
	return id, true
}

// TimestampOK returns the value as a (t, i) pair if it is a BSON timestamp.
func (v Value) TimestampOK() (t, i uint32, ok bool) {
	if v.Type != TypeTimestamp || len(v.Data) < 8 {
		return 0, 0, false
	}
	lo, _, _ := readi32(v.Data[0:4])
	hi, _, _ := readi32(v.Data[4:8])
	return uint32(hi), uint32(lo), true
}

// DateTimeOK returns the value as milliseconds-since-epoch if it is a BSON
// datetime.
func (v Value) DateTimeOK() (int64, bool) {
	if v.Type != TypeDateTime {
		return 0, false
	}
	return v.Int64OK()
}

// IsNumber reports whether the value's type is one of the BSON numeric
// types.
func (v Value) IsNumber() bool {
	switch v.Type {
	case TypeDouble, TypeInt32, TypeInt64, TypeDecimal128:
		return true
	default:
		return false
	}
}

// Equal reports whether two Values have the same type and encoded bytes.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type || len(v.Data) != len(other.Data) {
		return false
	}
	for i := range v.Data {
		if v.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// String implements the fmt.Stringer interface with a best-effort rendering.
func (v Value) String() string {
	switch v.Type {
	case TypeString:
		s, _ := v.StringValueOK()
		return fmt.Sprintf("%q", s)
	case TypeInt32:
		i, _ := v.Int32OK()
		return fmt.Sprintf("%d", i)
	case TypeInt64:
		i, _ := v.Int64OK()
		return fmt.Sprintf("%d", i)
	case TypeDouble:
		d, _ := v.DoubleOK()
		return fmt.Sprintf("%v", d)
	case TypeBoolean:
		b, _ := v.BooleanOK()
		return fmt.Sprintf("%v", b)
	case TypeEmbeddedDocument:
		return v.Document().String()
	case TypeArray:
		return v.Array().String()
	case TypeNull:
		return "null"
	default:
		return fmt.Sprintf("<%s>", v.Type)
	}
}
