// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync/atomic"

	"go.mongocore.dev/driver/bson/bsoncore"
)

// ErrInvalidResponse is returned for any reply the codec cannot make sense
// of: a short read, an unknown opcode, a missing document section, or a
// checksum mismatch.
var ErrInvalidResponse = errors.New("invalid response from server")

const headerLen = 16

var requestIDCounter int32

// NextRequestID returns the next driver-generated request id. Request ids
// are allocated from a single global counter, so two concurrent requests on
// the same connection never collide.
func NextRequestID() int32 {
	return atomic.AddInt32(&requestIDCounter, 1)
}

// Header is the 16-byte prefix common to every wire message.
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     OpCode
}

// AppendHeader appends an encoded Header with Length left as a placeholder;
// callers finalize the length with UpdateLength after encoding the body.
func AppendHeader(dst []byte, h Header) []byte {
	dst = appendi32(dst, h.Length)
	dst = appendi32(dst, h.RequestID)
	dst = appendi32(dst, h.ResponseTo)
	return appendi32(dst, int32(h.OpCode))
}

// ReadHeader decodes the 16-byte header prefix of src.
func ReadHeader(src []byte) (Header, []byte, bool) {
	if len(src) < headerLen {
		return Header{}, src, false
	}
	length, rem, _ := readi32(src)
	requestID, rem, _ := readi32(rem)
	responseTo, rem, _ := readi32(rem)
	opcode, rem, _ := readi32(rem)
	return Header{Length: length, RequestID: requestID, ResponseTo: responseTo, OpCode: OpCode(opcode)}, rem, true
}

func appendi32(dst []byte, v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return append(dst, b...)
}

func readi32(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src)), src[4:], true
}

// Section is one OP_MSG body section: type 0 wraps a single document, type
// 1 outlines a named array of documents (the "documents", "updates",
// "deletes", "ops" or "nsInfo" fields hoisted out of the command body for
// size efficiency).
type Section struct {
	// Kind 0 or 1.
	Kind byte
	// Identifier is set only for Kind == 1.
	Identifier string
	// Documents holds exactly one document for Kind == 0, or any number
	// for Kind == 1.
	Documents []bsoncore.Document
}

// AppendOpMsg assembles a full OP_MSG wire message (header + flags +
// sections + optional checksum) for requestID.
func AppendOpMsg(requestID int32, flags MsgFlag, sections []Section) []byte {
	var body []byte
	body = appendi32(body, int32(flags))
	for _, s := range sections {
		body = append(body, s.Kind)
		switch s.Kind {
		case 0:
			if len(s.Documents) != 1 {
				panic("type 0 section must contain exactly one document")
			}
			body = append(body, s.Documents[0]...)
		case 1:
			idx, sectionBody := bsoncore.ReserveLength(nil)
			sectionBody = bsoncore.AppendKey(sectionBody, s.Identifier)
			for _, d := range s.Documents {
				sectionBody = append(sectionBody, d...)
			}
			sectionBody = bsoncore.UpdateLength(sectionBody, idx, int32(len(sectionBody)))
			body = append(body, sectionBody...)
		default:
			panic(fmt.Sprintf("unsupported section kind %d", s.Kind))
		}
	}

	if flags&ChecksumPresent != 0 {
		sum := crc32.Checksum(body, crc32.MakeTable(crc32.Castagnoli))
		body = appendi32(body, int32(sum))
	}

	dst := AppendHeader(nil, Header{RequestID: requestID, OpCode: OpMsg})
	dst = append(dst, body...)
	dst = bsoncore.UpdateLength(dst, 0, int32(len(dst)))
	return dst
}

// DecodeOpMsg parses a full OP_MSG wire message (header already stripped by
// the caller via ReadHeader is NOT assumed; this function re-reads the
// header itself so callers can hand it the entire frame as read off the
// socket).
func DecodeOpMsg(src []byte) (Header, []Section, error) {
	h, rem, ok := ReadHeader(src)
	if !ok {
		return Header{}, nil, ErrInvalidResponse
	}
	if h.OpCode != OpMsg {
		return h, nil, ErrInvalidResponse
	}
	if int(h.Length) != len(src) {
		return h, nil, ErrInvalidResponse
	}

	flagsVal, rem, ok := readi32(rem)
	if !ok {
		return h, nil, ErrInvalidResponse
	}
	flags := MsgFlag(flagsVal)

	var checksum []byte
	if flags&ChecksumPresent != 0 {
		if len(rem) < 4 {
			return h, nil, ErrInvalidResponse
		}
		checksum = rem[len(rem)-4:]
		rem = rem[:len(rem)-4]
	}

	var sections []Section
	for len(rem) > 0 {
		kind := rem[0]
		rem = rem[1:]
		switch kind {
		case 0:
			length, _, ok := bsoncore.ReadLength(rem)
			if !ok || int(length) > len(rem) {
				return h, nil, ErrInvalidResponse
			}
			doc := bsoncore.Document(rem[:length])
			sections = append(sections, Section{Kind: 0, Documents: []bsoncore.Document{doc}})
			rem = rem[length:]
		case 1:
			length, after, ok := bsoncore.ReadLength(rem)
			if !ok || int(length) > len(rem) {
				return h, nil, ErrInvalidResponse
			}
			sectionBytes := rem[4:length]
			rem = rem[length:]

			idIdx := indexNull(after)
			if idIdx < 0 {
				return h, nil, ErrInvalidResponse
			}
			identifier := string(after[:idIdx])
			docsBytes := sectionBytes[idIdx+1:]

			var docs []bsoncore.Document
			for len(docsBytes) > 0 {
				dl, _, ok := bsoncore.ReadLength(docsBytes)
				if !ok || int(dl) > len(docsBytes) {
					return h, nil, ErrInvalidResponse
				}
				docs = append(docs, bsoncore.Document(docsBytes[:dl]))
				docsBytes = docsBytes[dl:]
			}
			sections = append(sections, Section{Kind: 1, Identifier: identifier, Documents: docs})
		default:
			return h, nil, ErrInvalidResponse
		}
	}

	if len(checksum) == 4 {
		// Recompute over everything except the checksum itself. The body
		// we hashed on encode excludes the 16-byte header.
		bodyStart := headerLen
		bodyEnd := len(src) - 4
		want := binary.LittleEndian.Uint32(checksum)
		got := crc32.Checksum(src[bodyStart:bodyEnd], crc32.MakeTable(crc32.Castagnoli))
		if want != got {
			return h, nil, ErrInvalidResponse
		}
	}

	if len(sections) == 0 {
		return h, nil, ErrInvalidResponse
	}
	return h, sections, nil
}

func indexNull(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// FirstDocument returns the type-0 section's document, the form every reply
// carries as its primary body.
func FirstDocument(sections []Section) (bsoncore.Document, error) {
	for _, s := range sections {
		if s.Kind == 0 && len(s.Documents) == 1 {
			return s.Documents[0], nil
		}
	}
	return nil, ErrInvalidResponse
}
