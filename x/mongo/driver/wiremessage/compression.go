// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"go.mongocore.dev/driver/bson/bsoncore"
)

// CompressorName returns the wire negotiation name ("snappy", "zlib",
// "zstd") for id, or "" if id is CompressorNoop or unrecognized.
func CompressorName(id CompressorID) string {
	switch id {
	case CompressorSnappy:
		return "snappy"
	case CompressorZLib:
		return "zlib"
	case CompressorZstd:
		return "zstd"
	default:
		return ""
	}
}

// CompressorByName reverses CompressorName, returning (0, false) for
// anything the driver does not recognize so the caller can drop it from
// the negotiated compressor list instead of failing the handshake.
func CompressorByName(name string) (CompressorID, bool) {
	switch name {
	case "snappy":
		return CompressorSnappy, true
	case "zlib":
		return CompressorZLib, true
	case "zstd":
		return CompressorZstd, true
	default:
		return 0, false
	}
}

// Compress encodes the OP_COMPRESSED wrapper around an already-built OP_MSG
// wire message: (originalOpCode int32, uncompressedSize int32, compressorID
// byte, compressedPayload). The payload handed to Compress is the
// full uncompressed message produced by AppendOpMsg, header included; only
// the bytes after the 16-byte header are compressed, matching the
// uncompressedSize the server expects.
func Compress(msg []byte, id CompressorID, zlibLevel int) ([]byte, error) {
	if len(msg) < headerLen {
		return nil, ErrInvalidResponse
	}
	h, _, ok := ReadHeader(msg)
	if !ok {
		return nil, ErrInvalidResponse
	}
	uncompressed := msg[headerLen:]

	payload, err := compressBytes(uncompressed, id, zlibLevel)
	if err != nil {
		return nil, err
	}

	var body []byte
	body = appendi32(body, int32(h.OpCode))
	body = appendi32(body, int32(len(uncompressed)))
	body = append(body, byte(id))
	body = append(body, payload...)

	dst := AppendHeader(nil, Header{RequestID: h.RequestID, ResponseTo: h.ResponseTo, OpCode: OpCompressed})
	dst = append(dst, body...)
	dst = bsoncore.UpdateLength(dst, 0, int32(len(dst)))
	return dst, nil
}

// Decompress reverses Compress, returning the original OP_MSG (or other
// wrapped opcode's) wire message, header included.
func Decompress(msg []byte) ([]byte, error) {
	h, rem, ok := ReadHeader(msg)
	if !ok || h.OpCode != OpCompressed {
		return nil, ErrInvalidResponse
	}
	originalOpCode, rem, ok := readi32(rem)
	if !ok {
		return nil, ErrInvalidResponse
	}
	uncompressedSize, rem, ok := readi32(rem)
	if !ok || uncompressedSize < 0 {
		return nil, ErrInvalidResponse
	}
	if len(rem) < 1 {
		return nil, ErrInvalidResponse
	}
	id := CompressorID(rem[0])
	payload := rem[1:]

	uncompressed, err := decompressBytes(payload, id, int(uncompressedSize))
	if err != nil {
		return nil, err
	}
	if len(uncompressed) != int(uncompressedSize) {
		return nil, ErrInvalidResponse
	}

	dst := AppendHeader(nil, Header{RequestID: h.RequestID, ResponseTo: h.ResponseTo, OpCode: OpCode(originalOpCode)})
	dst = append(dst, uncompressed...)
	dst = bsoncore.UpdateLength(dst, 0, int32(len(dst)))
	return dst, nil
}

func compressBytes(src []byte, id CompressorID, zlibLevel int) ([]byte, error) {
	switch id {
	case CompressorNoop:
		return src, nil
	case CompressorSnappy:
		return snappy.Encode(nil, src), nil
	case CompressorZLib:
		var buf bytes.Buffer
		level := zlibLevel
		if level == 0 {
			level = zlib.DefaultCompression
		}
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressorZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compressor id %d", id)
	}
}

func decompressBytes(src []byte, id CompressorID, sizeHint int) ([]byte, error) {
	switch id {
	case CompressorNoop:
		return src, nil
	case CompressorSnappy:
		dst := make([]byte, 0, sizeHint)
		return snappy.Decode(dst, src)
	case CompressorZLib:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		buf := bytes.NewBuffer(make([]byte, 0, sizeHint))
		if _, err := io.Copy(buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressorZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(src, make([]byte, 0, sizeHint))
	default:
		return nil, fmt.Errorf("unsupported compressor id %d", id)
	}
}
