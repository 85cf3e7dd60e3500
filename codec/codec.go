// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec encodes persisted records: CBOR with Core Deterministic
// Encoding, optionally zstd-compressed behind a one-byte marker.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the size above which Pack compresses.
const CompressThreshold = 100 * 1024

// Record markers.
const (
	markerPlain byte = 0x00
	markerZstd  byte = 0x01
)

// ErrCorrupt is returned for records with an unknown marker.
var ErrCorrupt = errors.New("corrupt record")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	// Nil writer/reader: only EncodeAll/DecodeAll are used, which are concurrency safe.
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Pack marshals v and compresses the result when it is large.
func Pack(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) <= CompressThreshold {
		return append([]byte{markerPlain}, data...), nil
	}
	out := make([]byte, 1, len(data)/2)
	out[0] = markerZstd
	return encoder.EncodeAll(data, out), nil
}

// Unpack reverses Pack.
func Unpack(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrCorrupt)
	}
	body := data[1:]
	switch data[0] {
	case markerPlain:
	case markerZstd:
		var err error
		body, err = decoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress record: %w", err)
		}
	default:
		return fmt.Errorf("%w: marker 0x%02x", ErrCorrupt, data[0])
	}
	if err := Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// Compressed reports whether a packed record was compressed.
func Compressed(data []byte) bool {
	return len(data) > 0 && data[0] == markerZstd
}
