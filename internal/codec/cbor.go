// Copyright 2026 The Chronos Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Chronos's single canonical serialization format:
// deterministic CBOR. Recorded source values and the agent's IPC
// request/response envelopes round-trip through this package so that two
// encodings of the same logical value always produce identical bytes —
// a property the content-addressable checkpoint hash in package verify
// depends on directly.
package codec

import (
	"crypto/sha256"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode implements Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest-form integers, no indefinite-length items. Identical
// values always produce identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields.
var decMode cbor.DecMode

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString

	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Chronos's deterministic CBOR configuration.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder using Chronos's deterministic mode.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage delays decoding, or carries pre-encoded CBOR output.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder writing to w in deterministic mode.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for data.
// Used by cmd/chronos-inspect to render raw frame contents for debugging.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

// Hash returns the SHA-256 digest of v's deterministic CBOR encoding.
// Package verify's content-addressable checkpoint hash calls this for
// values that don't implement a pure-data canonical-bytes shape of their
// own: deterministic CBOR is the only encoding this package guarantees
// byte-for-byte stable across repeated encodings of the same value, so
// it's the only one a content hash can safely be built on.
func Hash(v any) ([32]byte, error) {
	encoded, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(encoded), nil
}
