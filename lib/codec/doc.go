// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration shared by prison
// records and the executor wire protocol.
//
// Encoding uses Core Deterministic Encoding: sorted map keys, the
// smallest integer encoding, no indefinite-length items. Types that
// implement encoding.TextMarshaler (uuid.UUID, rules.CellKind) are
// encoded as text strings. Decoding ignores unknown fields and decodes
// untyped maps as map[string]any.
//
// Callers import this package rather than fxamacker/cbor directly, so
// the options are set in one place.
package codec
