// Package ir holds the data model shared by every layer of the bridge.
//
// This package contains type definitions and their codecs only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - ContextHandle is a generation-checked slot reference, never a raw counter
//   - paramsJson payloads are opaque strings; ir never parses them
//   - ResponseType is passed through uninterpreted; the named values exist for
//     logging and tests only
//   - Logical clocks (seq) order events, never wall-clock timestamps
package ir
