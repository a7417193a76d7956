// Package native defines the boundary between the bridge and a native SDK.
//
// The SDK's business logic is a black box. The bridge only needs to create
// and close sessions, hand them requests, and receive their response events
// through an Emitter. Implementations run requests on their own goroutines
// and may call the Emitter from any of them.
package native

import "github.com/roach88/nbridge/internal/ir"

// Library creates native sessions.
type Library interface {
	// Name identifies the library in logs and the CLI.
	Name() string

	// CreateContext starts a session for the given configuration. It returns
	// once the session exists or creation failed; startup work may continue
	// inside the session afterwards. Configuration failures should be
	// reported as *ir.ClientError.
	CreateContext(configJSON string, host Host, emit Emitter) (Session, error)
}

// Session is one live native context.
type Session interface {
	// Request schedules work for functionName and returns without waiting.
	// Every request eventually produces zero or more unfinished events and
	// exactly one finished event for requestID, emitted in order.
	Request(requestID ir.RequestID, functionName, paramsJSON string)

	// Close tears the session down. Work already scheduled may still emit;
	// the bridge discards those events.
	Close()
}

// Emitter receives response events for one context. Emit must not block on
// the consumer and is safe to call from any goroutine.
type Emitter interface {
	Emit(requestID ir.RequestID, paramsJSON string, responseType ir.ResponseType, finished bool)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(requestID ir.RequestID, paramsJSON string, responseType ir.ResponseType, finished bool)

// Emit calls f.
func (f EmitterFunc) Emit(requestID ir.RequestID, paramsJSON string, responseType ir.ResponseType, finished bool) {
	f(requestID, paramsJSON, responseType, finished)
}

// Host exposes bridge services to native code, so binary payloads can be
// exchanged by blob handle instead of being encoded into paramsJSON.
type Host interface {
	StoreBlob(data []byte) (ir.BlobHandle, error)
	ResolveBlob(handle ir.BlobHandle, offset, size int64) ([]byte, error)
}
