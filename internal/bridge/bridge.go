// Package bridge is the call surface between a host runtime and a native SDK.
//
// A Bridge ties together the context registry, the response mux and the blob
// store:
//
//	host                         Bridge                          native
//	CreateContext(config) ─────> Reserve, lib.CreateContext ───> Session
//	SendRequest(h, id, fn) ────> Begin, journal ───────────────> Session.Request
//	handler <── Run/Drain <───── mux (admit via registry) <───── Emitter.Emit
//	StoreBlob/ResolveBlob <────> blob.Store <──────────────────> Host
//
// Requests never wait for their responses. Every request produces zero or
// more unfinished events and exactly one finished event, delivered to the
// single registered handler on the goroutine running Run or Drain. Events for
// destroyed contexts, and events after a request's finished event, are
// dropped.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/nbridge/internal/blob"
	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/mux"
	"github.com/roach88/nbridge/internal/native"
	"github.com/roach88/nbridge/internal/observability"
	"github.com/roach88/nbridge/internal/registry"
	"github.com/roach88/nbridge/internal/store"
)

// Journal persists requests and delivery outcomes. *store.Store implements it.
type Journal interface {
	mux.Recorder
	WriteRequest(ctx context.Context, rec store.RequestRecord) error
}

// Bridge is safe for concurrent use. It is also the native.Host handed to
// every session.
type Bridge struct {
	lib     native.Library
	reg     *registry.Registry
	mux     *mux.Mux
	blobs   *blob.Store
	journal Journal
	metrics *observability.Metrics
	clock   *mux.Clock
	closed  atomic.Bool
}

var _ native.Host = (*Bridge)(nil)

type options struct {
	blobs   *blob.Store
	journal Journal
	metrics *observability.Metrics
	clock   *mux.Clock
}

// Option configures a Bridge.
type Option func(*options)

// WithBlobStore sets the blob store (default: in-memory).
func WithBlobStore(s *blob.Store) Option {
	return func(o *options) {
		o.blobs = s
	}
}

// WithJournal records requests and events.
func WithJournal(j Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock sets the logical clock shared by requests and events, e.g. one
// resumed from a journal's last seq.
func WithClock(c *mux.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// New creates a Bridge over lib.
func New(lib native.Library, opts ...Option) *Bridge {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = mux.NewClock()
	}
	if o.blobs == nil {
		o.blobs = blob.NewStore(blob.NewMemoryBackend(), blob.WithMetrics(o.metrics))
	}

	reg := registry.New()
	muxOpts := []mux.Option{mux.WithClock(o.clock), mux.WithMetrics(o.metrics)}
	if o.journal != nil {
		muxOpts = append(muxOpts, mux.WithRecorder(o.journal))
	}

	return &Bridge{
		lib:     lib,
		reg:     reg,
		mux:     mux.New(reg, muxOpts...),
		blobs:   o.blobs,
		journal: o.journal,
		metrics: o.metrics,
		clock:   o.clock,
	}
}

// CreateContext creates a native session for configJSON and returns its
// handle. Failures are *CreateError carrying the native error code.
//
// Events the library emits before CreateContext returns are dropped: the
// handle only becomes valid once the session exists.
func (b *Bridge) CreateContext(configJSON string) (ir.ContextHandle, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	h := b.reg.Reserve()
	session, err := b.lib.CreateContext(configJSON, b, b.mux.EmitterFor(h))
	if err != nil {
		b.reg.Release(h)
		b.metrics.RecordContextFailure()
		ce := newCreateError(b.lib.Name(), err)
		slog.Warn("context creation failed",
			"library", b.lib.Name(),
			"code", ce.Code(),
			"error", ce.Err.Message,
		)
		return 0, ce
	}

	if err := b.reg.Activate(h, session); err != nil {
		session.Close()
		return 0, fmt.Errorf("create context: %w", err)
	}
	b.metrics.RecordContextCreated(b.reg.Len())

	slog.Info("context created", "handle", h, "library", b.lib.Name())
	return h, nil
}

// DestroyContext invalidates h and closes its session. Once it returns, no
// event for h reaches the handler, even if the native side keeps emitting.
//
// When called from inside a response handler, pass the handler's ctx: the
// delivery in progress is then allowed to finish instead of being waited for.
func (b *Bridge) DestroyContext(ctx context.Context, h ir.ContextHandle) error {
	session, ok := b.reg.Invalidate(h)
	if !ok {
		return fmt.Errorf("destroy context: %s: %w", h, registry.ErrInvalidHandle)
	}

	if !b.mux.InDelivery(ctx) {
		b.mux.Fence()
	}
	session.Close()
	b.metrics.RecordContextDestroyed(b.reg.Len())

	slog.Info("context destroyed", "handle", h)
	return nil
}

// SendRequest dispatches functionName to the session behind h and returns
// without waiting for a response.
//
// Errors: registry.ErrInvalidHandle if h is not live, and
// registry.ErrRequestInFlight if id has not yet received its finished event.
// Native failures arrive later as a finished error event.
func (b *Bridge) SendRequest(h ir.ContextHandle, id ir.RequestID, functionName, paramsJSON string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	session, err := b.reg.Lookup(h)
	if err != nil {
		b.metrics.RecordDispatchFailure("invalid_handle")
		return fmt.Errorf("send request: %w", err)
	}
	if err := b.reg.Begin(h, id); err != nil {
		reason := "in_flight"
		if !b.reg.Valid(h) {
			reason = "invalid_handle"
		}
		b.metrics.RecordDispatchFailure(reason)
		slog.Warn("request rejected",
			"handle", h,
			"request_id", id,
			"function", functionName,
			"reason", reason,
		)
		return fmt.Errorf("send request: %w", err)
	}

	if b.journal != nil {
		rec := store.RequestRecord{
			Seq:          b.clock.Next(),
			Handle:       h,
			RequestID:    id,
			FunctionName: functionName,
			ParamsJSON:   paramsJSON,
		}
		if err := b.journal.WriteRequest(context.Background(), rec); err != nil {
			slog.Warn("journal request failed", "error", err, "handle", h, "request_id", id)
		}
	}

	if err := dispatch(session, id, functionName, paramsJSON); err != nil {
		b.reg.Abort(h, id)
		b.metrics.RecordDispatchFailure("native_panic")
		slog.Error("native request failed", "error", err, "handle", h, "request_id", id)
		return fmt.Errorf("send request: %w", err)
	}
	b.metrics.RecordDispatch()

	slog.Debug("request dispatched",
		"handle", h,
		"request_id", id,
		"function", functionName,
	)
	return nil
}

func dispatch(session native.Session, id ir.RequestID, functionName, paramsJSON string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("native request panic: %v", r)
		}
	}()
	session.Request(id, functionName, paramsJSON)
	return nil
}

// SetResponseHandler registers the single consumer of response events and
// returns the one it replaced. Events not yet delivered, including ones
// already queued, go to the new handler. nil unregisters; events delivered
// without a handler are dropped.
func (b *Bridge) SetResponseHandler(h mux.Handler) mux.Handler {
	return b.mux.SetHandler(h)
}

// StoreBlob copies data into the blob store.
func (b *Bridge) StoreBlob(data []byte) (ir.BlobHandle, error) {
	return b.blobs.Store(context.Background(), data)
}

// ResolveBlob returns a copy of size bytes at offset. Errors wrap
// blob.ErrNotFound or blob.ErrOutOfRange.
func (b *Bridge) ResolveBlob(handle ir.BlobHandle, offset, size int64) ([]byte, error) {
	return b.blobs.Resolve(context.Background(), handle, offset, size)
}

// Blobs returns the bridge's blob store.
func (b *Bridge) Blobs() *blob.Store {
	return b.blobs
}

// Run delivers events on the calling goroutine until ctx is cancelled or the
// bridge is closed and drained.
func (b *Bridge) Run(ctx context.Context) error {
	return b.mux.Run(ctx)
}

// Drain delivers every queued event on the calling goroutine and returns how
// many were processed.
func (b *Bridge) Drain(ctx context.Context) int {
	return b.mux.Drain(ctx)
}

// Inject queues an event as if the native session behind h had emitted it.
// Used by tests and the scenario harness to simulate late or stray events.
func (b *Bridge) Inject(h ir.ContextHandle, ev ir.ResponseEvent) bool {
	return b.mux.Emit(h, ev)
}

// Pending returns the number of undelivered events.
func (b *Bridge) Pending() int {
	return b.mux.QueueLen()
}

// InFlight returns the number of requests on h awaiting their finished event.
func (b *Bridge) InFlight(h ir.ContextHandle) int {
	return b.reg.InFlight(h)
}

// Contexts returns the live context handles.
func (b *Bridge) Contexts() []ir.ContextHandle {
	return b.reg.Handles()
}

// Close destroys every live context and stops accepting events. Events
// already queued remain deliverable through Run or Drain.
func (b *Bridge) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	for _, h := range b.reg.Handles() {
		if err := b.DestroyContext(ctx, h); err != nil {
			slog.Debug("close: context already gone", "handle", h)
		}
	}
	b.mux.Close()
	slog.Info("bridge closed")
	return nil
}
