package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/native"
	"github.com/roach88/nbridge/internal/observability"
	"github.com/roach88/nbridge/internal/registry"
)

// ReasonNoHandler is the discard reason for admitted events that arrived
// while no handler was registered.
const ReasonNoHandler = "no_handler"

// ReasonHandlerPanic is recorded when the handler panicked on an event.
const ReasonHandlerPanic = "handler_panic"

// Handler consumes response events. It is always called on the goroutine
// running Run or Drain, never concurrently with itself.
//
// ctx is marked as a delivery context; see Mux.InDelivery.
type Handler interface {
	HandleResponse(ctx context.Context, ev ir.ResponseEvent)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev ir.ResponseEvent)

// HandleResponse calls f.
func (f HandlerFunc) HandleResponse(ctx context.Context, ev ir.ResponseEvent) {
	f(ctx, ev)
}

// Gate decides at delivery time whether an event may reach the handler.
// Implemented by *registry.Registry.
type Gate interface {
	Valid(h ir.ContextHandle) bool
	Admit(h ir.ContextHandle, id ir.RequestID, finished bool) registry.Disposition
}

// Recorder journals every event that reached the delivery stage together
// with its outcome ("delivered" or a discard reason).
type Recorder interface {
	RecordEvent(ctx context.Context, ev ir.NativeEvent, outcome string) error
}

// Mux is the single-consumer response channel.
//
// Thread-safety model:
//   - Emit(), EmitterFor(), SetHandler(), Fence(): safe from any goroutine
//   - Run()/Drain(): may be called from any goroutine; deliveries are serialized
//   - Handler: invoked with the delivery lock held, so it must not call Drain
//     or Fence itself
type Mux struct {
	gate    Gate
	queue   *eventQueue
	clock   *Clock
	metrics *observability.Metrics
	rec     Recorder

	handlerMu sync.RWMutex
	handler   Handler

	// deliverMu covers dequeue, admission and the handler call as one step.
	deliverMu sync.Mutex
}

// Option configures a Mux.
type Option func(*Mux)

// WithClock sets the logical clock used to stamp events.
func WithClock(c *Clock) Option {
	return func(m *Mux) {
		m.clock = c
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Mux) {
		m.metrics = metrics
	}
}

// WithRecorder attaches an event journal.
func WithRecorder(r Recorder) Option {
	return func(m *Mux) {
		m.rec = r
	}
}

// New creates a Mux that consults gate before every delivery.
func New(gate Gate, opts ...Option) *Mux {
	m := &Mux{gate: gate}
	for _, opt := range opts {
		opt(m)
	}
	if m.clock == nil {
		m.clock = NewClock()
	}
	m.queue = newEventQueue(m.clock)
	return m
}

// Emit enqueues a native event for handle h. It never waits for the consumer.
// Events for handles that are already invalid are dropped immediately.
// Returns false if the event was not queued.
func (m *Mux) Emit(h ir.ContextHandle, ev ir.ResponseEvent) bool {
	if !m.gate.Valid(h) {
		m.metrics.RecordDiscarded(registry.DiscardInvalidHandle.String())
		slog.Debug("event dropped at emit",
			"handle", h,
			"request_id", ev.RequestID,
			"reason", registry.DiscardInvalidHandle.String(),
		)
		return false
	}

	queued, ok := m.queue.Enqueue(ir.NativeEvent{Handle: h, ResponseEvent: ev})
	if !ok {
		m.metrics.RecordDiscarded("closed")
		return false
	}
	m.metrics.RecordEmit(m.queue.Len())

	slog.Debug("event emitted",
		"handle", h,
		"request_id", ev.RequestID,
		"response_type", ev.ResponseType,
		"finished", ev.Finished,
		"seq", queued.Seq,
	)
	return true
}

// EmitterFor returns a native.Emitter bound to handle h.
func (m *Mux) EmitterFor(h ir.ContextHandle) native.Emitter {
	return native.EmitterFunc(func(id ir.RequestID, paramsJSON string, t ir.ResponseType, finished bool) {
		m.Emit(h, ir.ResponseEvent{
			RequestID:    id,
			ParamsJSON:   paramsJSON,
			ResponseType: t,
			Finished:     finished,
		})
	})
}

// SetHandler registers the consumer, replacing the previous one, and returns
// the previous handler. Events already queued but not yet delivered go to
// the new handler. Passing nil unregisters.
func (m *Mux) SetHandler(h Handler) Handler {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()

	prev := m.handler
	m.handler = h
	return prev
}

func (m *Mux) currentHandler() Handler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

// Run is the consumer loop. It delivers events as they arrive until ctx is
// cancelled (returning ctx.Err()) or the mux is closed and drained
// (returning nil). Cancellation leaves queued events in place for Drain.
//
// Handler panics are logged and the loop continues.
func (m *Mux) Run(ctx context.Context) error {
	slog.Info("response mux starting")

	for {
		if m.deliverNext(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("response mux stopping: context cancelled")
			return ctx.Err()

		case <-m.queue.Wait():
			// The signal channel is closed once the queue is closed.
			if m.queue.Drained() {
				slog.Info("response mux stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain delivers every event queued at the time of the call, plus any that
// arrive while draining, on the caller's goroutine. Returns the number of
// events processed (delivered or discarded).
func (m *Mux) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil && m.deliverNext(ctx) {
		n++
	}
	return n
}

// Fence blocks until the delivery in progress, if any, has returned.
// Must not be called from inside a Handler.
func (m *Mux) Fence() {
	m.deliverMu.Lock()
	//nolint:staticcheck // empty critical section is the point
	m.deliverMu.Unlock()
}

// InDelivery reports whether ctx was handed to a Handler by this mux.
func (m *Mux) InDelivery(ctx context.Context) bool {
	owner, _ := ctx.Value(deliveryKey{}).(*Mux)
	return owner == m
}

// Close stops accepting events. Queued events remain deliverable.
func (m *Mux) Close() {
	m.queue.Close()
}

// QueueLen returns the number of undelivered events.
func (m *Mux) QueueLen() int {
	return m.queue.Len()
}

// Clock returns the mux's logical clock.
func (m *Mux) Clock() *Clock {
	return m.clock
}

type deliveryKey struct{}

// deliverNext takes one event off the queue and delivers or discards it.
func (m *Mux) deliverNext(ctx context.Context) bool {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	ev, ok := m.queue.TryDequeue()
	if !ok {
		return false
	}
	m.metrics.SetQueueDepth(m.queue.Len())

	outcome := m.gate.Admit(ev.Handle, ev.RequestID, ev.Finished).String()
	if outcome == registry.Deliver.String() {
		if h := m.currentHandler(); h == nil {
			outcome = ReasonNoHandler
		} else if err := invoke(ctx, m, h, ev.ResponseEvent); err != nil {
			slog.Error("response handler panicked",
				"error", err,
				"handle", ev.Handle,
				"request_id", ev.RequestID,
				"seq", ev.Seq,
			)
			outcome = ReasonHandlerPanic
		}
	}

	if outcome == registry.Deliver.String() {
		m.metrics.RecordDelivered(ev.ResponseType, ev.Finished)
	} else {
		m.metrics.RecordDiscarded(outcome)
		slog.Debug("event discarded",
			"handle", ev.Handle,
			"request_id", ev.RequestID,
			"reason", outcome,
			"seq", ev.Seq,
		)
	}

	if m.rec != nil {
		if err := m.rec.RecordEvent(ctx, ev, outcome); err != nil {
			slog.Warn("journal event failed",
				"error", err,
				"handle", ev.Handle,
				"request_id", ev.RequestID,
				"seq", ev.Seq,
			)
		}
	}
	return true
}

func invoke(ctx context.Context, m *Mux, h Handler, ev ir.ResponseEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h.HandleResponse(context.WithValue(ctx, deliveryKey{}, m), ev)
	return nil
}
