// Package mux implements the process-wide response multiplexer.
//
// Native sessions emit response events from arbitrary goroutines. The mux
// turns those calls into messages on a single FIFO queue and delivers them,
// one at a time, on the consumer's own goroutine.
//
// ARCHITECTURE:
//
// Single-Consumer Delivery Loop:
// 1. Emit() stamps the event with a logical seq and enqueues it (never blocks)
// 2. Run() or Drain(), on the consumer goroutine, dequeues events in order
// 3. The registry admits or discards each event (destroyed context, request
//    already finished)
// 4. Admitted events go to the handler registered at that instant
//
// Dequeue and delivery happen under one lock, so events reach the handler in
// exactly the order they were emitted. Per-request order therefore holds as
// long as the native side emits each request's events from a single writer.
//
// Handler replacement:
// SetHandler swaps the handler for all events not yet delivered, including
// those already queued. Events delivered while no handler is registered are
// dropped but still advance their request's state.
//
// Destroy fence:
// Fence() waits for the delivery in progress, if any. A caller that first
// invalidates a context and then fences knows no event for that context
// reaches the handler afterwards.
package mux
