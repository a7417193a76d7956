// Package registry owns the mapping from context handles to native sessions.
//
// Handles are generation-checked slot references: destroying a context bumps
// the generation of its slot, so a stale handle can never alias a later
// session that reuses the slot. The registry also tracks, per context, which
// request ids are in flight and enforces the request state machine
//
//	Created -> Pending (0..n unfinished events) -> Finished (one finished event)
//
// Thread-safety: all methods are safe for concurrent use. Reads never observe
// a partially updated slot.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/native"
)

var (
	// ErrInvalidHandle is returned for handles that are zero, stale, or
	// never issued.
	ErrInvalidHandle = errors.New("registry: invalid context handle")

	// ErrRequestInFlight is returned when a request id is reused before its
	// finished event was delivered.
	ErrRequestInFlight = errors.New("registry: request id already in flight")
)

// Disposition is the delivery-time verdict for one native event.
type Disposition int

const (
	// Deliver means the event belongs to a live context and an in-flight request.
	Deliver Disposition = iota
	// DiscardInvalidHandle means the context was destroyed or never existed.
	DiscardInvalidHandle
	// DiscardUnknownRequest means the request already finished or was never sent.
	DiscardUnknownRequest
)

func (d Disposition) String() string {
	switch d {
	case Deliver:
		return "delivered"
	case DiscardInvalidHandle:
		return "invalid_handle"
	case DiscardUnknownRequest:
		return "unknown_request"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// RequestState is the position of one request in its state machine.
type RequestState int

const (
	// StateCreated is a request recorded but not yet answered.
	StateCreated RequestState = iota
	// StatePending is a request that has seen at least one unfinished event.
	StatePending
)

type slot struct {
	generation uint32
	live       bool
	reserved   bool
	session    native.Session
	inflight   map[ir.RequestID]RequestState
}

// Registry is the context handle table.
type Registry struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
	live  int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Reserve allocates a handle whose session is not yet attached. Events and
// requests referencing a reserved handle are rejected until Activate.
func (r *Registry) Reserve() ir.ContextHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}
	s := &r.slots[idx]
	s.generation++
	s.reserved = true
	return ir.NewContextHandle(idx, s.generation)
}

// Activate attaches a session to a reserved handle and makes it valid.
func (r *Registry) Activate(h ir.ContextHandle, session native.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slotLocked(h)
	if s == nil || !s.reserved {
		return fmt.Errorf("activate %s: %w", h, ErrInvalidHandle)
	}
	s.reserved = false
	s.live = true
	s.session = session
	s.inflight = make(map[ir.RequestID]RequestState)
	r.live++
	return nil
}

// Release returns a reserved handle whose session could not be created.
func (r *Registry) Release(h ir.ContextHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slotLocked(h)
	if s == nil || !s.reserved {
		return
	}
	s.reserved = false
	r.retireLocked(h)
}

// Invalidate marks the handle invalid and returns its session so the caller
// can close it. Invalidating an unknown or already invalid handle is a no-op.
func (r *Registry) Invalidate(h ir.ContextHandle) (native.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slotLocked(h)
	if s == nil || !s.live {
		return nil, false
	}
	session := s.session
	s.live = false
	s.session = nil
	s.inflight = nil
	r.live--
	r.retireLocked(h)
	return session, true
}

// Lookup returns the session behind a valid handle.
func (r *Registry) Lookup(h ir.ContextHandle) (native.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.slotLocked(h)
	if s == nil || !s.live {
		return nil, fmt.Errorf("lookup %s: %w", h, ErrInvalidHandle)
	}
	return s.session, nil
}

// Valid reports whether h currently references a live session.
func (r *Registry) Valid(h ir.ContextHandle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.slotLocked(h)
	return s != nil && s.live
}

// Begin records a newly dispatched request (Created state).
func (r *Registry) Begin(h ir.ContextHandle, id ir.RequestID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slotLocked(h)
	if s == nil || !s.live {
		return fmt.Errorf("begin request %d on %s: %w", id, h, ErrInvalidHandle)
	}
	if _, ok := s.inflight[id]; ok {
		return fmt.Errorf("begin request %d on %s: %w", id, h, ErrRequestInFlight)
	}
	s.inflight[id] = StateCreated
	return nil
}

// Abort forgets a request that was recorded but never reached native code.
func (r *Registry) Abort(h ir.ContextHandle, id ir.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.slotLocked(h); s != nil && s.live {
		delete(s.inflight, id)
	}
}

// Admit decides whether a native event may be delivered and advances the
// request's state. A finished event moves the request out of the table, so
// nothing for that id is admitted afterwards.
func (r *Registry) Admit(h ir.ContextHandle, id ir.RequestID, finished bool) Disposition {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slotLocked(h)
	if s == nil || !s.live {
		return DiscardInvalidHandle
	}
	if _, ok := s.inflight[id]; !ok {
		return DiscardUnknownRequest
	}
	if finished {
		delete(s.inflight, id)
	} else {
		s.inflight[id] = StatePending
	}
	return Deliver
}

// State returns the state of an in-flight request.
func (r *Registry) State(h ir.ContextHandle, id ir.RequestID) (RequestState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.slotLocked(h)
	if s == nil || !s.live {
		return 0, false
	}
	st, ok := s.inflight[id]
	return st, ok
}

// InFlight returns the number of requests in flight on h.
func (r *Registry) InFlight(h ir.ContextHandle) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.slotLocked(h)
	if s == nil || !s.live {
		return 0
	}
	return len(s.inflight)
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Handles returns all live handles in slot order.
func (r *Registry) Handles() []ir.ContextHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ir.ContextHandle, 0, r.live)
	for i := range r.slots {
		if r.slots[i].live {
			out = append(out, ir.NewContextHandle(uint32(i), r.slots[i].generation))
		}
	}
	return out
}

// slotLocked resolves h to its slot if the generation matches.
// Caller must hold r.mu.
func (r *Registry) slotLocked(h ir.ContextHandle) *slot {
	idx := h.Slot()
	if idx < 0 || idx >= int64(len(r.slots)) {
		return nil
	}
	s := &r.slots[idx]
	if s.generation != h.Generation() {
		return nil
	}
	return s
}

// retireLocked puts the slot back on the free list unless its generation
// counter is exhausted, in which case the slot is never handed out again.
// Caller must hold r.mu.
func (r *Registry) retireLocked(h ir.ContextHandle) {
	s := &r.slots[h.Slot()]
	if s.generation == math.MaxUint32 {
		return
	}
	r.free = append(r.free, uint32(h.Slot()))
}
