package ir

import (
	"fmt"
	"strconv"
)

// ContextHandle references a native session.
//
// The low 32 bits hold the registry slot plus one, the high 32 bits hold the
// slot generation. Zero is never a valid handle.
type ContextHandle uint64

// NewContextHandle packs a registry slot and generation into a handle.
func NewContextHandle(slot, generation uint32) ContextHandle {
	return ContextHandle(uint64(generation)<<32 | uint64(slot+1))
}

// Slot returns the registry slot index, or -1 for the zero handle.
func (h ContextHandle) Slot() int64 {
	return int64(uint32(h)) - 1
}

// Generation returns the slot generation encoded in the handle.
func (h ContextHandle) Generation() uint32 {
	return uint32(h >> 32)
}

// IsZero reports whether h is the zero handle.
func (h ContextHandle) IsZero() bool {
	return h == 0
}

func (h ContextHandle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// RequestID is chosen by the caller and must be unique among the requests
// currently in flight on one context.
type RequestID uint64

// ResponseType discriminates native outcome kinds. The bridge never
// interprets it.
type ResponseType uint32

// Response types emitted by the native client library. Values at or above
// ResponseCustom are function specific (streaming progress and the like).
const (
	ResponseSuccess    ResponseType = 0
	ResponseError      ResponseType = 1
	ResponseNop        ResponseType = 2
	ResponseAppRequest ResponseType = 3
	ResponseAppNotify  ResponseType = 4
	ResponseCustom     ResponseType = 100
)

func (t ResponseType) String() string {
	switch t {
	case ResponseSuccess:
		return "success"
	case ResponseError:
		return "error"
	case ResponseNop:
		return "nop"
	case ResponseAppRequest:
		return "app_request"
	case ResponseAppNotify:
		return "app_notify"
	}
	if t >= ResponseCustom {
		return fmt.Sprintf("custom(%d)", uint32(t))
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// ResponseEvent is what the registered consumer observes.
type ResponseEvent struct {
	RequestID    RequestID    `json:"requestId"`
	ParamsJSON   string       `json:"paramsJson"`
	ResponseType ResponseType `json:"responseType"`
	Finished     bool         `json:"finished"`
}

// NativeEvent is a ResponseEvent as emitted by the native side, still tagged
// with the context it belongs to.
type NativeEvent struct {
	Handle ContextHandle `json:"handle"`
	ResponseEvent
	Seq int64 `json:"seq"` // Logical clock, stamped at emission
}

// BlobHandle is an opaque identifier of a stored byte buffer.
type BlobHandle string

func (h BlobHandle) String() string {
	return string(h)
}
