package blob

import (
	"errors"
	"fmt"

	"github.com/roach88/nbridge/internal/ir"
)

var (
	// ErrNotFound means the handle was never produced by Store or was removed.
	ErrNotFound = errors.New("blob: not found")

	// ErrOutOfRange means the requested range does not lie inside the blob.
	ErrOutOfRange = errors.New("blob: range out of bounds")
)

// ResolveError describes a failed Resolve.
// Err is ErrNotFound, ErrOutOfRange, or a backend failure.
type ResolveError struct {
	Handle ir.BlobHandle
	Offset int64
	Size   int64
	Length int64 // stored length, -1 when unknown
	Err    error
}

func (e *ResolveError) Error() string {
	switch {
	case errors.Is(e.Err, ErrOutOfRange):
		return fmt.Sprintf("resolve blob %s [%d:+%d] of length %d: %v",
			e.Handle, e.Offset, e.Size, e.Length, e.Err)
	default:
		return fmt.Sprintf("resolve blob %s: %v", e.Handle, e.Err)
	}
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Reason classifies a Resolve error as not_found, out_of_range or backend.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	default:
		return "backend"
	}
}
