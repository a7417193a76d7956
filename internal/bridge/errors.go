package bridge

import (
	"errors"
	"fmt"

	"github.com/roach88/nbridge/internal/ir"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("bridge: closed")

// CreateError reports a failed CreateContext. Err carries the native client
// error code; failures that were not client errors use ErrCodeInternalError.
type CreateError struct {
	Library string
	Err     *ir.ClientError
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create context (%s): %v", e.Library, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// Code returns the native error code.
func (e *CreateError) Code() int {
	return e.Err.Code
}

func newCreateError(library string, err error) *CreateError {
	var ce *ir.ClientError
	if !errors.As(err, &ce) {
		ce = &ir.ClientError{Code: ir.ErrCodeInternalError, Message: err.Error()}
	}
	return &CreateError{Library: library, Err: ce}
}
