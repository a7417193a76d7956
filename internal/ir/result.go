package ir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ClientError is the error object native code reports, both inside error
// response payloads and in failed context creation results.
type ClientError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Native client error codes used by the bridge itself.
const (
	ErrCodeInvalidConfig        = 15
	ErrCodeCannotCreateRuntime  = 16
	ErrCodeInvalidContextHandle = 17
	ErrCodeInvalidParams        = 23
	ErrCodeUnknownFunction      = 25
	ErrCodeInternalError        = 33
	ErrCodeInvalidHandle        = 34
)

func (e *ClientError) Error() string {
	return fmt.Sprintf("native error %d: %s", e.Code, e.Message)
}

// CreateResult is the string-shaped context creation result used by hosts
// that can only pass text across the boundary. Exactly one of Result and
// Error is set.
type CreateResult struct {
	Result *ContextHandle `json:"result,omitempty"`
	Error  *ClientError   `json:"error,omitempty"`
}

// EncodeCreateResult renders a creation outcome as {"result":h} or
// {"error":{...}}. A non-ClientError is reported with ErrCodeInternalError.
func EncodeCreateResult(h ContextHandle, err error) string {
	var res CreateResult
	if err != nil {
		var ce *ClientError
		if !errors.As(err, &ce) {
			ce = &ClientError{Code: ErrCodeInternalError, Message: err.Error()}
		}
		res.Error = ce
	} else {
		res.Result = &h
	}
	out, mErr := json.Marshal(res)
	if mErr != nil {
		// ClientError.Data is a RawMessage; invalid bytes there are the only way to get here.
		return fmt.Sprintf(`{"error":{"code":%d,"message":%q}}`, ErrCodeInternalError, mErr.Error())
	}
	return string(out)
}

// DecodeCreateResult parses the string form back into a handle or error.
func DecodeCreateResult(s string) (ContextHandle, error) {
	var res CreateResult
	if err := json.Unmarshal([]byte(s), &res); err != nil {
		return 0, fmt.Errorf("decode create result: %w", err)
	}
	switch {
	case res.Error != nil:
		return 0, res.Error
	case res.Result != nil:
		return *res.Result, nil
	default:
		return 0, fmt.Errorf("decode create result: neither result nor error present")
	}
}
