package ir

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextHandlePacking(t *testing.T) {
	h := NewContextHandle(3, 7)
	assert.Equal(t, int64(3), h.Slot())
	assert.Equal(t, uint32(7), h.Generation())
	assert.False(t, h.IsZero())

	var zero ContextHandle
	assert.True(t, zero.IsZero())
	assert.Equal(t, int64(-1), zero.Slot())
}

func TestContextHandleDistinctAcrossGenerations(t *testing.T) {
	assert.NotEqual(t, NewContextHandle(0, 1), NewContextHandle(0, 2))
	assert.NotEqual(t, NewContextHandle(0, 1), NewContextHandle(1, 1))
}

func TestResponseTypeString(t *testing.T) {
	assert.Equal(t, "success", ResponseSuccess.String())
	assert.Equal(t, "error", ResponseError.String())
	assert.Equal(t, "app_notify", ResponseAppNotify.String())
	assert.Equal(t, "custom(101)", ResponseType(101).String())
	assert.Equal(t, "unknown(9)", ResponseType(9).String())
}

func TestResponseEventJSONShape(t *testing.T) {
	ev := ResponseEvent{RequestID: 1, ParamsJSON: `{"ok":true}`, ResponseType: ResponseSuccess, Finished: true}
	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestId":1,"paramsJson":"{\"ok\":true}","responseType":0,"finished":true}`, string(out))
}

func TestCreateResultSuccess(t *testing.T) {
	h := NewContextHandle(0, 1)
	s := EncodeCreateResult(h, nil)
	assert.JSONEq(t, `{"result":4294967297}`, s)

	got, err := DecodeCreateResult(s)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestCreateResultClientError(t *testing.T) {
	s := EncodeCreateResult(0, &ClientError{Code: ErrCodeInvalidConfig, Message: "bad endpoints"})
	assert.JSONEq(t, `{"error":{"code":15,"message":"bad endpoints"}}`, s)

	_, err := DecodeCreateResult(s)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeInvalidConfig, ce.Code)
}

func TestCreateResultPlainError(t *testing.T) {
	s := EncodeCreateResult(0, errors.New("boom"))

	_, err := DecodeCreateResult(s)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeInternalError, ce.Code)
	assert.Equal(t, "boom", ce.Message)
}

func TestDecodeCreateResultMalformed(t *testing.T) {
	_, err := DecodeCreateResult(`{}`)
	assert.Error(t, err)

	_, err = DecodeCreateResult(`not json`)
	assert.Error(t, err)
}
