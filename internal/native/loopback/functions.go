package loopback

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/nbridge/internal/ir"
)

// function runs one request and returns the terminal success payload.
// Returning an error produces a terminal error event instead.
type function func(r *request, params json.RawMessage) (json.RawMessage, error)

var functions map[string]function

func init() {
	functions = map[string]function{
		"client.version": clientVersion,
		"client.config":  clientConfig,
		"ping":           ping,
		"echo":           echo,
		"stream":         stream,
		"notify":         notify,
		"fail":           fail,
		"sleep":          sleep,
		"blob.reverse":   blobReverse,
	}
}

// Functions lists the function names the loopback SDK understands.
func Functions() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	return names
}

func invalidParams(format string, args ...any) error {
	return &ir.ClientError{
		Code:    ir.ErrCodeInvalidParams,
		Message: "Invalid parameters: " + fmt.Sprintf(format, args...),
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

func marshal(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func clientVersion(*request, json.RawMessage) (json.RawMessage, error) {
	return marshal(map[string]string{"version": ir.BridgeVersion})
}

func clientConfig(r *request, _ json.RawMessage) (json.RawMessage, error) {
	return marshal(r.session.config)
}

func ping(*request, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

// echo replies with its params unchanged.
func echo(_ *request, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(params) {
		return nil, invalidParams("params are not valid JSON")
	}
	return params, nil
}

type streamParams struct {
	Count int `json:"count"`
}

// stream emits count custom progress events, then a terminal success.
func stream(r *request, params json.RawMessage) (json.RawMessage, error) {
	var p streamParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Count < 0 {
		return nil, invalidParams("count must not be negative")
	}
	for i := 0; i < p.Count; i++ {
		if err := r.progress(ir.ResponseCustom, map[string]int{"index": i}); err != nil {
			return nil, err
		}
	}
	return marshal(map[string]int{"count": p.Count})
}

type notifyParams struct {
	Message string `json:"message"`
}

// notify emits one app notification, then a terminal success.
func notify(r *request, params json.RawMessage) (json.RawMessage, error) {
	var p notifyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := r.progress(ir.ResponseAppNotify, p); err != nil {
		return nil, err
	}
	return json.RawMessage("{}"), nil
}

// fail always ends with the given client error.
func fail(_ *request, params json.RawMessage) (json.RawMessage, error) {
	var ce ir.ClientError
	if err := decodeParams(params, &ce); err != nil {
		return nil, err
	}
	if ce.Message == "" {
		ce.Message = "requested failure"
	}
	return nil, &ce
}

type sleepParams struct {
	Ms int `json:"ms"`
}

// sleep waits ms milliseconds. Closing the session cuts the wait short and
// ends the request with an error.
func sleep(r *request, params json.RawMessage) (json.RawMessage, error) {
	var p sleepParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Duration(p.Ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return marshal(p)
	case <-r.session.ctx.Done():
		return nil, &ir.ClientError{
			Code:    ir.ErrCodeInvalidContextHandle,
			Message: "context destroyed",
		}
	}
}

type blobReverseParams struct {
	Blob ir.BlobHandle `json:"blob"`
	Size int64         `json:"size"`
}

// blobReverse resolves a host blob, stores its bytes reversed and replies
// with the new blob id.
func blobReverse(r *request, params json.RawMessage) (json.RawMessage, error) {
	var p blobReverseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Blob == "" {
		return nil, invalidParams("blob is required")
	}

	data, err := r.session.host.ResolveBlob(p.Blob, 0, p.Size)
	if err != nil {
		return nil, &ir.ClientError{Code: ir.ErrCodeInvalidHandle, Message: err.Error()}
	}
	for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
		data[i], data[j] = data[j], data[i]
	}

	out, err := r.session.host.StoreBlob(data)
	if err != nil {
		return nil, err
	}
	return marshal(blobReverseParams{Blob: out, Size: int64(len(data))})
}
