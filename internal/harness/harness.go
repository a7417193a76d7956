package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/nbridge/internal/blob"
	"github.com/roach88/nbridge/internal/bridge"
	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/native/loopback"
	"github.com/roach88/nbridge/internal/registry"
	"github.com/roach88/nbridge/internal/store"
	"github.com/roach88/nbridge/internal/testutil"
)

// DefaultWaitTimeout bounds a wait step that sets no timeout_ms.
const DefaultWaitTimeout = 5 * time.Second

// BlobHandlePrefix prefixes the sequential blob handles of a scenario run:
// the first stored blob is "blob-1".
const BlobHandlePrefix = "blob-"

// Harness executes one scenario against a fresh bridge.
type Harness struct {
	bridge   *bridge.Bridge
	store    *store.Store
	sink     *testutil.Sink
	logger   *slog.Logger
	contexts map[string]ir.ContextHandle
	blobs    map[string]ir.BlobHandle
	sent     map[ir.RequestID]int
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs over the loopback library with an in-memory SQLite
// journal and sequential blob handles, so traces are reproducible.
//
// Execution flow:
// 1. Create fresh in-memory journal and bridge
// 2. Execute steps in order, delivering events at wait steps
// 3. Close the bridge and deliver what is left
// 4. Evaluate assertions against responses and journal
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(store.MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	blobs := blob.NewStore(blob.NewMemoryBackend(),
		blob.WithGenerator(blob.NewSequentialGenerator(BlobHandlePrefix)))
	b := bridge.New(loopback.New(),
		bridge.WithBlobStore(blobs),
		bridge.WithJournal(st),
	)

	h := &Harness{
		bridge:   b,
		store:    st,
		sink:     testutil.NewSink(),
		logger:   slog.Default().With("scenario", scenario.Name),
		contexts: make(map[string]ir.ContextHandle),
		blobs:    make(map[string]ir.BlobHandle),
		sent:     make(map[ir.RequestID]int),
	}
	b.SetResponseHandler(h.sink)

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			_ = b.Close(ctx)
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if err := b.Close(ctx); err != nil {
		return nil, fmt.Errorf("failed to close bridge: %w", err)
	}
	b.Drain(ctx)

	result.Responses = collectResponses(h.sink.Events())

	journal, err := st.ReadEvents(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	result.Journal = journal

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}

	return result, nil
}

// executeStep runs one step. Mismatched outcomes are recorded on result;
// only harness failures are returned.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	var ev TraceEvent
	var err error

	switch op := step.Op(); op {
	case OpCreate:
		ev, err = h.create(step)
	case OpSend:
		ev, err = h.send(step)
	case OpWait:
		ev = h.wait(ctx, step)
	case OpDestroy:
		ev = h.destroy(ctx, step)
	case OpInject:
		ev, err = h.inject(step)
	case OpStoreBlob:
		ev, err = h.storeBlob(step)
	case OpResolveBlob:
		ev = h.resolveBlob(step)
	default:
		return fmt.Errorf("invalid step operation")
	}
	if err != nil {
		return err
	}

	h.logger.Debug("step executed", "index", index, "op", ev.Op, "outcome", ev.Outcome)
	result.AddStep(ev)

	if msg := checkOutcome(index, step, ev); msg != "" {
		result.AddError(msg)
	}
	return nil
}

func (h *Harness) create(step Step) (TraceEvent, error) {
	ev := TraceEvent{Op: OpCreate, Context: step.Create}

	configJSON := step.ConfigJSON
	if configJSON == "" {
		configJSON = "{}"
		if step.Config != nil {
			data, err := json.Marshal(step.Config)
			if err != nil {
				return ev, fmt.Errorf("encode config: %w", err)
			}
			configJSON = string(data)
		}
	}

	handle, err := h.bridge.CreateContext(configJSON)
	if err != nil {
		var ce *bridge.CreateError
		if !errors.As(err, &ce) {
			return ev, err
		}
		ev.Outcome = "error"
		ev.ErrorCode = ce.Code()
		return ev, nil
	}

	h.contexts[step.Create] = handle
	ev.Outcome = "ok"
	return ev, nil
}

func (h *Harness) send(step Step) (TraceEvent, error) {
	paramsJSON, err := encodeParams(step.Params)
	if err != nil {
		return TraceEvent{}, err
	}

	ev := TraceEvent{
		Op:        OpSend,
		Context:   step.Send,
		RequestID: step.ID,
		Function:  step.Function,
		Params:    traceValue(paramsJSON),
		Outcome:   "ok",
	}

	if err := h.bridge.SendRequest(h.contexts[step.Send], step.ID, step.Function, paramsJSON); err != nil {
		ev.Outcome = sendReason(err)
		return ev, nil
	}
	h.sent[step.ID]++
	return ev, nil
}

func sendReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrInvalidHandle):
		return "invalid_handle"
	case errors.Is(err, registry.ErrRequestInFlight):
		return "in_flight"
	case errors.Is(err, bridge.ErrClosed):
		return "closed"
	default:
		return "native_error"
	}
}

// wait delivers events on the calling goroutine until the awaited requests
// have finished. The loopback library runs requests on their own
// goroutines, so this polls.
func (h *Harness) wait(ctx context.Context, step Step) TraceEvent {
	ev := TraceEvent{Op: OpWait, RequestIDs: step.IDs, Outcome: "ok"}

	timeout := DefaultWaitTimeout
	if step.TimeoutMS > 0 {
		timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		h.bridge.Drain(ctx)
		if h.settled(step.IDs) {
			return ev
		}
		if time.Now().After(deadline) {
			ev.Outcome = "timeout"
			return ev
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *Harness) settled(ids []ir.RequestID) bool {
	if len(ids) > 0 {
		for _, id := range ids {
			if h.sink.FinishedCount(id) < h.sent[id] {
				return false
			}
		}
		return true
	}
	for _, handle := range h.bridge.Contexts() {
		if h.bridge.InFlight(handle) > 0 {
			return false
		}
	}
	return true
}

func (h *Harness) destroy(ctx context.Context, step Step) TraceEvent {
	ev := TraceEvent{Op: OpDestroy, Context: step.Destroy, Outcome: "ok"}
	if err := h.bridge.DestroyContext(ctx, h.contexts[step.Destroy]); err != nil {
		ev.Outcome = "invalid_handle"
	}
	return ev
}

func (h *Harness) inject(step Step) (TraceEvent, error) {
	paramsJSON, err := encodeParams(step.Params)
	if err != nil {
		return TraceEvent{}, err
	}

	ev := TraceEvent{
		Op:           OpInject,
		Context:      step.Inject,
		RequestID:    step.ID,
		Params:       traceValue(paramsJSON),
		ResponseType: step.ResponseType,
		Finished:     step.Finished,
		Outcome:      "queued",
	}

	queued := h.bridge.Inject(h.contexts[step.Inject], ir.ResponseEvent{
		RequestID:    step.ID,
		ParamsJSON:   paramsJSON,
		ResponseType: step.ResponseType,
		Finished:     step.Finished,
	})
	if !queued {
		ev.Outcome = "dropped"
	}
	return ev, nil
}

func (h *Harness) storeBlob(step Step) (TraceEvent, error) {
	handle, err := h.bridge.StoreBlob([]byte(step.Data))
	if err != nil {
		return TraceEvent{}, fmt.Errorf("store blob: %w", err)
	}
	h.blobs[step.StoreBlob] = handle

	return TraceEvent{
		Op:      OpStoreBlob,
		Blob:    step.StoreBlob,
		Handle:  handle,
		Size:    int64(len(step.Data)),
		Outcome: "ok",
	}, nil
}

func (h *Harness) resolveBlob(step Step) TraceEvent {
	ev := TraceEvent{
		Op:      OpResolveBlob,
		Blob:    step.ResolveBlob,
		Offset:  step.Offset,
		Size:    step.Size,
		Outcome: "ok",
	}

	handle, ok := h.blobs[step.ResolveBlob]
	if !ok {
		handle = ir.BlobHandle(step.ResolveBlob)
	}

	data, err := h.bridge.ResolveBlob(handle, step.Offset, step.Size)
	if err != nil {
		ev.Outcome = blob.Reason(err)
		return ev
	}
	ev.Data = string(data)
	return ev
}

// checkOutcome compares a step's outcome with its expectation and returns a
// failure message, or "" when they match.
func checkOutcome(index int, step Step, ev TraceEvent) string {
	want := "ok"
	switch {
	case ev.Op == OpCreate && step.ExpectCode != 0:
		if ev.Outcome != "error" {
			return fmt.Sprintf("steps[%d] create: expected error code %d, got %s", index, step.ExpectCode, ev.Outcome)
		}
		if ev.ErrorCode != step.ExpectCode {
			return fmt.Sprintf("steps[%d] create: expected error code %d, got %d", index, step.ExpectCode, ev.ErrorCode)
		}
		return ""
	case step.ExpectError != "":
		want = step.ExpectError
	case ev.Op == OpInject:
		want = "queued"
	}

	if ev.Outcome != want {
		return fmt.Sprintf("steps[%d] %s: expected %s, got %s", index, ev.Op, want, ev.Outcome)
	}
	if ev.Op == OpResolveBlob && step.Expect != nil && ev.Outcome == "ok" && ev.Data != *step.Expect {
		return fmt.Sprintf("steps[%d] resolve_blob: expected data %q, got %q", index, *step.Expect, ev.Data)
	}
	return ""
}

// collectResponses orders delivered events by request id, keeping delivery
// order within each request.
func collectResponses(events []ir.ResponseEvent) []ResponseTrace {
	sorted := append([]ir.ResponseEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RequestID < sorted[j].RequestID
	})

	out := make([]ResponseTrace, 0, len(sorted))
	index := make(map[ir.RequestID]int)
	for _, ev := range sorted {
		out = append(out, ResponseTrace{
			RequestID:    ev.RequestID,
			Index:        index[ev.RequestID],
			ResponseType: ev.ResponseType,
			Finished:     ev.Finished,
			Params:       traceValue(ev.ParamsJSON),
		})
		index[ev.RequestID]++
	}
	return out
}

func encodeParams(params map[string]any) (string, error) {
	if params == nil {
		return "{}", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(data), nil
}

// traceValue decodes a JSON payload for the trace. Payloads that are not
// JSON, or are null, are kept as their raw text.
func traceValue(paramsJSON string) any {
	v, err := ir.DecodeJSONValue(paramsJSON)
	if err != nil || v == nil {
		return paramsJSON
	}
	return v
}
