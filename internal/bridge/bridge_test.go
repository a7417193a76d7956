package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nbridge/internal/blob"
	"github.com/roach88/nbridge/internal/bridge"
	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/mux"
	"github.com/roach88/nbridge/internal/native"
	"github.com/roach88/nbridge/internal/native/loopback"
	"github.com/roach88/nbridge/internal/observability"
	"github.com/roach88/nbridge/internal/registry"
	"github.com/roach88/nbridge/internal/store"
	"github.com/roach88/nbridge/internal/testutil"
)

const waitTimeout = 2 * time.Second

// startBridge runs the delivery loop until the test ends.
func startBridge(t *testing.T, b *bridge.Bridge) *testutil.Sink {
	t.Helper()
	sink := testutil.NewSink()
	b.SetResponseHandler(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sink
}

// manualLibrary hands the test each session's emitter so it can emit events
// at chosen moments.
type manualLibrary struct {
	mu       sync.Mutex
	emitters []native.Emitter
	sessions []*manualSession
}

type manualSession struct {
	mu       sync.Mutex
	requests []string
	closed   bool
}

func (s *manualSession) Request(id ir.RequestID, fn, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, fmt.Sprintf("%d:%s", id, fn))
}

func (s *manualSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (l *manualLibrary) Name() string { return "manual" }

func (l *manualLibrary) CreateContext(_ string, _ native.Host, emit native.Emitter) (native.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &manualSession{}
	l.emitters = append(l.emitters, emit)
	l.sessions = append(l.sessions, s)
	return s, nil
}

func (l *manualLibrary) emitter(i int) native.Emitter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emitters[i]
}

type panicSession struct{}

func (panicSession) Request(ir.RequestID, string, string) { panic("native crash") }
func (panicSession) Close()                              {}

type panicLibrary struct{}

func (panicLibrary) Name() string { return "panic" }
func (panicLibrary) CreateContext(string, native.Host, native.Emitter) (native.Session, error) {
	return panicSession{}, nil
}

type brokenLibrary struct{}

func (brokenLibrary) Name() string { return "broken" }
func (brokenLibrary) CreateContext(string, native.Host, native.Emitter) (native.Session, error) {
	return nil, errors.New("runtime unavailable")
}

func TestPingExample(t *testing.T) {
	b := bridge.New(loopback.New())
	sink := startBridge(t, b)

	h, err := b.CreateContext("{}")
	require.NoError(t, err)
	assert.False(t, h.IsZero())

	require.NoError(t, b.SendRequest(h, 1, "ping", "{}"))
	require.True(t, sink.WaitFinished(waitTimeout, 1))

	events := sink.ForRequest(1)
	require.Len(t, events, 1)
	assert.Equal(t, ir.ResponseEvent{
		RequestID:    1,
		ParamsJSON:   `{"ok":true}`,
		ResponseType: ir.ResponseSuccess,
		Finished:     true,
	}, events[0])

	// A stray event for the finished id is never delivered.
	assert.True(t, b.Inject(h, ir.ResponseEvent{RequestID: 1, ParamsJSON: "{}", Finished: true}))
	require.NoError(t, b.SendRequest(h, 2, "ping", "{}"))
	require.True(t, sink.WaitFinished(waitTimeout, 2))
	assert.Len(t, sink.ForRequest(1), 1)
}

func TestStreamTerminatesOnce(t *testing.T) {
	b := bridge.New(loopback.New())
	sink := startBridge(t, b)

	h, err := b.CreateContext("{}")
	require.NoError(t, err)
	require.NoError(t, b.SendRequest(h, 7, "stream", `{"count":4}`))
	require.True(t, sink.WaitFinished(waitTimeout, 7))

	events := sink.ForRequest(7)
	require.Len(t, events, 5)
	for i, ev := range events[:4] {
		assert.False(t, ev.Finished)
		assert.Equal(t, ir.ResponseCustom, ev.ResponseType)
		assert.JSONEq(t, fmt.Sprintf(`{"index":%d}`, i), ev.ParamsJSON)
	}
	assert.True(t, events[4].Finished)
	assert.Equal(t, 1, sink.FinishedCount(7))
	assert.Equal(t, 0, b.InFlight(h))
}

func TestConcurrentRequestsOnOneContext(t *testing.T) {
	b := bridge.New(loopback.New())
	sink := startBridge(t, b)

	h, err := b.CreateContext("{}")
	require.NoError(t, err)

	const n = 16
	ids := make([]ir.RequestID, 0, n)
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		id := ir.RequestID(i)
		ids = append(ids, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.SendRequest(h, id, "stream", `{"count":10}`))
		}()
	}
	wg.Wait()
	require.True(t, sink.WaitFinished(waitTimeout, ids...))

	for _, id := range ids {
		events := sink.ForRequest(id)
		require.Len(t, events, 11, "request %d", id)
		for i, ev := range events[:10] {
			assert.JSONEq(t, fmt.Sprintf(`{"index":%d}`, i), ev.ParamsJSON, "request %d keeps its order", id)
		}
		assert.True(t, events[10].Finished)
		assert.Equal(t, 1, sink.FinishedCount(id))
	}
}

func TestDestroyDropsLateEvents(t *testing.T) {
	lib := &manualLibrary{}
	b := bridge.New(lib)
	sink := testutil.NewSink()
	b.SetResponseHandler(sink)
	ctx := context.Background()

	h, err := b.CreateContext("{}")
	require.NoError(t, err)
	require.NoError(t, b.SendRequest(h, 1, "work", "{}"))
	emit := lib.emitter(0)

	// Queued before destroy, delivered after: still dropped.
	emit.Emit(1, `{"step":1}`, ir.ResponseCustom, false)
	require.NoError(t, b.DestroyContext(ctx, h))

	// Emitted after destroy: dropped at once.
	emit.Emit(1, `{"step":2}`, ir.ResponseSuccess, true)
	assert.False(t, b.Inject(h, ir.ResponseEvent{RequestID: 1, Finished: true}))

	b.Drain(ctx)
	assert.Equal(t, 0, sink.Len(), "consumer never invoked for destroyed context")
	assert.True(t, lib.sessions[0].closed)

	assert.ErrorIs(t, b.DestroyContext(ctx, h), registry.ErrInvalidHandle)
	assert.ErrorIs(t, b.SendRequest(h, 2, "work", "{}"), registry.ErrInvalidHandle)
}

func TestDestroyedHandleNeverAliases(t *testing.T) {
	lib := &manualLibrary{}
	b := bridge.New(lib)
	sink := testutil.NewSink()
	b.SetResponseHandler(sink)
	ctx := context.Background()

	old, err := b.CreateContext("{}")
	require.NoError(t, err)
	require.NoError(t, b.DestroyContext(ctx, old))

	fresh, err := b.CreateContext("{}")
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)
	assert.Equal(t, old.Slot(), fresh.Slot(), "slot reused")

	require.NoError(t, b.SendRequest(fresh, 1, "work", "{}"))
	lib.emitter(0).Emit(1, `"old"`, ir.ResponseSuccess, true)
	lib.emitter(1).Emit(1, `"fresh"`, ir.ResponseSuccess, true)
	b.Drain(ctx)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, `"fresh"`, events[0].ParamsJSON)
}

func TestDestroyFromInsideHandler(t *testing.T) {
	lib := &manualLibrary{}
	b := bridge.New(lib)
	ctx := context.Background()

	h, err := b.CreateContext("{}")
	require.NoError(t, err)
	require.NoError(t, b.SendRequest(h, 1, "work", "{}"))

	var delivered []string
	b.SetResponseHandler(mux.HandlerFunc(func(ctx context.Context, ev ir.ResponseEvent) {
		delivered = append(delivered, ev.ParamsJSON)
		assert.NoError(t, b.DestroyContext(ctx, h))
	}))

	emit := lib.emitter(0)
	emit.Emit(1, `"first"`, ir.ResponseCustom, false)
	emit.Emit(1, `"second"`, ir.ResponseCustom, false)

	done := make(chan int)
	go func() { done <- b.Drain(ctx) }()
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(waitTimeout):
		t.Fatal("destroy inside handler deadlocked")
	}
	assert.Equal(t, []string{`"first"`}, delivered)
}

func TestSendRequestErrors(t *testing.T) {
	b := bridge.New(&manualLibrary{})

	err := b.SendRequest(0, 1, "work", "{}")
	assert.ErrorIs(t, err, registry.ErrInvalidHandle)

	h, err := b.CreateContext("{}")
	require.NoError(t, err)
	require.NoError(t, b.SendRequest(h, 1, "work", "{}"))

	err = b.SendRequest(h, 1, "work", "{}")
	assert.ErrorIs(t, err, registry.ErrRequestInFlight)
	assert.Equal(t, 1, b.InFlight(h))
}

func TestSendRequest_NativePanic(t *testing.T) {
	b := bridge.New(panicLibrary{})
	h, err := b.CreateContext("{}")
	require.NoError(t, err)

	err = b.SendRequest(h, 1, "anything", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "native crash")
	assert.Equal(t, 0, b.InFlight(h), "aborted request is forgotten")
}

func TestCreateContext_Failure(t *testing.T) {
	b := bridge.New(loopback.New())

	h, err := b.CreateContext(`{"endpoints":"nope"}`)
	assert.True(t, h.IsZero())

	var ce *bridge.CreateError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ir.ErrCodeInvalidConfig, ce.Code())
	assert.Equal(t, "loopback", ce.Library)

	var client *ir.ClientError
	require.ErrorAs(t, err, &client)
	assert.Equal(t, ir.ErrCodeInvalidConfig, client.Code)

	encoded := ir.EncodeCreateResult(h, err)
	assert.True(t, strings.HasPrefix(encoded, `{"error":{"code":15,`), encoded)
	assert.Empty(t, b.Contexts(), "failed creation leaves no context behind")

	_, err = bridge.New(brokenLibrary{}).CreateContext("{}")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ir.ErrCodeInternalError, ce.Code())
}

func TestCreateResultRoundTrip(t *testing.T) {
	b := bridge.New(loopback.New())
	h, err := b.CreateContext("{}")
	require.NoError(t, err)

	got, err := ir.DecodeCreateResult(ir.EncodeCreateResult(h, nil))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestSetResponseHandler_ReplacementAndNoHandler(t *testing.T) {
	lib := &manualLibrary{}
	b := bridge.New(lib)
	ctx := context.Background()

	h, err := b.CreateContext("{}")
	require.NoError(t, err)
	require.NoError(t, b.SendRequest(h, 1, "work", "{}"))
	require.NoError(t, b.SendRequest(h, 2, "work", "{}"))
	emit := lib.emitter(0)

	// No handler: dropped but the request still finishes.
	emit.Emit(1, "{}", ir.ResponseSuccess, true)
	b.Drain(ctx)
	require.NoError(t, b.SendRequest(h, 1, "work", "{}"), "id reusable after its finished event")

	first := testutil.NewSink()
	second := testutil.NewSink()
	assert.Nil(t, b.SetResponseHandler(first))

	emit.Emit(2, `"queued"`, ir.ResponseCustom, false)
	assert.Same(t, first, b.SetResponseHandler(second))
	b.Drain(ctx)

	assert.Equal(t, 0, first.Len())
	assert.Equal(t, 1, second.Len(), "queued events go to the new handler")
}

func TestBlobs(t *testing.T) {
	b := bridge.New(loopback.New())
	data := []byte("binary\x00payload")

	id, err := b.StoreBlob(data)
	require.NoError(t, err)

	got, err := b.ResolveBlob(id, 0, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	got, err = b.ResolveBlob("unknown", 0, 1)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	got, err = b.ResolveBlob(id, 10, 10)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, blob.ErrOutOfRange)
}

func TestBlobReverseThroughHost(t *testing.T) {
	b := bridge.New(loopback.New())
	sink := startBridge(t, b)

	in, err := b.StoreBlob([]byte("hello"))
	require.NoError(t, err)

	h, err := b.CreateContext("{}")
	require.NoError(t, err)
	require.NoError(t, b.SendRequest(h, 1, "blob.reverse", fmt.Sprintf(`{"blob":%q,"size":5}`, in)))
	require.True(t, sink.WaitFinished(waitTimeout, 1))

	ev := sink.ForRequest(1)[0]
	require.Equal(t, ir.ResponseSuccess, ev.ResponseType, ev.ParamsJSON)

	v, err := ir.DecodeJSONValue(ev.ParamsJSON)
	require.NoError(t, err)
	out := ir.BlobHandle(v.(map[string]any)["blob"].(string))

	got, err := b.ResolveBlob(out, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("olleh"), got)
}

func TestJournal(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer st.Close()

	lib := &manualLibrary{}
	b := bridge.New(lib, bridge.WithJournal(st), bridge.WithBlobStore(blob.NewStore(st.Blobs())))
	b.SetResponseHandler(testutil.NewSink())
	ctx := context.Background()

	h, err := b.CreateContext("{}")
	require.NoError(t, err)
	require.NoError(t, b.SendRequest(h, 1, "work", `{"x":1}`))
	emit := lib.emitter(0)
	emit.Emit(1, `"done"`, ir.ResponseSuccess, true)
	emit.Emit(1, `"late"`, ir.ResponseSuccess, true)
	b.Drain(ctx)

	requests, err := st.ReadRequests(ctx, h)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "work", requests[0].FunctionName)
	assert.Equal(t, int64(1), requests[0].Seq)

	events, err := st.ReadEvents(ctx, h)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "delivered", events[0].Disposition)
	assert.Equal(t, "unknown_request", events[1].Disposition)
	assert.Equal(t, []int64{2, 3}, []int64{events[0].Seq, events[1].Seq})

	id, err := b.StoreBlob([]byte("persisted"))
	require.NoError(t, err)
	info, err := b.Blobs().Stat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := observability.NewMetrics("", reg)
	require.NoError(t, err)

	lib := &manualLibrary{}
	b := bridge.New(lib, bridge.WithMetrics(m))
	b.SetResponseHandler(testutil.NewSink())
	ctx := context.Background()

	h, err := b.CreateContext("{}")
	require.NoError(t, err)
	require.NoError(t, b.SendRequest(h, 1, "work", "{}"))
	require.Error(t, b.SendRequest(h, 1, "work", "{}"))
	lib.emitter(0).Emit(1, "{}", ir.ResponseSuccess, true)
	b.Drain(ctx)

	expected := `
# HELP nbridge_dispatch_requests_total Requests handed to native sessions.
# TYPE nbridge_dispatch_requests_total counter
nbridge_dispatch_requests_total 1
# HELP nbridge_dispatch_failures_total Requests rejected before reaching native code.
# TYPE nbridge_dispatch_failures_total counter
nbridge_dispatch_failures_total{reason="in_flight"} 1
# HELP nbridge_contexts_live Contexts currently valid.
# TYPE nbridge_contexts_live gauge
nbridge_contexts_live 1
`
	require.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected),
		"nbridge_dispatch_requests_total",
		"nbridge_dispatch_failures_total",
		"nbridge_contexts_live",
	))
}

func TestClose(t *testing.T) {
	lib := &manualLibrary{}
	b := bridge.New(lib)
	ctx := context.Background()

	h, err := b.CreateContext("{}")
	require.NoError(t, err)

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx), "idempotent")

	assert.True(t, lib.sessions[0].closed)
	assert.Empty(t, b.Contexts())
	assert.ErrorIs(t, b.SendRequest(h, 1, "work", "{}"), bridge.ErrClosed)
	_, err = b.CreateContext("{}")
	assert.ErrorIs(t, err, bridge.ErrClosed)
	assert.NoError(t, b.Run(ctx), "Run returns once closed and drained")
}
