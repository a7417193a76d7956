// Package loopback is an in-process native SDK used by the CLI, the scenario
// harness and tests.
//
// Every request runs on its own goroutine, the way a real SDK runs requests
// on worker threads, and emits its events through the session's Emitter in
// order. Close cancels outstanding work but, like a real SDK, does not stop
// workers from emitting their final events; the bridge discards those.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/native"
)

// Name is the library name reported to the bridge.
const Name = "loopback"

// Config is the JSON configuration accepted by CreateContext.
type Config struct {
	Endpoints []string `json:"endpoints,omitempty"`
}

// Library creates loopback sessions.
type Library struct {
	mu       sync.Mutex
	sessions int
}

// New creates a loopback library.
func New() *Library {
	return &Library{}
}

func (l *Library) Name() string {
	return Name
}

// CreateContext validates configJSON and starts a session.
// Configuration errors are *ir.ClientError with ErrCodeInvalidConfig.
func (l *Library) CreateContext(configJSON string, host native.Host, emit native.Emitter) (native.Session, error) {
	cfg, err := parseConfig(configJSON)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.sessions++
	id := l.sessions
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		config: cfg,
		host:   host,
		emit:   emit,
		ctx:    ctx,
		cancel: cancel,
	}
	slog.Debug("loopback session created", "session", id, "endpoints", len(cfg.Endpoints))
	return s, nil
}

func parseConfig(configJSON string) (Config, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(configJSON), &raw); err != nil || raw == nil {
		return Config{}, &ir.ClientError{
			Code:    ir.ErrCodeInvalidConfig,
			Message: "Invalid config: expected a JSON object",
		}
	}

	var cfg Config
	if ep, ok := raw["endpoints"]; ok {
		if err := json.Unmarshal(ep, &cfg.Endpoints); err != nil {
			return Config{}, &ir.ClientError{
				Code:    ir.ErrCodeInvalidConfig,
				Message: "Invalid config: endpoints must be an array of strings",
			}
		}
	}
	return cfg, nil
}

// Session is one loopback context.
type Session struct {
	id     int
	config Config
	host   native.Host
	emit   native.Emitter
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Request runs functionName on a new goroutine and returns immediately.
func (s *Session) Request(id ir.RequestID, functionName, paramsJSON string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(id, functionName, paramsJSON)
	}()
}

// Close cancels outstanding requests. It does not wait for them.
func (s *Session) Close() {
	s.cancel()
	slog.Debug("loopback session closed", "session", s.id)
}

// Wait blocks until every request started so far has emitted its final
// event.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) run(id ir.RequestID, functionName, paramsJSON string) {
	fn, ok := functions[functionName]
	if !ok {
		s.fail(id, &ir.ClientError{
			Code:    ir.ErrCodeUnknownFunction,
			Message: fmt.Sprintf("Unknown function [%s]", functionName),
		})
		return
	}

	r := &request{session: s, id: id}
	result, err := fn(r, json.RawMessage(paramsJSON))
	if err != nil {
		s.fail(id, toClientError(err))
		return
	}
	s.emit.Emit(id, string(result), ir.ResponseSuccess, true)
}

func (s *Session) fail(id ir.RequestID, ce *ir.ClientError) {
	payload, err := json.Marshal(ce)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"code":%d,"message":"internal error"}`, ir.ErrCodeInternalError))
	}
	s.emit.Emit(id, string(payload), ir.ResponseError, true)
}

func toClientError(err error) *ir.ClientError {
	if ce, ok := err.(*ir.ClientError); ok {
		return ce
	}
	return &ir.ClientError{Code: ir.ErrCodeInternalError, Message: err.Error()}
}

// request gives a function access to its session and lets it emit
// intermediate events.
type request struct {
	session *Session
	id      ir.RequestID
}

func (r *request) progress(t ir.ResponseType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.session.emit.Emit(r.id, string(payload), t, false)
	return nil
}
