package store

import (
	"context"
	"fmt"

	"github.com/roach88/nbridge/internal/ir"
)

// RequestRecord is one journaled request.
type RequestRecord struct {
	Seq          int64            `json:"seq"`
	Handle       ir.ContextHandle `json:"handle"`
	RequestID    ir.RequestID     `json:"requestId"`
	FunctionName string           `json:"functionName"`
	ParamsJSON   string           `json:"paramsJson"`
}

// EventRecord is one journaled native event and what happened to it.
type EventRecord struct {
	ir.NativeEvent
	Disposition string `json:"disposition"`
}

// WriteRequest appends a request to the journal.
// Uses ON CONFLICT(seq) DO NOTHING so re-journaling the same seq is a no-op.
func (s *Store) WriteRequest(ctx context.Context, rec RequestRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests
		(seq, handle, request_id, function_name, params_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		rec.Seq,
		int64(rec.Handle),
		int64(rec.RequestID),
		rec.FunctionName,
		rec.ParamsJSON,
	)
	if err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// WriteEvent appends an event with its disposition to the journal.
func (s *Store) WriteEvent(ctx context.Context, rec EventRecord) error {
	finished := 0
	if rec.Finished {
		finished = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events
		(seq, handle, request_id, response_type, params_json, finished, disposition)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		rec.Seq,
		int64(rec.Handle),
		int64(rec.RequestID),
		int64(rec.ResponseType),
		rec.ParamsJSON,
		finished,
		rec.Disposition,
	)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// RecordEvent journals an event as it leaves the response mux.
func (s *Store) RecordEvent(ctx context.Context, ev ir.NativeEvent, disposition string) error {
	return s.WriteEvent(ctx, EventRecord{NativeEvent: ev, Disposition: disposition})
}
