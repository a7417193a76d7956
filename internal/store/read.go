package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/nbridge/internal/ir"
)

// ReadRequests returns journaled requests for h ordered by seq.
// A zero handle returns requests for every context.
//
// Returns an empty slice (not nil) if nothing was journaled.
func (s *Store) ReadRequests(ctx context.Context, h ir.ContextHandle) ([]RequestRecord, error) {
	query := `
		SELECT seq, handle, request_id, function_name, params_json
		FROM requests`
	var args []any
	if !h.IsZero() {
		query += ` WHERE handle = ?`
		args = append(args, int64(h))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	records := []RequestRecord{}
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return records, nil
}

// ReadEvents returns journaled events for h ordered by seq.
// A zero handle returns events for every context.
func (s *Store) ReadEvents(ctx context.Context, h ir.ContextHandle) ([]EventRecord, error) {
	query := `
		SELECT seq, handle, request_id, response_type, params_json, finished, disposition
		FROM events`
	var args []any
	if !h.IsZero() {
		query += ` WHERE handle = ?`
		args = append(args, int64(h))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

// ReadRequestEvents returns the events journaled for one request.
func (s *Store) ReadRequestEvents(ctx context.Context, h ir.ContextHandle, id ir.RequestID) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, handle, request_id, response_type, params_json, finished, disposition
		FROM events
		WHERE handle = ? AND request_id = ?
		ORDER BY seq ASC
	`, int64(h), int64(id))
	if err != nil {
		return nil, fmt.Errorf("query request events: %w", err)
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request events: %w", err)
	}
	return records, nil
}

// LastSeq returns the highest seq in the journal, or 0 when it is empty.
// A restarted bridge resumes its logical clock from here.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM (
			SELECT seq FROM requests
			UNION ALL
			SELECT seq FROM events
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

func scanRequest(rows *sql.Rows) (RequestRecord, error) {
	var (
		rec    RequestRecord
		handle int64
		id     int64
	)
	if err := rows.Scan(&rec.Seq, &handle, &id, &rec.FunctionName, &rec.ParamsJSON); err != nil {
		return RequestRecord{}, fmt.Errorf("scan request: %w", err)
	}
	rec.Handle = ir.ContextHandle(uint64(handle))
	rec.RequestID = ir.RequestID(uint64(id))
	return rec, nil
}

func scanEvent(rows *sql.Rows) (EventRecord, error) {
	var (
		rec          EventRecord
		handle       int64
		id           int64
		responseType int64
		finished     int
	)
	err := rows.Scan(&rec.Seq, &handle, &id, &responseType, &rec.ParamsJSON, &finished, &rec.Disposition)
	if err != nil {
		return EventRecord{}, fmt.Errorf("scan event: %w", err)
	}
	rec.Handle = ir.ContextHandle(uint64(handle))
	rec.RequestID = ir.RequestID(uint64(id))
	rec.ResponseType = ir.ResponseType(responseType)
	rec.Finished = finished == 1
	return rec, nil
}
