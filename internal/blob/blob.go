// Package blob implements the bridge's binary side channel.
//
// Native code and hosts exchange large payloads by handle instead of
// encoding them into JSON. Store copies the caller's bytes and returns a fresh
// handle; Resolve returns an independent copy of an exact range, failing with
// ErrNotFound or ErrOutOfRange rather than truncating.
//
// Blobs are immutable once stored, so resolves never need to coordinate with
// each other. Storage itself is delegated to a Backend: NewMemoryBackend for
// process-local use, or the SQLite backend in internal/store.
package blob

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ipfs/go-cid"

	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/observability"
)

// Info describes a stored blob.
type Info struct {
	Handle ir.BlobHandle `json:"id"`
	Size   int64         `json:"size"`
	CID    cid.Cid       `json:"cid"`
}

// Backend persists blob bytes.
//
// Implementations must be safe for concurrent use. Put receives a buffer the
// backend may retain; ReadRange is only called with a range already checked
// against the stored size and must return a slice the caller owns.
type Backend interface {
	Put(ctx context.Context, h ir.BlobHandle, id cid.Cid, data []byte) error
	Stat(ctx context.Context, h ir.BlobHandle) (Info, error)
	ReadRange(ctx context.Context, h ir.BlobHandle, offset, size int64) ([]byte, error)
	Remove(ctx context.Context, h ir.BlobHandle) error
}

// Store hands out blob handles over a Backend.
type Store struct {
	backend Backend
	gen     HandleGenerator
	metrics *observability.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithGenerator sets the handle generator (default UUIDv7Generator).
func WithGenerator(g HandleGenerator) Option {
	return func(s *Store) {
		s.gen = g
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, gen: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store copies data and returns a new handle for it. The caller may reuse
// data as soon as Store returns.
func (s *Store) Store(ctx context.Context, data []byte) (ir.BlobHandle, error) {
	owned := make([]byte, len(data))
	copy(owned, data)

	id, err := ContentID(owned)
	if err != nil {
		return "", fmt.Errorf("content id: %w", err)
	}

	h := s.gen.Generate()
	if err := s.backend.Put(ctx, h, id, owned); err != nil {
		return "", fmt.Errorf("store blob %s: %w", h, err)
	}
	s.metrics.RecordBlobStored(len(owned))

	slog.Debug("blob stored", "blob", h, "size", len(owned), "cid", id.String())
	return h, nil
}

// Resolve returns exactly size bytes starting at offset as a fresh copy.
// Failures are *ResolveError wrapping ErrNotFound or ErrOutOfRange.
func (s *Store) Resolve(ctx context.Context, h ir.BlobHandle, offset, size int64) ([]byte, error) {
	fail := func(length int64, err error) ([]byte, error) {
		s.metrics.RecordBlobResolveError(Reason(err))
		return nil, &ResolveError{Handle: h, Offset: offset, Size: size, Length: length, Err: err}
	}

	info, err := s.backend.Stat(ctx, h)
	if err != nil {
		return fail(-1, err)
	}
	if offset < 0 || size < 0 || offset > info.Size || size > info.Size-offset {
		return fail(info.Size, ErrOutOfRange)
	}
	if size == 0 {
		return []byte{}, nil
	}

	data, err := s.backend.ReadRange(ctx, h, offset, size)
	if err != nil {
		return fail(info.Size, err)
	}
	if int64(len(data)) != size {
		return fail(info.Size, fmt.Errorf("backend returned %d bytes, want %d", len(data), size))
	}
	return data, nil
}

// Stat returns the size and content id of a stored blob.
func (s *Store) Stat(ctx context.Context, h ir.BlobHandle) (Info, error) {
	info, err := s.backend.Stat(ctx, h)
	if err != nil {
		return Info{}, fmt.Errorf("stat blob %s: %w", h, err)
	}
	return info, nil
}

// Remove invalidates a handle. Later resolves fail with ErrNotFound.
func (s *Store) Remove(ctx context.Context, h ir.BlobHandle) error {
	if err := s.backend.Remove(ctx, h); err != nil {
		return fmt.Errorf("remove blob %s: %w", h, err)
	}
	slog.Debug("blob removed", "blob", h)
	return nil
}
