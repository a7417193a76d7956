package blob

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/roach88/nbridge/internal/ir"
)

type memEntry struct {
	id   cid.Cid
	data []byte
}

// MemoryBackend keeps blobs in a map. Stored slices are never mutated, so
// readers copy out under a read lock.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[ir.BlobHandle]memEntry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[ir.BlobHandle]memEntry)}
}

func (b *MemoryBackend) Put(_ context.Context, h ir.BlobHandle, id cid.Cid, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[h] = memEntry{id: id, data: data}
	return nil
}

func (b *MemoryBackend) Stat(_ context.Context, h ir.BlobHandle) (Info, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.blobs[h]
	if !ok {
		return Info{}, ErrNotFound
	}
	return Info{Handle: h, Size: int64(len(e.data)), CID: e.id}, nil
}

func (b *MemoryBackend) ReadRange(_ context.Context, h ir.BlobHandle, offset, size int64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.blobs[h]
	if !ok {
		return nil, ErrNotFound
	}
	if offset+size > int64(len(e.data)) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, size)
	copy(out, e.data[offset:offset+size])
	return out, nil
}

func (b *MemoryBackend) Remove(_ context.Context, h ir.BlobHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.blobs[h]; !ok {
		return ErrNotFound
	}
	delete(b.blobs, h)
	return nil
}

// Len returns the number of stored blobs.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
