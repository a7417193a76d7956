package blob

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roach88/nbridge/internal/ir"
)

// HandleGenerator produces fresh blob handles.
type HandleGenerator interface {
	Generate() ir.BlobHandle
}

// UUIDv7Generator generates time-sortable UUIDv7 handles.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate panics if the system random source fails.
func (UUIDv7Generator) Generate() ir.BlobHandle {
	return ir.BlobHandle(uuid.Must(uuid.NewV7()).String())
}

// FixedGenerator returns predetermined handles, for deterministic tests and
// golden traces.
type FixedGenerator struct {
	mu      sync.Mutex
	handles []ir.BlobHandle
	idx     int
}

// NewFixedGenerator creates a generator that returns handles in order.
func NewFixedGenerator(handles ...ir.BlobHandle) *FixedGenerator {
	return &FixedGenerator{handles: handles}
}

// Generate returns the next handle. Panics once all handles are consumed, so
// a test that stores more blobs than it planned for fails loudly.
func (g *FixedGenerator) Generate() ir.BlobHandle {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.handles) {
		panic("FixedGenerator: all handles exhausted")
	}
	h := g.handles[g.idx]
	g.idx++
	return h
}

// SequentialGenerator returns prefix1, prefix2, ... Scenario runs use it so
// blob handles in traces are stable across runs.
type SequentialGenerator struct {
	prefix string
	next   atomic.Int64
}

// NewSequentialGenerator creates a generator whose first handle is prefix+"1".
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	return &SequentialGenerator{prefix: prefix}
}

func (g *SequentialGenerator) Generate() ir.BlobHandle {
	return ir.BlobHandle(g.prefix + strconv.FormatInt(g.next.Add(1), 10))
}
