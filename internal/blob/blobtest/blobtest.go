// Package blobtest checks that a blob.Backend behaves correctly behind a
// blob.Store. Backend packages call Run from their own tests.
package blobtest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nbridge/internal/blob"
	"github.com/roach88/nbridge/internal/ir"
)

// Run exercises a fresh backend from newBackend for every subtest.
func Run(t *testing.T, newBackend func(t *testing.T) blob.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		data := []byte("hello, blob")

		h, err := s.Store(ctx, data)
		require.NoError(t, err)

		got, err := s.Resolve(ctx, h, 0, int64(len(data)))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("store copies input", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		data := []byte("abcdef")

		h, err := s.Store(ctx, data)
		require.NoError(t, err)
		data[0] = 'X'

		got, err := s.Resolve(ctx, h, 0, 6)
		require.NoError(t, err)
		assert.Equal(t, []byte("abcdef"), got)
	})

	t.Run("resolve returns a private copy", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		h, err := s.Store(ctx, []byte("abcdef"))
		require.NoError(t, err)

		first, err := s.Resolve(ctx, h, 1, 3)
		require.NoError(t, err)
		first[0] = 'X'

		second, err := s.Resolve(ctx, h, 1, 3)
		require.NoError(t, err)
		assert.Equal(t, []byte("bcd"), second)
	})

	t.Run("sub range", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		h, err := s.Store(ctx, []byte("0123456789"))
		require.NoError(t, err)

		got, err := s.Resolve(ctx, h, 3, 4)
		require.NoError(t, err)
		assert.Equal(t, []byte("3456"), got)

		got, err = s.Resolve(ctx, h, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("empty blob", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		h, err := s.Store(ctx, nil)
		require.NoError(t, err)

		got, err := s.Resolve(ctx, h, 0, 0)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)

		info, err := s.Stat(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, int64(0), info.Size)
	})

	t.Run("unknown handle", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))

		got, err := s.Resolve(ctx, ir.BlobHandle("never-stored"), 0, 1)
		assert.Nil(t, got)
		require.ErrorIs(t, err, blob.ErrNotFound)

		var re *blob.ResolveError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, int64(-1), re.Length)

		_, err = s.Stat(ctx, ir.BlobHandle("never-stored"))
		assert.ErrorIs(t, err, blob.ErrNotFound)
	})

	t.Run("out of range", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		h, err := s.Store(ctx, []byte("12345"))
		require.NoError(t, err)

		cases := []struct {
			offset, size int64
		}{
			{0, 6},
			{5, 1},
			{6, 0},
			{-1, 2},
			{0, -1},
			{1 << 62, 1 << 62},
		}
		for _, tc := range cases {
			got, err := s.Resolve(ctx, h, tc.offset, tc.size)
			assert.Nil(t, got, "offset=%d size=%d", tc.offset, tc.size)
			assert.ErrorIs(t, err, blob.ErrOutOfRange, "offset=%d size=%d", tc.offset, tc.size)

			var re *blob.ResolveError
			if assert.ErrorAs(t, err, &re) {
				assert.Equal(t, int64(5), re.Length)
			}
		}
	})

	t.Run("stat", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		data := []byte("stat me")
		h, err := s.Store(ctx, data)
		require.NoError(t, err)

		info, err := s.Stat(ctx, h)
		require.NoError(t, err)

		want, err := blob.ContentID(data)
		require.NoError(t, err)
		assert.Equal(t, h, info.Handle)
		assert.Equal(t, int64(len(data)), info.Size)
		assert.True(t, want.Equals(info.CID))
	})

	t.Run("identical payloads get distinct handles", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		a, err := s.Store(ctx, []byte("same"))
		require.NoError(t, err)
		b, err := s.Store(ctx, []byte("same"))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)

		require.NoError(t, s.Remove(ctx, a))
		got, err := s.Resolve(ctx, b, 0, 4)
		require.NoError(t, err, "removing one handle keeps the other")
		assert.Equal(t, []byte("same"), got)
	})

	t.Run("remove", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		h, err := s.Store(ctx, []byte("gone"))
		require.NoError(t, err)

		require.NoError(t, s.Remove(ctx, h))
		_, err = s.Resolve(ctx, h, 0, 1)
		assert.ErrorIs(t, err, blob.ErrNotFound)
		assert.ErrorIs(t, s.Remove(ctx, h), blob.ErrNotFound)
	})

	t.Run("concurrent store and resolve", func(t *testing.T) {
		s := blob.NewStore(newBackend(t))
		const workers = 16

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				payload := bytes.Repeat([]byte{byte(w)}, 64+w)
				h, err := s.Store(ctx, payload)
				if err != nil {
					errs <- err
					return
				}
				for i := 0; i < 10; i++ {
					got, err := s.Resolve(ctx, h, 0, int64(len(payload)))
					if err != nil {
						errs <- err
						return
					}
					if !bytes.Equal(got, payload) {
						errs <- fmt.Errorf("worker %d: payload mismatch", w)
						return
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Error(err)
		}
	})
}
