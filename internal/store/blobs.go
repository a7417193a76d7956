package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/roach88/nbridge/internal/blob"
	"github.com/roach88/nbridge/internal/ir"
)

// BlobBackend is a content-addressed blob.Backend on the store's database.
// Payloads are keyed by CID, so storing the same bytes twice keeps one copy;
// each Put still gets its own handle row.
type BlobBackend struct {
	s *Store
}

// Blobs returns the store's blob backend.
func (s *Store) Blobs() *BlobBackend {
	return &BlobBackend{s: s}
}

var _ blob.Backend = (*BlobBackend)(nil)

func (b *BlobBackend) Put(ctx context.Context, h ir.BlobHandle, id cid.Cid, data []byte) error {
	tx, err := b.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put blob: begin: %w", err)
	}
	defer tx.Rollback()

	if data == nil {
		data = []byte{}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blobs (cid, size, data)
		VALUES (?, ?, ?)
		ON CONFLICT(cid) DO NOTHING
	`, id.String(), len(data), data); err != nil {
		return fmt.Errorf("put blob payload: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blob_handles (handle, cid)
		VALUES (?, ?)
	`, string(h), id.String()); err != nil {
		return fmt.Errorf("put blob handle %s: %w", h, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put blob: commit: %w", err)
	}
	return nil
}

func (b *BlobBackend) Stat(ctx context.Context, h ir.BlobHandle) (blob.Info, error) {
	var (
		idStr string
		size  int64
	)
	err := b.s.db.QueryRowContext(ctx, `
		SELECT b.cid, b.size
		FROM blob_handles h
		JOIN blobs b ON b.cid = h.cid
		WHERE h.handle = ?
	`, string(h)).Scan(&idStr, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return blob.Info{}, blob.ErrNotFound
	}
	if err != nil {
		return blob.Info{}, fmt.Errorf("stat blob: %w", err)
	}

	id, err := cid.Decode(idStr)
	if err != nil {
		return blob.Info{}, fmt.Errorf("stat blob: decode cid %q: %w", idStr, err)
	}
	return blob.Info{Handle: h, Size: size, CID: id}, nil
}

// ReadRange reads the range with substr so only the requested bytes leave
// SQLite.
func (b *BlobBackend) ReadRange(ctx context.Context, h ir.BlobHandle, offset, size int64) ([]byte, error) {
	var data []byte
	err := b.s.db.QueryRowContext(ctx, `
		SELECT substr(b.data, ?, ?)
		FROM blob_handles h
		JOIN blobs b ON b.cid = h.cid
		WHERE h.handle = ?
	`, offset+1, size, string(h)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob range: %w", err)
	}
	return data, nil
}

// Remove deletes the handle, and the payload once no handle references it.
func (b *BlobBackend) Remove(ctx context.Context, h ir.BlobHandle) error {
	tx, err := b.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("remove blob: begin: %w", err)
	}
	defer tx.Rollback()

	var idStr string
	err = tx.QueryRowContext(ctx, `SELECT cid FROM blob_handles WHERE handle = ?`, string(h)).Scan(&idStr)
	if errors.Is(err, sql.ErrNoRows) {
		return blob.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove blob: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blob_handles WHERE handle = ?`, string(h)); err != nil {
		return fmt.Errorf("remove blob handle: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM blobs
		WHERE cid = ? AND NOT EXISTS (SELECT 1 FROM blob_handles WHERE cid = ?)
	`, idStr, idStr); err != nil {
		return fmt.Errorf("remove blob payload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("remove blob: commit: %w", err)
	}
	return nil
}

// PayloadCount returns the number of distinct stored payloads.
func (b *BlobBackend) PayloadCount(ctx context.Context) (int, error) {
	var n int
	if err := b.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count blobs: %w", err)
	}
	return n, nil
}
