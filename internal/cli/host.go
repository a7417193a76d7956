package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/nbridge/internal/blob"
	"github.com/roach88/nbridge/internal/bridge"
	"github.com/roach88/nbridge/internal/config"
	"github.com/roach88/nbridge/internal/mux"
	"github.com/roach88/nbridge/internal/native"
	"github.com/roach88/nbridge/internal/native/loopback"
	"github.com/roach88/nbridge/internal/observability"
	"github.com/roach88/nbridge/internal/store"
)

// host is a bridge assembled from configuration together with the
// resources it owns.
type host struct {
	bridge  *bridge.Bridge
	metrics *observability.Metrics
	dbs     []*store.Store
}

// openLibrary returns the native library named in the config.
func openLibrary(name string) (native.Library, error) {
	switch name {
	case loopback.Name:
		return loopback.New(), nil
	default:
		return nil, fmt.Errorf("unknown library %q", name)
	}
}

// openHost builds a bridge from cfg. Metrics are registered on reg when it
// is non-nil.
func openHost(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*host, error) {
	lib, err := openLibrary(cfg.Library)
	if err != nil {
		return nil, err
	}

	h := &host{}
	var opts []bridge.Option

	if reg != nil {
		m, err := observability.NewMetrics(cfg.Metrics.Namespace, reg)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		h.metrics = m
		opts = append(opts, bridge.WithMetrics(m))
	}

	var journal *store.Store
	if cfg.Journal.Path != "" {
		journal, err = store.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		h.dbs = append(h.dbs, journal)

		last, err := journal.LastSeq(ctx)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("read journal: %w", err)
		}
		opts = append(opts, bridge.WithJournal(journal), bridge.WithClock(mux.NewClockAt(last)))
		slog.Info("journal opened", "path", cfg.Journal.Path, "last_seq", last)
	}

	backend, err := h.blobBackend(cfg, journal)
	if err != nil {
		h.close()
		return nil, err
	}
	opts = append(opts, bridge.WithBlobStore(blob.NewStore(backend, blob.WithMetrics(h.metrics))))

	h.bridge = bridge.New(lib, opts...)
	return h, nil
}

func (h *host) blobBackend(cfg config.Config, journal *store.Store) (blob.Backend, error) {
	if cfg.Blobs.Backend != "sqlite" {
		return blob.NewMemoryBackend(), nil
	}

	path := cfg.BlobPath()
	if journal != nil && path == cfg.Journal.Path {
		return journal.Blobs(), nil
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob database: %w", err)
	}
	h.dbs = append(h.dbs, db)
	return db.Blobs(), nil
}

// Close closes the bridge, then the databases.
func (h *host) Close(ctx context.Context) error {
	var errs []error
	if h.bridge != nil {
		errs = append(errs, h.bridge.Close(ctx))
	}
	errs = append(errs, h.close())
	return errors.Join(errs...)
}

func (h *host) close() error {
	var errs []error
	for _, db := range h.dbs {
		errs = append(errs, db.Close())
	}
	h.dbs = nil
	return errors.Join(errs...)
}
