package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/blob"
	"github.com/sakif/kittygram/internal/repository"
)

const (
	DefaultOrphanGrace = time.Hour
	DefaultGCInterval  = 10 * time.Minute
	DefaultGCBatch     = 100
	DefaultBlobTimeout = 30 * time.Second
)

// HousekeeperConfig tunes the sweep.
//
// OrphanGrace is how old an unreferenced object must be before it is
// deleted. An upload records its object before linking it, so a young
// unreferenced object is usually an upload still in flight. BlobTimeout
// bounds each blob store delete.
type HousekeeperConfig struct {
	OrphanGrace time.Duration
	Interval    time.Duration
	BatchSize   int
	BlobTimeout time.Duration
}

// Report summarizes one sweep.
type Report struct {
	OrphansDeleted     int
	OrphansFailed      int
	RevocationsDeleted int64
}

// Housekeeper collects what the request path deliberately leaves behind:
// photos no cat points at anymore and revocations of tokens that have
// expired anyway.
type Housekeeper struct {
	media       repository.MediaRepository
	revocations repository.RevocationRepository
	blobs       blob.Store
	cfg         HousekeeperConfig
	logger      *slog.Logger
	opts        options

	// cursor is the last orphan key the previous sweep looked at. Each
	// sweep continues after it and wraps to the start once a batch comes
	// back short, so orphans that keep failing cannot hog every batch.
	mu     sync.Mutex
	cursor string
}

func NewHousekeeper(
	media repository.MediaRepository,
	revocations repository.RevocationRepository,
	blobs blob.Store,
	cfg HousekeeperConfig,
	logger *slog.Logger,
	opts ...Option,
) *Housekeeper {
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = DefaultOrphanGrace
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultGCInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultGCBatch
	}
	if cfg.BlobTimeout <= 0 {
		cfg.BlobTimeout = DefaultBlobTimeout
	}
	return &Housekeeper{
		media:       media,
		revocations: revocations,
		blobs:       blobs,
		cfg:         cfg,
		logger:      logger,
		opts:        buildOptions(opts),
	}
}

// RunOnce performs a single sweep. An object is deleted from the blob
// store first and only then forgotten, so a failure in between leaves a
// row that the next sweep retries rather than bytes nobody can find.
func (h *Housekeeper) RunOnce(ctx context.Context) (Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var report Report
	now := h.opts.now()

	listCtx, cancel := h.opts.bound(ctx)
	orphans, err := h.media.ListOrphans(listCtx, now.Add(-h.cfg.OrphanGrace), h.cursor, h.cfg.BatchSize)
	cancel()
	if err != nil {
		return report, storeErr(h.logger, "listing orphaned media", err)
	}
	if len(orphans) < h.cfg.BatchSize {
		h.cursor = ""
	} else {
		h.cursor = orphans[len(orphans)-1].Key
	}

	for _, obj := range orphans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		blobCtx, cancel := context.WithTimeout(ctx, h.cfg.BlobTimeout)
		err := h.blobs.Delete(blobCtx, obj.Key)
		cancel()
		if err != nil && !errors.Is(err, blob.ErrNotFound) {
			h.logger.Warn("deleting orphaned photo failed", slog.String("key", obj.Key), slog.String("error", err.Error()))
			report.OrphansFailed++
			continue
		}

		delCtx, cancel := h.opts.bound(ctx)
		err = h.media.Delete(delCtx, obj.Key)
		cancel()
		if err != nil {
			h.logger.Warn("forgetting orphaned photo failed", slog.String("key", obj.Key), slog.String("error", err.Error()))
			report.OrphansFailed++
			continue
		}

		report.OrphansDeleted++
		h.logger.Debug("orphaned photo collected", slog.String("key", obj.Key), slog.String("owner", obj.OwnerID))
	}
	h.opts.metrics.AddOrphansCollected(report.OrphansDeleted)

	revCtx, cancel := h.opts.bound(ctx)
	report.RevocationsDeleted, err = h.revocations.DeleteExpired(revCtx, now)
	cancel()
	if err != nil {
		return report, storeErr(h.logger, "sweeping revocations", err)
	}

	if report.OrphansDeleted > 0 || report.OrphansFailed > 0 || report.RevocationsDeleted > 0 {
		h.logger.Info("housekeeping sweep finished",
			slog.Int("orphansDeleted", report.OrphansDeleted),
			slog.Int("orphansFailed", report.OrphansFailed),
			slog.Int64("revocationsDeleted", report.RevocationsDeleted),
		)
	}
	return report, nil
}

// Run sweeps every Interval until ctx is cancelled. A failed sweep is
// logged and retried on the next tick; only cancellation stops the loop.
func (h *Housekeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := h.RunOnce(ctx); err != nil && ctx.Err() == nil {
			level := slog.LevelError
			if errors.Is(err, apperror.ErrStorage) {
				level = slog.LevelWarn
			}
			h.logger.Log(ctx, level, "housekeeping sweep failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
