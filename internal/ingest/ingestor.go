// Package ingest consumes discovered candidates and drives them through the
// remote import, archiving or quarantining the source file by outcome.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bioimage-lab/omero-ingest/constants"
	"github.com/bioimage-lab/omero-ingest/internal/common"
	"github.com/bioimage-lab/omero-ingest/internal/importer"
	"github.com/bioimage-lab/omero-ingest/internal/ledger"
	"github.com/bioimage-lab/omero-ingest/internal/watch"
)

// Ingestor performs one import attempt per candidate. At most one attempt is
// in flight at any time; the pipeline feeds it from a single FIFO queue.
type Ingestor struct {
	cfg     common.WatchConfig
	imp     importer.Importer
	journal ledger.FileLedger
	logger  *slog.Logger
}

func NewIngestor(cfg common.WatchConfig, imp importer.Importer, journal ledger.FileLedger, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{cfg: cfg, imp: imp, journal: journal, logger: logger}
}

// Ingest submits the candidate and settles its source file. On success the
// file is deleted, archived, or kept per the cleanup mode; on failure it is
// renamed into the quarantine directory. A shutdown mid-attempt leaves the
// file untouched so the next run can pick it up again.
func (g *Ingestor) Ingest(ctx context.Context, cand watch.Candidate) error {
	attemptCtx := ctx
	if g.cfg.ImportTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.ImportTimeout)
		defer cancel()
	}

	err := g.imp.Import(attemptCtx, cand.Path)
	if err == nil {
		return g.settleSuccess(ctx, cand)
	}
	if ctx.Err() != nil {
		// Shutting down: the attempt was abandoned, not rejected.
		g.logger.Info("ingest: attempt abandoned on shutdown", "path", cand.Path, "file_id", cand.ID)
		return ctx.Err()
	}

	reason := err.Error()
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		reason = fmt.Sprintf("timeout after %s: %s", g.cfg.ImportTimeout, reason)
	}
	return g.quarantine(ctx, cand, reason)
}

func (g *Ingestor) settleSuccess(ctx context.Context, cand watch.Candidate) error {
	// Journal updates must survive a cancellation that lands between the
	// import finishing and the bookkeeping.
	mark := context.WithoutCancel(ctx)

	switch g.cfg.Cleanup {
	case common.CleanupDelete:
		if err := os.Remove(cand.Path); err != nil {
			g.logger.Error("ingest: imported but could not remove source", "path", cand.Path, "error", err)
			return err
		}
	case common.CleanupArchive:
		if err := os.MkdirAll(g.cfg.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		dest := filepath.Join(g.cfg.ArchiveDir, filepath.Base(cand.Path))
		if err := os.Rename(cand.Path, dest); err != nil {
			g.logger.Error("ingest: imported but could not archive source", "path", cand.Path, "dest", dest, "error", err)
			return err
		}
	case common.CleanupKeep:
		// In-place (ln_s) imports reference the file where it sits; the
		// ledger's seen-set is what prevents resubmission.
	}

	if err := g.journal.MarkImported(mark, cand.ID); err != nil {
		return err
	}
	g.logger.Info("ingest: import succeeded", "path", cand.Path, "file_id", cand.ID, "cleanup", g.cfg.Cleanup)
	return nil
}

func (g *Ingestor) quarantine(ctx context.Context, cand watch.Candidate, reason string) error {
	mark := context.WithoutCancel(ctx)

	if err := os.MkdirAll(g.cfg.QuarantineDir, 0o755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	dest := g.quarantineDest(filepath.Base(cand.Path))
	// Same-filesystem rename: the file is never observable half-moved.
	if err := os.Rename(cand.Path, dest); err != nil {
		g.logger.Error("ingest: could not quarantine failed file", "path", cand.Path, "dest", dest, "error", err)
		return err
	}

	if err := g.journal.MarkFailed(mark, cand.ID, reason, dest); err != nil {
		return err
	}
	g.logger.Error("ingest: import failed, file quarantined",
		"path", cand.Path, "file_id", cand.ID, "quarantine", dest, "reason", reason)
	return nil
}

// quarantineDest picks a destination that never clobbers an earlier
// quarantined file of the same name. The counter goes before the image
// suffix so a rescued copy still matches the watcher's filter.
func (g *Ingestor) quarantineDest(name string) string {
	dest := filepath.Join(g.cfg.QuarantineDir, name)
	if _, err := os.Stat(dest); err != nil {
		return dest
	}
	stem, suffix := constants.SplitSuffix(name, g.cfg.Suffixes)
	for n := 1; ; n++ {
		dest = filepath.Join(g.cfg.QuarantineDir, fmt.Sprintf("%s.%d%s", stem, n, suffix))
		if _, err := os.Stat(dest); err != nil {
			return dest
		}
	}
}
