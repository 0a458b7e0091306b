// Package reconcile rescues quarantined files back into the watched
// directory and re-queues files the server turns out not to have. It never
// retries an import itself; the watcher's next poll does that.
package reconcile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bioimage-lab/omero-ingest/constants"
	"github.com/bioimage-lab/omero-ingest/internal/ledger"
)

// ImageFinder answers whether the server already has an image by name.
type ImageFinder interface {
	ImageExists(ctx context.Context, name string) (bool, error)
}

type Reconciler struct {
	journal ledger.FileLedger
	logger  *slog.Logger
}

func NewReconciler(journal ledger.FileLedger, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{journal: journal, logger: logger}
}

// Rescue moves every file in quarantineDir back into watchedDir and clears
// its seen state, returning the number of files moved. A missing quarantine
// directory means nothing to rescue. Intended to run from a scheduled job
// after an operator has had the chance to inspect the quarantined files.
func (r *Reconciler) Rescue(ctx context.Context, quarantineDir, watchedDir string) (int, error) {
	entries, err := os.ReadDir(quarantineDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	moved := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		src := filepath.Join(quarantineDir, name)
		dest := filepath.Join(watchedDir, name)

		// A fresh file with the same name may already be pending; leave the
		// quarantined copy for the operator rather than clobber it.
		if _, err := os.Stat(dest); err == nil {
			r.logger.Warn("reconcile: name already present in watched dir, skipping", "name", name)
			continue
		}

		if err := os.Rename(src, dest); err != nil {
			r.logger.Error("reconcile: could not move file out of quarantine", "name", name, "error", err)
			return moved, err
		}
		if _, err := r.journal.MarkRescuedByName(ctx, name, false); err != nil {
			return moved, err
		}
		moved++
		r.logger.Info("reconcile: file rescued", "name", name, "dest", dest)
	}
	return moved, nil
}

// SweepMissing walks the watched directory and re-queues every matching file
// that has no image of the same name on the server. Files the server lost
// (or that were imported before the ledger existed) get another pass even if
// the journal says IMPORTED.
func (r *Reconciler) SweepMissing(ctx context.Context, watchedDir string, suffixes []string, finder ImageFinder) (int, error) {
	entries, err := os.ReadDir(watchedDir)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return requeued, ctx.Err()
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !constants.MatchesSuffix(name, suffixes) {
			continue
		}

		exists, err := finder.ImageExists(ctx, name)
		if err != nil {
			return requeued, err
		}
		if exists {
			continue
		}

		n, err := r.journal.MarkRescuedByName(ctx, name, true)
		if err != nil {
			return requeued, err
		}
		if n > 0 {
			requeued++
			r.logger.Info("reconcile: image missing on server, re-queued", "name", name)
		} else {
			// Never journaled: the watcher will pick it up as brand new.
			r.logger.Info("reconcile: image missing on server and untracked", "name", name)
		}
	}
	return requeued, nil
}
