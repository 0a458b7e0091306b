// Package watch discovers stable image files in a watched directory.
//
// Discovery is poll-based: the watched directory usually sits on a network
// mount where inotify events are unreliable, so a fsnotify watcher is at most
// a nudge to poll sooner (see notify.go), never the source of truth.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bioimage-lab/omero-ingest/constants"
	"github.com/bioimage-lab/omero-ingest/internal/ledger"
)

// Candidate is one unit of work: a stable file awaiting import.
type Candidate struct {
	ID           uuid.UUID
	Path         string
	Size         int64
	ModTime      time.Time
	DiscoveredAt time.Time
}

// Config holds the discovery parameters.
type Config struct {
	Dir      string
	Suffixes []string
	// Settle is how long a file's size and mtime must stay unchanged before
	// it counts as stable. Guards against importing a file mid-copy.
	Settle time.Duration
}

// observation tracks a not-yet-stable file between ticks.
type observation struct {
	size        int64
	mtime       time.Time
	firstSeen   time.Time
	stableSince time.Time
}

// Poller scans the watched directory on demand. It is not safe for
// concurrent use; the pipeline drives it from a single loop.
type Poller struct {
	cfg     Config
	journal ledger.FileLedger
	logger  *slog.Logger
	now     func() time.Time
	pending map[string]*observation
}

func NewPoller(cfg Config, journal ledger.FileLedger, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:     cfg,
		journal: journal,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*observation),
	}
}

// Tick scans the directory once and returns the candidates that became
// stable since the previous tick, in first-seen order. A missing watched
// directory is returned as an error wrapping fs.ErrNotExist so the caller
// can treat it as fatal; any other error should be treated as transient.
func (p *Poller) Tick(ctx context.Context) ([]Candidate, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, err
	}
	now := p.now()
	present := make(map[string]struct{}, len(entries))

	var out []Candidate
	for _, entry := range entries {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		// Top level only: subdirectories (including the quarantine dir)
		// are never scanned.
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !constants.MatchesSuffix(name, p.cfg.Suffixes) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Vanished between ReadDir and Stat; the next tick sorts it out.
			continue
		}
		path := filepath.Join(p.cfg.Dir, name)
		present[path] = struct{}{}

		cand, err := p.observe(ctx, path, info, now)
		if err != nil {
			p.logger.Error("watch: tracking file failed", "path", path, "error", err)
			continue
		}
		if cand != nil {
			out = append(out, *cand)
		}
	}

	// Drop tracking for files that disappeared while unstable.
	for path := range p.pending {
		if _, ok := present[path]; !ok {
			delete(p.pending, path)
		}
	}
	return out, nil
}

func (p *Poller) observe(ctx context.Context, path string, info fs.FileInfo, now time.Time) (*Candidate, error) {
	size, mtime := info.Size(), info.ModTime()

	obs, tracked := p.pending[path]
	if !tracked {
		seen, err := p.journal.Seen(ctx, path, size, mtime)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, nil
		}
		p.pending[path] = &observation{size: size, mtime: mtime, firstSeen: now, stableSince: now}
		p.logger.Debug("watch: new file observed", "path", path, "size", size)
		return nil, nil
	}

	if obs.size != size || !obs.mtime.Equal(mtime) {
		obs.size, obs.mtime = size, mtime
		obs.stableSince = now
		p.logger.Debug("watch: file still changing", "path", path, "size", size)
		return nil, nil
	}

	if now.Sub(obs.stableSince) < p.cfg.Settle {
		return nil, nil
	}

	// Stable for a full settle interval: fingerprint may have appeared in the
	// journal since first observation (another process), so re-check.
	seen, err := p.journal.Seen(ctx, path, size, mtime)
	if err != nil {
		return nil, err
	}
	delete(p.pending, path)
	if seen {
		return nil, nil
	}

	id, err := p.journal.RecordDiscovery(ctx, path, size, mtime)
	if err != nil {
		return nil, err
	}
	p.logger.Info("watch: stable candidate discovered", "path", path, "size", size, "file_id", id)
	return &Candidate{
		ID:           id,
		Path:         path,
		Size:         size,
		ModTime:      mtime,
		DiscoveredAt: now,
	}, nil
}

// SetClock overrides the poller's clock. Tests use it to advance time
// without real waits.
func (p *Poller) SetClock(now func() time.Time) {
	p.now = now
}
