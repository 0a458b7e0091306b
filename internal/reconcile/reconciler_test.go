package reconcile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioimage-lab/omero-ingest/constants"
	"github.com/bioimage-lab/omero-ingest/internal/ledger"
)

type fixture struct {
	journal    ledger.FileLedger
	watched    string
	quarantine string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	watched := t.TempDir()
	quarantine := filepath.Join(watched, constants.DefaultQuarantineDir)
	require.NoError(t, os.MkdirAll(quarantine, 0o755))

	journal, db, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &fixture{journal: journal, watched: watched, quarantine: quarantine}
}

// quarantineFile journals a failed import and plants the file in quarantine.
func (f *fixture) quarantineFile(t *testing.T, name string) {
	t.Helper()
	dest := filepath.Join(f.quarantine, name)
	require.NoError(t, os.WriteFile(dest, []byte("pixels"), 0o644))

	ctx := context.Background()
	id, err := f.journal.RecordDiscovery(ctx, filepath.Join(f.watched, name), int64(len("pixels")), time.Now())
	require.NoError(t, err)
	require.NoError(t, f.journal.MarkFailed(ctx, id, "server rejected", dest))
}

func TestRescueMovesFilesBack(t *testing.T) {
	f := newFixture(t)
	f.quarantineFile(t, "scan001.ome.tiff")
	f.quarantineFile(t, "scan002.ome.tiff")

	r := NewReconciler(f.journal, slog.Default())
	moved, err := r.Rescue(context.Background(), f.quarantine, f.watched)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	assert.FileExists(t, filepath.Join(f.watched, "scan001.ome.tiff"))
	assert.FileExists(t, filepath.Join(f.watched, "scan002.ome.tiff"))
	assert.NoFileExists(t, filepath.Join(f.quarantine, "scan001.ome.tiff"))

	stats, err := f.journal.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats[constants.StateRescued])
	assert.Equal(t, 0, stats[constants.StateFailed])
}

func TestRescueSkipsNameCollisions(t *testing.T) {
	f := newFixture(t)
	f.quarantineFile(t, "scan001.ome.tiff")
	// A fresh copy with the same name is already waiting in the watched dir.
	require.NoError(t, os.WriteFile(filepath.Join(f.watched, "scan001.ome.tiff"), []byte("newer pixels"), 0o644))

	r := NewReconciler(f.journal, slog.Default())
	moved, err := r.Rescue(context.Background(), f.quarantine, f.watched)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	assert.FileExists(t, filepath.Join(f.quarantine, "scan001.ome.tiff"), "the quarantined copy stays for the operator")
}

func TestRescueMissingQuarantineDirIsEmpty(t *testing.T) {
	f := newFixture(t)
	r := NewReconciler(f.journal, slog.Default())

	moved, err := r.Rescue(context.Background(), filepath.Join(f.watched, "no-such-dir"), f.watched)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}

// fakeFinder answers ImageExists from a fixed set of names.
type fakeFinder struct{ names map[string]bool }

func (f *fakeFinder) ImageExists(_ context.Context, name string) (bool, error) {
	return f.names[name], nil
}

func TestSweepMissingRequeuesLostImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Both journaled as imported (cleanup mode keep leaves the files around),
	// but only one survived on the server.
	for _, name := range []string{"kept.ome.tiff", "lost.ome.tiff"} {
		path := filepath.Join(f.watched, name)
		require.NoError(t, os.WriteFile(path, []byte("pixels"), 0o644))
		id, err := f.journal.RecordDiscovery(ctx, path, int64(len("pixels")), time.Now())
		require.NoError(t, err)
		require.NoError(t, f.journal.MarkImported(ctx, id))
	}
	require.NoError(t, os.WriteFile(filepath.Join(f.watched, "notes.txt"), []byte("not an image"), 0o644))

	r := NewReconciler(f.journal, slog.Default())
	finder := &fakeFinder{names: map[string]bool{"kept.ome.tiff": true}}
	requeued, err := r.SweepMissing(ctx, f.watched, nil, finder)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	recs, err := f.journal.Journal(ctx)
	require.NoError(t, err)
	states := map[string]string{}
	for _, rec := range recs {
		states[rec.Filename] = rec.State
	}
	assert.Equal(t, constants.StateImported, states["kept.ome.tiff"])
	assert.Equal(t, constants.StateRescued, states["lost.ome.tiff"])
}

func TestSweepMissingUntrackedFileNotCounted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.watched, "untracked.ome.tiff"), []byte("pixels"), 0o644))

	r := NewReconciler(f.journal, slog.Default())
	requeued, err := r.SweepMissing(context.Background(), f.watched, nil, &fakeFinder{names: map[string]bool{}})
	require.NoError(t, err)
	assert.Equal(t, 0, requeued, "a never-journaled file needs no rescue; the watcher sees it as new")
}
