package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioimage-lab/omero-ingest/constants"
	"github.com/bioimage-lab/omero-ingest/internal/common"
	"github.com/bioimage-lab/omero-ingest/internal/ledger"
	"github.com/bioimage-lab/omero-ingest/internal/watch"
)

// fakeImporter fails or blocks on demand.
type fakeImporter struct {
	err   error
	block bool
}

func (f *fakeImporter) Import(ctx context.Context, _ string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

type ingestFixture struct {
	cfg     common.WatchConfig
	journal ledger.FileLedger
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	dir := t.TempDir()
	journal, db, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &ingestFixture{
		cfg: common.WatchConfig{
			Dir:           dir,
			QuarantineDir: filepath.Join(dir, constants.DefaultQuarantineDir),
			ArchiveDir:    filepath.Join(t.TempDir(), "archive"),
			Cleanup:       common.CleanupDelete,
			ImportTimeout: time.Minute,
		},
		journal: journal,
	}
}

// stage writes a file into the watched dir and journals its discovery.
func (fx *ingestFixture) stage(t *testing.T, name string) watch.Candidate {
	t.Helper()
	path := filepath.Join(fx.cfg.Dir, name)
	require.NoError(t, os.WriteFile(path, []byte("pixels"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	id, err := fx.journal.RecordDiscovery(context.Background(), path, info.Size(), info.ModTime())
	require.NoError(t, err)
	return watch.Candidate{ID: id, Path: path, Size: info.Size(), ModTime: info.ModTime()}
}

func (fx *ingestFixture) state(t *testing.T, name string) string {
	t.Helper()
	recs, err := fx.journal.Journal(context.Background())
	require.NoError(t, err)
	for _, r := range recs {
		if r.Filename == name {
			return r.State
		}
	}
	t.Fatalf("no journal row for %s", name)
	return ""
}

func TestIngestSuccessDeletesSource(t *testing.T) {
	fx := newIngestFixture(t)
	cand := fx.stage(t, "scan001.ome.tiff")

	g := NewIngestor(fx.cfg, &fakeImporter{}, fx.journal, slog.Default())
	require.NoError(t, g.Ingest(context.Background(), cand))

	assert.NoFileExists(t, cand.Path)
	assert.Equal(t, constants.StateImported, fx.state(t, "scan001.ome.tiff"))
}

func TestIngestSuccessArchivesSource(t *testing.T) {
	fx := newIngestFixture(t)
	fx.cfg.Cleanup = common.CleanupArchive
	cand := fx.stage(t, "scan001.ome.tiff")

	g := NewIngestor(fx.cfg, &fakeImporter{}, fx.journal, slog.Default())
	require.NoError(t, g.Ingest(context.Background(), cand))

	assert.NoFileExists(t, cand.Path)
	assert.FileExists(t, filepath.Join(fx.cfg.ArchiveDir, "scan001.ome.tiff"))
	assert.Equal(t, constants.StateImported, fx.state(t, "scan001.ome.tiff"))
}

func TestIngestSuccessKeepLeavesSource(t *testing.T) {
	fx := newIngestFixture(t)
	fx.cfg.Cleanup = common.CleanupKeep
	cand := fx.stage(t, "scan001.ome.tiff")

	g := NewIngestor(fx.cfg, &fakeImporter{}, fx.journal, slog.Default())
	require.NoError(t, g.Ingest(context.Background(), cand))

	assert.FileExists(t, cand.Path)
	assert.Equal(t, constants.StateImported, fx.state(t, "scan001.ome.tiff"))
}

func TestIngestFailureQuarantinesSource(t *testing.T) {
	fx := newIngestFixture(t)
	cand := fx.stage(t, "scan001.ome.tiff")

	imp := &fakeImporter{err: errors.New("completed without an Image id")}
	g := NewIngestor(fx.cfg, imp, fx.journal, slog.Default())
	require.NoError(t, g.Ingest(context.Background(), cand))

	assert.NoFileExists(t, cand.Path)
	assert.FileExists(t, filepath.Join(fx.cfg.QuarantineDir, "scan001.ome.tiff"))
	assert.Equal(t, constants.StateFailed, fx.state(t, "scan001.ome.tiff"))

	recs, err := fx.journal.Journal(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].LastError, "Image id")
	assert.Equal(t, 1, recs[0].Attempts)
}

func TestIngestFailureKeepsEarlierQuarantinedCopy(t *testing.T) {
	fx := newIngestFixture(t)
	require.NoError(t, os.MkdirAll(fx.cfg.QuarantineDir, 0o755))
	earlier := filepath.Join(fx.cfg.QuarantineDir, "scan001.ome.tiff")
	require.NoError(t, os.WriteFile(earlier, []byte("first failure"), 0o644))

	cand := fx.stage(t, "scan001.ome.tiff")
	imp := &fakeImporter{err: errors.New("completed without an Image id")}
	g := NewIngestor(fx.cfg, imp, fx.journal, slog.Default())
	require.NoError(t, g.Ingest(context.Background(), cand))

	got, err := os.ReadFile(earlier)
	require.NoError(t, err)
	assert.Equal(t, "first failure", string(got), "an earlier quarantined copy must survive")
	assert.FileExists(t, filepath.Join(fx.cfg.QuarantineDir, "scan001.1.ome.tiff"))
}

func TestIngestTimeoutQuarantinesWithReason(t *testing.T) {
	fx := newIngestFixture(t)
	fx.cfg.ImportTimeout = 10 * time.Millisecond
	cand := fx.stage(t, "slow.ome.tiff")

	g := NewIngestor(fx.cfg, &fakeImporter{block: true}, fx.journal, slog.Default())
	require.NoError(t, g.Ingest(context.Background(), cand))

	assert.FileExists(t, filepath.Join(fx.cfg.QuarantineDir, "slow.ome.tiff"))
	recs, err := fx.journal.Journal(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].LastError, "timeout after 10ms")
}

func TestIngestShutdownLeavesFileUntouched(t *testing.T) {
	fx := newIngestFixture(t)
	cand := fx.stage(t, "interrupted.ome.tiff")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	g := NewIngestor(fx.cfg, &fakeImporter{block: true}, fx.journal, slog.Default())
	err := g.Ingest(ctx, cand)
	require.ErrorIs(t, err, context.Canceled)

	// The file must survive for the next run to retry.
	assert.FileExists(t, cand.Path)
	assert.NoFileExists(t, filepath.Join(fx.cfg.QuarantineDir, "interrupted.ome.tiff"))
	assert.Equal(t, constants.StatePending, fx.state(t, "interrupted.ome.tiff"))
}
