package ingest

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
	"github.com/bioimage-lab/omero-ingest/internal/watch"
)

func TestPipelineImportsStableFileEndToEnd(t *testing.T) {
	fx := newIngestFixture(t)
	path := filepath.Join(fx.cfg.Dir, "scan001.ome.tiff")
	require.NoError(t, os.WriteFile(path, []byte("pixels"), 0o644))

	// Settle of zero: the file counts as stable on its second sighting.
	poller := watch.NewPoller(watch.Config{Dir: fx.cfg.Dir, Settle: 0}, fx.journal, slog.Default())
	ingestor := NewIngestor(fx.cfg, &fakeImporter{}, fx.journal, slog.Default())
	pipeline := NewPipeline(poller, ingestor, 10*time.Millisecond, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- pipeline.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond, "imported file should be deleted")

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	recs, err := fx.journal.Journal(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, constants.StateImported, recs[0].State)
}

func TestPipelineSkipsCycleOnTransientReadError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions do not bind for root")
	}
	fx := newIngestFixture(t)
	path := filepath.Join(fx.cfg.Dir, "scan001.ome.tiff")
	require.NoError(t, os.WriteFile(path, []byte("pixels"), 0o644))

	poller := watch.NewPoller(watch.Config{Dir: fx.cfg.Dir, Settle: 0}, fx.journal, slog.Default())
	ingestor := NewIngestor(fx.cfg, &fakeImporter{}, fx.journal, slog.Default())
	pipeline := NewPipeline(poller, ingestor, time.Hour, nil, slog.Default())

	ctx := context.Background()
	queue := make(chan watch.Candidate, 4)

	require.NoError(t, os.Chmod(fx.cfg.Dir, 0o000))
	t.Cleanup(func() { _ = os.Chmod(fx.cfg.Dir, 0o755) })

	require.NoError(t, pipeline.tick(ctx, queue), "an unreadable directory skips the cycle, it does not stop the pipeline")
	assert.Empty(t, queue)

	// Permissions restored: the next cycles discover the file as usual.
	require.NoError(t, os.Chmod(fx.cfg.Dir, 0o755))
	require.NoError(t, pipeline.tick(ctx, queue))
	require.NoError(t, pipeline.tick(ctx, queue))
	require.Len(t, queue, 1)
	assert.Equal(t, path, (<-queue).Path)
}

func TestPipelineStopsWhenDirectoryVanishes(t *testing.T) {
	fx := newIngestFixture(t)
	poller := watch.NewPoller(watch.Config{Dir: fx.cfg.Dir, Settle: 0}, fx.journal, slog.Default())
	ingestor := NewIngestor(fx.cfg, &fakeImporter{}, fx.journal, slog.Default())
	pipeline := NewPipeline(poller, ingestor, 10*time.Millisecond, nil, slog.Default())

	require.NoError(t, os.RemoveAll(fx.cfg.Dir))

	err := pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}
