package report

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/bioimage-lab/omero-ingest/internal/ledger"
	"github.com/bioimage-lab/omero-ingest/internal/omero"
)

func seededJournal(t *testing.T) ledger.FileLedger {
	t.Helper()
	journal, db, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	id, err := journal.RecordDiscovery(ctx, "/data/scan001.ome.tiff", 1024, time.Now())
	require.NoError(t, err)
	require.NoError(t, journal.MarkImported(ctx, id))

	id, err = journal.RecordDiscovery(ctx, "/data/scan002.ome.tiff", 2048, time.Now())
	require.NoError(t, err)
	require.NoError(t, journal.MarkFailed(ctx, id, "server rejected pyramid", "/data/Failed/scan002.ome.tiff"))
	return journal
}

func TestJournalXLSX(t *testing.T) {
	svc := NewService(seededJournal(t), slog.Default())

	data, err := svc.JournalXLSX(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, data)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Imports")
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two journal rows")
	assert.Equal(t, "Filename", rows[0][1])
	assert.Equal(t, "scan001.ome.tiff", rows[1][1])
	assert.Equal(t, "IMPORTED", rows[1][3])
	assert.Equal(t, "scan002.ome.tiff", rows[2][1])
	assert.Equal(t, "FAILED", rows[2][3])
	assert.Contains(t, rows[2][6], "pyramid")
}

// fakeLister serves a fixed dataset/image inventory.
type fakeLister struct {
	datasets []omero.Dataset
	images   map[int64][]omero.Image
}

func (f *fakeLister) ListDatasets(_ context.Context) ([]omero.Dataset, error) {
	return f.datasets, nil
}

func (f *fakeLister) ListImages(_ context.Context, datasetID int64) ([]omero.Image, error) {
	return f.images[datasetID], nil
}

func TestDatasetFilenamesCSV(t *testing.T) {
	lister := &fakeLister{
		datasets: []omero.Dataset{{ID: 1, Name: "Confocal"}, {ID: 2, Name: "Widefield"}},
		images: map[int64][]omero.Image{
			1: {{ID: 10, Name: "scan001.ome.tiff"}},
			2: {{ID: 20, Name: "a.ome.tiff"}, {ID: 21, Name: "b.ome.tiff"}},
		},
	}

	data, err := DatasetFilenamesCSV(context.Background(), lister, slog.Default())
	require.NoError(t, err)

	want := "dataset,image\n" +
		"Confocal,scan001.ome.tiff\n" +
		"Widefield,a.ome.tiff\n" +
		"Widefield,b.ome.tiff\n"
	assert.Equal(t, want, string(data))
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "αα…", truncate("ααααα", 3))
	assert.Equal(t, "short", truncate("short", 140))
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("ü", 200), 140)))
}
