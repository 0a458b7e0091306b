// Package report produces operator-facing exports: the import journal as an
// XLSX workbook and the server's dataset/image inventory as CSV.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/bioimage-lab/omero-ingest/internal/ledger"
	"github.com/bioimage-lab/omero-ingest/internal/omero"
)

// Service is a tiny façade over the ledger that produces export bytes.
type Service struct {
	journal ledger.FileLedger
	logger  *slog.Logger
}

func NewService(journal ledger.FileLedger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{journal: journal, logger: logger}
}

// JournalXLSX returns an XLSX workbook (as bytes) of every journal row in
// discovery order.
func (s *Service) JournalXLSX(ctx context.Context) ([]byte, error) {
	start := time.Now()

	recs, err := s.journal.Journal(ctx)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Imports"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Discovered At",
		"Filename",
		"Size (bytes)",
		"State",
		"Attempts",
		"Imported At",
		"Last Error",
		"Source Path",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, r := range recs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, r.DiscoveredAt.Format(time.RFC3339))
		write(2, r.Filename)
		write(3, r.Size)
		write(4, r.State)
		write(5, r.Attempts)
		if !r.ImportedAt.IsZero() {
			write(6, r.ImportedAt.Format(time.RFC3339))
		} else {
			write(6, "")
		}
		write(7, truncate(r.LastError, 140))
		write(8, r.Path)

		row++
	}

	// Widen a few columns
	_ = f.SetColWidth(sheet, "A", "A", 22) // discovered
	_ = f.SetColWidth(sheet, "B", "B", 36) // filename
	_ = f.SetColWidth(sheet, "C", "C", 14) // size
	_ = f.SetColWidth(sheet, "D", "E", 12) // state, attempts
	_ = f.SetColWidth(sheet, "F", "F", 22) // imported
	_ = f.SetColWidth(sheet, "G", "G", 48) // error
	_ = f.SetColWidth(sheet, "H", "H", 60) // path

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("report.xlsx.ok",
		"rows", len(recs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// ImageLister is the slice of the web client the CSV export needs.
type ImageLister interface {
	ListDatasets(ctx context.Context) ([]omero.Dataset, error)
	ListImages(ctx context.Context, datasetID int64) ([]omero.Image, error)
}

// DatasetFilenamesCSV lists every dataset and its image names as CSV rows of
// (dataset, image). Datasets are walked sequentially, page by page. It reads
// only the server, never the journal, so it is a plain function.
func DatasetFilenamesCSV(ctx context.Context, lister ImageLister, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	datasets, err := lister.ListDatasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"dataset", "image"}); err != nil {
		return nil, err
	}
	total := 0
	for _, d := range datasets {
		images, err := lister.ListImages(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("list images for dataset %d: %w", d.ID, err)
		}
		for _, img := range images {
			if err := w.Write([]string{d.Name, img.Name}); err != nil {
				return nil, err
			}
			total++
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	logger.Info("report.csv.ok", "datasets", len(datasets), "images", total)
	return buf.Bytes(), nil
}

// truncate caps s at n runes, never splitting a multi-byte character.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return string(r[:1])
	}
	return string(r[:n-1]) + "…"
}
