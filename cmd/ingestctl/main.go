// ingestctl is the operator companion to ingestd: rescue quarantined files,
// sweep the server for missing images, inspect the journal, and export
// reports, all without stopping the daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bioimage-lab/omero-ingest/constants"
	"github.com/bioimage-lab/omero-ingest/internal/common"
	"github.com/bioimage-lab/omero-ingest/internal/importer"
	"github.com/bioimage-lab/omero-ingest/internal/ledger"
	"github.com/bioimage-lab/omero-ingest/internal/omero"
	"github.com/bioimage-lab/omero-ingest/internal/reconcile"
	"github.com/bioimage-lab/omero-ingest/internal/report"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "ingestctl",
		Short: "Operate the OMERO ingest pipeline",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to JSON config file (optional)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")

	root.AddCommand(
		reconcileCmd(),
		sweepCmd(),
		statusCmd(),
		reportCmd(),
		filenamesCmd(),
		importCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*common.Config, *slog.Logger, context.Context, context.CancelFunc, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if configPath != "" {
		if err := cfg.ApplyFile(configPath); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("config file %s: %w", configPath, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return cfg, logger, ctx, stop, nil
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Move quarantined files back into the watched directory for another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, ctx, stop, err := setup()
			if err != nil {
				return err
			}
			defer stop()

			journal, db, err := ledger.Open(cfg.Ledger.Path, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			rec := reconcile.NewReconciler(journal, logger)
			moved, err := rec.Rescue(ctx, cfg.Watch.QuarantineDir, cfg.Watch.Dir)
			if err != nil {
				return err
			}
			fmt.Printf("rescued %d file(s) from %s\n", moved, cfg.Watch.QuarantineDir)
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Re-queue watched files that have no matching image on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, ctx, stop, err := setup()
			if err != nil {
				return err
			}
			defer stop()

			if cfg.Omero.WebURL == "" {
				return fmt.Errorf("OMERO_WEB_URL is required for sweep")
			}
			client, err := omero.NewClient(cfg.Omero.WebURL, 30*time.Second, logger)
			if err != nil {
				return err
			}
			if err := client.Login(ctx, cfg.Omero.Username, cfg.Omero.Password); err != nil {
				return err
			}

			journal, db, err := ledger.Open(cfg.Ledger.Path, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			rec := reconcile.NewReconciler(journal, logger)
			requeued, err := rec.SweepMissing(ctx, cfg.Watch.Dir, cfg.Watch.Suffixes, client)
			if err != nil {
				return err
			}
			fmt.Printf("re-queued %d file(s) missing on the server\n", requeued)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var showErrors bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show journal counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, ctx, stop, err := setup()
			if err != nil {
				return err
			}
			defer stop()

			journal, db, err := ledger.Open(cfg.Ledger.Path, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := journal.Stats(ctx)
			if err != nil {
				return err
			}
			states := make([]string, 0, len(stats))
			for s := range stats {
				states = append(states, s)
			}
			sort.Strings(states)
			for _, s := range states {
				fmt.Printf("%-10s %d\n", s, stats[s])
			}

			if showErrors {
				recs, err := journal.Journal(ctx)
				if err != nil {
					return err
				}
				for _, r := range recs {
					if r.State == constants.StateFailed && r.LastError != "" {
						fmt.Printf("%s: %s\n", r.Filename, r.LastError)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showErrors, "errors", false, "also print the last error of each failed file")
	return cmd
}

func reportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the import journal as an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, ctx, stop, err := setup()
			if err != nil {
				return err
			}
			defer stop()

			journal, db, err := ledger.Open(cfg.Ledger.Path, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			data, err := report.NewService(journal, logger).JournalXLSX(ctx)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "imports.xlsx", "output path for the workbook")
	return cmd
}

func filenamesCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "filenames",
		Short: "Export every dataset and its image names from the server as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, ctx, stop, err := setup()
			if err != nil {
				return err
			}
			defer stop()

			if cfg.Omero.WebURL == "" {
				return fmt.Errorf("OMERO_WEB_URL is required for filenames")
			}
			client, err := omero.NewClient(cfg.Omero.WebURL, 30*time.Second, logger)
			if err != nil {
				return err
			}
			if err := client.Login(ctx, cfg.Omero.Username, cfg.Omero.Password); err != nil {
				return err
			}

			data, err := report.DatasetFilenamesCSV(ctx, client, logger)
			if err != nil {
				return err
			}
			if out == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "filenames.csv", "output path for the CSV, or - for stdout")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file or directory> ...",
		Short: "Import files once, bypassing the watcher and the journal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, ctx, stop, err := setup()
			if err != nil {
				return err
			}
			defer stop()

			runner := importer.NewExecRunner()
			mounts, err := importer.LoadBindMounts(ctx, runner, cfg.Omero.Container)
			if err != nil {
				return err
			}
			imp := importer.NewCLIImporter(cfg.Omero, runner, mounts, logger)

			paths, err := collectImports(args, cfg.Watch.Suffixes)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no matching image files under the given paths")
			}

			failed := 0
			for _, p := range paths {
				if err := imp.Import(ctx, p); err != nil {
					logger.Error("import failed", "path", p, "error", err)
					failed++
					continue
				}
				fmt.Printf("imported %s\n", p)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d import(s) failed", failed, len(paths))
			}
			return nil
		},
	}
}

// collectImports expands the arguments into a flat list of image files.
// Directories contribute their direct matching children only.
func collectImports(args, suffixes []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !constants.MatchesSuffix(entry.Name(), suffixes) {
				continue
			}
			paths = append(paths, filepath.Join(arg, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
