// ingestd watches a directory of converted OME-TIFF images and imports each
// stable new file into an OMERO server, quarantining the ones the server
// rejects. It is the long-running half of the pipeline; rescue and reporting
// live in ingestctl.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/bioimage-lab/omero-ingest/internal/common"
	"github.com/bioimage-lab/omero-ingest/internal/importer"
	"github.com/bioimage-lab/omero-ingest/internal/ingest"
	"github.com/bioimage-lab/omero-ingest/internal/ledger"
	"github.com/bioimage-lab/omero-ingest/internal/watch"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to JSON config file (optional)")
		dir        = flag.String("dir", "", "directory to watch for new images")
		failedDir  = flag.String("failed-dir", "", "quarantine directory for failed imports (default <dir>/Failed)")
		dbPath     = flag.String("db", "", "path to the import journal database")
		poll       = flag.Duration("poll", 0, "poll interval")
		settle     = flag.Duration("settle", 0, "settle interval before a file counts as stable")
		timeout    = flag.Duration("timeout", 0, "per-import timeout")
		healthAddr = flag.String("health-addr", "", "listen address for the gRPC health endpoint (optional)")
		logFile    = flag.String("log-file", "", "write logs to this file instead of stdout")
		verbose    = flag.Bool("v", false, "enable verbose (debug) logging")
	)
	flag.Parse()

	logger, cleanup, err := setupLogger(*logFile, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := common.LoadConfig()
	if *configPath != "" {
		if err := cfg.ApplyFile(*configPath); err != nil {
			logger.Error("invalid config file", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	// Flags beat env and file.
	if *dir != "" {
		cfg.Watch.Dir = *dir
	}
	if *failedDir != "" {
		cfg.Watch.QuarantineDir = *failedDir
	}
	if *dbPath != "" {
		cfg.Ledger.Path = *dbPath
	}
	if *poll > 0 {
		cfg.Watch.PollInterval = *poll
	}
	if *settle > 0 {
		cfg.Watch.SettleInterval = *settle
	}
	if *timeout > 0 {
		cfg.Watch.ImportTimeout = *timeout
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if info, err := os.Stat(cfg.Watch.Dir); err != nil || !info.IsDir() {
		logger.Error("watched directory does not exist", "dir", cfg.Watch.Dir, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Watch.QuarantineDir, 0o755); err != nil {
		logger.Error("could not create quarantine directory", "dir", cfg.Watch.QuarantineDir, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, db, err := ledger.Open(cfg.Ledger.Path, logger)
	if err != nil {
		logger.Error("could not open import journal", "path", cfg.Ledger.Path, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if n, err := journal.ResetPending(ctx); err != nil {
		logger.Error("could not requeue stale pending files", "error", err)
		os.Exit(1)
	} else if n > 0 {
		logger.Info("requeued files left pending by a previous run", "count", n)
	}

	// In-place import requires the watched directory to be bind-mounted into
	// the server container; resolve the mapping once at startup.
	runner := importer.NewExecRunner()
	mounts, err := importer.LoadBindMounts(ctx, runner, cfg.Omero.Container)
	if err != nil {
		logger.Error("could not read container bind mounts", "container", cfg.Omero.Container, "error", err)
		os.Exit(1)
	}
	if len(mounts) == 0 {
		logger.Error("no bind mounts between host and server container", "container", cfg.Omero.Container)
		os.Exit(1)
	}
	if _, ok := importer.ApplyMount(mounts, cfg.Watch.Dir); !ok {
		logger.Error("watched directory is not covered by any bind mount", "dir", cfg.Watch.Dir)
		os.Exit(1)
	}

	imp := importer.NewCLIImporter(cfg.Omero, runner, mounts, logger)
	poller := watch.NewPoller(watch.Config{
		Dir:      cfg.Watch.Dir,
		Suffixes: cfg.Watch.Suffixes,
		Settle:   cfg.Watch.SettleInterval,
	}, journal, logger)
	ingestor := ingest.NewIngestor(cfg.Watch, imp, journal, logger)

	var nudge <-chan struct{}
	if cfg.Watch.Notify {
		nudge, err = watch.Nudge(ctx, cfg.Watch.Dir, time.Second, logger)
		if err != nil {
			// The poll loop alone is sufficient; events just lower latency.
			logger.Warn("fsnotify unavailable, relying on polling only", "error", err)
		}
	}

	var healthServer *health.Server
	var grpcServer *grpc.Server
	if *healthAddr != "" {
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		reflection.Register(grpcServer)

		lis, err := net.Listen("tcp", *healthAddr)
		if err != nil {
			logger.Error("health listen failed", "addr", *healthAddr, "error", err)
			os.Exit(1)
		}
		logger.Info("health endpoint serving", "addr", *healthAddr)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("health serve failed", "error", err)
			}
		}()
	}

	logger.Info("monitoring directory for new images",
		"dir", cfg.Watch.Dir,
		"quarantine", cfg.Watch.QuarantineDir,
		"poll", cfg.Watch.PollInterval.String(),
		"settle", cfg.Watch.SettleInterval.String(),
		"importer", cfg.Omero.Username,
		"target_user", cfg.Omero.TargetUser,
	)

	pipeline := ingest.NewPipeline(poller, ingestor, cfg.Watch.PollInterval, nudge, logger)
	err = pipeline.Run(ctx)

	if healthServer != nil {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeline stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}

// setupLogger wires slog with a JSON handler to stdout or a log file.
func setupLogger(logFile string, verbose bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stdout
	cleanup := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", logFile, err)
		}
		w = f
		cleanup = func() { _ = f.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, cleanup, nil
}
