// memfetch/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"memfetch/api"
	"memfetch/config"
	"memfetch/dedup"
	"memfetch/fetch"
	"memfetch/ffmpeg"
	"memfetch/logger"
	"memfetch/media"
	"memfetch/report"
	"memfetch/source"
	"memfetch/sysload"
	"memfetch/task"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitDiskFull = 3
)

func main() {
	// 1. Load configuration
	fs := config.Flags("memfetch")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(exitOK)
		}
		log.Fatalf("Failed to parse flags: %v", err)
	}
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg := logger.Setup(cfg.LogLevel, os.Stderr)
	if cfg.MergeExisting != "" {
		os.Exit(mergeExisting(cfg, lg))
	}
	os.Exit(run(cfg, lg))
}

// capabilities wires the optional merge and metadata collaborators. Missing
// ones switch their feature off.
func capabilities(cfg *config.Config, logger *slog.Logger) task.Capabilities {
	caps := task.Capabilities{Images: media.NewCompositor()}
	if cfg.EmbedMetadata {
		caps.Metadata = media.NewEmbedder()
	}
	if runner, err := ffmpeg.NewRunner(cfg, logger); err != nil {
		logger.Warn("video overlay merging disabled", "error", err)
	} else {
		caps.Videos = runner
		caps.Joiner = runner
	}
	return caps
}

// mergeExisting merges the -main/-overlay pairs of an earlier download
// folder and leaves the originals in place.
func mergeExisting(cfg *config.Config, logger *slog.Logger) int {
	info, err := os.Stat(cfg.MergeExisting)
	if err != nil || !info.IsDir() {
		logger.Error("not a directory", "path", cfg.MergeExisting)
		return exitFailure
	}
	proc := task.NewProcessor(cfg.MergeExisting, nil, capabilities(cfg, logger), nil, nil, task.ProcessOptions{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	res, err := proc.MergeExisting(ctx)
	fmt.Fprintf(os.Stderr, "Merge complete: %d merged, %d skipped, %d errors\n", res.Merged, res.Skipped, res.Failed)
	if err != nil {
		logger.Error("merge aborted", "error", err)
		return exitFailure
	}
	if res.Failed > 0 {
		return exitFailure
	}
	return exitOK
}

func run(cfg *config.Config, logger *slog.Logger) int {
	// 2. Load the export and the ledger of any previous run
	records, err := source.Load(cfg.SourceFile)
	if err != nil {
		logger.Error("could not load source records", "path", cfg.SourceFile, "error", err)
		return exitFailure
	}
	records = source.Limit(records, cfg.Limit)
	logger.Info("loaded source records", "path", cfg.SourceFile, "records", len(records))

	ledger, err := task.OpenLedger(cfg.OutputDir, records, logger)
	if err != nil {
		logger.Error("could not open ledger", "dir", cfg.OutputDir, "error", err)
		if errors.Is(err, task.ErrDiskFull) {
			return exitDiskFull
		}
		return exitFailure
	}

	// 3. Initialize collaborators
	caps := capabilities(cfg, logger)

	var index task.DuplicateIndex
	if cfg.RemoveDuplicates {
		index = dedup.New(cfg.OutputDir, task.IsBookkeepingFile, logger)
	}

	fetcher := fetch.NewClient(fetch.Options{
		Timeout:  cfg.FetchTimeout,
		Retries:  cfg.FetchRetries,
		MaxBytes: cfg.MaxDownloadSize,
	}, logger)
	guard := sysload.DiskGuard{Dir: cfg.OutputDir, MinFree: uint64(max(cfg.ThrottleFreeDisk, 0))}

	proc := task.NewProcessor(cfg.OutputDir, fetcher, caps, index, guard, task.ProcessOptions{
		MergeOverlays:      cfg.MergeOverlays,
		DeferVideoOverlays: cfg.DeferVideoOverlays,
		OverlaysOnly:       cfg.OverlaysOnly,
		TimestampNames:     cfg.TimestampFilenames,
	}, logger)

	// 4. Wire cancellation and the concurrency supplier
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var auto func() int
	if cfg.AutoJobs {
		sampler := sysload.NewSampler(cfg.ThrottleCPU, cfg.ThrottleFreeMem, task.MaxWorkers, logger)
		auto = sampler.Jobs
	}
	ctrl := task.NewControl(ledger, cancel, cfg.Jobs, auto)

	manager := task.NewManager(cfg, task.Deps{
		Ledger:    ledger,
		Processor: proc,
		Reporter:  report.NewWriter(cfg.OutputDir),
		Sink:      sink(ctrl, logger),
		Jobs:      ctrl.Jobs,
		Logger:    logger,
	})

	// 5. Optional status API
	var srv *http.Server
	if cfg.StatusEnable {
		srv = &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: api.SetupRouter(ctrl, cfg),
		}
		go func() {
			logger.Info("status API listening", "port", cfg.Port)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status API stopped", "error", err)
			}
		}()
	}

	summary, runErr := manager.Run(runCtx)

	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status API forced to shut down", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("run aborted", "error", runErr)
		if errors.Is(runErr, task.ErrDiskFull) {
			return exitDiskFull
		}
		return exitFailure
	}
	if summary.Totals.Failed > 0 {
		logger.Warn("some items failed; run again with --mode retry-failed", "failed", summary.Totals.Failed)
	}
	return exitOK
}

// sink feeds progress to the status API and echoes log events and the
// final report for the terminal.
func sink(ctrl *task.Control, logger *slog.Logger) task.Sink {
	return func(e task.Event) {
		ctrl.Record(e)
		switch e.Type {
		case task.EventProgress:
			fmt.Fprintf(os.Stderr, "\r[%d/%d] %s  total %s  eta %s   ", e.Completed, e.Total, e.Speed, e.TotalBytes, e.ETA)
		case task.EventLog:
			logger.Debug(e.Message)
		case task.EventReport:
			fmt.Fprintln(os.Stderr)
			if e.Summary != nil {
				s := e.Summary
				fmt.Fprintf(os.Stderr, "Done: %d successful, %d failed, %d skipped, %d pending (%d files, %s)\n",
					s.Totals.Successful, s.Totals.Failed, s.Totals.Skipped, s.Totals.Pending+s.Totals.InProgress,
					s.Totals.Files, s.Duration)
				if j := s.MultiSnaps; j != nil {
					fmt.Fprintf(os.Stderr, "Multi-snaps: %d groups, %d videos joined\n", j.Groups, j.Joined)
				}
			}
			if e.ReportPath != "" {
				fmt.Fprintf(os.Stderr, "Report: %s\n", e.ReportPath)
			}
		}
	}
}
