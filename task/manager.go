package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"memfetch/config"
)

type Mode string

const (
	ModeAll         Mode = "all"
	ModeResume      Mode = "resume"
	ModeRetryFailed Mode = "retry-failed"
)

// Select returns the numbers of the tasks a run in mode should dispatch.
// media ("" for any) compares case-insensitively with the task's kind.
// Tasks that already produced files are left alone unless reprocess is set.
func Select(tasks []Task, mode Mode, media string, reprocess bool) []int {
	var out []int
	for _, t := range tasks {
		switch mode {
		case ModeResume:
			if t.State != StatePending && t.State != StateInProgress && t.State != StateFailed && !reprocess {
				continue
			}
		case ModeRetryFailed:
			if t.State != StateFailed {
				continue
			}
		}
		if media != "" && !strings.EqualFold(media, string(t.MediaKind)) {
			continue
		}
		if t.Done() && !reprocess {
			continue
		}
		out = append(out, t.Number)
	}
	return out
}

type Deps struct {
	Ledger    *Ledger
	Processor *Processor
	Reporter  Reporter
	Sink      Sink
	// Jobs, when set, is polled for the live concurrency ceiling.
	Jobs   func() int
	Logger *slog.Logger
}

// Manager runs one pass over the ledger: a worker pool for downloads, then
// the deferred merges.
type Manager struct {
	cfg    *config.Config
	ledger *Ledger
	proc   *Processor
	report Reporter
	sink   Sink
	jobs   func() int
	logger *slog.Logger
	runID  string

	deferMu  sync.Mutex
	deferred []int
}

func NewManager(cfg *config.Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
	m := &Manager{
		cfg:    cfg,
		ledger: deps.Ledger,
		proc:   deps.Processor,
		report: deps.Reporter,
		sink:   deps.Sink,
		jobs:   deps.Jobs,
		logger: logger.With("run_id", runID),
		runID:  runID,
	}
	if m.proc != nil {
		if m.ledger != nil {
			m.proc.TrackOwners(m.ledger)
		}
		m.proc.notify = m.note
	}
	return m
}

func (m *Manager) RunID() string { return m.runID }

func (m *Manager) emit(e Event) {
	if m.sink != nil {
		m.sink(e)
	}
}

func (m *Manager) note(msg string) {
	m.emit(Event{Type: EventLog, Message: msg})
}

// Run processes the selected tasks until the queue drains or ctx is
// cancelled. Cancellation stops dispatch, lets running tasks finish and
// skips the deferred merges; it is not an error. A full disk is.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	selected := Select(m.ledger.Snapshot(), Mode(m.cfg.Mode), m.cfg.Media, m.cfg.Reprocess)
	m.logger.Info("starting run",
		"mode", m.cfg.Mode,
		"selected", len(selected),
		"total", m.ledger.Len(),
		"output", m.ledger.Dir())
	m.note(fmt.Sprintf("Processing %d of %d items", len(selected), m.ledger.Len()))

	stats := NewStats(len(selected), start)
	if len(selected) > 0 {
		m.runPool(runCtx, cancel, selected, stats)
	}

	if cause := context.Cause(runCtx); errors.Is(cause, ErrDiskFull) {
		m.logger.Error("run stopped", "error", cause)
		m.note("Stopped: " + cause.Error())
		if err := m.ledger.Save(); err != nil {
			m.logger.Error("could not save ledger", "error", err)
		}
		return m.summarize(start, false, nil, nil), fmt.Errorf("run stopped: %w", cause)
	}

	cancelled := ctx.Err() != nil
	var merges *DeferredResult
	var joins *JoinResult
	switch {
	case cancelled:
		m.logger.Warn("run cancelled, skipping deferred merges")
		m.note("Cancelled")
	case m.cfg.MergeOverlays:
		if pending := m.pendingMerges(); len(pending) > 0 {
			m.logger.Info("running deferred merges", "count", len(pending))
			m.note(fmt.Sprintf("Merging %d deferred overlays", len(pending)))
			res := m.proc.MergeDeferred(ctx, m.ledger, pending)
			merges = &res
			m.logger.Info("deferred merges finished", "merged", res.Merged, "failed", res.Failed, "skipped", res.Skipped)
			m.note(fmt.Sprintf("Deferred merges: %d merged, %d failed, %d skipped", res.Merged, res.Failed, res.Skipped))
		}
	}
	if m.cfg.JoinMultiSnaps && !cancelled {
		m.note("Detecting multi-snap videos")
		res := m.proc.JoinMultiSnaps(ctx, m.ledger, MultiSnapWindow)
		joins = &res
		m.logger.Info("multi-snap joining finished", "groups", res.Groups, "joined", res.Joined, "failed", res.Failed)
	}

	if err := m.ledger.Save(); err != nil {
		m.logger.Error("could not save ledger", "error", err)
		if errors.Is(err, ErrDiskFull) {
			return m.summarize(start, cancelled, merges, joins), err
		}
	}

	summary := m.summarize(start, cancelled, merges, joins)
	var reportPath string
	if m.report != nil {
		path, err := m.report.Save(summary)
		if err != nil {
			m.logger.Warn("could not write report", "error", err)
		} else {
			reportPath = path
		}
	}
	m.logger.Info("run finished",
		"successful", summary.Totals.Successful,
		"failed", summary.Totals.Failed,
		"skipped", summary.Totals.Skipped,
		"pending", summary.Totals.Pending,
		"duration", summary.Duration)
	m.emit(Event{Type: EventReport, Summary: &summary, ReportPath: reportPath, OutputDir: m.ledger.Dir()})
	return summary, nil
}

func (m *Manager) summarize(start time.Time, cancelled bool, merges *DeferredResult, joins *JoinResult) Summary {
	s := Summarize(m.ledger.Snapshot(), start, time.Now())
	s.RunID = m.runID
	s.Cancelled = cancelled
	s.Deferred = merges
	s.MultiSnaps = joins
	return s
}

func (m *Manager) initialJobs() int {
	if m.jobs != nil {
		if n, ok := sample(m.jobs, m.logger); ok {
			return n
		}
	}
	return m.cfg.Jobs
}

func (m *Manager) runPool(ctx context.Context, cancel context.CancelCauseFunc, selected []int, stats *Stats) {
	size := clampJobs(m.cfg.Jobs)
	if m.jobs != nil {
		size = MaxWorkers
	}
	if size > len(selected) {
		size = len(selected)
	}

	limiter := NewLimiter(m.initialJobs())
	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go limiter.Monitor(monCtx, m.cfg.MonitorInterval, m.jobs, m.logger)

	queue := make(chan int)
	go func() {
		defer close(queue)
		for _, n := range selected {
			select {
			case queue <- n:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 1; i <= size; i++ {
		wg.Add(1)
		go func(ordinal int) {
			defer wg.Done()
			for {
				if !limiter.Wait(ctx, ordinal) {
					return
				}
				n, ok := <-queue
				if !ok {
					limiter.Close()
					return
				}
				if ctx.Err() != nil {
					return
				}
				bytes := m.runTask(ctx, cancel, n)
				stats.Record(bytes)
				m.emit(stats.Progress(time.Now()))
			}
		}(i)
	}
	wg.Wait()
	limiter.Close()
}

// runTask owns task n until it reaches a terminal state. Failures are
// recorded on the task and never escape to other workers.
func (m *Manager) runTask(ctx context.Context, cancel context.CancelCauseFunc, n int) (bytes int64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked", "task", n, "panic", r)
			m.fail(n, fmt.Errorf("panic: %v", r))
		}
	}()

	t, ok := m.ledger.Get(n)
	if !ok {
		m.logger.Warn("task vanished from ledger", "task", n)
		return 0
	}
	if t.Done() && !m.cfg.Reprocess {
		return 0
	}

	if err := m.ledger.Transition(n, StateInProgress, func(t *Task) {
		t.Error = ""
		t.SkipReason = ""
	}); err != nil {
		m.logger.Error("could not start task", "task", n, "error", err)
		m.fail(n, err)
		if errors.Is(err, ErrDiskFull) {
			cancel(err)
		}
		return 0
	}

	// In-flight work finishes even when the run is cancelled.
	out, err := m.proc.Process(context.WithoutCancel(ctx), t)
	if err != nil {
		m.logger.Warn("task failed", "task", n, "url", t.URL, "error", err)
		m.note(fmt.Sprintf("Task %d failed: %v", n, err))
		m.fail(n, err)
		if errors.Is(err, ErrDiskFull) {
			cancel(err)
		}
		return out.Bytes
	}

	if out.SkipReason != "" {
		err = m.ledger.Transition(n, StateSkipped, func(t *Task) {
			t.Files = []FileEntry{}
			t.SkipReason = out.SkipReason
			t.DeferredForMerge = false
		})
		m.logger.Info("task skipped", "task", n, "reason", out.SkipReason)
		m.note(fmt.Sprintf("Task %d skipped: %s", n, out.SkipReason))
	} else {
		err = m.ledger.Transition(n, StateSuccess, func(t *Task) {
			t.Files = out.Files
			t.DeferredForMerge = out.Deferred
		})
		m.logger.Debug("task complete", "task", n, "files", len(out.Files), "bytes", out.Bytes)
		msg := fmt.Sprintf("Task %d saved %d file(s)", n, len(out.Files))
		if out.Deferred {
			msg += ", overlay merge deferred"
		}
		m.note(msg)
	}
	if err != nil {
		m.logger.Error("could not record task result", "task", n, "error", err)
		if errors.Is(err, ErrDiskFull) {
			cancel(err)
		}
		return out.Bytes
	}

	if out.Deferred {
		m.deferMu.Lock()
		m.deferred = append(m.deferred, n)
		m.deferMu.Unlock()
	}
	return out.Bytes
}

func (m *Manager) fail(n int, cause error) {
	err := m.ledger.Transition(n, StateFailed, func(t *Task) {
		t.Files = []FileEntry{}
		t.Error = cause.Error()
		t.DeferredForMerge = false
	})
	if err != nil {
		m.logger.Error("could not record task failure", "task", n, "error", err)
	}
}

// pendingMerges is this run's deferred list plus tasks an earlier,
// interrupted run left flagged.
func (m *Manager) pendingMerges() []int {
	m.deferMu.Lock()
	seen := make(map[int]bool, len(m.deferred))
	out := append([]int(nil), m.deferred...)
	m.deferMu.Unlock()

	for _, n := range out {
		seen[n] = true
	}
	for _, t := range m.ledger.Snapshot() {
		if t.State == StateSuccess && t.DeferredForMerge && !seen[t.Number] {
			out = append(out, t.Number)
		}
	}
	sort.Ints(out)
	return out
}
