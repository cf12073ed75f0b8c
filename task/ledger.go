package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	LedgerFile   = "metadata.json"
	ReportPrefix = "download_report_"
)

// IsBookkeepingFile reports whether name belongs to the downloader itself
// rather than to the downloaded media.
func IsBookkeepingFile(name string) bool {
	return name == LedgerFile ||
		strings.HasPrefix(name, ".tmp-") ||
		strings.HasPrefix(name, "metadata.corrupt-") ||
		strings.HasPrefix(name, ReportPrefix)
}

// Ledger is the persisted task list of one output directory. Every mutation
// holds mu and is written to disk before mu is released.
type Ledger struct {
	mu       sync.Mutex
	dir      string
	path     string
	tasks    []*Task
	byNumber map[int]*Task
	logger   *slog.Logger
}

// OpenLedger loads the ledger in dir, creating it from records when absent.
// A ledger that cannot be parsed is moved aside and rebuilt; one that was
// built from a different export is reconciled by URL.
func OpenLedger(dir string, records []Record, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fsError("create output dir", err)
	}
	l := &Ledger{dir: dir, path: filepath.Join(dir, LedgerFile), logger: logger}
	fresh := NewTasks(records)

	data, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.setTasks(fresh)
		logger.Info("initialized ledger", "path", l.path, "tasks", len(fresh))
		return l, l.Save()
	case err != nil:
		return nil, fsError("read ledger", err)
	}

	existing, err := decodeLedger(data)
	if err != nil {
		logger.Warn("ledger is unreadable, rebuilding it", "path", l.path, "error", err)
		if backup, berr := l.backupCorrupt(); berr != nil {
			logger.Warn("could not back up corrupt ledger", "error", berr)
		} else {
			logger.Info("backed up corrupt ledger", "backup", backup)
		}
		l.setTasks(fresh)
		return l, l.Save()
	}

	if sameURLs(existing, fresh) {
		l.setTasks(existing)
		logger.Info("loaded ledger", "path", l.path, "tasks", len(existing))
		return l, nil
	}

	merged, kept := reconcile(fresh, existing)
	logger.Warn("ledger does not match the export, rebuilt it by URL",
		"ledger_entries", len(existing),
		"parsed", len(fresh),
		"preserved", kept)
	l.setTasks(merged)
	return l, l.Save()
}

func decodeLedger(data []byte) ([]*Task, error) {
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerCorrupt, err)
	}
	seen := make(map[int]bool, len(tasks))
	for i, t := range tasks {
		if t == nil || t.URL == "" || !t.State.Valid() || t.Number <= 0 || seen[t.Number] {
			return nil, fmt.Errorf("%w: entry %d is malformed", ErrLedgerCorrupt, i)
		}
		seen[t.Number] = true
		if t.Files == nil {
			t.Files = []FileEntry{}
		}
	}
	return tasks, nil
}

func sameURLs(a, b []*Task) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].URL != b[i].URL {
			return false
		}
	}
	return true
}

// reconcile carries progress from old entries onto the freshly parsed list,
// matching on URL. Descriptive fields always come from the fresh parse.
func reconcile(fresh, old []*Task) ([]*Task, int) {
	byURL := make(map[string]*Task, len(old))
	for _, t := range old {
		if _, dup := byURL[t.URL]; !dup {
			byURL[t.URL] = t
		}
	}
	kept := 0
	for _, t := range fresh {
		prev, ok := byURL[t.URL]
		if !ok {
			continue
		}
		t.State = prev.State
		t.Files = prev.Files
		t.Error = prev.Error
		t.SkipReason = prev.SkipReason
		t.DeferredForMerge = prev.DeferredForMerge
		kept++
	}
	return fresh, kept
}

func (l *Ledger) setTasks(tasks []*Task) {
	l.tasks = tasks
	l.byNumber = make(map[int]*Task, len(tasks))
	for _, t := range tasks {
		l.byNumber[t.Number] = t
	}
}

func (l *Ledger) backupCorrupt() (string, error) {
	ts := time.Now().Format("20060102-150405")
	backup := filepath.Join(l.dir, fmt.Sprintf("metadata.corrupt-%s.json", ts))
	if err := os.Rename(l.path, backup); err != nil {
		return "", err
	}
	return backup, nil
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) Dir() string { return l.dir }

// Save persists the whole list.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	return writeFileAtomic(l.path, data, 0o644)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Snapshot returns copies of every task in ledger order.
func (l *Ledger) Snapshot() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Task, 0, len(l.tasks))
	for _, t := range l.tasks {
		out = append(out, t.clone())
	}
	return out
}

func (l *Ledger) Get(number int) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byNumber[number]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Update applies fn to the task and persists the ledger. When fn fails
// nothing is written. A persistence error is returned after the in-memory
// change has been applied.
func (l *Ledger) Update(number int, fn func(t *Task) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byNumber[number]
	if !ok {
		return fmt.Errorf("%w: #%d", ErrUnknownTask, number)
	}
	if err := fn(t); err != nil {
		return err
	}
	return l.saveLocked()
}

// Transition moves a task to state to, applying fn to the task first.
func (l *Ledger) Transition(number int, to State, fn func(t *Task)) error {
	return l.Update(number, func(t *Task) error {
		if !canTransition(t.State, to) {
			return fmt.Errorf("%w: #%d %s -> %s", ErrBadTransition, number, t.State, to)
		}
		if fn != nil {
			fn(t)
		}
		t.State = to
		return nil
	})
}

// Owner returns the task whose output includes the file name.
// Duplicate and joined-away entries own nothing.
func (l *Ledger) Owner(name string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		for _, f := range t.Files {
			if f.stored() && f.Path == name {
				return t.Number, true
			}
		}
	}
	return 0, false
}

// Referenced reports whether any task still lists name as its own file or
// as the target of a duplicate or join.
func (l *Ledger) Referenced(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		for _, f := range t.Files {
			if f.DuplicateOf == name || f.JoinedInto == name || (f.stored() && f.Path == name) {
				return true
			}
		}
	}
	return false
}
