package task

import (
	"fmt"
)

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateSuccess, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Terminal reports whether s ends a task's processing for this run.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateSkipped
}

func (s *State) UnmarshalText(b []byte) error {
	v := State(b)
	if !v.Valid() {
		return fmt.Errorf("unknown task state %q", string(b))
	}
	*s = v
	return nil
}

// canTransition encodes the per-task state machine. Any state may be
// (re)started; terminal states are only reachable from in_progress.
func canTransition(from, to State) bool {
	switch to {
	case StateInProgress:
		return true
	case StateSuccess, StateFailed, StateSkipped:
		return from == StateInProgress
	}
	return false
}

type MediaKind string

const (
	MediaImage MediaKind = "Image"
	MediaVideo MediaKind = "Video"
)

// DefaultExt is used when the downloaded bytes carry no recognisable signature.
func (k MediaKind) DefaultExt() string {
	if k == MediaVideo {
		return ".mp4"
	}
	return ".jpg"
}

type FileKind string

const (
	FileMain      FileKind = "main"
	FileOverlay   FileKind = "overlay"
	FileMerged    FileKind = "merged"
	FileSingle    FileKind = "single"
	FileDuplicate FileKind = "duplicate"
	FileJoined    FileKind = "joined"
)

type FileEntry struct {
	Path        string   `json:"path"`
	Size        int64    `json:"size"`
	Kind        FileKind `json:"type"`
	DuplicateOf string   `json:"duplicate_of,omitempty"`
	JoinedInto  string   `json:"joined_into,omitempty"`
}

// stored reports whether the entry names a file the task keeps on disk.
func (f FileEntry) stored() bool {
	return f.Kind != FileDuplicate && f.JoinedInto == ""
}

// Record is one item of the parsed export.
type Record struct {
	URL       string    `json:"url"`
	Date      string    `json:"date"`
	MediaKind MediaKind `json:"media_type"`
	Latitude  string    `json:"latitude"`
	Longitude string    `json:"longitude"`
}

const Unknown = "Unknown"

type Task struct {
	Number           int         `json:"number"`
	URL              string      `json:"url"`
	Date             string      `json:"date"`
	MediaKind        MediaKind   `json:"media_type"`
	Latitude         string      `json:"latitude"`
	Longitude        string      `json:"longitude"`
	State            State       `json:"status"`
	Files            []FileEntry `json:"files"`
	Error            string      `json:"error,omitempty"`
	SkipReason       string      `json:"skip_reason,omitempty"`
	DeferredForMerge bool        `json:"deferred_for_merge,omitempty"`
}

// Done reports whether the task already produced its output.
func (t *Task) Done() bool {
	return t.State == StateSuccess && len(t.Files) > 0
}

func (t *Task) clone() Task {
	c := *t
	if t.Files != nil {
		c.Files = append([]FileEntry(nil), t.Files...)
	}
	return c
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}

// NewTasks builds a fresh, all-pending task list numbered from 1.
func NewTasks(records []Record) []*Task {
	tasks := make([]*Task, 0, len(records))
	for i, r := range records {
		tasks = append(tasks, &Task{
			Number:    i + 1,
			URL:       r.URL,
			Date:      orUnknown(r.Date),
			MediaKind: MediaKind(orUnknown(string(r.MediaKind))),
			Latitude:  orUnknown(r.Latitude),
			Longitude: orUnknown(r.Longitude),
			State:     StatePending,
			Files:     []FileEntry{},
		})
	}
	return tasks
}
