package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
)

// Stats aggregates throughput across workers.
type Stats struct {
	mu        sync.Mutex
	start     time.Time
	total     int
	completed int
	bytes     int64
}

func NewStats(total int, start time.Time) *Stats {
	return &Stats{total: total, start: start}
}

// Record adds one finished task and the bytes it transferred.
func (s *Stats) Record(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.bytes += bytes
}

// Progress builds a progress event as of now.
func (s *Stats) Progress(now time.Time) Event {
	s.mu.Lock()
	completed, total, bytes := s.completed, s.total, s.bytes
	s.mu.Unlock()

	elapsed := now.Sub(s.start).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(bytes) / elapsed
	}
	eta := "--:--"
	if completed > 0 && elapsed > 0 {
		perTask := elapsed / float64(completed)
		eta = formatETA(time.Duration(perTask * float64(total-completed) * float64(time.Second)))
	}
	return Event{
		Type:       EventProgress,
		Completed:  completed,
		Total:      total,
		Speed:      sizeLabel(int64(speed)) + "/s",
		ETA:        eta,
		TotalBytes: sizeLabel(bytes),
	}
}

func sizeLabel(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return datasize.ByteSize(n).HumanReadable()
}

func formatETA(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

type EventType string

const (
	EventProgress EventType = "progress"
	EventLog      EventType = "log"
	EventReport   EventType = "report"
)

// Event is one message on the progress stream. Only the fields of its Type
// are set.
type Event struct {
	Type       EventType `json:"type"`
	Completed  int       `json:"completed,omitempty"`
	Total      int       `json:"total,omitempty"`
	Speed      string    `json:"speed,omitempty"`
	ETA        string    `json:"eta,omitempty"`
	TotalBytes string    `json:"total_bytes,omitempty"`
	Message    string    `json:"message,omitempty"`
	Summary    *Summary  `json:"summary,omitempty"`
	ReportPath string    `json:"report_path,omitempty"`
	OutputDir  string    `json:"output_dir,omitempty"`
}

type Sink func(Event)

type Totals struct {
	Processed  int   `json:"processed"`
	Successful int   `json:"successful"`
	Failed     int   `json:"failed"`
	Pending    int   `json:"pending"`
	InProgress int   `json:"in_progress"`
	Skipped    int   `json:"skipped"`
	Files      int   `json:"total_files"`
	Bytes      int64 `json:"total_bytes"`
}

type FileProcessing struct {
	Single     int `json:"single_files"`
	Merged     int `json:"merged_files"`
	Unmerged   int `json:"unmerged_pairs"`
	Duplicates int `json:"duplicates"`
	Joined     int `json:"joined_videos"`
}

type TaskError struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Error  string `json:"error"`
}

type Summary struct {
	RunID          string          `json:"run_id,omitempty"`
	Started        time.Time       `json:"started"`
	Finished       time.Time       `json:"finished"`
	Duration       string          `json:"duration"`
	Totals         Totals          `json:"totals"`
	FileProcessing FileProcessing  `json:"file_processing"`
	Deferred       *DeferredResult `json:"deferred_merges,omitempty"`
	MultiSnaps     *JoinResult     `json:"multi_snaps,omitempty"`
	Errors         []TaskError     `json:"errors,omitempty"`
	ErrorCount     int             `json:"error_count"`
	Cancelled      bool            `json:"cancelled"`
}

const maxReportedErrors = 10

// Summarize counts the final state of tasks. Skipped is its own bucket and
// never folds into failed or pending.
func Summarize(tasks []Task, start, end time.Time) Summary {
	s := Summary{
		Started:  start,
		Finished: end,
		Duration: end.Sub(start).Round(time.Second).String(),
	}
	for _, t := range tasks {
		switch t.State {
		case StateSuccess:
			s.Totals.Successful++
		case StateFailed:
			s.Totals.Failed++
			s.ErrorCount++
			if len(s.Errors) < maxReportedErrors {
				s.Errors = append(s.Errors, TaskError{Number: t.Number, URL: t.URL, Error: t.Error})
			}
		case StatePending:
			s.Totals.Pending++
		case StateInProgress:
			s.Totals.InProgress++
		case StateSkipped:
			s.Totals.Skipped++
		}

		var mains int
		for _, f := range t.Files {
			switch f.Kind {
			case FileSingle:
				s.FileProcessing.Single++
			case FileMerged:
				s.FileProcessing.Merged++
			case FileMain:
				mains++
			case FileDuplicate:
				s.FileProcessing.Duplicates++
				continue
			case FileJoined:
				if f.JoinedInto != "" {
					continue
				}
				s.FileProcessing.Joined++
			}
			s.Totals.Files++
			s.Totals.Bytes += f.Size
		}
		s.FileProcessing.Unmerged += mains
	}
	s.Totals.Processed = s.Totals.Successful + s.Totals.Failed + s.Totals.Skipped
	return s
}

// Reporter persists a run summary and returns where it went.
type Reporter interface {
	Save(s Summary) (string, error)
}
