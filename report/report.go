// Package report writes the end-of-run summary next to the downloads.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"memfetch/task"
)

const timeLayout = "20060102_150405"

// Writer saves summaries as download_report_<timestamp>.json in Dir.
type Writer struct {
	Dir string
	// Now is replaceable in tests.
	Now func() time.Time
}

func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir, Now: time.Now}
}

// FileName is the report name for a run finished at t.
func FileName(t time.Time) string {
	return task.ReportPrefix + t.Format(timeLayout) + ".json"
}

func (w *Writer) Save(s task.Summary) (string, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	path := filepath.Join(w.Dir, FileName(now()))

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
