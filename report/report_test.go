package report_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"memfetch/report"
	"memfetch/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Save(t *testing.T) {
	dir := t.TempDir()
	w := report.NewWriter(dir)
	w.Now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }

	summary := task.Summary{
		RunID:      "abc_1",
		Totals:     task.Totals{Successful: 4, Failed: 1, Files: 4},
		Errors:     []task.TaskError{{Number: 3, URL: "u3", Error: "network error"}},
		ErrorCount: 1,
	}
	path, err := w.Save(summary)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "download_report_20240309_140507.json"), path)
	assert.True(t, task.IsBookkeepingFile(filepath.Base(path)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	totals := got["totals"].(map[string]any)
	assert.EqualValues(t, 4, totals["successful"])
	assert.EqualValues(t, 1, totals["failed"])
	assert.EqualValues(t, 1, got["error_count"])
	assert.Equal(t, "abc_1", got["run_id"])
}

func TestWriter_SaveFailsForMissingDir(t *testing.T) {
	w := report.NewWriter(filepath.Join(t.TempDir(), "missing"))
	_, err := w.Save(task.Summary{})
	assert.Error(t, err)
}
