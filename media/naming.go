package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var reservedStems = map[string]bool{"CON": true, "PRN": true, "AUX": true, "NUL": true}

func init() {
	for i := 1; i <= 9; i++ {
		reservedStems[fmt.Sprintf("COM%d", i)] = true
		reservedStems[fmt.Sprintf("LPT%d", i)] = true
	}
}

// SafeStem makes a file stem valid on NTFS even when running elsewhere.
// Colons become dots so capture times stay readable.
func SafeStem(stem string) string {
	var sb strings.Builder
	for _, r := range stem {
		switch {
		case r < 32:
			sb.WriteRune('_')
		case r == ':':
			sb.WriteRune('.')
		case strings.ContainsRune(`<>"/\|?*`, r):
			sb.WriteRune('_')
		default:
			sb.WriteRune(r)
		}
	}
	safe := strings.TrimRight(strings.TrimSpace(sb.String()), " .")
	if safe == "" {
		safe = "file"
	}
	base, _, _ := strings.Cut(safe, ".")
	if reservedStems[strings.ToUpper(base)] {
		safe = "_" + safe
	}
	return safe
}

// SequenceStem is the zero-padded fallback stem for a task number.
func SequenceStem(number int) string {
	return fmt.Sprintf("%02d", number)
}

// FileName builds the output name for a task. Timestamp names are derived
// from a "YYYY-MM-DD HH:MM:SS UTC" capture date; anything else falls back to
// the sequence number.
func FileName(date, ext string, useTimestamp bool, number int) string {
	if useTimestamp {
		clean := strings.TrimSpace(strings.Replace(date, " UTC", "", 1))
		parts := strings.Split(clean, " ")
		if len(parts) == 2 {
			stem := SafeStem(strings.ReplaceAll(parts[0], "-", ".") + "-" + parts[1])
			return stem + ext
		}
	}
	return SafeStem(SequenceStem(number)) + ext
}

// SplitName derives the "-main"/"-overlay" variant of a canonical output name.
func SplitName(canonical, role string) string {
	ext := filepath.Ext(canonical)
	return strings.TrimSuffix(canonical, ext) + "-" + role + ext
}

const captureLayout = "2006-01-02 15:04:05"

// ParseCaptureTime parses an export date such as "2021-06-01 12:30:00 UTC".
func ParseCaptureTime(date string) (time.Time, bool) {
	clean := strings.TrimSpace(strings.Replace(date, " UTC", "", 1))
	t, err := time.ParseInLocation(captureLayout, clean, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// StampFile sets both access and modification time of path to t.
func StampFile(path string, t time.Time) error {
	return os.Chtimes(path, t, t)
}
