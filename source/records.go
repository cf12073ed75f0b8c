// Package source reads the exported media list the downloader works from.
package source

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"memfetch/task"
)

// entry is one item of the export file. Coordinates may be given either as
// separate fields or as a "Latitude, Longitude: 34.05, -118.24" location.
type entry struct {
	URL       string `json:"url"`
	Date      string `json:"date"`
	MediaType string `json:"media_type"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Location  string `json:"location"`
}

// Load parses path into records. Entries without a URL or a date cannot be
// downloaded and are dropped.
func Load(path string) ([]task.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]task.Record, error) {
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}

	records := make([]task.Record, 0, len(entries))
	for _, e := range entries {
		url := strings.TrimSpace(e.URL)
		date := strings.TrimSpace(e.Date)
		if url == "" || date == "" {
			continue
		}
		lat, lon := strings.TrimSpace(e.Latitude), strings.TrimSpace(e.Longitude)
		if lat == "" && lon == "" && e.Location != "" {
			lat, lon = ParseLocation(e.Location)
		}
		records = append(records, task.Record{
			URL:       url,
			Date:      date,
			MediaKind: mediaKind(e.MediaType),
			Latitude:  lat,
			Longitude: lon,
		})
	}
	return records, nil
}

func mediaKind(s string) task.MediaKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "video":
		return task.MediaVideo
	case "image", "photo":
		return task.MediaImage
	}
	return ""
}

// ParseLocation splits "Latitude, Longitude: 34.05, -118.24" into its two
// coordinates. Anything else yields empty strings.
func ParseLocation(s string) (string, string) {
	coords := strings.TrimSpace(strings.Replace(s, "Latitude, Longitude:", "", 1))
	parts := strings.Split(coords, ",")
	if len(parts) != 2 {
		return "", ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// Limit keeps the first n records. A negative n keeps everything.
func Limit(records []task.Record, n int) []task.Record {
	if n < 0 || n >= len(records) {
		return records
	}
	return records[:n]
}
