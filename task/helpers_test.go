package task

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"memfetch/config"
)

const testDate = "2021-06-01 12:30:00 UTC"

func jpegBytes(tag string) []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("jpeg-"+tag)...)
}

func pngBytes(tag string) []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), []byte("png-"+tag)...)
}

func videoBytes(tag string) []byte {
	return append([]byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}, []byte("mp4-"+tag)...)
}

type entry struct {
	name string
	data []byte
}

func zipOf(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// mockFetcher serves payloads by URL.
type mockFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	fetchFunc func(ctx context.Context, url string) ([]byte, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[url]++
	m.mu.Unlock()
	return m.fetchFunc(ctx, url)
}

func (m *mockFetcher) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func staticFetcher(payloads map[string][]byte) *mockFetcher {
	return &mockFetcher{fetchFunc: func(ctx context.Context, url string) ([]byte, error) {
		data, ok := payloads[url]
		if !ok {
			return nil, ErrNetwork
		}
		return data, nil
	}}
}

type mockImageMerger struct {
	mergeFunc func(main, overlay []byte) ([]byte, error)
}

func (m *mockImageMerger) MergeImage(main, overlay []byte) ([]byte, error) {
	return m.mergeFunc(main, overlay)
}

type mockVideoMerger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockVideoMerger) MergeVideo(ctx context.Context, mainPath, overlayPath, outPath string) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	mainData, err := os.ReadFile(mainPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, append(mainData, []byte("+overlay")...), 0o644)
}

// mockJoiner concatenates its inputs byte for byte.
type mockJoiner struct {
	mu     sync.Mutex
	inputs [][]string
	err    error
}

func (m *mockJoiner) JoinVideos(ctx context.Context, inputs []string, outPath string) error {
	m.mu.Lock()
	m.inputs = append(m.inputs, append([]string(nil), inputs...))
	m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	var joined []byte
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		joined = append(joined, data...)
	}
	return os.WriteFile(outPath, joined, 0o644)
}

type embedFunc func(data []byte, date, latitude, longitude string) ([]byte, error)

func (f embedFunc) EmbedMetadata(data []byte, date, latitude, longitude string) ([]byte, error) {
	return f(data, date, latitude, longitude)
}

type guardFunc func() error

func (g guardFunc) Check() error { return g() }

type mockReporter struct {
	mu      sync.Mutex
	saved   []Summary
	path    string
	saveErr error
}

func (r *mockReporter) Save(s Summary) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, s)
	return r.path, r.saveErr
}

func testConfig() *config.Config {
	return &config.Config{
		Mode:            string(ModeAll),
		Jobs:            2,
		MonitorInterval: 5 * time.Millisecond,
	}
}

// storedFiles lists the names in dir that are not bookkeeping files.
func storedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if !IsBookkeepingFile(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}

func taskFor(number int, url string, kind MediaKind) Task {
	return Task{
		Number:    number,
		URL:       url,
		Date:      testDate,
		MediaKind: kind,
		Latitude:  Unknown,
		Longitude: Unknown,
		State:     StateInProgress,
		Files:     []FileEntry{},
	}
}
