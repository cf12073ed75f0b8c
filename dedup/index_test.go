package dedup

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestIndex_CheckDataThenRegister(t *testing.T) {
	dir := t.TempDir()
	idx := New(dir, nil, nil)
	blob := []byte("same bytes every time")

	dup, name, hash := idx.CheckData(blob)
	assert.False(t, dup)
	assert.Empty(t, name)
	assert.Equal(t, HashData(blob), hash)

	path := writeFile(t, dir, "01.jpg", blob)
	require.NoError(t, idx.RegisterFile(path, hash, int64(len(blob))))

	dup, name, _ = idx.CheckData(blob)
	assert.True(t, dup)
	assert.Equal(t, "01.jpg", name)
}

func TestIndex_FindsPreexistingFilesLazily(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "old.mp4", []byte("existing video"))
	writeFile(t, dir, "other.mp4", []byte("existing vide0"))
	writeFile(t, dir, "metadata.json", []byte("existing video"))

	idx := New(dir, func(name string) bool { return name == "metadata.json" }, nil)

	dup, name, _ := idx.CheckData([]byte("existing video"))
	assert.True(t, dup)
	assert.Equal(t, "old.mp4", name)
	assert.Equal(t, 2, idx.Len())

	dup, _, _ = idx.CheckData([]byte("different size entirely"))
	assert.False(t, dup)
}

func TestIndex_EvictsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	blob := []byte("soon gone")
	path := writeFile(t, dir, "gone.jpg", blob)

	idx := New(dir, nil, nil)
	require.NoError(t, idx.RegisterFile(path, HashData(blob), -1))
	require.Equal(t, 1, idx.Len())

	require.NoError(t, os.Remove(path))

	dup, _, _ := idx.CheckData(blob)
	assert.False(t, dup)
	assert.Equal(t, 0, idx.Len())
}

func TestIndex_UnregisterKeepsOtherCopies(t *testing.T) {
	dir := t.TempDir()
	blob := []byte("twin content")
	a := writeFile(t, dir, "a.jpg", blob)
	b := writeFile(t, dir, "b.jpg", blob)

	idx := New(dir, nil, nil)
	require.NoError(t, idx.RegisterFile(a, HashData(blob), -1))
	require.NoError(t, idx.RegisterFile(b, HashData(blob), -1))

	idx.UnregisterFile(a)
	require.NoError(t, os.Remove(a))

	dup, name, _ := idx.CheckData(blob)
	assert.True(t, dup)
	assert.Equal(t, "b.jpg", name)
}

func TestIndex_ConcurrentChecks(t *testing.T) {
	dir := t.TempDir()
	idx := New(dir, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blob := []byte(strings.Repeat("x", i+1))
			dup, _, hash := idx.CheckData(blob)
			if dup {
				return
			}
			path := filepath.Join(dir, "f"+strings.Repeat("x", i+1))
			if err := os.WriteFile(path, blob, 0o644); err == nil {
				_ = idx.RegisterFile(path, hash, int64(len(blob)))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, idx.Len())
	dup, _, _ := idx.CheckData([]byte("xxxx"))
	assert.True(t, dup)
}
