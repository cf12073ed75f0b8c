// Package dedup keeps a content index of one output directory so repeated
// downloads can be recognised before they are written.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Index maps file size to content hash to path for the files of one
// directory. Sizes are recorded eagerly, hashes only when a same-sized blob
// is checked. All map access holds mu; file hashing never does.
type Index struct {
	dir    string
	skip   func(name string) bool
	logger *slog.Logger

	mu     sync.Mutex
	built  bool
	bySize map[int64]map[string]string // size -> path -> hash ("" until computed)
	byHash map[int64]map[string]string // size -> hash -> path
	paths  map[string]int64            // path -> size
}

// New returns an index over dir. skip, if non-nil, excludes files by base
// name (the ledger, temporary files, reports).
func New(dir string, skip func(name string) bool, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		dir:    dir,
		skip:   skip,
		logger: logger,
		bySize: make(map[int64]map[string]string),
		byHash: make(map[int64]map[string]string),
		paths:  make(map[string]int64),
	}
}

// HashData returns the content hash used by the index.
func HashData(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Build scans the directory once, recording file sizes. Later calls are no-ops.
func (x *Index) Build() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buildLocked()
}

func (x *Index) buildLocked() error {
	if x.built {
		return nil
	}
	entries, err := os.ReadDir(x.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || (x.skip != nil && x.skip(e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Vanished between ReadDir and Info.
			continue
		}
		x.addLocked(filepath.Join(x.dir, e.Name()), info.Size(), "")
	}
	x.built = true
	x.logger.Debug("duplicate index built", "dir", x.dir, "files", len(x.paths))
	return nil
}

func (x *Index) addLocked(path string, size int64, hash string) {
	if old, ok := x.paths[path]; ok {
		x.removeLocked(path, old)
	}
	bucket := x.bySize[size]
	if bucket == nil {
		bucket = make(map[string]string)
		x.bySize[size] = bucket
	}
	bucket[path] = hash
	x.paths[path] = size
	if hash != "" {
		x.setHashLocked(path, size, hash)
	}
}

func (x *Index) setHashLocked(path string, size int64, hash string) {
	bucket, ok := x.bySize[size]
	if !ok {
		return
	}
	if _, ok := bucket[path]; !ok {
		return
	}
	bucket[path] = hash
	hashes := x.byHash[size]
	if hashes == nil {
		hashes = make(map[string]string)
		x.byHash[size] = hashes
	}
	if _, taken := hashes[hash]; !taken {
		hashes[hash] = path
	}
}

func (x *Index) removeLocked(path string, size int64) {
	if bucket, ok := x.bySize[size]; ok {
		hash := bucket[path]
		delete(bucket, path)
		if len(bucket) == 0 {
			delete(x.bySize, size)
		}
		if hashes, ok := x.byHash[size]; ok && hash != "" && hashes[hash] == path {
			delete(hashes, hash)
			// Another file with the same content may still be indexed.
			for other, h := range bucket {
				if h == hash {
					hashes[hash] = other
					break
				}
			}
			if len(hashes) == 0 {
				delete(x.byHash, size)
			}
		}
	}
	delete(x.paths, path)
}

func (x *Index) evict(path string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if size, ok := x.paths[path]; ok {
		x.removeLocked(path, size)
		x.logger.Debug("evicted missing file from duplicate index", "path", path)
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CheckData reports whether data already exists in the directory. On a
// match it returns the existing file's base name; otherwise it returns the
// computed hash so the caller can pass it to RegisterFile after writing.
func (x *Index) CheckData(data []byte) (bool, string, string) {
	hash := HashData(data)
	size := int64(len(data))

	x.mu.Lock()
	if err := x.buildLocked(); err != nil {
		x.mu.Unlock()
		x.logger.Warn("duplicate index scan failed", "dir", x.dir, "error", err)
		return false, "", hash
	}
	fast, hasFast := x.byHash[size][hash]
	x.mu.Unlock()

	if hasFast {
		if exists(fast) {
			return true, filepath.Base(fast), hash
		}
		x.evict(fast)
	}

	x.mu.Lock()
	var candidates []string
	for path, h := range x.bySize[size] {
		if h == "" || h == hash {
			candidates = append(candidates, path)
		}
	}
	x.mu.Unlock()

	for _, path := range candidates {
		got, err := hashFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				x.evict(path)
			} else {
				x.logger.Warn("could not hash candidate duplicate", "path", path, "error", err)
			}
			continue
		}
		x.mu.Lock()
		x.setHashLocked(path, size, got)
		x.mu.Unlock()
		if got == hash {
			return true, filepath.Base(path), hash
		}
	}
	return false, "", hash
}

// RegisterFile records a file written outside CheckData. An empty hash is
// computed lazily; a negative size is read from disk.
func (x *Index) RegisterFile(path, hash string, size int64) error {
	if size < 0 {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		size = info.Size()
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.buildLocked(); err != nil {
		return err
	}
	x.addLocked(path, size, hash)
	return nil
}

// UnregisterFile drops path from the index.
func (x *Index) UnregisterFile(path string) {
	x.evict(path)
}

// Len returns the number of indexed files.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.paths)
}
