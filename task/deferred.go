package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"memfetch/media"
)

type DeferredResult struct {
	Merged  int `json:"merged"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// MergeDeferred replaces the main/overlay pair of every flagged task with a
// single merged file. It must only run once no worker is writing to dir.
// Failures leave the pair and the flag in place so a later run can retry.
func (p *Processor) MergeDeferred(ctx context.Context, ledger *Ledger, numbers []int) DeferredResult {
	var res DeferredResult
	for i, n := range numbers {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("deferred merges interrupted", "remaining", len(numbers)-i)
			break
		}
		t, ok := ledger.Get(n)
		if !ok || !t.DeferredForMerge {
			res.Skipped++
			continue
		}
		p.logger.Info("merging deferred overlay", "task", n, "progress", fmt.Sprintf("%d/%d", i+1, len(numbers)))

		merged, err := p.mergePair(ctx, ledger, t)
		switch {
		case errors.Is(err, errNoPair):
			res.Skipped++
		case err != nil:
			res.Failed++
			p.logger.Warn("deferred merge failed, keeping overlay pair", "task", n, "error", err)
			p.notef("Task %d merge failed, kept overlay pair: %v", n, err)
		default:
			res.Merged++
			p.logger.Info("deferred merge complete", "task", n, "file", merged.Path)
			p.notef("Task %d merged into %s", n, merged.Path)
		}
	}
	return res
}

var errNoPair = errors.New("no main/overlay pair")

// findPair locates the main and overlay halves of a task's output. A half
// that was deduplicated is recognised by the role suffix of its intended
// name and read from the file it duplicates.
func findPair(files []FileEntry) (main, overlay FileEntry, ok bool) {
	var hasMain, hasOverlay bool
	for _, f := range files {
		switch pairRole(f) {
		case "main":
			main, hasMain = f, true
		case "overlay":
			overlay, hasOverlay = f, true
		}
	}
	return main, overlay, hasMain && hasOverlay
}

func pairRole(f FileEntry) string {
	switch f.Kind {
	case FileMain:
		return "main"
	case FileOverlay:
		return "overlay"
	case FileDuplicate:
		stem := strings.TrimSuffix(f.Path, filepath.Ext(f.Path))
		for _, role := range []string{"main", "overlay"} {
			if strings.HasSuffix(stem, "-"+role) {
				return role
			}
		}
	}
	return ""
}

// sourceName is the name of the file holding f's bytes.
func sourceName(f FileEntry) string {
	if f.Kind == FileDuplicate && f.DuplicateOf != "" {
		return f.DuplicateOf
	}
	return f.Path
}

// canonicalName strips the "-main" role suffix from a pair's main file.
func canonicalName(mainName string) string {
	ext := filepath.Ext(mainName)
	return strings.TrimSuffix(strings.TrimSuffix(mainName, ext), "-main") + ext
}

func (p *Processor) mergePair(ctx context.Context, ledger *Ledger, t Task) (FileEntry, error) {
	main, overlay, ok := findPair(t.Files)
	if !ok {
		if err := ledger.Update(t.Number, func(t *Task) error {
			t.DeferredForMerge = false
			return nil
		}); err != nil {
			return FileEntry{}, err
		}
		return FileEntry{}, errNoPair
	}

	mainPath := filepath.Join(p.dir, sourceName(main))
	overlayPath := filepath.Join(p.dir, sourceName(overlay))
	name := canonicalName(main.Path)
	outPath := filepath.Join(p.dir, name)

	var err error
	if media.IsVideoExt(main.Path) {
		err = p.mergeVideoFiles(ctx, mainPath, overlayPath, outPath)
	} else {
		err = p.mergeImageFiles(mainPath, overlayPath, outPath, &t)
	}
	if err != nil {
		return FileEntry{}, err
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return FileEntry{}, fsError("stat merged file", err)
	}
	entry := FileEntry{Path: name, Size: info.Size(), Kind: FileMerged}

	// The ledger learns about the merged file before the pair disappears.
	if err := ledger.Update(t.Number, func(t *Task) error {
		t.Files = []FileEntry{entry}
		t.DeferredForMerge = false
		return nil
	}); err != nil {
		os.Remove(outPath)
		return FileEntry{}, err
	}

	stamp(outPath, t.Date, p.logger)
	p.removeOriginals(ledger, mainPath, overlayPath)
	if p.index != nil {
		if err := p.index.RegisterFile(outPath, "", entry.Size); err != nil {
			p.logger.Warn("could not register merged file", "path", outPath, "error", err)
		}
	}
	return entry, nil
}

// removeOriginals deletes files the ledger no longer mentions. A file that
// another task's duplicate entry points at stays on disk and in the index.
func (p *Processor) removeOriginals(ledger *Ledger, paths ...string) {
	for _, path := range paths {
		if ledger != nil && ledger.Referenced(filepath.Base(path)) {
			p.logger.Debug("keeping original still referenced by another task", "path", path)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("could not remove original", "path", path, "error", err)
			continue
		}
		if p.index != nil {
			p.index.UnregisterFile(path)
		}
	}
}

func (p *Processor) mergeVideoFiles(ctx context.Context, mainPath, overlayPath, outPath string) error {
	if p.caps.Videos == nil {
		return fmt.Errorf("%w: video merging is unavailable", ErrMerge)
	}
	tmp := filepath.Join(p.dir, ".tmp-"+filepath.Base(outPath))
	defer os.Remove(tmp)
	if err := p.caps.Videos.MergeVideo(ctx, mainPath, overlayPath, tmp); err != nil {
		return fmt.Errorf("%w: %w", ErrMerge, err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return fsError("place merged video", err)
	}
	return nil
}

// mergeImageFiles composites overlayPath onto mainPath. When t is set its
// capture metadata is embedded into the result.
func (p *Processor) mergeImageFiles(mainPath, overlayPath, outPath string, t *Task) error {
	if p.caps.Images == nil {
		return fmt.Errorf("%w: image merging is unavailable", ErrMerge)
	}
	mainData, err := os.ReadFile(mainPath)
	if err != nil {
		return fsError("read main image", err)
	}
	overlayData, err := os.ReadFile(overlayPath)
	if err != nil {
		return fsError("read overlay image", err)
	}
	merged, err := p.caps.Images.MergeImage(mainData, overlayData)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMerge, err)
	}
	if t != nil {
		merged = p.embed(*t, merged)
	}
	return writeFileAtomic(outPath, merged, 0o644)
}
