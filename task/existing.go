package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"memfetch/media"
)

// MergeExisting merges every NAME-main.EXT in the processor's directory
// that has a NAME-overlay.* partner into NAME.EXT. It works without a
// ledger, keeps the pairs and never overwrites an existing NAME.EXT.
func (p *Processor) MergeExisting(ctx context.Context) (DeferredResult, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return DeferredResult{}, fsError("read directory", err)
	}

	var mains []string
	overlays := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || IsBookkeepingFile(name) {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		switch {
		case strings.HasSuffix(stem, "-main"):
			mains = append(mains, name)
		case strings.HasSuffix(stem, "-overlay"):
			overlays[strings.TrimSuffix(stem, "-overlay")] = name
		}
	}
	sort.Strings(mains)
	p.logger.Info("found main files", "dir", p.dir, "count", len(mains))

	var res DeferredResult
	for i, mainName := range mains {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ext := filepath.Ext(mainName)
		base := strings.TrimSuffix(strings.TrimSuffix(mainName, ext), "-main")
		overlayName, ok := overlays[base]
		if !ok {
			res.Skipped++
			p.logger.Info("no matching overlay", "file", mainName)
			continue
		}
		outName := canonicalName(mainName)
		outPath := filepath.Join(p.dir, outName)
		if _, err := os.Stat(outPath); err == nil {
			res.Skipped++
			p.logger.Info("already merged", "file", outName)
			continue
		}

		mainPath := filepath.Join(p.dir, mainName)
		overlayPath := filepath.Join(p.dir, overlayName)
		switch {
		case media.IsVideoExt(ext):
			err = p.mergeVideoFiles(ctx, mainPath, overlayPath, outPath)
		case media.IsImageExt(ext):
			err = p.mergeImageFiles(mainPath, overlayPath, outPath, nil)
		default:
			err = fmt.Errorf("%w: unsupported file type %s", ErrMerge, ext)
		}
		if err != nil {
			res.Failed++
			p.logger.Warn("could not merge pair", "file", mainName, "error", err)
			continue
		}

		if info, err := os.Stat(mainPath); err == nil {
			if err := media.StampFile(outPath, info.ModTime()); err != nil {
				p.logger.Debug("could not set file times", "path", outPath, "error", err)
			}
		}
		res.Merged++
		p.logger.Info("merged pair", "file", outName, "progress", fmt.Sprintf("%d/%d", i+1, len(mains)))
	}
	return res, nil
}
